// Package defaults embeds the example configuration written by
// skein init.
package defaults

import _ "embed"

// ConfigYAML is the example skein.yaml.
//
//go:embed config.example.yaml
var ConfigYAML []byte
