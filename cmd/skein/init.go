package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/skein/internal/defaults"
)

// runInit writes an example skein.yaml and the data directory into
// dir. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing skein in %s\n", dir)

	data := filepath.Join(dir, "data")
	if err := os.MkdirAll(data, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", data, err)
	}

	path := filepath.Join(dir, "skein.yaml")
	wrote, err := writeIfMissing(path, defaults.ConfigYAML)
	if err != nil {
		return err
	}
	if wrote {
		fmt.Fprintf(w, "  wrote %s\n", path)
	} else {
		fmt.Fprintf(w, "  kept %s\n", path)
	}
	return nil
}

// writeIfMissing writes content to path only if nothing is there.
func writeIfMissing(path string, content []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
