// Package mcp connects to remote Model Context Protocol servers over
// streamable HTTP and exposes their tools as domain tools. Bridged
// tools are namespaced "mcp_<server>_<tool>" so they never shadow the
// lifecycle meta-tools.
package mcp
