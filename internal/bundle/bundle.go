// Package bundle embeds the self-contained resources pkg/resolver can
// hand out as RefEmbeddedSelf/RefEmbeddedResource executables and data
// files, the Go equivalent of DFIR-ORC's binary-resource-section
// lookup (original_source ResourceAgent.cpp loads resources out of its
// own PE module by name).
package bundle

import (
	"embed"
	"io/fs"
)

//go:embed resources
var resources embed.FS

// Lookup returns the raw bytes for a bundled resource name, or
// fs.ErrNotExist if none is embedded under that name. Names are looked
// up relative to the resources/ directory root, mirroring a module's
// flat resource namespace.
func Lookup(name string) ([]byte, error) {
	return fs.ReadFile(resources, "resources/"+name)
}

// Names lists every bundled resource, for diagnostics and -list flags.
func Names() ([]string, error) {
	entries, err := fs.ReadDir(resources, "resources")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
