package planconfig

import (
	"os"

	"github.com/OpenPeeDeeP/xdg"
)

// DefaultScratchRoot resolves the parent directory under which the run
// creates <tempdir>/WorkingTemp/<run_id>/ (spec.md §6 "Scratch
// layout"). CONFIG_DIR-style env override first, then the platform
// default via xdg, exactly the precedence the teacher's configDir /
// configDirForVendor use for its own config directory.
func DefaultScratchRoot(vendor, name string) string {
	if envDir := os.Getenv("ORC_TEMPDIR"); envDir != "" {
		return envDir
	}
	if tmp := os.Getenv("TEMP"); tmp != "" {
		return tmp
	}
	dirs := xdg.New(vendor, name)
	return dirs.CacheHome()
}
