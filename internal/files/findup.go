package files

import (
	"os"
	"path/filepath"
)

// FindUp searches for a file named name in dir and each parent directory,
// returning the full path of the first match or "" if none exists.
func FindUp(name, dir string) string {
	curDir := dir
	for {
		candidate := filepath.Join(curDir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(curDir)
		if parent == curDir {
			return ""
		}
		curDir = parent
	}
}
