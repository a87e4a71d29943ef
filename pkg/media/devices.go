package media

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// DeviceLister enumerates candidate configuration medium devices.
type DeviceLister interface {
	Devices() ([]string, error)
}

// GlobLister lists devices matching glob patterns.
type GlobLister struct {
	Patterns []string

	// Filter keeps a path. Nil keeps block devices only.
	Filter func(path string, info os.FileInfo) bool
}

// Devices returns matching paths, deduplicated after symlink resolution and
// sorted.
func (l GlobLister) Devices() ([]string, error) {
	filter := l.Filter
	if filter == nil {
		filter = isBlockDevice
	}

	seen := make(map[string]bool)
	var devices []string
	for _, pattern := range l.Patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad device pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			resolved, err := filepath.EvalSymlinks(m)
			if err != nil {
				continue
			}
			if seen[resolved] {
				continue
			}
			info, err := os.Stat(resolved)
			if err != nil || !filter(resolved, info) {
				continue
			}
			seen[resolved] = true
			devices = append(devices, resolved)
		}
	}
	sort.Strings(devices)
	return devices, nil
}

func isBlockDevice(_ string, info os.FileInfo) bool {
	mode := info.Mode()
	return mode&os.ModeDevice != 0 && mode&os.ModeCharDevice == 0
}
