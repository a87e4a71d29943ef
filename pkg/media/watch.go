package media

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrWaitTimeout is returned when no device appeared in time.
var ErrWaitTimeout = errors.New("timed out waiting for device")

// WaitForDevice watches the directories of patterns until a matching path
// is created, and returns that path.
func WaitForDevice(ctx context.Context, patterns []string, timeout time.Duration) (string, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return "", fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dirs := make(map[string]bool)
	for _, p := range patterns {
		dir := filepath.Dir(p)
		if dirs[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			return "", fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		dirs[dir] = true
	}

	// A device may have appeared between the caller's listing and Add.
	if path := firstMatch(patterns); path != "" {
		return path, nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", ErrWaitTimeout
			}
			return "", ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return "", errors.New("watcher closed")
			}
			if event.Op&fsnotify.Create == 0 {
				continue
			}
			for _, p := range patterns {
				if ok, _ := filepath.Match(p, event.Name); ok {
					return event.Name, nil
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return "", errors.New("watcher closed")
			}
			return "", fmt.Errorf("watcher error: %w", err)
		}
	}
}

func firstMatch(patterns []string) string {
	for _, p := range patterns {
		if matches, _ := filepath.Glob(p); len(matches) > 0 {
			return matches[0]
		}
	}
	return ""
}
