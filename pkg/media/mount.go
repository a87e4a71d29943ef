package media

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mounter attaches and detaches a device at a mount point.
type Mounter interface {
	Mount(device, target string) error
	Unmount(target string) error
}

// SysMounter mounts read-only with mount(2), trying each filesystem type in order.
type SysMounter struct {
	FSTypes []string
}

// Mount implements Mounter. The target directory is created if missing.
func (m SysMounter) Mount(device, target string) error {
	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("failed to create mount point %s: %w", target, err)
	}

	var errs []error
	for _, fsType := range m.FSTypes {
		err := unix.Mount(device, target, fsType, unix.MS_RDONLY|unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, "")
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", fsType, err))
	}
	if len(errs) == 0 {
		return fmt.Errorf("no filesystem types configured for %s", device)
	}
	return fmt.Errorf("failed to mount %s: %w", device, errors.Join(errs...))
}

// Unmount implements Mounter.
func (m SysMounter) Unmount(target string) error {
	if err := unix.Unmount(target, 0); err != nil {
		return fmt.Errorf("failed to unmount %s: %w", target, err)
	}
	return nil
}
