// Package vmmanager owns the host-side resources behind a running microVM:
// ext4 drive images, tap devices, the Firecracker process itself, and the
// scoped WithVM acquisition that ties them together with an IP block and an
// SSH control channel.
//
// Grounded on internal/nodeagent/runtime/firecracker's shell-exec style for
// host networking (host_network_config.go) and on the firecracker-go-sdk
// dependency already declared by the teacher's go.mod but never exercised by
// its containerd-shim-based runtime; this package drives the SDK directly,
// per SPEC_FULL.md §11.
package vmmanager

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// CreateExt4Image produces a zero-filled file of sizeMiB and formats it
// ext4. It refuses to overwrite an existing file unless overwrite is true,
// in which case it truncates and recreates the image (§4.2, testable
// property 6).
func CreateExt4Image(ctx context.Context, path string, sizeMiB int, overwrite bool) error {
	if _, err := os.Stat(path); err == nil {
		if !overwrite {
			return fmt.Errorf("vmmanager: %s already exists", path)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("vmmanager: remove existing image %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("vmmanager: stat %s: %w", path, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("vmmanager: create %s: %w", path, err)
	}
	if err := f.Truncate(int64(sizeMiB) * 1024 * 1024); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("vmmanager: truncate %s to %d MiB: %w", path, sizeMiB, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("vmmanager: close %s: %w", path, err)
	}

	cmd := exec.CommandContext(ctx, "mkfs.ext4", "-F", "-q", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(path)
		return fmt.Errorf("vmmanager: mkfs.ext4 %s: %w: %s", path, err, string(out))
	}
	return nil
}

// ImageSizeMiB returns the size, in MiB, of the ext4 image at path.
func ImageSizeMiB(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size() / (1024 * 1024), nil
}
