package activities

import (
	"context"
	"fmt"
	"os"

	"github.com/zeitwork/zeitwork/internal/agentcore/vmmanager"
)

// defaultDriveSizeMiB sizes drives this package creates itself: the output
// drive FetchRepository provisions on first run, and BuildFs's output image
// when BuildFsArgs.OutputSizeMiB is not positive. CheckoutAndInspect copies
// its output drive from an existing source.
const defaultDriveSizeMiB = 4096

// ensureExt4Drive creates path as an ext4 image if it does not already
// exist, reporting whether it did so.
func ensureExt4Drive(ctx context.Context, path string, sizeMiB int) (created bool, err error) {
	if _, statErr := os.Stat(path); statErr == nil {
		return false, nil
	} else if !os.IsNotExist(statErr) {
		return false, fmt.Errorf("activities: stat %s: %w", path, statErr)
	}
	if sizeMiB <= 0 {
		sizeMiB = defaultDriveSizeMiB
	}
	if err := vmmanager.CreateExt4Image(ctx, path, sizeMiB, false); err != nil {
		return false, err
	}
	return true, nil
}

// copyFile copies src to dst byte-for-byte, overwriting dst if present.
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("activities: read %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("activities: write %s: %w", dst, err)
	}
	return nil
}
