package vmmanager

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/zeitwork/zeitwork/internal/agentcore/ipblock"
)

// createTapDevice brings up a tap device addressed per the IP block's
// deterministic addressing, matching the shell-exec style used throughout
// internal/nodeagent/runtime/firecracker/host_network_config.go rather than
// a netlink-binding API.
func createTapDevice(ctx context.Context, addr ipblock.BlockAddressing) error {
	steps := [][]string{
		{"ip", "tuntap", "add", "dev", addr.TapDeviceName, "mode", "tap"},
		{"ip", "addr", "add", addr.TapDeviceIP + "/30", "dev", addr.TapDeviceName},
		{"ip", "link", "set", "dev", addr.TapDeviceName, "up"},
	}
	for _, args := range steps {
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		if out, err := cmd.CombinedOutput(); err != nil {
			removeTapDevice(context.Background(), addr.TapDeviceName)
			return fmt.Errorf("vmmanager: %v: %w: %s", args, err, string(out))
		}
	}
	return nil
}

// removeTapDevice deletes the tap device, ignoring a device that is already
// gone so teardown remains idempotent on the retry path.
func removeTapDevice(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, "ip", "link", "delete", name)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if strings.Contains(string(out), "Cannot find device") {
			return nil
		}
		return fmt.Errorf("vmmanager: delete tap device %s: %w: %s", name, err, string(out))
	}
	return nil
}
