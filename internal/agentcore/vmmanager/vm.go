package vmmanager

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	sdk "github.com/firecracker-microvm/firecracker-go-sdk"
	sdkmodels "github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/google/uuid"

	"github.com/zeitwork/zeitwork/internal/agentcore/agenterrors"
	"github.com/zeitwork/zeitwork/internal/agentcore/ipblock"
	"github.com/zeitwork/zeitwork/internal/agentcore/sshsession"
)

// ExtraDrive describes one additional block device attached to a VM besides
// its root drive (input/output drives for BuildFs, the project drive for
// Prebuild, ...).
type ExtraDrive struct {
	HostPath   string
	ReadOnly   bool
	MountPoint string // inside the guest, mounted by the cloud-init-equivalent in the rootfs
}

// StartConfig describes everything StartVM needs to boot one microVM.
type StartConfig struct {
	KernelImagePath string
	RootFsPath      string
	RootFsReadOnly  bool
	ExtraDrives     []ExtraDrive

	VcpuCount  int64
	MemSizeMiB int64

	FirecrackerBinPath string
	VMWorkDir          string

	SshUser             string
	SshPort             int
	SshPassword         string
	SshPrivateKey       []byte
	SshKnownHostsPath   string
	SshAllowInsecureKey bool
	SshBootReadyTimeout time.Duration

	// ShouldPoweroff controls WithVM's teardown decision: when false and the
	// body returns successfully, the VM is left running and ownership
	// passes to the caller (used by StartWorkspace, §4.2/§4.8).
	ShouldPoweroff bool
}

// VMHandle is the in-memory record of a live VM, owned exclusively by the
// WithVM body for the scope's duration (§3).
type VMHandle struct {
	InstanceID       string
	Pid              int
	VmIP             string
	TapDevice        string
	IpBlockID        int
	ExtraDriveMounts []string

	machine    *sdk.Machine
	socketPath string
	logger     *slog.Logger
}

// Manager constructs VMs against a configured Firecracker binary, drawing
// their IP blocks from a shared allocator. It also tracks live handles by
// instance id so a later, separate StopWorkspace call (§4.8) can find the
// VM a prior StartWorkspace call left running — valid within the single
// cooperative process the core runs in (§5).
type Manager struct {
	logger    *slog.Logger
	allocator *ipblock.Allocator

	// OnTeardown, if set, is called with the outcome of every
	// ShutdownVMAndReleaseResources — nil on a clean teardown, the
	// composite error otherwise. The health reporter uses this to surface
	// "last VM teardown failed" on the readiness probe (§12).
	OnTeardown func(error)

	mu   sync.Mutex
	live map[string]*VMHandle
}

// New constructs a Manager around an already-initialized IP block allocator.
func New(logger *slog.Logger, allocator *ipblock.Allocator) *Manager {
	return &Manager{logger: logger, allocator: allocator, live: make(map[string]*VMHandle)}
}

func driveModel(driveID, hostPath string, isRoot, readOnly bool) sdkmodels.Drive {
	return sdkmodels.Drive{
		DriveID:      sdk.String(driveID),
		PathOnHost:   sdk.String(hostPath),
		IsRootDevice: sdk.Bool(isRoot),
		IsReadOnly:   sdk.Bool(readOnly),
	}
}

// StartVM spawns the Firecracker process with a UDS control socket at
// /tmp/<instanceId>.sock, configures boot source/drives/network over the
// live JSON control API, issues the start action, and waits until SSH
// answers (§4.2).
func (m *Manager) StartVM(ctx context.Context, ipBlockID int, cfg StartConfig) (*VMHandle, error) {
	instanceID := uuid.NewString()
	addr := ipblock.Addressing(ipBlockID)
	logger := m.logger.With("instance_id", instanceID, "vm_ip", addr.VmIP)

	if err := createTapDevice(ctx, addr); err != nil {
		return nil, fmt.Errorf("vmmanager: create tap device: %w", err)
	}

	socketPath := filepath.Join("/tmp", instanceID+".sock")
	workDir := filepath.Join(cfg.VMWorkDir, instanceID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		removeTapDevice(ctx, addr.TapDeviceName)
		return nil, fmt.Errorf("vmmanager: create work dir %s: %w", workDir, err)
	}

	drives := []sdkmodels.Drive{driveModel("1", cfg.RootFsPath, true, cfg.RootFsReadOnly)}
	mounts := make([]string, 0, len(cfg.ExtraDrives))
	for i, d := range cfg.ExtraDrives {
		driveID := fmt.Sprintf("extra-%d", i+1)
		drives = append(drives, driveModel(driveID, d.HostPath, false, d.ReadOnly))
		mounts = append(mounts, d.MountPoint)
	}

	machineCfg := sdk.Config{
		SocketPath:      socketPath,
		KernelImagePath: cfg.KernelImagePath,
		KernelArgs:      "console=ttyS0 reboot=k panic=1 pci=off",
		Drives:          drives,
		NetworkInterfaces: []sdk.NetworkInterface{
			{
				StaticConfiguration: &sdk.StaticNetworkConfiguration{
					HostDevName: addr.TapDeviceName,
					IPConfiguration: &sdk.IPConfiguration{
						IPAddr: net.IPNet{
							IP:   net.ParseIP(addr.VmIP),
							Mask: net.CIDRMask(30, 32),
						},
						Gateway: net.ParseIP(addr.TapDeviceIP),
					},
				},
			},
		},
		MachineCfg: sdkmodels.MachineConfiguration{
			VcpuCount:  sdk.Int64(cfg.VcpuCount),
			MemSizeMib: sdk.Int64(cfg.MemSizeMiB),
		},
		VMID: instanceID,
	}

	cmd := sdk.VMCommandBuilder{}.
		WithBin(cfg.FirecrackerBinPath).
		WithSocketPath(socketPath).
		Build(ctx)

	machine, err := sdk.NewMachine(ctx, machineCfg, sdk.WithProcessRunner(cmd))
	if err != nil {
		removeTapDevice(ctx, addr.TapDeviceName)
		return nil, fmt.Errorf("vmmanager: construct machine: %w", err)
	}
	if err := machine.Start(ctx); err != nil {
		removeTapDevice(ctx, addr.TapDeviceName)
		return nil, fmt.Errorf("vmmanager: start machine: %w", err)
	}

	pid, err := machine.PID()
	if err != nil {
		removeTapDevice(ctx, addr.TapDeviceName)
		return nil, fmt.Errorf("vmmanager: get machine pid: %w", err)
	}

	handle := &VMHandle{
		InstanceID:       instanceID,
		Pid:              pid,
		VmIP:             addr.VmIP,
		TapDevice:        addr.TapDeviceName,
		IpBlockID:        ipBlockID,
		ExtraDriveMounts: mounts,
		machine:          machine,
		socketPath:       socketPath,
		logger:           logger,
	}

	if err := waitForSSH(ctx, addr.VmIP, cfg); err != nil {
		_ = m.ShutdownVMAndReleaseResources(context.Background(), handle, false)
		return nil, agenterrors.VmBootTimeout(instanceID, cfg.SshBootReadyTimeout.String())
	}

	m.mu.Lock()
	m.live[instanceID] = handle
	m.mu.Unlock()

	return handle, nil
}

func waitForSSH(ctx context.Context, vmIP string, cfg StartConfig) error {
	timeout := cfg.SshBootReadyTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		sess, err := sshsession.Dial(dialCtx, sshsession.DialOptions{
			Address: fmt.Sprintf("%s:%d", vmIP, cfg.SshPort),
			Auth: sshsession.AuthMethod{
				User:       cfg.SshUser,
				Password:   cfg.SshPassword,
				PrivateKey: cfg.SshPrivateKey,
			},
			Timeout:              2 * time.Second,
			KnownHostsPath:       cfg.SshKnownHostsPath,
			AllowInsecureHostKey: cfg.SshAllowInsecureKey,
		})
		cancel()
		if err == nil {
			sess.Dispose()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("vmmanager: ssh never answered on %s within %s", vmIP, timeout)
}
