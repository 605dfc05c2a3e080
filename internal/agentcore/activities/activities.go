// Package activities implements the five top-level operations the external
// workflow engine invokes: FetchRepository, BuildFs, CheckoutAndInspect,
// Prebuild, and StartWorkspace/StopWorkspace. Each except StopWorkspace
// opens exactly one vmmanager.WithVM scope; StopWorkspace tears down the VM
// a prior StartWorkspace left running (§2, §6).
package activities

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zeitwork/zeitwork/internal/agentcore/sshsession"
	"github.com/zeitwork/zeitwork/internal/agentcore/store"
	"github.com/zeitwork/zeitwork/internal/agentcore/vmmanager"
)

// projectMount is where the project drive is mounted inside every guest
// that works with a repository checkout (§6, environment contract).
const projectMount = "/home/hocus/dev"

// projectDir is the repository checkout itself.
const projectDir = projectMount + "/project"

// Activities is a plain struct of constructed collaborators — no DI
// container, matching SPEC_FULL.md §9's "Polymorphism" note.
type Activities struct {
	Logger *slog.Logger
	VMs    *vmmanager.Manager
	Store  store.Interface
	Sink   EventSink

	KernelImagePath     string
	FirecrackerBinPath  string
	VMWorkDir           string
	DefaultVcpuCount    int64
	DefaultMemSizeMiB   int64
	SshPort             int
	SshBootReadyTimeout time.Duration
	SshKnownHostsPath   string
	SshAllowInsecureKey bool

	SshGateway SshGateway
}

// EventSink is the optional side-channel notification surface (§12); a nil
// Sink or a NoopSink both act as a no-op publisher.
type EventSink interface {
	TaskStatusChanged(prebuildEventID int64, taskIdx int, status store.TaskStatus)
	LogFlushed(logGroupID int64, idx int64)
}

// NoopSink discards every event; used when NATS publication is disabled.
type NoopSink struct{}

func (NoopSink) TaskStatusChanged(int64, int, store.TaskStatus) {}
func (NoopSink) LogFlushed(int64, int64)                        {}

// SshGateway is the external collaborator that publishes running
// workspaces (§6), implemented outside this module's scope.
type SshGateway interface {
	AddPublicKeysToAuthorizedKeys(keys []string) error
}

func (a *Activities) sink() EventSink {
	if a.Sink == nil {
		return NoopSink{}
	}
	return a.Sink
}

// baseVMConfig builds the StartConfig fields common to every activity,
// leaving RootFsPath/ExtraDrives/ShouldPoweroff to the caller.
func (a *Activities) baseVMConfig() vmmanager.StartConfig {
	return vmmanager.StartConfig{
		KernelImagePath:     a.KernelImagePath,
		FirecrackerBinPath:  a.FirecrackerBinPath,
		VMWorkDir:           a.VMWorkDir,
		VcpuCount:           a.DefaultVcpuCount,
		MemSizeMiB:          a.DefaultMemSizeMiB,
		SshPort:             a.SshPort,
		SshBootReadyTimeout: a.SshBootReadyTimeout,
		SshKnownHostsPath:   a.SshKnownHostsPath,
		SshAllowInsecureKey: a.SshAllowInsecureKey,
		ShouldPoweroff:      true,
	}
}

// dialGuestPassword opens a session into the guest for the initial-boot
// activities, which authenticate with a username/password pair (§6).
func (a *Activities) dialGuestPassword(ctx context.Context, vmIP, user, password string) (*sshsession.Session, error) {
	return sshsession.Dial(ctx, sshsession.DialOptions{
		Address:              fmt.Sprintf("%s:%d", vmIP, a.SshPort),
		Auth:                 sshsession.AuthMethod{User: user, Password: password},
		KnownHostsPath:       a.SshKnownHostsPath,
		AllowInsecureHostKey: a.SshAllowInsecureKey,
	})
}

// dialGuestKey opens a session into the guest for the prebuild/workspace
// activities, which authenticate with a configured private key (§6).
func (a *Activities) dialGuestKey(ctx context.Context, vmIP, user string, privateKey []byte) (*sshsession.Session, error) {
	return sshsession.Dial(ctx, sshsession.DialOptions{
		Address:              fmt.Sprintf("%s:%d", vmIP, a.SshPort),
		Auth:                 sshsession.AuthMethod{User: user, PrivateKey: privateKey},
		KnownHostsPath:       a.SshKnownHostsPath,
		AllowInsecureHostKey: a.SshAllowInsecureKey,
	})
}
