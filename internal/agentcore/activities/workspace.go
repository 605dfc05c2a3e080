package activities

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/zeitwork/zeitwork/internal/agentcore/agenterrors"
	"github.com/zeitwork/zeitwork/internal/agentcore/sshsession"
	"github.com/zeitwork/zeitwork/internal/agentcore/vmmanager"
)

// commandScriptDir is where workspace task scripts live, distinct from the
// prebuild activity's initScriptDir (§6 environment contract).
const commandScriptDir = projectMount + "/.hocus/command"

const authorizedKeysPath = "/home/hocus/.ssh/authorized_keys"

// StartWorkspaceArgs is the typed argument record for StartWorkspace.
type StartWorkspaceArgs struct {
	RootFsPath   string
	ProjectDrive string
	Commands     []string // one background task per entry

	SshUser        string
	SshPrivateKey  []byte
	AuthorizedKeys []string
}

// StartWorkspaceResult is the typed result record for StartWorkspace. The
// VM is left running; ownership passes to the caller, which later calls
// StopWorkspace (§4.8).
type StartWorkspaceResult struct {
	InstanceID string
	Pid        int
	VmIP       string
	IpBlockID  int
	TaskPids   []int
}

// StartWorkspace boots a long-lived VM, backgrounds the caller's commands,
// installs authorized keys, and publishes the workspace's public address
// through the SSH gateway. Unlike Prebuild, tasks are launched in the
// background rather than awaited (§4.8).
func (a *Activities) StartWorkspace(ctx context.Context, args StartWorkspaceArgs) (*StartWorkspaceResult, error) {
	cfg := a.baseVMConfig()
	cfg.RootFsPath = args.RootFsPath
	cfg.SshUser = args.SshUser
	cfg.SshPrivateKey = args.SshPrivateKey
	cfg.ExtraDrives = []vmmanager.ExtraDrive{{HostPath: args.ProjectDrive, MountPoint: projectMount}}
	cfg.ShouldPoweroff = false

	var result StartWorkspaceResult
	err := a.VMs.WithVM(ctx, cfg, func(ctx context.Context, handle *vmmanager.VMHandle) error {
		sess, err := a.dialGuestKey(ctx, handle.VmIP, args.SshUser, args.SshPrivateKey)
		if err != nil {
			return fmt.Errorf("activities: start workspace: dial guest: %w", err)
		}
		defer sess.Dispose()

		taskPids := make([]int, 0, len(args.Commands))
		for idx, command := range args.Commands {
			pid, err := launchBackgroundTask(ctx, sess, idx, command)
			if err != nil {
				return err
			}
			taskPids = append(taskPids, pid)
		}

		authorizedKeysBlob := strings.Join(args.AuthorizedKeys, "\n")
		if len(args.AuthorizedKeys) > 0 {
			authorizedKeysBlob += "\n"
		}
		if err := sess.WriteFile(authorizedKeysPath, []byte(authorizedKeysBlob), 0o600); err != nil {
			return fmt.Errorf("activities: start workspace: write authorized_keys: %w", err)
		}

		if err := flipNetworkPublic(ctx, sess); err != nil {
			return err
		}

		if a.SshGateway != nil {
			if err := a.SshGateway.AddPublicKeysToAuthorizedKeys(args.AuthorizedKeys); err != nil {
				return fmt.Errorf("activities: start workspace: register keys with ssh gateway: %w", err)
			}
		}

		result = StartWorkspaceResult{
			InstanceID: handle.InstanceID,
			Pid:        handle.Pid,
			VmIP:       handle.VmIP,
			IpBlockID:  handle.IpBlockID,
			TaskPids:   taskPids,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// launchBackgroundTask uploads a task's wrapper script, backgrounds it, and
// captures+validates the shell PID (§4.8 point i).
func launchBackgroundTask(ctx context.Context, sess *sshsession.Session, idx int, command string) (int, error) {
	scriptPath := fmt.Sprintf("%s/task-%d.sh", commandScriptDir, idx)
	logPath := fmt.Sprintf("%s/task-%d.log", commandScriptDir, idx)
	script := shellPrelude + command + "\n"
	if err := sess.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		return 0, fmt.Errorf("activities: start workspace: upload task %d script: %w", idx, err)
	}

	launch := fmt.Sprintf(`bash %q > %q 2>&1 & echo "$!"`, scriptPath, logPath)
	res, err := sess.Exec(ctx, []string{"sh", "-c", launch}, sshsession.ExecOptions{Cwd: projectDir})
	if err != nil {
		return 0, fmt.Errorf("activities: start workspace: launch task %d: %w", idx, err)
	}

	pid, convErr := strconv.Atoi(strings.TrimSpace(string(res.Stdout)))
	if convErr != nil || pid <= 0 {
		return 0, &agenterrors.ValidationFailedError{
			Field:  fmt.Sprintf("task[%d].pid", idx),
			Reason: fmt.Sprintf("expected a positive integer, got %q", string(res.Stdout)),
		}
	}
	return pid, nil
}

// flipNetworkPublic switches the VM's network visibility from private to
// public (§4.8 point iii). The guest-side mechanism is a fixed firewall
// rule toggle owned by the rootfs image; the core only triggers it.
func flipNetworkPublic(ctx context.Context, sess *sshsession.Session) error {
	_, err := sess.Exec(ctx, []string{"sudo", "/usr/local/bin/hocus-network-public"}, sshsession.ExecOptions{})
	if err != nil {
		return fmt.Errorf("activities: start workspace: flip network public: %w", err)
	}
	return nil
}

// StopWorkspaceArgs is the typed argument record for StopWorkspace.
type StopWorkspaceArgs struct {
	InstanceID string
	IpBlockID  int
}

// StopWorkspace is the paired release for a workspace started with
// ShouldPoweroff=false: it tears down the VM and releases its IP block
// directly, bypassing WithVM since the scope already exited when
// StartWorkspace returned (§4.8).
func (a *Activities) StopWorkspace(ctx context.Context, args StopWorkspaceArgs) error {
	handle := &vmmanager.VMHandle{InstanceID: args.InstanceID, IpBlockID: args.IpBlockID}
	return a.VMs.ShutdownByInstanceID(ctx, handle)
}
