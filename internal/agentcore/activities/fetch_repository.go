package activities

import (
	"context"
	"fmt"

	"github.com/zeitwork/zeitwork/internal/agentcore/sshsession"
	"github.com/zeitwork/zeitwork/internal/agentcore/vmmanager"
)

// gitSSHInsecure disables host-key checking for the embedded git clone over
// SSH; see SPEC_FULL.md §9's open-question disclosure of this weakness.
const gitSSHInsecure = "ssh -o UserKnownHostsFile=/dev/null -o StrictHostKeyChecking=no"

// FetchRepositoryArgs is the typed argument record for FetchRepository.
type FetchRepositoryArgs struct {
	RootFsPath    string // project rootfs, credentials already embedded
	OutputPath    string // ext4 drive holding the checkout
	RepositoryURL string
	SshPrivateKey []byte // optional
	SshUser       string
	SshPassword   string
}

// FetchRepositoryResult is the typed result record for FetchRepository.
type FetchRepositoryResult struct {
	Created bool // true if OutputPath did not already exist
}

// FetchRepository clones or fetches a git repository into an output drive,
// injecting an SSH key over SFTP when one is supplied (§4.4).
func (a *Activities) FetchRepository(ctx context.Context, args FetchRepositoryArgs) (*FetchRepositoryResult, error) {
	created, err := ensureExt4Drive(ctx, args.OutputPath, 4096)
	if err != nil {
		return nil, fmt.Errorf("activities: fetch repository: %w", err)
	}

	cfg := a.baseVMConfig()
	cfg.RootFsPath = args.RootFsPath
	cfg.SshUser = args.SshUser
	cfg.SshPassword = args.SshPassword
	cfg.ExtraDrives = []vmmanager.ExtraDrive{{HostPath: args.OutputPath, MountPoint: projectMount}}

	var result FetchRepositoryResult
	err = a.VMs.WithVM(ctx, cfg, func(ctx context.Context, handle *vmmanager.VMHandle) error {
		sess, err := a.dialGuestPassword(ctx, handle.VmIP, args.SshUser, args.SshPassword)
		if err != nil {
			return fmt.Errorf("activities: fetch repository: dial guest: %w", err)
		}
		defer sess.Dispose()

		if created {
			if _, err := sess.Exec(ctx, []string{"chown", args.SshUser, projectMount}, sshsession.ExecOptions{}); err != nil {
				return fmt.Errorf("activities: fetch repository: chown mount: %w", err)
			}
		}

		if len(args.SshPrivateKey) > 0 {
			if err := installSSHKey(ctx, sess, args.SshPrivateKey); err != nil {
				return err
			}
		}

		exists, err := pathExists(ctx, sess, projectDir+"/.git")
		if err != nil {
			return err
		}

		if exists {
			if _, err := sess.Exec(ctx, []string{"git", "fetch", "--all"}, sshsession.ExecOptions{
				Cwd: projectDir,
				Env: map[string]string{"GIT_SSH_COMMAND": gitSSHInsecure},
			}); err != nil {
				return fmt.Errorf("activities: fetch repository: git fetch --all: %w", err)
			}
			return nil
		}

		if _, err := sess.Exec(ctx, []string{"git", "clone", "--no-checkout", args.RepositoryURL, "project"}, sshsession.ExecOptions{
			Cwd: projectMount,
			Env: map[string]string{"GIT_SSH_COMMAND": gitSSHInsecure},
		}); err != nil {
			return fmt.Errorf("activities: fetch repository: git clone: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Created = created
	return &result, nil
}

// installSSHKey materializes a private key at ~/.ssh/id_rsa on a tmpfs
// mount, owned 0700/0400 (§4.4 step 2).
func installSSHKey(ctx context.Context, sess *sshsession.Session, key []byte) error {
	if _, err := sess.Exec(ctx, []string{"mkdir", "-p", "/home/hocus/.ssh"}, sshsession.ExecOptions{}); err != nil {
		return fmt.Errorf("activities: fetch repository: create .ssh dir: %w", err)
	}
	if _, err := sess.Exec(ctx, []string{"mount", "-t", "tmpfs", "tmpfs", "/home/hocus/.ssh"}, sshsession.ExecOptions{AllowNonZeroExitCode: true}); err != nil {
		return fmt.Errorf("activities: fetch repository: mount tmpfs ssh dir: %w", err)
	}
	if err := sess.WriteFile("/home/hocus/.ssh/id_rsa", key, 0o400); err != nil {
		return fmt.Errorf("activities: fetch repository: write id_rsa: %w", err)
	}
	if _, err := sess.Exec(ctx, []string{"chmod", "0700", "/home/hocus/.ssh"}, sshsession.ExecOptions{}); err != nil {
		return fmt.Errorf("activities: fetch repository: chmod .ssh: %w", err)
	}
	return nil
}

// pathExists probes for a path's presence inside the guest via `test -e`.
func pathExists(ctx context.Context, sess *sshsession.Session, path string) (bool, error) {
	res, err := sess.Exec(ctx, []string{"test", "-e", path}, sshsession.ExecOptions{AllowNonZeroExitCode: true})
	if err != nil {
		return false, fmt.Errorf("activities: test -e %s: %w", path, err)
	}
	return res.Code == 0, nil
}
