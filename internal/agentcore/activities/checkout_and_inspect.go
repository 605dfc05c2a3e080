package activities

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"context"

	"github.com/zeitwork/zeitwork/internal/agentcore/agenterrors"
	"github.com/zeitwork/zeitwork/internal/agentcore/sshsession"
	"github.com/zeitwork/zeitwork/internal/agentcore/vmmanager"
)

// projectConfigPath is the well-known location of the optional project
// config inside a checked-out repository (§3, ProjectConfig).
const projectConfigPath = projectDir + "/.hocus/config.json"

// ProjectConfig is the schema-validated record loaded from
// projectConfigPath. Its shape beyond presence/absence is opaque to the
// core; Tasks is the only field decoded.
type ProjectConfig struct {
	Tasks []struct {
		Command string `json:"command"`
	} `json:"tasks"`
}

// CheckoutAndInspectArgs is the typed argument record for
// CheckoutAndInspect.
type CheckoutAndInspectArgs struct {
	RootFsPath    string
	SourcePath    string // existing drive to copy from
	OutputPath    string // destination drive, overwritten if present
	TargetBranch  string
	SshUser       string
	SshPassword   string
}

// CheckoutAndInspectResult is the typed result record for
// CheckoutAndInspect. Config is nil when no project config file is present
// (the "null sentinel" of §4.6).
type CheckoutAndInspectResult struct {
	Config *ProjectConfig
}

// CheckoutAndInspect copies a repository drive, checks out a branch, and
// parses an optional config file, deleting the output drive on any failure
// so no stale artifact survives (§4.6, testable property 5).
func (a *Activities) CheckoutAndInspect(ctx context.Context, args CheckoutAndInspectArgs) (result *CheckoutAndInspectResult, err error) {
	if _, statErr := os.Stat(args.OutputPath); statErr == nil {
		a.Logger.Warn("checkout_and_inspect: overwriting existing output drive", "path", args.OutputPath)
	}
	defer func() {
		if err != nil {
			if rmErr := os.Remove(args.OutputPath); rmErr != nil && !os.IsNotExist(rmErr) {
				err = agenterrors.Composite(err, rmErr)
			}
		}
	}()

	if err := copyFile(args.SourcePath, args.OutputPath); err != nil {
		return nil, fmt.Errorf("activities: checkout and inspect: copy drive: %w", err)
	}

	cfg := a.baseVMConfig()
	cfg.RootFsPath = args.RootFsPath
	cfg.SshUser = args.SshUser
	cfg.SshPassword = args.SshPassword
	cfg.ExtraDrives = []vmmanager.ExtraDrive{{HostPath: args.OutputPath, MountPoint: projectMount}}

	result = &CheckoutAndInspectResult{}
	err = a.VMs.WithVM(ctx, cfg, func(ctx context.Context, handle *vmmanager.VMHandle) error {
		sess, dialErr := a.dialGuestPassword(ctx, handle.VmIP, args.SshUser, args.SshPassword)
		if dialErr != nil {
			return fmt.Errorf("activities: checkout and inspect: dial guest: %w", dialErr)
		}
		defer sess.Dispose()

		if _, execErr := sess.Exec(ctx, []string{"git", "checkout", args.TargetBranch}, sshsession.ExecOptions{Cwd: projectDir}); execErr != nil {
			return fmt.Errorf("activities: checkout and inspect: git checkout %s: %w", args.TargetBranch, execErr)
		}

		data, readErr := sess.ReadFile(projectConfigPath)
		if readErr != nil {
			if errors.Is(readErr, os.ErrNotExist) {
				result.Config = nil
				return nil
			}
			return fmt.Errorf("activities: checkout and inspect: read project config: %w", readErr)
		}

		var parsed ProjectConfig
		if jsonErr := json.Unmarshal(data, &parsed); jsonErr != nil {
			return &agenterrors.ValidationFailedError{Field: "projectConfig", Reason: jsonErr.Error()}
		}
		result.Config = &parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
