package activities

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	dockerbuild "github.com/docker/docker/api/types/build"
	dockerimage "github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/moby/go-archive"

	"github.com/zeitwork/zeitwork/internal/agentcore/sshsession"
	"github.com/zeitwork/zeitwork/internal/agentcore/vmmanager"
)

// buildfsResourceDir holds the buildfs.sh script and its companions,
// uploaded verbatim into every builder VM (§4.5).
const buildfsResourceDir = "resources/buildfs"

const buildfsRemoteDir = "/tmp/workdir"

// BuildFsArgs is the typed argument record for BuildFs.
type BuildFsArgs struct {
	RootFsPath     string // builder rootfs, has Dockerfile build tooling installed
	InputPath      string // drive containing the build context
	OutputPath     string // drive the populated rootfs is written to
	DockerfilePath string // relative to the context root
	ContextPath    string // relative to the input drive's mount
	OutputSizeMiB  int

	SshUser     string
	SshPassword string

	// Registry, when non-empty, additionally pushes the built OCI image to
	// a registry from the host using the Docker Go SDK, supplementing the
	// guest-side rootfs build (§11 domain stack supplement).
	Registry string
	ImageTag string
}

// BuildFsResult is the typed result record for BuildFs.
type BuildFsResult struct {
	OutputPath string
	Pushed     bool
}

const (
	inputMount  = "/mnt/input"
	outputMount = "/mnt/output"
)

// BuildFs executes a Dockerfile build inside a disposable builder VM,
// producing a bootable rootfs image on the host (§4.5).
func (a *Activities) BuildFs(ctx context.Context, args BuildFsArgs) (*BuildFsResult, error) {
	sizeMiB := args.OutputSizeMiB
	if sizeMiB <= 0 {
		sizeMiB = defaultDriveSizeMiB
	}
	if err := vmmanager.CreateExt4Image(ctx, args.OutputPath, sizeMiB, true); err != nil {
		return nil, fmt.Errorf("activities: build fs: %w", err)
	}

	cfg := a.baseVMConfig()
	cfg.RootFsPath = args.RootFsPath
	cfg.SshUser = args.SshUser
	cfg.SshPassword = args.SshPassword
	cfg.ExtraDrives = []vmmanager.ExtraDrive{
		{HostPath: args.InputPath, ReadOnly: true, MountPoint: inputMount},
		{HostPath: args.OutputPath, MountPoint: outputMount},
	}

	err := a.VMs.WithVM(ctx, cfg, func(ctx context.Context, handle *vmmanager.VMHandle) error {
		sess, err := a.dialGuestPassword(ctx, handle.VmIP, args.SshUser, args.SshPassword)
		if err != nil {
			return fmt.Errorf("activities: build fs: dial guest: %w", err)
		}
		defer sess.Dispose()

		resourceDir := filepath.Join(resourceRoot(), buildfsResourceDir)
		if err := sess.PutDirectory(resourceDir, buildfsRemoteDir); err != nil {
			return fmt.Errorf("activities: build fs: upload buildfs.sh: %w", err)
		}
		if _, err := sess.Exec(ctx, []string{"chmod", "+x", buildfsRemoteDir + "/buildfs.sh"}, sshsession.ExecOptions{}); err != nil {
			return fmt.Errorf("activities: build fs: chmod buildfs.sh: %w", err)
		}

		if _, err := sess.Exec(ctx, []string{
			buildfsRemoteDir + "/buildfs.sh", args.DockerfilePath, outputMount, inputMount + "/" + args.ContextPath,
		}, sshsession.ExecOptions{Cwd: buildfsRemoteDir}); err != nil {
			return fmt.Errorf("activities: build fs: run buildfs.sh: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &BuildFsResult{OutputPath: args.OutputPath}
	if args.Registry != "" {
		if err := pushBuildContext(ctx, args.InputPath, args.Registry, args.ImageTag); err != nil {
			return nil, fmt.Errorf("activities: build fs: push image: %w", err)
		}
		result.Pushed = true
	}
	return result, nil
}

// pushBuildContext builds and pushes the build context as an OCI image
// directly from the host, supplementing the guest-side rootfs build for
// platforms that also want a container registry artifact.
func pushBuildContext(ctx context.Context, contextDir, registry, imageTag string) error {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("create docker client: %w", err)
	}
	defer cli.Close()

	tarCtx, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("tar build context: %w", err)
	}
	defer tarCtx.Close()

	fullTag := fmt.Sprintf("%s/%s", registry, imageTag)
	resp, err := cli.ImageBuild(ctx, tarCtx, dockerbuild.ImageBuildOptions{
		Tags:        []string{fullTag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("docker build: %w", err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("read build output: %w", err)
	}

	pushResp, err := cli.ImagePush(ctx, fullTag, dockerimage.PushOptions{})
	if err != nil {
		return fmt.Errorf("docker push: %w", err)
	}
	defer pushResp.Close()
	if _, err := io.Copy(io.Discard, pushResp); err != nil {
		return fmt.Errorf("read push output: %w", err)
	}
	return nil
}

// resourceRoot locates the directory resources/ is relative to: the value of
// AGENTCORE_RESOURCE_ROOT when set, else the working directory.
func resourceRoot() string {
	if dir := os.Getenv("AGENTCORE_RESOURCE_ROOT"); dir != "" {
		return dir
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
