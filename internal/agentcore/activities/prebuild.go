package activities

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/zeitwork/zeitwork/internal/agentcore/agenterrors"
	"github.com/zeitwork/zeitwork/internal/agentcore/sshsession"
	"github.com/zeitwork/zeitwork/internal/agentcore/store"
	"github.com/zeitwork/zeitwork/internal/agentcore/vmmanager"
)

// logFlushInterval is the log-sync loop's flush period (§4.7 step 5).
const logFlushInterval = time.Second

// initScriptDir is where prebuild task scripts live inside the project
// mount (§6 environment contract).
const initScriptDir = projectMount + "/.hocus/init"

// shellPrelude is prepended to every generated task wrapper script.
const shellPrelude = "set -o pipefail -o errexit\ncd " + projectDir + "\n"

// PrebuildArgs is the typed argument record for Prebuild.
type PrebuildArgs struct {
	RootFsPath      string
	ProjectDrive    string
	PrebuildEventID int64

	SshUser       string
	SshPrivateKey []byte
}

// TaskOutcome is one element of Prebuild's ordered result list (§4.7).
type TaskOutcome struct {
	Idx    int
	Status store.TaskStatus
	Error  error
}

// PrebuildResult is the typed result record for Prebuild.
type PrebuildResult struct {
	Tasks []TaskOutcome
}

// taskRuntime is the supervisor's in-memory bookkeeping for one task,
// including its dedicated SSH session registered for cancellation.
type taskRuntime struct {
	task *store.VmTask

	mu      sync.Mutex
	session sshsession.Execer

	buf sync.Mutex // guards pending below (producer/consumer swap, §9)
	pending bytes.Buffer
	nextIdx int64

	cancelled atomic.Bool
	status    store.TaskStatus
	err       error
}

// Prebuild loads a prebuild event and its ordered tasks, boots one VM with
// the project drive mounted, and runs all tasks concurrently with live log
// streaming and cooperative cancellation on first failure (§4.7).
func (a *Activities) Prebuild(ctx context.Context, args PrebuildArgs) (*PrebuildResult, error) {
	event, tasks, err := a.Store.GetPrebuildEventWithTasks(ctx, args.PrebuildEventID)
	if err != nil {
		return nil, fmt.Errorf("activities: prebuild: %w", err)
	}
	_ = event

	cfg := a.baseVMConfig()
	cfg.RootFsPath = args.RootFsPath
	cfg.SshUser = args.SshUser
	cfg.SshPrivateKey = args.SshPrivateKey
	cfg.ExtraDrives = []vmmanager.ExtraDrive{{HostPath: args.ProjectDrive, MountPoint: projectMount}}

	sup := &supervisor{
		a:    a,
		args: args,
		dial: func(ctx context.Context, vmIP string) (sshsession.Execer, error) {
			return a.dialGuestKey(ctx, vmIP, args.SshUser, args.SshPrivateKey)
		},
	}
	err = a.VMs.WithVM(ctx, cfg, func(ctx context.Context, handle *vmmanager.VMHandle) error {
		return sup.run(ctx, handle, tasks)
	})
	if err != nil {
		return nil, err
	}
	return &PrebuildResult{Tasks: sup.outcomes(tasks)}, nil
}

// supervisor owns the shared cancellation state for one Prebuild
// invocation: the one-shot cleanup flag and the registry of live task SSH
// handles disposed on first failure (§4.7 cancellation protocol).
type supervisor struct {
	a    *Activities
	args PrebuildArgs

	// dial opens a task's dedicated guest session. Defaults to
	// Activities.dialGuestKey; tests substitute a fake Execer here to
	// exercise the cancellation protocol without a real VM (§10.4).
	dial func(ctx context.Context, vmIP string) (sshsession.Execer, error)

	cleanupStarted atomic.Bool

	mu       sync.Mutex
	runtimes map[int64]*taskRuntime
}

func (sup *supervisor) run(ctx context.Context, handle *vmmanager.VMHandle, tasks []*store.VmTask) error {
	sup.runtimes = make(map[int64]*taskRuntime, len(tasks))
	for _, t := range tasks {
		sup.runtimes[t.ID] = &taskRuntime{task: t, status: store.TaskPending}
	}

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t *store.VmTask) {
			defer wg.Done()
			sup.runTask(ctx, handle)(t)
		}(t)
	}
	wg.Wait()
	return nil
}

// runTask executes one task end to end: script upload, dedicated session,
// paired exec + log-sync loop, and status persistence.
func (sup *supervisor) runTask(ctx context.Context, handle *vmmanager.VMHandle) func(t *store.VmTask) {
	return func(t *store.VmTask) {
		rt := sup.runtimeFor(t.ID)

		if err := sup.setStatus(ctx, rt, store.TaskRunning); err != nil {
			sup.triggerCancellation(rt)
			sup.finish(ctx, rt, store.TaskError, err)
			return
		}

		sess, err := sup.dial(ctx, handle.VmIP)
		if err != nil {
			sup.finishTask(ctx, rt, fmt.Errorf("activities: prebuild task %d: dial guest: %w", t.Idx, err), nil)
			return
		}
		rt.mu.Lock()
		rt.session = sess
		rt.mu.Unlock()

		// A sibling may have already run triggerCancellation's snapshot
		// before this session was registered, in which case it was never
		// disposed by that pass. Re-check and self-dispose so a late
		// registration still gets interrupted (§4.7 step 3).
		if sup.cleanupStarted.Load() {
			rt.cancelled.Store(true)
			sess.Dispose()
			sup.finishTask(ctx, rt, nil, nil)
			return
		}

		scriptPath := fmt.Sprintf("%s/task-%d.sh", initScriptDir, t.Idx)
		script := shellPrelude + t.Command + "\n"
		if err := sess.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
			sess.Dispose()
			sup.finishTask(ctx, rt, fmt.Errorf("activities: prebuild task %d: upload script: %w", t.Idx, err), nil)
			return
		}

		stopLogSync := make(chan struct{})
		logSyncDone := make(chan error, 1)
		go func() { logSyncDone <- sup.logSyncLoop(ctx, rt, stopLogSync) }()

		execErr := sup.execTask(ctx, sess, rt, scriptPath)
		close(stopLogSync)
		logSyncErr := <-logSyncDone
		sess.Dispose()

		sup.finishTask(ctx, rt, execErr, logSyncErr)
	}
}

func (sup *supervisor) execTask(ctx context.Context, sess sshsession.Execer, rt *taskRuntime, scriptPath string) error {
	_, err := sess.Exec(ctx, []string{"bash", scriptPath}, sshsession.ExecOptions{
		Cwd: projectDir,
		OnStdout: func(b []byte) { sup.appendChunk(rt, b) },
		OnStderr: func(b []byte) { sup.appendChunk(rt, b) },
	})
	return err
}

func (sup *supervisor) appendChunk(rt *taskRuntime, b []byte) {
	rt.buf.Lock()
	rt.pending.Write(b)
	rt.buf.Unlock()
}

// logSyncLoop drains rt's pending buffer every logFlushInterval and
// persists it as one Log row with a strictly increasing idx (§4.7 step 5,
// §5 ordering guarantees). If it observes cleanupStarted for a task that was
// not itself marked cancelled (those sessions are disposed by
// triggerCancellation), it disposes the task's session, so its paired exec
// is interrupted, and fails (§4.7).
func (sup *supervisor) logSyncLoop(ctx context.Context, rt *taskRuntime, stop <-chan struct{}) error {
	ticker := time.NewTicker(logFlushInterval)
	defer ticker.Stop()

	flush := func() error {
		rt.buf.Lock()
		if rt.pending.Len() == 0 {
			rt.buf.Unlock()
			return nil
		}
		chunk := make([]byte, rt.pending.Len())
		copy(chunk, rt.pending.Bytes())
		rt.pending.Reset()
		rt.buf.Unlock()

		idx := rt.nextIdx
		rt.nextIdx++
		if err := sup.a.Store.AppendLog(ctx, rt.task.LogGroupID, idx, chunk); err != nil {
			return err
		}
		sup.a.sink().LogFlushed(rt.task.LogGroupID, idx)
		return nil
	}

	for {
		select {
		case <-stop:
			return flush()
		case <-ticker.C:
			if sup.cleanupStarted.Load() && !rt.cancelled.Load() {
				rt.mu.Lock()
				sess := rt.session
				rt.mu.Unlock()
				if sess != nil {
					sess.Dispose()
				}
				return fmt.Errorf("activities: prebuild task %d: log sync observed cleanup", rt.task.Idx)
			}
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

// finishTask reconciles a task's exec outcome with the cancellation
// protocol: a task already marked cancelled by a sibling's failure always
// reports CANCELLED regardless of the error shape its disposed session
// produced.
func (sup *supervisor) finishTask(ctx context.Context, rt *taskRuntime, execErr, logSyncErr error) {
	if rt.cancelled.Load() {
		sup.finish(ctx, rt, store.TaskCancelled, nil)
		return
	}

	if execErr != nil {
		sup.triggerCancellation(rt)
		sup.finish(ctx, rt, store.TaskError, execErr)
		return
	}
	if logSyncErr != nil {
		sup.triggerCancellation(rt)
		sup.finish(ctx, rt, store.TaskError, logSyncErr)
		return
	}
	sup.finish(ctx, rt, store.TaskSuccess, nil)
}

// triggerCancellation runs the cancellation protocol on the first failure
// observed: set the one-shot flag, snapshot unfinished siblings, mark them
// cancelled, and dispose their sessions (§4.7 cancellation protocol).
func (sup *supervisor) triggerCancellation(failing *taskRuntime) {
	if !sup.cleanupStarted.CompareAndSwap(false, true) {
		return
	}

	sup.mu.Lock()
	siblings := make([]*taskRuntime, 0, len(sup.runtimes))
	for _, rt := range sup.runtimes {
		if rt != failing {
			siblings = append(siblings, rt)
		}
	}
	sup.mu.Unlock()

	for _, rt := range siblings {
		rt.mu.Lock()
		alreadyDone := rt.status == store.TaskSuccess || rt.status == store.TaskError || rt.status == store.TaskCancelled
		sess := rt.session
		rt.mu.Unlock()
		if alreadyDone {
			continue
		}
		rt.cancelled.Store(true)
		if sess != nil {
			sess.Dispose()
		}
	}
}

func (sup *supervisor) runtimeFor(taskID int64) *taskRuntime {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	return sup.runtimes[taskID]
}

// setStatus persists a status transition, returning any write failure to
// the caller to compose with the triggering error.
func (sup *supervisor) setStatus(ctx context.Context, rt *taskRuntime, status store.TaskStatus) error {
	if err := sup.a.Store.UpdateTaskStatus(ctx, rt.task.ID, status); err != nil {
		return err
	}
	rt.mu.Lock()
	rt.status = status
	rt.mu.Unlock()
	sup.a.sink().TaskStatusChanged(sup.args.PrebuildEventID, rt.task.Idx, status)
	return nil
}

// finish persists rt's terminal status, combining a status-write failure
// with the original error into a composite rather than dropping either
// (§3, §7).
func (sup *supervisor) finish(ctx context.Context, rt *taskRuntime, status store.TaskStatus, taskErr error) {
	if writeErr := sup.setStatus(ctx, rt, status); writeErr != nil {
		taskErr = agenterrors.Composite(taskErr, writeErr)
	}
	rt.mu.Lock()
	rt.status = status
	rt.err = taskErr
	rt.mu.Unlock()
}

func (sup *supervisor) outcomes(tasks []*store.VmTask) []TaskOutcome {
	return lo.Map(tasks, func(t *store.VmTask, _ int) TaskOutcome {
		rt := sup.runtimeFor(t.ID)
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return TaskOutcome{Idx: t.Idx, Status: rt.status, Error: rt.err}
	})
}
