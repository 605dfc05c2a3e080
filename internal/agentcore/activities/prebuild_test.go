package activities

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/zeitwork/zeitwork/internal/agentcore/agenterrors"
	"github.com/zeitwork/zeitwork/internal/agentcore/sshsession"
	"github.com/zeitwork/zeitwork/internal/agentcore/store"
	"github.com/zeitwork/zeitwork/internal/agentcore/vmmanager"
)

// fakeExecer is the sshsession.Execer fake used by the supervisor tests
// (§10.4): its Exec behavior is driven entirely by the script content
// handed to WriteFile, matching how the real supervisor drives a session.
type fakeExecer struct {
	mu       sync.Mutex
	script   string
	disposed chan struct{}
	once     sync.Once
}

func newFakeExecer() *fakeExecer {
	return &fakeExecer{disposed: make(chan struct{})}
}

func (f *fakeExecer) WriteFile(path string, data []byte, mode os.FileMode) error {
	f.mu.Lock()
	f.script = string(data)
	f.mu.Unlock()
	return nil
}

func (f *fakeExecer) PutDirectory(localDir, remoteDir string) error { return nil }
func (f *fakeExecer) ReadFile(path string) ([]byte, error)         { return nil, os.ErrNotExist }

func (f *fakeExecer) Exec(ctx context.Context, argv []string, opts sshsession.ExecOptions) (*sshsession.ExecResult, error) {
	f.mu.Lock()
	script := f.script
	f.mu.Unlock()

	if strings.Contains(script, "sleep 10") {
		select {
		case <-f.disposed:
			return nil, agenterrors.ErrSshDisposed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if strings.Contains(script, "exit 1") {
		return nil, &agenterrors.SshExecFailedError{Command: strings.Join(argv, " "), Code: 1}
	}
	// Extract the argument to "echo" verbatim, matching the shell's own
	// behavior for the scripts these tests generate.
	if idx := strings.Index(script, "echo "); idx >= 0 {
		rest := script[idx+len("echo "):]
		word := strings.Fields(rest)
		if len(word) > 0 && opts.OnStdout != nil {
			opts.OnStdout([]byte(word[0] + "\n"))
		}
	}
	return &sshsession.ExecResult{Code: 0}, nil
}

func (f *fakeExecer) Dispose() error {
	f.once.Do(func() { close(f.disposed) })
	return nil
}

// fakeStore is the store.Interface fake (§10.4): an in-memory stand-in for
// the real Postgres-backed Store.
type fakeStore struct {
	mu       sync.Mutex
	statuses map[int64][]store.TaskStatus
	logs     map[int64][]store.Log
}

func newFakeStore() *fakeStore {
	return &fakeStore{statuses: map[int64][]store.TaskStatus{}, logs: map[int64][]store.Log{}}
}

func (s *fakeStore) GetPrebuildEventWithTasks(ctx context.Context, eventID int64) (*store.PrebuildEvent, []*store.VmTask, error) {
	return nil, nil, fmt.Errorf("fakeStore: not wired for this test")
}

func (s *fakeStore) UpdateTaskStatus(ctx context.Context, taskID int64, status store.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[taskID] = append(s.statuses[taskID], status)
	return nil
}

func (s *fakeStore) AppendLog(ctx context.Context, logGroupID, idx int64, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[logGroupID] = append(s.logs[logGroupID], store.Log{LogGroupID: logGroupID, Idx: idx, Content: content})
	return nil
}

func (s *fakeStore) lastStatus(taskID int64) store.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.statuses[taskID]
	if len(hist) == 0 {
		return ""
	}
	return hist[len(hist)-1]
}

func (s *fakeStore) logBytes(groupID int64) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var buf bytes.Buffer
	for _, l := range s.logs[groupID] {
		buf.Write(l.Content)
	}
	return buf.Bytes()
}

func newTestSupervisor(fs *fakeStore) *supervisor {
	a := &Activities{Store: fs}
	return &supervisor{
		a:    a,
		args: PrebuildArgs{SshUser: "hocus"},
		dial: func(ctx context.Context, vmIP string) (sshsession.Execer, error) {
			return newFakeExecer(), nil
		},
	}
}

// TestPrebuildHappyPath is scenario S1 (§8): two independent tasks both
// succeed, logs land in their own groups, no task is left RUNNING.
func TestPrebuildHappyPath(t *testing.T) {
	fs := newFakeStore()
	sup := newTestSupervisor(fs)

	tasks := []*store.VmTask{
		{ID: 1, Idx: 0, Command: "echo A", LogGroupID: 100},
		{ID: 2, Idx: 1, Command: "echo B", LogGroupID: 200},
	}
	handle := &vmmanager.VMHandle{VmIP: "10.0.0.2"}

	if err := sup.run(context.Background(), handle, tasks); err != nil {
		t.Fatalf("run: %v", err)
	}

	outcomes := sup.outcomes(tasks)
	for i, o := range outcomes {
		if o.Status != store.TaskSuccess {
			t.Fatalf("outcome %d: expected SUCCESS, got %s (err=%v)", i, o.Status, o.Error)
		}
	}

	if got := string(fs.logBytes(100)); got != "A\n" {
		t.Fatalf("log group 100: expected %q, got %q", "A\n", got)
	}
	if got := string(fs.logBytes(200)); got != "B\n" {
		t.Fatalf("log group 200: expected %q, got %q", "B\n", got)
	}

	if fs.lastStatus(1) != store.TaskSuccess || fs.lastStatus(2) != store.TaskSuccess {
		t.Fatalf("expected both tasks persisted SUCCESS, got %s / %s", fs.lastStatus(1), fs.lastStatus(2))
	}
}

// TestPrebuildCancellation is scenario S2 (§8): one task fails, its sibling
// (still in flight) is cancelled, and no task ends RUNNING — the
// cancellation-minimality invariant (testable property 4).
func TestPrebuildCancellation(t *testing.T) {
	fs := newFakeStore()
	sup := newTestSupervisor(fs)

	tasks := []*store.VmTask{
		{ID: 1, Idx: 0, Command: "sleep 10; echo A", LogGroupID: 100},
		{ID: 2, Idx: 1, Command: "exit 1", LogGroupID: 200},
	}
	handle := &vmmanager.VMHandle{VmIP: "10.0.0.2"}

	if err := sup.run(context.Background(), handle, tasks); err != nil {
		t.Fatalf("run: %v", err)
	}

	outcomes := sup.outcomes(tasks)
	if outcomes[0].Status != store.TaskCancelled {
		t.Fatalf("task 0: expected CANCELLED, got %s", outcomes[0].Status)
	}
	if outcomes[1].Status != store.TaskError {
		t.Fatalf("task 1: expected ERROR, got %s", outcomes[1].Status)
	}
	if _, ok := agenterrors.IsSshExecFailed(outcomes[1].Error); !ok {
		t.Fatalf("task 1: expected SshExecFailedError, got %v", outcomes[1].Error)
	}

	if fs.lastStatus(1) != store.TaskCancelled {
		t.Fatalf("task 1 (sleeper): expected persisted CANCELLED, got %s", fs.lastStatus(1))
	}
	if fs.lastStatus(2) != store.TaskError {
		t.Fatalf("task 2 (failer): expected persisted ERROR, got %s", fs.lastStatus(2))
	}

	for _, id := range []int64{1, 2} {
		for _, s := range fs.statuses[id] {
			if s == store.TaskRunning && fs.lastStatus(id) == store.TaskRunning {
				t.Fatalf("task %d ended RUNNING", id)
			}
		}
	}
}
