// Package ipblock hands out and reclaims the /30 subnets used to address
// short-lived microVMs, persisting the busy set so a restart of the agent
// process does not re-issue a block that is still attached to a live VM.
package ipblock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeitwork/zeitwork/internal/agentcore/agenterrors"
)

// BlockAddressing is the pure function from an IP block id to the addresses
// and tap device name a VM lifecycle needs to wire up networking.
type BlockAddressing struct {
	VmIP          string
	TapDeviceIP   string
	TapDeviceName string
	CIDR          string
}

// Addressing derives the deterministic addressing for block id within
// [minID, maxID], per §4.1: id -> 168.254.<id>.*/30.
func Addressing(id int) BlockAddressing {
	base := id % 256
	return BlockAddressing{
		VmIP:          fmt.Sprintf("168.254.%d.2", base),
		TapDeviceIP:   fmt.Sprintf("168.254.%d.1", base),
		TapDeviceName: fmt.Sprintf("tap%d", id),
		CIDR:          fmt.Sprintf("168.254.%d.0/30", base),
	}
}

// persistedState is the on-disk schema at the busy-IP persistence path.
type persistedState struct {
	BusyIpIds []int `json:"busyIpIds"`
}

// Allocator hands out ids from [MinID, MaxID], backed by a crash-consistent
// JSON file. Safe for concurrent use by a single process; the critical
// section around mutate+persist is serialized by mu.
type Allocator struct {
	minID int
	maxID int
	path  string

	mu   sync.Mutex
	busy map[int]struct{}
}

// New loads (or initializes) the allocator's persisted busy set.
func New(minID, maxID int, statePath string) (*Allocator, error) {
	if minID > maxID {
		return nil, fmt.Errorf("ipblock: invalid range [%d, %d]", minID, maxID)
	}
	// Addressing puts the id in the third octet, so only 0..255 yield
	// distinct subnets.
	if minID < 0 || maxID > 255 {
		return nil, fmt.Errorf("ipblock: range [%d, %d] outside [0, 255]", minID, maxID)
	}
	a := &Allocator{
		minID: minID,
		maxID: maxID,
		path:  statePath,
		busy:  make(map[int]struct{}),
	}
	if err := a.load(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Allocator) load() error {
	raw, err := os.ReadFile(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("ipblock: read state: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	var st persistedState
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("ipblock: parse state: %w", err)
	}
	for _, id := range st.BusyIpIds {
		a.busy[id] = struct{}{}
	}
	return nil
}

// persist must be called with mu held. It writes to a temp file in the same
// directory, fsyncs it, then renames over the target so a crash never
// observes a partially written state file.
func (a *Allocator) persist() error {
	ids := make([]int, 0, len(a.busy))
	for id := range a.busy {
		ids = append(ids, id)
	}
	raw, err := json.Marshal(persistedState{BusyIpIds: ids})
	if err != nil {
		return fmt.Errorf("ipblock: marshal state: %w", err)
	}

	dir := filepath.Dir(a.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ipblock: mkdir state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".ip-pool-*.tmp")
	if err != nil {
		return fmt.Errorf("ipblock: create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("ipblock: write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("ipblock: fsync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("ipblock: close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, a.path); err != nil {
		return fmt.Errorf("ipblock: rename state file: %w", err)
	}
	return nil
}

// Allocate reserves and returns any free id in [minID, maxID]. It fails with
// a *agenterrors.Error wrapping KindNoFreeIpBlock if the pool is exhausted.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id := a.minID; id <= a.maxID; id++ {
		if _, taken := a.busy[id]; taken {
			continue
		}
		a.busy[id] = struct{}{}
		if err := a.persist(); err != nil {
			delete(a.busy, id)
			return 0, err
		}
		return id, nil
	}
	return 0, agenterrors.NoFreeIpBlock(a.minID, a.maxID)
}

// Release returns id to the pool. Releasing an id that is not held is a
// no-op so teardown paths can call Release defensively.
func (a *Allocator) Release(id int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, held := a.busy[id]; !held {
		return nil
	}
	delete(a.busy, id)
	if err := a.persist(); err != nil {
		// Re-mark as busy: we failed to durably record the release, so the
		// in-memory view must keep reflecting the id as taken to avoid a
		// concurrent Allocate handing it out while it may still be in use.
		a.busy[id] = struct{}{}
		return err
	}
	return nil
}

// BusyCount reports the number of currently allocated blocks, used by tests
// and the health reporter to assert no-leak invariants.
func (a *Allocator) BusyCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.busy)
}

// MinID and MaxID report the allocator's configured range, used by the
// health reporter to compute headroom.
func (a *Allocator) MinID() int { return a.minID }
func (a *Allocator) MaxID() int { return a.maxID }
