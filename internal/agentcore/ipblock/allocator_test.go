package ipblock

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/zeitwork/zeitwork/internal/agentcore/agenterrors"
)

func TestAllocatorExhaustion(t *testing.T) {
	dir := t.TempDir()
	a, err := New(1, 1, filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	id, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected id 1, got %d", id)
	}

	if _, err := a.Allocate(); !agenterrors.IsNoFreeIpBlock(err) {
		t.Fatalf("expected NoFreeIpBlock, got %v", err)
	}

	if err := a.Release(id); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if _, err := a.Allocate(); err != nil {
		t.Fatalf("Allocate after release: %v", err)
	}
}

func TestAllocatorConcurrentAllocateNeverDuplicates(t *testing.T) {
	dir := t.TempDir()
	a, err := New(1, 50, filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan int, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := a.Allocate()
			if err != nil {
				t.Errorf("Allocate: %v", err)
				return
			}
			results <- id
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for id := range results {
		if seen[id] {
			t.Fatalf("id %d allocated twice", id)
		}
		seen[id] = true
	}
	if len(seen) != 50 {
		t.Fatalf("expected 50 unique ids, got %d", len(seen))
	}
}

func TestAllocatorPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")

	a1, err := New(1, 5, statePath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id, err := a1.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	a2, err := New(1, 5, statePath)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	if a2.BusyCount() != 1 {
		t.Fatalf("expected reloaded busy count 1, got %d", a2.BusyCount())
	}
	if err := a2.Release(id); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if a2.BusyCount() != 0 {
		t.Fatalf("expected busy count 0 after release, got %d", a2.BusyCount())
	}
}

func TestAddressingIsPure(t *testing.T) {
	a1 := Addressing(7)
	a2 := Addressing(7)
	if a1 != a2 {
		t.Fatalf("Addressing is not a pure function: %+v != %+v", a1, a2)
	}
	if a1.VmIP == a1.TapDeviceIP {
		t.Fatalf("vm ip and tap device ip must differ: %+v", a1)
	}
}
