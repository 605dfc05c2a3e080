package vmmanager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeitwork/zeitwork/internal/agentcore/agenterrors"
	"github.com/zeitwork/zeitwork/internal/agentcore/ipblock"
)

// shutdownGracePeriod bounds how long ShutdownVMAndReleaseResources waits
// for a graceful power-off before killing the VMM process outright.
const shutdownGracePeriod = 5 * time.Second

// ShutdownVMAndReleaseResources sends a graceful shutdown, waits a bounded
// time, force-kills if unresponsive, then unmounts the tap device, deletes
// the control socket, and releases the IP block. Each step runs regardless
// of whether an earlier step failed, and every failure is collected into a
// composite so no single broken step hides the rest (§4.2).
func (m *Manager) ShutdownVMAndReleaseResources(ctx context.Context, handle *VMHandle, releaseIP bool) error {
	var causes []error

	if handle.InstanceID != "" {
		m.mu.Lock()
		delete(m.live, handle.InstanceID)
		m.mu.Unlock()
	}

	if handle.machine != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGracePeriod)
		err := handle.machine.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			_, killCancel := context.WithTimeout(ctx, 2*time.Second)
			if killErr := handle.machine.StopVMM(); killErr != nil {
				causes = append(causes, killErr)
			}
			killCancel()
		}
		_ = handle.machine.Wait(context.Background())
	}

	if err := removeTapDevice(ctx, handle.TapDevice); err != nil {
		causes = append(causes, err)
	}

	if handle.socketPath != "" {
		if err := os.Remove(handle.socketPath); err != nil && !os.IsNotExist(err) {
			causes = append(causes, err)
		}
	}

	if releaseIP && m.allocator != nil {
		if err := m.allocator.Release(handle.IpBlockID); err != nil {
			causes = append(causes, err)
		}
	}

	err := agenterrors.Composite(causes...)
	if m.OnTeardown != nil {
		m.OnTeardown(err)
	}
	return err
}

// WithVMBody is the scoped body invoked once the VM is ready and reachable
// over SSH.
type WithVMBody func(ctx context.Context, handle *VMHandle) error

// WithVM allocates an IP block, boots a VM per cfg, and invokes body. On any
// exit path it runs teardown unless cfg.ShouldPoweroff is false AND body
// returned successfully, in which case the caller inherits ownership of the
// VM (and its IP block) and must later call ShutdownVMAndReleaseResources
// itself (the StartWorkspace/StopWorkspace pairing, §4.8).
//
// Teardown runs even when the body panics or errors; a teardown failure is
// folded into a composite alongside the body's error rather than masking it
// (§7).
func (m *Manager) WithVM(ctx context.Context, cfg StartConfig, body WithVMBody) (err error) {
	ipBlockID, allocErr := m.allocator.Allocate()
	if allocErr != nil {
		return allocErr
	}

	handle, startErr := m.StartVM(ctx, ipBlockID, cfg)
	if startErr != nil {
		if relErr := m.allocator.Release(ipBlockID); relErr != nil {
			return agenterrors.Composite(startErr, relErr)
		}
		return startErr
	}

	bodyErr := func() (bodyErr error) {
		defer func() {
			if r := recover(); r != nil {
				bodyErr = recoveredAsError(r)
			}
		}()
		return body(ctx, handle)
	}()

	if bodyErr == nil && !cfg.ShouldPoweroff {
		// Ownership passes to the caller; the IP block stays busy until a
		// later StopWorkspace releases it.
		return nil
	}

	teardownErr := m.ShutdownVMAndReleaseResources(context.Background(), handle, true)
	if bodyErr != nil || teardownErr != nil {
		return agenterrors.Composite(bodyErr, teardownErr)
	}
	return nil
}

// ShutdownByInstanceID tears down a VM a prior WithVM(shouldPoweroff=false)
// call left running, identified only by the instanceId/ipBlockId pair the
// caller persisted (the StopWorkspace pairing, §4.8). If the instance is not
// in this Manager's live registry — a different process, or it already
// exited — teardown falls back to releasing the IP block and tap device by
// their deterministic names alone; the VMM process itself cannot be reached
// without the handle the original StartVM call produced.
func (m *Manager) ShutdownByInstanceID(ctx context.Context, ref *VMHandle) error {
	m.mu.Lock()
	handle, ok := m.live[ref.InstanceID]
	m.mu.Unlock()
	if ok {
		return m.ShutdownVMAndReleaseResources(ctx, handle, true)
	}

	addr := ipblock.Addressing(ref.IpBlockID)
	var causes []error
	if err := removeTapDevice(ctx, addr.TapDeviceName); err != nil {
		causes = append(causes, err)
	}
	if err := os.Remove(filepath.Join("/tmp", ref.InstanceID+".sock")); err != nil && !os.IsNotExist(err) {
		causes = append(causes, err)
	}
	if m.allocator != nil {
		if err := m.allocator.Release(ref.IpBlockID); err != nil {
			causes = append(causes, err)
		}
	}
	return agenterrors.Composite(causes...)
}

func recoveredAsError(r interface{}) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &panicError{value: r}
}

type panicError struct{ value interface{} }

func (p *panicError) Error() string {
	return fmt.Sprintf("vmmanager: recovered panic in WithVM body: %v", p.value)
}
