// Package health wires the agent core's own readiness signals into
// internal/shared/health's generic Handler (§12): IP pool headroom and
// whether the most recent WithVM scope tore its resources down cleanly.
package health

import (
	"context"
	"fmt"
	"sync"

	sharedhealth "github.com/zeitwork/zeitwork/internal/shared/health"

	"github.com/zeitwork/zeitwork/internal/agentcore/ipblock"
)

// Reporter owns the agent core's sharedhealth.Handler and keeps it current
// as activities run.
type Reporter struct {
	handler *sharedhealth.Handler
	pool    *ipblock.Allocator
	minPool int

	mu              sync.Mutex
	lastTeardownErr error
}

// NewReporter builds a Reporter backed by pool, rejecting readiness once
// fewer than minHeadroom IP blocks remain free (§4.1).
func NewReporter(pool *ipblock.Allocator, minHeadroom int) *Reporter {
	r := &Reporter{handler: sharedhealth.NewHandler(), pool: pool, minPool: minHeadroom}
	r.handler.AddLivenessCheck(func(context.Context) error { return nil })
	r.handler.AddReadinessCheck(r.checkIpHeadroom)
	r.handler.AddReadinessCheck(r.checkLastTeardown)
	r.handler.AddCheck("ip_pool", r.checkIpHeadroom)
	r.handler.AddCheck("vm_teardown", r.checkLastTeardown)
	return r
}

// Handler exposes the underlying sharedhealth.Handler for mounting on an
// http.ServeMux (RegisterHandlers gives /health, /ready, /live, /metrics,
// /status).
func (r *Reporter) Handler() *sharedhealth.Handler { return r.handler }

// RecordTeardown records the outcome of the most recent VM teardown
// (§4.2); a non-nil err makes the readiness probe fail until a later
// teardown records a clean outcome.
func (r *Reporter) RecordTeardown(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastTeardownErr = err
}

func (r *Reporter) checkIpHeadroom(context.Context) error {
	free := (r.pool.MaxID() - r.pool.MinID() + 1) - r.pool.BusyCount()
	if free < r.minPool {
		return fmt.Errorf("ip pool headroom low: %d free blocks remain (minimum %d)", free, r.minPool)
	}
	return nil
}

func (r *Reporter) checkLastTeardown(context.Context) error {
	r.mu.Lock()
	err := r.lastTeardownErr
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("last vm teardown failed: %w", err)
	}
	return nil
}
