// Package agentcore wires the five activities.Activities operations to the
// external workflow engine over NATS request/reply, following
// internal/builder's QueueSubscribe service loop and
// internal/nodeagent/events's subscribeToTopic pattern (§6).
package agentcore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/zeitwork/zeitwork/internal/agentcore/activities"
	natsClient "github.com/zeitwork/zeitwork/internal/shared/nats"
)

// queueGroup ensures exactly one agent core instance in the deployment
// handles a given activity invocation (§6: the agent core is horizontally
// scaled, one VM lifecycle per invocation).
const queueGroup = "agentcore-workers"

// Subjects the service subscribes to; one per activities.Activities
// operation (§2, §6).
const (
	SubjectFetchRepository    = "agentcore.fetch_repository"
	SubjectBuildFs            = "agentcore.build_fs"
	SubjectCheckoutAndInspect = "agentcore.checkout_and_inspect"
	SubjectPrebuild           = "agentcore.prebuild"
	SubjectStartWorkspace     = "agentcore.start_workspace"
	SubjectStopWorkspace      = "agentcore.stop_workspace"
)

// envelope is the wire format every reply is wrapped in: exactly one of
// Result or Error is populated. Using plain JSON structs rather than a
// generated protobuf schema keeps the activity payloads the same shape the
// Go types already have (see DESIGN.md, "Wire format").
type envelope struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Service subscribes to NATS activity-invocation subjects and dispatches
// each request to the matching activities.Activities method.
type Service struct {
	logger     *slog.Logger
	nats       *natsClient.Client
	activities *activities.Activities

	// ActivityTimeout bounds how long a single invocation may run before
	// its context is cancelled; prebuild/build/checkout activities boot a
	// VM and can legitimately run for many minutes, so this defaults high.
	ActivityTimeout time.Duration

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewService builds a Service over an already-connected NATS client and a
// fully constructed Activities.
func NewService(logger *slog.Logger, nc *natsClient.Client, acts *activities.Activities) *Service {
	return &Service{
		logger:          logger,
		nats:            nc,
		activities:      acts,
		ActivityTimeout: 30 * time.Minute,
	}
}

// Start subscribes to every activity subject and blocks until ctx is
// cancelled, following internal/builder.Service.Start's subscribe-then-wait
// shape.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("starting agent core service", "queue_group", queueGroup)

	subscriptions := []struct {
		subject string
		handler func(context.Context, []byte) (any, error)
	}{
		{SubjectFetchRepository, s.handleFetchRepository},
		{SubjectBuildFs, s.handleBuildFs},
		{SubjectCheckoutAndInspect, s.handleCheckoutAndInspect},
		{SubjectPrebuild, s.handlePrebuild},
		{SubjectStartWorkspace, s.handleStartWorkspace},
		{SubjectStopWorkspace, s.handleStopWorkspace},
	}

	for _, sub := range subscriptions {
		if err := s.subscribe(sub.subject, sub.handler); err != nil {
			return fmt.Errorf("agentcore: subscribe %s: %w", sub.subject, err)
		}
	}

	s.logger.Info("agent core service subscribed to all activity subjects")
	<-ctx.Done()

	s.logger.Info("shutting down agent core service")
	s.unsubscribeAll()
	return nil
}

func (s *Service) subscribe(subject string, handler func(context.Context, []byte) (any, error)) error {
	sub, err := s.nats.QueueSubscribe(subject, queueGroup, func(msg *nats.Msg) {
		s.dispatch(msg, handler)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return nil
}

func (s *Service) unsubscribeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("agentcore: unsubscribe failed", "error", err)
		}
	}
	s.subs = nil
}

// dispatch runs handler against msg's payload and, if the caller expects a
// reply (msg.Reply is set), publishes the resulting envelope.
func (s *Service) dispatch(msg *nats.Msg, handler func(context.Context, []byte) (any, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), s.ActivityTimeout)
	defer cancel()

	result, err := handler(ctx, msg.Data)

	if msg.Reply == "" {
		if err != nil {
			s.logger.Error("agentcore: activity failed (no reply expected)", "subject", msg.Subject, "error", err)
		}
		return
	}

	env := envelope{OK: err == nil}
	if err != nil {
		env.Error = err.Error()
	} else if result != nil {
		raw, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			env.OK = false
			env.Error = fmt.Sprintf("agentcore: marshal result: %v", marshalErr)
		} else {
			env.Result = raw
		}
	}

	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("agentcore: marshal envelope", "subject", msg.Subject, "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Error("agentcore: respond failed", "subject", msg.Subject, "error", err)
	}
}

func (s *Service) handleFetchRepository(ctx context.Context, data []byte) (any, error) {
	var args activities.FetchRepositoryArgs
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("agentcore: decode fetch_repository args: %w", err)
	}
	return s.activities.FetchRepository(ctx, args)
}

func (s *Service) handleBuildFs(ctx context.Context, data []byte) (any, error) {
	var args activities.BuildFsArgs
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("agentcore: decode build_fs args: %w", err)
	}
	return s.activities.BuildFs(ctx, args)
}

func (s *Service) handleCheckoutAndInspect(ctx context.Context, data []byte) (any, error) {
	var args activities.CheckoutAndInspectArgs
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("agentcore: decode checkout_and_inspect args: %w", err)
	}
	return s.activities.CheckoutAndInspect(ctx, args)
}

func (s *Service) handlePrebuild(ctx context.Context, data []byte) (any, error) {
	var args activities.PrebuildArgs
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("agentcore: decode prebuild args: %w", err)
	}
	return s.activities.Prebuild(ctx, args)
}

func (s *Service) handleStartWorkspace(ctx context.Context, data []byte) (any, error) {
	var args activities.StartWorkspaceArgs
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("agentcore: decode start_workspace args: %w", err)
	}
	return s.activities.StartWorkspace(ctx, args)
}

func (s *Service) handleStopWorkspace(ctx context.Context, data []byte) (any, error) {
	var args activities.StopWorkspaceArgs
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("agentcore: decode stop_workspace args: %w", err)
	}
	return nil, s.activities.StopWorkspace(ctx, args)
}
