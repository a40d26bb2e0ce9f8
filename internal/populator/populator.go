// Package populator consumes file events and applies them to the graph.
package populator

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"apollonia/internal/broker"
	"apollonia/internal/event"
	"apollonia/internal/graph"
	"apollonia/pkg/config"
	apperrors "apollonia/pkg/errors"
	"apollonia/pkg/logger"
)

// Store is the subset of the graph repository the populator writes through
type Store interface {
	VerifyConnectivity(ctx context.Context) error
	UpsertFile(ctx context.Context, f graph.FileNode) error
	UpsertNeighbor(ctx context.Context, from, neighbor string) error
}

// Source yields deliveries from the queue
type Source interface {
	Ping(ctx context.Context) error
	Consume(ctx context.Context) (<-chan broker.Delivery, error)
	Close() error
}

// Config is the redelivery and write policy
type Config struct {
	WriteTimeout time.Duration
	RequeueDelay time.Duration
	// MaxDeliveryAttempts of 0 requeues failed messages forever
	MaxDeliveryAttempts int
	AttemptCacheSize    int
}

// ConfigFrom extracts the populator settings from the process configuration
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		WriteTimeout:        cfg.GraphWriteTimeout,
		RequeueDelay:        cfg.RequeueDelay,
		MaxDeliveryAttempts: cfg.MaxDeliveryAttempts,
		AttemptCacheSize:    cfg.AttemptCacheSize,
	}
}

// Stats is a snapshot of the populator counters
type Stats struct {
	State        string `json:"state"`
	Applied      int64  `json:"applied"`
	Dropped      int64  `json:"dropped"`
	Failed       int64  `json:"failed"`
	Requeued     int64  `json:"requeued"`
	DeadLettered int64  `json:"dead_lettered"`
}

// Populator applies one delivery at a time to the graph store
type Populator struct {
	cfg      Config
	store    Store
	source   Source
	attempts *attemptTracker
	logger   *zap.Logger

	state        atomic.Int32
	applied      atomic.Int64
	dropped      atomic.Int64
	failed       atomic.Int64
	requeued     atomic.Int64
	deadLettered atomic.Int64
}

// New creates a populator in the disconnected state
func New(cfg Config, store Store, source Source, log *zap.Logger) (*Populator, error) {
	attempts, err := newAttemptTracker(cfg.AttemptCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempt tracker: %w", err)
	}
	return &Populator{
		cfg:      cfg,
		store:    store,
		source:   source,
		attempts: attempts,
		logger:   logger.OrDefault(log),
	}, nil
}

// State returns the current lifecycle state
func (p *Populator) State() State {
	return State(p.state.Load())
}

func (p *Populator) setState(s State) {
	prev := State(p.state.Swap(int32(s)))
	if prev != s {
		p.logger.Debug("State changed", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// Stats returns the current counters
func (p *Populator) Stats() Stats {
	return Stats{
		State:        p.State().String(),
		Applied:      p.applied.Load(),
		Dropped:      p.dropped.Load(),
		Failed:       p.failed.Load(),
		Requeued:     p.requeued.Load(),
		DeadLettered: p.deadLettered.Load(),
	}
}

// Healthy reports whether the populator is consuming
func (p *Populator) Healthy(context.Context) bool {
	return p.State() == StateConsuming
}

// Run connects, consumes until ctx is cancelled, then drains. A failed
// connect and a lost delivery stream are returned as errors.
func (p *Populator) Run(ctx context.Context) error {
	p.setState(StateConnecting)

	if err := p.store.VerifyConnectivity(ctx); err != nil {
		p.setState(StateDisconnected)
		return fmt.Errorf("graph store unreachable: %w", err)
	}
	if err := p.source.Ping(ctx); err != nil {
		p.setState(StateDisconnected)
		return fmt.Errorf("broker unreachable: %w", err)
	}

	deliveries, err := p.source.Consume(ctx)
	if err != nil {
		p.setState(StateDisconnected)
		return err
	}
	p.setState(StateConsuming)

	for {
		select {
		case <-ctx.Done():
			return p.drain(nil)
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return p.drain(nil)
				}
				return p.drain(apperrors.ErrDeliveriesClosed)
			}
			p.handle(ctx, d)
		}
	}
}

func (p *Populator) drain(cause error) error {
	p.setState(StateDraining)
	if err := p.source.Close(); err != nil {
		p.logger.Warn("Error closing consumer", zap.Error(err))
	}
	p.setState(StateDisconnected)

	stats := p.Stats()
	p.logger.Info("Populator stopped",
		zap.Int64("applied", stats.Applied),
		zap.Int64("dropped", stats.Dropped),
		zap.Int64("failed", stats.Failed),
		zap.Int64("dead_lettered", stats.DeadLettered),
	)
	return cause
}

// handle processes and settles one delivery. Processing ignores stop so
// an in-flight message is never abandoned halfway.
func (p *Populator) handle(stop context.Context, d broker.Delivery) {
	outcome, err := p.Process(context.WithoutCancel(stop), d.Body)
	key := attemptKey(d.MessageID, d.Body)

	if outcome != OutcomeFailed {
		p.attempts.Forget(key)
		if err := d.Ack(); err != nil {
			p.logger.Error("Failed to ack delivery", zap.String("message_id", d.MessageID), zap.Error(err))
		}
		return
	}

	attempt := p.attempts.Fail(key, d.DeliveryCount)
	if p.cfg.MaxDeliveryAttempts > 0 && attempt >= int64(p.cfg.MaxDeliveryAttempts) {
		p.attempts.Forget(key)
		p.deadLettered.Add(1)
		p.logger.Error("Giving up on message, dead-lettering",
			zap.String("message_id", d.MessageID),
			zap.String("routing_key", d.RoutingKey),
			zap.Int64("attempt", attempt),
			zap.Error(err),
		)
		if err := d.DeadLetter(); err != nil {
			p.logger.Error("Failed to dead-letter delivery", zap.String("message_id", d.MessageID), zap.Error(err))
		}
		return
	}

	p.logger.Warn("Requeueing message after store failure",
		zap.String("message_id", d.MessageID),
		zap.Int64("attempt", attempt),
		zap.Duration("delay", p.cfg.RequeueDelay),
		zap.Error(err),
	)
	p.wait(stop, p.cfg.RequeueDelay)
	p.requeued.Add(1)
	if err := d.Requeue(); err != nil {
		p.logger.Error("Failed to requeue delivery", zap.String("message_id", d.MessageID), zap.Error(err))
	}
}

// wait pauses before a requeue; stop cuts it short
func (p *Populator) wait(stop context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-stop.Done():
	}
}

// Process decodes body and applies it to the store. Undecodable messages
// are dropped; store errors fail the message.
func (p *Populator) Process(ctx context.Context, body []byte) (Outcome, error) {
	msg, err := event.Decode(body)
	if err != nil {
		p.dropped.Add(1)
		var missing *apperrors.ErrMissingField
		if stderrors.As(err, &missing) {
			p.logger.Warn("Dropping message without file path", zap.Error(err))
		} else {
			p.logger.Warn("Dropping undecodable message", zap.Int("size", len(body)), zap.Error(err))
		}
		return OutcomeDropped, err
	}
	if len(msg.Unparsed) > 0 {
		p.logger.Warn("Ignoring unreadable timestamps",
			zap.String("path", msg.FilePath),
			zap.Strings("fields", msg.Unparsed),
		)
	}

	writeCtx, cancel := withTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()

	if err := p.store.UpsertFile(writeCtx, fileNode(msg)); err != nil {
		return p.fail(msg, p.writeError(writeCtx, err))
	}

	seen := map[string]struct{}{msg.FilePath: {}}
	linked := 0
	for _, neighbor := range msg.Neighbors {
		if _, dup := seen[neighbor]; dup {
			continue
		}
		seen[neighbor] = struct{}{}
		if err := p.store.UpsertNeighbor(writeCtx, msg.FilePath, neighbor); err != nil {
			return p.fail(msg, p.writeError(writeCtx, err))
		}
		linked++
	}

	p.applied.Add(1)
	p.logger.Info("File applied",
		zap.String("path", msg.FilePath),
		zap.String("hash_prefix", msg.HashPrefix()),
		zap.String("event_type", msg.EventType),
		zap.Int("neighbors", linked),
	)
	return OutcomeApplied, nil
}

// writeError tags err as a timeout when the shared write deadline expired
func (p *Populator) writeError(writeCtx context.Context, err error) error {
	if stderrors.Is(writeCtx.Err(), context.DeadlineExceeded) {
		return apperrors.NewContextTimeout("graph write", p.cfg.WriteTimeout, err)
	}
	return err
}

func (p *Populator) fail(msg *event.Message, err error) (Outcome, error) {
	p.failed.Add(1)
	p.logger.Error("Failed to apply file",
		zap.String("path", msg.FilePath),
		zap.String("hash_prefix", msg.HashPrefix()),
		zap.Error(err),
	)
	return OutcomeFailed, err
}

func fileNode(msg *event.Message) graph.FileNode {
	node := graph.FileNode{
		Path:         msg.FilePath,
		SHA256:       msg.SHA256,
		XXH128:       msg.XXH128,
		Size:         msg.Size,
		ModifiedTime: msg.ModifiedTime,
		AccessedTime: msg.AccessedTime,
		ChangedTime:  msg.ChangedTime,
		EventType:    msg.EventType,
	}
	if !msg.Timestamp.IsZero() {
		discovered := msg.Timestamp
		node.DiscoveredAt = &discovered
	}
	return node
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
