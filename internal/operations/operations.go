// Package operations tracks long-running npm runs and publishes their
// lifecycle and output over NATS.
//
// Events are published to:
//   - depdeck.operations.{id}.started
//   - depdeck.operations.{id}.line
//   - depdeck.operations.{id}.completed
//   - depdeck.operations.{id}.error
//
// Every line is also kept in a bounded in-memory backlog so late subscribers
// can replay output they missed. Lines carry a sequence number for
// de-duplication between the backlog and the live stream.
package operations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/depdeck/internal/broker"
	"github.com/fyrsmithlabs/depdeck/internal/logging"
	"github.com/fyrsmithlabs/depdeck/internal/process"
)

// Event names, the last subject token.
const (
	EventStarted   = "started"
	EventLine      = "line"
	EventCompleted = "completed"
	EventError     = "error"
)

const (
	// DefaultRetention is how long finished operations stay queryable.
	DefaultRetention = time.Hour

	// MaxBacklog is the number of lines kept per operation.
	MaxBacklog = 10000
)

// ErrNotFound indicates an unknown operation id.
var ErrNotFound = errors.New("operation not found")

// Status is the lifecycle state of an operation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further events follow.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Operation is a snapshot of one run.
type Operation struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Project string `json:"project"`
	Status  Status `json:"status"`
	// Lines is the sequence number of the last line emitted.
	Lines     int       `json:"lines"`
	Error     string    `json:"error,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LineEvent is one output line of an operation.
type LineEvent struct {
	ID     string         `json:"id"`
	Seq    int            `json:"seq"`
	Source process.Source `json:"source"`
	Text   string         `json:"text"`
	Time   time.Time      `json:"time"`
}

type record struct {
	op    Operation
	lines []LineEvent
}

// Registry holds operations in memory and publishes their events.
type Registry struct {
	nc        *nats.Conn
	logger    *zap.Logger
	retention time.Duration

	mu  sync.RWMutex
	ops map[string]*record
}

// NewRegistry creates a Registry publishing on nc. With a nil nc events
// are only kept in memory.
func NewRegistry(nc *nats.Conn, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		nc:        nc,
		logger:    logger,
		retention: DefaultRetention,
		ops:       make(map[string]*record),
	}
}

// Create registers a pending operation and returns its id.
func (r *Registry) Create(ctx context.Context, kind, project string) string {
	now := time.Now()
	op := Operation{
		ID:        uuid.New().String(),
		Kind:      kind,
		Project:   project,
		Status:    StatusPending,
		TraceID:   logging.TraceIDFromContext(ctx),
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.ops[op.ID] = &record{op: op}
	r.mu.Unlock()

	return op.ID
}

// Started marks the operation running and publishes "started".
func (r *Registry) Started(id string) error {
	return r.update(id, EventStarted, func(rec *record) any {
		rec.op.Status = StatusRunning
		return rec.op
	})
}

// Line appends a line to the backlog and publishes it.
func (r *Registry) Line(id string, l process.Line) error {
	return r.update(id, EventLine, func(rec *record) any {
		rec.op.Lines++
		ev := LineEvent{
			ID:     id,
			Seq:    rec.op.Lines,
			Source: l.Source,
			Text:   l.Text,
			Time:   rec.op.UpdatedAt,
		}
		rec.lines = append(rec.lines, ev)
		if len(rec.lines) > MaxBacklog {
			rec.lines = rec.lines[len(rec.lines)-MaxBacklog:]
		}
		return ev
	})
}

// Sink returns a line callback feeding Line. Publish failures are logged.
func (r *Registry) Sink(id string) func(process.Line) {
	return func(l process.Line) {
		if err := r.Line(id, l); err != nil {
			r.logger.Warn("dropping operation line",
				zap.String("operation.id", id), zap.Error(err))
		}
	}
}

// Complete marks the operation completed and publishes "completed".
func (r *Registry) Complete(id string) error {
	err := r.update(id, EventCompleted, func(rec *record) any {
		rec.op.Status = StatusCompleted
		return rec.op
	})
	if err == nil {
		r.scheduleCleanup(id)
	}
	return err
}

// Fail marks the operation failed and publishes "error".
func (r *Registry) Fail(id string, cause error) error {
	err := r.update(id, EventError, func(rec *record) any {
		rec.op.Status = StatusFailed
		rec.op.Error = cause.Error()
		return rec.op
	})
	if err == nil {
		r.scheduleCleanup(id)
	}
	return err
}

// Get returns a snapshot of the operation.
func (r *Registry) Get(id string) (Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.ops[id]
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.op, nil
}

// Backlog returns the operation and its retained lines, read atomically.
func (r *Registry) Backlog(id string) (Operation, []LineEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.ops[id]
	if !ok {
		return Operation{}, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.op, append([]LineEvent(nil), rec.lines...), nil
}

// update mutates the record and publishes the payload fn returns, both under
// the lock, so events leave in the order the state changed. Terminal
// operations are not modified.
func (r *Registry) update(id, event string, fn func(*record) any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.ops[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.op.Status.Terminal() {
		return fmt.Errorf("operation %s already %s", id, rec.op.Status)
	}
	rec.op.UpdatedAt = time.Now()
	return r.publish(id, event, fn(rec))
}

func (r *Registry) publish(id, event string, payload any) error {
	if r.nc == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	if err := r.nc.Publish(broker.OperationSubject(id, event), data); err != nil {
		return fmt.Errorf("publish %s event: %w", event, err)
	}
	return nil
}

// scheduleCleanup forgets a finished operation after the retention period.
func (r *Registry) scheduleCleanup(id string) {
	time.AfterFunc(r.retention, func() {
		r.mu.Lock()
		delete(r.ops, id)
		r.mu.Unlock()
	})
}
