package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Reasons attached to transitions that sinks treat specially.
const (
	ReasonMembershipDenied  = "membership_denied"
	ReasonAdmissionRejected = "admission_rejected"
	ReasonMalformedDecision = "malformed_decision"
	ReasonRetriesExhausted  = "retries_exhausted"
)

// Sink consumes transition records.
type Sink interface {
	Record(ctx context.Context, tr Transition) error
}

// Timeline is a Sink that can be queried.
type Timeline interface {
	Sink
	Timeline(ctx context.Context, f Filter) ([]Transition, error)
}

// LogSink writes every transition to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger discards.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ctx context.Context, tr Transition) error {
	s.logger.LogAttrs(ctx, level(tr), "task transition",
		slog.String("task_id", tr.TaskID),
		slog.String("room_id", tr.RoomID),
		slog.String("agent_type", tr.AgentType),
		slog.String("instance_id", tr.InstanceID),
		slog.Int64("trigger_seq", tr.TriggerSeq),
		slog.Int("attempt", tr.Attempt),
		slog.String("from", string(tr.From)),
		slog.String("to", string(tr.To)),
		slog.String("reason", tr.Reason),
	)
	return nil
}

func level(tr Transition) slog.Level {
	switch {
	case tr.Reason == ReasonMalformedDecision, tr.Reason == ReasonRetriesExhausted:
		return slog.LevelWarn
	case tr.Reason == ReasonAdmissionRejected, tr.To == StateSuperseded, tr.To == StatePosted:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// MultiSink fans a record out to several sinks, joining their errors.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, tr Transition) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, tr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps transitions in memory, oldest first.
type MemorySink struct {
	mu  sync.Mutex
	all []Transition
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Record(_ context.Context, tr Transition) error {
	m.mu.Lock()
	m.all = append(m.all, tr)
	m.mu.Unlock()
	return nil
}

func (m *MemorySink) Timeline(_ context.Context, f Filter) ([]Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transition
	for _, tr := range m.all {
		if !f.match(tr) {
			continue
		}
		out = append(out, tr)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// Final returns the last state recorded for each task matching f, keyed
// by task ID.
func (m *MemorySink) Final(f Filter) map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State)
	for _, tr := range m.all {
		if f.match(tr) {
			out[tr.TaskID] = tr.To
		}
	}
	return out
}
