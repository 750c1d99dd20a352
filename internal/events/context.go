package events

import (
	"context"
	"time"
)

type ctxKey struct{}

// NewContext returns a copy of ctx that carries emitter.
func NewContext(ctx context.Context, emitter Emitter) context.Context {
	return context.WithValue(ctx, ctxKey{}, emitter)
}

// FromContext returns the Emitter stored in ctx, or Discard.
func FromContext(ctx context.Context) Emitter {
	if e, ok := ctx.Value(ctxKey{}).(Emitter); ok && e != nil {
		return e
	}
	return Discard{}
}

// RunEmitter stamps events with a run id and timestamp before forwarding them.
type RunEmitter struct {
	next  Emitter
	runID string
	now   func() time.Time
}

// WithRun wraps next so every event carries runID. A nil now uses UTC wall time.
func WithRun(next Emitter, runID string, now func() time.Time) *RunEmitter {
	if next == nil {
		next = Discard{}
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &RunEmitter{next: next, runID: runID, now: now}
}

// Emit implements Emitter.
func (r *RunEmitter) Emit(evt Event) {
	if evt.RunID == "" {
		evt.RunID = r.runID
	}
	if evt.TS.IsZero() {
		evt.TS = r.now()
	}
	r.next.Emit(evt)
}

// RunID returns the id stamped on events.
func (r *RunEmitter) RunID() string {
	return r.runID
}
