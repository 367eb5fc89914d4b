package eventstore

import (
	"context"
	"log/slog"
)

// Recorder accepts journal events. Implementations must not block the caller
// on failure.
type Recorder interface {
	Record(ctx context.Context, evt Event)
}

// Discard drops every event.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(context.Context, Event) {}

// Journal records events for a single run.
type Journal struct {
	store *Store
	runID string
}

// Journal starts recording under runID.
func (s *Store) Journal(ctx context.Context, runID, streamURL string) (*Journal, error) {
	if err := s.AppendRun(ctx, runID, streamURL); err != nil {
		return nil, err
	}
	return &Journal{store: s, runID: runID}, nil
}

// RunID returns the run this journal writes to.
func (j *Journal) RunID() string { return j.runID }

// Record appends evt to the run. Failures are logged, never returned.
func (j *Journal) Record(ctx context.Context, evt Event) {
	evt.RunID = j.runID
	if err := j.store.AppendEvent(context.WithoutCancel(ctx), evt); err != nil {
		j.store.log.Warn("journal write failed",
			slog.String("kind", evt.Kind),
			slog.String("error", err.Error()))
	}
}
