package events

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies what an Event describes.
type Kind string

// Supported event kinds.
const (
	KindFetch          Kind = "fetch_outcome"
	KindClassification Kind = "classification"
	KindExtraction     Kind = "extraction"
	KindDedup          Kind = "dedup"
	KindTerminal       Kind = "url_terminal"
	KindRunSummary     Kind = "run_summary"
)

// Event is a single observation emitted by the pipeline.
type Event struct {
	// RunID ties the event to one orchestrator run.
	RunID string `json:"run_id"`
	// TS is the UTC timestamp recorded by the emitter.
	TS   time.Time `json:"ts"`
	Kind Kind      `json:"kind"`
	// URL is the candidate URL the event concerns; empty only for run summaries.
	URL    string `json:"url,omitempty"`
	Origin string `json:"origin,omitempty"`
	// Method is the fetch method for fetch events.
	Method     string `json:"method,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Success    bool   `json:"success"`
	// Score is the combined relevance score for classification events.
	Score float64 `json:"score,omitempty"`
	// Count is the number of candidates for extraction events.
	Count int `json:"count,omitempty"`
	// Outcome is the dedup outcome or terminal state name.
	Outcome string        `json:"outcome,omitempty"`
	Dur     time.Duration `json:"dur,omitempty"`
	// Note carries low-volume context such as error text.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindFetch:
		if e.Method == "" {
			return errors.New("fetch event requires method")
		}
	case KindClassification, KindExtraction:
	case KindDedup, KindTerminal:
		if e.Outcome == "" {
			return fmt.Errorf("%s event requires outcome", e.Kind)
		}
	case KindRunSummary:
		return nil
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.URL == "" {
		return fmt.Errorf("%s event requires url", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
