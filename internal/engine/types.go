package engine

import "context"

// Source is a single reference cited by a report.
type Source struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// Report is the terminal output of one research run. Immutable once produced,
// except for the Persisted flag which the persistence bridge sets before the
// terminal event is delivered.
type Report struct {
	Text      string   `json:"text"`
	Sources   []Source `json:"sources"`
	Persisted bool     `json:"persisted"`
}

// ProgressFunc receives human-readable progress messages while a research run
// is in flight. Calls are made sequentially from a single goroutine, in the
// order the engine emitted them.
type ProgressFunc func(message string)

// Engine is the external research collaborator. Implementations are expected
// to be slow (seconds to minutes) and must honor context cancellation.
type Engine interface {
	// RunResearch executes one research run and blocks until the terminal
	// report or an error. Progress messages are delivered via onProgress.
	RunResearch(ctx context.Context, query, reportType string, onProgress ProgressFunc) (*Report, error)

	// Chat sends one conversational turn to the engine. reportContext is the
	// text of the most recent completed report, or empty when none exists.
	Chat(ctx context.Context, message, reportContext string) (string, error)
}
