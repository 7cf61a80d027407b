package workflow

import (
	"context"
	"time"
)

// Entry is one finished request as handed to a HistorySink.
type Entry struct {
	CorrelationID string
	Request       Request
	ModelKey      string
	ItemID        int64
	ArtifactName  string
	Outcome       string
	Error         string
	Elapsed       time.Duration
	FinishedAt    time.Time
}

// HistorySink receives finished requests. Storage format is the sink's concern.
type HistorySink interface {
	Record(ctx context.Context, entry Entry) error
}

type nopHistory struct{}

func (nopHistory) Record(context.Context, Entry) error { return nil }
