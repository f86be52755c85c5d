package updateagent

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Outcome classifies a finished update attempt.
type Outcome string

const (
	OutcomeSkipped        Outcome = "skipped"
	OutcomeSucceeded      Outcome = "succeeded"
	OutcomeFailedDownload Outcome = "failed_download"
	OutcomeFailedInstall  Outcome = "failed_install"
	// OutcomeAborted covers attempts that never reached the download stage:
	// the device stayed busy past the wait budget, or an internal
	// consistency fault forced the attempt to stop.
	OutcomeAborted Outcome = "aborted"
)

// UpdateRecord is the immutable journal entry for one update attempt. It is
// created when the attempt starts and finalized exactly once.
type UpdateRecord struct {
	DeviceType string
	Target     Version
	Outcome    Outcome
	Reason     StageReason
	StartedAt  time.Time
	FinishedAt time.Time
}

// Sink receives finalized update records, e.g. for sqlite persistence or an
// ops dashboard. Sinks must tolerate concurrent writers.
type Sink interface {
	Write(ctx context.Context, rec UpdateRecord) error
	Close() error
	Name() string
}

// Journal keeps the ordered, append-only history of update attempts and fans
// each record out to the configured sinks. Recording never fails the update
// path: sink errors are logged and swallowed.
type Journal struct {
	mu      sync.Mutex
	records []UpdateRecord
	sinks   []Sink
}

func NewJournal(sinks ...Sink) *Journal {
	return &Journal{sinks: sinks}
}

// Record appends rec to the history and forwards it to every sink.
func (j *Journal) Record(ctx context.Context, rec UpdateRecord) {
	j.mu.Lock()
	j.records = append(j.records, rec)
	sinks := j.sinks
	j.mu.Unlock()

	for _, sink := range sinks {
		if err := sink.Write(ctx, rec); err != nil {
			log.Error().Err(err).Str("sink", sink.Name()).Str("outcome", string(rec.Outcome)).Msg("journal sink write failed")
		}
	}
}

// History returns a copy of all records in append order.
func (j *Journal) History() []UpdateRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]UpdateRecord, len(j.records))
	copy(out, j.records)
	return out
}

// Close flushes and closes every sink, returning the first error seen.
func (j *Journal) Close() error {
	j.mu.Lock()
	sinks := j.sinks
	j.sinks = nil
	j.mu.Unlock()

	var firstErr error
	for _, sink := range sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "close journal sink %s", sink.Name())
		}
	}
	return firstErr
}
