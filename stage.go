package updateagent

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// StageReason explains how a stage ended. Exactly one reason is produced per
// invocation: whichever event is observed first wins and the others are
// discarded.
type StageReason string

const (
	ReasonCompleted        StageReason = "completed"
	ReasonProcessFailed    StageReason = "process_failed"
	ReasonTimedOut         StageReason = "timed_out"
	ReasonConnectivityLost StageReason = "connectivity_lost"
	ReasonPowerLost        StageReason = "power_lost"
	ReasonCanceled         StageReason = "canceled"
)

// StageResult is the single outcome of one stage invocation.
type StageResult struct {
	Succeeded bool
	Reason    StageReason
	Elapsed   time.Duration
}

// StageRunner supervises one external operation at a time: it launches the
// command, then polls the stage precondition and the elapsed-time budget
// until the command exits or has to be torn down. The command is always
// terminated before Run returns on every non-completion path.
type StageRunner struct {
	pollInterval time.Duration
}

const defaultStagePollInterval = 100 * time.Millisecond

func NewStageRunner(pollInterval time.Duration) *StageRunner {
	if pollInterval <= 0 {
		pollInterval = defaultStagePollInterval
	}
	return &StageRunner{pollInterval: pollInterval}
}

// Run executes cmd bounded by maxDuration while precondition holds. When the
// precondition flips to false the stage fails with lostReason; when the
// budget is exceeded it fails with ReasonTimedOut; a context cancellation
// fails it with ReasonCanceled.
func (r *StageRunner) Run(ctx context.Context, stage string, cmd Command, maxDuration time.Duration, precondition Probe, lostReason StageReason) StageResult {
	start := time.Now()
	if err := cmd.Start(); err != nil {
		log.Error().Err(err).Str("stage", stage).Msg("stage command failed to start")
		return StageResult{Reason: ReasonProcessFailed, Elapsed: time.Since(start)}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	deadline := start.Add(maxDuration)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			elapsed := time.Since(start)
			if err != nil {
				log.Error().Err(err).Str("stage", stage).Dur("elapsed", elapsed).Msg("stage command exited with failure")
				return StageResult{Reason: ReasonProcessFailed, Elapsed: elapsed}
			}
			log.Info().Str("stage", stage).Dur("elapsed", elapsed).Msg("stage completed")
			return StageResult{Succeeded: true, Reason: ReasonCompleted, Elapsed: elapsed}

		case <-ctx.Done():
			r.abort(cmd, done)
			log.Warn().Str("stage", stage).Msg("stage canceled")
			return StageResult{Reason: ReasonCanceled, Elapsed: time.Since(start)}

		case <-ticker.C:
			if !precondition.Check(ctx) {
				r.abort(cmd, done)
				log.Error().Str("stage", stage).Str("reason", string(lostReason)).Msg("stage precondition lost")
				return StageResult{Reason: lostReason, Elapsed: time.Since(start)}
			}
			if time.Now().After(deadline) {
				r.abort(cmd, done)
				log.Error().Str("stage", stage).Dur("budget", maxDuration).Msg("stage timed out")
				return StageResult{Reason: ReasonTimedOut, Elapsed: time.Since(start)}
			}
		}
	}
}

// abort tears the command down and reaps it so no subprocess outlives the
// stage invocation that spawned it.
func (r *StageRunner) abort(cmd Command, done <-chan error) {
	cmd.Terminate()
	<-done
}
