package updateagent

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Orchestrator is the background watcher that drives the update lifecycle:
// wait for the device to go idle, compare versions, then run the download
// and install stages with their preconditions. At most one attempt is in
// flight at a time; the device's compare-and-set transitions enforce that
// even against external writers.
type Orchestrator struct {
	cfg          Config
	device       *Device
	journal      *Journal
	stages       *StageRunner
	connectivity Probe
	power        Probe
	commands     CommandFactory
	trigger      chan Version
}

// OrchestratorOption customizes collaborators during construction; the zero
// set wires the production probes and shell commands from Config.
type OrchestratorOption func(*Orchestrator)

// WithProbes overrides the connectivity and power probes.
func WithProbes(connectivity, power Probe) OrchestratorOption {
	return func(o *Orchestrator) {
		o.connectivity = connectivity
		o.power = power
	}
}

// WithCommandFactory overrides the stage command factory.
func WithCommandFactory(factory CommandFactory) OrchestratorOption {
	return func(o *Orchestrator) { o.commands = factory }
}

// NewOrchestrator builds the watcher for one device.
func NewOrchestrator(cfg Config, device *Device, journal *Journal, opts ...OrchestratorOption) (*Orchestrator, error) {
	if device == nil {
		return nil, errors.New("orchestrator: device cannot be nil")
	}
	if journal == nil {
		return nil, errors.New("orchestrator: journal cannot be nil")
	}
	cfg.applyDefaults()

	o := &Orchestrator{
		cfg:     cfg,
		device:  device,
		journal: journal,
		stages:  NewStageRunner(cfg.PollInterval),
		trigger: make(chan Version, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.connectivity == nil {
		o.connectivity = NewHTTPConnectivityProbe(cfg.ConnectivityCheckURL)
	}
	if o.power == nil {
		o.power = &PowerSupplyProbe{Path: cfg.PowerSupplyPath}
	}
	if o.commands == nil {
		o.commands = newShellCommands(cfg)
	}
	return o, nil
}

// TriggerUpdate queues one update attempt toward target. It never blocks;
// the return value reports whether the trigger was accepted (false when an
// attempt is already queued).
func (o *Orchestrator) TriggerUpdate(target Version) bool {
	select {
	case o.trigger <- target:
		return true
	default:
		return false
	}
}

// Start runs the watcher until ctx is canceled. A configured TargetVersion
// is attempted immediately; further attempts arrive via TriggerUpdate.
func (o *Orchestrator) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("orchestrator: context cannot be nil")
	}
	log.Info().
		Str("dut", o.device.Type()).
		Str("version", string(o.device.CurrentVersion())).
		Msg("start update orchestrator")

	if o.cfg.TargetVersion != "" {
		o.RunOnce(ctx, o.cfg.TargetVersion)
	}
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("update orchestrator stopped")
			return nil
		case target := <-o.trigger:
			o.RunOnce(ctx, target)
		}
	}
}

// RunOnce performs one complete update attempt toward target and returns its
// journal record. Every exit path leaves the device idle (or untouched, for
// attempts that never started) and the outcome durably recorded.
func (o *Orchestrator) RunOnce(ctx context.Context, target Version) UpdateRecord {
	rec := UpdateRecord{
		DeviceType: o.device.Type(),
		Target:     target,
		StartedAt:  time.Now(),
	}
	finish := func(outcome Outcome, reason StageReason) UpdateRecord {
		rec.Outcome = outcome
		rec.Reason = reason
		rec.FinishedAt = time.Now()
		o.journal.Record(ctx, rec)
		log.Info().
			Str("target", string(target)).
			Str("outcome", string(outcome)).
			Str("reason", string(reason)).
			Dur("elapsed", rec.FinishedAt.Sub(rec.StartedAt)).
			Msg("update attempt finished")
		return rec
	}

	if !o.waitForIdle(ctx) {
		log.Error().Str("target", string(target)).Msg("update aborted: device did not reach idle in time")
		return finish(OutcomeAborted, "")
	}

	if o.device.CurrentVersion() == target {
		log.Info().Str("target", string(target)).Msg("device already on target version, skipping update")
		return finish(OutcomeSkipped, "")
	}

	if err := o.device.Transition(StateIdle, StateDownloading); err != nil {
		o.consistencyFault(err)
		return finish(OutcomeAborted, "")
	}

	res := o.stages.Run(ctx, "download", o.commands.Download(target), o.cfg.DownloadTimeout, o.connectivity, ReasonConnectivityLost)
	if !res.Succeeded {
		o.device.setLastResult(UpdateStatusFailed)
		o.revertToIdle(StateDownloading)
		return finish(OutcomeFailedDownload, res.Reason)
	}

	if err := o.device.Transition(StateDownloading, StateInstalling); err != nil {
		o.consistencyFault(err)
		o.device.setLastResult(UpdateStatusFailed)
		return finish(OutcomeAborted, "")
	}

	res = o.stages.Run(ctx, "install", o.commands.Install(target), o.cfg.InstallTimeout, o.power, ReasonPowerLost)
	if !res.Succeeded {
		o.device.setLastResult(UpdateStatusFailed)
		o.revertToIdle(StateInstalling)
		return finish(OutcomeFailedInstall, res.Reason)
	}

	o.device.SetVersion(target)
	o.device.setLastResult(UpdateStatusSuccess)
	o.revertToIdle(StateInstalling)
	log.Info().Str("version", string(target)).Msg("software update complete")
	return finish(OutcomeSucceeded, ReasonCompleted)
}

// waitForIdle polls the device state until it reads idle, bounded by the
// configured wait budget and ctx.
func (o *Orchestrator) waitForIdle(ctx context.Context) bool {
	if o.device.State() == StateIdle {
		return true
	}
	deadline := time.Now().Add(o.cfg.WaitForIdleTimeout)
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if o.device.State() == StateIdle {
				return true
			}
			if time.Now().After(deadline) {
				return false
			}
		}
	}
}

// revertToIdle returns the device to idle after a stage. The orchestrator is
// the sole writer of the transitional states, so a failed compare-and-set
// here means the state machine guarantee was broken elsewhere; recovery is
// still attempted so the device is never stranded mid-update.
func (o *Orchestrator) revertToIdle(from DeviceState) {
	if err := o.device.Transition(from, StateIdle); err != nil {
		o.consistencyFault(err)
		if current := o.device.State(); current != StateIdle {
			if err := o.device.Transition(current, StateIdle); err != nil {
				log.Error().Err(err).Msg("device could not be recovered to idle")
			}
		}
	}
}

func (o *Orchestrator) consistencyFault(err error) {
	log.Error().Err(err).Str("state", string(o.device.State())).Msg("internal consistency fault: unexpected device state during update")
}
