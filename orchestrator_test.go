package updateagent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

type fakeFactory struct {
	mu       sync.Mutex
	download *fakeCommand
	install  *fakeCommand
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		download: newFakeCommand(),
		install:  newFakeCommand(),
	}
}

func (f *fakeFactory) Download(target Version) Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.download
}

func (f *fakeFactory) Install(target Version) Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.install
}

type orchestratorFixture struct {
	device       *Device
	journal      *Journal
	factory      *fakeFactory
	connectivity *boolProbe
	power        *boolProbe
	orchestrator *Orchestrator
}

func newOrchestratorFixture(t *testing.T, current Version) *orchestratorFixture {
	t.Helper()
	fx := &orchestratorFixture{
		device:       NewDevice("alphasense", current),
		journal:      NewJournal(),
		factory:      newFakeFactory(),
		connectivity: newBoolProbe(true),
		power:        newBoolProbe(true),
	}
	cfg := Config{
		DeviceType:         "alphasense",
		InitialVersion:     current,
		PollInterval:       testPollInterval,
		WaitForIdleTimeout: 60 * time.Millisecond,
		DownloadTimeout:    time.Second,
		InstallTimeout:     time.Second,
	}
	orchestrator, err := NewOrchestrator(cfg, fx.device, fx.journal,
		WithProbes(fx.connectivity, fx.power),
		WithCommandFactory(fx.factory),
	)
	if err != nil {
		t.Fatalf("NewOrchestrator error: %v", err)
	}
	fx.orchestrator = orchestrator
	return fx
}

func (fx *orchestratorFixture) trackTransitions() *[][2]DeviceState {
	var mu sync.Mutex
	seen := &[][2]DeviceState{}
	fx.device.OnTransition(func(from, to DeviceState) {
		mu.Lock()
		*seen = append(*seen, [2]DeviceState{from, to})
		mu.Unlock()
	})
	return seen
}

// Scenario: both stages complete within budget, probes stay green.
func TestRunOnceSucceeds(t *testing.T) {
	fx := newOrchestratorFixture(t, "1")
	fx.factory.download.exit <- nil
	fx.factory.install.exit <- nil
	seen := fx.trackTransitions()

	rec := fx.orchestrator.RunOnce(context.Background(), "2")

	if rec.Outcome != OutcomeSucceeded {
		t.Fatalf("outcome = %s, want %s", rec.Outcome, OutcomeSucceeded)
	}
	if got := fx.device.CurrentVersion(); got != "2" {
		t.Fatalf("version = %s, want 2", got)
	}
	if got := fx.device.State(); got != StateIdle {
		t.Fatalf("final state = %s, want %s", got, StateIdle)
	}
	if got := fx.device.LastResult(); got != UpdateStatusSuccess {
		t.Fatalf("last result = %s, want %s", got, UpdateStatusSuccess)
	}
	want := [][2]DeviceState{
		{StateIdle, StateDownloading},
		{StateDownloading, StateInstalling},
		{StateInstalling, StateIdle},
	}
	if len(*seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", *seen, want)
	}
	for i := range want {
		if (*seen)[i] != want[i] {
			t.Fatalf("transition %d = %v, want %v", i, (*seen)[i], want[i])
		}
	}
}

// Scenario: device already on the target version.
func TestRunOnceSkipsSameVersion(t *testing.T) {
	fx := newOrchestratorFixture(t, "2")
	seen := fx.trackTransitions()

	rec := fx.orchestrator.RunOnce(context.Background(), "2")

	if rec.Outcome != OutcomeSkipped {
		t.Fatalf("outcome = %s, want %s", rec.Outcome, OutcomeSkipped)
	}
	if len(*seen) != 0 {
		t.Fatalf("device transitioned on a skipped update: %v", *seen)
	}
	if fx.factory.download.started.Load() {
		t.Fatal("download started on a skipped update")
	}
	if got := fx.device.LastResult(); got != UpdateStatusNone {
		t.Fatalf("last result = %s, want %s", got, UpdateStatusNone)
	}
}

// Scenario: connectivity drops during the download stage.
func TestRunOnceFailsAtDownloadOnConnectivityLoss(t *testing.T) {
	fx := newOrchestratorFixture(t, "1")
	fx.connectivity.Set(false) // download command never exits

	rec := fx.orchestrator.RunOnce(context.Background(), "2")

	if rec.Outcome != OutcomeFailedDownload {
		t.Fatalf("outcome = %s, want %s", rec.Outcome, OutcomeFailedDownload)
	}
	if rec.Reason != ReasonConnectivityLost {
		t.Fatalf("reason = %s, want %s", rec.Reason, ReasonConnectivityLost)
	}
	if got := fx.device.CurrentVersion(); got != "1" {
		t.Fatalf("version changed to %s on failed download", got)
	}
	if got := fx.device.State(); got != StateIdle {
		t.Fatalf("final state = %s, want %s", got, StateIdle)
	}
	if fx.factory.install.started.Load() {
		t.Fatal("install started after failed download")
	}
	if !fx.factory.download.wasTerminated() {
		t.Fatal("download command left running")
	}
	if got := fx.device.LastResult(); got != UpdateStatusFailed {
		t.Fatalf("last result = %s, want %s", got, UpdateStatusFailed)
	}
}

// Scenario: power drops during the install stage.
func TestRunOnceFailsAtInstallOnPowerLoss(t *testing.T) {
	fx := newOrchestratorFixture(t, "1")
	fx.factory.download.exit <- nil
	fx.power.Set(false) // install command never exits

	rec := fx.orchestrator.RunOnce(context.Background(), "2")

	if rec.Outcome != OutcomeFailedInstall {
		t.Fatalf("outcome = %s, want %s", rec.Outcome, OutcomeFailedInstall)
	}
	if rec.Reason != ReasonPowerLost {
		t.Fatalf("reason = %s, want %s", rec.Reason, ReasonPowerLost)
	}
	if got := fx.device.CurrentVersion(); got != "1" {
		t.Fatalf("version changed to %s on failed install", got)
	}
	if got := fx.device.State(); got != StateIdle {
		t.Fatalf("final state = %s, want %s", got, StateIdle)
	}
	if !fx.factory.install.wasTerminated() {
		t.Fatal("install command left running")
	}
}

func TestRunOnceFailsAtDownloadOnTimeout(t *testing.T) {
	fx := newOrchestratorFixture(t, "1")
	fx.orchestrator.cfg.DownloadTimeout = 20 * time.Millisecond // command never exits

	rec := fx.orchestrator.RunOnce(context.Background(), "2")

	if rec.Outcome != OutcomeFailedDownload || rec.Reason != ReasonTimedOut {
		t.Fatalf("record = %+v, want download timeout", rec)
	}
	if got := fx.device.State(); got != StateIdle {
		t.Fatalf("final state = %s, want %s", got, StateIdle)
	}
}

func TestRunOnceAbortsWhenDeviceStaysBusy(t *testing.T) {
	fx := newOrchestratorFixture(t, "1")
	if err := fx.device.Transition(StateIdle, StatePositioning); err != nil {
		t.Fatalf("Transition error: %v", err)
	}

	rec := fx.orchestrator.RunOnce(context.Background(), "2")

	if rec.Outcome != OutcomeAborted {
		t.Fatalf("outcome = %s, want %s", rec.Outcome, OutcomeAborted)
	}
	if got := fx.device.State(); got != StatePositioning {
		t.Fatalf("state = %s, want untouched %s", got, StatePositioning)
	}
	if fx.factory.download.started.Load() {
		t.Fatal("download started while device was busy")
	}
}

func TestRunOnceWaitsForIdle(t *testing.T) {
	fx := newOrchestratorFixture(t, "1")
	fx.factory.download.exit <- nil
	fx.factory.install.exit <- nil
	if err := fx.device.Transition(StateIdle, StatePositioning); err != nil {
		t.Fatalf("Transition error: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = fx.device.Transition(StatePositioning, StateIdle)
	}()
	rec := fx.orchestrator.RunOnce(context.Background(), "2")

	if rec.Outcome != OutcomeSucceeded {
		t.Fatalf("outcome = %s, want %s", rec.Outcome, OutcomeSucceeded)
	}
}

// Two back-to-back cycles: a failed attempt leaves the device ready for the
// next one without manual intervention.
func TestFailedAttemptIsRecoverable(t *testing.T) {
	fx := newOrchestratorFixture(t, "1")
	fx.connectivity.Set(false)

	rec := fx.orchestrator.RunOnce(context.Background(), "2")
	if rec.Outcome != OutcomeFailedDownload {
		t.Fatalf("first outcome = %s, want %s", rec.Outcome, OutcomeFailedDownload)
	}

	fx.connectivity.Set(true)
	fx.factory.mu.Lock()
	fx.factory.download = newFakeCommand()
	fx.factory.install = newFakeCommand()
	fx.factory.download.exit <- nil
	fx.factory.install.exit <- nil
	fx.factory.mu.Unlock()

	rec = fx.orchestrator.RunOnce(context.Background(), "2")
	if rec.Outcome != OutcomeSucceeded {
		t.Fatalf("second outcome = %s, want %s", rec.Outcome, OutcomeSucceeded)
	}
	history := fx.journal.History()
	if len(history) != 2 {
		t.Fatalf("journal has %d records, want 2", len(history))
	}
}

func TestStartConsumesTriggers(t *testing.T) {
	fx := newOrchestratorFixture(t, "1")
	fx.factory.download.exit <- nil
	fx.factory.install.exit <- nil

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fx.orchestrator.Start(ctx) }()

	if !fx.orchestrator.TriggerUpdate("2") {
		t.Fatal("TriggerUpdate rejected")
	}
	deadline := time.After(time.Second)
	for len(fx.journal.History()) == 0 {
		select {
		case <-deadline:
			t.Fatal("no journal record after trigger")
		case <-time.After(testPollInterval):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if got := fx.device.CurrentVersion(); got != "2" {
		t.Fatalf("version = %s, want 2", got)
	}
}

func TestNewOrchestratorRejectsNilCollaborators(t *testing.T) {
	if _, err := NewOrchestrator(Config{}, nil, NewJournal()); err == nil {
		t.Fatal("nil device accepted")
	}
	if _, err := NewOrchestrator(Config{}, NewDevice("alphasense", "1"), nil); err == nil {
		t.Fatal("nil journal accepted")
	}
}

type errSink struct{}

func (errSink) Write(ctx context.Context, rec UpdateRecord) error {
	return errors.New("sink unavailable")
}
func (errSink) Close() error { return nil }
func (errSink) Name() string { return "err" }

func TestJournalSinkFailureDoesNotFailAttempt(t *testing.T) {
	fx := newOrchestratorFixture(t, "1")
	fx.journal = NewJournal(errSink{})
	fx.orchestrator.journal = fx.journal
	fx.factory.download.exit <- nil
	fx.factory.install.exit <- nil

	rec := fx.orchestrator.RunOnce(context.Background(), "2")
	if rec.Outcome != OutcomeSucceeded {
		t.Fatalf("outcome = %s, want %s", rec.Outcome, OutcomeSucceeded)
	}
	if len(fx.journal.History()) != 1 {
		t.Fatal("record missing from journal history")
	}
}
