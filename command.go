package updateagent

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// terminateGrace is how long a terminated process gets to exit on SIGTERM
// before it is killed outright.
const terminateGrace = 5 * time.Second

// Command is one external long-running operation (fetch or flash) owned by a
// single stage invocation. Start launches it asynchronously, Wait blocks for
// its exit status, Terminate forces it down.
type Command interface {
	Start() error
	Wait() error
	Terminate()
}

// CommandFactory builds the external commands for the two update stages.
// Each call returns a fresh Command; commands are single-use.
type CommandFactory interface {
	Download(target Version) Command
	Install(target Version) Command
}

// execCommand runs a subprocess through os/exec, streaming its output into
// the log and supporting forced termination with a kill escalation.
type execCommand struct {
	stage  string
	name   string
	args   []string
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

// NewExecCommand wraps name+args as a stage Command. The stage label only
// tags log lines.
func NewExecCommand(stage, name string, args ...string) Command {
	return &execCommand{stage: stage, name: name, args: args}
}

func (c *execCommand) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	cmd := exec.CommandContext(ctx, c.name, c.args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = terminateGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return errors.Wrapf(err, "%s: stdout pipe", c.stage)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return errors.Wrapf(err, "%s: stderr pipe", c.stage)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return errors.Wrapf(err, "%s: start %s", c.stage, c.name)
	}
	c.cmd = cmd
	go c.streamOutput(stdout, "stdout")
	go c.streamOutput(stderr, "stderr")
	log.Info().Str("stage", c.stage).Str("command", c.name).Strs("args", c.args).Msg("external command started")
	return nil
}

func (c *execCommand) Wait() error {
	defer c.cancel()
	if err := c.cmd.Wait(); err != nil {
		return errors.Wrapf(err, "%s: %s exited", c.stage, c.name)
	}
	return nil
}

// Terminate signals the process to stop. Wait still owns reaping: it returns
// once the process is gone, with SIGKILL applied after the grace period.
func (c *execCommand) Terminate() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *execCommand) streamOutput(r io.Reader, name string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Debug().Str("stage", c.stage).Str(name, scanner.Text()).Msg("external command output")
	}
}

// shellCommands is the production CommandFactory: a plain fetch command for
// the image and a vendor install script for flashing it.
type shellCommands struct {
	downloadURL string
	downloadCmd []string
	installCmd  []string
}

func newShellCommands(cfg Config) *shellCommands {
	sc := &shellCommands{
		downloadURL: cfg.DownloadURL,
		downloadCmd: cfg.DownloadCommand,
		installCmd:  cfg.InstallCommand,
	}
	if len(sc.downloadCmd) == 0 {
		sc.downloadCmd = []string{"curl", "-fsSL", "-O", cfg.DownloadURL}
	}
	if len(sc.installCmd) == 0 {
		sc.installCmd = []string{"sh", "install.sh"}
	}
	return sc
}

func (s *shellCommands) Download(target Version) Command {
	return NewExecCommand("download", s.downloadCmd[0], s.downloadCmd[1:]...)
}

func (s *shellCommands) Install(target Version) Command {
	return NewExecCommand("install", s.installCmd[0], s.installCmd[1:]...)
}
