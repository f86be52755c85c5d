package updateagent

import (
	"time"

	"github.com/pkg/errors"

	"github.com/sevensense-robotics/UpdateAgent/internal/config"
)

// Environment variable names consumed by the agent. Downstream wiring should
// prefer these constants over raw strings.
const (
	EnvInitialVersion     = "INITIAL_VERSION"
	EnvTargetVersion      = "TARGET_VERSION"
	EnvDUT                = "DUT"
	EnvDownloadURL        = "DOWNLOAD_URL"
	EnvConnectivityURL    = "CONNECTIVITY_CHECK_URL"
	EnvPowerSupplyPath    = "POWER_SUPPLY_PATH"
	EnvDownloadTimeout    = "DOWNLOAD_TIMEOUT"
	EnvInstallTimeout     = "INSTALL_TIMEOUT"
	EnvWaitForIdleTimeout = "WAIT_FOR_IDLE_TIMEOUT"
	EnvPollInterval       = "POLL_INTERVAL"
	EnvUpdateDBPath       = "UPDATE_DB_PATH"
	EnvDownloadCommand    = "DOWNLOAD_COMMAND"
	EnvInstallCommand     = "INSTALL_COMMAND"
)

const (
	defaultDownloadTimeout    = 5 * time.Minute
	defaultInstallTimeout     = 10 * time.Minute
	defaultWaitForIdleTimeout = 10 * time.Minute
	defaultPollInterval       = 100 * time.Millisecond

	defaultDownloadURL     = "https://raw.githubusercontent.com/MattiaHaas/sevensense/refs/heads/main/images/install.sh"
	defaultConnectivityURL = "https://www.google.com"
	defaultPowerSupplyPath = "/sys/class/power_supply/AC/online"
)

// Config controls the update orchestrator.
type Config struct {
	// DeviceType names the logical device variant under test (DUT).
	DeviceType     string
	InitialVersion Version
	// TargetVersion, when set, triggers one update attempt at startup.
	TargetVersion Version

	PollInterval       time.Duration
	WaitForIdleTimeout time.Duration
	DownloadTimeout    time.Duration
	InstallTimeout     time.Duration

	DownloadURL          string
	ConnectivityCheckURL string
	PowerSupplyPath      string

	// DownloadCommand/InstallCommand override the stage subprocesses;
	// empty means the built-in curl fetch and install.sh defaults.
	DownloadCommand []string
	InstallCommand  []string
}

// ConfigFromEnv assembles a Config from the environment, falling back to the
// stock timeouts and endpoints for anything unset.
func ConfigFromEnv() Config {
	return Config{
		DeviceType:           config.String(EnvDUT, ""),
		InitialVersion:       Version(config.String(EnvInitialVersion, "")),
		TargetVersion:        Version(config.String(EnvTargetVersion, "")),
		PollInterval:         config.Duration(EnvPollInterval, defaultPollInterval),
		WaitForIdleTimeout:   config.Duration(EnvWaitForIdleTimeout, defaultWaitForIdleTimeout),
		DownloadTimeout:      config.Duration(EnvDownloadTimeout, defaultDownloadTimeout),
		InstallTimeout:       config.Duration(EnvInstallTimeout, defaultInstallTimeout),
		DownloadURL:          config.String(EnvDownloadURL, defaultDownloadURL),
		ConnectivityCheckURL: config.String(EnvConnectivityURL, defaultConnectivityURL),
		PowerSupplyPath:      config.String(EnvPowerSupplyPath, defaultPowerSupplyPath),
		DownloadCommand:      config.StringSlice(EnvDownloadCommand, nil),
		InstallCommand:       config.StringSlice(EnvInstallCommand, nil),
	}
}

// Validate checks the fields without defaults.
func (c Config) Validate() error {
	if c.InitialVersion == "" {
		return errors.Errorf("config: %s is required", EnvInitialVersion)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.WaitForIdleTimeout <= 0 {
		c.WaitForIdleTimeout = defaultWaitForIdleTimeout
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = defaultDownloadTimeout
	}
	if c.InstallTimeout <= 0 {
		c.InstallTimeout = defaultInstallTimeout
	}
	if c.DownloadURL == "" {
		c.DownloadURL = defaultDownloadURL
	}
	if c.ConnectivityCheckURL == "" {
		c.ConnectivityCheckURL = defaultConnectivityURL
	}
	if c.PowerSupplyPath == "" {
		c.PowerSupplyPath = defaultPowerSupplyPath
	}
}
