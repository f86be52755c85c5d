package updateagent

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Probe answers whether an external precondition currently holds. A probe is
// advisory: a false answer aborts the running stage but is not itself an
// error, and retry policy belongs to the caller.
type Probe interface {
	Check(ctx context.Context) bool
}

// ProbeFunc adapts a plain function to the Probe interface.
type ProbeFunc func(ctx context.Context) bool

func (f ProbeFunc) Check(ctx context.Context) bool { return f(ctx) }

const defaultProbeTimeout = 5 * time.Second

// HTTPConnectivityProbe reports network reachability by issuing a GET against
// a well-known URL. Any transport error or non-200 status counts as offline.
type HTTPConnectivityProbe struct {
	URL    string
	Client *http.Client
}

// NewHTTPConnectivityProbe builds a connectivity probe with a short-timeout
// client so a dead network cannot stall the stage poll loop.
func NewHTTPConnectivityProbe(url string) *HTTPConnectivityProbe {
	return &HTTPConnectivityProbe{
		URL:    url,
		Client: &http.Client{Timeout: defaultProbeTimeout},
	}
}

func (p *HTTPConnectivityProbe) Check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// PowerSupplyProbe reports whether the device is on stable power by reading a
// sysfs online flag (e.g. /sys/class/power_supply/AC/online). An unreadable
// flag fails safe toward "no power" so a broken sensor aborts the install
// rather than letting it run blind.
type PowerSupplyProbe struct {
	Path string
}

func (p *PowerSupplyProbe) Check(ctx context.Context) bool {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		log.Warn().Err(err).Str("path", p.Path).Msg("unable to determine power status")
		return false
	}
	return strings.TrimSpace(string(data)) == "1"
}
