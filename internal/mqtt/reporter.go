// Package mqtt publishes device update status to an MQTT broker so fleet
// tooling can follow state transitions and attempt outcomes live.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	updateagent "github.com/sevensense-robotics/UpdateAgent"
	"github.com/sevensense-robotics/UpdateAgent/internal/config"
)

// Environment variables wiring the MQTT reporter.
const (
	EnvBroker   = "MQTT_BROKER"
	EnvClientID = "MQTT_CLIENT_ID"
	EnvUsername = "MQTT_USERNAME"
	EnvPassword = "MQTT_PASSWORD"
)

const publishTimeout = 5 * time.Second

// ReporterConfig holds the broker connection settings.
type ReporterConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// ReporterConfigFromEnv reads the connection settings; an empty Broker means
// the reporter stays disabled.
func ReporterConfigFromEnv() ReporterConfig {
	return ReporterConfig{
		Broker:   config.String(EnvBroker, ""),
		ClientID: config.String(EnvClientID, "updateagent"),
		Username: config.String(EnvUsername, ""),
		Password: config.String(EnvPassword, ""),
	}
}

func (c ReporterConfig) Enabled() bool { return c.Broker != "" }

// Reporter owns the broker connection. Publishing is best effort: a slow or
// down broker is logged, never surfaced to the update path.
type Reporter struct {
	client paho.Client
}

// NewReporter connects to the broker.
func NewReporter(cfg ReporterConfig) (*Reporter, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, errors.Wrap(token.Error(), "mqtt: connect to broker failed")
	}
	log.Info().Str("broker", cfg.Broker).Msg("mqtt reporter connected")
	return &Reporter{client: client}, nil
}

type statePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
	At   int64  `json:"at"`
}

// StateObserver returns a device transition hook that publishes every state
// change to devices/<dut>/update/state.
func (r *Reporter) StateObserver(deviceType string) updateagent.StateObserver {
	topic := fmt.Sprintf("devices/%s/update/state", deviceType)
	return func(from, to updateagent.DeviceState) {
		r.publish(topic, statePayload{
			From: string(from),
			To:   string(to),
			At:   time.Now().UnixMilli(),
		})
	}
}

type outcomePayload struct {
	Target     string `json:"target"`
	Outcome    string `json:"outcome"`
	Reason     string `json:"reason,omitempty"`
	StartedAt  int64  `json:"startedAt"`
	FinishedAt int64  `json:"finishedAt"`
}

// JournalSink adapts the reporter to the journal Sink interface, publishing
// each finished attempt to devices/<dut>/update/result.
func (r *Reporter) JournalSink() updateagent.Sink {
	return &journalSink{reporter: r}
}

type journalSink struct {
	reporter *Reporter
}

func (s *journalSink) Write(ctx context.Context, rec updateagent.UpdateRecord) error {
	topic := fmt.Sprintf("devices/%s/update/result", rec.DeviceType)
	s.reporter.publish(topic, outcomePayload{
		Target:     string(rec.Target),
		Outcome:    string(rec.Outcome),
		Reason:     string(rec.Reason),
		StartedAt:  rec.StartedAt.UnixMilli(),
		FinishedAt: rec.FinishedAt.UnixMilli(),
	})
	return nil
}

func (s *journalSink) Close() error { return nil }

func (s *journalSink) Name() string { return "mqtt" }

func (r *Reporter) publish(topic string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("mqtt payload marshal failed")
		return
	}
	token := r.client.Publish(topic, 1, false, body)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			log.Warn().Str("topic", topic).Msg("mqtt publish timed out")
			return
		}
		if err := token.Error(); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
		}
	}()
}

// Close disconnects from the broker, allowing in-flight publishes to drain.
func (r *Reporter) Close() {
	r.client.Disconnect(250)
}
