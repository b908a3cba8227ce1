package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/quantfold/tycho-trading-agent/internal/config"
)

const (
	defaultTopicPrefix     = "tycho"
	defaultPublishInterval = 60 * time.Second
)

// StatsSource provides process-level data for the stats payload. The
// concrete adapter is wired in main to avoid coupling this package to
// the API server or the orchestrator.
type StatsSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the build version string.
	Version() string
	// Model returns the configured default chat model name.
	Model() string
	// Conversations returns the stored conversation count.
	Conversations() int
}

// Stats is the JSON document published (retained) to the stats topic.
type Stats struct {
	InstanceID     string `json:"instance_id"`
	Version        string `json:"version"`
	Model          string `json:"model"`
	Uptime         string `json:"uptime"`
	Conversations  int    `json:"conversations"`
	RunsToday      int64  `json:"runs_today"`
	ToolCallsToday int64  `json:"tool_calls_today"`
	TokensToday    int64  `json:"tokens_today"`
	LastActivity   string `json:"last_activity"` // RFC3339, or "never"
}

// Publisher manages the MQTT connection, publishes a retained
// availability message on (re-)connect, and runs a periodic loop that
// pushes the stats document to the broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	day        *DayStats
	src        StatsSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop. A nil day accumulator
// starts empty; a nil src leaves the process fields blank.
func New(cfg config.MQTTConfig, instanceID string, day *DayStats, src StatsSource, logger *slog.Logger) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaultTopicPrefix
	}
	if day == nil {
		day = NewDayStats(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		day:        day,
		src:        src,
		logger:     logger,
	}
}

// Start connects to the MQTT broker and begins the periodic publish
// loop. It blocks until ctx is cancelled. On every (re-)connect it
// publishes a retained "online" message to the status topic.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.statusTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.BrokerURL)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID(),
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	// Wait for the initial connection before starting the publish loop.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail; autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	// Run the periodic stats publish loop until ctx is cancelled.
	p.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" status
// message before closing the MQTT connection. The provided context
// controls how long to wait for the publish and disconnect to complete.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (p *Publisher) statusTopic() string {
	return p.cfg.TopicPrefix + "/status"
}

func (p *Publisher) statsTopic() string {
	return p.cfg.TopicPrefix + "/stats"
}

// clientID derives the broker client identity from the topic prefix
// and the first segment of the persistent instance ID.
func (p *Publisher) clientID() string {
	id := p.instanceID
	if len(id) > 8 {
		id = id[:8]
	}
	return p.cfg.TopicPrefix + "-" + id
}

func (p *Publisher) publishInterval() time.Duration {
	if p.cfg.PublishIntervalSec > 0 {
		return time.Duration(p.cfg.PublishIntervalSec) * time.Second
	}
	return defaultPublishInterval
}

// --- Periodic stats loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	ticker := time.NewTicker(p.publishInterval())
	defer ticker.Stop()

	// Publish immediately on start.
	p.publishStats(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStats(ctx)
		}
	}
}

// snapshot assembles the stats document from the day accumulator and
// the process-level source.
func (p *Publisher) snapshot() Stats {
	day := p.day.Snapshot()
	s := Stats{
		InstanceID:     p.instanceID,
		RunsToday:      day.Runs,
		ToolCallsToday: day.ToolCalls,
		TokensToday:    day.TokensIn + day.TokensOut,
		LastActivity:   "never",
	}
	if !day.LastRun.IsZero() {
		s.LastActivity = day.LastRun.UTC().Format(time.RFC3339)
	}
	if p.src != nil {
		s.Version = p.src.Version()
		s.Model = p.src.Model()
		s.Uptime = p.src.Uptime().Truncate(time.Second).String()
		s.Conversations = p.src.Conversations()
	}
	return s
}

func (p *Publisher) publishStats(ctx context.Context) {
	if p.cm == nil {
		return
	}

	payload, err := json.Marshal(p.snapshot())
	if err != nil {
		p.logger.Error("mqtt marshal stats payload", "error", err)
		return
	}

	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.statsTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt stats publish failed", "error", err)
		return
	}
	p.logger.Debug("mqtt stats published", "topic", p.statsTopic())
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.statusTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt status publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt status published", "status", status)
	}
}
