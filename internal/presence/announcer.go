// Package presence advertises a running listener to other nodes on the bus.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-listener/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce        = "ctrl.node.announce"
	SubjectHeartbeatPrefix = "ctrl.node.heartbeat."
	SubjectLeave           = "ctrl.node.leave"
)

type Publisher interface {
	Publish(subject string, data []byte) error
}

type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Status is the live state carried on every heartbeat.
type Status struct {
	Recording         bool   `json:"recording"`
	Utterances        uint64 `json:"utterances"`
	DroppedEvents     uint64 `json:"dropped_events"`
	DroppedUtterances uint64 `json:"dropped_utterances"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	SessionID    string       `json:"session_id,omitempty"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type leaveMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Announcer publishes an announce on start, a heartbeat every interval and a
// leave message on Close.
type Announcer struct {
	cfg          config.NodeConfig
	sessionID    string
	capabilities []Capability
	status       func() Status
	pub          Publisher
	log          *slog.Logger

	heartbeats metric.Int64Counter

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func Start(ctx context.Context, cfg config.NodeConfig, sessionID string, capabilities []Capability, status func() Status, pub Publisher, log *slog.Logger) (*Announcer, error) {
	if pub == nil {
		return nil, errors.New("presence requires a publisher")
	}
	if cfg.ID == "" {
		return nil, errors.New("presence requires a node id")
	}
	if cfg.HeartbeatIntervalMS <= 0 {
		return nil, fmt.Errorf("invalid heartbeat interval %dms", cfg.HeartbeatIntervalMS)
	}
	if status == nil {
		status = func() Status { return Status{} }
	}

	heartbeats, err := otel.Meter("github.com/loqalabs/loqa-listener/presence").Int64Counter(
		"listen.presence.heartbeats",
		metric.WithDescription("Heartbeats published by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create heartbeat counter: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	a := &Announcer{
		cfg:          cfg,
		sessionID:    sessionID,
		capabilities: capabilities,
		status:       status,
		pub:          pub,
		log:          log.With(slog.String("component", "presence")),
		heartbeats:   heartbeats,
		cancel:       cancel,
	}

	if err := a.announce(); err != nil {
		a.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	a.wg.Add(1)
	go a.run(ctx, time.Duration(cfg.HeartbeatIntervalMS)*time.Millisecond)
	return a, nil
}

// Close stops the heartbeat and tells peers the node is gone.
func (a *Announcer) Close() {
	a.closeOnce.Do(func() {
		a.cancel()
		a.wg.Wait()
		msg := leaveMessage{NodeID: a.cfg.ID, Timestamp: time.Now().UTC()}
		if err := a.send(SubjectLeave, msg); err != nil {
			a.log.Warn("failed to publish leave", slog.String("error", err.Error()))
		}
	})
}

func (a *Announcer) run(ctx context.Context, interval time.Duration) {
	defer a.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			outcome := "ok"
			if err := a.heartbeat(); err != nil {
				outcome = "error"
				a.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			a.heartbeats.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		}
	}
}

func (a *Announcer) announce() error {
	return a.send(SubjectAnnounce, announceMessage{
		NodeID:       a.cfg.ID,
		Role:         a.cfg.Role,
		SessionID:    a.sessionID,
		Capabilities: a.capabilities,
		Timestamp:    time.Now().UTC(),
	})
}

func (a *Announcer) heartbeat() error {
	return a.send(SubjectHeartbeatPrefix+a.cfg.ID, heartbeatMessage{
		NodeID:    a.cfg.ID,
		Status:    a.status(),
		Timestamp: time.Now().UTC(),
	})
}

func (a *Announcer) send(subject string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return a.pub.Publish(subject, data)
}
