package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"chainwatch/internal/logger"
	"chainwatch/pkg/models"
)

// NATSConfig configures the NATS alert sink.
type NATSConfig struct {
	URL     string
	Subject string
}

// NATSSink publishes alerts on a NATS subject for downstream consumers.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// NewNATSSink connects to NATS and creates a publishing sink.
func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	subject := strings.TrimSpace(cfg.Subject)
	if subject == "" {
		subject = "chainwatch.alerts"
	}

	conn, err := nats.Connect(url, nats.Name("chainwatch-alerts"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	logger.Infof("alert NATS sink initialized: url=%s subject=%s", url, subject)
	return &NATSSink{conn: conn, subject: subject}, nil
}

// Notify publishes one alert.
func (s *NATSSink) Notify(ctx context.Context, alert *models.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if err := s.conn.Publish(s.subject, payload); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// Close drains and closes the connection.
func (s *NATSSink) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	s.conn.Close()
	return nil
}
