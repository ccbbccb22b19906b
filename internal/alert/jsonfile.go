package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"chainwatch/internal/logger"
	"chainwatch/pkg/models"
)

// FileSink appends alerts to a JSON lines file.
type FileSink struct {
	file    *os.File
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewFileSink creates a JSONL sink for alerts.
func NewFileSink(path string) (*FileSink, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open alert file: %w", err)
	}

	logger.Infof("alert file sink initialized: %s", path)
	return &FileSink{
		file:    f,
		encoder: json.NewEncoder(f),
	}, nil
}

// Notify writes one alert line.
func (s *FileSink) Notify(ctx context.Context, alert *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.encoder.Encode(alert); err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	return nil
}

// Close closes the output file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
