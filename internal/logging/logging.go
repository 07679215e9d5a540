// Package logging assembles the daemon's zerolog logger from configuration.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/grafana/loki-client-go/loki"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"

	"github.com/holmbr/norq/config"
)

// Setup builds the root logger. Lines go to stdout, as JSON by default or
// prettified when the format is "text"; with Loki enabled every line is
// also shipped to the configured endpoint. The returned cleanup flushes
// pending Loki batches and must run before exit.
func Setup(cfg config.LoggingConfig) (zerolog.Logger, func(), error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, nil, err
	}

	sinks := []io.Writer{consoleWriter(cfg.Format)}
	cleanup := func() {}
	if cfg.Loki.Enabled {
		sink, stop, err := newLokiSink(cfg.Loki)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		sinks = append(sinks, sink)
		cleanup = stop
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		With().Timestamp().Logger().
		Level(level)
	return logger, cleanup, nil
}

func parseLevel(raw string) (zerolog.Level, error) {
	if raw == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("parse log level: %w", err)
	}
	return level, nil
}

func consoleWriter(format string) io.Writer {
	if strings.EqualFold(format, "text") {
		return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return os.Stdout
}

// newLokiSink connects the push client and wraps it as a log writer. The
// returned stop function drains the client's send queue.
func newLokiSink(cfg config.LokiConfig) (io.Writer, func(), error) {
	if cfg.URL == "" {
		return nil, nil, errors.New("loki url is required")
	}
	clientCfg, err := loki.NewDefaultConfig(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("prepare loki config: %w", err)
	}
	client, err := loki.New(clientCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create loki client: %w", err)
	}
	return &lokiSink{client: client, labels: lokiLabels(cfg.Labels)}, client.Stop, nil
}

// lokiLabels stamps every shipped line as coming from this daemon; the
// configured labels are layered on top and may override the app label.
func lokiLabels(configured map[string]string) model.LabelSet {
	labels := model.LabelSet{"app": "norq"}
	for name, value := range configured {
		labels[model.LabelName(name)] = model.LabelValue(value)
	}
	return labels
}

// lokiSink forwards rendered log lines to Loki under a fixed label set.
// zerolog hands it one line per Write call.
type lokiSink struct {
	client *loki.Client
	labels model.LabelSet
}

func (s *lokiSink) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if line == "" {
		return len(p), nil
	}
	err := s.client.Handle(s.labels, time.Now(), line)
	return len(p), err
}
