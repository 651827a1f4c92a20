// Package source reads committed message rows from a change stream and hands
// them to the dispatcher.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/pwgo-agent/internal/config"
	"github.com/mattjoyce/pwgo-agent/internal/dbevent"
	"github.com/mattjoyce/pwgo-agent/internal/dispatch"
	"github.com/mattjoyce/pwgo-agent/internal/events"
	"github.com/mattjoyce/pwgo-agent/internal/metrics"
)

// ErrSinkClosed is returned by Run when the sink stops accepting rows.
var ErrSinkClosed = errors.New("event sink is no longer accepting rows")

// Sink accepts raw message rows.
type Sink interface {
	QueueEvent(raw dbevent.RawRow) error
}

// Source streams message rows into a Sink until ctx is cancelled.
type Source interface {
	Name() string
	// Run blocks until ctx is cancelled, returning nil, or until the sink
	// closes or the stream fails permanently.
	Run(ctx context.Context, sink Sink) error
}

// Deps are the shared collaborators of every source.
type Deps struct {
	Hub     *events.Hub
	Metrics *metrics.Metrics
}

// New builds the source selected by cfg.Source.Kind.
func New(cfg *config.Config, deps Deps) (Source, error) {
	switch cfg.Source.Kind {
	case config.SourceBinlog:
		return NewBinlog(BinlogConfig{
			Host:     cfg.Gallery.Host,
			Port:     cfg.Gallery.Port,
			User:     cfg.Gallery.User,
			Password: cfg.Gallery.Password,
			ServerID: cfg.Source.ServerID,
			Flavor:   cfg.Source.Flavor,
			Schema:   cfg.Gallery.MessagingDB,
			Table:    cfg.Source.MessageTable,
		}, deps), nil
	case config.SourceKafka:
		return NewKafka(KafkaConfig{
			Brokers: cfg.Source.Brokers,
			Topic:   cfg.Source.Topic,
			GroupID: cfg.Source.GroupID,
		}, deps), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
	}
}

// deliver hands raw to sink. Malformed rows are logged and skipped; a sink
// that has stopped yields ErrSinkClosed.
func deliver(sink Sink, raw dbevent.RawRow, logger *slog.Logger) error {
	err := sink.QueueEvent(raw)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, dispatch.ErrInvalidState):
		return fmt.Errorf("%w: %w", ErrSinkClosed, err)
	case errors.Is(err, dispatch.ErrInvalidArgument):
		logger.Warn("skipping malformed message", "message_type", raw.MessageType, "error", err)
		return nil
	default:
		return err
	}
}
