package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-mysql-org/go-mysql/client"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"

	"github.com/mattjoyce/pwgo-agent/internal/dbevent"
	"github.com/mattjoyce/pwgo-agent/internal/events"
	"github.com/mattjoyce/pwgo-agent/internal/log"
	"github.com/mattjoyce/pwgo-agent/internal/metrics"
)

const (
	columnMessageType = "message_type"
	columnMessage     = "message"
)

// BinlogConfig locates the server and the message table to follow.
type BinlogConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	ServerID uint32
	Flavor   string
	Schema   string
	Table    string
}

// Binlog follows the MySQL binary log and forwards inserts into the message
// table. It starts at the server's current position and resumes from the last
// committed transaction after a reconnect, so a partly forwarded transaction
// is delivered again.
type Binlog struct {
	cfg     BinlogConfig
	hub     *events.Hub
	metrics *metrics.Metrics
	logger  *slog.Logger

	// pos is the resume position and only moves on XID and rotate events.
	// pending follows every event.
	pos     mysql.Position
	pending mysql.Position
	columns []string
}

func NewBinlog(cfg BinlogConfig, deps Deps) *Binlog {
	return &Binlog{
		cfg:     cfg,
		hub:     deps.Hub,
		metrics: deps.Metrics,
		logger:  log.WithComponent("source.binlog"),
	}
}

func (b *Binlog) Name() string { return "binlog" }

func (b *Binlog) Run(ctx context.Context, sink Sink) error {
	b.logger.Info("monitoring binlog for change messages", "schema", b.cfg.Schema, "table", b.cfg.Table)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	err := backoff.RetryNotify(func() error {
		err := b.stream(ctx, sink)
		if errors.Is(err, ErrSinkClosed) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		b.hub.Publish(events.TypeSourceDisconnect, map[string]any{"source": b.Name(), "error": err.Error()})
		b.logger.Warn("binlog stream interrupted; reconnecting", "error", err, "retry_in", wait.String())
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (b *Binlog) addr() string {
	return net.JoinHostPort(b.cfg.Host, strconv.Itoa(b.cfg.Port))
}

// inspect reads the current binlog position (first connect only) and the
// message table's column order.
func (b *Binlog) inspect() error {
	conn, err := client.Connect(b.addr(), b.cfg.User, b.cfg.Password, "")
	if err != nil {
		return fmt.Errorf("connect to %s: %w", b.addr(), err)
	}
	defer conn.Close()

	if b.pos.Name == "" {
		res, err := conn.Execute("SHOW MASTER STATUS")
		if err != nil {
			// MySQL 8.4 renamed the statement.
			res, err = conn.Execute("SHOW BINARY LOG STATUS")
		}
		if err != nil {
			return fmt.Errorf("read binlog position: %w", err)
		}
		if res.RowNumber() == 0 {
			return errors.New("binary logging is not enabled on the server")
		}
		name, _ := res.GetString(0, 0)
		pos, err := res.GetUint(0, 1)
		if err != nil {
			return fmt.Errorf("read binlog position: %w", err)
		}
		b.pos = mysql.Position{Name: name, Pos: uint32(pos)}
	}

	res, err := conn.Execute(`SELECT COLUMN_NAME FROM information_schema.COLUMNS WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? ORDER BY ORDINAL_POSITION`, b.cfg.Schema, b.cfg.Table)
	if err != nil {
		return fmt.Errorf("read %s.%s columns: %w", b.cfg.Schema, b.cfg.Table, err)
	}
	columns := make([]string, 0, res.RowNumber())
	for i := 0; i < res.RowNumber(); i++ {
		name, _ := res.GetString(i, 0)
		columns = append(columns, name)
	}
	if len(columns) == 0 {
		return fmt.Errorf("message table %s.%s not found", b.cfg.Schema, b.cfg.Table)
	}
	b.columns = columns
	return nil
}

func (b *Binlog) stream(ctx context.Context, sink Sink) error {
	if err := b.inspect(); err != nil {
		return err
	}

	syncer := replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID: b.cfg.ServerID,
		Flavor:   b.cfg.Flavor,
		Host:     b.cfg.Host,
		Port:     uint16(b.cfg.Port),
		User:     b.cfg.User,
		Password: b.cfg.Password,
	})
	defer syncer.Close()

	streamer, err := syncer.StartSync(b.pos)
	if err != nil {
		return fmt.Errorf("start binlog sync at %s: %w", b.pos, err)
	}
	b.pending = b.pos
	b.logger.Info("binlog stream connected", "position", b.pos.String())
	b.hub.Publish(events.TypeSourceConnected, map[string]any{"source": b.Name(), "position": b.pos.String()})

	for {
		ev, err := streamer.GetEvent(ctx)
		if err != nil {
			return err
		}
		if err := b.handleEvent(ev, sink); err != nil {
			return err
		}
	}
}

// handleEvent tracks the stream position and forwards message table inserts.
func (b *Binlog) handleEvent(ev *replication.BinlogEvent, sink Sink) error {
	if ev.Header != nil && ev.Header.LogPos > 0 {
		b.pending.Pos = ev.Header.LogPos
	}
	switch e := ev.Event.(type) {
	case *replication.RotateEvent:
		b.pending = mysql.Position{Name: string(e.NextLogName), Pos: uint32(e.Position)}
		b.pos = b.pending
		return nil
	case *replication.XIDEvent:
		b.pos = b.pending
		return nil
	case *replication.RowsEvent:
		if !isInsert(ev.Header.EventType) || string(e.Table.Schema) != b.cfg.Schema || string(e.Table.Table) != b.cfg.Table {
			return nil
		}
		columns := b.columns
		if names := e.Table.ColumnNameString(); len(names) > 0 {
			columns = names
		}
		typeIdx, msgIdx := indexOf(columns, columnMessageType), indexOf(columns, columnMessage)
		if typeIdx < 0 || msgIdx < 0 {
			return fmt.Errorf("message table %s.%s lacks %s/%s columns", b.cfg.Schema, b.cfg.Table, columnMessageType, columnMessage)
		}

		b.logger.Debug("processing rows event", "table", b.cfg.Table, "rows", len(e.Rows))
		for _, row := range e.Rows {
			if typeIdx >= len(row) || msgIdx >= len(row) {
				b.logger.Warn("skipping short message row", "columns", len(row))
				continue
			}
			b.metrics.SourceRow(b.Name())
			raw := dbevent.RawRow{MessageType: asString(row[typeIdx]), Message: asBytes(row[msgIdx])}
			if err := deliver(sink, raw, b.logger); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

func isInsert(t replication.EventType) bool {
	switch t {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return true
	}
	return false
}

func indexOf(columns []string, name string) int {
	for i, c := range columns {
		if c == name {
			return i
		}
	}
	return -1
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

func asBytes(v any) []byte {
	switch s := v.(type) {
	case []byte:
		return s
	case string:
		return []byte(s)
	default:
		return nil
	}
}
