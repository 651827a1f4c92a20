package gallery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/mattjoyce/pwgo-agent/internal/config"
	"github.com/mattjoyce/pwgo-agent/internal/log"
)

// Schemas names the databases queries are qualified with.
type Schemas struct {
	Piwigo      string
	Rekognition string
}

// Store reads and writes the gallery and recognition schemas.
// In dry-run mode every write is logged and skipped.
type Store struct {
	db     *sqlx.DB
	names  *strings.Replacer
	dryRun bool
	logger *slog.Logger
}

// New wraps an open connection.
func New(db *sqlx.DB, schemas Schemas, dryRun bool) *Store {
	return &Store{
		db:     db,
		names:  strings.NewReplacer("{pwgo}", schemas.Piwigo, "{rek}", schemas.Rekognition),
		dryRun: dryRun,
		logger: log.WithComponent("gallery"),
	}
}

// DSN builds the go-sql-driver DSN for cfg, connected to the piwigo database.
func DSN(cfg config.GalleryConfig) string {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = cfg.PiwigoDB
	mc.ParseTime = true
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return mc.FormatDSN()
}

// Open connects to MySQL, retrying the initial ping with exponential backoff.
func Open(ctx context.Context, cfg config.GalleryConfig, dryRun bool) (*Store, error) {
	db, err := sqlx.Open("mysql", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open gallery db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	logger := log.WithComponent("gallery")
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(cfg.ConnectRetryLimit)), ctx)
	ping := func() error {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pctx)
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("gallery db not reachable; retrying", "error", err, "retry_in", next.String())
	}
	if err := backoff.RetryNotify(ping, bo, notify); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect gallery db %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	logger.Info("connected to gallery db", "host", cfg.Host, "database", cfg.PiwigoDB)
	return New(db, Schemas{Piwigo: cfg.PiwigoDB, Rekognition: cfg.RekognitionDB}, dryRun), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) q(query string) string {
	return s.names.Replace(query)
}

// skipWrite reports whether a write should be skipped, logging it when it is.
func (s *Store) skipWrite(op string, args ...any) bool {
	if !s.dryRun {
		return false
	}
	s.logger.Info("dry run: skipping write", append([]any{"op", op}, args...)...)
	return true
}

// in expands a query with an IN (?) clause and rebinds it for the driver.
func (s *Store) in(query string, args ...any) (string, []any, error) {
	query, args, err := sqlx.In(s.q(query), args...)
	if err != nil {
		return "", nil, err
	}
	return s.db.Rebind(query), args, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
