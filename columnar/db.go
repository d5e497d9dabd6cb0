// Package columnar is the analytical store for transfer rows, balance
// series, and the asset dictionary, backed by Postgres. All writes are
// keyed, versioned upserts so consumers can replay batches after a crash
// without duplicating rows.
package columnar

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/chainscope/indexer-go/internal/errs"
)

// Config holds analytical store configuration.
type Config struct {
	// DSN is the Postgres connection string.
	DSN string
	// MaxOpenConns caps the connection pool size.
	MaxOpenConns int
	Logger       *zap.Logger
}

// Store provides access to the analytical tables.
type Store struct {
	db      *sql.DB
	network string
	logger  *zap.Logger
}

// New opens the analytical store for one network and verifies connectivity.
func New(ctx context.Context, network string, cfg *Config) (*Store, error) {
	if cfg == nil || cfg.DSN == "" {
		return nil, errs.Ef(errs.KindConfig, "columnar.New", "dsn is required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errs.E(errs.KindConfig, "columnar.New", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, classify("columnar.New", err)
	}

	log.Info("connected to analytical store", zap.String("network", network))
	return &Store{db: db, network: network, logger: log}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// classify maps a database error to the pipeline error taxonomy:
// connection-level failures retry, everything else is fatal for the batch.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) {
		return errs.E(errs.KindStorageTransient, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errs.E(errs.KindStorageTransient, op, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57", "40": // connection, resources, intervention, serialization
			return errs.E(errs.KindStorageTransient, op, err)
		}
	}
	return errs.E(errs.KindStorageFatal, op, err)
}

// withTx runs fn inside a transaction, classifying any failure.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return classify(op, fmt.Errorf("%v (rollback: %w)", err, rbErr))
		}
		return classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return classify(op, err)
	}
	return nil
}
