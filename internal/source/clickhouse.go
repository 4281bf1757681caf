// Package source is the read-only client for the ClickHouse time-series
// store, the system's source of truth.
package source

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	appconfig "marketsync/config"
	"marketsync/internal/models"
	"marketsync/logger"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Source wraps the native-protocol ClickHouse connection.
type Source struct {
	conn         driver.Conn
	queryTimeout time.Duration
	log          *logger.Log
}

// NewSource opens a native-protocol connection using basic credentials.
func NewSource(cfg appconfig.SourceConfig) (*Source, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Protocol:     clickhouse.Native,
		DialTimeout:  cfg.DialTimeout,
		MaxOpenConns: cfg.MaxOpenConns,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	return &Source{
		conn:         conn,
		queryTimeout: cfg.QueryTimeout,
		log:          logger.GetLogger(),
	}, nil
}

// Ping verifies the connection is alive.
func (s *Source) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close releases the connection pool.
func (s *Source) Close() error {
	return s.conn.Close()
}

func checkTable(table string) error {
	if !tableNamePattern.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	return nil
}

const tickColumns = "symbol, open, high, low, close, volume, macd, rsi, bb_upper, bb_lower, timestamp"

// FetchTicks returns up to limit rows after the cursor, ordered by
// (timestamp, symbol). Paging on the pair instead of the bare timestamp means
// rows sharing a timestamp that straddle a page boundary are picked up by the
// next page. A zero cursor fetches from the beginning of the table.
func (s *Source) FetchTicks(ctx context.Context, table string, after models.SyncCursor, limit int) ([]models.Tick, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s", tickColumns, table)
	args := []interface{}{}
	if !after.IsZero() {
		query += " WHERE (timestamp, symbol) > (?, ?)"
		args = append(args, after.Timestamp, after.Symbol)
	}
	query += " ORDER BY timestamp ASC, symbol ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	ticks := make([]models.Tick, 0, limit)
	for rows.Next() {
		var t models.Tick
		if err := rows.Scan(&t.Symbol, &t.Open, &t.High, &t.Low, &t.Close, &t.Volume,
			&t.MACD, &t.RSI, &t.BBUpper, &t.BBLower, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

// CountRows is also the health probe query: it is cheap and exercises the
// full auth/query path.
func (s *Source) CountRows(ctx context.Context, table string) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var count uint64
	query := fmt.Sprintf("SELECT count() FROM %s", table)
	if err := s.conn.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return int64(count), nil
}

// ExportRows streams every row of a table through fn in event-time order,
// used by the backup manager for full snapshots.
func (s *Source) ExportRows(ctx context.Context, table string, fn func(models.Tick) error) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}

	// The (timestamp, symbol) order keeps exports deterministic so identical
	// data produces identical backup checksums.
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY timestamp ASC, symbol ASC", tickColumns, table)
	rows, err := s.conn.Query(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("export %s: %w", table, err)
	}
	defer rows.Close()

	var exported int64
	for rows.Next() {
		var t models.Tick
		if err := rows.Scan(&t.Symbol, &t.Open, &t.High, &t.Low, &t.Close, &t.Volume,
			&t.MACD, &t.RSI, &t.BBUpper, &t.BBLower, &t.Timestamp); err != nil {
			return exported, fmt.Errorf("scan %s: %w", table, err)
		}
		if err := fn(t); err != nil {
			return exported, err
		}
		exported++
	}
	return exported, rows.Err()
}
