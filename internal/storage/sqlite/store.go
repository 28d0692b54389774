package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nkkko/ruleflow/internal/domain"
	"github.com/nkkko/ruleflow/internal/metrics"
	"github.com/nkkko/ruleflow/pkg/proto"
)

//go:embed schema.sql
var schemaSQL string

// Ensure Store implements domain.RouteStore
var _ domain.RouteStore = (*Store)(nil)

const backendName = "sqlite"

// Store persists route records in a SQLite database
type Store struct {
	db      *sql.DB
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Open creates or opens a SQLite database at path and applies the schema.
// Safe to call on an existing database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger := log.With().Str("component", "storage-sqlite").Logger()
	logger.Info().Str("path", path).Msg("SQLite route store opened")

	return &Store{
		db:      db,
		logger:  logger,
		metrics: metrics.GetMetrics(),
	}, nil
}

func (s *Store) observe(op string) func(err *error) {
	timer := prometheus.NewTimer(s.metrics.StorageOperationDuration.WithLabelValues(backendName, op))
	return func(err *error) {
		timer.ObserveDuration()
		status := "true"
		if *err != nil && !errors.Is(*err, domain.ErrRouteNotFound) {
			status = "false"
		}
		s.metrics.StorageOperations.WithLabelValues(backendName, op, status).Inc()
	}
}

const selectColumns = `SELECT id, name, author, description, active, recipients, rule_type, rule_properties FROM routes`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*proto.RouteRecord, error) {
	var (
		rec        proto.RouteRecord
		active     int
		recipients string
		properties string
	)
	if err := row.Scan(&rec.Id, &rec.Name, &rec.Author, &rec.Description, &active, &recipients, &rec.Rule.Type, &properties); err != nil {
		return nil, err
	}
	rec.Active = active != 0

	if err := json.Unmarshal([]byte(recipients), &rec.Recipients); err != nil {
		return nil, fmt.Errorf("route %d: bad recipients column: %w", rec.Id, err)
	}
	if err := json.Unmarshal([]byte(properties), &rec.Rule.Properties); err != nil {
		return nil, fmt.Errorf("route %d: bad rule_properties column: %w", rec.Id, err)
	}
	return &rec, nil
}

func encodeColumns(rec *proto.RouteRecord) (recipients, properties string, err error) {
	r := rec.Recipients
	if r == nil {
		r = []string{}
	}
	rb, err := json.Marshal(r)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode recipients: %w", err)
	}
	p := rec.Rule.Properties
	if p == nil {
		p = map[string]any{}
	}
	pb, err := json.Marshal(p)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode rule properties: %w", err)
	}
	return string(rb), string(pb), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// List returns all records ordered by id
func (s *Store) List(ctx context.Context) (out []*proto.RouteRecord, err error) {
	defer s.observe("list")(&err)

	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}
	defer rows.Close()

	out = []*proto.RouteRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get returns the record with the given id
func (s *Store) Get(ctx context.Context, id int64) (rec *proto.RouteRecord, err error) {
	defer s.observe("get")(&err)

	rec, err = scanRecord(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", domain.ErrRouteNotFound, id)
	}
	return rec, err
}

// GetByName returns the record with the given name
func (s *Store) GetByName(ctx context.Context, name string) (rec *proto.RouteRecord, err error) {
	defer s.observe("get_by_name")(&err)

	rec, err = scanRecord(s.db.QueryRowContext(ctx, selectColumns+` WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrRouteNotFound, name)
	}
	return rec, err
}

// Create inserts rec and returns it with its new id
func (s *Store) Create(ctx context.Context, rec *proto.RouteRecord) (created *proto.RouteRecord, err error) {
	defer s.observe("create")(&err)

	recipients, properties, err := encodeColumns(rec)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO routes (name, author, description, active, recipients, rule_type, rule_properties, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Name, rec.Author, rec.Description, boolToInt(rec.Active),
		recipients, rec.Rule.Type, properties, time.Now().UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateRoute, rec.Name)
		}
		return nil, fmt.Errorf("failed to insert route: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read route id: %w", err)
	}

	stored := *rec
	stored.Id = id
	return &stored, nil
}

// Update replaces the record with rec.Id
func (s *Store) Update(ctx context.Context, rec *proto.RouteRecord) (err error) {
	defer s.observe("update")(&err)

	recipients, properties, err := encodeColumns(rec)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE routes SET name = ?, author = ?, description = ?, active = ?, recipients = ?,
		 rule_type = ?, rule_properties = ?, updated_at = ? WHERE id = ?`,
		rec.Name, rec.Author, rec.Description, boolToInt(rec.Active),
		recipients, rec.Rule.Type, properties, time.Now().UnixNano(), rec.Id,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateRoute, rec.Name)
		}
		return fmt.Errorf("failed to update route: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", domain.ErrRouteNotFound, rec.Id)
	}
	return nil
}

// Delete removes the record with the given id
func (s *Store) Delete(ctx context.Context, id int64) (err error) {
	defer s.observe("delete")(&err)

	res, err := s.db.ExecContext(ctx, `DELETE FROM routes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete route: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", domain.ErrRouteNotFound, id)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
