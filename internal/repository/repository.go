// Package repository persists ruleset documents.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLStore implements domain.RulesetStore using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// New creates a ruleset store based on configuration.
func New(cfg domain.StoreConfig) (*SQLStore, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLStore{
		db:     db,
		driver: cfg.Driver,
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

func (s *SQLStore) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := s.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveRuleset stores one compiled ruleset document. Re-saving the same
// (country, key, version) is a no-op, which makes bootstrap loads
// idempotent.
func (s *SQLStore) SaveRuleset(ctx context.Context, rs *domain.Ruleset) error {
	if rs == nil || rs.Key == "" {
		return fmt.Errorf("%w: ruleset key is required", ErrInvalidInput)
	}
	if rs.Version <= 0 {
		return fmt.Errorf("%w: ruleset version must be positive", ErrInvalidInput)
	}

	document, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("failed to serialize ruleset: %w", err)
	}

	query := `
		INSERT INTO rulesets (
			country, key, version, evaluation_type, rule_count, document, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(country, key, version) DO NOTHING
	`

	_, err = s.db.ExecContext(ctx, s.rebind(query),
		rs.Country, rs.Key, rs.Version,
		rs.EvaluationType, len(rs.Rules), string(document),
		time.Now().UTC(),
	)
	return err
}

// GetRuleset fetches one exact version.
func (s *SQLStore) GetRuleset(ctx context.Context, country, key string, version int64) (*domain.Ruleset, error) {
	query := `
		SELECT document
		FROM rulesets
		WHERE country = ? AND key = ? AND version = ?
	`

	var document string
	err := s.db.QueryRowContext(ctx, s.rebind(query), country, key, version).Scan(&document)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rs domain.Ruleset
	if err := json.Unmarshal([]byte(document), &rs); err != nil {
		return nil, fmt.Errorf("failed to parse ruleset document %s/%s@%d: %w", country, key, version, err)
	}

	return &rs, nil
}

// GetLatestVersion returns the highest stored version, 0 when none exist.
func (s *SQLStore) GetLatestVersion(ctx context.Context, country, key string) (int64, error) {
	query := `
		SELECT version
		FROM rulesets
		WHERE country = ? AND key = ?
		ORDER BY version DESC
		LIMIT 1
	`

	var version int64
	err := s.db.QueryRowContext(ctx, s.rebind(query), country, key).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	return version, nil
}

// ListRulesets enumerates stored documents, metadata only.
func (s *SQLStore) ListRulesets(ctx context.Context) ([]domain.RulesetInfo, error) {
	query := `
		SELECT country, key, version, evaluation_type, rule_count, created_at
		FROM rulesets
		ORDER BY country, key, version DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []domain.RulesetInfo
	for rows.Next() {
		var info domain.RulesetInfo
		if err := rows.Scan(
			&info.Country, &info.Key, &info.Version,
			&info.EvaluationType, &info.RuleCount, &info.CreatedAt,
		); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}

	return infos, rows.Err()
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
