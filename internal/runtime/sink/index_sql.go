package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "github.com/mattn/go-sqlite3"    // registers the "sqlite3" driver
	"go.opentelemetry.io/otel/attribute"
)

// Dialect captures the differences between the supported SQL databases.
type Dialect struct {
	Name           string
	TimestampType  string
	NumberedParams bool
}

// Supported dialects.
var (
	SQLite   = Dialect{Name: "sqlite", TimestampType: "TIMESTAMP"}
	Postgres = Dialect{Name: "postgres", TimestampType: "TIMESTAMPTZ", NumberedParams: true}
)

// rebind rewrites ? placeholders to $n for dialects that need it.
func (d Dialect) rebind(query string) string {
	if !d.NumberedParams {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const artifactColumns = "statement_id, content_hash, artifact_key, template_version, size_bytes, created_at, superseded_by, superseded_at"

var sqlOpen = sql.Open

// SQLIndex stores artifact metadata in a relational table.
type SQLIndex struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLIndex wraps an open database. Call Migrate before first use.
func NewSQLIndex(db *sql.DB, dialect Dialect) *SQLIndex {
	return &SQLIndex{db: db, dialect: dialect}
}

// OpenSQLiteIndex opens (or creates) a SQLite index file. ":memory:" gives a
// private in-memory database.
func OpenSQLiteIndex(ctx context.Context, path string) (*SQLIndex, error) {
	db, err := sqlOpen("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite index: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	idx := NewSQLIndex(db, SQLite)
	if err := idx.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

// OpenPostgresIndex connects through the pgx driver wrapped with otelsql so
// index queries show up in traces.
func OpenPostgresIndex(ctx context.Context, dsn string) (*SQLIndex, error) {
	driverName, err := otelsql.Register("pgx",
		otelsql.WithAttributes(attribute.String("db.system", "postgresql")),
		otelsql.WithSQLCommenter(true),
	)
	if err != nil {
		return nil, fmt.Errorf("register otelsql: %w", err)
	}
	db, err := sqlOpen(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres index: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	idx := NewSQLIndex(db, Postgres)
	if err := idx.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

// Migrate creates the artifact table when missing.
func (s *SQLIndex) Migrate(ctx context.Context) error {
	ts := s.dialect.TimestampType
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS statement_artifacts (
			statement_id TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			artifact_key TEXT NOT NULL,
			template_version TEXT NOT NULL,
			size_bytes BIGINT NOT NULL,
			created_at ` + ts + ` NOT NULL,
			superseded_by TEXT,
			superseded_at ` + ts + `,
			PRIMARY KEY (statement_id, content_hash)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_statement_artifacts_current
			ON statement_artifacts (statement_id, superseded_by)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate artifact index: %w", err)
		}
	}
	return nil
}

func (s *SQLIndex) Lookup(ctx context.Context, statementID, contentHash string) (*ArtifactRef, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(
		"SELECT "+artifactColumns+" FROM statement_artifacts WHERE statement_id = ? AND content_hash = ?"),
		statementID, contentHash)
	ref, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func (s *SQLIndex) Record(ctx context.Context, ref ArtifactRef) (inserted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO statement_artifacts (statement_id, content_hash, artifact_key, template_version, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (statement_id, content_hash) DO NOTHING`),
		ref.StatementID, ref.ContentHash, ref.Key, ref.TemplateVersion, ref.Size, ref.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, tx.Commit()
	}

	if _, err = tx.ExecContext(ctx, s.dialect.rebind(
		`UPDATE statement_artifacts SET superseded_by = ?, superseded_at = ?
		WHERE statement_id = ? AND content_hash <> ? AND superseded_by IS NULL`),
		ref.Key, ref.CreatedAt, ref.StatementID, ref.ContentHash); err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLIndex) History(ctx context.Context, statementID string) ([]ArtifactRef, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		"SELECT "+artifactColumns+" FROM statement_artifacts WHERE statement_id = ? ORDER BY created_at, artifact_key"),
		statementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArtifactRef
	for rows.Next() {
		ref, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (s *SQLIndex) Current(ctx context.Context, statementID string) (*ArtifactRef, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(
		"SELECT "+artifactColumns+" FROM statement_artifacts WHERE statement_id = ? AND superseded_by IS NULL"),
		statementID)
	ref, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func (s *SQLIndex) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row scanner) (ArtifactRef, error) {
	var (
		ref          ArtifactRef
		supersededBy sql.NullString
		supersededAt sql.NullTime
	)
	if err := row.Scan(&ref.StatementID, &ref.ContentHash, &ref.Key, &ref.TemplateVersion,
		&ref.Size, &ref.CreatedAt, &supersededBy, &supersededAt); err != nil {
		return ArtifactRef{}, err
	}
	ref.CreatedAt = ref.CreatedAt.UTC()
	ref.SupersededBy = supersededBy.String
	if supersededAt.Valid {
		at := supersededAt.Time.UTC()
		ref.SupersededAt = &at
	}
	return ref, nil
}
