package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Pool wraps pgxpool.Pool so both Postgres stores share one set of connections.
type Pool struct {
	*pgxpool.Pool
}

// NewPool connects and pings.
func NewPool(ctx context.Context, dsn string) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// Migrate applies the embedded SQL files in lexical order. Every file is idempotent.
func Migrate(ctx context.Context, pool *Pool) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		data, err := fs.ReadFile(migrationsFS, "migrations/"+file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}
	return nil
}

const pgErrUniqueViolation = "23505"

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	return false
}

// Postgres keeps user records as JSONB documents in the users table.
type Postgres struct {
	pool *Pool
}

func NewPostgres(pool *Pool) *Postgres {
	return &Postgres{pool: pool}
}

var _ KV = (*Postgres)(nil)

func (s *Postgres) ServerTimestamp() any { return serverTimestamp{} }

func (s *Postgres) Get(ctx context.Context, userID string) (Record, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM users WHERE user_id = $1`, userID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}

	rec := Record{}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", userID, err)
	}
	return rec, nil
}

// Update merges fields into the stored document. Fields holding ServerTimestamp()
// are set to the database's now().
func (s *Postgres) Update(ctx context.Context, userID string, fields Record) error {
	plain := make(Record, len(fields))
	stamped := make([]string, 0, 1)
	for k, v := range fields {
		if _, ok := v.(serverTimestamp); ok {
			stamped = append(stamped, k)
			continue
		}
		plain[k] = v
	}

	doc, err := json.Marshal(plain)
	if err != nil {
		return fmt.Errorf("encode user %s: %w", userID, err)
	}

	query := `
		INSERT INTO users (user_id, data, updated_at)
		VALUES (
			$1,
			$2::jsonb || (
				SELECT COALESCE(jsonb_object_agg(k, to_jsonb(now())), '{}'::jsonb)
				FROM unnest($3::text[]) AS k
			),
			now()
		)
		ON CONFLICT (user_id) DO UPDATE
		SET data = users.data || EXCLUDED.data, updated_at = now()
	`
	if _, err := s.pool.Exec(ctx, query, userID, string(doc), stamped); err != nil {
		return fmt.Errorf("update user %s: %w", userID, err)
	}
	return nil
}
