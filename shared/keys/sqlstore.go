package keys

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/forge-ai/codeforge/shared/crypto"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLStore keeps keys in postgres or sqlite. With a keyring, values are
// sealed at rest; rows written before sealing was enabled are read as-is.
type SQLStore struct {
	db      *sql.DB
	sql     sq.StatementBuilderType
	keyring *crypto.Keyring
}

var _ Manager = (*SQLStore)(nil)

// OpenSQL opens the database and applies the embedded migrations.
func OpenSQL(ctx context.Context, driver, dsn string, keyring *crypto.Keyring) (*SQLStore, error) {
	driver, dialect, err := normalizeDriver(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect(dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var placeholder sq.PlaceholderFormat = sq.Question
	if dialect == "postgres" {
		placeholder = sq.Dollar
	}
	return &SQLStore{
		db:      db,
		sql:     sq.StatementBuilder.PlaceholderFormat(placeholder),
		keyring: keyring,
	}, nil
}

func normalizeDriver(driver string) (string, string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "pgx":
		return "pgx", "postgres", nil
	case "sqlite", "sqlite3":
		return "sqlite", "sqlite3", nil
	default:
		return "", "", fmt.Errorf("unsupported key store driver %q", driver)
	}
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) ListActive(ctx context.Context, provider string) ([]Credential, error) {
	return s.list(ctx, sq.Eq{"provider": provider, "is_active": true})
}

func (s *SQLStore) List(ctx context.Context, provider string) ([]Credential, error) {
	return s.list(ctx, sq.Eq{"provider": provider})
}

func (s *SQLStore) list(ctx context.Context, where sq.Eq) ([]Credential, error) {
	q := s.sql.Select("id", "provider", "api_key", "priority", "is_default", "is_active").
		From("api_keys").
		Where(where).
		OrderBy("priority ASC", "created_at ASC")
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build key query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.ID, &c.Provider, &c.Value, &c.Priority, &c.IsDefault, &c.Active); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		if c.Value, err = s.open(c.Value); err != nil {
			return nil, fmt.Errorf("key %s: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) Add(ctx context.Context, c Credential) (Credential, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.Active = true
	stored := c.Value
	if s.keyring != nil {
		sealed, err := s.keyring.Seal(c.Value)
		if err != nil {
			return Credential{}, fmt.Errorf("seal key: %w", err)
		}
		stored = sealed
	}

	query, args, err := s.sql.Insert("api_keys").
		Columns("id", "provider", "api_key", "priority", "is_default", "is_active").
		Values(c.ID, c.Provider, stored, c.Priority, c.IsDefault, c.Active).
		ToSql()
	if err != nil {
		return Credential{}, fmt.Errorf("build key insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return Credential{}, fmt.Errorf("insert key: %w", err)
	}
	return c, nil
}

func (s *SQLStore) Remove(ctx context.Context, provider, id string) error {
	query, args, err := s.sql.Delete("api_keys").Where(sq.Eq{"id": id, "provider": provider}).ToSql()
	if err != nil {
		return fmt.Errorf("build key delete: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s key %s: %w", provider, id, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) Reorder(ctx context.Context, provider string, ids []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reorder: %w", err)
	}
	defer tx.Rollback()

	for i, id := range ids {
		query, args, err := s.sql.Update("api_keys").
			Set("priority", i).
			Where(sq.Eq{"id": id, "provider": provider}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build reorder: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("reorder %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) open(v string) (string, error) {
	if s.keyring == nil {
		return v, nil
	}
	plain, err := s.keyring.Open(v)
	if errors.Is(err, crypto.ErrNotSealed) {
		return v, nil
	}
	return plain, err
}
