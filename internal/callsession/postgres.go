package callsession

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore persists call sessions in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := migrate(pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func migrate(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, sess Session) error {
	if sess.CallID == "" {
		return errors.New("call id is required")
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_sessions (call_id, stream_id, language, persona_type, custom_instructions, custom_voice, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (call_id) DO UPDATE SET
		   stream_id = EXCLUDED.stream_id,
		   language = EXCLUDED.language,
		   persona_type = EXCLUDED.persona_type,
		   custom_instructions = EXCLUDED.custom_instructions,
		   custom_voice = EXCLUDED.custom_voice,
		   created_at = EXCLUDED.created_at`,
		sess.CallID,
		sess.StreamID,
		sess.Language,
		sess.PersonaType,
		sess.CustomInstructions,
		sess.CustomVoice,
		sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save call session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, callID string) (Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx,
		`SELECT call_id, stream_id, language, persona_type, custom_instructions, custom_voice, created_at
		 FROM call_sessions WHERE call_id=$1`,
		callID,
	).Scan(&sess.CallID, &sess.StreamID, &sess.Language, &sess.PersonaType, &sess.CustomInstructions, &sess.CustomVoice, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("load call session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) Take(ctx context.Context, callID string) (Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx,
		`DELETE FROM call_sessions WHERE call_id=$1
		 RETURNING call_id, stream_id, language, persona_type, custom_instructions, custom_voice, created_at`,
		callID,
	).Scan(&sess.CallID, &sess.StreamID, &sess.Language, &sess.PersonaType, &sess.CustomInstructions, &sess.CustomVoice, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("take call session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) Delete(ctx context.Context, callID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM call_sessions WHERE call_id=$1`, callID); err != nil {
		return fmt.Errorf("delete call session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
