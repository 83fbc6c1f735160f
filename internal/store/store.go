// Package store mirrors committed training rounds into PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/andresmejia3/facewatch/internal/dataset"
)

// Store manages the PostgreSQL pool and pgvector operations.
type Store struct {
	pool *pgxpool.Pool
}

// Identity is one trained label as seen by the database.
type Identity struct {
	Name      string
	Samples   int
	Rounds    int
	UpdatedAt time.Time
}

// New establishes a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	// The extension must exist before pgvector types can be registered on pool connections.
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	conn.Close(ctx)

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// initSchema creates the vector extension and tables if they don't exist.
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	_, err := conn.Exec(ctx, `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS training_rounds (
			id BIGSERIAL PRIMARY KEY,
			label TEXT NOT NULL,
			samples INT NOT NULL,
			committed_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS face_embeddings (
			id BIGSERIAL PRIMARY KEY,
			round_id BIGINT REFERENCES training_rounds(id) ON DELETE CASCADE,
			label TEXT NOT NULL,
			sample TEXT NOT NULL,
			embedding VECTOR NOT NULL
		);
		CREATE TABLE IF NOT EXISTS known_identities (
			name TEXT PRIMARY KEY,
			centroid VECTOR NOT NULL,
			samples INT NOT NULL,
			rounds INT NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS face_embeddings_label_idx ON face_embeddings (label);
	`)
	return err
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// RecordRound stores the embeddings of one committed round and folds them
// into the label's running centroid.
func (s *Store) RecordRound(ctx context.Context, label string, records dataset.Table) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var roundID int64
	err = tx.QueryRow(ctx,
		"INSERT INTO training_rounds (label, samples) VALUES ($1, $2) RETURNING id",
		label, len(records)).Scan(&roundID)
	if err != nil {
		return fmt.Errorf("insert round: %w", err)
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(
			"INSERT INTO face_embeddings (round_id, label, sample, embedding) VALUES ($1, $2, $3, $4)",
			roundID, r.Label, r.Sample, pgvector.NewVector(toFloat32(r.Vec)))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert embeddings: %w", err)
	}

	if err := updateIdentity(ctx, tx, label, records.Vectors()); err != nil {
		return fmt.Errorf("update identity %s: %w", label, err)
	}
	return tx.Commit(ctx)
}

// updateIdentity performs a weighted average update of the label centroid.
func updateIdentity(ctx context.Context, tx pgx.Tx, label string, vecs [][]float64) error {
	newMean := mean(vecs)
	newCount := len(vecs)

	var old pgvector.Vector
	var oldCount int
	// FOR UPDATE locks the row against a concurrent round of the same label
	err := tx.QueryRow(ctx,
		"SELECT centroid, samples FROM known_identities WHERE name = $1 FOR UPDATE", label).Scan(&old, &oldCount)
	if errors.Is(err, pgx.ErrNoRows) {
		_, err = tx.Exec(ctx,
			"INSERT INTO known_identities (name, centroid, samples) VALUES ($1, $2, $3)",
			label, pgvector.NewVector(toFloat32(newMean)), newCount)
		return err
	}
	if err != nil {
		return err
	}

	prev := old.Slice()
	if len(prev) != len(newMean) {
		return fmt.Errorf("centroid dimension %d, round dimension %d", len(prev), len(newMean))
	}
	total := float64(oldCount + newCount)
	merged := make([]float64, len(newMean))
	for i := range merged {
		merged[i] = (float64(prev[i])*float64(oldCount) + newMean[i]*float64(newCount)) / total
	}
	_, err = tx.Exec(ctx,
		"UPDATE known_identities SET centroid = $1, samples = $2, rounds = rounds + 1, updated_at = NOW() WHERE name = $3",
		pgvector.NewVector(toFloat32(merged)), oldCount+newCount, label)
	return err
}

// ListIdentities returns every identity ordered by name.
func (s *Store) ListIdentities(ctx context.Context) ([]Identity, error) {
	rows, err := s.pool.Query(ctx, "SELECT name, samples, rounds, updated_at FROM known_identities ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var id Identity
		if err := rows.Scan(&id.Name, &id.Samples, &id.Rounds, &id.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Centroid returns the running mean embedding of name.
func (s *Store) Centroid(ctx context.Context, name string) ([]float64, error) {
	var v pgvector.Vector
	err := s.pool.QueryRow(ctx, "SELECT centroid FROM known_identities WHERE name = $1", name).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("identity %q: %w", name, dataset.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(v.Slice()))
	for i, x := range v.Slice() {
		out[i] = float64(x)
	}
	return out, nil
}

// Reset clears every mirrored round and identity.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "TRUNCATE face_embeddings, training_rounds, known_identities RESTART IDENTITY")
	return err
}

func mean(vecs [][]float64) []float64 {
	out := make([]float64, len(vecs[0]))
	for _, v := range vecs {
		for i, x := range v {
			out[i] += x
		}
	}
	for i := range out {
		out[i] /= float64(len(vecs))
	}
	return out
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
