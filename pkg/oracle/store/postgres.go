// Package store provides a PostgreSQL implementation of prediction.Store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/phenomenon0/prophetia/pkg/oracle/prediction"
)

const schema = `
CREATE TABLE IF NOT EXISTS predictions (
	seq             BIGSERIAL,
	id              VARCHAR(64) PRIMARY KEY,
	model_id        VARCHAR(255) NOT NULL,
	data_source_id  VARCHAR(255) NOT NULL,
	data_provider   VARCHAR(255) NOT NULL DEFAULT '',
	model_creator   VARCHAR(255) NOT NULL DEFAULT '',
	predicted_value NUMERIC NOT NULL,
	confidence      NUMERIC NOT NULL,
	status          VARCHAR(16) NOT NULL DEFAULT 'pending',
	wager_amount    NUMERIC NOT NULL,
	actual_value    NUMERIC,
	profit          NUMERIC NOT NULL DEFAULT 0,
	distribution    JSONB,
	created_at      TIMESTAMPTZ NOT NULL,
	resolved_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_predictions_status ON predictions(status);
CREATE INDEX IF NOT EXISTS idx_predictions_model_id ON predictions(model_id);
CREATE INDEX IF NOT EXISTS idx_predictions_seq ON predictions(seq DESC);
`

const columns = `id, model_id, data_source_id, data_provider, model_creator,
	predicted_value, confidence, status, wager_amount, actual_value, profit,
	distribution, created_at, resolved_at`

// Postgres stores predictions in PostgreSQL.
type Postgres struct {
	db *sql.DB
}

var _ prediction.Store = (*Postgres)(nil)

// Open connects to databaseURL, configures the pool, and creates the schema.
func Open(ctx context.Context, databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database handle.
func New(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *Postgres) Close() error {
	return s.db.Close()
}

func (s *Postgres) Create(ctx context.Context, p *prediction.Prediction) error {
	dist, err := encodeDistribution(p.Distribution)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO predictions (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.ID, p.ModelID, p.DataSourceID, p.DataProvider, p.ModelCreator,
		p.PredictedValue, p.Confidence, string(p.Status), p.WagerAmount,
		p.ActualValue, p.Profit, dist, p.CreatedAt, p.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("insert prediction: %w", err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, id string) (*prediction.Prediction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM predictions WHERE id = $1`, id)
	p, err := scanPrediction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", prediction.ErrNotFound, id)
	}
	return p, err
}

// List returns matching predictions, newest first unless f.Oldest is set.
func (s *Postgres) List(ctx context.Context, f prediction.Filter) ([]*prediction.Prediction, error) {
	order := "DESC"
	if f.Oldest {
		order = "ASC"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+columns+` FROM predictions
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR model_id = $2)
		ORDER BY seq `+order+`
		LIMIT NULLIF($3, 0) OFFSET $4`,
		string(f.Status), f.ModelID, f.Limit, max(f.Offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("list predictions: %w", err)
	}
	defer rows.Close()

	out := make([]*prediction.Prediction, 0)
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Settle writes the terminal state only while the row is still pending.
func (s *Postgres) Settle(ctx context.Context, id string, st prediction.Settlement) (*prediction.Prediction, error) {
	dist, err := encodeDistribution(st.Distribution)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE predictions
		SET status = $2, profit = $3, actual_value = $4, distribution = $5, resolved_at = $6
		WHERE id = $1 AND status = 'pending'
		RETURNING `+columns,
		id, string(st.Status), st.Profit, st.ActualValue, dist, st.ResolvedAt,
	)
	p, err := scanPrediction(row)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	// Nothing updated: either unknown or already terminal.
	existing, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: %s is %s", prediction.ErrAlreadyResolved, id, existing.Status)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPrediction(row scanner) (*prediction.Prediction, error) {
	var (
		p          prediction.Prediction
		status     string
		dist       []byte
		resolvedAt sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.ModelID, &p.DataSourceID, &p.DataProvider, &p.ModelCreator,
		&p.PredictedValue, &p.Confidence, &status, &p.WagerAmount,
		&p.ActualValue, &p.Profit, &dist, &p.CreatedAt, &resolvedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan prediction: %w", err)
	}

	p.Status = prediction.Status(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		p.ResolvedAt = &t
	}
	if p.Distribution, err = decodeDistribution(dist); err != nil {
		return nil, err
	}
	return &p, nil
}

func encodeDistribution(d *prediction.ProfitDistribution) (any, error) {
	if d == nil {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode distribution: %w", err)
	}
	return string(b), nil
}

func decodeDistribution(b []byte) (*prediction.ProfitDistribution, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var d prediction.ProfitDistribution
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("decode distribution: %w", err)
	}
	return &d, nil
}
