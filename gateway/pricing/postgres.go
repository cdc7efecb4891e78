package pricing

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresOverrides resolves configured rate overrides from the external
// configuration database. Only Active entries are returned.
type PostgresOverrides struct {
	pool *pgxpool.Pool
}

func NewPostgresOverrides(ctx context.Context, connString string) (*PostgresOverrides, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 10
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresOverrides{pool: pool}, nil
}

func (s *PostgresOverrides) Close() {
	s.pool.Close()
}

func (s *PostgresOverrides) Lookup(ctx context.Context, provider string, op Operation, model string) (*RateCard, error) {
	query := `
		SELECT per_unit_rate::text, unit_type,
		       input_per_minute::text, output_per_minute::text,
		       input_per_token::text, output_per_token::text,
		       minimum_seconds
		FROM rate_overrides
		WHERE provider = $1 AND operation = $2 AND model = $3 AND status = 'active'
		ORDER BY updated_at DESC
		LIMIT 1
	`

	var perUnit, unitType, inMin, outMin, inTok, outTok string
	var minSeconds float64
	err := s.pool.QueryRow(ctx, query, provider, string(op), model).Scan(
		&perUnit, &unitType, &inMin, &outMin, &inTok, &outTok, &minSeconds,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	card := RateCard{
		Provider:       provider,
		Operation:      op,
		Model:          model,
		Status:         StatusActive,
		UnitType:       unitType,
		MinimumSeconds: minSeconds,
	}
	if card.PerUnit, err = decimal.NewFromString(perUnit); err != nil {
		return nil, err
	}
	if card.InputPerMinute, err = decimal.NewFromString(inMin); err != nil {
		return nil, err
	}
	if card.OutputPerMinute, err = decimal.NewFromString(outMin); err != nil {
		return nil, err
	}
	if card.InputPerToken, err = decimal.NewFromString(inTok); err != nil {
		return nil, err
	}
	if card.OutputPerToken, err = decimal.NewFromString(outTok); err != nil {
		return nil, err
	}
	return &card, nil
}

// MemoryOverrides is an in-process OverrideStore for tests and single-node
// runs without Postgres.
type MemoryOverrides struct {
	cards map[string]RateCard
}

func NewMemoryOverrides() *MemoryOverrides {
	return &MemoryOverrides{cards: make(map[string]RateCard)}
}

func (s *MemoryOverrides) Put(card RateCard) {
	s.cards[rateKey(card.Provider, card.Operation, card.Model)] = card
}

func (s *MemoryOverrides) Lookup(ctx context.Context, provider string, op Operation, model string) (*RateCard, error) {
	card, ok := s.cards[rateKey(provider, op, model)]
	if !ok {
		return nil, nil
	}
	return &card, nil
}
