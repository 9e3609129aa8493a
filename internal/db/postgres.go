package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/mpc-swap-node/pkg/models"
)

// Store persists the intent/settlement audit trail. It is strictly
// optional: the node keeps all protocol state in memory and runs fine when
// the operator provides no DATABASE_URL.

type Store struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx
func Connect(connStr string) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("Successfully connected to PostgreSQL for settlement audit trail")
	return &Store{pool: pool}, nil
}

// Close gracefully closes the connection pool
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema loads and executes the schema.sql file
func (s *Store) InitSchema() error {
	schemaBytes, err := os.ReadFile("internal/db/schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema file: %v", err)
	}

	_, err = s.pool.Exec(context.Background(), string(schemaBytes))
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}

	log.Println("Settlement audit schema initialized")
	return nil
}

// SaveIntent upserts the intent row when processing begins.
func (s *Store) SaveIntent(ctx context.Context, intent models.Intent) error {
	sql := `
		INSERT INTO intents (intent_id, user_addr, token_in, token_out, amount_in, min_amount_out, deadline, status, block_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (intent_id) DO UPDATE
		SET status = EXCLUDED.status, updated_at = NOW();
	`
	_, err := s.pool.Exec(ctx, sql,
		intent.ID.Hex(),
		intent.User.Hex(),
		intent.TokenIn.Hex(),
		intent.TokenOut.Hex(),
		intent.AmountIn.String(),
		intent.MinAmountOut.String(),
		intent.Deadline,
		string(intent.Status),
		intent.BlockNumber,
	)
	return err
}

// UpdateIntentStatus records a lifecycle transition.
func (s *Store) UpdateIntentStatus(ctx context.Context, intentID string, status string) error {
	sql := `UPDATE intents SET status = $1, updated_at = NOW() WHERE intent_id = $2`
	_, err := s.pool.Exec(ctx, sql, status, intentID)
	return err
}

// SaveSettlement records a successful on-chain submission with its
// per-party allocations.
func (s *Store) SaveSettlement(ctx context.Context, intentID, txHash string, allocations []models.Allocation) error {
	allocJSON, err := json.Marshal(allocations)
	if err != nil {
		return fmt.Errorf("failed to marshal allocations: %v", err)
	}
	sql := `
		INSERT INTO settlements (settlement_id, intent_id, tx_hash, allocations)
		VALUES ($1, $2, $3, $4);
	`
	_, err = s.pool.Exec(ctx, sql, uuid.New().String(), intentID, txHash, allocJSON)
	return err
}

// IntentRecord is the audit row shape served by the operator API.
type IntentRecord struct {
	IntentID     string `json:"intentId"`
	UserAddr     string `json:"user"`
	TokenIn      string `json:"tokenIn"`
	TokenOut     string `json:"tokenOut"`
	AmountIn     string `json:"amountIn"`
	MinAmountOut string `json:"minAmountOut"`
	Status       string `json:"status"`
}

// RecentIntents lists the latest audit rows for the operator API.
func (s *Store) RecentIntents(ctx context.Context, limit int) ([]IntentRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	sql := `
		SELECT intent_id, user_addr, token_in, token_out, amount_in, min_amount_out, status
		FROM intents
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IntentRecord
	for rows.Next() {
		var rec IntentRecord
		if err := rows.Scan(&rec.IntentID, &rec.UserAddr, &rec.TokenIn, &rec.TokenOut,
			&rec.AmountIn, &rec.MinAmountOut, &rec.Status); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if out == nil {
		out = []IntentRecord{}
	}
	return out, rows.Err()
}
