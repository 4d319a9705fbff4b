package risk

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/mbd888/abuseguard/internal/pagination"
)

// PostgresStore persists assessments in the risk_assessments table created
// by the embedded migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, a *RiskAssessment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (
			id, identifier, is_bot, confidence, reason_code, suspicion_score,
			risk_level, recommendation, flags, evaluated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		a.ID,
		a.Identifier,
		a.IsBot,
		a.Confidence,
		string(a.ReasonCode),
		a.SuspicionScore,
		string(a.RiskLevel),
		string(a.Recommendation),
		pq.Array(nonNil(a.Flags)),
		a.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByIdentifier(ctx context.Context, identifier string, before *pagination.Cursor, limit int) ([]*RiskAssessment, error) {
	if limit <= 0 {
		limit = DefaultHistoryPerIdentifier
	}
	var (
		rows *sql.Rows
		err  error
	)
	if before == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, identifier, is_bot, confidence, reason_code, suspicion_score,
			       risk_level, recommendation, flags, evaluated_at
			FROM risk_assessments
			WHERE identifier = $1
			ORDER BY evaluated_at DESC, id DESC
			LIMIT $2
		`, identifier, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, identifier, is_bot, confidence, reason_code, suspicion_score,
			       risk_level, recommendation, flags, evaluated_at
			FROM risk_assessments
			WHERE identifier = $1 AND (evaluated_at, id::text) < ($2, $3)
			ORDER BY evaluated_at DESC, id DESC
			LIMIT $4
		`, identifier, before.At, before.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list risk assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := []*RiskAssessment{}
	for rows.Next() {
		var a RiskAssessment
		var flags pq.StringArray
		if err := rows.Scan(
			&a.ID, &a.Identifier, &a.IsBot, &a.Confidence, &a.ReasonCode, &a.SuspicionScore,
			&a.RiskLevel, &a.Recommendation, &flags, &a.EvaluatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan risk assessment: %w", err)
		}
		a.Flags = nonNil(flags)
		a.EvaluatedAt = a.EvaluatedAt.UTC()
		result = append(result, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate risk assessments: %w", err)
	}
	return result, nil
}

// Ping checks database connectivity for health probes.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
