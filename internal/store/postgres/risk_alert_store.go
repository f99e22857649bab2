package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/riskengine/internal/domain"
)

// RiskAlertStore implements domain.RiskAlertStore using PostgreSQL.
type RiskAlertStore struct {
	pool *pgxpool.Pool
}

// NewRiskAlertStore creates a new RiskAlertStore backed by the given connection pool.
func NewRiskAlertStore(pool *pgxpool.Pool) *RiskAlertStore {
	return &RiskAlertStore{pool: pool}
}

const riskAlertSelectCols = `id, account_id, kind, used_ratio, threshold, position_id,
	symbol, unrealized_pnl, close_price, message, created_at`

func scanRiskAlert(row pgx.Row) (domain.RiskAlert, error) {
	var a domain.RiskAlert
	var kind string
	err := row.Scan(
		&a.ID, &a.AccountID, &kind, &a.UsedRatio, &a.Threshold, &a.PositionID,
		&a.Symbol, &a.UnrealizedPnL, &a.ClosePrice, &a.Message, &a.CreatedAt,
	)
	if err != nil {
		return domain.RiskAlert{}, err
	}
	a.Kind = domain.RiskAlertKind(kind)
	return a, nil
}

func collectRiskAlerts(rows pgx.Rows) ([]domain.RiskAlert, error) {
	defer rows.Close()
	var alerts []domain.RiskAlert
	for rows.Next() {
		a, err := scanRiskAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func insertRiskAlert(ctx context.Context, q querier, a domain.RiskAlert) error {
	const query = `
		INSERT INTO risk_alerts (
			id, account_id, kind, used_ratio, threshold, position_id,
			symbol, unrealized_pnl, close_price, message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := q.Exec(ctx, query,
		a.ID, a.AccountID, string(a.Kind), a.UsedRatio, a.Threshold, a.PositionID,
		a.Symbol, a.UnrealizedPnL, a.ClosePrice, a.Message, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert risk alert %s: %w", a.ID, err)
	}
	return nil
}

// Insert persists an alert outside any ledger transaction.
func (s *RiskAlertStore) Insert(ctx context.Context, alert domain.RiskAlert) error {
	return insertRiskAlert(ctx, s.pool, alert)
}

// LatestByKind returns the most recent alert of a kind for an account.
func (s *RiskAlertStore) LatestByKind(ctx context.Context, accountID string, kind domain.RiskAlertKind) (domain.RiskAlert, error) {
	query := `SELECT ` + riskAlertSelectCols + ` FROM risk_alerts
		WHERE account_id = $1 AND kind = $2
		ORDER BY created_at DESC
		LIMIT 1`

	a, err := scanRiskAlert(s.pool.QueryRow(ctx, query, accountID, string(kind)))
	if err != nil {
		if notFound(err) {
			return domain.RiskAlert{}, domain.ErrNotFound
		}
		return domain.RiskAlert{}, fmt.Errorf("postgres: latest %s alert for %s: %w", kind, accountID, err)
	}
	return a, nil
}

// ListByAccount returns alerts for an account, newest first. An empty account
// lists alerts across all accounts.
func (s *RiskAlertStore) ListByAccount(ctx context.Context, accountID string, opts domain.ListOpts) ([]domain.RiskAlert, error) {
	query := `SELECT ` + riskAlertSelectCols + ` FROM risk_alerts WHERE 1=1`
	var args []any
	if accountID != "" {
		query += " AND account_id = $1"
		args = append(args, accountID)
	}
	query, args = withListOpts(query, args, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list risk alerts: %w", err)
	}
	alerts, err := collectRiskAlerts(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan risk alerts: %w", err)
	}
	return alerts, nil
}

// ListBefore returns alerts raised strictly before the cutoff.
func (s *RiskAlertStore) ListBefore(ctx context.Context, before time.Time) ([]domain.RiskAlert, error) {
	query := `SELECT ` + riskAlertSelectCols + ` FROM risk_alerts
		WHERE created_at < $1
		ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list risk alerts before %s: %w", before.Format(time.RFC3339), err)
	}
	alerts, err := collectRiskAlerts(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan archived risk alerts: %w", err)
	}
	return alerts, nil
}
