package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/riskengine/internal/domain"
)

// ConfigStore implements domain.ConfigStore using PostgreSQL.
type ConfigStore struct {
	pool *pgxpool.Pool
}

// NewConfigStore creates a new ConfigStore backed by the given connection pool.
func NewConfigStore(pool *pgxpool.Pool) *ConfigStore {
	return &ConfigStore{pool: pool}
}

// ListMarginConfigs returns every margin_configs row, active or not.
func (s *ConfigStore) ListMarginConfigs(ctx context.Context) ([]domain.MarginConfig, error) {
	const query = `
		SELECT segment, product_type, leverage, brokerage_flat, brokerage_rate,
			brokerage_cap, margin_rate, max_order_value, max_positions, active
		FROM margin_configs`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list margin configs: %w", err)
	}
	defer rows.Close()

	var configs []domain.MarginConfig
	for rows.Next() {
		var c domain.MarginConfig
		var segment, product string
		if err := rows.Scan(
			&segment, &product, &c.Leverage, &c.BrokerageFlat, &c.BrokerageRate,
			&c.BrokerageCap, &c.MarginRate, &c.MaxOrderValue, &c.MaxPositions, &c.Active,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan margin config: %w", err)
		}
		c.Segment = domain.ParseSegment(segment)
		c.ProductType = domain.ParseProductType(product)
		configs = append(configs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list margin configs rows: %w", err)
	}
	return configs, nil
}

// GetRiskThresholds returns the thresholds row for accountID. The empty
// account id addresses the global row.
func (s *ConfigStore) GetRiskThresholds(ctx context.Context, accountID string) (domain.RiskThresholds, error) {
	const query = `
		SELECT warning_threshold, auto_close_threshold
		FROM risk_thresholds WHERE account_id = $1`

	var t domain.RiskThresholds
	err := s.pool.QueryRow(ctx, query, accountID).Scan(&t.WarningThreshold, &t.AutoCloseThreshold)
	if err != nil {
		if notFound(err) {
			return domain.RiskThresholds{}, domain.ErrNotFound
		}
		return domain.RiskThresholds{}, fmt.Errorf("postgres: get risk thresholds %q: %w", accountID, err)
	}
	return t, nil
}
