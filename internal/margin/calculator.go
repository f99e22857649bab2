// Package margin computes required margin, leverage and trading charges for a
// prospective order. Calculate and Validate are pure; Calculator adds the
// configuration lookup and reports every use of the default policy table.
package margin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/riskengine/internal/domain"
)

// Source records where a priced value came from.
type Source string

const (
	SourceConfig  Source = "config"
	SourceDefault Source = "default"
)

// Input describes a prospective fill.
type Input struct {
	Segment     domain.Segment
	ProductType domain.ProductType
	Quantity    int64
	Price       decimal.Decimal
	LotSize     int64
}

// Result is the full margin and charge breakdown of an order.
type Result struct {
	Turnover           decimal.Decimal `json:"turnover"`
	Leverage           decimal.Decimal `json:"leverage"`
	RequiredMargin     decimal.Decimal `json:"required_margin"`
	Brokerage          decimal.Decimal `json:"brokerage"`
	STT                decimal.Decimal `json:"stt"`
	TransactionCharges decimal.Decimal `json:"transaction_charges"`
	GST                decimal.Decimal `json:"gst"`
	StampDuty          decimal.Decimal `json:"stamp_duty"`
	TotalCharges       decimal.Decimal `json:"total_charges"`
	TotalRequired      decimal.Decimal `json:"total_required"`

	LeverageSource  Source `json:"leverage_source"`
	BrokerageSource Source `json:"brokerage_source"`
	PolicyVersion   string `json:"policy_version"`

	MaxOrderValue *decimal.Decimal `json:"max_order_value,omitempty"`
	MaxPositions  *int             `json:"max_positions,omitempty"`
}

// UsedDefaults reports whether any part of the result came from the default
// policy table.
func (r Result) UsedDefaults() bool {
	return r.LeverageSource == SourceDefault || r.BrokerageSource == SourceDefault
}

// Calculate prices an order against cfg, which may be nil or inactive, in which
// case the default policy table supplies leverage and brokerage.
func Calculate(cfg *domain.MarginConfig, in Input) (Result, error) {
	if in.Quantity <= 0 {
		return Result{}, domain.NewValidationError("quantity", "must be positive")
	}
	if !in.Price.IsPositive() {
		return Result{}, domain.NewValidationError("price", "must be positive")
	}
	lot := in.LotSize
	if lot <= 0 {
		lot = 1
	}
	if in.Quantity%lot != 0 {
		return Result{}, domain.NewValidationError("quantity",
			fmt.Sprintf("must be a multiple of lot size %d", lot))
	}
	if cfg != nil && !cfg.Active {
		cfg = nil
	}

	policy := DefaultPolicy(in.Segment, in.ProductType)
	res := Result{
		Turnover:        in.Price.Mul(decimal.NewFromInt(in.Quantity)),
		PolicyVersion:   PolicyVersion,
		LeverageSource:  SourceDefault,
		BrokerageSource: SourceDefault,
	}

	res.Leverage = policy.Leverage
	if cfg != nil {
		switch {
		case cfg.Leverage != nil && cfg.Leverage.IsPositive():
			res.Leverage = *cfg.Leverage
			res.LeverageSource = SourceConfig
		case cfg.MarginRate != nil && cfg.MarginRate.IsPositive():
			res.Leverage = decimal.NewFromInt(1).Div(*cfg.MarginRate)
			res.LeverageSource = SourceConfig
		}
		res.MaxOrderValue = cfg.MaxOrderValue
		res.MaxPositions = cfg.MaxPositions
	}
	res.RequiredMargin = res.Turnover.Div(res.Leverage).Floor()

	res.Brokerage = policy.DefaultBrokerage(res.Turnover)
	if cfg != nil {
		switch {
		case cfg.BrokerageFlat != nil:
			res.Brokerage = *cfg.BrokerageFlat
			res.BrokerageSource = SourceConfig
		case cfg.BrokerageRate != nil:
			res.Brokerage = res.Turnover.Mul(*cfg.BrokerageRate)
			if cfg.BrokerageCap != nil {
				res.Brokerage = decimal.Min(res.Brokerage, *cfg.BrokerageCap)
			}
			res.BrokerageSource = SourceConfig
		}
	}
	res.Brokerage = res.Brokerage.Round(2)

	res.STT = res.Turnover.Mul(policy.STTRate).Round(2)
	res.TransactionCharges = res.Turnover.Mul(policy.TransactionRate).Round(2)
	res.GST = res.Brokerage.Add(res.TransactionCharges).Mul(gstRate).Round(2)
	res.StampDuty = res.Turnover.Mul(policy.StampRate).Round(2)
	res.TotalCharges = res.Brokerage.Add(res.STT).Add(res.TransactionCharges).Add(res.GST).Add(res.StampDuty)
	res.TotalRequired = res.RequiredMargin.Add(res.TotalCharges)
	return res, nil
}

// Validation is the outcome of comparing an account's free margin with an
// order's requirement.
type Validation struct {
	IsValid         bool            `json:"is_valid"`
	AvailableMargin decimal.Decimal `json:"available_margin"`
	RequiredAmount  decimal.Decimal `json:"required_amount"`
	Shortfall       decimal.Decimal `json:"shortfall"`
}

// Validate compares available margin against requiredMargin + totalCharges.
func Validate(available, requiredMargin, totalCharges decimal.Decimal) Validation {
	required := requiredMargin.Add(totalCharges)
	v := Validation{
		AvailableMargin: available,
		RequiredAmount:  required,
		Shortfall:       decimal.Zero,
		IsValid:         available.GreaterThanOrEqual(required),
	}
	if !v.IsValid {
		v.Shortfall = required.Sub(available)
	}
	return v
}

// Err converts a failed validation into a MarginInsufficientError.
func (v Validation) Err() error {
	if v.IsValid {
		return nil
	}
	return &domain.MarginInsufficientError{
		Required:  v.RequiredAmount,
		Available: v.AvailableMargin,
		Shortfall: v.Shortfall,
	}
}

// ConfigLookup resolves the MarginConfig for a segment and product. It returns
// nil when none is configured.
type ConfigLookup interface {
	MarginConfig(ctx context.Context, segment domain.Segment, product domain.ProductType) (*domain.MarginConfig, error)
}

// FallbackRecorder counts default-policy use.
type FallbackRecorder interface {
	RecordMarginFallback(segment domain.Segment, product domain.ProductType, field string)
}

// Calculator prices orders against administrative configuration.
type Calculator struct {
	configs  ConfigLookup
	recorder FallbackRecorder
	logger   *slog.Logger
}

// NewCalculator creates a Calculator. recorder may be nil.
func NewCalculator(configs ConfigLookup, recorder FallbackRecorder, logger *slog.Logger) *Calculator {
	return &Calculator{
		configs:  configs,
		recorder: recorder,
		logger:   logger.With(slog.String("component", "margin")),
	}
}

// CalculateMargin looks up the configuration for the order and prices it. A
// configuration read failure falls back to defaults instead of failing the order.
func (c *Calculator) CalculateMargin(ctx context.Context, in Input) (Result, error) {
	var cfg *domain.MarginConfig
	if c.configs != nil {
		var err error
		cfg, err = c.configs.MarginConfig(ctx, in.Segment, in.ProductType)
		if err != nil {
			c.logger.WarnContext(ctx, "margin: config lookup failed, using defaults",
				slog.String("segment", string(in.Segment)),
				slog.String("product_type", string(in.ProductType)),
				slog.String("error", err.Error()),
			)
			cfg = nil
		}
	}

	res, err := Calculate(cfg, in)
	if err != nil {
		return Result{}, err
	}
	if res.UsedDefaults() {
		c.logger.WarnContext(ctx, "margin: default policy used",
			slog.String("segment", string(in.Segment)),
			slog.String("product_type", string(in.ProductType)),
			slog.String("policy_version", res.PolicyVersion),
			slog.String("leverage_source", string(res.LeverageSource)),
			slog.String("brokerage_source", string(res.BrokerageSource)),
			slog.String("leverage", res.Leverage.String()),
		)
		if c.recorder != nil {
			if res.LeverageSource == SourceDefault {
				c.recorder.RecordMarginFallback(in.Segment, in.ProductType, "leverage")
			}
			if res.BrokerageSource == SourceDefault {
				c.recorder.RecordMarginFallback(in.Segment, in.ProductType, "brokerage")
			}
		}
	}
	return res, nil
}
