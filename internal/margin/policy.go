package margin

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/riskengine/internal/domain"
)

// PolicyVersion identifies the built-in default policy table. It is logged with
// every fallback so operators can tell which defaults priced an order.
const PolicyVersion = "2024.10"

// Policy is the default margin and charge schedule for one segment/product pair.
// Rates are fractions of turnover except GST, which applies to brokerage plus
// transaction charges.
type Policy struct {
	Leverage decimal.Decimal

	// Brokerage is BrokerageFlat when set, else min(BrokerageCap, turnover x BrokerageRate).
	BrokerageFlat *decimal.Decimal
	BrokerageRate decimal.Decimal
	BrokerageCap  decimal.Decimal

	STTRate         decimal.Decimal
	TransactionRate decimal.Decimal
	StampRate       decimal.Decimal
}

var (
	gstRate = decimal.RequireFromString("0.18")

	leverageEquityIntraday = decimal.NewFromInt(200)
	leverageEquityDelivery = decimal.NewFromInt(50)
	leverageDerivatives    = decimal.NewFromInt(100)
	leverageCommodities    = decimal.NewFromInt(50)
	leverageUnleveraged    = decimal.NewFromInt(1)

	brokerageCap  = decimal.NewFromInt(20)
	brokerageRate = decimal.RequireFromString("0.0003")
	flatTwenty    = decimal.NewFromInt(20)
)

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }

func pct(s string) decimal.Decimal {
	return decimal.RequireFromString(s).Div(decimal.NewFromInt(100))
}

// DefaultPolicy returns the built-in schedule for a segment and product. It is
// consulted only when no active MarginConfig row exists.
func DefaultPolicy(segment domain.Segment, product domain.ProductType) Policy {
	switch segment.Class() {
	case domain.ClassEquity:
		switch product {
		case domain.ProductMIS:
			return Policy{
				Leverage:        leverageEquityIntraday,
				BrokerageRate:   brokerageRate,
				BrokerageCap:    brokerageCap,
				STTRate:         pct("0.025"),
				TransactionRate: pct("0.00297"),
				StampRate:       pct("0.003"),
			}
		case domain.ProductCNC:
			return Policy{
				Leverage:        leverageEquityDelivery,
				BrokerageFlat:   ptr(decimal.Zero),
				STTRate:         pct("0.1"),
				TransactionRate: pct("0.00297"),
				StampRate:       pct("0.015"),
			}
		}
		return Policy{
			Leverage:        leverageUnleveraged,
			BrokerageRate:   brokerageRate,
			BrokerageCap:    brokerageCap,
			STTRate:         pct("0.1"),
			TransactionRate: pct("0.00297"),
			StampRate:       pct("0.015"),
		}
	case domain.ClassDerivatives:
		if product == domain.ProductOPT {
			return Policy{
				Leverage:        leverageDerivatives,
				BrokerageFlat:   ptr(flatTwenty),
				STTRate:         pct("0.1"),
				TransactionRate: pct("0.03503"),
				StampRate:       pct("0.003"),
			}
		}
		return Policy{
			Leverage:        leverageDerivatives,
			BrokerageRate:   brokerageRate,
			BrokerageCap:    brokerageCap,
			STTRate:         pct("0.02"),
			TransactionRate: pct("0.00173"),
			StampRate:       pct("0.002"),
		}
	case domain.ClassCommodities:
		return Policy{
			Leverage:        leverageCommodities,
			BrokerageRate:   brokerageRate,
			BrokerageCap:    brokerageCap,
			STTRate:         pct("0.01"),
			TransactionRate: pct("0.0021"),
			StampRate:       pct("0.002"),
		}
	}
	return Policy{
		Leverage:        leverageUnleveraged,
		BrokerageRate:   brokerageRate,
		BrokerageCap:    brokerageCap,
		STTRate:         decimal.Zero,
		TransactionRate: pct("0.00035"),
		StampRate:       pct("0.0001"),
	}
}

// DefaultBrokerage applies the policy's brokerage formula to turnover.
func (p Policy) DefaultBrokerage(turnover decimal.Decimal) decimal.Decimal {
	if p.BrokerageFlat != nil {
		return *p.BrokerageFlat
	}
	return decimal.Min(p.BrokerageCap, turnover.Mul(p.BrokerageRate))
}
