package domain

import "strings"

// Segment is the exchange segment an instrument trades on.
type Segment string

const (
	SegmentNSE Segment = "NSE" // equity cash
	SegmentBSE Segment = "BSE" // equity cash
	SegmentNFO Segment = "NFO" // equity derivatives
	SegmentBFO Segment = "BFO" // equity derivatives
	SegmentMCX Segment = "MCX" // commodity derivatives
	SegmentCDS Segment = "CDS" // currency derivatives
)

// SegmentClass groups segments that share margin and charge rules.
type SegmentClass string

const (
	ClassEquity      SegmentClass = "equity"
	ClassDerivatives SegmentClass = "derivatives"
	ClassCommodities SegmentClass = "commodities"
	ClassOther       SegmentClass = "other"
)

// Class returns the margin class of the segment.
func (s Segment) Class() SegmentClass {
	switch s {
	case SegmentNSE, SegmentBSE:
		return ClassEquity
	case SegmentNFO, SegmentBFO:
		return ClassDerivatives
	case SegmentMCX:
		return ClassCommodities
	default:
		return ClassOther
	}
}

// Valid reports whether s is a known segment.
func (s Segment) Valid() bool {
	switch s {
	case SegmentNSE, SegmentBSE, SegmentNFO, SegmentBFO, SegmentMCX, SegmentCDS:
		return true
	}
	return false
}

// ProductType is the product an order is placed under.
type ProductType string

const (
	ProductMIS  ProductType = "MIS"  // intraday
	ProductCNC  ProductType = "CNC"  // equity delivery
	ProductNRML ProductType = "NRML" // carry-forward derivatives
	ProductFUT  ProductType = "FUT"  // futures
	ProductOPT  ProductType = "OPT"  // options
)

// Valid reports whether p is a known product type.
func (p ProductType) Valid() bool {
	switch p {
	case ProductMIS, ProductCNC, ProductNRML, ProductFUT, ProductOPT:
		return true
	}
	return false
}

// ParseSegment normalises a client-supplied segment string.
func ParseSegment(s string) Segment {
	return Segment(strings.ToUpper(strings.TrimSpace(s)))
}

// ParseProductType normalises a client-supplied product type string.
func ParseProductType(s string) ProductType {
	return ProductType(strings.ToUpper(strings.TrimSpace(s)))
}
