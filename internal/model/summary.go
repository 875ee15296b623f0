package model

import "time"

// Summary is the fully derived per-organization spend profile. It is
// recomputed wholesale from the organization's transactions on every
// aggregation pass and never patched incrementally, so it is always safe to
// discard and rebuild.
type Summary struct {
	OrgID            int64           `json:"org_id"`
	TotalSpend       float64         `json:"total_spend"`
	TransactionCount int             `json:"transaction_count"`
	FirstDate        time.Time       `json:"first_date"`
	LastDate         time.Time       `json:"last_date"`
	Categories       []CategoryTotal `json:"categories"`
	Vendors          []VendorTotal   `json:"vendors"` // top 50 by spend
	Monthly          []MonthTotal    `json:"monthly"`

	SmallVendorSpend   float64 `json:"small_vendor_spend"`
	LargeVendorSpend   float64 `json:"large_vendor_spend"`
	SmallVendorCount   int     `json:"small_vendor_count"`
	LargeVendorCount   int     `json:"large_vendor_count"`
	SmallVendorTxCount int     `json:"small_vendor_tx_count"`
	LargeVendorTxCount int     `json:"large_vendor_tx_count"`

	OpennessScore  int `json:"openness_score"`
	StabilityScore int `json:"stability_score"`
}

// CategoryTotal is a per-category spend rollup.
type CategoryTotal struct {
	Category string  `json:"category"`
	Spend    float64 `json:"spend"`
	Count    int     `json:"count"`
}

// VendorTotal is a per-vendor spend rollup, keyed by normalized vendor key.
type VendorTotal struct {
	VendorKey  string  `json:"vendor_key"`
	VendorName string  `json:"vendor_name"` // most common raw rendering
	Spend      float64 `json:"spend"`
	Count      int     `json:"count"`
}

// MonthTotal is one point of the monthly time series, keyed "YYYY-MM".
type MonthTotal struct {
	Month string  `json:"month"`
	Spend float64 `json:"spend"`
	Count int     `json:"count"`
}
