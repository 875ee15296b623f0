package model

import "time"

// ColumnMapping maps canonical transaction fields to source column headers.
// Date, Amount and Vendor are required for a usable mapping; the rest are
// optional and empty when the source layout has no such column.
type ColumnMapping struct {
	Date        string `json:"date"`
	Amount      string `json:"amount"`
	Vendor      string `json:"vendor"`
	Category    string `json:"category,omitempty"`
	Subcategory string `json:"subcategory,omitempty"`
	Department  string `json:"department,omitempty"`
	Reference   string `json:"reference,omitempty"`
}

// Complete reports whether the three required fields are mapped.
func (m *ColumnMapping) Complete() bool {
	return m != nil && m.Date != "" && m.Amount != "" && m.Vendor != ""
}

// MappingEntry is one persisted schema-cache row. A nil Mapping is a
// tombstone: the layout was classified before and found unmappable, so the
// expensive fallback must not be paid again.
type MappingEntry struct {
	HeaderHash string         `json:"header_hash"`
	Mapping    *ColumnMapping `json:"mapping,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
