package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Transaction is a canonical spend-event row, independent of the source
// file's column layout. Amounts are signed GBP. The triple
// (OrgID, SourceFile, RowHash) is the idempotency key: re-ingesting the
// same file cannot create duplicates.
type Transaction struct {
	OrgID       int64     `json:"org_id"`
	Date        time.Time `json:"date"`
	Amount      float64   `json:"amount"`
	VendorRaw   string    `json:"vendor_raw"`
	VendorKey   string    `json:"vendor_key"`
	Category    string    `json:"category"`
	Subcategory string    `json:"subcategory,omitempty"`
	Department  string    `json:"department,omitempty"`
	Reference   string    `json:"reference,omitempty"`
	SourceFile  string    `json:"source_file"`
	RowHash     string    `json:"row_hash"`
}

// ComputeRowHash derives the natural row identity from date, amount, vendor
// and reference. It is stable across re-parses of the same source row.
func (t *Transaction) ComputeRowHash() {
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%.2f|%s|%s",
		t.Date.Format("2006-01-02"), t.Amount, t.VendorRaw, t.Reference))
	t.RowHash = hex.EncodeToString(h[:])
}
