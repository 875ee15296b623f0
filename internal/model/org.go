// Package model defines the persisted record types shared across the
// enrichment and ingestion pipelines.
package model

import "time"

// Org is a public-sector buyer organization being enriched. The boolean/URL
// gating fields (Website, ProfileCheckedAt, LinksCheckedAt, PendingFiles,
// Dirty) drive stage candidate queries; EnrichmentSources is an append-only
// audit trail of which stages have touched the record.
type Org struct {
	ID                int64       `json:"id"`
	Name              string      `json:"name"`
	Kind              string      `json:"kind,omitempty"` // council, nhs-trust, police, fire, other
	Website           string      `json:"website,omitempty"`
	CompanyNumber     string      `json:"company_number,omitempty"`
	ProfileCheckedAt  *time.Time  `json:"profile_checked_at,omitempty"`
	LinksCheckedAt    *time.Time  `json:"links_checked_at,omitempty"`
	SpendLinks        []SpendLink `json:"spend_links,omitempty"`
	PendingFiles      int         `json:"pending_files"`
	Dirty             bool        `json:"dirty"`
	EnrichmentSources []string    `json:"enrichment_sources,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// SpendLink is a discovered spending-data file on an organization's
// transparency pages.
type SpendLink struct {
	URL        string     `json:"url"`
	Ingested   bool       `json:"ingested"`
	IngestedAt *time.Time `json:"ingested_at,omitempty"`
	Note       string     `json:"note,omitempty"` // e.g. "unmappable layout"
}

// HasSource reports whether a stage has already tagged this org.
func (o *Org) HasSource(source string) bool {
	for _, s := range o.EnrichmentSources {
		if s == source {
			return true
		}
	}
	return false
}
