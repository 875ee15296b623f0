package stages

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/opencouncil/spendsync/internal/model"
	"github.com/opencouncil/spendsync/internal/pipeline"
	"github.com/opencouncil/spendsync/pkg/websearch"
)

// Enrich returns the enrichment pipeline's stages in order: find the
// official website, match a register profile, then discover spend-file
// links on the website.
func Enrich(d Deps) []pipeline.Stage {
	return []pipeline.Stage{
		{
			Name: "website",
			Run: func(ctx context.Context, job *model.Job, budget int) (int, bool, error) {
				return pipeline.BatchLoop(ctx, job, budget, pipeline.BatchConfig{
					Jobs:      d.Store,
					Fetch:     d.Store.OrgsNeedingWebsite,
					Process:   d.findWebsite,
					BatchSize: d.BatchSize,
				})
			},
			One: d.findWebsite,
		},
		{
			Name: "profile",
			Run: func(ctx context.Context, job *model.Job, budget int) (int, bool, error) {
				return pipeline.BatchLoop(ctx, job, budget, pipeline.BatchConfig{
					Jobs:      d.Store,
					Fetch:     d.Store.OrgsNeedingProfile,
					Process:   d.matchProfile,
					BatchSize: d.BatchSize,
				})
			},
			One: d.matchProfile,
		},
		{
			Name: "links",
			Run: func(ctx context.Context, job *model.Job, budget int) (int, bool, error) {
				return pipeline.BatchLoop(ctx, job, budget, pipeline.BatchConfig{
					Jobs:      d.Store,
					Fetch:     d.Store.OrgsNeedingLinks,
					Process:   d.discoverLinks,
					BatchSize: d.BatchSize,
				})
			},
			One: d.discoverLinks,
		},
	}
}

// publicSectorSuffixes rank search hits: an official domain beats whatever
// the search engine put first.
var publicSectorSuffixes = []string{".gov.uk", ".nhs.uk", ".police.uk", ".sch.uk", ".ac.uk"}

func (d Deps) findWebsite(ctx context.Context, org model.Org) error {
	results, err := d.Search.Search(ctx, org.Name+" official website", 5)
	if err != nil {
		return eris.Wrapf(err, "stages: search website for %q", org.Name)
	}
	website := pickWebsite(results)
	if website == "" {
		zap.L().Info("no website found", zap.Int64("org_id", org.ID), zap.String("name", org.Name))
		// Tag so a later sweep can distinguish "searched, nothing found"
		// from "never searched".
		return d.Store.TagOrg(ctx, org.ID, SourceWebsite)
	}
	if err := d.Store.SetOrgWebsite(ctx, org.ID, website); err != nil {
		return err
	}
	return d.Store.TagOrg(ctx, org.ID, SourceWebsite)
}

// pickWebsite prefers the first hit on an official public-sector domain,
// falling back to the top hit.
func pickWebsite(results []websearch.Result) string {
	for _, r := range results {
		host := hostOf(r.URL)
		for _, suffix := range publicSectorSuffixes {
			if strings.HasSuffix(host, suffix) {
				return r.URL
			}
		}
	}
	if len(results) > 0 {
		return results[0].URL
	}
	return ""
}

func (d Deps) matchProfile(ctx context.Context, org model.Org) error {
	matches, err := d.Companies.Lookup(ctx, []string{org.Name})
	if err != nil {
		return eris.Wrapf(err, "stages: profile lookup for %q", org.Name)
	}

	companyNumber := ""
	minScore := d.MinMatchScore
	if minScore <= 0 {
		minScore = 0.8
	}
	for _, m := range matches {
		if m.Score >= minScore {
			companyNumber = m.CompanyNumber
			zap.L().Debug("profile matched",
				zap.Int64("org_id", org.ID),
				zap.String("company_number", m.CompanyNumber),
				zap.Float64("score", m.Score))
			break
		}
	}

	// profile_checked_at is set either way; weak matches just leave the
	// number empty.
	if err := d.Store.SetOrgProfile(ctx, org.ID, companyNumber); err != nil {
		return err
	}
	return d.Store.TagOrg(ctx, org.ID, SourceProfile)
}

func (d Deps) discoverLinks(ctx context.Context, org model.Org) error {
	urls, err := d.scrapeSpendLinks(ctx, org.Website)
	if err != nil {
		return eris.Wrapf(err, "stages: discover links for org %d", org.ID)
	}

	links := make([]model.SpendLink, 0, len(urls))
	for _, u := range urls {
		links = append(links, model.SpendLink{URL: u})
	}
	zap.L().Info("spend links discovered",
		zap.Int64("org_id", org.ID),
		zap.String("website", org.Website),
		zap.Int("links", len(links)))

	if err := d.Store.SetOrgSpendLinks(ctx, org.ID, links); err != nil {
		return err
	}
	return d.Store.TagOrg(ctx, org.ID, SourceLinks)
}
