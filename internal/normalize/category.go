package normalize

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// CategoryRule maps any of a set of keywords (matched as lower-cased
// substrings) to a canonical category. Rules are evaluated in order, first
// match wins, so specific keywords must come before broad ones.
type CategoryRule struct {
	Keywords []string `yaml:"keywords" mapstructure:"keywords"`
	Category string   `yaml:"category" mapstructure:"category"`
}

// DefaultCategoryRules is the built-in taxonomy for UK council spend
// descriptions. Deployments tune this through configuration.
func DefaultCategoryRules() []CategoryRule {
	return []CategoryRule{
		{Keywords: []string{"adult social care", "social care", "care home", "residential care"}, Category: "Adult Social Care"},
		{Keywords: []string{"children", "childcare", "fostering", "safeguarding"}, Category: "Children's Services"},
		{Keywords: []string{"education", "school", "sen "}, Category: "Education"},
		{Keywords: []string{"public health", "health"}, Category: "Public Health"},
		{Keywords: []string{"highway", "transport", "road", "street lighting"}, Category: "Highways & Transport"},
		{Keywords: []string{"housing", "homeless", "temporary accommodation"}, Category: "Housing"},
		{Keywords: []string{"waste", "recycling", "refuse"}, Category: "Waste & Recycling"},
		{Keywords: []string{"environment", "parks", "grounds"}, Category: "Environment"},
		{Keywords: []string{"ict", "software", "computing", "it services", "telephony"}, Category: "ICT"},
		{Keywords: []string{"consultan", "legal", "audit", "professional fees"}, Category: "Professional Services"},
		{Keywords: []string{"premises", "facilities", "maintenance", "repairs", "construction"}, Category: "Premises & Construction"},
		{Keywords: []string{"electricity", "gas", "water", "energy", "utilities"}, Category: "Utilities"},
		{Keywords: []string{"agency staff", "salaries", "payroll", "staffing", "recruitment"}, Category: "Staffing"},
	}
}

var titleCaser = cases.Title(language.BritishEnglish)

// Categorize maps a raw category/description cell onto the taxonomy.
// Unmatched input falls back to a title-cased rendering of itself (the
// source's own wording is more useful than a generic bucket); only truly
// empty input becomes "Other".
func Categorize(raw string, rules []CategoryRule) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "Other"
	}

	lower := strings.ToLower(s)
	for _, rule := range rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(lower, kw) {
				return rule.Category
			}
		}
	}

	return titleCaser.String(lower)
}
