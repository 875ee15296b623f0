// Package schema maps source CSV column headers onto the canonical
// transaction fields. Resolution is hybrid: hand-authored layouts first,
// then a two-tier cache, then a language-model classification call whose
// result is persisted for every future source with the same headers.
package schema

import (
	_ "embed"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/opencouncil/spendsync/internal/model"
)

//go:embed layouts.yaml
var layoutsYAML []byte

// Layout is a hand-authored header signature plus its field mapping. A layout
// matches when every signature token is contained, case-insensitively, in at
// least one header. Mapping values are substring tokens resolved to the
// actual header names of the matched file.
type Layout struct {
	Name      string            `yaml:"name"`
	Signature []string          `yaml:"signature"`
	Mapping   map[string]string `yaml:"mapping"`
}

type layoutFile struct {
	Layouts []Layout `yaml:"layouts"`
}

// LoadLayouts parses the embedded layout catalogue. Order is significant:
// more specific signatures come before layouts they are supersets of.
func LoadLayouts() ([]Layout, error) {
	var f layoutFile
	if err := yaml.Unmarshal(layoutsYAML, &f); err != nil {
		return nil, eris.Wrap(err, "schema: parse layouts")
	}
	return f.Layouts, nil
}

// Matches reports whether every signature token appears in some header.
func (l Layout) Matches(headers []string) bool {
	for _, token := range l.Signature {
		if findHeader(headers, token) == "" {
			return false
		}
	}
	return true
}

// Apply resolves the layout's mapping tokens against the actual headers.
// Optional fields whose token is absent are left empty.
func (l Layout) Apply(headers []string) *model.ColumnMapping {
	m := &model.ColumnMapping{
		Date:        findHeader(headers, l.Mapping["date"]),
		Amount:      findHeader(headers, l.Mapping["amount"]),
		Vendor:      findHeader(headers, l.Mapping["vendor"]),
		Category:    findHeader(headers, l.Mapping["category"]),
		Subcategory: findHeader(headers, l.Mapping["subcategory"]),
		Department:  findHeader(headers, l.Mapping["department"]),
		Reference:   findHeader(headers, l.Mapping["reference"]),
	}
	if !m.Complete() {
		return nil
	}
	return m
}

// findHeader returns the first header containing token, case-insensitively.
// An empty token never matches.
func findHeader(headers []string, token string) string {
	if token == "" {
		return ""
	}
	token = strings.ToLower(token)
	for _, h := range headers {
		if strings.Contains(strings.ToLower(h), token) {
			return h
		}
	}
	return ""
}

// MatchStatic tests headers against the ordered layout catalogue and returns
// the first matching layout's resolved mapping, or nil if none match.
func MatchStatic(layouts []Layout, headers []string) *model.ColumnMapping {
	for _, l := range layouts {
		if l.Matches(headers) {
			if m := l.Apply(headers); m != nil {
				return m
			}
		}
	}
	return nil
}
