package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/opencouncil/spendsync/internal/model"
	"github.com/opencouncil/spendsync/pkg/llm"
)

// Classifier maps an unrecognized header set to canonical fields, or reports
// the layout unmappable with a nil mapping.
type Classifier interface {
	Classify(ctx context.Context, headers []string, sampleRows [][]string) (*model.ColumnMapping, error)
}

const classifySystem = `You map spreadsheet column headers from UK public-sector spend reports onto canonical transaction fields. Reply with a single JSON object and nothing else. Keys: date, amount, vendor, category, subcategory, department, reference. Each value must be one of the given headers, copied exactly. Omit keys you cannot map. date, amount and vendor are required; if you cannot identify all three, reply with the JSON object {"unmappable": true}.`

// LLMClassifier implements Classifier over a completion client.
type LLMClassifier struct {
	client    llm.Client
	model     string
	maxTokens int64
}

// NewLLMClassifier creates a classifier. model must name a completion model
// the backing client accepts.
func NewLLMClassifier(client llm.Client, modelName string) *LLMClassifier {
	return &LLMClassifier{client: client, model: modelName, maxTokens: 1024}
}

// SetMaxTokens overrides the completion budget for classification calls.
func (c *LLMClassifier) SetMaxTokens(n int64) {
	if n > 0 {
		c.maxTokens = n
	}
}

type classifyReply struct {
	Unmappable  bool   `json:"unmappable"`
	Date        string `json:"date"`
	Amount      string `json:"amount"`
	Vendor      string `json:"vendor"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory"`
	Department  string `json:"department"`
	Reference   string `json:"reference"`
}

func (c *LLMClassifier) Classify(ctx context.Context, headers []string, sampleRows [][]string) (*model.ColumnMapping, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Headers:\n%s\n", strings.Join(headers, " | "))
	if len(sampleRows) > 0 {
		b.WriteString("\nSample rows:\n")
		for i, row := range sampleRows {
			if i >= 3 {
				break
			}
			fmt.Fprintf(&b, "%s\n", strings.Join(row, " | "))
		}
	}

	resp, err := c.client.Complete(ctx, llm.Request{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    classifySystem,
		Prompt:    b.String(),
	})
	if err != nil {
		return nil, eris.Wrap(err, "schema: classify headers")
	}
	resp.Usage.Log(c.model, "classify_headers")

	raw, ok := extractJSONObject(resp.Text)
	if !ok {
		return nil, eris.Errorf("schema: no JSON object in classifier response: %q", truncate(resp.Text, 200))
	}

	var reply classifyReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, eris.Wrap(err, "schema: decode classifier response")
	}
	if reply.Unmappable {
		return nil, nil
	}

	mapping := &model.ColumnMapping{
		Date:        matchExact(headers, reply.Date),
		Amount:      matchExact(headers, reply.Amount),
		Vendor:      matchExact(headers, reply.Vendor),
		Category:    matchExact(headers, reply.Category),
		Subcategory: matchExact(headers, reply.Subcategory),
		Department:  matchExact(headers, reply.Department),
		Reference:   matchExact(headers, reply.Reference),
	}
	if !mapping.Complete() {
		zap.L().Warn("classifier reply missing required fields, treating layout as unmappable",
			zap.Strings("headers", headers))
		return nil, nil
	}
	return mapping, nil
}

// matchExact validates that the classifier named a real header, tolerating
// case and surrounding whitespace drift.
func matchExact(headers []string, name string) string {
	if name == "" {
		return ""
	}
	want := strings.ToLower(strings.TrimSpace(name))
	for _, h := range headers {
		if strings.ToLower(strings.TrimSpace(h)) == want {
			return h
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
