package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencouncil/spendsync/pkg/llm"
)

type fakeLLM struct {
	text string
	err  error
}

func (f *fakeLLM) Complete(_ context.Context, _ llm.Request) (*llm.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Text: f.text}, nil
}

func TestClassify(t *testing.T) {
	c := NewLLMClassifier(&fakeLLM{text: `The mapping is:
{"date": "Paid Date", "amount": "Gross", "vendor": "Payee", "category": "Type"}`}, "test-model")

	headers := []string{"Paid Date", "Gross", "Payee", "Type", "Notes"}
	m, err := c.Classify(context.Background(), headers, [][]string{{"01/02/2024", "100.00", "ACME Ltd", "Works", ""}})
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "Paid Date", m.Date)
	assert.Equal(t, "Gross", m.Amount)
	assert.Equal(t, "Payee", m.Vendor)
	assert.Equal(t, "Type", m.Category)
	assert.Empty(t, m.Reference)
}

func TestClassify_Unmappable(t *testing.T) {
	c := NewLLMClassifier(&fakeLLM{text: `{"unmappable": true}`}, "test-model")
	m, err := c.Classify(context.Background(), []string{"A", "B"}, nil)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestClassify_HallucinatedHeaderRejected(t *testing.T) {
	// The reply names a header that does not exist; the required-field check
	// fails and the layout is treated as unmappable.
	c := NewLLMClassifier(&fakeLLM{text: `{"date": "Invented", "amount": "Gross", "vendor": "Payee"}`}, "test-model")
	m, err := c.Classify(context.Background(), []string{"Gross", "Payee"}, nil)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestClassify_NoJSON(t *testing.T) {
	c := NewLLMClassifier(&fakeLLM{text: "I cannot help with that."}, "test-model")
	_, err := c.Classify(context.Background(), []string{"A"}, nil)
	require.Error(t, err)
}
