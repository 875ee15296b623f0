package websearch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "birmingham city council", r.URL.Query().Get("q"))
		assert.Equal(t, "3", r.URL.Query().Get("count"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[
			{"title":"Birmingham City Council","url":"https://www.birmingham.gov.uk","description":"Official site"},
			{"title":"Wikipedia","url":"https://en.wikipedia.org/wiki/Birmingham","description":"encyclopedia"}
		]}`))
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	results, err := c.Search(context.Background(), "birmingham city council", 3)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "https://www.birmingham.gov.uk", results[0].URL)
	assert.Equal(t, "Official site", results[0].Snippet)
}

func TestSearch_TruncatesToLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"url":"a"},{"url":"b"},{"url":"c"}]}`))
	}))
	defer srv.Close()

	c := NewClient("", WithBaseURL(srv.URL))
	results, err := c.Search(context.Background(), "q", 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSearch_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusPaymentRequired)
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))
	_, err := c.Search(context.Background(), "q", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "402")
}
