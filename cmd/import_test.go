package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencouncil/spendsync/internal/config"
)

func TestImportCommand(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "orgs.csv")
	csv := "name,kind\nBirmingham City Council,council\n,council\nLeeds City Council,council\nBirmingham City Council,council\n"
	require.NoError(t, os.WriteFile(csvPath, []byte(csv), 0644))

	cfg = &config.Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = filepath.Join(dir, "test.db")
	importCSVPath = csvPath

	require.NoError(t, importCmd.RunE(importCmd, nil))

	st, err := initStore(context.Background())
	require.NoError(t, err)
	defer st.Close()

	count, err := st.CountOrgs(context.Background())
	require.NoError(t, err)
	// Blank and duplicate names are skipped.
	assert.Equal(t, 2, count)

	// Re-import is a no-op.
	require.NoError(t, importCmd.RunE(importCmd, nil))
	count, err = st.CountOrgs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestImportCommandNoNameColumn(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "bad.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("title\nX\n"), 0644))

	cfg = &config.Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = filepath.Join(dir, "test.db")
	importCSVPath = csvPath

	err := importCmd.RunE(importCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no name column")
}

func TestInitStoreUnsupportedDriver(t *testing.T) {
	cfg = &config.Config{}
	cfg.Store.Driver = "oracle"

	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}
