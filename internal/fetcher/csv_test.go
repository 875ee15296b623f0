package fetcher

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCSV_Basic(t *testing.T) {
	input := "Date,Supplier,Amount\n01/04/2024,Acme Ltd,100.50\n02/04/2024,Beta PLC,200.00\n"
	header, rows, err := ReadCSV(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []string{"Date", "Supplier", "Amount"}, header)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"01/04/2024", "Acme Ltd", "100.50"}, rows[0])
}

func TestReadCSV_SkipsEmptyRows(t *testing.T) {
	input := "Date,Supplier,Amount\n\n,,\n01/04/2024,Acme Ltd,100.50\n"
	_, rows, err := ReadCSV(strings.NewReader(input))
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestReadCSV_VariableFieldCounts(t *testing.T) {
	input := "Date,Supplier,Amount\n01/04/2024,Acme Ltd,100.50,extra\n02/04/2024,Beta\n"
	_, rows, err := ReadCSV(strings.NewReader(input))
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Len(t, rows[0], 4)
	assert.Len(t, rows[1], 2)
}

func TestReadCSV_TrimsWhitespace(t *testing.T) {
	input := "Date, Supplier , Amount\n 01/04/2024 , Acme Ltd , 100.50 \n"
	header, rows, err := ReadCSV(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []string{"Date", "Supplier", "Amount"}, header)
	assert.Equal(t, []string{"01/04/2024", "Acme Ltd", "100.50"}, rows[0])
}

func TestReadCSV_Empty(t *testing.T) {
	_, _, err := ReadCSV(strings.NewReader(""))
	require.Error(t, err)
}
