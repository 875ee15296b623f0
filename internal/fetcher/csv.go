package fetcher

import (
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// ReadCSV parses a council spending CSV: first non-empty row is the header,
// every later row is data. Variable field counts and lazy quoting are
// tolerated because published files rarely conform; malformed rows are
// skipped rather than failing the file.
func ReadCSV(r io.Reader) (header []string, rows [][]string, err error) {
	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	for {
		record, readErr := reader.Read()
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if _, ok := readErr.(*csv.ParseError); ok {
				continue
			}
			return nil, nil, eris.Wrap(readErr, "csv: read row")
		}

		for i := range record {
			record[i] = strings.TrimSpace(record[i])
		}
		if emptyRow(record) {
			continue
		}

		if header == nil {
			header = record
			continue
		}
		rows = append(rows, record)
	}

	if header == nil {
		return nil, nil, eris.New("csv: no header row")
	}
	return header, rows, nil
}

func emptyRow(record []string) bool {
	for _, f := range record {
		if f != "" {
			return false
		}
	}
	return true
}
