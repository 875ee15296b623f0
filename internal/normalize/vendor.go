package normalize

import "strings"

// corporateSuffixes are trailing tokens carrying no vendor identity.
var corporateSuffixes = map[string]bool{
	"ltd": true, "limited": true, "plc": true, "inc": true,
	"llp": true, "llc": true, "group": true, "corp": true,
	"corporation": true, "(uk)": true, "co": true,
}

// VendorKey normalizes a supplier name for grouping and deduplication:
// lower-cased, trailing corporate suffixes and punctuation stripped,
// internal whitespace collapsed. The raw string is retained elsewhere for
// display; this key exists only so "ACME Ltd." and "Acme Limited" group
// together.
func VendorKey(raw string) string {
	fields := strings.Fields(strings.ToLower(raw))

	for len(fields) > 0 {
		last := strings.TrimRight(fields[len(fields)-1], ".,;:&-")
		if last == "" {
			fields = fields[:len(fields)-1]
			continue
		}
		if corporateSuffixes[last] {
			fields = fields[:len(fields)-1]
			continue
		}
		fields[len(fields)-1] = last
		break
	}

	return strings.Join(fields, " ")
}
