package source

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// maxIdentLen is the longest identifier Postgres keeps without truncation.
const maxIdentLen = 63

// foldDiacritics strips combining marks: "Příjmení" becomes "Prijmeni".
func foldDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// normalizeFieldName converts a header cell into a lowercase identifier.
// Separators collapse into a single underscore; anything else outside
// [a-z0-9_] is dropped.
func normalizeFieldName(s string) string {
	s = strings.ToLower(foldDiacritics(strings.TrimSpace(s)))
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))

	lastUnderscore := false
	for _, r := range s {
		switch {
		case r == ' ' || r == '\t' || r == '-' || r == '.' || r == '/' || r == '\\' || r == ':' || r == ';':
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_':
			b.WriteRune(r)
			lastUnderscore = r == '_'
		}
	}
	return truncateFieldName(strings.Trim(b.String(), "_"))
}

// truncateFieldName cuts s to maxIdentLen bytes on a UTF-8 boundary.
func truncateFieldName(s string) string { return truncateBytes(s, maxIdentLen) }

func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// columnNames turns a raw header row into unique column names.
//
// A header_map entry (keyed by the trimmed raw header) wins over
// normalization. Empty results become column_<n> (1-based) and repeats get
// _2, _3 suffixes.
func columnNames(header []string, headerMap map[string]string) []string {
	out := make([]string, len(header))
	used := make(map[string]struct{}, len(header))

	for i, h := range header {
		raw := strings.TrimSpace(h)
		if i == 0 {
			raw = strings.TrimSpace(strings.TrimPrefix(raw, "\uFEFF"))
		}

		var name string
		if mapped, ok := headerMap[raw]; ok {
			name = strings.TrimSpace(mapped)
		} else {
			name = normalizeFieldName(raw)
		}
		if name == "" {
			name = "column_" + strconv.Itoa(i+1)
		}

		base := name
		for n := 2; ; n++ {
			if _, dup := used[name]; !dup {
				break
			}
			suffix := "_" + strconv.Itoa(n)
			name = truncateBytes(base, maxIdentLen-len(suffix)) + suffix
		}
		used[name] = struct{}{}
		out[i] = name
	}
	return out
}

// positionalNames names columns when the source has no header row.
func positionalNames(width int) []string {
	out := make([]string, width)
	for i := range out {
		out[i] = "column_" + strconv.Itoa(i+1)
	}
	return out
}
