package mirror

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Per-component length limits for SD card paths.
const (
	FolderNameMax = 50
	TrackNameMax  = 40
)

var asciiFold = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), runes.Remove(runes.Predicate(func(r rune) bool {
	return r > unicode.MaxASCII
})))

// SanitizeName makes a string safe as a filename component on the device
// filesystem: unicode-normalize to ASCII, replace unsafe characters and
// whitespace with underscores, collapse runs, trim and truncate.
func SanitizeName(name string, maxLength int) string {
	if name == "" {
		return "unknown"
	}
	folded, _, err := transform.String(asciiFold, name)
	if err == nil {
		name = folded
	}

	var sb strings.Builder
	lastUnderscore := false
	for _, r := range name {
		unsafe := r < 0x20 || strings.ContainsRune(`<>:"/\|?*`, r) || unicode.IsSpace(r) || r == '_'
		if unsafe {
			if !lastUnderscore {
				sb.WriteByte('_')
				lastUnderscore = true
			}
			continue
		}
		sb.WriteRune(r)
		lastUnderscore = false
	}

	out := strings.Trim(sb.String(), "_.")
	if len(out) > maxLength {
		out = strings.TrimRight(out[:maxLength], "_")
	}
	if out == "" {
		return "unknown"
	}
	return out
}
