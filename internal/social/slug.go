package social

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const defaultSlug = "beitrag"

var germanFolds = strings.NewReplacer(
	"ä", "ae", "ö", "oe", "ü", "ue", "ß", "ss",
	"Ä", "Ae", "Ö", "Oe", "Ü", "Ue", "ẞ", "SS",
)

// Slug reduces title to lowercase ASCII letters, digits and single hyphens.
// German umlauts are transliterated; other diacritics are stripped.
func Slug(title string) string {
	folded := germanFolds.Replace(title)
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if s, _, err := transform.String(t, folded); err == nil {
		folded = s
	}

	var b strings.Builder
	hyphen := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if hyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			hyphen = false
			b.WriteRune(r)
		default:
			hyphen = true
		}
	}
	if b.Len() == 0 {
		return defaultSlug
	}
	return b.String()
}

// Filename is the suggested export name for a render of title on day.
func Filename(title string, day time.Time) string {
	return Slug(title) + "-" + day.Format("2006-01-02") + ".png"
}
