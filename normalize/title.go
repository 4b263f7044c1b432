package normalize

import (
	"html"
	"regexp"
	"strings"
	"unicode"
)

var (
	invisibleRe    = regexp.MustCompile(`[\x{200B}-\x{200F}\x{202A}-\x{202C}\x{2060}]`)
	spaceRe        = regexp.MustCompile(`\s+`)
	titlePrefixRe  = regexp.MustCompile(`(?i)^(смартфон|мобильный телефон|сотовый телефон|телефон)\s+`)
	memCommaRe     = regexp.MustCompile(`(?i),\s*(\d+\s*/\s*\d+\s*гб)`)
	gbSpacingRe    = regexp.MustCompile(`(?i)\s+гб`)
	usedMarkerRe   = regexp.MustCompile(`(?i),?\s*б/у`)
	spaceParenRe   = regexp.MustCompile(`\s+\(`)
	parenSpaceRe   = regexp.MustCompile(`\(\s+`)
	memVariantRe   = regexp.MustCompile(`(?i)\b\d+\s*/\s*\d+\s*гб`)
	usedSuffixRe   = regexp.MustCompile(`(?i)\s*\(б/у\)\s*$`)
	maxTitleLength = 160
)

// Title cleans a raw product title: HTML entities, invisible characters,
// merchant boilerplate prefixes, and the "б/у" marker are normalized, and
// the result is capped at 160 characters on a word boundary.
func Title(text string) string {
	t := html.UnescapeString(text)
	t = strings.ReplaceAll(t, "\u00a0", " ")
	t = invisibleRe.ReplaceAllString(t, "")
	t = spaceRe.ReplaceAllString(strings.Trim(t, " ,;\u00a0"), " ")
	t = titlePrefixRe.ReplaceAllString(t, "")
	t = unifyUsedMarker(t)
	t = memCommaRe.ReplaceAllString(t, " $1")
	t = gbSpacingRe.ReplaceAllString(t, " ГБ")
	// Close the "(б/у" bracket if the source never did.
	if strings.Contains(t, "(б/у") && !strings.Contains(t, "(б/у)") {
		t = strings.ReplaceAll(t, "(б/у", "(б/у)")
	}
	t = strings.TrimSpace(t)
	if runes := []rune(t); len(runes) > maxTitleLength {
		cut := string(runes[:maxTitleLength])
		if i := strings.LastIndex(cut, " "); i > 0 {
			cut = cut[:i]
		}
		t = cut
	}
	return t
}

// unifyUsedMarker rewrites bare "б/у" mentions as " (б/у)", leaving ones
// already inside parentheses alone.
func unifyUsedMarker(t string) string {
	locs := usedMarkerRe.FindAllStringIndex(t, -1)
	if locs == nil {
		return t
	}
	var b strings.Builder
	prev := 0
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		// Already parenthesized: the marker is directly preceded by "(".
		markerStart := start + strings.Index(strings.ToLower(t[start:end]), "б/у")
		if markerStart > 0 && t[markerStart-1] == '(' {
			b.WriteString(t[prev:end])
			prev = end
			continue
		}
		// A letter or digit right after means this is a fragment of a longer
		// word, not the marker.
		if r := firstRune(t[end:]); r != 0 && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteString(t[prev:end])
			prev = end
			continue
		}
		b.WriteString(t[prev:start])
		b.WriteString(" (б/у)")
		prev = end
	}
	b.WriteString(t[prev:])
	return b.String()
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}

// AliTitle applies Title and additionally collapses AliExpress memory-variant
// listings ("8/128ГБ 8/256ГБ ...") down to the first variant so the card does
// not turn into a wall of numbers.
func AliTitle(text string) string {
	t := Title(text)
	mems := memVariantRe.FindAllString(t, -1)
	if len(mems) > 1 {
		first := strings.TrimSpace(mems[0])
		t2 := memVariantRe.ReplaceAllString(t, "")
		t2 = spaceRe.ReplaceAllString(t2, " ")
		if strings.Contains(t2, "(б/у)") {
			t2 = usedSuffixRe.ReplaceAllString(t2, " "+first+" (б/у)")
		} else {
			t2 = strings.TrimSpace(t2) + " " + first
		}
		t = strings.TrimSpace(spaceRe.ReplaceAllString(t2, " "))
	}
	t = spaceRe.ReplaceAllString(t, " ")
	t = spaceParenRe.ReplaceAllString(t, " (")
	t = parenSpaceRe.ReplaceAllString(t, "(")
	return strings.TrimSpace(t)
}
