package normalize

import (
	"html"
	"regexp"
	"strings"
)

const (
	minPrice = 10
	maxPrice = 1_000_000
)

// Deliberately not greedy about digit runs: a pattern like [\d\s]+ happily
// swallows model codes next to the price ("A3526 79 990 ₽" -> "352679990").
const priceNumPat = `\d{1,3}(?: \d{3})+|\d{2,6}`

var (
	priceSpacesRe = regexp.MustCompile(`[\x{00A0}\x{202F}\x{2009}]`)
	numThenRubRe  = regexp.MustCompile(`(?i)(` + priceNumPat + `)(?:[,.]\d{1,2})?\s*(₽|руб\.?|р\.?)`)
	rubThenNumRe  = regexp.MustCompile(`(?i)(₽|руб\.?|р\.?)\s+(` + priceNumPat + `)`)
	looseNumRe    = regexp.MustCompile(`\d{1,3}(?: \d{3})+|\d{4,}`)
	shortNumRe    = regexp.MustCompile(`\b(\d{2,6})\b`)
	nonDigitRe    = regexp.MustCompile(`\D`)

	// Numbers that are installments, cashback or bonus points, not prices.
	priceContextSkipRe = regexp.MustCompile(`(?i)/\s*мес|в\s*месяц|в\s*мес|кредит|рассроч|бонус|балл|кэшб|cashback`)
)

func priceText(text string) string {
	t := html.UnescapeString(text)
	t = priceSpacesRe.ReplaceAllString(t, " ")
	return spaceRe.ReplaceAllString(strings.TrimSpace(t), " ")
}

func digitsToPrice(s string) int {
	digits := nonDigitRe.ReplaceAllString(s, "")
	if digits == "" || len(digits) > 7 {
		return 0
	}
	val := 0
	for _, c := range digits {
		val = val*10 + int(c-'0')
	}
	return val
}

// matchBoundariesOK rejects matches glued to surrounding digits or letters:
// a digit right before the number reads as part of a longer code, a word
// character right after the currency marker means it was not a marker at all.
func matchBoundariesOK(t string, start, end int) bool {
	if start > 0 {
		if c := t[start-1]; c >= '0' && c <= '9' {
			return false
		}
	}
	if r := firstRune(t[end:]); r != 0 {
		if r >= '0' && r <= '9' {
			return false
		}
		if isWordRune(r) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	if r == '_' || (r >= '0' && r <= '9') {
		return true
	}
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= 'а' && r <= 'я') || (r >= 'А' && r <= 'Я') || r == 'ё' || r == 'Ё'
}

// FirstPrice extracts the first plausible ruble price from free text.
// Numbers adjacent to a currency marker win; grouped digit runs come next;
// a bare 2-6 digit number is the last resort.
func FirstPrice(text string) int {
	if text == "" {
		return 0
	}
	t := priceText(text)

	for _, loc := range numThenRubRe.FindAllStringSubmatchIndex(t, -1) {
		if !matchBoundariesOK(t, loc[0], loc[1]) {
			continue
		}
		if val := digitsToPrice(t[loc[2]:loc[3]]); val >= minPrice && val <= maxPrice {
			return val
		}
	}

	for _, loc := range rubThenNumRe.FindAllStringSubmatchIndex(t, -1) {
		// The number must not continue with more digits.
		if r := firstRune(t[loc[1]:]); r >= '0' && r <= '9' {
			continue
		}
		if val := digitsToPrice(t[loc[4]:loc[5]]); val >= minPrice && val <= maxPrice {
			return val
		}
	}

	for _, m := range looseNumRe.FindAllString(t, -1) {
		if val := digitsToPrice(m); val >= minPrice && val <= maxPrice {
			return val
		}
	}

	if m := shortNumRe.FindString(t); m != "" {
		return digitsToPrice(m)
	}
	return 0
}

// PricesFromText extracts every currency-marked price whose surrounding
// 16 characters do not look like an installment or bonus figure.
func PricesFromText(text string) []int {
	if text == "" {
		return nil
	}
	t := priceText(text)
	if t == "" {
		return nil
	}
	var out []int
	for _, loc := range numThenRubRe.FindAllStringSubmatchIndex(t, -1) {
		ctxStart := loc[0] - 16
		if ctxStart < 0 {
			ctxStart = 0
		}
		ctxEnd := loc[1] + 16
		if ctxEnd > len(t) {
			ctxEnd = len(t)
		}
		if priceContextSkipRe.MatchString(t[ctxStart:ctxEnd]) {
			continue
		}
		if val := digitsToPrice(t[loc[2]:loc[3]]); val >= minPrice && val <= maxPrice {
			out = append(out, val)
		}
	}
	return out
}

// BestPriceFromText returns the largest currency-marked price in the text.
// Cards usually show the discounted price next to crossed-out ones; taking
// the max avoids picking up per-month installment leftovers.
func BestPriceFromText(text string) int {
	best := 0
	for _, p := range PricesFromText(text) {
		if p > best {
			best = p
		}
	}
	return best
}

// Price clamps a raw integer price into the plausible range. Anything
// outside [10, 1_000_000] is reported as unknown (0). Idempotent.
func Price(v int) int {
	if v < minPrice || v > maxPrice {
		return 0
	}
	return v
}
