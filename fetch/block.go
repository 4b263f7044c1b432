package fetch

import (
	"regexp"
	"strings"
)

// blockMarkersRe matches the captcha walls and anti-bot interstitials the
// Russian e-commerce edges serve instead of results.
var blockMarkersRe = regexp.MustCompile(`(?is)(` +
	`вы\s+робот|подтвердите.*человек|доступ.*ограничен|капч|captcha|cloudflare|access denied|forbidden` +
	`|servicepipe\.ru|id_captcha_frame_div|checkjs|jsrsasign|fingerprint` +
	`|__wbaas|challenge_solver|behavior_tracker|challenge_fingerprint|captcha-support@rwb\.ru` +
	`|qrator|qauth` +
	`|проверяем\s+браузер|почти\s+готово` +
	`)`)

// LooksLikeBlockPage checks the page title and the first 20 KB of HTML for
// known block signatures.
func LooksLikeBlockPage(title, htmlBody string) bool {
	t := strings.TrimSpace(title)
	h := strings.TrimSpace(htmlBody)
	if t == "" && h == "" {
		return false
	}
	if t != "" && blockMarkersRe.MatchString(t) {
		return true
	}
	if h != "" {
		if len(h) > 20000 {
			h = h[:20000]
		}
		if blockMarkersRe.MatchString(h) {
			return true
		}
	}
	return false
}

// IsAvitoIPBlock detects Avito's datacenter-IP ban page (a 401/403 whose
// title or body carries the ban text). The Avito adapter checks it after its
// browser retry also came back empty and then parks the source on a cooldown.
func IsAvitoIPBlock(status int, title, htmlBody string) bool {
	if status != 401 && status != 403 {
		return false
	}
	t := strings.ToLower(title)
	if strings.Contains(t, "проблема с ip") || strings.Contains(t, "доступ ограничен") {
		return true
	}
	h := strings.ToLower(htmlBody)
	return strings.Contains(h, "проблема с ip") || strings.Contains(h, "доступ ограничен")
}
