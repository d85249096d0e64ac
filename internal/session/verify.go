package session

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
)

// Verification failures.
var (
	ErrCredentialMissing = eris.New("session: credential not present in any storage surface")
	ErrMarkerMissing     = eris.New("session: no authenticated page marker")
	ErrChallenged        = eris.New("session: anti-bot challenge page")
)

// ChallengeKind describes the kind of interstitial detected.
type ChallengeKind string

const (
	ChallengeNone       ChallengeKind = ""
	ChallengeCloudflare ChallengeKind = "cloudflare"
	ChallengeCaptcha    ChallengeKind = "captcha"
	ChallengeJSShell    ChallengeKind = "js_shell"
)

// DetectChallenge checks page markup for signs of anti-bot protection.
func DetectChallenge(body string) (bool, ChallengeKind) {
	lower := strings.ToLower(body)

	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") ||
		strings.Contains(lower, "cf-challenge") ||
		strings.Contains(lower, "just a moment...") {
		return true, ChallengeCloudflare
	}

	// Full pages routinely reference captcha scripts, so only treat small
	// documents as captcha walls.
	if len(body) < 20000 && (strings.Contains(lower, "captcha") || strings.Contains(lower, "安全验证")) {
		return true, ChallengeCaptcha
	}

	if len(body) < 2000 {
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") {
			return true, ChallengeJSShell
		}
		if strings.Contains(lower, `meta http-equiv="refresh"`) {
			return true, ChallengeJSShell
		}
	}
	return false, ChallengeNone
}

// HasMarker reports whether any selector matches in the markup. No
// selectors means there is nothing to prove.
func HasMarker(body string, selectors []string) bool {
	if len(selectors) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return false
	}
	for _, sel := range selectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}
