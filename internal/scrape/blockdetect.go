package scrape

import (
	"bytes"
	"strings"
)

// BlockType names why a fetched policy page is unusable as policy text.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
	BlockLoginWall  BlockType = "login_wall"
	BlockSession    BlockType = "session_expired"
)

// shellLimit bounds the body size of a redirect or noscript shell. Real
// coverage documents are far larger.
const shellLimit = 2000

// Payer portals (Availity, NaviNet, member and provider sites) answer
// deep links to clinical policies with a sign-in page instead of a 401.
var loginMarkers = []string{
	"sign in to view",
	"log in to view",
	"please sign in",
	"please log in",
	"provider portal login",
	"member login",
	"availity essentials",
	"navinet",
	"you must be logged in",
}

var sessionMarkers = []string{
	"session has expired",
	"session expired",
	"session timed out",
}

// policyMarkers are phrases a genuine coverage document carries. A page
// that has them is kept even if the site chrome links to a login form.
var policyMarkers = []string{
	"prior authorization",
	"coverage criteria",
	"medical necessity",
	"clinical policy",
}

// DetectBlock reports whether body is an anti-bot interstitial or a payer
// portal wall rather than policy content.
func DetectBlock(body []byte) (bool, BlockType) {
	lower := strings.ToLower(string(body))

	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") ||
		strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge") {
		return true, BlockCloudflare
	}
	if strings.Contains(lower, "captcha") {
		return true, BlockCaptcha
	}

	if !containsAny(lower, policyMarkers) {
		if containsAny(lower, sessionMarkers) {
			return true, BlockSession
		}
		if containsAny(lower, loginMarkers) || hasPasswordForm(body) {
			return true, BlockLoginWall
		}
	}

	if len(body) < shellLimit {
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") {
			return true, BlockJSShell
		}
		if strings.Contains(lower, `meta http-equiv="refresh"`) {
			return true, BlockJSShell
		}
	}

	return false, BlockNone
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func hasPasswordForm(body []byte) bool {
	b := bytes.ToLower(body)
	return bytes.Contains(b, []byte(`type="password"`)) || bytes.Contains(b, []byte(`type='password'`))
}
