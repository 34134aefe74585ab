package wrshare

import (
	"crypto/subtle"
	"net/http"
	"regexp"
	"strings"
)

// PublicAuth gates public traffic with a shared bearer credential. The
// credential may arrive in an "x-auth-token" header or as
// "Authorization: Bearer <token>". Paths matching the bypass rule are
// admitted without a credential; the bypass wins even when the credential is
// missing entirely.
type PublicAuth struct {
	token  string
	bypass *regexp.Regexp
}

// NewPublicAuth builds a PublicAuth from the configured token and bypass
// rule. An empty token disables the gate. The rule is a regular expression,
// optionally in "/pattern/i" form for case-insensitive matching.
func NewPublicAuth(token string, rule string) (*PublicAuth, error) {
	bypass, err := CompileAuthRule(rule)
	if err != nil {
		return nil, err
	}
	return &PublicAuth{token: token, bypass: bypass}, nil
}

// CompileAuthRule compiles an auth-bypass rule. Returns nil for an empty
// rule. A rule of the form "/pattern/" or "/pattern/i" is unwrapped, with the
// trailing "i" enabling case-insensitive matching.
func CompileAuthRule(rule string) (*regexp.Regexp, error) {
	if rule == "" {
		return nil, nil
	}
	if len(rule) > 1 && strings.HasPrefix(rule, "/") {
		if end := strings.LastIndex(rule, "/"); end > 0 {
			pattern, flags := rule[1:end], rule[end+1:]
			if flags == "" || flags == "i" {
				if flags == "i" {
					pattern = "(?i)" + pattern
				}
				return regexp.Compile(pattern)
			}
		}
	}
	return regexp.Compile(rule)
}

// Allow reports whether a public request passes admission
func (a *PublicAuth) Allow(r *http.Request) bool {
	if a.token == "" {
		return true
	}
	if a.bypass != nil && a.bypass.MatchString(r.URL.Path) {
		return true
	}
	cred := r.Header.Get("x-auth-token")
	if cred == "" {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			cred = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	return TokensEqual(cred, a.token)
}

// TokensEqual compares two bearer tokens in constant time
func TokensEqual(got string, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
