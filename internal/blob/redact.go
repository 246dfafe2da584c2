package blob

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

// Rule is a named regexp replacement applied to blob payloads before hashing.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// Redactor applies an ordered list of rules and can attest the pre-image of a
// redacted payload with an HMAC under a secret key.
type Redactor struct {
	rules []Rule
	key   []byte
}

// NewRedactor builds a redactor. The key is used only for pre-image HMACs.
func NewRedactor(key []byte, rules ...Rule) *Redactor {
	return &Redactor{rules: rules, key: key}
}

// DefaultRules covers the credential shapes that commonly leak into prompts.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "api_key",
			Pattern:     regexp.MustCompile(`(?i)(api[_-]?key|token|secret)(["':\s=]+)[A-Za-z0-9_\-]{16,}`),
			Replacement: `$1$2[REDACTED]`,
		},
		{
			Name:        "bearer_token",
			Pattern:     regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-.]{20,}`),
			Replacement: `Bearer [REDACTED]`,
		},
		{
			Name:        "email",
			Pattern:     regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
			Replacement: `[EMAIL]`,
		},
	}
}

// Apply runs every rule in order and returns the transformed payload along
// with the names of the rules that actually changed something.
func (r *Redactor) Apply(payload []byte) ([]byte, []string) {
	var applied []string
	out := payload
	for _, rule := range r.rules {
		next := rule.Pattern.ReplaceAll(out, []byte(rule.Replacement))
		if string(next) != string(out) {
			applied = append(applied, rule.Name)
			out = next
		}
	}
	return out, applied
}

// PreimageHMAC returns the hex HMAC-SHA256 of the unredacted payload.
func (r *Redactor) PreimageHMAC(payload []byte) string {
	mac := hmac.New(sha256.New, r.key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
