package secrets

import (
	"regexp"
	"strings"
	"unicode"
)

// DefaultMaxLen bounds sanitized text such as tool error summaries.
const DefaultMaxLen = 2000

const redactedMark = "[REDACTED]"

// credentialPatterns match secret-like substrings regardless of the vault.
var credentialPatterns = []*regexp.Regexp{
	// key=value or key: value pairs whose key looks like a credential
	regexp.MustCompile(`(?i)\b([a-z0-9_.-]*(?:password|passwd|pwd|secret|token|api[_-]?key|access[_-]?key|private[_-]?key|credential)[a-z0-9_.-]*)(["']?\s*[:=]\s*)("[^"]*"|'[^']*'|[^\s,;&]+)`),
	// Authorization headers
	regexp.MustCompile(`(?i)\b(bearer|basic)\s+[a-z0-9._~+/=-]{8,}`),
	// well-known key formats
	regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_-]{16,}\b`),
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`),
	regexp.MustCompile(`\bxox[abposr]-[A-Za-z0-9-]{10,}\b`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\b`),
	// userinfo in URLs
	regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://)[^\s/:@]+:[^\s/@]+@`),
}

// Redactor scrubs credentials from text that is about to be exposed through
// events, outbox payloads or logs.
type Redactor struct {
	vault  *Vault
	maxLen int
}

// NewRedactor creates a Redactor. vault may be nil; maxLen <= 0 uses DefaultMaxLen.
func NewRedactor(vault *Vault, maxLen int) *Redactor {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &Redactor{vault: vault, maxLen: maxLen}
}

// Redact strips control characters, masks vault values and credential-like
// patterns, and truncates the result.
func (r *Redactor) Redact(s string) string {
	s = stripControl(s)
	if r.vault != nil {
		s = r.vault.RedactString(s)
	}
	for i, re := range credentialPatterns {
		switch i {
		case 0:
			s = re.ReplaceAllString(s, "${1}${2}"+redactedMark)
		case 1:
			s = re.ReplaceAllString(s, "${1} "+redactedMark)
		case len(credentialPatterns) - 1:
			s = re.ReplaceAllString(s, "${1}"+redactedMark+"@")
		default:
			s = re.ReplaceAllString(s, redactedMark)
		}
	}
	if len(s) > r.maxLen {
		s = truncateUTF8(s, r.maxLen) + "…[truncated]"
	}
	return s
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\r' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	for n > 0 && n < len(s) && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
