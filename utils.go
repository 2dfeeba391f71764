package clawd

import (
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const maxClientErrorLength = 200

var (
	pathPattern   = regexp.MustCompile(`/[^\s]+/`)
	linePattern   = regexp.MustCompile(`line \d+`)
	secretPattern = regexp.MustCompile(`(?i)(api[_-]?key|secret|password|token)[=:]\s*\S+`)
	walletPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	txHashPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
)

// Sanitize prepares an error message for a client: file paths, line numbers
// and credentials are scrubbed and the result is capped at 200 characters.
func Sanitize(msg string) string {
	msg = pathPattern.ReplaceAllString(msg, "[path]/")
	msg = linePattern.ReplaceAllString(msg, "line [N]")
	msg = secretPattern.ReplaceAllString(msg, "$1=[REDACTED]")
	if utf8.RuneCountInString(msg) > maxClientErrorLength {
		runes := []rune(msg)
		msg = string(runes[:maxClientErrorLength]) + "..."
	}
	return msg
}

// SanitizeError is Sanitize for an error value; nil yields "".
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return Sanitize(err.Error())
}

// IsWalletAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsWalletAddress(s string) bool {
	return walletPattern.MatchString(s)
}

// IsTxHash reports whether s is a 0x-prefixed 32-byte hex hash.
func IsTxHash(s string) bool {
	return txHashPattern.MatchString(s)
}

// SameAddress compares EVM addresses ignoring EIP-55 checksum casing.
func SameAddress(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}

// Clock is the source of "now" for expiry and authorization windows.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock returns a set instant until moved with Advance.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewFixedClock(t time.Time) *FixedClock { return &FixedClock{t: t.UTC()} }

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
