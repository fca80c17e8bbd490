package bridge

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors returned (wrapped) by Bridge and State implementations.
var (
	// ErrNotFound means the resource definitively no longer exists.
	ErrNotFound = errors.New("platform resource not found")
	// ErrForbidden means the bot lacks access to the resource.
	ErrForbidden = errors.New("platform access forbidden")
	// ErrGuildUnavailable means the guild is not in the platform cache.
	ErrGuildUnavailable = errors.New("guild unavailable")
	// ErrGuildLoading means the guild is known from READY but its
	// GUILD_CREATE (members, voice states) has not arrived yet. It is
	// transient.
	ErrGuildLoading = errors.New("guild still loading")
	// ErrPermanent marks failures retrying cannot fix (invalid parent
	// category, rejected payload).
	ErrPermanent = errors.New("permanent platform failure")
)

// RateLimitError reports a platform 429 with its retry-after hint.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rate limited (retry after %s): %s", e.RetryAfter, e.Message)
	}
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

// Kind is the failure class of a bridge error.
type Kind int

const (
	// KindTransient covers network errors and anything unrecognised.
	KindTransient Kind = iota
	KindRateLimited
	KindNotFound
	KindForbidden
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindPermanent:
		return "permanent"
	}
	return "transient"
}

// Definitive reports whether k proves the resource is gone or inaccessible.
func (k Kind) Definitive() bool { return k == KindNotFound || k == KindForbidden }

// Classify sorts err into a Kind. Typed errors win; foreign errors carrying a
// standalone "429", "too many requests" or "rate limit" are treated as rate
// limits.
func Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}
	var rl *RateLimitError
	switch {
	case errors.As(err, &rl):
		return KindRateLimited
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrPermanent):
		return KindPermanent
	}
	if hasRateLimitSignature(err.Error()) {
		return KindRateLimited
	}
	return KindTransient
}

// RetryAfter returns the cooldown a rate-limit error asks for. ok is false
// when err is not a rate limit. def is used when no hint is present.
func RetryAfter(err error, def time.Duration) (d time.Duration, ok bool) {
	if Classify(err) != KindRateLimited {
		return 0, false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	if d, found := parseRetryAfter(err.Error()); found {
		return d, true
	}
	return def, true
}

// status429RE matches 429 as a standalone token, not inside the snowflake
// ids that appear in request URLs.
var status429RE = regexp.MustCompile(`(^|[^0-9])429([^0-9]|$)`)

func hasRateLimitSignature(msg string) bool {
	low := strings.ToLower(msg)
	return strings.Contains(low, "rate limit") ||
		strings.Contains(low, "too many requests") ||
		status429RE.MatchString(low)
}

var retryAfterRE = regexp.MustCompile(`(?i)retry[_ -]?after["':= ]*([0-9]+(?:\.[0-9]+)?)\s*(ms|s)?`)

// parseRetryAfter extracts hints like "retryAfter=30" or "retry_after: 1.5".
// Bare numbers are seconds.
func parseRetryAfter(msg string) (time.Duration, bool) {
	m := retryAfterRE.FindStringSubmatch(msg)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	if strings.EqualFold(m[2], "ms") {
		return time.Duration(v * float64(time.Millisecond)), true
	}
	return time.Duration(v * float64(time.Second)), true
}
