package policy

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	MinPasswordLength = 12
	MaxPasswordLength = 128

	// AllowedSymbols is the fixed symbol set accepted for the symbol
	// character-class requirement.
	AllowedSymbols = "!@#$%^&*()_-+=[]{}|;:,.<>?/~"
)

// weakSubstrings are rejected anywhere in the password, case-insensitive.
var weakSubstrings = []string{"password", "qwerty", "admin", "user", "login"}

// Result is the outcome of evaluating a candidate password. Violations is
// empty iff Valid is true. Strength is 0 (weakest) to 4 (strongest) and is
// computed even for invalid passwords so callers can show a meter.
type Result struct {
	Valid      bool     `json:"valid"`
	Violations []string `json:"violations,omitempty"`
	Strength   int      `json:"strength"`
}

// ExpiryStatus reports where a password sits in its lifecycle.
type ExpiryStatus struct {
	Expired  bool `json:"expired"`
	Warn     bool `json:"warn"`
	DaysLeft int  `json:"days_left"`
}

// Policy evaluates password complexity and lifecycle. Zero-value is not
// usable; construct with New.
type Policy struct {
	expiry     time.Duration
	warnWindow time.Duration
}

// New returns a policy whose passwords expire after expiry, with warnings
// starting warnWindow before that.
func New(expiry, warnWindow time.Duration) *Policy {
	return &Policy{expiry: expiry, warnWindow: warnWindow}
}

// Evaluate checks every rule independently and accumulates all violations
// rather than stopping at the first.
func (p *Policy) Evaluate(password string) Result {
	var violations []string

	// Length bounds count characters, not bytes, so multibyte passwords
	// are not penalized.
	n := utf8.RuneCountInString(password)
	if n < MinPasswordLength {
		violations = append(violations, fmt.Sprintf("password must be at least %d characters", MinPasswordLength))
	}
	if n > MaxPasswordLength {
		violations = append(violations, fmt.Sprintf("password must be at most %d characters", MaxPasswordLength))
	}

	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case strings.ContainsRune(AllowedSymbols, r):
			hasSymbol = true
		}
	}
	if !hasUpper {
		violations = append(violations, "password must contain an uppercase letter")
	}
	if !hasLower {
		violations = append(violations, "password must contain a lowercase letter")
	}
	if !hasDigit {
		violations = append(violations, "password must contain a digit")
	}
	if !hasSymbol {
		violations = append(violations, "password must contain a symbol")
	}

	weak := hasWeakPattern(password)
	if weak {
		violations = append(violations, "password contains a common weak pattern")
	}

	score := 0.0
	if hasDigit {
		score++
	}
	if hasUpper {
		score++
	}
	if hasSymbol {
		score++
	}
	if hasLower {
		score += 0.5
	}
	if n >= 16 {
		score += 0.5
	}
	if weak {
		score--
	}
	if score < 0 {
		score = 0
	}
	strength := int(score)
	if strength > 4 {
		strength = 4
	}

	return Result{
		Valid:      len(violations) == 0,
		Violations: violations,
		Strength:   strength,
	}
}

// Expiry returns when a password set at now must be rotated.
func (p *Policy) Expiry(now time.Time) time.Time {
	return now.Add(p.expiry)
}

// Status reports expiry and warning state for a password expiring at
// expiresAt, as seen at now.
func (p *Policy) Status(expiresAt, now time.Time) ExpiryStatus {
	left := expiresAt.Sub(now)
	days := int(left.Hours() / 24)
	return ExpiryStatus{
		Expired:  !now.Before(expiresAt),
		Warn:     left > 0 && left <= p.warnWindow,
		DaysLeft: days,
	}
}

func hasWeakPattern(password string) bool {
	lower := strings.ToLower(password)
	for _, sub := range weakSubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return hasRepeatRun(lower, 3) || hasAscendingRun(lower, 4)
}

// hasRepeatRun reports a run of n identical characters.
func hasRepeatRun(s string, n int) bool {
	run := 1
	for i := 1; i < len(s); i++ {
		if s[i] == s[i-1] {
			run++
			if run >= n {
				return true
			}
		} else {
			run = 1
		}
	}
	return false
}

// hasAscendingRun reports a run of n consecutively ascending digits or
// letters ("abcd", "1234").
func hasAscendingRun(s string, n int) bool {
	run := 1
	for i := 1; i < len(s); i++ {
		prev, cur := s[i-1], s[i]
		ascending := cur == prev+1 &&
			((prev >= 'a' && cur <= 'z') || (prev >= '0' && cur <= '9'))
		if ascending {
			run++
			if run >= n {
				return true
			}
		} else {
			run = 1
		}
	}
	return false
}
