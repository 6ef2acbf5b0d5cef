package suppression

import (
	"fmt"
	"strings"
	"time"
)

// Policy is one bounce rule: when MaxBounces records whose status code
// starts with one of Prefixes fall within the last WindowDays, the
// address is suppressed. A "" prefix matches every code.
type Policy struct {
	Prefixes   []string `yaml:"prefixes" json:"prefixes"`
	MaxBounces int      `yaml:"max_bounces" json:"max_bounces"`
	WindowDays int      `yaml:"window_days" json:"window_days"`
}

// DefaultPolicies suppress after three hard bounces in a year, five soft
// bounces in a month, or ten bounces of any other kind in a year.
func DefaultPolicies() []Policy {
	return []Policy{
		{Prefixes: []string{"5."}, MaxBounces: 3, WindowDays: 365},
		{Prefixes: []string{"4."}, MaxBounces: 5, WindowDays: 30},
		{Prefixes: []string{""}, MaxBounces: 10, WindowDays: 365},
	}
}

// ValidatePolicies rejects policies that could never fire.
func ValidatePolicies(policies []Policy) error {
	if len(policies) == 0 {
		return fmt.Errorf("%w: at least one policy is required", ErrInvalidPolicy)
	}
	for i, p := range policies {
		if len(p.Prefixes) == 0 {
			return fmt.Errorf("%w: policy %d has no prefixes", ErrInvalidPolicy, i)
		}
		if p.MaxBounces <= 0 || p.WindowDays <= 0 {
			return fmt.Errorf("%w: policy %d needs positive max_bounces and window_days", ErrInvalidPolicy, i)
		}
	}
	return nil
}

// matchesCode reports whether code starts with one of the prefixes.
func (p Policy) matchesCode(code string) bool {
	for _, prefix := range p.Prefixes {
		if strings.HasPrefix(code, prefix) {
			return true
		}
	}
	return false
}

func (p Policy) window(now time.Time) time.Time {
	return now.AddDate(0, 0, -p.WindowDays)
}

// relevantPolicy returns the index of the first policy matching code.
func relevantPolicy(policies []Policy, code string) (int, bool) {
	for i, p := range policies {
		if p.matchesCode(code) {
			return i, true
		}
	}
	return -1, false
}

func maxWindowDays(policies []Policy) int {
	max := 0
	for _, p := range policies {
		if p.WindowDays > max {
			max = p.WindowDays
		}
	}
	return max
}
