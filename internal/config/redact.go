package config

import (
	"github.com/bmatcuk/doublestar/v4"
)

// DefaultRedactPatterns are glob patterns (matched against log field
// names) redacted even if the config file specifies none, so a
// misconfigured deployment never leaks credentials by omission.
var DefaultRedactPatterns = []string{
	"*api_key*", "*apikey*", "*token*", "*password*", "*secret*", "authorization",
}

const redactedPlaceholder = "[REDACTED]"

// Redactor decides whether a structured log field's value must be
// replaced before the field reaches the logger (spec.md §7, invariant
// 4 in §3). It matches on field *names*, not values — the corpus's
// registry-of-patterns idiom, evaluated with doublestar so operators
// can use shell-style globs in redact_patterns.
type Redactor struct {
	patterns []string
}

// NewRedactor builds a Redactor from the config's redact_patterns,
// merged with DefaultRedactPatterns.
func NewRedactor(patterns []string) *Redactor {
	all := make([]string, 0, len(patterns)+len(DefaultRedactPatterns))
	all = append(all, DefaultRedactPatterns...)
	all = append(all, patterns...)
	return &Redactor{patterns: all}
}

// ShouldRedact reports whether the given field name matches any
// redaction pattern.
func (r *Redactor) ShouldRedact(key string) bool {
	for _, p := range r.patterns {
		if ok, _ := doublestar.Match(p, key); ok {
			return true
		}
	}
	return false
}

// Redact returns value unchanged, or the redaction placeholder if key
// matches a pattern.
func (r *Redactor) Redact(key, value string) string {
	if r.ShouldRedact(key) {
		return redactedPlaceholder
	}
	return value
}

// Redactor returns the config's compiled redactor.
func (c *Config) Redactor() *Redactor {
	return NewRedactor(c.Filter.RedactPatterns)
}
