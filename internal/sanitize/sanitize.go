// Package sanitize provides an optional, defense-in-depth pre-check against
// obviously hostile submissions. It is disabled by default: the sandbox
// (process resource limits or the Docker isolation strategy) is what
// actually keeps a submission from harming the host, not this package.
// Operators may enable it to reject cheap, obvious abuse before it ever
// reaches a worker.
package sanitize

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrCodeTooLong is returned when a submission exceeds the configured
// maximum length.
var ErrCodeTooLong = errors.New("code length exceeds maximum limit")

// Error carries a machine-checkable reason alongside a human message, the
// same shape the dispatcher uses for other rejected-submission errors.
type Error struct {
	Message string
	Details string
}

func (e *Error) Error() string {
	return e.Message
}

// Sanitizer rejects submissions that match known-hostile patterns. It does
// not attempt to prove a submission is safe; patterns are a blocklist, not
// a sandbox, and new escapes are expected over time.
type Sanitizer struct {
	maxCodeLength int
}

// New builds a Sanitizer with the given maximum code length.
func New(maxCodeLength int) *Sanitizer {
	if maxCodeLength <= 0 {
		maxCodeLength = 50000
	}
	return &Sanitizer{maxCodeLength: maxCodeLength}
}

// universalPatterns are checked regardless of language: attempts to shell
// out or reach the network from inside what's supposed to be a sandboxed
// interpreter are always suspicious, since a legitimate submission has no
// reason to need them.
var universalPatterns = []string{
	`(?i)(subprocess|os\.system|exec\.Command|ShellExecute)`,
	`(?i)(socket\.|net\.Dial|net\.Listen|http\.Get|http\.Post|urllib\.request)`,
}

// languagePatterns are additional patterns checked only for a specific
// language's submissions, mirroring the shape of that language's own
// standard library footguns.
var languagePatterns = map[string][]string{
	"python": {
		`__import__`,
		`(?i)(globals|locals)\s*\(`,
		`(?i)(getattr|setattr|delattr)\s*\(`,
		`(?i)(pip|setuptools|pkg_resources)`,
	},
	"go": {
		`unsafe\.`,
		`reflect\.`,
		`plugin\.`,
		`syscall\.`,
		`os\.Exit`,
	},
	"javascript": {
		`require\s*\(`,
		`process\.env`,
		`child_process`,
		`__proto__`,
	},
}

// Check rejects code that matches a universal or language-specific
// hostile pattern, or exceeds the configured maximum length. A nil return
// means the submission passed the check, not that it is safe to run
// unsandboxed.
func (s *Sanitizer) Check(code, language string) error {
	if len(code) > s.maxCodeLength {
		return &Error{
			Message: ErrCodeTooLong.Error(),
			Details: fmt.Sprintf("max length is %d bytes, got %d", s.maxCodeLength, len(code)),
		}
	}

	if matched, pattern := matchAny(universalPatterns, code); matched {
		return &Error{
			Message: "prohibited system-level access detected",
			Details: "matched pattern: " + pattern,
		}
	}

	if patterns, ok := languagePatterns[language]; ok {
		if matched, pattern := matchAny(patterns, code); matched {
			return &Error{
				Message: "prohibited " + language + " code pattern detected",
				Details: "matched pattern: " + pattern,
			}
		}
	}

	return nil
}

func matchAny(patterns []string, code string) (bool, string) {
	for _, pattern := range patterns {
		if regexp.MustCompile(pattern).MatchString(code) {
			return true, pattern
		}
	}
	return false, ""
}
