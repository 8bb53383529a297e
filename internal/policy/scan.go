package policy

import (
	"fmt"
	"strings"
)

// MaxProgramBytes is the hard ceiling on generated program size.
const MaxProgramBytes = 100 << 10

// dangerousPatterns are textual markers of operations the sandbox would block
// anyway. A match produces a warning, not a rejection: static text matching
// cannot prove intent, and the sandbox policy is the real boundary.
var dangerousPatterns = []struct {
	pattern string
	reason  string
}{
	{"os.system(", "arbitrary shell invocation"},
	{"subprocess.", "arbitrary shell invocation"},
	{"popen(", "arbitrary shell invocation"},
	{"eval(", "dynamic code evaluation"},
	{"exec(", "dynamic code evaluation"},
	{"__import__(", "dynamic code evaluation"},
	{"compile(", "dynamic code evaluation"},
	{"open('/", "unrestricted file open"},
	{"open(\"/", "unrestricted file open"},
}

// Report is the outcome of scanning a generated program body.
type Report struct {
	IsValid  bool     `json:"is_valid"`
	Warnings []string `json:"warnings,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// ValidateProgram scans a generated program body. Only the size ceiling is a
// hard error; pattern matches are surfaced as warnings for the caller's logs.
func ValidateProgram(program string) Report {
	r := Report{IsValid: true}

	if len(program) > MaxProgramBytes {
		r.IsValid = false
		r.Errors = append(r.Errors,
			fmt.Sprintf("program body is %d bytes, exceeding the %d byte limit", len(program), MaxProgramBytes))
	}

	for _, p := range dangerousPatterns {
		if strings.Contains(program, p.pattern) {
			r.Warnings = append(r.Warnings, fmt.Sprintf("%s: found %q", p.reason, p.pattern))
		}
	}

	return r
}
