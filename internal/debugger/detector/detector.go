// Package detector classifies debugger output lines. It is the pure,
// stateless heart of completion detection (spec.md §4.B) — every function
// here is deterministic and takes no dependency on the driver or queue.
package detector

import (
	"regexp"
	"strings"
)

// promptPattern matches a CDB/WinDbg prompt: "n:mmm>" with an optional
// process-name suffix, e.g. "0:000>" or "0:000:notepad>". The suffix is
// word characters only, so a dotted name such as "notepad.exe" does not
// match.
var promptPattern = regexp.MustCompile(`^\s*\d+:\d{3}(:\w+)?>\s*.*$`)

// ultraSafePattern matches a syntax-error caret line ("^ Syntax error...")
// or a ModLoad:/ModUnload: line, case-insensitively for the mod(un)load
// keyword per the glossary.
var ultraSafePattern = regexp.MustCompile(`(?i)^\s*(\^|mod(un)?load:)`)

// IsPrompt reports whether line is the debugger's ready-for-input prompt.
func IsPrompt(line string) bool {
	return promptPattern.MatchString(line)
}

// IsUltraSafeCompletion reports whether line unambiguously indicates the
// debugger has processed input and gone idle, independent of the sentinel
// echo (a syntax-error caret or a module load/unload notice).
func IsUltraSafeCompletion(line string) bool {
	return ultraSafePattern.MatchString(line)
}

// ExtractSentinel reports whether line, once trimmed, is exactly the
// sentinel tag — the authoritative completion signal (spec.md §4.A step 3).
func ExtractSentinel(line, tag string) bool {
	return strings.TrimSpace(line) == tag
}

// IsEchoOfInput reports whether line is merely the debugger echoing back
// text the driver itself wrote (the user command or the sentinel-emit
// command), which must be suppressed from the returned output.
func IsEchoOfInput(line, userCommand, sentinelCommand string) bool {
	trimmed := strings.TrimSpace(line)
	return trimmed == strings.TrimSpace(userCommand) || trimmed == strings.TrimSpace(sentinelCommand)
}
