package term

import (
	"bytes"
	"regexp"
	"strings"
	"time"
)

// sanitize.go – the lossy transform applied to output when a stop mark is
// active: ANSI CSI sequences are stripped, CR and CRLF collapse to LF, and
// leading shell prompts are removed so the mark matches what a human sees.

var (
	ansiEscape    = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]`)
	leadingPrompt = regexp.MustCompile(`(?m)^(?:` + regexp.QuoteMeta(Prompt) + `?)+`)
)

// Sanitize strips ANSI escapes, normalizes CR/CRLF to LF, and removes runs
// of the shell prompt at line starts.
func Sanitize(b []byte) []byte {
	s := string(ansiEscape.ReplaceAll(b, nil))
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = leadingPrompt.ReplaceAllString(s, "")
	return []byte(s)
}

// ctrlCEchoWindow is how recent a sent ctrl-C must be for FixCtrlCEcho to
// assume the upcoming output belongs to the cancelled command.
const ctrlCEchoWindow = 1500 * time.Millisecond

// FixCtrlCEcho prefixes "^C\n" when a ctrl-C was sent within the last 1.5
// seconds but the shell did not echo it, so clients render a consistent
// cancel marker.
func FixCtrlCEcho(out []byte, lastCtrlC time.Time, now time.Time) []byte {
	if lastCtrlC.IsZero() || now.Sub(lastCtrlC) >= ctrlCEchoWindow {
		return out
	}
	if bytes.HasPrefix(out, []byte("^C")) {
		return out
	}
	return append([]byte("^C\n"), out...)
}
