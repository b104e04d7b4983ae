package workflow

import (
	"regexp"
	"strings"
)

// Command is a parsed reviewer instruction from a PR comment.
type Command struct {
	Action   string // approve | deny
	Feedback string // deny only
}

var (
	approveRe = regexp.MustCompile(`(?i)^/approve\s*$`)
	denyRe    = regexp.MustCompile(`(?i)^/deny(?:\s*-\s*(.*))?$`)
)

// ParseCommand recognizes /approve and /deny - "reason" on the first
// non-empty line of a comment. The deny reason quotes are optional and
// matching is case-insensitive. Any comment text following the /deny line
// is kept verbatim as part of the feedback. Returns nil for anything else.
func ParseCommand(body string) *Command {
	lines := strings.Split(body, "\n")
	idx := -1
	line := ""
	for i, l := range lines {
		if trimmed := strings.TrimSpace(l); trimmed != "" {
			idx, line = i, trimmed
			break
		}
	}
	if idx < 0 {
		return nil
	}

	if approveRe.MatchString(line) {
		return &Command{Action: "approve"}
	}
	if m := denyRe.FindStringSubmatch(line); m != nil {
		feedback := strings.TrimSpace(m[1])
		feedback = strings.Trim(feedback, `"`)
		feedback = strings.TrimSpace(feedback)
		if rest := strings.TrimSpace(strings.Join(lines[idx+1:], "\n")); rest != "" {
			if feedback != "" {
				feedback += "\n"
			}
			feedback += rest
		}
		return &Command{Action: "deny", Feedback: feedback}
	}
	return nil
}
