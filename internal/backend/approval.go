package backend

import (
	"regexp"
	"strings"
)

// ApprovalInstructions tells a model how to ask for confirmation before a
// side-effecting action.
const ApprovalInstructions = "If continuing requires an action with side effects that a human should confirm, " +
	"stop and reply with <needs_approval>short reason</needs_approval> instead of performing it."

var approvalPattern = regexp.MustCompile(`(?s)<needs_approval>(.*?)</needs_approval>`)

// ParseApproval reports whether content asks for manual confirmation and
// returns the stated reason.
func ParseApproval(content string) (string, bool) {
	m := approvalPattern.FindStringSubmatch(content)
	if m == nil {
		return "", false
	}
	reason := strings.TrimSpace(m[1])
	if reason == "" {
		reason = "confirmation requested"
	}
	return reason, true
}
