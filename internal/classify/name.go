package classify

import (
	"strings"

	"github.com/sweeney/asterisk-shipper/internal/cdr"
)

// CleanCallerName reduces tenant-prefixed caller-id names to the trailing
// actual name. Multi-tenant dialplans often rewrite the CID name into a
// hyphen-delimited routing string like "338-6478752300-338-CFLAW-Jane Doe";
// only the final segment is the caller. A trailing segment that is itself a
// number means there was no real name, and the result is empty.
func CleanCallerName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	if !looksPrefixed(name) {
		return name
	}

	_, trailing, ok := rsplitDash(name)
	if !ok {
		return name
	}
	trailing = strings.TrimSpace(trailing)
	if trailing == "" {
		return ""
	}
	// A numeric trailing segment is a phone number, not a name.
	if cleaned := cdr.CleanNumber(trailing); cleaned != "" && cdr.IsNumber(cleaned) && len(cleaned) >= 7 {
		return ""
	}
	if strings.HasPrefix(trailing, "+") {
		return ""
	}
	return trailing
}

// looksPrefixed reports whether a CID name carries a tenant routing prefix:
// either a long dash-delimited string, or a digits-led value with at least
// two dash-separated segments before the name.
func looksPrefixed(name string) bool {
	dashes := strings.Count(name, "-")
	if dashes == 0 {
		return false
	}
	if len(name) > 30 {
		return true
	}
	if dashes < 2 {
		return false
	}
	head, _, _ := strings.Cut(name, "-")
	return cdr.IsNumber(head)
}

func rsplitDash(s string) (head, tail string, ok bool) {
	i := strings.LastIndex(s, "-")
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+1:], true
}
