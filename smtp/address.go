package smtp

import "strings"

// Address is the literal text a client placed between the angle brackets
// of a MAIL FROM or RCPT TO argument. No RFC 5321 validation is
// performed here: this is a syntactic extraction, not an address checker.
// The null reverse-path ("MAIL FROM:<>") is represented as the empty
// string, which is exactly what the bracket contents were.
type Address string

// Split breaks the address on its last '@' into local-part and domain,
// for callers (such as the mailbox sink) that want to group mail by
// recipient. ok is false for addresses with no '@', including the empty
// null reverse-path.
func (a Address) Split() (local, domain string, ok bool) {
	s := string(a)
	i := strings.LastIndexByte(s, '@')
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}
