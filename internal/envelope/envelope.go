// Package envelope implements functions related to handling email addresses
// and message envelopes (the (from, to, data) tuple carried through an SMTP
// session).
package envelope

import "strings"

// Split a user@domain address into user and domain.
func Split(addr string) (string, string) {
	ps := strings.SplitN(addr, "@", 2)
	if len(ps) != 2 {
		return addr, ""
	}

	return ps[0], ps[1]
}

// UserOf user@domain returns user.
func UserOf(addr string) string {
	user, _ := Split(addr)
	return user
}

// DomainOf user@domain returns domain, lower-cased.
func DomainOf(addr string) string {
	_, domain := Split(addr)
	return strings.ToLower(domain)
}

// DomainIn checks whether the domain of addr is in the given set of
// lower-cased allowed domains. An address with no domain part is treated as
// in the set, matching the bounce-address (MAIL FROM:<>) case.
func DomainIn(addr string, allowed map[string]bool) bool {
	domain := DomainOf(addr)
	if domain == "" {
		return true
	}

	return allowed[domain]
}
