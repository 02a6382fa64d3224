// Package policy implements the bridge's sender policy: deciding which
// address is presented to ACS as the envelope sender for an accepted
// message.
package policy

import (
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"

	"github.com/ArrEssJay/smtp-acs-bridge/internal/envelope"
)

// Sender decides the effective ACS sender address for a message that
// arrived with the given MAIL FROM address. If mailFrom's domain is not in
// allowedDomains (or mailFrom/allowedDomains is empty), defaultSender is
// used instead. The domain of mailFrom is IDNA-normalized to ASCII before
// comparison, so a MAIL FROM with an internationalized domain compares
// correctly against an ASCII allow-list entry. An allowed mailFrom is
// returned with its original domain and its local part PRECIS case-mapped
// (see normalizedAddr).
//
// Decision reports which branch was taken ("default" or "verbatim"), for
// callers that want to log the choice.
func Sender(mailFrom, defaultSender string, allowedDomains map[string]bool) (chosen string, decision string) {
	if len(allowedDomains) == 0 || mailFrom == "" {
		return defaultSender, "default"
	}

	domain := envelope.DomainOf(mailFrom)
	if domain == "" {
		return defaultSender, "default"
	}

	ascii, err := toASCII(domain)
	if err != nil {
		return defaultSender, "default"
	}

	user, _ := envelope.Split(mailFrom)
	if !envelope.DomainIn(user+"@"+ascii, allowedDomains) {
		return defaultSender, "default"
	}

	return normalizedAddr(mailFrom), "verbatim"
}

// normalizedAddr PRECIS-normalizes the local part of addr before it is
// forwarded verbatim as the ACS sender, so confusable or case-variant
// local parts don't produce distinct-looking senders for the same
// mailbox. Falls back to addr unchanged on normalization error.
func normalizedAddr(addr string) string {
	user, domain := envelope.Split(addr)
	norm, err := precis.UsernameCaseMapped.String(user)
	if err != nil {
		return addr
	}
	return norm + "@" + domain
}

// toASCII converts a domain to its IDNA ASCII (punycode) form, lower-cased.
// Domains that are already ASCII pass through unchanged save for
// case-folding.
func toASCII(domain string) (string, error) {
	a, err := idna.ToASCII(domain)
	if err != nil {
		return "", err
	}
	return strings.ToLower(a), nil
}
