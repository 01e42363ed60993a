package dmarc

import (
	"strings"

	"golang.org/x/net/publicsuffix"
)

// OrganizationalDomain returns the domain directly under the public suffix:
// sub.example.co.uk becomes example.co.uk. Names the public suffix list
// cannot place (bare suffixes, localhost) come back unchanged.
//
// This is the default for Verifier.OrgDomain, backed by the ICANN section
// of the compiled-in public suffix list as RFC 7489 prescribes.
func OrganizationalDomain(domain string) string {
	domain = strings.TrimSuffix(strings.ToLower(domain), ".")
	if domain == "" {
		return ""
	}

	etldPlusOne, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return domain
	}
	return etldPlusOne
}

// Aligned reports whether two domains align under the given mode: equal in
// strict mode, same organizational domain in relaxed mode.
func Aligned(domain1, domain2 string, mode Align) bool {
	if mode == AlignStrict {
		return equalDomain(domain1, domain2)
	}
	return OrganizationalDomain(domain1) == OrganizationalDomain(domain2)
}

// IsSubdomain reports whether domain is parent or below it.
func IsSubdomain(domain, parent string) bool {
	d := strings.TrimSuffix(strings.ToLower(domain), ".")
	p := strings.TrimSuffix(strings.ToLower(parent), ".")
	return d == p || strings.HasSuffix(d, "."+p)
}

// equalDomain compares domain names ignoring case and the trailing dot.
func equalDomain(a, b string) bool {
	return strings.EqualFold(strings.TrimSuffix(a, "."), strings.TrimSuffix(b, "."))
}
