package dmarc

import (
	"fmt"
	"strings"
)

// URI is a report destination from a rua or ruf tag.
type URI struct {
	// Address is the full URI, typically mailto:.
	Address string

	// MaxSize is an optional report size cap, zero for none.
	MaxSize uint64

	// Unit scales MaxSize: "" (bytes), "k", "m", "g" or "t",
	// each a power of 1024.
	Unit string
}

// String renders the URI in record form, with the DMARC-specific escapes
// for comma and exclamation mark.
func (u URI) String() string {
	s := strings.ReplaceAll(u.Address, ",", "%2C")
	s = strings.ReplaceAll(s, "!", "%21")
	if u.MaxSize > 0 {
		s += fmt.Sprintf("!%d", u.MaxSize)
	}
	return s + u.Unit
}

// Record is a parsed DMARC policy record.
//
// Example:
//
//	v=DMARC1; p=reject; rua=mailto:dmarc@example.org
type Record struct {
	// Version must be DMARC1.
	Version string

	// Policy applies to the domain publishing the record. Required.
	Policy Policy

	// SubdomainPolicy applies to subdomains when set; Policy otherwise.
	SubdomainPolicy Policy

	// AggregateAddresses are rua destinations.
	AggregateAddresses []URI

	// FailureAddresses are ruf destinations.
	FailureAddresses []URI

	// ADKIM is the DKIM alignment mode, relaxed by default.
	ADKIM Align

	// ASPF is the SPF alignment mode, relaxed by default.
	ASPF Align

	// ReportInterval is the requested aggregate interval in seconds,
	// 86400 by default.
	ReportInterval int

	// FailureOptions states when failure reports are requested:
	// "0" all mechanisms fail (default), "1" any fails, "d" DKIM failed,
	// "s" SPF failed.
	FailureOptions []string

	// ReportFormat lists failure report formats, afrf by default.
	ReportFormat []string

	// Percentage of messages the policy applies to, 100 by default.
	Percentage int
}

// DefaultRecord carries the tag defaults of RFC 7489 Section 6.3.
var DefaultRecord = Record{
	Version:        "DMARC1",
	ADKIM:          AlignRelaxed,
	ASPF:           AlignRelaxed,
	ReportInterval: 86400,
	FailureOptions: []string{"0"},
	ReportFormat:   []string{"afrf"},
	Percentage:     100,
}

// String renders the record in TXT form, omitting tags at their defaults.
func (r *Record) String() string {
	var b strings.Builder
	b.WriteString("v=")
	b.WriteString(r.Version)

	write := func(do bool, tag, value string) {
		if do {
			fmt.Fprintf(&b, "; %s=%s", tag, value)
		}
	}

	write(r.Policy != "", "p", string(r.Policy))
	write(r.SubdomainPolicy != PolicyAbsent, "sp", string(r.SubdomainPolicy))
	write(len(r.AggregateAddresses) > 0, "rua", joinURIs(r.AggregateAddresses))
	write(len(r.FailureAddresses) > 0, "ruf", joinURIs(r.FailureAddresses))
	write(r.ADKIM != AlignRelaxed, "adkim", string(r.ADKIM))
	write(r.ASPF != AlignRelaxed, "aspf", string(r.ASPF))
	write(r.ReportInterval != 86400, "ri", fmt.Sprintf("%d", r.ReportInterval))

	if len(r.FailureOptions) > 0 && !(len(r.FailureOptions) == 1 && r.FailureOptions[0] == "0") {
		write(true, "fo", strings.Join(r.FailureOptions, ":"))
	}
	if len(r.ReportFormat) > 0 && !(len(r.ReportFormat) == 1 && r.ReportFormat[0] == "afrf") {
		write(true, "rf", strings.Join(r.ReportFormat, ":"))
	}

	write(r.Percentage != 100, "pct", fmt.Sprintf("%d", r.Percentage))

	return b.String()
}

func joinURIs(uris []URI) string {
	parts := make([]string, len(uris))
	for i, u := range uris {
		parts[i] = u.String()
	}
	return strings.Join(parts, ",")
}

// EffectivePolicy selects between p and sp.
func (r *Record) EffectivePolicy(isSubdomain bool) Policy {
	if isSubdomain && r.SubdomainPolicy != PolicyAbsent {
		return r.SubdomainPolicy
	}
	return r.Policy
}
