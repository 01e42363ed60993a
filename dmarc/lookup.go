package dmarc

import (
	"context"
	"fmt"

	"github.com/inboundmx/mailauth/dns"
)

// Lookup fetches the DMARC record for a domain: first _dmarc.<domain>,
// then _dmarc.<organizational domain> when the first name has no record
// (RFC 7489 Section 6.6.3).
//
// It returns the domain the record was found at, the parsed record, its raw
// TXT form and whether all lookups involved were DNSSEC-validated. A nil
// record comes with ErrNoRecord, ErrMultipleRecords, a wrapped ErrDNS or a
// wrapped ErrSyntax.
func Lookup(ctx context.Context, resolver dns.Resolver, domain string) (string, *Record, string, bool, error) {
	return lookupPolicy(ctx, resolver, domain, OrganizationalDomain)
}

func lookupPolicy(ctx context.Context, resolver dns.Resolver, domain string, orgDomain func(string) string) (string, *Record, string, bool, error) {
	record, txt, authentic, err := lookupRecord(ctx, resolver, domain)
	if record != nil || !missingRecord(err) {
		return domain, record, txt, authentic, err
	}

	org := orgDomain(domain)
	if equalDomain(org, domain) || org == "" {
		return domain, nil, "", authentic, err
	}

	record, txt, orgAuthentic, err := lookupRecord(ctx, resolver, org)
	return org, record, txt, authentic && orgAuthentic, err
}

// missingRecord reports whether the fallback to the organizational domain
// applies: nothing found, or a name that does not implement DMARC.
func missingRecord(err error) bool {
	return err == ErrNoRecord || err == ErrMultipleRecords
}

// lookupRecord queries _dmarc.<domain> and parses the single DMARC record.
func lookupRecord(ctx context.Context, resolver dns.Resolver, domain string) (*Record, string, bool, error) {
	result, err := resolver.LookupTXT(ctx, "_dmarc."+domain)
	if err != nil {
		if dns.IsNotFound(err) {
			return nil, "", result.Authentic, ErrNoRecord
		}
		return nil, "", result.Authentic, fmt.Errorf("%w: %v", ErrDNS, err)
	}

	var record *Record
	var text string

	for _, txt := range result.Records {
		parsed, isDMARC, parseErr := ParseRecord(txt)
		if !isDMARC {
			continue
		}
		if parseErr != nil {
			return nil, txt, result.Authentic, parseErr
		}
		if record != nil {
			return nil, "", result.Authentic, ErrMultipleRecords
		}
		record = parsed
		text = txt
	}

	if record == nil {
		return nil, "", result.Authentic, ErrNoRecord
	}
	return record, text, result.Authentic, nil
}

// ExternalReportsAccepted reports whether extDomain has opted into
// receiving DMARC reports for dmarcDomain, via the record at
// <dmarcDomain>._report._dmarc.<extDomain> (RFC 7489 Section 7.1).
//
// Report authorization records need no p tag, and multiple records at the
// name are permitted.
func ExternalReportsAccepted(ctx context.Context, resolver dns.Resolver, dmarcDomain, extDomain string) (bool, []*Record, bool, error) {
	name := dmarcDomain + "._report._dmarc." + extDomain

	result, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		if dns.IsNotFound(err) {
			return false, nil, result.Authentic, ErrNoRecord
		}
		return false, nil, result.Authentic, fmt.Errorf("%w: %v", ErrDNS, err)
	}

	var records []*Record
	for _, txt := range result.Records {
		parsed, isDMARC, parseErr := ParseReportRecord(txt)
		if !isDMARC {
			continue
		}
		if parseErr != nil {
			return false, records, result.Authentic, parseErr
		}
		records = append(records, parsed)
	}

	if len(records) == 0 {
		return false, nil, result.Authentic, ErrNoRecord
	}
	return true, records, result.Authentic, nil
}
