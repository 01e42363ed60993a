// Package dmarc evaluates DMARC policies (RFC 7489).
//
// DMARC ties SPF and DKIM results to the RFC5322.From domain: the message
// passes when at least one of them passed for a domain aligned with the
// From domain. The policy record is published as TXT at _dmarc.<domain>,
// falling back to the organizational domain.
//
//	verifier := &dmarc.Verifier{Resolver: resolver}
//	result := verifier.Verify(ctx, dmarc.Args{
//		FromDomain:  "example.org",
//		SPFResult:   spfResult.Status,
//		SPFDomain:   spfResult.Domain,
//		DKIMResults: dkimResults,
//	})
//
// Organizational domains are resolved through the Verifier's OrgDomain
// function, defaulting to the embedded public suffix list.
package dmarc

import (
	"context"
	"errors"
	"math/rand"

	"github.com/inboundmx/mailauth/authres"
	"github.com/inboundmx/mailauth/dkim"
	"github.com/inboundmx/mailauth/dns"
)

// Lookup and evaluation errors.
var (
	// ErrNoRecord indicates no DMARC record exists for the domain or its
	// organizational domain.
	ErrNoRecord = errors.New("dmarc: no DMARC record found")

	// ErrMultipleRecords indicates more than one DMARC record at the same
	// name. The domain is treated as not implementing DMARC
	// (RFC 7489 Section 6.6.3).
	ErrMultipleRecords = errors.New("dmarc: multiple DMARC records found")

	// ErrSyntax indicates a malformed DMARC record.
	ErrSyntax = errors.New("dmarc: malformed record")

	// ErrDNS indicates the policy lookup failed.
	ErrDNS = errors.New("dmarc: dns lookup failed")
)

// Policy is the domain owner's requested handling of failing messages.
type Policy string

const (
	// PolicyAbsent marks an unset subdomain policy.
	PolicyAbsent Policy = ""

	// PolicyNone requests no action, used for monitoring rollouts.
	PolicyNone Policy = "none"

	// PolicyQuarantine requests failing messages be treated as suspect.
	PolicyQuarantine Policy = "quarantine"

	// PolicyReject requests failing messages be rejected.
	PolicyReject Policy = "reject"
)

// Align is an identifier alignment mode.
type Align string

const (
	// AlignRelaxed matches when organizational domains are equal. Default.
	AlignRelaxed Align = "r"

	// AlignStrict requires exactly equal domains.
	AlignStrict Align = "s"
)

// Sampling hook for the pct tag, replaced in tests.
var randIntN = rand.Intn

// Args are the inputs to a DMARC evaluation, produced by the SPF and DKIM
// engines and the message's From header.
type Args struct {
	// FromDomain is the RFC5322.From domain being authenticated.
	FromDomain string

	// SPFResult is the SPF verdict for the session.
	SPFResult authres.Status

	// SPFDomain is the domain SPF checked (MAIL FROM or HELO), used for
	// alignment.
	SPFDomain string

	// DKIMResults are the per-signature DKIM verdicts.
	DKIMResults []dkim.Result
}

// Result is the outcome of a DMARC evaluation.
type Result struct {
	// Status is the protocol verdict.
	Status authres.Status

	// Reject reports whether the effective policy asks for the message to
	// be rejected or quarantined. It never forces acceptance: a false
	// value only means DMARC itself raises no objection.
	Reject bool

	// Applied reports whether the pct tag selected this message for
	// policy application. Always true unless the Verifier samples.
	Applied bool

	// AlignedSPFPass reports an aligned SPF pass.
	AlignedSPFPass bool

	// AlignedDKIMPass reports at least one aligned DKIM pass.
	AlignedDKIMPass bool

	// Domain is where the record was found, possibly the organizational
	// domain rather than the From domain.
	Domain string

	// Record is the parsed policy, nil when none was found.
	Record *Record

	// RecordAuthentic reports whether the record lookup was
	// DNSSEC-validated.
	RecordAuthentic bool

	// Err details none, temperror and permerror outcomes.
	Err error
}

// Verdict converts the result for Authentication-Results rendering.
func (r Result) Verdict(fromDomain string) authres.Verdict {
	v := authres.Verdict{Method: "dmarc", Status: r.Status}
	if r.Err != nil {
		v.Reason = r.Err.Error()
	} else if r.Record != nil {
		v.Reason = "p=" + string(r.Record.Policy)
	}
	if fromDomain != "" {
		v.Props = append(v.Props,
			authres.Property{Type: "header", Name: "from", Value: fromDomain})
	}
	return v
}

// Verifier evaluates DMARC policies.
type Verifier struct {
	// Resolver is the DNS resolver to use.
	Resolver dns.Resolver

	// OrgDomain maps a domain to its organizational domain. Nil uses
	// OrganizationalDomain, backed by the compiled-in public suffix
	// list. Operators pinning their own PSL snapshot inject it here.
	OrgDomain func(domain string) string

	// ApplyPercentage honors the record's pct tag by sampling. When
	// false every message gets Applied=true.
	ApplyPercentage bool
}

func (v *Verifier) orgDomain(domain string) string {
	if v.OrgDomain != nil {
		return v.OrgDomain(domain)
	}
	return OrganizationalDomain(domain)
}

// Verify looks up the policy for the From domain and evaluates alignment.
//
// Status mapping: no usable record is none, DNS trouble is temperror, a
// malformed record is permerror. With a record in hand, the verdict is pass
// when SPF or DKIM passed aligned, temperror when a pass is still possible
// once a temporary DKIM/SPF failure clears, and fail otherwise.
func (v *Verifier) Verify(ctx context.Context, args Args) Result {
	domain, record, _, authentic, err := lookupPolicy(ctx, v.Resolver, args.FromDomain, v.orgDomain)
	if record == nil {
		status := authres.StatusNone
		switch {
		case errors.Is(err, ErrSyntax):
			status = authres.StatusPermError
		case errors.Is(err, ErrDNS):
			status = authres.StatusTempError
		}
		return Result{
			Status:          status,
			Domain:          domain,
			RecordAuthentic: authentic,
			Err:             err,
		}
	}

	result := Result{
		Domain:          domain,
		Record:          record,
		RecordAuthentic: authentic,
		Applied:         true,
	}

	if v.ApplyPercentage && record.Percentage < 100 {
		result.Applied = randIntN(100) < record.Percentage
	}

	isSubdomain := !equalDomain(domain, args.FromDomain)
	policy := record.EffectivePolicy(isSubdomain)
	result.Reject = policy != PolicyNone

	result.Status = authres.StatusFail

	if args.SPFResult == authres.StatusTempError {
		result.Status = authres.StatusTempError
		result.Reject = false
	}
	if args.SPFResult == authres.StatusPass && args.SPFDomain != "" {
		result.AlignedSPFPass = v.aligned(args.FromDomain, args.SPFDomain, record.ASPF)
	}

	fromOrg := v.orgDomain(args.FromDomain)
	for _, dkimResult := range args.DKIMResults {
		if dkimResult.Status == authres.StatusTempError {
			result.Status = authres.StatusTempError
			result.Reject = false
			continue
		}
		if dkimResult.Status != authres.StatusPass || dkimResult.Signature == nil {
			continue
		}

		sigDomain := dkimResult.Signature.Domain
		if !v.aligned(args.FromDomain, sigDomain, record.ADKIM) {
			continue
		}
		// A signature from at or above the public suffix must not align;
		// its organizational domain has to equal the From domain's.
		if v.orgDomain(sigDomain) == fromOrg {
			result.AlignedDKIMPass = true
			break
		}
	}

	if result.AlignedSPFPass || result.AlignedDKIMPass {
		result.Status = authres.StatusPass
		result.Reject = false
	}

	return result
}

// aligned applies one alignment mode under the Verifier's organizational
// domain function.
func (v *Verifier) aligned(fromDomain, authDomain string, mode Align) bool {
	if mode == AlignStrict {
		return equalDomain(fromDomain, authDomain)
	}
	return v.orgDomain(fromDomain) == v.orgDomain(authDomain)
}
