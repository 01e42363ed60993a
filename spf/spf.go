// Package spf evaluates Sender Policy Framework records (RFC 7208).
//
// The entry point is Verify, which checks whether a remote IP is authorized
// to send mail for the MAIL FROM domain (or the HELO domain when the
// reverse-path is empty):
//
//	result := spf.Verify(ctx, resolver, spf.Args{
//		RemoteIP:       net.ParseIP("192.0.2.1"),
//		MailFromLocal:  "bounces",
//		MailFromDomain: "example.org",
//		HelloDomain:    "mx.example.org",
//	})
//
// Evaluation is bounded: at most ten DNS-querying mechanisms, at most two
// void lookups, and include/redirect may never revisit a domain. Exceeding
// any bound is a permanent error.
package spf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/inboundmx/mailauth/authres"
	"github.com/inboundmx/mailauth/dns"
)

// Evaluation errors.
var (
	ErrNoRecord        = errors.New("spf: no SPF record found")
	ErrMultipleRecords = errors.New("spf: multiple SPF records found")
	ErrDNS             = errors.New("spf: dns lookup failed")
	ErrLookupBudget    = errors.New("spf: exceeded maximum DNS lookups")
	ErrVoidBudget      = errors.New("spf: exceeded maximum void lookups")
	ErrEvaluationLoop  = errors.New("spf: include or redirect loop")
	ErrInvalidDomain   = errors.New("spf: invalid domain name")
)

// Evaluation limits per RFC 7208 Section 4.6.4.
const (
	// lookupBudget bounds the DNS-querying terms per evaluation:
	// include, a, mx, ptr, exists and redirect.
	lookupBudget = 10

	// voidBudget bounds lookups that return no usable records.
	voidBudget = 2

	// mxPtrLimit bounds the MX or PTR records inspected per mechanism.
	mxPtrLimit = 10
)

// Mocked for tests of the t macro.
var timeNow = time.Now

// Args are the inputs to an SPF check, taken from the SMTP session.
type Args struct {
	// RemoteIP is the address of the connecting client.
	RemoteIP net.IP

	// MailFromDomain is the domain of the MAIL FROM reverse-path.
	// Empty for bounces (null reverse-path).
	MailFromDomain string

	// MailFromLocal is the local-part of the MAIL FROM reverse-path,
	// used for macro expansion. Defaults to "postmaster".
	MailFromLocal string

	// HelloDomain is the EHLO/HELO argument.
	HelloDomain string

	// HelloIsIP marks HelloDomain as an address literal, which cannot
	// be checked.
	HelloIsIP bool

	// LocalIP is the receiving address, for the c macro in explanations.
	LocalIP net.IP

	// LocalHostname is the receiving host, for the r macro and the
	// Received-SPF receiver field.
	LocalHostname string

	// Logger receives debug output. Nil disables logging.
	Logger *slog.Logger
}

// Result is the outcome of an SPF check.
type Result struct {
	// Status is the protocol verdict.
	Status authres.Status

	// Domain is the domain that was checked.
	Domain string

	// Identity is "mailfrom" or "helo", depending on which identity the
	// check used.
	Identity string

	// Mechanism is the directive that produced the verdict, empty when
	// no directive matched.
	Mechanism string

	// Explanation is the domain owner's explanation string, only set on
	// fail when the record carries an exp= modifier.
	Explanation string

	// Authentic reports whether every DNS answer involved was
	// DNSSEC-validated.
	Authentic bool

	// Err describes the failure for temperror and permerror statuses.
	Err error
}

// Verdict converts the result for Authentication-Results rendering.
func (r Result) Verdict() authres.Verdict {
	v := authres.Verdict{Method: "spf", Status: r.Status}
	if r.Err != nil {
		v.Reason = r.Err.Error()
	} else if r.Mechanism != "" {
		v.Reason = "matched " + r.Mechanism
	}
	if r.Domain != "" {
		name := "mailfrom"
		if r.Identity == "helo" {
			name = "helo"
		}
		v.Props = append(v.Props,
			authres.Property{Type: "smtp", Name: name, Value: r.Domain})
	}
	return v
}

// Verify runs the check_host algorithm for the session in args.
//
// MAIL FROM is the primary identity. When it is empty the HELO domain is
// checked instead, with postmaster as the local-part. When neither yields
// a domain (HELO is an address literal) the result is none.
func Verify(ctx context.Context, resolver dns.Resolver, args Args) Result {
	local, domain, identity := chooseIdentity(args)
	if domain == "" {
		return Result{
			Status:   authres.StatusNone,
			Identity: identity,
		}
	}

	eval := newEvaluation(resolver, args, local, domain)
	status, mechanism, explanation, err := eval.checkHost(ctx, domain, false)

	if args.Logger != nil {
		args.Logger.Debug("spf evaluation finished",
			slog.String("domain", domain),
			slog.String("status", string(status)),
			slog.String("mechanism", mechanism),
			slog.Int("lookups", eval.lookups))
	}

	return Result{
		Status:      status,
		Domain:      domain,
		Identity:    identity,
		Mechanism:   mechanism,
		Explanation: explanation,
		Authentic:   eval.authentic,
		Err:         err,
	}
}

// Evaluate checks a pre-parsed record instead of looking it up, for callers
// that cache records themselves. The record is taken to belong to the
// domain chosen from args.
func Evaluate(ctx context.Context, resolver dns.Resolver, record *Record, args Args) Result {
	local, domain, identity := chooseIdentity(args)
	if domain == "" {
		return Result{Status: authres.StatusNone, Identity: identity}
	}

	eval := newEvaluation(resolver, args, local, domain)
	eval.visited[strings.ToLower(domain)] = true
	status, mechanism, explanation, err := eval.evalRecord(ctx, domain, record, false)

	return Result{
		Status:      status,
		Domain:      domain,
		Identity:    identity,
		Mechanism:   mechanism,
		Explanation: explanation,
		Authentic:   eval.authentic,
		Err:         err,
	}
}

// Lookup fetches and parses the SPF record for a domain. Non-SPF TXT
// records at the same name are skipped; more than one SPF record is a
// permanent error per RFC 7208 Section 4.5.
func Lookup(ctx context.Context, resolver dns.Resolver, domain string) (*Record, string, bool, error) {
	if err := checkDomain(domain); err != nil {
		return nil, "", false, err
	}

	result, err := resolver.LookupTXT(ctx, domain)
	if err != nil {
		if dns.IsNotFound(err) {
			return nil, "", result.Authentic, ErrNoRecord
		}
		return nil, "", result.Authentic, fmt.Errorf("%w: %v", ErrDNS, err)
	}

	var record *Record
	var recordTxt string
	for _, txt := range result.Records {
		parsed, isSPF, parseErr := ParseRecord(txt)
		if !isSPF {
			continue
		}
		if parseErr != nil {
			return nil, txt, result.Authentic, parseErr
		}
		if record != nil {
			return nil, "", result.Authentic, fmt.Errorf("%w at %s", ErrMultipleRecords, domain)
		}
		record = parsed
		recordTxt = txt
	}

	if record == nil {
		return nil, "", result.Authentic, ErrNoRecord
	}
	return record, recordTxt, result.Authentic, nil
}

// chooseIdentity picks the identity to check: mailfrom when the
// reverse-path has a domain, helo otherwise. An empty domain means there is
// nothing to check.
func chooseIdentity(args Args) (local, domain, identity string) {
	if args.MailFromDomain == "" {
		if args.HelloIsIP || args.HelloDomain == "" {
			return "", "", "helo"
		}
		return "postmaster", args.HelloDomain, "helo"
	}
	local = args.MailFromLocal
	if local == "" {
		local = "postmaster"
	}
	return local, args.MailFromDomain, "mailfrom"
}

// checkDomain rejects names DNS cannot carry.
func checkDomain(domain string) error {
	name := strings.TrimSuffix(domain, ".")
	if name == "" {
		return fmt.Errorf("%w: empty domain", ErrInvalidDomain)
	}
	if len(name) > 253 {
		return fmt.Errorf("%w: name too long", ErrInvalidDomain)
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" {
			return fmt.Errorf("%w: empty label in %q", ErrInvalidDomain, domain)
		}
		if len(label) > 63 {
			return fmt.Errorf("%w: label too long in %q", ErrInvalidDomain, domain)
		}
	}
	return nil
}
