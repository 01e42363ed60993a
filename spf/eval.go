package spf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/inboundmx/mailauth/authres"
	"github.com/inboundmx/mailauth/dns"
)

// evaluation carries the state of one check_host run: the session identity,
// the remaining lookup budgets and the set of domains already visited
// through include and redirect. It is threaded through the recursion so
// limits hold across the whole evaluation, not per record.
type evaluation struct {
	resolver dns.Resolver

	remoteIP net.IP
	remote4  net.IP
	remote6  net.IP

	senderLocal   string
	senderDomain  string
	helloDomain   string
	localIP       net.IP
	localHostname string

	lookups   int
	voids     int
	visited   map[string]bool
	authentic bool
}

func newEvaluation(resolver dns.Resolver, args Args, local, domain string) *evaluation {
	e := &evaluation{
		resolver:      resolver,
		remoteIP:      args.RemoteIP,
		senderLocal:   local,
		senderDomain:  domain,
		helloDomain:   args.HelloDomain,
		localIP:       args.LocalIP,
		localHostname: args.LocalHostname,
		visited:       make(map[string]bool),
		authentic:     true,
	}
	e.remote4 = args.RemoteIP.To4()
	if e.remote4 == nil {
		e.remote6 = args.RemoteIP.To16()
	}
	return e
}

// chargeLookup consumes one unit of the DNS mechanism budget. It also
// trips when previous lookups already exhausted the void budget.
func (e *evaluation) chargeLookup() error {
	if e.lookups >= lookupBudget {
		return ErrLookupBudget
	}
	if e.voids >= voidBudget {
		return ErrVoidBudget
	}
	e.lookups++
	return nil
}

// noteVoid counts a lookup that produced no usable records.
func (e *evaluation) noteVoid(err error) {
	if dns.IsNotFound(err) {
		e.voids++
	}
}

// checkHost fetches the record for domain and evaluates it. Each domain may
// be entered only once per evaluation; include and redirect cycles are
// permanent errors.
func (e *evaluation) checkHost(ctx context.Context, domain string, isInclude bool) (authres.Status, string, string, error) {
	if err := checkDomain(domain); err != nil {
		return authres.StatusPermError, "", "", err
	}

	key := strings.ToLower(strings.TrimSuffix(domain, "."))
	if e.visited[key] {
		return authres.StatusPermError, "", "", fmt.Errorf("%w: %s revisited", ErrEvaluationLoop, domain)
	}
	e.visited[key] = true

	record, _, authentic, err := Lookup(ctx, e.resolver, domain)
	e.authentic = e.authentic && authentic
	if err != nil {
		switch {
		case errors.Is(err, ErrNoRecord):
			return authres.StatusNone, "", "", err
		case errors.Is(err, ErrDNS) && !dns.IsMalformed(err):
			return authres.StatusTempError, "", "", err
		default:
			// Syntax errors, multiple records, malformed responses.
			return authres.StatusPermError, "", "", err
		}
	}

	return e.evalRecord(ctx, domain, record, isInclude)
}

// evalRecord walks the directives in order and stops at the first match.
// When nothing matches, redirect takes over if present, otherwise the
// result is neutral.
func (e *evaluation) evalRecord(ctx context.Context, domain string, record *Record, isInclude bool) (authres.Status, string, string, error) {
	for _, d := range record.Directives {
		match, status, err := e.evalDirective(ctx, domain, d)
		if err != nil {
			return status, d.String(), "", err
		}
		if !match {
			continue
		}

		switch d.Qualifier {
		case "", "+":
			return authres.StatusPass, d.String(), "", nil
		case "?":
			return authres.StatusNeutral, d.String(), "", nil
		case "~":
			return authres.StatusSoftFail, d.String(), "", nil
		case "-":
			explanation := ""
			if record.Explanation != "" && !isInclude {
				explanation = e.explain(ctx, domain, record.Explanation)
			}
			return authres.StatusFail, d.String(), explanation, nil
		}
	}

	if record.Redirect != "" {
		if err := e.chargeLookup(); err != nil {
			return authres.StatusPermError, "", "", err
		}
		target, err := e.expandDomain(ctx, domain, record.Redirect)
		if err != nil {
			return authres.StatusPermError, "", "", fmt.Errorf("expanding redirect: %w", err)
		}

		status, mechanism, explanation, err := e.checkHost(ctx, target, false)
		if status == authres.StatusNone {
			// A missing record at the redirect target is a permerror
			// per RFC 7208 Section 6.1.
			return authres.StatusPermError, mechanism, "", fmt.Errorf("redirect to %s: %w", target, ErrNoRecord)
		}
		return status, mechanism, explanation, err
	}

	return authres.StatusNeutral, "", "", nil
}

// evalDirective reports whether one directive matches the remote IP. A
// non-nil error aborts the evaluation with the returned status.
func (e *evaluation) evalDirective(ctx context.Context, domain string, d Directive) (bool, authres.Status, error) {
	switch d.Mechanism {
	case "include", "a", "mx", "ptr", "exists":
		if err := e.chargeLookup(); err != nil {
			return false, authres.StatusPermError, err
		}
	}

	switch d.Mechanism {
	case "all":
		return true, "", nil

	case "include":
		target, err := e.expandDomain(ctx, domain, d.DomainSpec)
		if err != nil {
			return false, authres.StatusPermError, fmt.Errorf("expanding include: %w", err)
		}
		status, _, _, err := e.checkHost(ctx, target, true)
		switch status {
		case authres.StatusPass:
			return true, "", nil
		case authres.StatusFail, authres.StatusSoftFail, authres.StatusNeutral:
			return false, "", nil
		case authres.StatusTempError:
			return false, authres.StatusTempError, fmt.Errorf("include %s: %w", target, err)
		default:
			// none and permerror both poison the including record.
			return false, authres.StatusPermError, fmt.Errorf("include %s returned %s: %w", target, status, err)
		}

	case "a":
		host, err := e.targetDomain(ctx, domain, d.DomainSpec)
		if err != nil {
			return false, authres.StatusPermError, err
		}
		return e.matchHostIP(ctx, host, d)

	case "mx":
		host, err := e.targetDomain(ctx, domain, d.DomainSpec)
		if err != nil {
			return false, authres.StatusPermError, err
		}

		result, err := e.resolver.LookupMX(ctx, host)
		e.authentic = e.authentic && result.Authentic
		e.noteVoid(err)
		if err != nil {
			if dns.IsNotFound(err) {
				return false, "", nil
			}
			return false, authres.StatusTempError, err
		}

		// A single "." target is an explicit null MX (RFC 7505).
		if len(result.Records) == 1 && result.Records[0].Host == "." {
			return false, "", nil
		}

		for i, mx := range result.Records {
			if i >= mxPtrLimit {
				return false, authres.StatusPermError, fmt.Errorf("%w: more than %d MX records", ErrLookupBudget, mxPtrLimit)
			}
			mxHost := strings.TrimSuffix(mx.Host, ".")
			if mxHost == "" {
				continue
			}
			match, status, err := e.matchHostIP(ctx, mxHost, d)
			if err != nil {
				return false, status, err
			}
			if match {
				return true, "", nil
			}
		}
		return false, "", nil

	case "ptr":
		host, err := e.targetDomain(ctx, domain, d.DomainSpec)
		if err != nil {
			return false, authres.StatusPermError, err
		}

		result, err := e.resolver.LookupAddr(ctx, e.remoteIP)
		e.authentic = e.authentic && result.Authentic
		e.noteVoid(err)
		if err != nil {
			if dns.IsNotFound(err) {
				return false, "", nil
			}
			return false, authres.StatusTempError, err
		}

		target := strings.ToLower(strings.TrimSuffix(host, "."))
		validated := 0
		for _, name := range result.Records {
			name = strings.ToLower(strings.TrimSuffix(name, "."))
			if name == "" {
				continue
			}
			if name != target && !strings.HasSuffix(name, "."+target) {
				continue
			}
			if validated >= mxPtrLimit {
				break
			}
			validated++
			if e.validatePTR(ctx, name) {
				return true, "", nil
			}
		}
		return false, "", nil

	case "ip4":
		if e.remote4 == nil {
			return false, "", nil
		}
		return e.matchIP(d.IP, d), "", nil

	case "ip6":
		if e.remote6 == nil {
			return false, "", nil
		}
		return e.matchIP(d.IP, d), "", nil

	case "exists":
		name, err := e.expandDomain(ctx, domain, d.DomainSpec)
		if err != nil {
			return false, authres.StatusPermError, fmt.Errorf("expanding exists: %w", err)
		}

		// exists always queries A records, regardless of the
		// connection's address family.
		result, err := e.resolver.LookupIP(ctx, "ip4", name)
		e.authentic = e.authentic && result.Authentic
		e.noteVoid(err)
		if err != nil {
			if dns.IsNotFound(err) {
				return false, "", nil
			}
			return false, authres.StatusTempError, err
		}
		return len(result.Records) > 0, "", nil

	default:
		return false, authres.StatusPermError, fmt.Errorf("%w: %q", ErrUnknownMechanism, d.Mechanism)
	}
}

// targetDomain resolves the effective domain of an a, mx or ptr mechanism:
// the current domain unless a domain-spec overrides it.
func (e *evaluation) targetDomain(ctx context.Context, domain, spec string) (string, error) {
	if spec == "" {
		return domain, nil
	}
	host, err := e.expandDomain(ctx, domain, spec)
	if err != nil {
		return "", fmt.Errorf("expanding domain-spec: %w", err)
	}
	return host, nil
}

// matchHostIP reports whether any address of host matches the remote IP
// under the directive's CIDR prefixes.
func (e *evaluation) matchHostIP(ctx context.Context, host string, d Directive) (bool, authres.Status, error) {
	result, err := e.resolver.LookupIP(ctx, "ip", host)
	e.authentic = e.authentic && result.Authentic
	e.noteVoid(err)
	if err != nil {
		if dns.IsNotFound(err) {
			return false, "", nil
		}
		return false, authres.StatusTempError, err
	}
	for _, ip := range result.Records {
		if e.matchIP(ip, d) {
			return true, "", nil
		}
	}
	return false, "", nil
}

// matchIP compares ip against the remote IP, masked by the directive's
// prefix for the address family in use.
func (e *evaluation) matchIP(ip net.IP, d Directive) bool {
	if e.remote4 != nil {
		ip4 := ip.To4()
		if ip4 == nil {
			return false
		}
		ones := 32
		if d.IP4Prefix != nil {
			ones = *d.IP4Prefix
		}
		mask := net.CIDRMask(ones, 32)
		return ip4.Mask(mask).Equal(e.remote4.Mask(mask))
	}

	ip6 := ip.To16()
	if ip6 == nil {
		return false
	}
	ones := 128
	if d.IP6Prefix != nil {
		ones = *d.IP6Prefix
	}
	mask := net.CIDRMask(ones, 128)
	return ip6.Mask(mask).Equal(e.remote6.Mask(mask))
}

// validatePTR reports whether a PTR name resolves back to the remote IP.
func (e *evaluation) validatePTR(ctx context.Context, name string) bool {
	result, err := e.resolver.LookupIP(ctx, "ip", name)
	e.authentic = e.authentic && result.Authentic
	e.noteVoid(err)
	for _, ip := range result.Records {
		if ip.Equal(e.remoteIP) {
			return true
		}
	}
	return false
}

// explain resolves an exp= modifier into the domain owner's explanation
// string. Any failure along the way drops the explanation silently; it is
// informational only (RFC 7208 Section 6.2).
func (e *evaluation) explain(ctx context.Context, domain, spec string) string {
	name, err := e.expandDomain(ctx, domain, spec)
	if err != nil {
		return ""
	}

	result, err := e.resolver.LookupTXT(ctx, name)
	e.authentic = e.authentic && result.Authentic
	if err != nil || len(result.Records) != 1 {
		return ""
	}

	text, err := e.expandMacros(ctx, result.Records[0], domain, true)
	if err != nil {
		return ""
	}
	return text
}
