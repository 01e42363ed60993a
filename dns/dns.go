// Package dns provides the DNS lookup layer shared by the DKIM, SPF, DMARC
// and ARC engines: a Resolver interface with typed errors, transports backed
// by github.com/miekg/dns and the standard library, and a TTL-bounded
// coalescing cache.
//
// All engines resolve through this package so that a single Cache instance
// can be shared across evaluations. Errors are typed so that callers can map
// them onto protocol results: a missing record (NXDOMAIN) is a different
// outcome than a timeout or a servfail.
package dns

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// Lookup errors. Engines translate these into protocol verdicts:
// ErrNotFound typically maps to "none", ErrTimeout and ErrServFail to
// "temperror", ErrMalformed to "permerror".
var (
	// ErrNotFound is an authoritative negative answer (NXDOMAIN or an
	// empty answer section).
	ErrNotFound = errors.New("dns: name not found")

	// ErrTimeout indicates the query deadline expired before an answer
	// arrived. Retrying later may succeed.
	ErrTimeout = errors.New("dns: query timed out")

	// ErrServFail indicates the upstream server returned SERVFAIL or a
	// transient network failure occurred.
	ErrServFail = errors.New("dns: server failure")

	// ErrRefused indicates the upstream server refused the query.
	ErrRefused = errors.New("dns: query refused")

	// ErrMalformed indicates a response was received but could not be
	// decoded. Retrying will not help.
	ErrMalformed = errors.New("dns: malformed response")

	// ErrBogus indicates DNSSEC validation failed upstream.
	ErrBogus = errors.New("dns: dnssec validation failed")
)

// IsNotFound reports whether err is an authoritative negative answer.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTemporary reports whether a retry of the failed lookup might succeed.
func IsTemporary(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrServFail) ||
		errors.Is(err, ErrRefused) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// IsMalformed reports whether the lookup failed because the response could
// not be decoded.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformed)
}

// Result is the outcome of a successful lookup.
type Result[T any] struct {
	// Records holds the answer records.
	Records []T

	// TTL is the smallest TTL among the answer records, used by Cache to
	// bound how long the result may be served. Zero means the transport
	// does not expose TTLs (e.g. the stdlib resolver) and the cache
	// default applies.
	TTL time.Duration

	// Authentic indicates the response was DNSSEC-validated (AD bit from
	// a validating transport). Always false for StdResolver.
	Authentic bool
}

// Resolver is the lookup interface consumed by the protocol engines.
//
// Implementations must honor ctx cancellation and deadlines, and return the
// typed errors above where they can be distinguished. An empty answer is
// reported as ErrNotFound, never as a nil-error empty Result.
type Resolver interface {
	// LookupTXT retrieves TXT records. Multi-string records are joined
	// per RFC 7208 Section 3.3.
	LookupTXT(ctx context.Context, name string) (Result[string], error)

	// LookupIP retrieves A and/or AAAA records. network is "ip", "ip4"
	// or "ip6".
	LookupIP(ctx context.Context, network, host string) (Result[net.IP], error)

	// LookupMX retrieves MX records.
	LookupMX(ctx context.Context, name string) (Result[*net.MX], error)

	// LookupAddr performs a reverse lookup for ip, returning PTR names
	// in absolute form (trailing dot).
	LookupAddr(ctx context.Context, ip net.IP) (Result[string], error)
}

// ensureAbsolute ensures the domain name ends with a dot (FQDN form).
func ensureAbsolute(name string) string {
	if !strings.HasSuffix(name, ".") {
		return name + "."
	}
	return name
}

// filterIPs filters a mixed A/AAAA answer down to the requested network.
// network is "ip", "ip4" or "ip6".
func filterIPs(network string, ips []net.IP) []net.IP {
	if network == "ip" {
		return ips
	}
	var out []net.IP
	for _, ip := range ips {
		is4 := ip.To4() != nil
		if network == "ip4" && is4 || network == "ip6" && !is4 {
			out = append(out, ip)
		}
	}
	return out
}
