package dns

import (
	"context"
	"net"
	"slices"
	"sync/atomic"
	"time"
)

// MockResolver is a Resolver used for testing.
// Set DNS records in the fields, which map FQDNs (with trailing dot) to values.
type MockResolver struct {
	PTR  map[string][]string
	A    map[string][]string
	AAAA map[string][]string
	TXT  map[string][]string
	MX   map[string][]*net.MX

	// TTL is reported on every successful result. Zero means no TTL.
	TTL time.Duration

	// Fail contains records that will return a temporary error (SERVFAIL).
	// Format: "type name", e.g. "txt example.com." where type is lowercase.
	Fail []string

	// Timeout contains records that will return ErrTimeout.
	// Same format as Fail.
	Timeout []string

	// AllAuthentic sets the default value for Authentic in responses.
	// Overridden by Authentic and Inauthentic lists.
	AllAuthentic bool

	// Authentic contains records that will have Authentic=true.
	// Format: "type name", e.g. "txt example.com."
	Authentic []string

	// Inauthentic contains records that will have Authentic=false.
	// Format: "type name", e.g. "txt example.com."
	Inauthentic []string

	// Queries counts lookups, including failed ones. May be shared between
	// goroutines; useful for asserting cache behavior.
	Queries *atomic.Int64
}

var _ Resolver = MockResolver{}

// mockReq represents a mock DNS request.
type mockReq struct {
	Type string // E.g. "txt", "a", "aaaa", "mx", "ptr"
	Name string // FQDN with trailing dot
}

func (mr mockReq) String() string {
	return mr.Type + " " + mr.Name
}

// check handles counting, failure injection and the authentic status for one
// record type.
func (r MockResolver) check(ctx context.Context, mr mockReq, authentic *bool) error {
	if r.Queries != nil {
		r.Queries.Add(1)
	}

	if err := ctx.Err(); err != nil {
		return mapContextErr(err)
	}

	if slices.Contains(r.Timeout, mr.String()) {
		return ErrTimeout
	}
	if slices.Contains(r.Fail, mr.String()) {
		return ErrServFail
	}

	if slices.Contains(r.Authentic, mr.String()) {
		*authentic = true
	}
	if slices.Contains(r.Inauthentic, mr.String()) {
		*authentic = false
	}

	return nil
}

// LookupTXT returns TXT records for the given domain.
func (r MockResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	fqdn := ensureAbsolute(name)

	authentic := r.AllAuthentic
	if err := r.check(ctx, mockReq{"txt", fqdn}, &authentic); err != nil {
		return Result[string]{Authentic: authentic}, err
	}

	records, ok := r.TXT[fqdn]
	if !ok || len(records) == 0 {
		return Result[string]{Authentic: authentic}, ErrNotFound
	}

	return Result[string]{Records: records, TTL: r.TTL, Authentic: authentic}, nil
}

// LookupIP returns A and/or AAAA records for the given domain, filtered by
// network ("ip", "ip4" or "ip6").
func (r MockResolver) LookupIP(ctx context.Context, network, host string) (Result[net.IP], error) {
	fqdn := ensureAbsolute(host)

	authentic := r.AllAuthentic

	var ips []net.IP

	if network == "ip" || network == "ip4" {
		if err := r.check(ctx, mockReq{"a", fqdn}, &authentic); err != nil {
			return Result[net.IP]{Authentic: authentic}, err
		}
		for _, ip := range r.A[fqdn] {
			ips = append(ips, net.ParseIP(ip))
		}
	}

	if network == "ip" || network == "ip6" {
		if err := r.check(ctx, mockReq{"aaaa", fqdn}, &authentic); err != nil {
			return Result[net.IP]{Authentic: authentic}, err
		}
		for _, ip := range r.AAAA[fqdn] {
			ips = append(ips, net.ParseIP(ip))
		}
	}

	ips = filterIPs(network, ips)
	if len(ips) == 0 {
		return Result[net.IP]{Authentic: authentic}, ErrNotFound
	}

	return Result[net.IP]{Records: ips, TTL: r.TTL, Authentic: authentic}, nil
}

// LookupMX returns MX records for the given domain.
func (r MockResolver) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	fqdn := ensureAbsolute(name)

	authentic := r.AllAuthentic
	if err := r.check(ctx, mockReq{"mx", fqdn}, &authentic); err != nil {
		return Result[*net.MX]{Authentic: authentic}, err
	}

	records, ok := r.MX[fqdn]
	if !ok || len(records) == 0 {
		return Result[*net.MX]{Authentic: authentic}, ErrNotFound
	}

	return Result[*net.MX]{Records: records, TTL: r.TTL, Authentic: authentic}, nil
}

// LookupAddr performs a reverse DNS lookup.
func (r MockResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	ipStr := ip.String()

	authentic := r.AllAuthentic
	if err := r.check(ctx, mockReq{"ptr", ipStr}, &authentic); err != nil {
		return Result[string]{Authentic: authentic}, err
	}

	records, ok := r.PTR[ipStr]
	if !ok || len(records) == 0 {
		return Result[string]{Authentic: authentic}, ErrNotFound
	}

	return Result[string]{Records: records, TTL: r.TTL, Authentic: authentic}, nil
}
