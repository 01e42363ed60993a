package dns

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
)

// ResolverConfig configures MiekgResolver.
type ResolverConfig struct {
	// Nameservers is a list of DNS servers to query ("host:port"). If
	// empty, servers from /etc/resolv.conf are used, falling back to
	// public resolvers.
	Nameservers []string

	// DNSSEC sets the EDNS0 DO bit and reports the AD bit in Result.
	// Requires validating upstream resolvers.
	DNSSEC bool

	// Timeout applies to each individual query. Default 5s.
	Timeout time.Duration

	// Retries is the number of retries across the nameserver list for
	// failed queries. Default 2.
	Retries int
}

// MiekgResolver implements Resolver using github.com/miekg/dns. Unlike the
// stdlib transport it exposes record TTLs (used by Cache) and DNSSEC
// validation status.
type MiekgResolver struct {
	config ResolverConfig
	client *mdns.Client
}

var _ Resolver = (*MiekgResolver)(nil)

// NewResolver creates a MiekgResolver.
func NewResolver(config ResolverConfig) *MiekgResolver {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Retries == 0 {
		config.Retries = 2
	}
	if len(config.Nameservers) == 0 {
		config.Nameservers = systemNameservers()
	}

	return &MiekgResolver{
		config: config,
		client: &mdns.Client{Timeout: config.Timeout},
	}
}

// systemNameservers reads the server list from /etc/resolv.conf.
func systemNameservers() []string {
	config, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(config.Servers) == 0 {
		return []string{"8.8.8.8:53", "1.1.1.1:53"}
	}

	servers := make([]string, 0, len(config.Servers))
	for _, s := range config.Servers {
		if !strings.Contains(s, ":") {
			s += ":53"
		}
		servers = append(servers, s)
	}
	return servers
}

// query performs a DNS query with retries across the configured servers.
func (r *MiekgResolver) query(ctx context.Context, name string, qtype uint16) (*mdns.Msg, bool, error) {
	m := new(mdns.Msg)
	m.SetQuestion(ensureAbsolute(name), qtype)
	m.RecursionDesired = true

	if r.config.DNSSEC {
		m.SetEdns0(4096, true)
	}

	var lastErr error
	authentic := false

	for i := 0; i <= r.config.Retries; i++ {
		for _, server := range r.config.Nameservers {
			if err := ctx.Err(); err != nil {
				return nil, false, mapContextErr(err)
			}

			resp, _, err := r.client.ExchangeContext(ctx, m, server)
			if err != nil {
				if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
					lastErr = fmt.Errorf("%w: %v", ErrTimeout, err)
				} else {
					lastErr = fmt.Errorf("%w: %v", ErrServFail, err)
				}
				continue
			}

			if resp.Truncated {
				lastErr = fmt.Errorf("%w: truncated response", ErrMalformed)
				continue
			}

			if r.config.DNSSEC && resp.AuthenticatedData {
				authentic = true
			}

			switch resp.Rcode {
			case mdns.RcodeSuccess:
				return resp, authentic, nil
			case mdns.RcodeNameError:
				return nil, authentic, ErrNotFound
			case mdns.RcodeServerFailure:
				if r.config.DNSSEC {
					lastErr = ErrBogus
				} else {
					lastErr = ErrServFail
				}
				continue
			case mdns.RcodeRefused:
				lastErr = ErrRefused
				continue
			case mdns.RcodeFormatError:
				lastErr = fmt.Errorf("%w: rcode formerr", ErrMalformed)
				continue
			default:
				lastErr = fmt.Errorf("%w: unexpected rcode %d", ErrServFail, resp.Rcode)
				continue
			}
		}
	}

	if lastErr != nil {
		return nil, false, lastErr
	}
	return nil, false, ErrServFail
}

// mapContextErr converts a context error to the matching lookup error.
func mapContextErr(err error) error {
	if err == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// minTTL returns the smallest TTL among answer records.
func minTTL(answers []mdns.RR) time.Duration {
	var ttl uint32
	for i, rr := range answers {
		if i == 0 || rr.Header().Ttl < ttl {
			ttl = rr.Header().Ttl
		}
	}
	return time.Duration(ttl) * time.Second
}

// LookupTXT retrieves TXT records for name.
func (r *MiekgResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	resp, authentic, err := r.query(ctx, name, mdns.TypeTXT)
	if err != nil {
		return Result[string]{Authentic: authentic}, err
	}

	var records []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*mdns.TXT); ok {
			// Character strings of one record are concatenated,
			// per RFC 7208 Section 3.3.
			records = append(records, strings.Join(txt.Txt, ""))
		}
	}

	if len(records) == 0 {
		return Result[string]{Authentic: authentic}, ErrNotFound
	}

	return Result[string]{Records: records, TTL: minTTL(resp.Answer), Authentic: authentic}, nil
}

// LookupIP retrieves A and/or AAAA records for host, filtered by network.
func (r *MiekgResolver) LookupIP(ctx context.Context, network, host string) (Result[net.IP], error) {
	var ips []net.IP
	var answers []mdns.RR
	authentic := true
	var lastErr error

	if network == "ip" || network == "ip4" {
		resp, auth, err := r.query(ctx, host, mdns.TypeA)
		switch {
		case err == nil:
			authentic = authentic && auth
			for _, rr := range resp.Answer {
				if a, ok := rr.(*mdns.A); ok {
					ips = append(ips, a.A)
					answers = append(answers, rr)
				}
			}
		case err != ErrNotFound:
			lastErr = err
		}
	}

	if network == "ip" || network == "ip6" {
		resp, auth, err := r.query(ctx, host, mdns.TypeAAAA)
		switch {
		case err == nil:
			authentic = authentic && auth
			for _, rr := range resp.Answer {
				if aaaa, ok := rr.(*mdns.AAAA); ok {
					ips = append(ips, aaaa.AAAA)
					answers = append(answers, rr)
				}
			}
		case err != ErrNotFound:
			if lastErr == nil {
				lastErr = err
			}
		}
	}

	if len(ips) == 0 {
		if lastErr != nil {
			return Result[net.IP]{Authentic: authentic}, lastErr
		}
		return Result[net.IP]{Authentic: authentic}, ErrNotFound
	}

	return Result[net.IP]{Records: ips, TTL: minTTL(answers), Authentic: authentic}, nil
}

// LookupMX retrieves MX records for name.
func (r *MiekgResolver) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	resp, authentic, err := r.query(ctx, name, mdns.TypeMX)
	if err != nil {
		return Result[*net.MX]{Authentic: authentic}, err
	}

	var records []*net.MX
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*mdns.MX); ok {
			records = append(records, &net.MX{Host: mx.Mx, Pref: mx.Preference})
		}
	}

	if len(records) == 0 {
		return Result[*net.MX]{Authentic: authentic}, ErrNotFound
	}

	return Result[*net.MX]{Records: records, TTL: minTTL(resp.Answer), Authentic: authentic}, nil
}

// LookupAddr performs a reverse lookup for ip.
func (r *MiekgResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	if ip == nil {
		return Result[string]{}, fmt.Errorf("dns: nil IP address")
	}

	arpa, err := mdns.ReverseAddr(ip.String())
	if err != nil {
		return Result[string]{}, fmt.Errorf("%w: invalid IP for reverse lookup: %v", ErrMalformed, err)
	}

	resp, authentic, err := r.query(ctx, arpa, mdns.TypePTR)
	if err != nil {
		return Result[string]{Authentic: authentic}, err
	}

	var names []string
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*mdns.PTR); ok {
			names = append(names, ptr.Ptr)
		}
	}

	if len(names) == 0 {
		return Result[string]{Authentic: authentic}, ErrNotFound
	}

	return Result[string]{Records: names, TTL: minTTL(resp.Answer), Authentic: authentic}, nil
}
