package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// StdResolver implements Resolver using the standard library net package.
// It does not expose TTLs or DNSSEC validation status (Result.TTL is zero
// and Authentic is always false). Use MiekgResolver when either is needed.
type StdResolver struct {
	resolver *net.Resolver
}

var _ Resolver = (*StdResolver)(nil)

// NewStdResolver creates a resolver using the standard library.
func NewStdResolver() *StdResolver {
	return &StdResolver{resolver: net.DefaultResolver}
}

// NewStdResolverWithDialer creates a resolver using a custom dialer, which
// allows pointing the stdlib resolver at specific DNS servers.
func NewStdResolverWithDialer(dial func(ctx context.Context, network, address string) (net.Conn, error)) *StdResolver {
	return &StdResolver{
		resolver: &net.Resolver{
			PreferGo: true,
			Dial:     dial,
		},
	}
}

// LookupTXT retrieves TXT records using the standard library.
func (r *StdResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	name = strings.TrimSuffix(name, ".")

	records, err := r.resolver.LookupTXT(ctx, name)
	if err != nil {
		return Result[string]{}, convertError(err)
	}

	if len(records) == 0 {
		return Result[string]{}, ErrNotFound
	}

	return Result[string]{Records: records}, nil
}

// LookupIP retrieves A and/or AAAA records using the standard library.
func (r *StdResolver) LookupIP(ctx context.Context, network, host string) (Result[net.IP], error) {
	host = strings.TrimSuffix(host, ".")

	ips, err := r.resolver.LookupIP(ctx, network, host)
	if err != nil {
		return Result[net.IP]{}, convertError(err)
	}

	if len(ips) == 0 {
		return Result[net.IP]{}, ErrNotFound
	}

	return Result[net.IP]{Records: ips}, nil
}

// LookupMX retrieves MX records using the standard library.
func (r *StdResolver) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	name = strings.TrimSuffix(name, ".")

	records, err := r.resolver.LookupMX(ctx, name)
	if err != nil {
		return Result[*net.MX]{}, convertError(err)
	}

	if len(records) == 0 {
		return Result[*net.MX]{}, ErrNotFound
	}

	return Result[*net.MX]{Records: records}, nil
}

// LookupAddr performs a reverse lookup using the standard library.
func (r *StdResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	if ip == nil {
		return Result[string]{}, fmt.Errorf("dns: nil IP address")
	}

	names, err := r.resolver.LookupAddr(ctx, ip.String())
	if err != nil {
		return Result[string]{}, convertError(err)
	}

	if len(names) == 0 {
		return Result[string]{}, ErrNotFound
	}

	for i, name := range names {
		names[i] = ensureAbsolute(name)
	}

	return Result[string]{Records: names}, nil
}

// convertError maps net.DNSError onto the package's typed errors.
func convertError(err error) error {
	if err == nil {
		return nil
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		switch {
		case dnsErr.IsNotFound:
			return ErrNotFound
		case dnsErr.IsTimeout:
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		case dnsErr.IsTemporary:
			return fmt.Errorf("%w: %v", ErrServFail, err)
		}
	}

	return fmt.Errorf("%w: %v", ErrServFail, err)
}
