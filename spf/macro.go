package spf

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// expandDomain expands a domain-spec for a DNS lookup: macros are replaced,
// the result is validated and, when longer than DNS allows, truncated by
// dropping labels from the left (RFC 7208 Section 7.3).
func (e *evaluation) expandDomain(ctx context.Context, domain, spec string) (string, error) {
	expanded, err := e.expandMacros(ctx, spec, domain, false)
	if err != nil {
		return "", err
	}
	expanded = strings.TrimSuffix(expanded, ".")

	if len(expanded) > 253 {
		labels := strings.Split(expanded, ".")
		for i := 1; i < len(labels); i++ {
			s := strings.Join(labels[i:], ".")
			if len(s) <= 253 {
				expanded = s
				break
			}
			if i == len(labels)-1 {
				return "", fmt.Errorf("%w: expanded name too long", ErrInvalidDomain)
			}
		}
	}

	if err := checkDomain(expanded); err != nil {
		return "", err
	}
	return expanded, nil
}

// expandMacros substitutes the %{...} macros of RFC 7208 Section 7. The
// exp flag admits the c, r and t macros, which are only valid in
// explanation strings.
func (e *evaluation) expandMacros(ctx context.Context, spec, domain string, exp bool) (string, error) {
	var b strings.Builder

	i := 0
	for i < len(spec) {
		c := spec[i]
		i++
		if c != '%' {
			b.WriteByte(c)
			continue
		}

		if i >= len(spec) {
			return "", fmt.Errorf("%w: trailing %%", ErrMacroSyntax)
		}
		c = spec[i]
		i++

		switch c {
		case '%':
			b.WriteByte('%')
			continue
		case '_':
			b.WriteByte(' ')
			continue
		case '-':
			b.WriteString("%20")
			continue
		case '{':
		default:
			return "", fmt.Errorf("%w: invalid escape %%%c", ErrMacroSyntax, c)
		}

		if i >= len(spec) {
			return "", fmt.Errorf("%w: unterminated macro", ErrMacroSyntax)
		}
		letter := spec[i]
		i++

		escape := false
		if letter >= 'A' && letter <= 'Z' {
			escape = true
			letter += 'a' - 'A'
		}

		value, err := e.macroValue(ctx, letter, domain, exp)
		if err != nil {
			return "", err
		}

		// Optional transformer: digits, r, delimiter set.
		digits := ""
		for i < len(spec) && spec[i] >= '0' && spec[i] <= '9' {
			digits += string(spec[i])
			i++
		}
		keep := -1
		if digits != "" {
			n, err := strconv.Atoi(digits)
			if err != nil || n == 0 {
				return "", fmt.Errorf("%w: bad label count %q", ErrMacroSyntax, digits)
			}
			keep = n
		}

		reverse := false
		if i < len(spec) && (spec[i] == 'r' || spec[i] == 'R') {
			reverse = true
			i++
		}

		delims := ""
		for i < len(spec) && strings.IndexByte(".-+,/_=", spec[i]) >= 0 {
			delims += string(spec[i])
			i++
		}

		if i >= len(spec) || spec[i] != '}' {
			return "", fmt.Errorf("%w: missing closing brace", ErrMacroSyntax)
		}
		i++

		if keep >= 0 || reverse || delims != "" {
			if delims == "" {
				delims = "."
			}
			parts := splitAny(value, delims)
			if reverse {
				for l, r := 0, len(parts)-1; l < r; l, r = l+1, r-1 {
					parts[l], parts[r] = parts[r], parts[l]
				}
			}
			if keep > 0 && keep < len(parts) {
				parts = parts[len(parts)-keep:]
			}
			value = strings.Join(parts, ".")
		}

		if escape {
			value = url.QueryEscape(value)
		}

		b.WriteString(value)
	}

	return b.String(), nil
}

// macroValue resolves one macro letter against the evaluation state.
func (e *evaluation) macroValue(ctx context.Context, letter byte, domain string, exp bool) (string, error) {
	switch letter {
	case 's':
		return e.senderLocal + "@" + e.senderDomain, nil
	case 'l':
		return e.senderLocal, nil
	case 'o':
		return e.senderDomain, nil
	case 'd':
		return domain, nil
	case 'i':
		return macroIP(e.remoteIP), nil
	case 'v':
		if e.remote4 != nil {
			return "in-addr", nil
		}
		return "ip6", nil
	case 'h':
		return e.helloDomain, nil
	case 'p':
		return e.validatedName(ctx, domain), nil
	case 'c':
		if !exp {
			return "", fmt.Errorf("%w: %%c only valid in exp", ErrMacroSyntax)
		}
		if e.localIP == nil {
			return "", nil
		}
		return e.localIP.String(), nil
	case 'r':
		if !exp {
			return "", fmt.Errorf("%w: %%r only valid in exp", ErrMacroSyntax)
		}
		return e.localHostname, nil
	case 't':
		if !exp {
			return "", fmt.Errorf("%w: %%t only valid in exp", ErrMacroSyntax)
		}
		return strconv.FormatInt(timeNow().Unix(), 10), nil
	default:
		return "", fmt.Errorf("%w: unknown macro letter %c", ErrMacroSyntax, letter)
	}
}

// validatedName resolves the %{p} macro: a PTR name of the remote IP that
// resolves back to it, preferring the target domain, then its subdomains.
// "unknown" when validation finds nothing.
func (e *evaluation) validatedName(ctx context.Context, domain string) string {
	if err := e.chargeLookup(); err != nil {
		return "unknown"
	}

	result, err := e.resolver.LookupAddr(ctx, e.remoteIP)
	e.authentic = e.authentic && result.Authentic
	e.noteVoid(err)
	if err != nil || len(result.Records) == 0 {
		return "unknown"
	}

	target := strings.ToLower(strings.TrimSuffix(domain, "."))
	suffix := "." + target

	var exact, sub, other []string
	for _, name := range result.Records {
		name = strings.TrimSuffix(name, ".")
		if name == "" {
			continue
		}
		switch lower := strings.ToLower(name); {
		case lower == target:
			exact = append(exact, name)
		case strings.HasSuffix(lower, suffix):
			sub = append(sub, name)
		default:
			other = append(other, name)
		}
	}

	for _, group := range [][]string{exact, sub, other} {
		for _, name := range group {
			if e.validatePTR(ctx, name) {
				return name
			}
		}
	}
	return "unknown"
}

// macroIP renders an IP for the %{i} macro: dotted quad for IPv4, dotted
// nibbles for IPv6.
func macroIP(ip net.IP) string {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.String()
	}
	var b strings.Builder
	for i, octet := range ip.To16() {
		if i > 0 {
			b.WriteByte('.')
		}
		fmt.Fprintf(&b, "%x.%x", octet>>4, octet&0xf)
	}
	return b.String()
}

// splitAny splits s on any byte in delims, keeping empty fields.
func splitAny(s, delims string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(delims, s[i]) >= 0 {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}
