package spf

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Record parsing errors.
var (
	ErrRecordSyntax     = errors.New("spf: malformed record")
	ErrUnknownMechanism = errors.New("spf: unknown mechanism")
	ErrMacroSyntax      = errors.New("spf: macro syntax error")
)

// Record is a parsed SPF policy, published as a TXT record at the domain
// being checked.
//
// An example record for example.org:
//
//	v=spf1 +mx a:relay.example.org/28 -all
type Record struct {
	// Directives are evaluated in order until one matches.
	Directives []Directive

	// Redirect names another domain whose record takes over when no
	// directive matched (redirect= modifier).
	Redirect string

	// Explanation is the domain-spec queried for an explanation string
	// when the result is fail (exp= modifier).
	Explanation string

	// Other holds modifiers this implementation does not act on.
	Other []Modifier
}

// String renders the record back into TXT form.
func (r *Record) String() string {
	var b strings.Builder
	b.WriteString("v=spf1")
	for _, d := range r.Directives {
		b.WriteByte(' ')
		b.WriteString(d.String())
	}
	if r.Redirect != "" {
		b.WriteString(" redirect=")
		b.WriteString(r.Redirect)
	}
	if r.Explanation != "" {
		b.WriteString(" exp=")
		b.WriteString(r.Explanation)
	}
	for _, m := range r.Other {
		b.WriteByte(' ')
		b.WriteString(m.Key)
		b.WriteByte('=')
		b.WriteString(m.Value)
	}
	return b.String()
}

// Directive is one mechanism with its qualifier and parameters.
type Directive struct {
	// Qualifier sets the result when the mechanism matches.
	// "" and "+" mean pass, "-" fail, "~" softfail, "?" neutral.
	Qualifier string

	// Mechanism is one of all, include, a, mx, ptr, ip4, ip6, exists.
	Mechanism string

	// DomainSpec is the target for include, a, mx, ptr and exists.
	// May contain unexpanded macros. Lower-cased by ParseRecord.
	DomainSpec string

	// IP is the address for ip4 and ip6.
	IP net.IP

	// IP4Prefix and IP6Prefix are CIDR prefix lengths. Nil means the
	// mechanism default (a full-length match).
	IP4Prefix *int
	IP6Prefix *int
}

// String renders the directive for use in Received-SPF mechanism comments.
func (d Directive) String() string {
	var b strings.Builder
	b.WriteString(d.Qualifier)
	b.WriteString(d.Mechanism)
	if d.DomainSpec != "" {
		b.WriteByte(':')
		b.WriteString(d.DomainSpec)
	} else if d.IP != nil {
		b.WriteByte(':')
		b.WriteString(d.IP.String())
	}
	if d.IP4Prefix != nil {
		fmt.Fprintf(&b, "/%d", *d.IP4Prefix)
	}
	if d.IP6Prefix != nil {
		if d.Mechanism != "ip6" {
			b.WriteByte('/')
		}
		fmt.Fprintf(&b, "/%d", *d.IP6Prefix)
	}
	return b.String()
}

// Modifier is a name=value term the evaluator has no special handling for.
type Modifier struct {
	Key   string
	Value string
}

// ParseRecord parses an SPF TXT record. The second return value reports
// whether the string is an SPF record at all (starts with v=spf1); callers
// skip unrelated TXT records at the same name instead of treating them as
// errors.
func ParseRecord(txt string) (*Record, bool, error) {
	version, rest, _ := strings.Cut(txt, " ")
	if !strings.EqualFold(version, "v=spf1") {
		return nil, false, nil
	}

	record := &Record{}

	for _, term := range strings.Fields(rest) {
		if err := parseTerm(record, term); err != nil {
			return nil, true, err
		}
	}

	return record, true, nil
}

// parseTerm parses one space-separated term (directive or modifier) into
// the record.
func parseTerm(record *Record, term string) error {
	lower := strings.ToLower(term)

	qualifier := ""
	switch lower[0] {
	case '+', '-', '~', '?':
		qualifier = lower[:1]
		lower = lower[1:]
		if lower == "" {
			return fmt.Errorf("%w: bare qualifier %q", ErrRecordSyntax, qualifier)
		}
	}

	name, arg, hasArg := strings.Cut(lower, ":")

	// Modifiers use name=value and take no qualifier.
	if eqIdx := strings.IndexByte(name, '='); eqIdx >= 0 {
		if qualifier != "" {
			return fmt.Errorf("%w: qualifier on modifier %q", ErrRecordSyntax, term)
		}
		return parseModifier(record, lower[:eqIdx], term[len(term)-len(lower)+eqIdx+1:])
	}

	// a and mx carry optional CIDR suffixes after the domain.
	mechArg := arg
	var prefix4, prefix6 *int
	switch name {
	case "a", "mx":
		if slashIdx := strings.IndexByte(arg, '/'); slashIdx >= 0 {
			mechArg = arg[:slashIdx]
			var err error
			prefix4, prefix6, err = parseDualCIDR(arg[slashIdx:])
			if err != nil {
				return err
			}
		}
	}
	// Without a colon the CIDR suffix sits inside the name ("a/24").
	if slashIdx := strings.IndexByte(name, '/'); slashIdx >= 0 {
		var err error
		prefix4, prefix6, err = parseDualCIDR(name[slashIdx:])
		if err != nil {
			return err
		}
		name = name[:slashIdx]
	}

	d := Directive{Qualifier: qualifier, Mechanism: name, IP4Prefix: prefix4, IP6Prefix: prefix6}

	switch name {
	case "all":
		if hasArg || prefix4 != nil || prefix6 != nil {
			return fmt.Errorf("%w: all takes no argument", ErrRecordSyntax)
		}

	case "include", "exists":
		if !hasArg || mechArg == "" {
			return fmt.Errorf("%w: %s requires a domain", ErrRecordSyntax, name)
		}
		if err := checkDomainSpec(mechArg); err != nil {
			return err
		}
		d.DomainSpec = mechArg

	case "a", "mx", "ptr":
		if mechArg != "" {
			if err := checkDomainSpec(mechArg); err != nil {
				return err
			}
			d.DomainSpec = mechArg
		}

	case "ip4":
		if !hasArg {
			return fmt.Errorf("%w: ip4 requires an address", ErrRecordSyntax)
		}
		addr, prefixStr, hasPrefix := strings.Cut(mechArg, "/")
		ip := net.ParseIP(addr)
		if ip == nil || ip.To4() == nil || strings.Contains(addr, ":") {
			return fmt.Errorf("%w: invalid IPv4 address %q", ErrRecordSyntax, addr)
		}
		d.IP = ip
		if hasPrefix {
			n, err := parsePrefix(prefixStr, 32)
			if err != nil {
				return err
			}
			d.IP4Prefix = &n
		}

	case "ip6":
		if !hasArg {
			return fmt.Errorf("%w: ip6 requires an address", ErrRecordSyntax)
		}
		addr, prefixStr, hasPrefix := strings.Cut(mechArg, "/")
		ip := net.ParseIP(addr)
		if ip == nil || !strings.Contains(addr, ":") {
			return fmt.Errorf("%w: invalid IPv6 address %q", ErrRecordSyntax, addr)
		}
		d.IP = ip
		if hasPrefix {
			n, err := parsePrefix(prefixStr, 128)
			if err != nil {
				return err
			}
			d.IP6Prefix = &n
		}

	default:
		return fmt.Errorf("%w: %q", ErrUnknownMechanism, name)
	}

	record.Directives = append(record.Directives, d)
	return nil
}

// parseModifier handles redirect=, exp= and unknown modifiers. The value
// keeps its original case; macro expansion is case-sensitive for the
// URL-escaping macro letters.
func parseModifier(record *Record, name, value string) error {
	for i := 0; i < len(name); i++ {
		c := name[i]
		alpha := c >= 'a' && c <= 'z'
		if alpha || i > 0 && (c >= '0' && c <= '9' || c == '-' || c == '_' || c == '.') {
			continue
		}
		return fmt.Errorf("%w: invalid modifier name %q", ErrRecordSyntax, name)
	}

	switch name {
	case "redirect":
		if record.Redirect != "" {
			return fmt.Errorf("%w: duplicate redirect modifier", ErrRecordSyntax)
		}
		if err := checkDomainSpec(value); err != nil {
			return err
		}
		record.Redirect = strings.ToLower(value)
	case "exp":
		if record.Explanation != "" {
			return fmt.Errorf("%w: duplicate exp modifier", ErrRecordSyntax)
		}
		if err := checkDomainSpec(value); err != nil {
			return err
		}
		record.Explanation = strings.ToLower(value)
	default:
		record.Other = append(record.Other, Modifier{Key: name, Value: value})
	}
	return nil
}

// parseDualCIDR parses the "/4" / "//6" / "/4//6" suffix of a and mx.
func parseDualCIDR(s string) (prefix4, prefix6 *int, err error) {
	if !strings.HasPrefix(s, "/") {
		return nil, nil, fmt.Errorf("%w: invalid CIDR suffix %q", ErrRecordSyntax, s)
	}
	s = s[1:]

	if !strings.HasPrefix(s, "/") {
		four, rest, dual := strings.Cut(s, "//")
		n, err := parsePrefix(four, 32)
		if err != nil {
			return nil, nil, err
		}
		prefix4 = &n
		if !dual {
			return prefix4, nil, nil
		}
		s = rest
	} else {
		s = s[1:]
	}

	n, err := parsePrefix(s, 128)
	if err != nil {
		return prefix4, nil, err
	}
	prefix6 = &n
	return prefix4, prefix6, nil
}

// parsePrefix parses a CIDR prefix length, rejecting leading zeros.
func parsePrefix(s string, max int) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty CIDR prefix", ErrRecordSyntax)
	}
	if len(s) > 1 && s[0] == '0' {
		return 0, fmt.Errorf("%w: leading zero in CIDR prefix %q", ErrRecordSyntax, s)
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > max {
		return 0, fmt.Errorf("%w: invalid CIDR prefix %q", ErrRecordSyntax, s)
	}
	return n, nil
}

// checkDomainSpec validates a domain-spec at parse time: macro sequences
// must be well-formed and a literal toplabel must be plausible. Expansion
// happens at evaluation time.
func checkDomainSpec(spec string) error {
	if spec == "" {
		return fmt.Errorf("%w: empty domain-spec", ErrRecordSyntax)
	}

	i := 0
	for i < len(spec) {
		c := spec[i]
		if c <= ' ' || c >= 0x7f {
			return fmt.Errorf("%w: invalid character in domain-spec %q", ErrRecordSyntax, spec)
		}
		if c != '%' {
			i++
			continue
		}
		i++
		if i >= len(spec) {
			return fmt.Errorf("%w: trailing %% in %q", ErrMacroSyntax, spec)
		}
		switch spec[i] {
		case '%', '_', '-':
			i++
			continue
		case '{':
			i++
		default:
			return fmt.Errorf("%w: invalid escape %%%c", ErrMacroSyntax, spec[i])
		}

		// macro-expand: letter, optional digits, optional r, delimiters, }
		if i >= len(spec) || !strings.ContainsRune("slodiphcrtvSLODIPHCRTV", rune(spec[i])) {
			return fmt.Errorf("%w: missing macro letter in %q", ErrMacroSyntax, spec)
		}
		i++
		digitStart := i
		for i < len(spec) && spec[i] >= '0' && spec[i] <= '9' {
			i++
		}
		if i > digitStart && spec[digitStart:i] == strings.Repeat("0", i-digitStart) {
			return fmt.Errorf("%w: zero label count in %q", ErrMacroSyntax, spec)
		}
		if i < len(spec) && (spec[i] == 'r' || spec[i] == 'R') {
			i++
		}
		for i < len(spec) && strings.IndexByte(".-+,/_=", spec[i]) >= 0 {
			i++
		}
		if i >= len(spec) || spec[i] != '}' {
			return fmt.Errorf("%w: missing closing brace in %q", ErrMacroSyntax, spec)
		}
		i++
	}

	// When the spec ends in a literal label, the toplabel must not be
	// all digits. A macro at the end defers the check to expansion.
	for _, suffix := range []string{"}", "%%", "%_", "%-"} {
		if strings.HasSuffix(spec, suffix) {
			return nil
		}
	}
	labels := strings.Split(strings.TrimSuffix(spec, "."), ".")
	top := labels[len(labels)-1]
	if top == "" {
		return fmt.Errorf("%w: empty toplabel in %q", ErrRecordSyntax, spec)
	}
	allDigits := true
	for i := 0; i < len(top); i++ {
		c := top[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
			allDigits = false
		case c == '-':
			allDigits = false
			if i == 0 || i == len(top)-1 {
				return fmt.Errorf("%w: toplabel %q starts or ends with dash", ErrRecordSyntax, top)
			}
		default:
			return fmt.Errorf("%w: invalid character in toplabel %q", ErrRecordSyntax, top)
		}
	}
	if allDigits {
		return fmt.Errorf("%w: all-digit toplabel %q", ErrRecordSyntax, top)
	}
	return nil
}
