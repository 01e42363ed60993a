// Package authres implements the shared result taxonomy for the email
// authentication engines and the Authentication-Results header (RFC 8601).
//
// All engines (DKIM, SPF, DMARC, ARC) report their outcome with the same
// Status type, so callers can aggregate results without per-protocol
// mapping. A Verdict couples a Status with the method that produced it and
// the properties RFC 8601 defines for that method (header.d, smtp.mailfrom
// and so on).
package authres

import (
	"fmt"
	"strings"
)

// Status is the outcome of one authentication method, per RFC 8601.
type Status string

const (
	// StatusNone indicates the method found nothing to evaluate, e.g. an
	// unsigned message or a domain without a policy record.
	StatusNone Status = "none"

	// StatusPass indicates the method verified successfully.
	StatusPass Status = "pass"

	// StatusFail indicates an authoritative failure.
	StatusFail Status = "fail"

	// StatusSoftFail indicates a weak failure assertion (SPF ~all).
	StatusSoftFail Status = "softfail"

	// StatusNeutral indicates the published policy explicitly declines to
	// assert a result.
	StatusNeutral Status = "neutral"

	// StatusPolicy indicates the result was overridden by local policy.
	StatusPolicy Status = "policy"

	// StatusTempError indicates a transient failure such as a DNS timeout.
	// Retrying the evaluation later may yield a definite result.
	StatusTempError Status = "temperror"

	// StatusPermError indicates the published data or the message is
	// invalid. Retrying will not help.
	StatusPermError Status = "permerror"
)

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNone, StatusPass, StatusFail, StatusSoftFail,
		StatusNeutral, StatusPolicy, StatusTempError, StatusPermError:
		return true
	}
	return false
}

// Temporary reports whether the status indicates a transient condition.
func (s Status) Temporary() bool {
	return s == StatusTempError
}

// Property is a ptype.property=value triple attached to a verdict, e.g.
// "header.d=example.org" or "smtp.mailfrom=bounce@example.org".
type Property struct {
	Type  string // "header", "smtp", "dns", "body", "policy"
	Name  string
	Value string
}

// Verdict is the result of one authentication method on one message.
type Verdict struct {
	// Method is the RFC 8601 method name: "dkim", "spf", "dmarc", "arc".
	Method string

	// Status is the outcome.
	Status Status

	// Reason is an optional human-readable comment rendered as an RFC 8601
	// reason clause.
	Reason string

	// Props carries the method's reported properties.
	Props []Property
}

// Prop returns the value of the first property matching ptype and name, or
// the empty string.
func (v Verdict) Prop(ptype, name string) string {
	for _, p := range v.Props {
		if p.Type == ptype && p.Name == name {
			return p.Value
		}
	}
	return ""
}

// Header is a parsed or to-be-rendered Authentication-Results header.
type Header struct {
	// AuthServID identifies the authentication service, usually the
	// receiving MTA hostname.
	AuthServID string

	// Verdicts holds one entry per evaluated method.
	Verdicts []Verdict
}

// Render produces the Authentication-Results header value (without the
// header name), folded so that each method starts on its own continuation
// line. An empty verdict list renders as "none" per RFC 8601 Section 4.2.
func (h Header) Render() string {
	var b strings.Builder

	b.WriteString(h.AuthServID)

	if len(h.Verdicts) == 0 {
		b.WriteString("; none")
		return b.String()
	}

	for _, v := range h.Verdicts {
		b.WriteString(";\r\n\t")
		b.WriteString(v.Method)
		b.WriteString("=")
		b.WriteString(string(v.Status))

		if v.Reason != "" {
			b.WriteString(" reason=")
			b.WriteString(quoteValue(sanitizeComment(v.Reason)))
		}

		for _, p := range v.Props {
			b.WriteString(" ")
			b.WriteString(p.Type)
			b.WriteString(".")
			b.WriteString(p.Name)
			b.WriteString("=")
			b.WriteString(quoteValue(p.Value))
		}
	}

	return b.String()
}

// String renders the header value on a single line, suitable for embedding
// in an ARC-Authentication-Results header.
func (h Header) String() string {
	return strings.ReplaceAll(h.Render(), "\r\n\t", " ")
}

// sanitizeComment strips characters that would break the header.
func sanitizeComment(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "(", "[")
	s = strings.ReplaceAll(s, ")", "]")
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

// quoteValue quotes a property value when it is not a plain token.
func quoteValue(s string) string {
	if s == "" {
		return `""`
	}
	for _, r := range s {
		if r <= ' ' || r > '~' || strings.ContainsRune(`"(),;<>[\]`, r) {
			return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
		}
	}
	return s
}

// Parse parses an Authentication-Results header value. It is tolerant of
// folding whitespace and comments; malformed method clauses are skipped
// rather than failing the whole header, since downstream consumers (DMARC
// feeding on ARC-Authentication-Results) should degrade gracefully.
func Parse(value string) (Header, error) {
	p := &parser{input: value}
	p.skipCFWS()

	authServID := p.token()
	if authServID == "" {
		return Header{}, fmt.Errorf("authres: missing authserv-id")
	}

	h := Header{AuthServID: authServID}

	// Optional version after the authserv-id.
	p.skipCFWS()
	p.number()

	for {
		p.skipCFWS()
		if !p.consume(';') {
			break
		}
		p.skipCFWS()

		method := p.token()
		if method == "" {
			continue
		}
		if method == "none" {
			break
		}

		p.skipCFWS()
		if !p.consume('=') {
			continue
		}
		p.skipCFWS()

		status := Status(strings.ToLower(p.token()))
		if !status.Valid() {
			continue
		}

		v := Verdict{Method: strings.ToLower(method), Status: status}

		// reason and ptype.property=value clauses until the next ";".
		for {
			p.skipCFWS()
			if p.done() || p.peek() == ';' {
				break
			}

			key := p.token()
			if key == "" {
				break
			}

			if key == "reason" {
				p.skipCFWS()
				if !p.consume('=') {
					break
				}
				p.skipCFWS()
				v.Reason = p.value()
				continue
			}

			if !p.consume('.') {
				break
			}
			name := p.token()
			p.skipCFWS()
			if !p.consume('=') {
				break
			}
			p.skipCFWS()
			v.Props = append(v.Props, Property{
				Type:  strings.ToLower(key),
				Name:  strings.ToLower(name),
				Value: p.value(),
			})
		}

		h.Verdicts = append(h.Verdicts, v)
	}

	return h, nil
}

// parser is a cursor over an Authentication-Results header value.
type parser struct {
	input string
	pos   int
}

func (p *parser) done() bool {
	return p.pos >= len(p.input)
}

func (p *parser) peek() byte {
	return p.input[p.pos]
}

func (p *parser) consume(c byte) bool {
	if p.done() || p.peek() != c {
		return false
	}
	p.pos++
	return true
}

// skipCFWS skips folding whitespace and (possibly nested) comments.
func (p *parser) skipCFWS() {
	for !p.done() {
		switch p.peek() {
		case ' ', '\t', '\r', '\n':
			p.pos++
		case '(':
			depth := 0
			for !p.done() {
				switch p.peek() {
				case '(':
					depth++
				case ')':
					depth--
				case '\\':
					p.pos++
				}
				p.pos++
				if depth == 0 {
					break
				}
			}
		default:
			return
		}
	}
}

// token reads a run of atom characters.
func (p *parser) token() string {
	start := p.pos
	for !p.done() {
		c := p.peek()
		if c <= ' ' || c > '~' || strings.IndexByte(`"(),.;<>=[\]`, c) >= 0 {
			break
		}
		p.pos++
	}
	return p.input[start:p.pos]
}

// number reads an optional integer, used for the authres-version.
func (p *parser) number() string {
	start := p.pos
	for !p.done() && p.peek() >= '0' && p.peek() <= '9' {
		p.pos++
	}
	return p.input[start:p.pos]
}

// value reads a token or quoted string, including "@" and "/" which appear
// in identities and domains.
func (p *parser) value() string {
	if !p.done() && p.peek() == '"' {
		p.pos++
		var b strings.Builder
		for !p.done() {
			c := p.peek()
			p.pos++
			switch c {
			case '"':
				return b.String()
			case '\\':
				if !p.done() {
					b.WriteByte(p.peek())
					p.pos++
				}
			default:
				b.WriteByte(c)
			}
		}
		return b.String()
	}

	start := p.pos
	for !p.done() {
		c := p.peek()
		if c <= ' ' || c > '~' || strings.IndexByte(`"(),;<>[\]`, c) >= 0 {
			break
		}
		p.pos++
	}
	return p.input[start:p.pos]
}
