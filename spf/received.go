package spf

import (
	"net"
	"strings"
)

// Received renders a Received-SPF trace header (RFC 7208 Section 9.1).
type Received struct {
	// Result is the SPF verdict.
	Result string

	// Comment is free text placed after the result.
	Comment string

	// ClientIP is the remote address that was checked.
	ClientIP net.IP

	// EnvelopeFrom is the sender mailbox the check used.
	EnvelopeFrom string

	// Helo is the EHLO/HELO argument.
	Helo string

	// Problem describes the error for temperror and permerror.
	Problem string

	// Receiver is the hostname of the checking host.
	Receiver string

	// Identity is "mailfrom" or "helo".
	Identity string

	// Mechanism is the directive that produced the result.
	Mechanism string
}

// BuildReceived assembles the trace header fields from a check result and
// the session arguments it was computed from.
func BuildReceived(result Result, args Args) Received {
	r := Received{
		Result:    string(result.Status),
		ClientIP:  args.RemoteIP,
		Helo:      args.HelloDomain,
		Receiver:  args.LocalHostname,
		Identity:  result.Identity,
		Mechanism: result.Mechanism,
	}

	switch {
	case result.Domain == "":
		r.Comment = "no domain to check (HELO is an address literal and MAIL FROM is empty)"
		r.EnvelopeFrom = "postmaster@" + args.HelloDomain
	case result.Identity == "helo":
		r.Comment = "domain " + result.Domain + " (from HELO because MAIL FROM is empty)"
		r.EnvelopeFrom = "postmaster@" + result.Domain
	default:
		r.Comment = "domain " + result.Domain
		local := args.MailFromLocal
		if local == "" {
			local = "postmaster"
		}
		r.EnvelopeFrom = local + "@" + result.Domain
	}

	if result.Err != nil {
		r.Problem = result.Err.Error()
	}

	return r
}

// Header renders the Received-SPF header including the field name, without
// a trailing CRLF.
func (r Received) Header() string {
	var b strings.Builder
	b.WriteString("Received-SPF: ")
	b.WriteString(r.Result)

	if r.Comment != "" {
		b.WriteString(" (")
		b.WriteString(r.Comment)
		b.WriteByte(')')
	}

	writeField := func(key, value string) {
		b.WriteByte(' ')
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(quoteReceivedValue(value))
		b.WriteByte(';')
	}

	clientIP := ""
	if r.ClientIP != nil {
		clientIP = r.ClientIP.String()
	}
	writeField("client-ip", clientIP)
	writeField("envelope-from", r.EnvelopeFrom)
	writeField("helo", r.Helo)

	if r.Problem != "" {
		problem := r.Problem
		if len(problem) > 60 {
			problem = problem[:60]
		}
		writeField("problem", problem)
	}
	if r.Mechanism != "" {
		writeField("mechanism", r.Mechanism)
	}

	writeField("receiver", r.Receiver)

	b.WriteString(" identity=")
	b.WriteString(quoteReceivedValue(r.Identity))

	return b.String()
}

// quoteReceivedValue quotes a key-value-pair value unless it is a plain
// dot-atom.
func quoteReceivedValue(s string) string {
	if s == "" {
		return `""`
	}

	plain := true
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.ContainsRune("!#$%&'*+-/=?^_`{|}~.", c):
		default:
			plain = false
		}
		if !plain {
			break
		}
	}
	if plain {
		return s
	}

	var b strings.Builder
	b.WriteByte('"')
	for _, c := range s {
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	b.WriteByte('"')
	return b.String()
}
