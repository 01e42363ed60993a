// Package message provides the minimal raw-message access the
// authentication packages need: the RFC5322.From domain and the SMTP
// envelope metadata an evaluation runs against.
package message

import (
	"errors"
	"net"
	"net/mail"
	"strings"

	"github.com/inboundmx/mailauth/canonical"
)

// Common errors.
var (
	ErrNoFrom       = errors.New("message: no From header")
	ErrInvalidFrom  = errors.New("message: malformed From header")
	ErrMultipleFrom = errors.New("message: multiple From addresses")
)

// Envelope is the SMTP session metadata an authentication run evaluates
// against. It is immutable input; nothing here touches the wire.
type Envelope struct {
	// RemoteIP is the connecting client's address.
	RemoteIP net.IP

	// HELO is the EHLO/HELO hostname the client presented.
	HELO string

	// MailFrom is the RFC5321.MailFrom address, empty for a null
	// reverse-path.
	MailFrom string
}

// MailFromDomain returns the domain of the MAIL FROM address, or the HELO
// hostname when the reverse-path is null (RFC 7208 Section 2.4).
func (e Envelope) MailFromDomain() string {
	if e.MailFrom == "" {
		return strings.ToLower(e.HELO)
	}
	at := strings.LastIndex(e.MailFrom, "@")
	if at < 0 || at == len(e.MailFrom)-1 {
		return ""
	}
	return strings.ToLower(e.MailFrom[at+1:])
}

// FromDomain extracts the RFC5322.From domain of a raw message. DMARC
// evaluates exactly one author domain, so a message with several From
// headers or several addresses in one is rejected rather than guessed at.
func FromDomain(raw []byte) (string, error) {
	headers, _, err := canonical.ParseMessage(raw)
	if err != nil {
		return "", err
	}

	var from string
	seen := false
	for _, h := range headers {
		if h.LKey != "from" {
			continue
		}
		if seen {
			return "", ErrMultipleFrom
		}
		seen = true
		// Unfold before handing to the address parser.
		from = strings.TrimSpace(strings.ReplaceAll(string(h.Value), "\r\n", ""))
	}
	if !seen {
		return "", ErrNoFrom
	}

	return FromDomainHeader(from)
}

// FromDomainHeader extracts the domain from a From header value.
func FromDomainHeader(value string) (string, error) {
	if strings.TrimSpace(value) == "" {
		return "", ErrNoFrom
	}

	addrs, err := mail.ParseAddressList(value)
	if err != nil {
		return "", ErrInvalidFrom
	}
	if len(addrs) == 0 {
		return "", ErrNoFrom
	}
	if len(addrs) > 1 {
		return "", ErrMultipleFrom
	}

	addr := addrs[0].Address
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return "", ErrInvalidFrom
	}

	return strings.ToLower(addr[at+1:]), nil
}
