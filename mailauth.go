// Package mailauth authenticates inbound mail: SPF, DKIM and ARC run over
// one message and SMTP session, their outcomes feed DMARC, and everything
// is rendered into a single Authentication-Results header.
//
//	cache := dns.NewCache(resolver, dns.CacheConfig{})
//	verifier := &mailauth.Verifier{Resolver: cache, AuthServID: "mx.example.com"}
//	result, err := verifier.Verify(ctx, raw, message.Envelope{
//	    RemoteIP: ip,
//	    HELO:     helo,
//	    MailFrom: mailFrom,
//	})
//
// The mechanism packages (spf, dkim, arc, dmarc) stand alone; this package
// only wires them together. The shared DNS cache is the one piece of state
// the mechanisms have in common.
package mailauth

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/inboundmx/mailauth/arc"
	"github.com/inboundmx/mailauth/authres"
	"github.com/inboundmx/mailauth/dkim"
	"github.com/inboundmx/mailauth/dmarc"
	"github.com/inboundmx/mailauth/dns"
	"github.com/inboundmx/mailauth/message"
	"github.com/inboundmx/mailauth/spf"
)

// ErrNoResolver is returned when the Verifier has no DNS resolver.
var ErrNoResolver = errors.New("mailauth: no resolver configured")

// Verifier runs the full authentication pipeline for one receiving host.
type Verifier struct {
	// Resolver serves every DNS lookup of the run, typically a *dns.Cache
	// shared across connections.
	Resolver dns.Resolver

	// AuthServID names this host in the Authentication-Results header.
	AuthServID string

	// DKIM overrides the DKIM verifier configuration. Nil uses defaults
	// with Resolver.
	DKIM *dkim.Verifier

	// ARC overrides the ARC verifier configuration. Nil uses defaults
	// with Resolver.
	ARC *arc.Verifier

	// DMARC overrides the DMARC verifier configuration. Nil uses defaults
	// with Resolver.
	DMARC *dmarc.Verifier
}

// Result bundles the outcome of one full authentication run.
type Result struct {
	// FromDomain is the RFC5322.From domain DMARC evaluated, empty when
	// the header was missing or ambiguous.
	FromDomain string

	// SPF is the session's SPF outcome.
	SPF spf.Result

	// DKIM holds one outcome per DKIM-Signature header.
	DKIM []dkim.Result

	// ARC is the chain outcome; status none on unsealed messages.
	ARC arc.Result

	// DMARC is the policy evaluation fed by SPF and DKIM.
	DMARC dmarc.Result

	// Header is the assembled Authentication-Results header.
	Header authres.Header
}

// Verify authenticates one message against its SMTP envelope. SPF, DKIM and
// ARC run concurrently; DMARC runs on their results. An error is returned
// only when the pipeline could not run at all, not for authentication
// failures, which land in the per-mechanism results.
func (v *Verifier) Verify(ctx context.Context, raw []byte, env message.Envelope) (*Result, error) {
	if v.Resolver == nil {
		return nil, ErrNoResolver
	}

	result := &Result{}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		result.SPF = spf.Verify(gctx, v.Resolver, spf.Args{
			RemoteIP:       env.RemoteIP,
			MailFromDomain: splitMailFrom(env.MailFrom),
			MailFromLocal:  localPart(env.MailFrom),
			HelloDomain:    env.HELO,
			HelloIsIP:      isAddressLiteral(env.HELO),
			LocalHostname:  v.AuthServID,
		})
		return nil
	})

	g.Go(func() error {
		dkimVerifier := v.DKIM
		if dkimVerifier == nil {
			dkimVerifier = &dkim.Verifier{Resolver: v.Resolver}
		}
		results, err := dkimVerifier.Verify(gctx, raw)
		if err != nil {
			return err
		}
		result.DKIM = results
		return nil
	})

	g.Go(func() error {
		arcVerifier := v.ARC
		if arcVerifier == nil {
			arcVerifier = &arc.Verifier{Resolver: v.Resolver}
		}
		result.ARC = arcVerifier.Verify(gctx, raw)
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	result.FromDomain, result.DMARC = v.evaluateDMARC(ctx, raw, result)
	result.Header = v.buildHeader(result)

	return result, nil
}

// evaluateDMARC extracts the From domain and runs the policy evaluation. A
// missing or ambiguous From header is a permerror, per RFC 7489 6.6.1.
func (v *Verifier) evaluateDMARC(ctx context.Context, raw []byte, result *Result) (string, dmarc.Result) {
	fromDomain, err := message.FromDomain(raw)
	if err != nil {
		return "", dmarc.Result{
			Status:  authres.StatusPermError,
			Applied: true,
			Err:     err,
		}
	}

	dmarcVerifier := v.DMARC
	if dmarcVerifier == nil {
		dmarcVerifier = &dmarc.Verifier{Resolver: v.Resolver}
	}

	return fromDomain, dmarcVerifier.Verify(ctx, dmarc.Args{
		FromDomain:  fromDomain,
		SPFResult:   result.SPF.Status,
		SPFDomain:   result.SPF.Domain,
		DKIMResults: result.DKIM,
	})
}

// buildHeader renders every mechanism's verdict in evaluation order.
func (v *Verifier) buildHeader(result *Result) authres.Header {
	header := authres.Header{AuthServID: v.AuthServID}

	header.Verdicts = append(header.Verdicts, result.SPF.Verdict())
	for _, r := range result.DKIM {
		header.Verdicts = append(header.Verdicts, r.Verdict())
	}
	if result.ARC.Status != authres.StatusNone {
		header.Verdicts = append(header.Verdicts, result.ARC.Verdict())
	}
	header.Verdicts = append(header.Verdicts, result.DMARC.Verdict(result.FromDomain))

	return header
}

// splitMailFrom returns the domain of a reverse-path, empty for a null
// reverse-path.
func splitMailFrom(mailFrom string) string {
	if mailFrom == "" {
		return ""
	}
	return message.Envelope{MailFrom: mailFrom}.MailFromDomain()
}

// isAddressLiteral reports whether a HELO argument is an RFC 5321 address
// literal such as [192.0.2.1] or [IPv6:2001:db8::1], which SPF cannot check.
func isAddressLiteral(helo string) bool {
	return len(helo) > 1 && helo[0] == '[' && helo[len(helo)-1] == ']'
}

// localPart returns the local-part of a reverse-path, empty when absent.
func localPart(mailFrom string) string {
	for i := len(mailFrom) - 1; i >= 0; i-- {
		if mailFrom[i] == '@' {
			return mailFrom[:i]
		}
	}
	return ""
}
