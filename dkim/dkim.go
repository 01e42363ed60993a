// Package dkim implements DomainKeys Identified Mail (DKIM) signing and
// verification per RFC 6376, with Ed25519 support per RFC 8463.
//
// A message is signed by adding a DKIM-Signature header carrying a
// cryptographic signature of selected headers and the body. Verification
// retrieves the signer's public key from DNS at
// <selector>._domainkey.<domain> and checks both hashes.
//
// # Basic Usage
//
// Signing a message:
//
//	signer := dkim.Signer{
//	    Domain:     "example.com",
//	    Selector:   "selector1",
//	    PrivateKey: privateKey,
//	}
//	header, err := signer.Sign(message)
//
// Verifying a message:
//
//	verifier := dkim.Verifier{Resolver: resolver}
//	results, err := verifier.Verify(ctx, message)
//	for _, r := range results {
//	    if r.Status == authres.StatusPass {
//	        // Signature verified
//	    }
//	}
//
// Each signature is evaluated in isolation: one malformed or failing
// signature never affects the result of another.
package dkim

import (
	"errors"
	"time"

	"github.com/inboundmx/mailauth/authres"
)

// Common errors.
var (
	// DNS lookup and key record errors.
	ErrNoRecord        = errors.New("dkim: no key record found")
	ErrMultipleRecords = errors.New("dkim: multiple key records found")
	ErrDNS             = errors.New("dkim: DNS lookup failed")
	ErrSyntax          = errors.New("dkim: syntax error in key record")
	ErrKeyRevoked      = errors.New("dkim: key record has been revoked")
	ErrKeyNotForEmail  = errors.New("dkim: key record not allowed for email")

	// Signature header errors.
	ErrSignatureMalformed     = errors.New("dkim: malformed DKIM-Signature header")
	ErrMissingTag             = errors.New("dkim: missing required tag")
	ErrDuplicateTag           = errors.New("dkim: duplicate tag")
	ErrInvalidVersion         = errors.New("dkim: invalid version")
	ErrFromRequired           = errors.New("dkim: From header must be signed")
	ErrDomainIdentityMismatch = errors.New("dkim: identity domain not under signing domain")
	ErrTLD                    = errors.New("dkim: signing domain is a public suffix")
	ErrQueryMethod            = errors.New("dkim: no recognized query method")

	// Verification errors.
	ErrSigExpired        = errors.New("dkim: signature has expired")
	ErrHashAlgNotAllowed = errors.New("dkim: hash algorithm not allowed by key record")
	ErrKeyTypeMismatch   = errors.New("dkim: key type does not match signature algorithm")
	ErrBodyHashMismatch  = errors.New("dkim: body hash does not match")
	ErrBodyTruncated     = errors.New("dkim: length tag exceeds body length")
	ErrSigVerify         = errors.New("dkim: signature verification failed")
)

// DefaultSignedHeaders are the headers signed when a Signer does not name
// its own set. They cover the fields that affect message display.
var DefaultSignedHeaders = []string{
	"From",
	"To",
	"Cc",
	"Subject",
	"Date",
	"Message-ID",
	"In-Reply-To",
	"References",
	"MIME-Version",
	"Content-Type",
	"Content-Transfer-Encoding",
	"Content-Disposition",
	"Reply-To",
}

// timeNow is used for testing.
var timeNow = time.Now

// Result is the outcome of verifying one DKIM-Signature header.
type Result struct {
	// Status is the RFC 8601 outcome for this signature.
	Status authres.Status

	// Signature is the parsed signature, nil when parsing failed.
	Signature *Signature

	// Record is the key record used, nil unless the lookup succeeded.
	Record *Record

	// RecordAuthentic indicates the key record was DNSSEC-validated.
	RecordAuthentic bool

	// Err explains any status other than pass.
	Err error
}

// Verdict converts the result into the shared Authentication-Results form.
func (r Result) Verdict() authres.Verdict {
	v := authres.Verdict{Method: "dkim", Status: r.Status}

	if r.Err != nil {
		v.Reason = r.Err.Error()
	}

	if r.Signature != nil {
		v.Props = append(v.Props,
			authres.Property{Type: "header", Name: "d", Value: r.Signature.Domain},
			authres.Property{Type: "header", Name: "s", Value: r.Signature.Selector},
		)
		if r.Signature.Identity != "" {
			v.Props = append(v.Props,
				authres.Property{Type: "header", Name: "i", Value: r.Signature.Identity})
		}
		v.Props = append(v.Props,
			authres.Property{Type: "header", Name: "a", Value: string(r.Signature.Algorithm)})
	}

	return v
}
