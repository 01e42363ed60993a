package dkim

import (
	"bytes"
	"context"
	"crypto/rsa"
	"fmt"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/inboundmx/mailauth/authres"
	"github.com/inboundmx/mailauth/canonical"
	"github.com/inboundmx/mailauth/dns"
	"github.com/inboundmx/mailauth/signing"
)

// Verifier verifies DKIM-Signature headers.
type Verifier struct {
	// Resolver is the DNS resolver to use.
	Resolver dns.Resolver

	// IgnoreTestMode treats keys flagged t=y like production keys.
	// When false (default), signatures from domains in test mode that
	// fail verification return none instead of fail.
	IgnoreTestMode bool

	// Policy can reject signatures before any DNS or crypto work.
	// Returning an error yields a policy status for that signature.
	Policy func(*Signature) error

	// MinRSAKeyBits raises the minimum RSA key size above the RFC 8301
	// floor enforced by the signing package.
	MinRSAKeyBits int

	// MaxSignatures bounds how many DKIM-Signature headers are evaluated.
	// Default 10. Further signatures get a policy result without
	// evaluation, which keeps a hostile message from forcing unbounded
	// DNS and crypto work.
	MaxSignatures int
}

// Verify evaluates every DKIM-Signature header in the message and returns
// one result per signature, in header order. Signatures are isolated: a
// malformed or failing signature never affects the others. The returned
// error is reserved for messages whose header block cannot be parsed.
func (v *Verifier) Verify(ctx context.Context, message []byte) ([]Result, error) {
	headers, bodyOffset, err := canonical.ParseMessage(message)
	if err != nil {
		return nil, err
	}

	maxSigs := v.MaxSignatures
	if maxSigs == 0 {
		maxSigs = 10
	}

	var results []Result
	evaluated := 0

	for _, hdr := range headers {
		if hdr.LKey != "dkim-signature" {
			continue
		}

		if evaluated >= maxSigs {
			results = append(results, Result{
				Status: authres.StatusPolicy,
				Err:    fmt.Errorf("dkim: signature limit of %d reached", maxSigs),
			})
			continue
		}
		evaluated++

		results = append(results, v.verifyOne(ctx, hdr, headers, message[bodyOffset:]))
	}

	return results, nil
}

// verifyOne runs the verification pipeline for a single signature header.
// The pipeline short-circuits: parse errors, parameter violations, key
// record problems, a body hash mismatch and a crypto failure each map to a
// distinct outcome without doing the remaining work.
func (v *Verifier) verifyOne(ctx context.Context, hdr canonical.Header, headers []canonical.Header, body []byte) Result {
	sig, verifySig, err := ParseSignature(hdr.Raw)
	if err != nil {
		return Result{Status: authres.StatusPermError, Err: err}
	}

	if err := v.checkSignatureParams(sig); err != nil {
		return Result{Status: authres.StatusPermError, Signature: sig, Err: err}
	}

	if v.Policy != nil {
		if err := v.Policy(sig); err != nil {
			return Result{Status: authres.StatusPolicy, Signature: sig, Err: err}
		}
	}

	record, authentic, err := v.lookup(ctx, sig.Selector, sig.Domain)
	if err != nil {
		status := authres.StatusPermError
		if dns.IsTemporary(err) {
			status = authres.StatusTempError
		}
		return Result{Status: status, Signature: sig, RecordAuthentic: authentic, Err: err}
	}

	status, err := v.verifyWithRecord(record, sig, headers, verifySig, body)

	// A failing signature under a test-mode key is reported as none, so
	// domains rolling out DKIM do not get their mail penalized.
	if !v.IgnoreTestMode && record.IsTesting() && status == authres.StatusFail {
		return Result{Status: authres.StatusNone, Signature: sig, Record: record, RecordAuthentic: authentic, Err: err}
	}

	return Result{Status: status, Signature: sig, Record: record, RecordAuthentic: authentic, Err: err}
}

// checkSignatureParams validates signature parameters that need no DNS.
func (v *Verifier) checkSignatureParams(sig *Signature) error {
	hasFrom := false
	for _, h := range sig.SignedHeaders {
		if strings.EqualFold(h, "from") {
			hasFrom = true
			break
		}
	}
	if !hasFrom {
		return ErrFromRequired
	}

	if sig.Expired() {
		return fmt.Errorf("%w: at %d", ErrSigExpired, sig.ExpireTime)
	}

	// Refuse signatures claiming a bare public suffix as d=
	if isPublicSuffix(sig.Domain) {
		return fmt.Errorf("%w: %s", ErrTLD, sig.Domain)
	}

	// Only dns/txt is defined
	if len(sig.QueryMethods) > 0 {
		hasDNS := false
		for _, m := range sig.QueryMethods {
			if strings.EqualFold(m, "dns/txt") {
				hasDNS = true
				break
			}
		}
		if !hasDNS {
			return ErrQueryMethod
		}
	}

	return nil
}

// verifyWithRecord checks the signature against a key record.
func (v *Verifier) verifyWithRecord(record *Record, sig *Signature, headers []canonical.Header, verifySig, body []byte) (authres.Status, error) {
	if record.PublicKey == nil {
		return authres.StatusPermError, ErrKeyRevoked
	}

	if !record.HashAllowed(sig.Algorithm.HashName()) {
		return authres.StatusPermError, fmt.Errorf("%w: record allows %v, signature uses %s",
			ErrHashAlgNotAllowed, record.Hashes, sig.Algorithm.HashName())
	}

	if !strings.EqualFold(record.Key, sig.Algorithm.KeyType()) {
		return authres.StatusPermError, fmt.Errorf("%w: record has %s key, signature uses %s",
			ErrKeyTypeMismatch, record.Key, sig.Algorithm)
	}

	if rsaKey, ok := record.PublicKey.(*rsa.PublicKey); ok && v.MinRSAKeyBits > 0 {
		if rsaKey.N.BitLen() < v.MinRSAKeyBits {
			return authres.StatusPermError, fmt.Errorf("%w: %d bits, local minimum %d",
				signing.ErrWeakKey, rsaKey.N.BitLen(), v.MinRSAKeyBits)
		}
	}

	if !record.ServiceAllowed("email") {
		return authres.StatusPermError, ErrKeyNotForEmail
	}

	if record.RequireStrictAlignment() && sig.Identity != "" {
		if atIdx := strings.LastIndex(sig.Identity, "@"); atIdx >= 0 {
			if !strings.EqualFold(sig.Identity[atIdx+1:], sig.Domain) {
				return authres.StatusPermError, fmt.Errorf("%w: key requires strict alignment",
					ErrDomainIdentityMismatch)
			}
		}
	}

	// Body hash first (RFC 6376 Section 6.1.3): a mismatch fails the
	// signature without paying for the public key operation.
	hasher := sig.Algorithm.Hash().New()
	count, err := canonical.BodyHash(hasher, sig.BodyCanon, bytes.NewReader(body), sig.Length)
	if err != nil {
		return authres.StatusPermError, fmt.Errorf("dkim: computing body hash: %w", err)
	}
	if sig.Length > count {
		return authres.StatusPermError, fmt.Errorf("%w: l=%d, body is %d octets",
			ErrBodyTruncated, sig.Length, count)
	}
	if !bytes.Equal(sig.BodyHash, hasher.Sum(nil)) {
		return authres.StatusFail, ErrBodyHashMismatch
	}

	hasher = sig.Algorithm.Hash().New()
	if err := canonical.DataHash(hasher, sig.HeaderCanon, headers, sig.SignedHeaders, verifySig); err != nil {
		return authres.StatusPermError, fmt.Errorf("dkim: computing data hash: %w", err)
	}

	if err := signing.Verify(sig.Algorithm, record.PublicKey, hasher.Sum(nil), sig.Signature); err != nil {
		if err == signing.ErrVerificationFailed {
			return authres.StatusFail, ErrSigVerify
		}
		return authres.StatusPermError, err
	}

	return authres.StatusPass, nil
}

// lookup retrieves and parses the key record from DNS.
func (v *Verifier) lookup(ctx context.Context, selector, domain string) (*Record, bool, error) {
	name := selector + "._domainkey." + domain

	result, err := v.Resolver.LookupTXT(ctx, name)
	if err != nil {
		if dns.IsNotFound(err) {
			return nil, result.Authentic, fmt.Errorf("%w: %s", ErrNoRecord, name)
		}
		return nil, result.Authentic, fmt.Errorf("%w: %w", ErrDNS, err)
	}

	var record *Record
	for _, txt := range result.Records {
		parsed, isDKIM, err := ParseRecord(txt)
		if err != nil && isDKIM {
			return nil, result.Authentic, err
		}
		if err != nil || !isDKIM {
			// Unrelated TXT record at the same name
			continue
		}
		if record != nil {
			return nil, result.Authentic, fmt.Errorf("%w: %s", ErrMultipleRecords, name)
		}
		record = parsed
	}

	if record == nil {
		return nil, result.Authentic, fmt.Errorf("%w: %s", ErrNoRecord, name)
	}

	return record, result.Authentic, nil
}

// Verify is a convenience function using a default Verifier.
func Verify(ctx context.Context, resolver dns.Resolver, message []byte) ([]Result, error) {
	v := &Verifier{Resolver: resolver}
	return v.Verify(ctx, message)
}

// isPublicSuffix reports whether domain is at or above the public suffix
// level, i.e. has no label below its effective TLD.
func isPublicSuffix(domain string) bool {
	if domain == "" {
		return true
	}
	domain = strings.TrimSuffix(domain, ".")

	etldPlusOne, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return true
	}

	return !strings.EqualFold(domain, etldPlusOne) &&
		!strings.HasSuffix(strings.ToLower(domain), "."+strings.ToLower(etldPlusOne))
}
