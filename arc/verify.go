package arc

import (
	"bytes"
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"strings"

	"github.com/inboundmx/mailauth/authres"
	"github.com/inboundmx/mailauth/canonical"
	"github.com/inboundmx/mailauth/dkim"
	"github.com/inboundmx/mailauth/dns"
	"github.com/inboundmx/mailauth/signing"
	"golang.org/x/net/publicsuffix"
)

// Verifier verifies ARC chains.
type Verifier struct {
	// Resolver is the DNS resolver for key lookups.
	Resolver dns.Resolver

	// MinRSAKeyBits raises the minimum RSA key size above the RFC 8301
	// floor enforced by the signing package.
	MinRSAKeyBits int

	// IgnoreExpiration accepts message signatures past their x= tag.
	IgnoreExpiration bool
}

// Verify validates the ARC chain of a message. A message without ARC
// headers yields status none; a structurally broken or cryptographically
// failing chain yields fail with the failing instance; DNS trouble during a
// key lookup yields temperror, since a retry could still validate the
// chain.
func (v *Verifier) Verify(ctx context.Context, message []byte) Result {
	headers, bodyOffset, err := canonical.ParseMessage(message)
	if err != nil {
		return Result{Status: authres.StatusFail, Err: err}
	}

	sets, err := extractSets(headers)
	if err != nil {
		return Result{Status: authres.StatusFail, Err: err}
	}
	if len(sets) == 0 {
		return Result{Status: authres.StatusNone}
	}

	result := Result{Status: authres.StatusPass, Sets: sets}

	// cv= consistency first: the chain's own claims must hold before any
	// crypto work (RFC 8617 Section 5.2).
	for i, set := range sets {
		cv := set.Seal.ChainValidation
		switch {
		case cv == ChainFail:
			result.Status = authres.StatusFail
			result.FailedInstance = set.Instance
			result.Err = fmt.Errorf("%w: instance %d sealed with cv=fail", ErrChainValidation, set.Instance)
			return result
		case i == 0 && cv != ChainNone:
			result.Status = authres.StatusFail
			result.FailedInstance = set.Instance
			result.Err = fmt.Errorf("%w: first set has cv=%s, need none", ErrChainValidation, cv)
			return result
		case i > 0 && cv != ChainPass:
			result.Status = authres.StatusFail
			result.FailedInstance = set.Instance
			result.Err = fmt.Errorf("%w: instance %d has cv=%s, need pass", ErrChainValidation, set.Instance, cv)
			return result
		}
	}

	body := message[bodyOffset:]

	for i, set := range sets {
		if err := v.verifyMessageSignature(ctx, set, headers, body); err != nil {
			return failedAt(result, set.Instance, fmt.Errorf("%w: instance %d: %w", ErrSignatureVerify, set.Instance, err))
		}
		if err := v.verifySeal(ctx, sets[:i+1]); err != nil {
			return failedAt(result, set.Instance, fmt.Errorf("%w: instance %d: %w", ErrSealVerify, set.Instance, err))
		}
	}

	return result
}

// failedAt marks the result failed, or temperror when the underlying cause
// was a DNS failure.
func failedAt(result Result, instance int, err error) Result {
	result.Status = authres.StatusFail
	if dns.IsTemporary(err) {
		result.Status = authres.StatusTempError
	}
	result.FailedInstance = instance
	result.Err = err
	return result
}

// extractSets parses all ARC headers and assembles them into instance-ordered
// sets. The chain must be contiguous from 1 with exactly one of each header
// per instance. A message without any ARC header yields an empty slice.
func extractSets(headers []canonical.Header) ([]*Set, error) {
	sets := make(map[int]*Set)

	at := func(instance int) *Set {
		if sets[instance] == nil {
			sets[instance] = &Set{Instance: instance}
		}
		return sets[instance]
	}

	for _, hdr := range headers {
		switch hdr.LKey {
		case "arc-authentication-results":
			ar, err := ParseAuthResults(string(hdr.Value))
			if err != nil {
				return nil, err
			}
			set := at(ar.Instance)
			if set.AuthResults != nil {
				return nil, fmt.Errorf("%w: ARC-Authentication-Results i=%d", ErrDuplicateSet, ar.Instance)
			}
			set.AuthResults = ar
			set.aarRaw = hdr.Raw

		case "arc-message-signature":
			ms, verify, err := ParseMessageSignature(hdr.Raw)
			if err != nil {
				return nil, err
			}
			set := at(ms.Instance)
			if set.MessageSignature != nil {
				return nil, fmt.Errorf("%w: ARC-Message-Signature i=%d", ErrDuplicateSet, ms.Instance)
			}
			set.MessageSignature = ms
			set.amsRaw = hdr.Raw
			set.amsVerify = verify

		case "arc-seal":
			seal, verify, err := ParseSeal(hdr.Raw)
			if err != nil {
				return nil, err
			}
			set := at(seal.Instance)
			if set.Seal != nil {
				return nil, fmt.Errorf("%w: ARC-Seal i=%d", ErrDuplicateSet, seal.Instance)
			}
			set.Seal = seal
			set.asRaw = hdr.Raw
			set.asVerify = verify
		}
	}

	if len(sets) == 0 {
		return nil, nil
	}
	if len(sets) > MaxInstance {
		return nil, fmt.Errorf("%w: %d sets", ErrChainLimit, len(sets))
	}

	chain := make([]*Set, len(sets))
	for i := 1; i <= len(sets); i++ {
		set := sets[i]
		if set == nil {
			return nil, fmt.Errorf("%w: no set for instance %d", ErrBrokenChain, i)
		}
		switch {
		case set.AuthResults == nil:
			return nil, fmt.Errorf("%w: instance %d lacks ARC-Authentication-Results", ErrBrokenChain, i)
		case set.MessageSignature == nil:
			return nil, fmt.Errorf("%w: instance %d lacks ARC-Message-Signature", ErrBrokenChain, i)
		case set.Seal == nil:
			return nil, fmt.Errorf("%w: instance %d lacks ARC-Seal", ErrBrokenChain, i)
		}
		chain[i-1] = set
	}

	return chain, nil
}

// verifyMessageSignature checks one set's ARC-Message-Signature against the
// message, body hash first.
func (v *Verifier) verifyMessageSignature(ctx context.Context, set *Set, headers []canonical.Header, body []byte) error {
	ms := set.MessageSignature

	hasFrom := false
	for _, h := range ms.SignedHeaders {
		if strings.EqualFold(h, "from") {
			hasFrom = true
			break
		}
	}
	if !hasFrom {
		return ErrFromRequired
	}

	if !v.IgnoreExpiration && ms.Expired() {
		return fmt.Errorf("%w: at %d", ErrSigExpired, ms.ExpireTime)
	}

	key, err := v.lookupKey(ctx, ms.Selector, ms.Domain, ms.Algorithm)
	if err != nil {
		return err
	}

	hasher := ms.Algorithm.Hash().New()
	count, err := canonical.BodyHash(hasher, ms.BodyCanon, bytes.NewReader(body), ms.Length)
	if err != nil {
		return fmt.Errorf("computing body hash: %w", err)
	}
	if ms.Length > count {
		return fmt.Errorf("%w: l=%d, body is %d octets", ErrBodyTruncated, ms.Length, count)
	}
	if !bytes.Equal(ms.BodyHash, hasher.Sum(nil)) {
		return ErrBodyHashMismatch
	}

	hasher = ms.Algorithm.Hash().New()
	if err := canonical.DataHash(hasher, ms.HeaderCanon, headers, ms.SignedHeaders, set.amsVerify); err != nil {
		return fmt.Errorf("computing data hash: %w", err)
	}

	return signing.Verify(ms.Algorithm, key, hasher.Sum(nil), ms.Signature)
}

// verifySeal checks the newest seal of a chain prefix against its scope.
func (v *Verifier) verifySeal(ctx context.Context, chain []*Set) error {
	seal := chain[len(chain)-1].Seal

	key, err := v.lookupKey(ctx, seal.Selector, seal.Domain, seal.Algorithm)
	if err != nil {
		return err
	}

	hasher := seal.Algorithm.Hash().New()
	if err := sealDataHash(hasher, chain); err != nil {
		return err
	}

	return signing.Verify(seal.Algorithm, key, hasher.Sum(nil), seal.Signature)
}

// sealDataHash writes the seal scope of a chain prefix: each set's headers
// in instance order as ARC-Authentication-Results, ARC-Message-Signature,
// ARC-Seal, all relaxed-canonicalized, with the newest seal's b= emptied
// and no CRLF after it (RFC 8617 Section 5.1.1).
func sealDataHash(w io.Writer, chain []*Set) error {
	crlf := []byte("\r\n")

	write := func(raw []byte, trailingCRLF bool) error {
		line, err := canonical.HeaderLine(canonical.Relaxed, raw)
		if err != nil {
			return err
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		if trailingCRLF {
			_, err = w.Write(crlf)
		}
		return err
	}

	for i, set := range chain {
		last := i == len(chain)-1

		if err := write(set.aarRaw, true); err != nil {
			return err
		}
		if err := write(set.amsRaw, true); err != nil {
			return err
		}

		asRaw := set.asRaw
		if last {
			asRaw = set.asVerify
		}
		if err := write(asRaw, !last); err != nil {
			return err
		}
	}

	return nil
}

// lookupKey retrieves the signer's public key. ARC keys live at the same
// DNS name and in the same record format as DKIM keys.
func (v *Verifier) lookupKey(ctx context.Context, selector, domain string, alg signing.Algorithm) (any, error) {
	if isPublicSuffix(domain) {
		return nil, fmt.Errorf("%w: %s is a public suffix", ErrSyntax, domain)
	}

	name := selector + "._domainkey." + domain

	result, err := v.Resolver.LookupTXT(ctx, name)
	if err != nil {
		if dns.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoRecord, name)
		}
		return nil, fmt.Errorf("%w: %w", ErrDNS, err)
	}

	var record *dkim.Record
	for _, txt := range result.Records {
		parsed, isDKIM, err := dkim.ParseRecord(txt)
		if err != nil || !isDKIM {
			continue
		}
		record = parsed
		break
	}
	if record == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRecord, name)
	}
	if record.PublicKey == nil {
		return nil, ErrKeyRevoked
	}
	if !record.HashAllowed(alg.HashName()) {
		return nil, fmt.Errorf("%w: record does not allow %s", ErrSyntax, alg.HashName())
	}

	if rsaKey, ok := record.PublicKey.(*rsa.PublicKey); ok && v.MinRSAKeyBits > 0 {
		if rsaKey.N.BitLen() < v.MinRSAKeyBits {
			return nil, fmt.Errorf("%w: %d bits, local minimum %d",
				signing.ErrWeakKey, rsaKey.N.BitLen(), v.MinRSAKeyBits)
		}
	}

	return record.PublicKey, nil
}

// isPublicSuffix reports whether domain has no label below its effective TLD.
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
