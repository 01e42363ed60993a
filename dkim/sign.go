package dkim

import (
	"bytes"
	"crypto"
	"fmt"
	"strings"
	"time"

	"github.com/inboundmx/mailauth/canonical"
	"github.com/inboundmx/mailauth/signing"
)

// Signer produces DKIM-Signature headers.
type Signer struct {
	// Domain is the signing domain (d= tag).
	Domain string

	// Selector is the selector for the signing key (s= tag).
	Selector string

	// PrivateKey is the signing key.
	// Supported types: *rsa.PrivateKey, ed25519.PrivateKey
	PrivateKey crypto.Signer

	// Headers is the list of headers to sign.
	// If empty, DefaultSignedHeaders is used.
	Headers []string

	// HeaderCanonicalization defaults to relaxed.
	HeaderCanonicalization canonical.Form

	// BodyCanonicalization defaults to relaxed.
	BodyCanonicalization canonical.Form

	// Identity is the signing identity (i= tag). Optional.
	Identity string

	// Expiration is the signature validity period.
	// If zero, no expiration is set.
	Expiration time.Duration

	// OversignHeaders causes each signed header name to be listed one more
	// time than it appears in the message, so a header with the same name
	// added downstream breaks the signature.
	OversignHeaders bool
}

// Sign signs the message and returns the DKIM-Signature header including
// the trailing CRLF, ready to prepend to the message.
func (s *Signer) Sign(message []byte) (string, error) {
	headers, bodyOffset, err := canonical.ParseMessage(message)
	if err != nil {
		return "", fmt.Errorf("dkim: parsing message: %w", err)
	}

	if err := checkSingleFrom(headers); err != nil {
		return "", err
	}

	return s.sign(headers, message[bodyOffset:], make(map[bodyHashKey][]byte))
}

// sign builds and signs one signature header, using bodyHashes as a cache
// keyed by canonicalization and hash algorithm.
func (s *Signer) sign(headers []canonical.Header, body []byte, bodyHashes map[bodyHashKey][]byte) (string, error) {
	alg, err := signing.AlgorithmForKey(s.PrivateKey)
	if err != nil {
		return "", err
	}

	sig := NewSignature()
	sig.Domain = s.Domain
	sig.Selector = s.Selector
	sig.Algorithm = alg
	sig.Identity = s.Identity

	sig.HeaderCanon = s.HeaderCanonicalization
	if sig.HeaderCanon == "" {
		sig.HeaderCanon = canonical.Relaxed
	}
	sig.BodyCanon = s.BodyCanonicalization
	if sig.BodyCanon == "" {
		sig.BodyCanon = canonical.Relaxed
	}
	if !sig.HeaderCanon.Valid() || !sig.BodyCanon.Valid() {
		return "", fmt.Errorf("dkim: unknown canonicalization %s/%s", sig.HeaderCanon, sig.BodyCanon)
	}

	sig.SignedHeaders = s.selectSignedHeaders(headers)

	sig.SignTime = timeNow().Unix()
	if s.Expiration > 0 {
		sig.ExpireTime = sig.SignTime + int64(s.Expiration.Seconds())
	}

	hk := bodyHashKey{form: sig.BodyCanon, hash: alg.HashName()}
	bodyHash, ok := bodyHashes[hk]
	if !ok {
		hasher := alg.Hash().New()
		if _, err := canonical.BodyHash(hasher, sig.BodyCanon, bytes.NewReader(body), -1); err != nil {
			return "", fmt.Errorf("dkim: computing body hash: %w", err)
		}
		bodyHash = hasher.Sum(nil)
		bodyHashes[hk] = bodyHash
	}
	sig.BodyHash = bodyHash

	// Hash the signed headers against the unsigned header form (empty b=)
	hasher := alg.Hash().New()
	unsigned := sig.Header(false)
	if err := canonical.DataHash(hasher, sig.HeaderCanon, headers, sig.SignedHeaders, []byte(unsigned)); err != nil {
		return "", fmt.Errorf("dkim: computing data hash: %w", err)
	}

	signature, err := signing.Sign(alg, s.PrivateKey, hasher.Sum(nil))
	if err != nil {
		return "", err
	}
	sig.Signature = signature

	return sig.Header(true) + "\r\n", nil
}

// selectSignedHeaders resolves the configured header list against the
// message: From is always included, absent headers are dropped, and with
// OversignHeaders each name appears once more than its instance count.
func (s *Signer) selectSignedHeaders(headers []canonical.Header) []string {
	signedHeaders := s.Headers
	if len(signedHeaders) == 0 {
		signedHeaders = DefaultSignedHeaders
	}

	hasFrom := false
	for _, h := range signedHeaders {
		if strings.EqualFold(h, "from") {
			hasFrom = true
			break
		}
	}
	if !hasFrom {
		signedHeaders = append([]string{"From"}, signedHeaders...)
	}

	present := make(map[string]int)
	for _, h := range headers {
		present[h.LKey]++
	}

	var selected []string
	for _, h := range signedHeaders {
		if present[strings.ToLower(h)] > 0 {
			selected = append(selected, h)
		}
	}

	if s.OversignHeaders {
		counts := make(map[string]int)
		for _, h := range selected {
			counts[strings.ToLower(h)]++
		}
		for _, h := range selected {
			lh := strings.ToLower(h)
			for counts[lh] < present[lh]+1 {
				selected = append(selected, h)
				counts[lh]++
			}
		}
	}

	return selected
}

// bodyHashKey caches body hashes by canonicalization and hash algorithm.
type bodyHashKey struct {
	form canonical.Form
	hash string
}

// SignMultiple signs the message with several signers and returns their
// DKIM-Signature headers concatenated. The message is parsed once and body
// hashes are shared between signers with the same canonicalization and
// hash algorithm.
func SignMultiple(message []byte, signers []Signer) (string, error) {
	if len(signers) == 0 {
		return "", nil
	}

	headers, bodyOffset, err := canonical.ParseMessage(message)
	if err != nil {
		return "", fmt.Errorf("dkim: parsing message: %w", err)
	}

	if err := checkSingleFrom(headers); err != nil {
		return "", err
	}

	body := message[bodyOffset:]
	bodyHashes := make(map[bodyHashKey][]byte)

	var result strings.Builder
	for i := range signers {
		header, err := signers[i].sign(headers, body, bodyHashes)
		if err != nil {
			return "", fmt.Errorf("dkim: signer %d: %w", i, err)
		}
		result.WriteString(header)
	}

	return result.String(), nil
}

// checkSingleFrom enforces the RFC 6376 requirement of exactly one From.
func checkSingleFrom(headers []canonical.Header) error {
	fromCount := 0
	for _, h := range headers {
		if h.LKey == "from" {
			fromCount++
		}
	}
	if fromCount == 0 {
		return ErrFromRequired
	}
	if fromCount > 1 {
		return fmt.Errorf("%w: message has %d From headers", ErrFromRequired, fromCount)
	}
	return nil
}
