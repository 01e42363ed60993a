package arc

import (
	"bytes"
	"crypto"
	"errors"
	"fmt"
	"strings"

	"github.com/inboundmx/mailauth/canonical"
	"github.com/inboundmx/mailauth/dkim"
	"github.com/inboundmx/mailauth/signing"
)

// Sealer adds one ARC set to messages passing through an intermediary.
type Sealer struct {
	// Domain is the d= tag of the new set's signature and seal.
	Domain string

	// Selector is the s= tag; the key record lives at
	// <Selector>._domainkey.<Domain>.
	Selector string

	// PrivateKey signs the message signature and the seal. RSA and Ed25519
	// keys are supported.
	PrivateKey crypto.Signer

	// Algorithm overrides the algorithm derived from the key type.
	Algorithm signing.Algorithm

	// Headers lists the header fields the message signature covers. From is
	// always included. Defaults to dkim.DefaultSignedHeaders.
	Headers []string

	// HeaderCanonicalization and BodyCanonicalization select the c= forms.
	// ARC defaults to relaxed/relaxed.
	HeaderCanonicalization canonical.Form
	BodyCanonicalization   canonical.Form
}

// SealResult holds the three headers of a newly created ARC set. Each is a
// complete header, folded, without a trailing CRLF, to be prepended to the
// message in the order seal, message signature, authentication results.
type SealResult struct {
	// Instance is the i= value of the new set.
	Instance int

	// AuthResults is the ARC-Authentication-Results header.
	AuthResults string

	// MessageSignature is the ARC-Message-Signature header.
	MessageSignature string

	// Seal is the ARC-Seal header.
	Seal string
}

// Seal creates the next ARC set for a message. authServID names the sealing
// service and results carries its Authentication-Results payload, both
// frozen into the new ARC-Authentication-Results header. cv is the sealer's
// judgement of the chain already on the message, normally taken from
// Result.ChainValidation.
//
// The message must not already carry the new set; its existing ARC headers
// determine the new instance number. When sealing with cv=fail the seal
// covers only the set being added (RFC 8617 Section 5.1.2), so a dead chain
// can still be annotated.
func (s *Sealer) Seal(message []byte, authServID, results string, cv ChainValidation) (*SealResult, error) {
	if s.Domain == "" || s.Selector == "" {
		return nil, fmt.Errorf("%w: sealer needs a domain and selector", ErrSyntax)
	}
	if s.PrivateKey == nil {
		return nil, errors.New("arc: sealer has no private key")
	}

	alg := s.Algorithm
	if alg == "" {
		var err error
		alg, err = signing.AlgorithmForKey(s.PrivateKey)
		if err != nil {
			return nil, err
		}
	}

	headerCanon := s.HeaderCanonicalization
	if headerCanon == "" {
		headerCanon = canonical.Relaxed
	}
	bodyCanon := s.BodyCanonicalization
	if bodyCanon == "" {
		bodyCanon = canonical.Relaxed
	}
	if !headerCanon.Valid() || !bodyCanon.Valid() {
		return nil, fmt.Errorf("%w: invalid canonicalization", ErrSyntax)
	}

	headers, bodyOffset, err := canonical.ParseMessage(message)
	if err != nil {
		return nil, fmt.Errorf("arc: parsing message: %w", err)
	}
	body := message[bodyOffset:]

	prior, err := extractSets(headers)
	instance := len(prior) + 1
	if err != nil {
		// A structurally broken chain can only be sealed as failed. The new
		// instance continues from whatever numbers are present so the
		// breakage stays visible.
		if cv != ChainFail {
			return nil, fmt.Errorf("arc: cannot extend chain: %w", err)
		}
		prior = nil
		instance = maxChainInstance(headers) + 1
	}

	switch {
	case instance == 1 && cv != ChainNone:
		return nil, fmt.Errorf("%w: first set must carry cv=none, got %s", ErrChainValidation, cv)
	case instance > 1 && cv == ChainNone:
		return nil, fmt.Errorf("%w: instance %d cannot carry cv=none", ErrChainValidation, instance)
	case instance > MaxInstance:
		return nil, fmt.Errorf("%w: instance %d", ErrChainLimit, instance)
	}

	now := timeNow().Unix()

	ar := &AuthResults{Instance: instance, AuthServID: authServID, Results: results}
	aarHeader := ar.Header()

	amsHeader, err := s.signMessage(alg, instance, now, headerCanon, bodyCanon, headers, body)
	if err != nil {
		return nil, err
	}

	seal := &Seal{
		Instance:        instance,
		Algorithm:       alg,
		ChainValidation: cv,
		Domain:          strings.ToLower(s.Domain),
		Selector:        strings.ToLower(s.Selector),
		SignTime:        now,
	}

	newSet := &Set{
		Instance: instance,
		aarRaw:   []byte(aarHeader),
		amsRaw:   []byte(amsHeader),
		asVerify: []byte(seal.Header(false)),
	}

	chain := append(prior, newSet)
	if cv == ChainFail {
		chain = []*Set{newSet}
	}

	hasher := alg.Hash().New()
	if err := sealDataHash(hasher, chain); err != nil {
		return nil, err
	}
	seal.Signature, err = signing.Sign(alg, s.PrivateKey, hasher.Sum(nil))
	if err != nil {
		return nil, err
	}

	return &SealResult{
		Instance:         instance,
		AuthResults:      aarHeader,
		MessageSignature: amsHeader,
		Seal:             seal.Header(true),
	}, nil
}

// signMessage builds and signs the ARC-Message-Signature header.
func (s *Sealer) signMessage(alg signing.Algorithm, instance int, now int64, headerCanon, bodyCanon canonical.Form, headers []canonical.Header, body []byte) (string, error) {
	signedHeaders, err := s.selectSignedHeaders(headers)
	if err != nil {
		return "", err
	}

	ms := &MessageSignature{
		Instance:      instance,
		Algorithm:     alg,
		Domain:        strings.ToLower(s.Domain),
		Selector:      strings.ToLower(s.Selector),
		SignedHeaders: signedHeaders,
		HeaderCanon:   headerCanon,
		BodyCanon:     bodyCanon,
		Length:        -1,
		SignTime:      now,
		ExpireTime:    -1,
	}

	hasher := alg.Hash().New()
	if _, err := canonical.BodyHash(hasher, bodyCanon, bytes.NewReader(body), -1); err != nil {
		return "", fmt.Errorf("arc: computing body hash: %w", err)
	}
	ms.BodyHash = hasher.Sum(nil)

	hasher = alg.Hash().New()
	if err := canonical.DataHash(hasher, headerCanon, headers, ms.SignedHeaders, []byte(ms.Header(false))); err != nil {
		return "", fmt.Errorf("arc: computing data hash: %w", err)
	}

	ms.Signature, err = signing.Sign(alg, s.PrivateKey, hasher.Sum(nil))
	if err != nil {
		return "", err
	}

	return ms.Header(true), nil
}

// selectSignedHeaders picks the h= list: the configured headers that exist
// in the message, From always included, ARC headers never. The seal covers
// the ARC headers; signing them under the message signature would break
// older sets when new ones are added.
func (s *Sealer) selectSignedHeaders(headers []canonical.Header) ([]string, error) {
	signedHeaders := s.Headers
	if len(signedHeaders) == 0 {
		signedHeaders = dkim.DefaultSignedHeaders
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

	present := make(map[string]bool)
	for _, h := range headers {
		present[h.LKey] = true
	}
	if !present["from"] {
		return nil, ErrFromRequired
	}

	var selected []string
	for _, h := range signedHeaders {
		lower := strings.ToLower(h)
		if strings.HasPrefix(lower, "arc-") {
			continue
		}
		if present[lower] {
			selected = append(selected, h)
		}
	}
	return selected, nil
}

// maxChainInstance scans ARC headers for the highest parseable instance
// number, tolerating a chain too broken for extractSets.
func maxChainInstance(headers []canonical.Header) int {
	max := 0
	for _, hdr := range headers {
		switch hdr.LKey {
		case "arc-authentication-results", "arc-message-signature", "arc-seal":
		default:
			continue
		}

		for _, part := range strings.Split(unfoldHeader(string(hdr.Value)), ";") {
			tag, value, found := strings.Cut(part, "=")
			if !found || strings.TrimSpace(tag) != "i" {
				continue
			}
			if instance, err := parseInstance(strings.TrimSpace(value)); err == nil && instance > max {
				max = instance
			}
			break
		}
	}
	return max
}
