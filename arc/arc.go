// Package arc implements the Authenticated Received Chain protocol
// (RFC 8617).
//
// ARC preserves authentication results across intermediaries that modify
// messages in transit, such as mailing lists. Each intermediary adds an ARC
// set of three headers: ARC-Authentication-Results records what the
// intermediary observed, ARC-Message-Signature signs the message like a
// DKIM signature, and ARC-Seal signs the chain of all ARC sets so far.
//
// Verifying a chain:
//
//	verifier := &arc.Verifier{Resolver: resolver}
//	result := verifier.Verify(ctx, message)
//	if result.Status == authres.StatusPass {
//	    // chain intact back to instance 1
//	}
//
// Sealing as an intermediary:
//
//	sealer := &arc.Sealer{
//	    Domain:     "example.com",
//	    Selector:   "arc1",
//	    PrivateKey: privateKey,
//	}
//	set, err := sealer.Seal(message, "mx.example.com", "spf=pass", result.ChainValidation())
//
// Structural chain defects (gaps, duplicates, incomplete sets) always fail
// the chain; only DNS trouble during key retrieval yields temperror.
package arc

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/inboundmx/mailauth/authres"
)

// Common errors.
var (
	// DNS and key record errors.
	ErrNoRecord   = errors.New("arc: no key record found")
	ErrDNS        = errors.New("arc: DNS lookup failed")
	ErrKeyRevoked = errors.New("arc: key record has been revoked")

	// Header syntax errors.
	ErrSyntax          = errors.New("arc: syntax error")
	ErrMissingTag      = errors.New("arc: missing required tag")
	ErrDuplicateTag    = errors.New("arc: duplicate tag")
	ErrInvalidInstance = errors.New("arc: invalid instance number")

	// Chain structure errors.
	ErrBrokenChain  = errors.New("arc: broken chain structure")
	ErrDuplicateSet = errors.New("arc: duplicate ARC set member")
	ErrChainLimit   = errors.New("arc: chain exceeds instance limit")

	// Verification errors.
	ErrChainValidation  = errors.New("arc: chain validation status mismatch")
	ErrFromRequired     = errors.New("arc: From header must be signed")
	ErrSigExpired       = errors.New("arc: signature has expired")
	ErrBodyHashMismatch = errors.New("arc: body hash does not match")
	ErrBodyTruncated    = errors.New("arc: length tag exceeds body length")
	ErrSignatureVerify  = errors.New("arc: message signature verification failed")
	ErrSealVerify       = errors.New("arc: seal verification failed")
)

// MaxInstance is the highest instance number a chain may carry (RFC 8617
// Section 4.2.1). Longer chains fail validation.
const MaxInstance = 50

// timeNow is used for testing.
var timeNow = time.Now

// ChainValidation is the cv= tag of an ARC-Seal: the sealer's judgement of
// the chain it found on the message.
type ChainValidation string

const (
	// ChainNone marks the first set of a chain; no prior sets existed.
	ChainNone ChainValidation = "none"

	// ChainPass states the prior chain validated at sealing time.
	ChainPass ChainValidation = "pass"

	// ChainFail states the prior chain did not validate. A chain carrying
	// cv=fail is dead; verifiers fail it without checking signatures.
	ChainFail ChainValidation = "fail"
)

// ParseChainValidation parses a cv= tag value.
func ParseChainValidation(s string) (ChainValidation, error) {
	switch cv := ChainValidation(s); cv {
	case ChainNone, ChainPass, ChainFail:
		return cv, nil
	default:
		return "", fmt.Errorf("%w: cv=%q", ErrSyntax, s)
	}
}

// Result is the outcome of verifying an ARC chain.
type Result struct {
	// Status is none when the message carries no ARC headers, pass when
	// every set validated, temperror when DNS kept a key from being
	// retrieved, and fail otherwise.
	Status authres.Status

	// Sets are the parsed ARC sets in instance order. Populated whenever
	// the chain was structurally sound, even when validation failed.
	Sets []*Set

	// FailedInstance is the instance where validation broke, zero when the
	// chain passed or never took shape.
	FailedInstance int

	// Err explains any status other than pass.
	Err error
}

// ChainValidation maps the result to the cv= value the next sealer in line
// must use.
func (r Result) ChainValidation() ChainValidation {
	switch r.Status {
	case authres.StatusNone:
		return ChainNone
	case authres.StatusPass:
		return ChainPass
	default:
		return ChainFail
	}
}

// SealedBy reports whether a passing chain carries a seal from one of the
// given domains, and the oldest instance that does. Receivers use this to
// decide whether an ARC chain may override a DMARC failure.
func (r Result) SealedBy(domains []string) (bool, int) {
	if r.Status != authres.StatusPass {
		return false, 0
	}

	trusted := make(map[string]bool, len(domains))
	for _, d := range domains {
		trusted[d] = true
	}

	for _, set := range r.Sets {
		if set.Seal != nil && trusted[set.Seal.Domain] {
			return true, set.Instance
		}
	}
	return false, 0
}

// Verdict converts the result into the shared Authentication-Results form.
func (r Result) Verdict() authres.Verdict {
	v := authres.Verdict{Method: "arc", Status: r.Status}

	if r.Err != nil {
		v.Reason = r.Err.Error()
	}

	if n := len(r.Sets); n > 0 && r.Status == authres.StatusPass {
		newest := r.Sets[n-1]
		v.Props = append(v.Props,
			authres.Property{Type: "header", Name: "d", Value: newest.Seal.Domain},
			authres.Property{Type: "header", Name: "i", Value: strconv.Itoa(newest.Instance)},
		)
	}

	return v
}
