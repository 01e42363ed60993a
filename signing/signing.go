// Package signing is the crypto adapter shared by the DKIM and ARC engines.
// It maps the registered signature algorithm names onto Go's crypto
// primitives and parses key material from PEM files and DKIM key records.
//
// Signature inputs are always the already-computed digest of the
// canonicalized data. For the RSA algorithms the digest is signed with
// PKCS#1 v1.5; for ed25519-sha256 the SHA-256 digest is the PureEdDSA
// message, per RFC 8463.
package signing

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// Algorithm is a registered DKIM/ARC signature algorithm (a= tag).
type Algorithm string

const (
	// RSASHA256 is rsa-sha256, required by RFC 6376.
	RSASHA256 Algorithm = "rsa-sha256"

	// RSASHA1 is rsa-sha1, historic per RFC 8301. Verification is still
	// supported so callers can report why a signature was not accepted;
	// signing with it is refused.
	RSASHA1 Algorithm = "rsa-sha1"

	// Ed25519SHA256 is ed25519-sha256 per RFC 8463.
	Ed25519SHA256 Algorithm = "ed25519-sha256"
)

// MinRSAKeyBits is the smallest RSA modulus accepted for verification,
// per RFC 8301.
const MinRSAKeyBits = 1024

var (
	// ErrUnsupportedAlgorithm indicates an unknown or refused algorithm.
	ErrUnsupportedAlgorithm = errors.New("signing: unsupported algorithm")

	// ErrMalformedKey indicates key material that could not be decoded.
	ErrMalformedKey = errors.New("signing: malformed key")

	// ErrVerificationFailed indicates a signature that does not verify
	// against the given key. The data or the signature was altered.
	ErrVerificationFailed = errors.New("signing: verification failed")

	// ErrWeakKey indicates an RSA key below MinRSAKeyBits.
	ErrWeakKey = errors.New("signing: rsa key too small")

	// ErrHistoricAlgorithm indicates an attempt to sign with rsa-sha1.
	ErrHistoricAlgorithm = errors.New("signing: rsa-sha1 must not be used for signing")
)

// ParseAlgorithm parses an a= tag value.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch alg := Algorithm(strings.ToLower(s)); alg {
	case RSASHA256, RSASHA1, Ed25519SHA256:
		return alg, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, s)
	}
}

// Hash returns the digest function the algorithm uses.
func (a Algorithm) Hash() crypto.Hash {
	if a == RSASHA1 {
		return crypto.SHA1
	}
	return crypto.SHA256
}

// HashName returns the registered hash name for the h= key record tag.
func (a Algorithm) HashName() string {
	if a == RSASHA1 {
		return "sha1"
	}
	return "sha256"
}

// KeyType returns the registered key type for the k= key record tag.
func (a Algorithm) KeyType() string {
	if a == Ed25519SHA256 {
		return "ed25519"
	}
	return "rsa"
}

// Historic reports whether the algorithm is accepted for verification only.
func (a Algorithm) Historic() bool {
	return a == RSASHA1
}

// AlgorithmForKey returns the default signing algorithm for a private key.
func AlgorithmForKey(key crypto.Signer) (Algorithm, error) {
	switch key.(type) {
	case *rsa.PrivateKey:
		return RSASHA256, nil
	case ed25519.PrivateKey:
		return Ed25519SHA256, nil
	default:
		return "", fmt.Errorf("%w: key type %T", ErrUnsupportedAlgorithm, key)
	}
}

// Sign signs the digest of the canonicalized data. Signing with rsa-sha1 is
// refused; verification of existing rsa-sha1 signatures remains possible.
func Sign(alg Algorithm, key crypto.Signer, digest []byte) ([]byte, error) {
	if alg.Historic() {
		return nil, ErrHistoricAlgorithm
	}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		if alg != RSASHA256 {
			return nil, fmt.Errorf("%w: %s with RSA key", ErrUnsupportedAlgorithm, alg)
		}
		return k.Sign(rand.Reader, digest, alg.Hash())
	case ed25519.PrivateKey:
		if alg != Ed25519SHA256 {
			return nil, fmt.Errorf("%w: %s with Ed25519 key", ErrUnsupportedAlgorithm, alg)
		}
		// PureEdDSA over the SHA-256 digest, per RFC 8463
		return k.Sign(rand.Reader, digest, crypto.Hash(0))
	default:
		return nil, fmt.Errorf("%w: key type %T", ErrUnsupportedAlgorithm, key)
	}
}

// Verify checks a signature over the digest of the canonicalized data.
// A mismatch is reported as ErrVerificationFailed, an undersized RSA key as
// ErrWeakKey, and a key/algorithm mismatch as ErrUnsupportedAlgorithm; the
// three are distinct protocol outcomes.
func Verify(alg Algorithm, key crypto.PublicKey, digest, signature []byte) error {
	switch k := key.(type) {
	case *rsa.PublicKey:
		if alg != RSASHA256 && alg != RSASHA1 {
			return fmt.Errorf("%w: %s with RSA key", ErrUnsupportedAlgorithm, alg)
		}
		if k.N.BitLen() < MinRSAKeyBits {
			return fmt.Errorf("%w: %d bits", ErrWeakKey, k.N.BitLen())
		}
		if err := rsa.VerifyPKCS1v15(k, alg.Hash(), digest, signature); err != nil {
			return ErrVerificationFailed
		}
		return nil
	case ed25519.PublicKey:
		if alg != Ed25519SHA256 {
			return fmt.Errorf("%w: %s with Ed25519 key", ErrUnsupportedAlgorithm, alg)
		}
		if !ed25519.Verify(k, digest, signature) {
			return ErrVerificationFailed
		}
		return nil
	default:
		return fmt.Errorf("%w: key type %T", ErrUnsupportedAlgorithm, key)
	}
}

// ParsePrivateKeyPEM parses a PEM-encoded private key (PKCS#8 or PKCS#1).
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrMalformedKey)
	}

	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%w: key type %T", ErrUnsupportedAlgorithm, key)
		}
		switch signer.(type) {
		case *rsa.PrivateKey, ed25519.PrivateKey:
			return signer, nil
		}
		return nil, fmt.Errorf("%w: key type %T", ErrUnsupportedAlgorithm, key)
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrMalformedKey, block.Type)
	}
}

// ParsePublicKey parses the base64-decoded p= data of a DKIM key record.
// keyType is the record's k= tag; an empty keyType means rsa.
func ParsePublicKey(keyType string, data []byte) (crypto.PublicKey, error) {
	switch strings.ToLower(keyType) {
	case "", "rsa":
		// RSA keys are published in PKIX form
		pk, err := x509.ParsePKIXPublicKey(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
		}
		rsaPK, ok := pk.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: expected RSA public key, got %T", ErrMalformedKey, pk)
		}
		return rsaPK, nil
	case "ed25519":
		// Ed25519 keys are published as raw bytes
		if len(data) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: ed25519 key size %d", ErrMalformedKey, len(data))
		}
		return ed25519.PublicKey(data), nil
	default:
		return nil, fmt.Errorf("%w: key type %q", ErrUnsupportedAlgorithm, keyType)
	}
}

// MarshalPublicKey encodes a public key for a key record's p= tag
// (before base64).
func MarshalPublicKey(key crypto.PublicKey) ([]byte, error) {
	switch k := key.(type) {
	case *rsa.PublicKey:
		return x509.MarshalPKIXPublicKey(k)
	case ed25519.PublicKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: key type %T", ErrUnsupportedAlgorithm, key)
	}
}
