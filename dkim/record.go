package dkim

import (
	"crypto"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/inboundmx/mailauth/signing"
)

// Record represents a DKIM key record (RFC 6376 Section 3.6.1), published
// as TXT at <selector>._domainkey.<domain>.
type Record struct {
	// Version is the record version, must be "DKIM1".
	Version string

	// Hashes is the list of acceptable hash algorithms ("sha256", "sha1").
	// Empty means all algorithms are acceptable.
	Hashes []string

	// Key is the key type: "rsa" (default) or "ed25519".
	Key string

	// Notes contains optional human-readable notes.
	Notes string

	// Pubkey is the raw public key data (base64-decoded).
	// Empty means the key has been revoked.
	Pubkey []byte

	// Services lists acceptable service types.
	// Empty or containing "*" means all services.
	Services []string

	// Flags contains key flags:
	//   "y" - Domain is testing DKIM
	//   "s" - i= domain must exactly match d= domain
	Flags []string

	// PublicKey is the parsed public key:
	// *rsa.PublicKey or ed25519.PublicKey.
	PublicKey crypto.PublicKey
}

// ServiceAllowed reports whether the given service may use this key.
func (r *Record) ServiceAllowed(service string) bool {
	if len(r.Services) == 0 {
		return true
	}
	for _, s := range r.Services {
		if s == "*" || strings.EqualFold(s, service) {
			return true
		}
	}
	return false
}

// IsTesting reports whether the key is marked for testing (t=y).
func (r *Record) IsTesting() bool {
	for _, f := range r.Flags {
		if strings.EqualFold(f, "y") {
			return true
		}
	}
	return false
}

// RequireStrictAlignment reports whether strict i=/d= alignment is
// required (t=s).
func (r *Record) RequireStrictAlignment() bool {
	for _, f := range r.Flags {
		if strings.EqualFold(f, "s") {
			return true
		}
	}
	return false
}

// HashAllowed reports whether the given hash algorithm is allowed.
func (r *Record) HashAllowed(hash string) bool {
	if len(r.Hashes) == 0 {
		return true
	}
	for _, h := range r.Hashes {
		if strings.EqualFold(h, hash) {
			return true
		}
	}
	return false
}

// ToTXT generates the DNS TXT record string for this Record.
func (r *Record) ToTXT() (string, error) {
	var parts []string

	if r.Version != "DKIM1" {
		return "", fmt.Errorf("%w: invalid version %q", ErrSyntax, r.Version)
	}
	parts = append(parts, "v=DKIM1")

	if len(r.Hashes) > 0 {
		parts = append(parts, "h="+strings.Join(r.Hashes, ":"))
	}

	if r.Key != "" && !strings.EqualFold(r.Key, "rsa") {
		parts = append(parts, "k="+r.Key)
	}

	if r.Notes != "" {
		parts = append(parts, "n="+encodeQPSection(r.Notes))
	}

	if len(r.Services) > 0 && !(len(r.Services) == 1 && r.Services[0] == "*") {
		parts = append(parts, "s="+strings.Join(r.Services, ":"))
	}

	if len(r.Flags) > 0 {
		parts = append(parts, "t="+strings.Join(r.Flags, ":"))
	}

	pk := r.Pubkey
	if len(pk) == 0 && r.PublicKey != nil {
		var err error
		pk, err = signing.MarshalPublicKey(r.PublicKey)
		if err != nil {
			return "", err
		}
	}
	parts = append(parts, "p="+base64.StdEncoding.EncodeToString(pk))

	return strings.Join(parts, "; "), nil
}

// ParseRecord parses a DKIM key record from a TXT string. The second return
// value reports whether the string looks like a DKIM record at all; other
// TXT records at the same name are skipped by callers rather than treated
// as errors.
func ParseRecord(txt string) (*Record, bool, error) {
	record := &Record{
		Version:  "DKIM1",
		Key:      "rsa",
		Services: []string{"*"},
	}

	seen := make(map[string]bool)
	isDKIM := false

	for _, part := range strings.Split(txt, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		tag, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		tag = strings.TrimSpace(tag)
		value = strings.TrimSpace(value)

		if seen[tag] {
			if isDKIM {
				return nil, true, fmt.Errorf("%w: duplicate tag %s", ErrSyntax, tag)
			}
			continue
		}
		seen[tag] = true

		switch tag {
		case "v":
			if value != "DKIM1" {
				return nil, false, fmt.Errorf("not a DKIM1 record")
			}
			record.Version = value
			isDKIM = true

		case "h":
			for _, h := range strings.Split(value, ":") {
				if h = strings.TrimSpace(h); h != "" {
					record.Hashes = append(record.Hashes, h)
				}
			}
			isDKIM = true

		case "k":
			record.Key = strings.ToLower(value)
			isDKIM = true

		case "n":
			record.Notes = decodeQPSection(value)
			isDKIM = true

		case "p":
			if cleaned := stripWSP(value); cleaned != "" {
				decoded, err := base64.StdEncoding.DecodeString(cleaned)
				if err != nil {
					return nil, isDKIM, fmt.Errorf("%w: invalid public key encoding: %v", ErrSyntax, err)
				}
				record.Pubkey = decoded
			}
			isDKIM = true

		case "s":
			record.Services = nil
			for _, s := range strings.Split(value, ":") {
				if s = strings.TrimSpace(s); s != "" {
					record.Services = append(record.Services, s)
				}
			}
			isDKIM = true

		case "t":
			for _, f := range strings.Split(value, ":") {
				if f = strings.TrimSpace(f); f != "" {
					record.Flags = append(record.Flags, f)
				}
			}
			isDKIM = true
		}
	}

	if !isDKIM {
		return nil, false, fmt.Errorf("not a DKIM record")
	}

	// p= is required; an empty value means the key was revoked
	if !seen["p"] {
		return nil, true, fmt.Errorf("%w: missing public key (p=)", ErrSyntax)
	}

	if len(record.Pubkey) > 0 {
		pk, err := signing.ParsePublicKey(record.Key, record.Pubkey)
		if err != nil {
			return nil, true, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		record.PublicKey = pk
	}

	return record, true, nil
}
