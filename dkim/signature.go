package dkim

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/inboundmx/mailauth/canonical"
	"github.com/inboundmx/mailauth/signing"
)

// Signature represents a parsed DKIM-Signature header (RFC 6376 Section 3.5).
type Signature struct {
	// Required fields
	Version       int               // v= Version, must be 1
	Algorithm     signing.Algorithm // a= Algorithm
	Signature     []byte            // b= Signature data
	BodyHash      []byte            // bh= Body hash
	Domain        string            // d= Signing domain
	SignedHeaders []string          // h= Signed header fields
	Selector      string            // s= Selector

	// Optional fields
	HeaderCanon   canonical.Form // c= Header canonicalization
	BodyCanon     canonical.Form // c= Body canonicalization
	Identity      string         // i= Agent or User Identifier (AUID)
	Length        int64          // l= Body length limit (-1 if not set)
	QueryMethods  []string       // q= Query methods
	SignTime      int64          // t= Signature timestamp (-1 if not set)
	ExpireTime    int64          // x= Signature expiration (-1 if not set)
	CopiedHeaders []string       // z= Copied header fields

	// Extension fields
	ReportRequested bool   // r= Failure reporting requested (RFC 6651)
	ATPSDomain      string // atps= Authorized third-party signer domain (RFC 6541)
	ATPSHash        string // atpsh= ATPS domain hash algorithm (RFC 6541)
}

// NewSignature creates a Signature with default values.
func NewSignature() *Signature {
	return &Signature{
		Version:     1,
		HeaderCanon: canonical.Simple,
		BodyCanon:   canonical.Simple,
		Length:      -1,
		SignTime:    -1,
		ExpireTime:  -1,
	}
}

// Expired reports whether the signature has expired.
func (s *Signature) Expired() bool {
	return s.ExpireTime >= 0 && timeNow().Unix() > s.ExpireTime
}

// ParseSignature parses a raw DKIM-Signature header, including the header
// name and any folding. It returns the parsed signature and the raw header
// with the b= value deleted, which is what the data hash is computed over
// (RFC 6376 Section 3.7).
func ParseSignature(raw []byte) (*Signature, []byte, error) {
	name, value, found := bytes.Cut(raw, []byte(":"))
	if !found {
		return nil, nil, fmt.Errorf("%w: missing colon", ErrSignatureMalformed)
	}
	if !strings.EqualFold(strings.TrimSpace(string(name)), "DKIM-Signature") {
		return nil, nil, fmt.Errorf("%w: not a DKIM-Signature header", ErrSignatureMalformed)
	}

	sig := NewSignature()
	seen := make(map[string]bool)

	unfolded := unfoldHeader(string(value))

	for _, part := range strings.Split(unfolded, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		tag, tagValue, found := strings.Cut(part, "=")
		if !found {
			return nil, nil, fmt.Errorf("%w: tag without value", ErrSignatureMalformed)
		}
		tag = strings.TrimSpace(tag)
		tagValue = strings.TrimSpace(tagValue)

		if seen[tag] {
			return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateTag, tag)
		}
		seen[tag] = true

		switch tag {
		case "v":
			v, err := strconv.Atoi(tagValue)
			if err != nil || v != 1 {
				return nil, nil, fmt.Errorf("%w: %s", ErrInvalidVersion, tagValue)
			}
			sig.Version = v

		case "a":
			alg, err := signing.ParseAlgorithm(tagValue)
			if err != nil {
				return nil, nil, err
			}
			sig.Algorithm = alg

		case "b":
			decoded, err := base64.StdEncoding.DecodeString(stripWSP(tagValue))
			if err != nil {
				return nil, nil, fmt.Errorf("%w: invalid signature encoding: %v", ErrSignatureMalformed, err)
			}
			sig.Signature = decoded

		case "bh":
			decoded, err := base64.StdEncoding.DecodeString(stripWSP(tagValue))
			if err != nil {
				return nil, nil, fmt.Errorf("%w: invalid body hash encoding: %v", ErrSignatureMalformed, err)
			}
			sig.BodyHash = decoded

		case "c":
			header, body, err := canonical.ParseTag(strings.ToLower(tagValue))
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrSignatureMalformed, err)
			}
			sig.HeaderCanon, sig.BodyCanon = header, body

		case "d":
			sig.Domain = strings.ToLower(tagValue)

		case "h":
			for _, h := range strings.Split(tagValue, ":") {
				if h = strings.TrimSpace(h); h != "" {
					sig.SignedHeaders = append(sig.SignedHeaders, h)
				}
			}

		case "i":
			sig.Identity = tagValue

		case "l":
			l, err := strconv.ParseInt(tagValue, 10, 64)
			if err != nil || l < 0 {
				return nil, nil, fmt.Errorf("%w: invalid length %q", ErrSignatureMalformed, tagValue)
			}
			sig.Length = l

		case "q":
			for _, m := range strings.Split(tagValue, ":") {
				if m = strings.TrimSpace(m); m != "" {
					sig.QueryMethods = append(sig.QueryMethods, m)
				}
			}

		case "s":
			sig.Selector = strings.ToLower(tagValue)

		case "t":
			t, err := strconv.ParseInt(tagValue, 10, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: invalid timestamp %q", ErrSignatureMalformed, tagValue)
			}
			sig.SignTime = t

		case "x":
			x, err := strconv.ParseInt(tagValue, 10, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: invalid expiration %q", ErrSignatureMalformed, tagValue)
			}
			sig.ExpireTime = x

		case "z":
			for _, h := range strings.Split(tagValue, "|") {
				sig.CopiedHeaders = append(sig.CopiedHeaders, decodeQPSection(h))
			}

		case "r":
			// RFC 6651 defines only r=y; anything else is ignored.
			sig.ReportRequested = strings.EqualFold(tagValue, "y")

		case "atps":
			sig.ATPSDomain = strings.ToLower(tagValue)

		case "atpsh":
			sig.ATPSHash = strings.ToLower(tagValue)
		}
	}

	for _, tag := range []string{"v", "a", "b", "bh", "d", "h", "s"} {
		if !seen[tag] {
			return nil, nil, fmt.Errorf("%w: %s", ErrMissingTag, tag)
		}
	}

	if sig.Domain == "" || sig.Selector == "" {
		return nil, nil, fmt.Errorf("%w: empty domain or selector", ErrSignatureMalformed)
	}

	// Body hash length must match the algorithm's digest size
	if want := sig.Algorithm.Hash().Size(); len(sig.BodyHash) != want {
		return nil, nil, fmt.Errorf("%w: body hash is %d bytes, expected %d for %s",
			ErrSignatureMalformed, len(sig.BodyHash), want, sig.Algorithm.HashName())
	}

	if sig.SignTime >= 0 && sig.ExpireTime >= 0 && sig.SignTime >= sig.ExpireTime {
		return nil, nil, fmt.Errorf("%w: sign time not before expire time", ErrSigExpired)
	}

	// The i= domain must equal d= or be a subdomain of it
	if atIdx := strings.LastIndex(sig.Identity, "@"); atIdx >= 0 {
		identityDomain := strings.ToLower(sig.Identity[atIdx+1:])
		if identityDomain != sig.Domain && !strings.HasSuffix(identityDomain, "."+sig.Domain) {
			return nil, nil, fmt.Errorf("%w: %s under %s",
				ErrDomainIdentityMismatch, identityDomain, sig.Domain)
		}
	}

	return sig, stripBValue(raw), nil
}

// stripBValue returns the raw header with the b= tag's value deleted and the
// trailing CRLF removed. Everything else, folding included, is preserved
// byte for byte so simple canonicalization still sees the original header.
func stripBValue(raw []byte) []byte {
	raw = bytes.TrimSuffix(raw, []byte("\r\n"))

	colon := bytes.IndexByte(raw, ':')
	if colon < 0 {
		return raw
	}

	out := make([]byte, 0, len(raw))
	out = append(out, raw[:colon+1]...)
	rest := raw[colon+1:]

	for len(rest) > 0 {
		seg := rest
		if j := bytes.IndexByte(rest, ';'); j >= 0 {
			seg, rest = rest[:j+1], rest[j+1:]
		} else {
			rest = nil
		}

		if eq := bytes.IndexByte(seg, '='); eq >= 0 {
			name := strings.Trim(string(seg[:eq]), " \t\r\n")
			if name == "b" {
				out = append(out, seg[:eq+1]...)
				if seg[len(seg)-1] == ';' {
					out = append(out, ';')
				}
				continue
			}
		}
		out = append(out, seg...)
	}

	return out
}

// Header generates the DKIM-Signature header content, without a trailing
// CRLF. If includeSignature is false the b= value is left empty, which is
// the form the data hash is computed over when signing.
func (s *Signature) Header(includeSignature bool) string {
	w := &headerWriter{}

	w.addf("", "DKIM-Signature: v=%d;", s.Version)
	w.addf(" ", "d=%s;", s.Domain)
	w.addf(" ", "s=%s;", s.Selector)
	w.addf(" ", "a=%s;", s.Algorithm)

	if s.HeaderCanon != canonical.Simple || s.BodyCanon != canonical.Simple {
		w.addf(" ", "c=%s/%s;", s.HeaderCanon, s.BodyCanon)
	}

	if s.Identity != "" {
		w.addf(" ", "i=%s;", s.Identity)
	}

	if s.SignTime >= 0 {
		w.addf(" ", "t=%d;", s.SignTime)
	}
	if s.ExpireTime >= 0 {
		w.addf(" ", "x=%d;", s.ExpireTime)
	}
	if s.Length >= 0 {
		w.addf(" ", "l=%d;", s.Length)
	}

	if s.ReportRequested {
		w.add(" ", "r=y;")
	}
	if s.ATPSDomain != "" {
		w.addf(" ", "atps=%s;", s.ATPSDomain)
	}
	if s.ATPSHash != "" {
		w.addf(" ", "atpsh=%s;", s.ATPSHash)
	}

	for i, h := range s.SignedHeaders {
		sep := ""
		if i == 0 {
			h = "h=" + h
			sep = " "
		}
		if i < len(s.SignedHeaders)-1 {
			h += ":"
		} else {
			h += ";"
		}
		w.add(sep, h)
	}

	w.addf(" ", "bh=%s;", base64.StdEncoding.EncodeToString(s.BodyHash))

	w.add(" ", "b=")
	if includeSignature && len(s.Signature) > 0 {
		w.addWrap([]byte(base64.StdEncoding.EncodeToString(s.Signature)))
	}

	return w.String()
}

// headerWriter builds signature headers with RFC 5322 folding.
// It tracks line length and folds to the next line when needed.
type headerWriter struct {
	b        strings.Builder
	lineLen  int
	nonfirst bool
}

const maxHeaderLineLen = 76

// add adds text, folding to a new line when it would exceed the limit.
func (w *headerWriter) add(sep, text string) {
	n := len(text)
	if w.nonfirst && w.lineLen > 1 && w.lineLen+len(sep)+n > maxHeaderLineLen {
		w.b.WriteString("\r\n\t")
		w.lineLen = 1
	} else if w.nonfirst && sep != "" {
		w.b.WriteString(sep)
		w.lineLen += len(sep)
	}
	w.b.WriteString(text)
	w.lineLen += n
	w.nonfirst = true
}

// addf formats and adds text.
func (w *headerWriter) addf(sep, format string, args ...any) {
	w.add(sep, fmt.Sprintf(format, args...))
}

// addWrap adds data that can be broken at any position, like base64.
func (w *headerWriter) addWrap(data []byte) {
	for len(data) > 0 {
		n := maxHeaderLineLen - w.lineLen
		if n <= 0 {
			w.b.WriteString("\r\n\t")
			w.lineLen = 1
			n = maxHeaderLineLen - 1
		}
		if n > len(data) {
			n = len(data)
		}
		w.b.Write(data[:n])
		w.lineLen += n
		data = data[n:]
	}
}

// String returns the header content (without trailing CRLF).
func (w *headerWriter) String() string {
	return w.b.String()
}

// unfoldHeader removes folding (CRLF or LF followed by whitespace).
func unfoldHeader(s string) string {
	s = strings.ReplaceAll(s, "\r\n\t", " ")
	s = strings.ReplaceAll(s, "\r\n ", " ")
	s = strings.ReplaceAll(s, "\n\t", " ")
	s = strings.ReplaceAll(s, "\n ", " ")
	return s
}

// stripWSP removes all whitespace, for base64 tag values.
func stripWSP(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, s)
}

// encodeQPSection encodes a string with DKIM quoted-printable, used by the
// z= tag and key record notes.
func encodeQPSection(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for _, c := range []byte(s) {
		// DKIM-safe-char: printable ASCII except ; = | :
		if c > ' ' && c < 0x7f && c != ';' && c != '=' && c != '|' && c != ':' {
			b.WriteByte(c)
		} else {
			b.WriteByte('=')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}

// decodeQPSection decodes a DKIM quoted-printable encoded section.
func decodeQPSection(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '=' && i+2 < len(s) {
			hi := hexVal(s[i+1])
			lo := hexVal(s[i+2])
			if hi >= 0 && lo >= 0 {
				b.WriteByte(byte(hi<<4 | lo))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'F':
		return int(c - 'A' + 10)
	case c >= 'a' && c <= 'f':
		return int(c - 'a' + 10)
	}
	return -1
}
