package arc

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/inboundmx/mailauth/canonical"
	"github.com/inboundmx/mailauth/signing"
)

// Set is one complete ARC set: the three headers an intermediary added at
// one instance.
type Set struct {
	// Instance is the i= value shared by the three headers, 1..MaxInstance.
	Instance int

	// AuthResults is the parsed ARC-Authentication-Results header.
	AuthResults *AuthResults

	// MessageSignature is the parsed ARC-Message-Signature header.
	MessageSignature *MessageSignature

	// Seal is the parsed ARC-Seal header.
	Seal *Seal

	// Raw header bytes, kept for the seal scope which covers the chain's
	// headers as they appear on the wire. The verify forms carry an
	// emptied b= value.
	aarRaw    []byte
	amsRaw    []byte
	amsVerify []byte
	asRaw     []byte
	asVerify  []byte
}

// AuthResults is a parsed ARC-Authentication-Results header: the
// authentication state one intermediary observed, frozen into the chain.
type AuthResults struct {
	// Instance is the i= tag.
	Instance int

	// AuthServID identifies the service that produced the results.
	AuthServID string

	// Results is the Authentication-Results payload after the authserv-id.
	Results string
}

// ParseAuthResults parses an ARC-Authentication-Results header value:
// "i=N; authserv-id; results".
func ParseAuthResults(value string) (*AuthResults, error) {
	value = strings.TrimSpace(unfoldHeader(value))

	instancePart, rest, found := strings.Cut(value, ";")
	if !found {
		return nil, fmt.Errorf("%w: ARC-Authentication-Results without authserv-id", ErrSyntax)
	}

	tag, instanceValue, _ := strings.Cut(instancePart, "=")
	if strings.TrimSpace(strings.ToLower(tag)) != "i" {
		return nil, fmt.Errorf("%w: ARC-Authentication-Results must start with i=", ErrSyntax)
	}
	instance, err := parseInstance(strings.TrimSpace(instanceValue))
	if err != nil {
		return nil, err
	}

	rest = strings.TrimSpace(rest)
	ar := &AuthResults{Instance: instance}

	if idx := strings.IndexAny(rest, "; "); idx >= 0 {
		ar.AuthServID = rest[:idx]
		results := strings.TrimSpace(rest[idx:])
		ar.Results = strings.TrimSpace(strings.TrimPrefix(results, ";"))
	} else {
		ar.AuthServID = rest
	}

	if ar.AuthServID == "" {
		return nil, fmt.Errorf("%w: missing authserv-id", ErrSyntax)
	}
	return ar, nil
}

// Header renders the full header without a trailing CRLF.
func (ar *AuthResults) Header() string {
	var b strings.Builder
	b.WriteString("ARC-Authentication-Results: i=")
	b.WriteString(strconv.Itoa(ar.Instance))
	b.WriteString("; ")
	b.WriteString(ar.AuthServID)
	if ar.Results != "" {
		b.WriteString(";\r\n\t")
		b.WriteString(ar.Results)
	}
	return b.String()
}

// MessageSignature is a parsed ARC-Message-Signature header. It mirrors a
// DKIM-Signature with an instance number and no v= tag.
type MessageSignature struct {
	// Required tags.
	Instance      int               // i=
	Algorithm     signing.Algorithm // a=
	Signature     []byte            // b=
	BodyHash      []byte            // bh=
	Domain        string            // d=
	SignedHeaders []string          // h=
	Selector      string            // s=

	// Optional tags. ARC defaults to relaxed/relaxed canonicalization.
	HeaderCanon canonical.Form // c=
	BodyCanon   canonical.Form // c=
	Length      int64          // l= (-1 if not set)
	SignTime    int64          // t= (-1 if not set)
	ExpireTime  int64          // x= (-1 if not set)
}

// Expired reports whether the signature has expired.
func (ms *MessageSignature) Expired() bool {
	return ms.ExpireTime >= 0 && timeNow().Unix() > ms.ExpireTime
}

// ParseMessageSignature parses a raw ARC-Message-Signature header, folding
// included. It returns the parsed signature and the raw header with the b=
// value deleted, which the data hash is computed over.
func ParseMessageSignature(raw []byte) (*MessageSignature, []byte, error) {
	value, err := headerValue(raw, "ARC-Message-Signature")
	if err != nil {
		return nil, nil, err
	}

	ms := &MessageSignature{
		HeaderCanon: canonical.Relaxed,
		BodyCanon:   canonical.Relaxed,
		Length:      -1,
		SignTime:    -1,
		ExpireTime:  -1,
	}
	seen := make(map[string]bool)

	for _, part := range strings.Split(unfoldHeader(value), ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		tag, tagValue, found := strings.Cut(part, "=")
		if !found {
			return nil, nil, fmt.Errorf("%w: tag without value", ErrSyntax)
		}
		tag = strings.TrimSpace(tag)
		tagValue = strings.TrimSpace(tagValue)

		if seen[tag] {
			return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateTag, tag)
		}
		seen[tag] = true

		switch tag {
		case "i":
			ms.Instance, err = parseInstance(tagValue)
			if err != nil {
				return nil, nil, err
			}

		case "a":
			ms.Algorithm, err = signing.ParseAlgorithm(tagValue)
			if err != nil {
				return nil, nil, err
			}

		case "b":
			ms.Signature, err = base64.StdEncoding.DecodeString(stripWSP(tagValue))
			if err != nil {
				return nil, nil, fmt.Errorf("%w: invalid signature encoding: %v", ErrSyntax, err)
			}

		case "bh":
			ms.BodyHash, err = base64.StdEncoding.DecodeString(stripWSP(tagValue))
			if err != nil {
				return nil, nil, fmt.Errorf("%w: invalid body hash encoding: %v", ErrSyntax, err)
			}

		case "c":
			header, body, err := canonical.ParseTag(strings.ToLower(tagValue))
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrSyntax, err)
			}
			ms.HeaderCanon, ms.BodyCanon = header, body

		case "d":
			ms.Domain = strings.ToLower(tagValue)

		case "h":
			for _, h := range strings.Split(tagValue, ":") {
				if h = strings.TrimSpace(h); h != "" {
					ms.SignedHeaders = append(ms.SignedHeaders, h)
				}
			}

		case "s":
			ms.Selector = strings.ToLower(tagValue)

		case "l":
			l, err := strconv.ParseInt(tagValue, 10, 64)
			if err != nil || l < 0 {
				return nil, nil, fmt.Errorf("%w: invalid length %q", ErrSyntax, tagValue)
			}
			ms.Length = l

		case "t":
			ms.SignTime, err = strconv.ParseInt(tagValue, 10, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: invalid timestamp %q", ErrSyntax, tagValue)
			}

		case "x":
			ms.ExpireTime, err = strconv.ParseInt(tagValue, 10, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: invalid expiration %q", ErrSyntax, tagValue)
			}
		}
	}

	for _, tag := range []string{"i", "a", "b", "bh", "d", "h", "s"} {
		if !seen[tag] {
			return nil, nil, fmt.Errorf("%w: %s", ErrMissingTag, tag)
		}
	}
	if ms.Domain == "" || ms.Selector == "" {
		return nil, nil, fmt.Errorf("%w: empty domain or selector", ErrSyntax)
	}

	return ms, stripBValue(raw), nil
}

// Header renders the full header without a trailing CRLF. With
// includeSignature false the b= value is left empty, the form the data hash
// is computed over when sealing.
func (ms *MessageSignature) Header(includeSignature bool) string {
	w := &headerWriter{}

	w.add("", "ARC-Message-Signature: i="+strconv.Itoa(ms.Instance)+";")
	w.add(" ", "a="+string(ms.Algorithm)+";")
	w.add(" ", "c="+string(ms.HeaderCanon)+"/"+string(ms.BodyCanon)+";")
	w.add(" ", "d="+ms.Domain+";")
	w.add(" ", "s="+ms.Selector+";")

	if ms.SignTime >= 0 {
		w.add(" ", "t="+strconv.FormatInt(ms.SignTime, 10)+";")
	}
	if ms.ExpireTime >= 0 {
		w.add(" ", "x="+strconv.FormatInt(ms.ExpireTime, 10)+";")
	}
	if ms.Length >= 0 {
		w.add(" ", "l="+strconv.FormatInt(ms.Length, 10)+";")
	}

	for i, h := range ms.SignedHeaders {
		sep := ""
		if i == 0 {
			h = "h=" + h
			sep = " "
		}
		if i < len(ms.SignedHeaders)-1 {
			h += ":"
		} else {
			h += ";"
		}
		w.add(sep, h)
	}

	w.add(" ", "bh=")
	w.addWrap([]byte(base64.StdEncoding.EncodeToString(ms.BodyHash)))
	w.add("", ";")

	w.add(" ", "b=")
	if includeSignature && len(ms.Signature) > 0 {
		w.addWrap([]byte(base64.StdEncoding.EncodeToString(ms.Signature)))
	}

	return w.String()
}

// Seal is a parsed ARC-Seal header: the signature binding the chain.
type Seal struct {
	Instance        int               // i=
	Algorithm       signing.Algorithm // a=
	Signature       []byte            // b=
	ChainValidation ChainValidation   // cv=
	Domain          string            // d=
	Selector        string            // s=
	SignTime        int64             // t= (-1 if not set)
}

// ParseSeal parses a raw ARC-Seal header. It returns the parsed seal and
// the raw header with the b= value deleted.
func ParseSeal(raw []byte) (*Seal, []byte, error) {
	value, err := headerValue(raw, "ARC-Seal")
	if err != nil {
		return nil, nil, err
	}

	seal := &Seal{SignTime: -1}
	seen := make(map[string]bool)

	for _, part := range strings.Split(unfoldHeader(value), ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		tag, tagValue, found := strings.Cut(part, "=")
		if !found {
			return nil, nil, fmt.Errorf("%w: tag without value", ErrSyntax)
		}
		tag = strings.TrimSpace(tag)
		tagValue = strings.TrimSpace(tagValue)

		if seen[tag] {
			return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateTag, tag)
		}
		seen[tag] = true

		switch tag {
		case "i":
			seal.Instance, err = parseInstance(tagValue)
			if err != nil {
				return nil, nil, err
			}

		case "a":
			seal.Algorithm, err = signing.ParseAlgorithm(tagValue)
			if err != nil {
				return nil, nil, err
			}

		case "b":
			seal.Signature, err = base64.StdEncoding.DecodeString(stripWSP(tagValue))
			if err != nil {
				return nil, nil, fmt.Errorf("%w: invalid signature encoding: %v", ErrSyntax, err)
			}

		case "cv":
			seal.ChainValidation, err = ParseChainValidation(strings.ToLower(tagValue))
			if err != nil {
				return nil, nil, err
			}

		case "d":
			seal.Domain = strings.ToLower(tagValue)

		case "s":
			seal.Selector = strings.ToLower(tagValue)

		case "t":
			seal.SignTime, err = strconv.ParseInt(tagValue, 10, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: invalid timestamp %q", ErrSyntax, tagValue)
			}
		}
	}

	for _, tag := range []string{"i", "a", "b", "cv", "d", "s"} {
		if !seen[tag] {
			return nil, nil, fmt.Errorf("%w: %s", ErrMissingTag, tag)
		}
	}
	if seal.Domain == "" || seal.Selector == "" {
		return nil, nil, fmt.Errorf("%w: empty domain or selector", ErrSyntax)
	}

	return seal, stripBValue(raw), nil
}

// Header renders the full header without a trailing CRLF. With
// includeSignature false the b= value is left empty.
func (s *Seal) Header(includeSignature bool) string {
	w := &headerWriter{}

	w.add("", "ARC-Seal: i="+strconv.Itoa(s.Instance)+";")
	w.add(" ", "a="+string(s.Algorithm)+";")
	w.add(" ", "cv="+string(s.ChainValidation)+";")
	w.add(" ", "d="+s.Domain+";")
	w.add(" ", "s="+s.Selector+";")

	if s.SignTime >= 0 {
		w.add(" ", "t="+strconv.FormatInt(s.SignTime, 10)+";")
	}

	w.add(" ", "b=")
	if includeSignature && len(s.Signature) > 0 {
		w.addWrap([]byte(base64.StdEncoding.EncodeToString(s.Signature)))
	}

	return w.String()
}

// parseInstance parses an i= tag, bounded to 1..MaxInstance.
func parseInstance(s string) (int, error) {
	instance, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: i=%q", ErrInvalidInstance, s)
	}
	if instance < 1 || instance > MaxInstance {
		return 0, fmt.Errorf("%w: %d out of range", ErrInvalidInstance, instance)
	}
	return instance, nil
}

// headerValue checks the header name and returns everything after the colon.
func headerValue(raw []byte, name string) (string, error) {
	key, value, found := bytes.Cut(raw, []byte(":"))
	if !found {
		return "", fmt.Errorf("%w: missing colon", ErrSyntax)
	}
	if !strings.EqualFold(strings.TrimSpace(string(key)), name) {
		return "", fmt.Errorf("%w: not an %s header", ErrSyntax, name)
	}
	return strings.TrimRight(string(value), "\r\n"), nil
}

// stripBValue returns the raw header with the b= tag's value deleted and
// the trailing CRLF removed. Everything else, folding included, is kept
// byte for byte.
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

// headerWriter builds signature headers with RFC 5322 folding.
type headerWriter struct {
	b        strings.Builder
	lineLen  int
	nonfirst bool
}

const maxHeaderLineLen = 76

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

func (w *headerWriter) String() string {
	return w.b.String()
}
