// Package canonical implements the DKIM canonicalization algorithms
// (RFC 6376 Section 3.4) shared by the DKIM and ARC engines, plus the raw
// header parsing both need. Canonicalization output streams directly into a
// hash, so message bodies are never buffered in canonical form.
package canonical

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Form is a canonicalization algorithm name.
type Form string

const (
	// Simple is the "simple" canonicalization, which tolerates almost no
	// modification of the message in transit.
	Simple Form = "simple"

	// Relaxed is the "relaxed" canonicalization, which tolerates common
	// whitespace and folding changes.
	Relaxed Form = "relaxed"
)

// Valid reports whether f is a defined canonicalization form.
func (f Form) Valid() bool {
	return f == Simple || f == Relaxed
}

var (
	// ErrMalformedHeader indicates a header block that does not follow
	// RFC 5322 syntax.
	ErrMalformedHeader = errors.New("canonical: malformed header")
)

// ParseTag parses a c= tag value ("header/body"). The body part defaults to
// simple when omitted, per RFC 6376 Section 3.5.
func ParseTag(s string) (header, body Form, err error) {
	header, body = Simple, Simple

	if s == "" {
		return header, body, nil
	}

	part, rest, found := strings.Cut(s, "/")
	header = Form(part)
	if found {
		body = Form(rest)
	}

	if !header.Valid() || !body.Valid() {
		return "", "", fmt.Errorf("canonical: unknown canonicalization %q", s)
	}
	return header, body, nil
}

// Header is one raw message header.
type Header struct {
	Key   string // Original case
	LKey  string // Lowercase
	Value []byte // Header value (after colon)
	Raw   []byte // Complete header including name, colon, and value
}

// ParseMessage parses the header block of a raw message. It returns the
// headers in message order and the offset where the body starts. A message
// without a body (no blank line) yields a body offset at the end of data.
func ParseMessage(data []byte) ([]Header, int, error) {
	br := bufio.NewReader(bytes.NewReader(data))

	var headers []Header
	var offset int
	var current Header

	flush := func() {
		if current.Key != "" {
			headers = append(headers, current)
			current = Header{}
		}
	}

	for {
		line, err := readLine(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, err
		}
		offset += len(line)

		// Empty line signals end of headers
		if bytes.Equal(line, []byte("\r\n")) {
			break
		}

		// Continuation of a folded header
		if line[0] == ' ' || line[0] == '\t' {
			if current.Key == "" {
				return nil, 0, ErrMalformedHeader
			}
			current.Value = append(current.Value, line...)
			current.Raw = append(current.Raw, line...)
			continue
		}

		flush()

		colonIdx := bytes.IndexByte(line, ':')
		if colonIdx == -1 {
			return nil, 0, ErrMalformedHeader
		}

		current.Key = strings.TrimRight(string(line[:colonIdx]), " \t")
		current.LKey = strings.ToLower(current.Key)
		current.Value = bytes.Clone(line[colonIdx+1:])
		current.Raw = bytes.Clone(line)

		for _, c := range current.Key {
			if c <= ' ' || c >= 0x7f {
				return nil, 0, ErrMalformedHeader
			}
		}
	}

	flush()
	return headers, offset, nil
}

// readLine reads a line including its CRLF. Lines with a bare LF are read
// through until a CRLF or EOF, matching wire-format expectations.
func readLine(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		line, err := r.ReadBytes('\n')
		buf = append(buf, line...)
		if err != nil {
			if err == io.EOF && len(buf) > 0 {
				return buf, nil
			}
			return nil, err
		}
		if bytes.HasSuffix(buf, []byte("\r\n")) {
			return buf, nil
		}
	}
}

// HeaderLine canonicalizes one raw header. The result carries no trailing
// CRLF.
func HeaderLine(form Form, raw []byte) ([]byte, error) {
	if form == Simple {
		return bytes.TrimSuffix(raw, []byte("\r\n")), nil
	}
	relaxed, err := relaxHeader(string(raw))
	if err != nil {
		return nil, err
	}
	return []byte(relaxed), nil
}

// relaxHeader applies relaxed header canonicalization:
//   - Convert header name to lowercase
//   - Unfold header lines
//   - Compress WSP runs to a single space
//   - Remove leading and trailing WSP from the value
func relaxHeader(header string) (string, error) {
	idx := strings.Index(header, ":")
	if idx == -1 {
		return "", ErrMalformedHeader
	}

	name := strings.ToLower(strings.TrimRight(header[:idx], " \t"))
	value := header[idx+1:]

	value = strings.ReplaceAll(value, "\r\n", "")
	value = strings.ReplaceAll(value, "\n", "")

	var result strings.Builder
	prevWS := false
	for _, c := range value {
		if c == ' ' || c == '\t' {
			if !prevWS {
				result.WriteByte(' ')
				prevWS = true
			}
		} else {
			result.WriteRune(c)
			prevWS = false
		}
	}

	return name + ":" + strings.TrimSpace(result.String()), nil
}

// BodyHash streams the canonicalized body into w and returns the number of
// canonicalized octets produced. limit bounds how many octets reach w (the
// l= tag); a negative limit hashes the whole body. The count always reflects
// the full canonicalized length, so callers can reject an l= value that
// exceeds it.
func BodyHash(w io.Writer, form Form, body io.Reader, limit int64) (int64, error) {
	lw := &limitWriter{w: w, limit: limit}

	var err error
	if form == Simple {
		err = bodySimple(lw, body)
	} else {
		err = bodyRelaxed(lw, body)
	}
	if err != nil {
		return 0, err
	}
	return lw.total, nil
}

// limitWriter counts all bytes and forwards at most limit of them.
// A negative limit forwards everything.
type limitWriter struct {
	w     io.Writer
	limit int64
	total int64
}

func (lw *limitWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.total += int64(n)

	if lw.limit >= 0 {
		written := lw.total - int64(n)
		if written >= lw.limit {
			return n, nil
		}
		if remaining := lw.limit - written; int64(n) > remaining {
			p = p[:remaining]
		}
	}

	if _, err := lw.w.Write(p); err != nil {
		return 0, err
	}
	return n, nil
}

// bodySimple applies simple body canonicalization:
//   - Multiple trailing CRLFs become one
//   - Empty body becomes a single CRLF
func bodySimple(w io.Writer, body io.Reader) error {
	br := bufio.NewReader(body)
	crlf := []byte("\r\n")

	// Count trailing CRLFs, only write one at the end
	numTrailingCRLF := 0

	for {
		line, err := br.ReadBytes('\n')
		if len(line) == 0 && err == io.EOF {
			break
		}
		if err != nil && err != io.EOF {
			return err
		}

		hasCRLF := bytes.HasSuffix(line, crlf)
		if hasCRLF {
			line = line[:len(line)-2]
		}

		if len(line) > 0 {
			for i := 0; i < numTrailingCRLF; i++ {
				if _, err := w.Write(crlf); err != nil {
					return err
				}
			}
			numTrailingCRLF = 0
			if _, err := w.Write(line); err != nil {
				return err
			}
		}

		if hasCRLF {
			numTrailingCRLF++
		}
	}

	// Always end with exactly one CRLF
	_, err := w.Write(crlf)
	return err
}

// bodyRelaxed applies relaxed body canonicalization:
//   - Remove WSP at end of lines
//   - Compress WSP runs within lines to a single space
//   - Remove all empty lines at the end of the body
//   - An empty body stays empty
func bodyRelaxed(w io.Writer, body io.Reader) error {
	br := bufio.NewReader(body)
	crlf := []byte("\r\n")

	// Buffer empty lines so trailing ones can be dropped
	emptyLines := 0
	bodyNonEmpty := false
	lastLineHadCRLF := false

	for {
		line, err := br.ReadBytes('\n')
		if len(line) == 0 && err == io.EOF {
			break
		}
		if err != nil && err != io.EOF {
			return err
		}

		bodyNonEmpty = true

		hasCRLF := bytes.HasSuffix(line, crlf)
		if hasCRLF {
			line = line[:len(line)-2]
		}

		line = bytes.TrimRight(line, " \t")

		var processed []byte
		prevWS := false
		for _, b := range line {
			if b == ' ' || b == '\t' {
				if !prevWS {
					processed = append(processed, ' ')
					prevWS = true
				}
			} else {
				processed = append(processed, b)
				prevWS = false
			}
		}

		if len(processed) == 0 {
			if hasCRLF {
				emptyLines++
			}
			lastLineHadCRLF = hasCRLF
			continue
		}

		for i := 0; i < emptyLines; i++ {
			if _, err := w.Write(crlf); err != nil {
				return err
			}
		}
		emptyLines = 0

		if _, err := w.Write(processed); err != nil {
			return err
		}
		if hasCRLF {
			if _, err := w.Write(crlf); err != nil {
				return err
			}
		}
		lastLineHadCRLF = hasCRLF
	}

	// Non-empty content without a final CRLF gets one, per RFC 6376.
	// Trailing empty lines were already dropped above.
	if bodyNonEmpty && !lastLineHadCRLF && emptyLines == 0 {
		if _, err := w.Write(crlf); err != nil {
			return err
		}
	}

	return nil
}

// DataHash streams the canonicalized signed headers followed by the
// signature header itself into w. Signed header names are consumed
// bottom-up: when a name appears multiple times in signedHeaders, each
// occurrence selects the next unconsumed instance from the bottom of the
// message. Names with no remaining instance are skipped, which is what
// makes oversigning work (RFC 6376 Section 5.4). sigHeader is written
// without a trailing CRLF, with its b= value already emptied by the caller.
func DataHash(w io.Writer, form Form, headers []Header, signedHeaders []string, sigHeader []byte) error {
	// Index instances per name, most recent first
	headerMap := make(map[string][]Header)
	for i := len(headers) - 1; i >= 0; i-- {
		headerMap[headers[i].LKey] = append(headerMap[headers[i].LKey], headers[i])
	}

	crlf := []byte("\r\n")

	for _, key := range signedHeaders {
		lkey := strings.ToLower(key)
		hdrs := headerMap[lkey]
		if len(hdrs) == 0 {
			continue
		}

		hdr := hdrs[0]
		headerMap[lkey] = hdrs[1:]

		line, err := HeaderLine(form, hdr.Raw)
		if err != nil {
			return err
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		if _, err := w.Write(crlf); err != nil {
			return err
		}
	}

	line, err := HeaderLine(form, sigHeader)
	if err != nil {
		return err
	}
	_, err = w.Write(line)
	return err
}
