package dmarc

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ParseRecord parses a DMARC policy record from TXT form. The second return
// value reports whether the string is a DMARC record at all (begins with
// v=DMARC1); unrelated TXT records at the same name are skipped by callers.
//
// Tag values that are case-insensitive in the grammar come back lower-cased.
func ParseRecord(txt string) (*Record, bool, error) {
	return parseRecord(txt, true)
}

// ParseReportRecord parses a record published under _report._dmarc, which
// opts a domain into receiving reports for others. These records need no
// p tag.
func ParseReportRecord(txt string) (*Record, bool, error) {
	return parseRecord(txt, false)
}

func parseRecord(txt string, requirePolicy bool) (*Record, bool, error) {
	segments := strings.Split(txt, ";")

	// v=DMARC1 must come first, version value in exact case
	// (RFC 7489 Section 6.4).
	tag, value, ok := cutTag(segments[0])
	if !ok || tag != "v" || value != "DMARC1" {
		return nil, false, fmt.Errorf("not a DMARC1 record")
	}

	record := DefaultRecord
	seen := make(map[string]bool)
	policyInvalid := false
	tagCount := 0

	for _, segment := range segments[1:] {
		if strings.TrimSpace(segment) == "" {
			continue
		}

		tag, value, ok := cutTag(segment)
		if !ok {
			return nil, true, fmt.Errorf("%w: expected tag=value, got %q", ErrSyntax, segment)
		}
		tagCount++

		if seen[tag] {
			return nil, true, fmt.Errorf("%w: duplicate tag %q", ErrSyntax, tag)
		}
		seen[tag] = true

		switch tag {
		case "p":
			if tagCount != 1 {
				return nil, true, fmt.Errorf("%w: p tag must directly follow v", ErrSyntax)
			}
			record.Policy = Policy(strings.ToLower(value))
			if !validPolicy(record.Policy) {
				policyInvalid = true
			}

		case "sp":
			record.SubdomainPolicy = Policy(strings.ToLower(value))

		case "rua":
			uris, err := parseURIList(value)
			if err != nil {
				return nil, true, err
			}
			record.AggregateAddresses = uris

		case "ruf":
			uris, err := parseURIList(value)
			if err != nil {
				return nil, true, err
			}
			record.FailureAddresses = uris

		case "adkim", "aspf":
			mode := Align(strings.ToLower(value))
			if mode != AlignRelaxed && mode != AlignStrict {
				return nil, true, fmt.Errorf("%w: bad alignment %q", ErrSyntax, value)
			}
			if tag == "adkim" {
				record.ADKIM = mode
			} else {
				record.ASPF = mode
			}

		case "ri":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, true, fmt.Errorf("%w: bad interval %q", ErrSyntax, value)
			}
			record.ReportInterval = n

		case "fo":
			var options []string
			for _, opt := range strings.Split(strings.ToLower(value), ":") {
				opt = strings.TrimSpace(opt)
				switch opt {
				case "0", "1", "d", "s":
					options = append(options, opt)
				default:
					return nil, true, fmt.Errorf("%w: bad failure option %q", ErrSyntax, opt)
				}
			}
			record.FailureOptions = options

		case "rf":
			var formats []string
			for _, format := range strings.Split(strings.ToLower(value), ":") {
				format = strings.TrimSpace(format)
				if !validKeyword(format) {
					return nil, true, fmt.Errorf("%w: bad report format %q", ErrSyntax, format)
				}
				formats = append(formats, format)
			}
			record.ReportFormat = formats

		case "pct":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 || n > 100 {
				return nil, true, fmt.Errorf("%w: bad percentage %q", ErrSyntax, value)
			}
			record.Percentage = n

		default:
			// Unknown tags are tolerated per RFC 7489 Section 6.3.
		}
	}

	// A record without a valid p (or with a garbled sp) still counts as
	// p=none when it requests aggregate reports (RFC 7489 Section 6.6.3).
	sp := record.SubdomainPolicy
	spInvalid := sp != PolicyAbsent && !validPolicy(sp)
	if requirePolicy && (!seen["p"] || policyInvalid || spInvalid) {
		if len(record.AggregateAddresses) == 0 {
			return nil, true, fmt.Errorf("%w: no valid policy and no aggregate report address", ErrSyntax)
		}
		record.Policy = PolicyNone
		record.SubdomainPolicy = PolicyAbsent
	}

	return &record, true, nil
}

// cutTag splits one "tag = value" segment, trimming whitespace. The tag
// comes back lower-cased, the value in original case.
func cutTag(segment string) (tag, value string, ok bool) {
	tag, value, found := strings.Cut(segment, "=")
	tag = strings.ToLower(strings.TrimSpace(tag))
	value = strings.TrimSpace(value)
	if !found || tag == "" {
		return "", "", false
	}
	return tag, value, true
}

func validPolicy(p Policy) bool {
	return p == PolicyNone || p == PolicyQuarantine || p == PolicyReject
}

func validKeyword(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z' || c >= '0' && c <= '9':
		case c == '-' && i > 0 && i < len(s)-1:
		default:
			return false
		}
	}
	return true
}

// parseURIList parses a comma-separated rua or ruf value.
func parseURIList(value string) ([]URI, error) {
	var uris []URI
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("%w: empty report URI", ErrSyntax)
		}
		uri, err := parseURI(part)
		if err != nil {
			return nil, err
		}
		uris = append(uris, uri)
	}
	return uris, nil
}

// parseURI parses one report URI with its optional !size[unit] suffix.
func parseURI(s string) (URI, error) {
	address, sizeStr, hasSize := strings.Cut(s, "!")

	u, err := url.Parse(address)
	if err != nil {
		return URI{}, fmt.Errorf("%w: bad report URI %q: %v", ErrSyntax, address, err)
	}
	if u.Scheme == "" {
		return URI{}, fmt.Errorf("%w: report URI %q has no scheme", ErrSyntax, address)
	}

	uri := URI{Address: address}
	if hasSize {
		if sizeStr != "" {
			switch last := sizeStr[len(sizeStr)-1]; last {
			case 'k', 'K', 'm', 'M', 'g', 'G', 't', 'T':
				uri.Unit = strings.ToLower(sizeStr[len(sizeStr)-1:])
				sizeStr = sizeStr[:len(sizeStr)-1]
			}
		}
		uri.MaxSize, err = strconv.ParseUint(sizeStr, 10, 64)
		if err != nil {
			return URI{}, fmt.Errorf("%w: bad report size in %q", ErrSyntax, s)
		}
	}

	return uri, nil
}
