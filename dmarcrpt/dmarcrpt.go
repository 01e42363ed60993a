// Package dmarcrpt reads and writes DMARC aggregate feedback reports
// (RFC 7489 Appendix C).
//
// A report covers one policy domain over one interval. Receivers build a
// Feedback from their DMARC evaluations, render it with WriteXML and hand
// the bytes to an Archiver; report consumers parse incoming reports with
// ParseReport. Compression and transport of the report artifact are the
// Archiver's business.
package dmarcrpt

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/inboundmx/mailauth/authres"
	"github.com/inboundmx/mailauth/dmarc"
)

// Common errors.
var (
	ErrSyntax  = errors.New("dmarcrpt: malformed report")
	ErrNoRows  = errors.New("dmarcrpt: report has no records")
	ErrBadSpan = errors.New("dmarcrpt: date range end precedes begin")
)

// ReportVersion is the version element emitted in new reports.
const ReportVersion = "1.0"

// Feedback is the root element of an aggregate report.
type Feedback struct {
	XMLName  xml.Name        `xml:"feedback"`
	Version  string          `xml:"version,omitempty"`
	Metadata ReportMetadata  `xml:"report_metadata"`
	Policy   PolicyPublished `xml:"policy_published"`
	Records  []Record        `xml:"record"`
}

// ReportMetadata identifies the reporter and the interval covered.
type ReportMetadata struct {
	OrgName          string    `xml:"org_name"`
	Email            string    `xml:"email"`
	ExtraContactInfo string    `xml:"extra_contact_info,omitempty"`
	ReportID         string    `xml:"report_id"`
	DateRange        DateRange `xml:"date_range"`
	Errors           []string  `xml:"error,omitempty"`
}

// DateRange is the reporting interval in Unix seconds.
type DateRange struct {
	Begin int64 `xml:"begin"`
	End   int64 `xml:"end"`
}

// PolicyPublished is the DMARC record the report evaluated against.
type PolicyPublished struct {
	Domain         string `xml:"domain"`
	ADKIM          string `xml:"adkim,omitempty"`
	ASPF           string `xml:"aspf,omitempty"`
	Policy         string `xml:"p"`
	SubPolicy      string `xml:"sp,omitempty"`
	Percentage     int    `xml:"pct"`
	FailureOptions string `xml:"fo,omitempty"`
}

// Record is one row group: every message from one source IP with the same
// evaluation outcome.
type Record struct {
	Row         Row         `xml:"row"`
	Identifiers Identifiers `xml:"identifiers"`
	AuthResults AuthResults `xml:"auth_results"`
}

// Row counts messages and carries the evaluated policy.
type Row struct {
	SourceIP string          `xml:"source_ip"`
	Count    int             `xml:"count"`
	Policy   PolicyEvaluated `xml:"policy_evaluated"`
}

// PolicyEvaluated is the receiver's disposition and aligned results.
type PolicyEvaluated struct {
	Disposition string                 `xml:"disposition"`
	DKIM        string                 `xml:"dkim"`
	SPF         string                 `xml:"spf"`
	Reasons     []PolicyOverrideReason `xml:"reason,omitempty"`
}

// PolicyOverrideReason explains a disposition differing from the published
// policy, such as sampled_out or trusted_forwarder.
type PolicyOverrideReason struct {
	Type    string `xml:"type"`
	Comment string `xml:"comment,omitempty"`
}

// Identifiers are the message identities the evaluation used.
type Identifiers struct {
	EnvelopeTo   string `xml:"envelope_to,omitempty"`
	EnvelopeFrom string `xml:"envelope_from,omitempty"`
	HeaderFrom   string `xml:"header_from"`
}

// AuthResults carries the raw per-mechanism outcomes behind the row.
type AuthResults struct {
	DKIM []DKIMAuthResult `xml:"dkim,omitempty"`
	SPF  []SPFAuthResult  `xml:"spf,omitempty"`
}

// DKIMAuthResult is one DKIM signature outcome.
type DKIMAuthResult struct {
	Domain      string `xml:"domain"`
	Selector    string `xml:"selector,omitempty"`
	Result      string `xml:"result"`
	HumanResult string `xml:"human_result,omitempty"`
}

// SPFAuthResult is the SPF outcome for the session.
type SPFAuthResult struct {
	Domain string `xml:"domain"`
	Scope  string `xml:"scope,omitempty"`
	Result string `xml:"result"`
}

// New starts a report for one policy domain and interval. The report ID is
// a fresh ULID, which doubles as the unique-id part of the filename.
func New(orgName, email, domain string, policy *dmarc.Record, begin, end time.Time) *Feedback {
	f := &Feedback{
		Version: ReportVersion,
		Metadata: ReportMetadata{
			OrgName:  orgName,
			Email:    email,
			ReportID: ulid.Make().String(),
			DateRange: DateRange{
				Begin: begin.Unix(),
				End:   end.Unix(),
			},
		},
		Policy: PolicyPublished{Domain: domain},
	}

	if policy != nil {
		f.Policy.ADKIM = string(policy.ADKIM)
		f.Policy.ASPF = string(policy.ASPF)
		f.Policy.Policy = string(policy.Policy)
		if policy.SubdomainPolicy != dmarc.PolicyAbsent {
			f.Policy.SubPolicy = string(policy.SubdomainPolicy)
		}
		f.Policy.Percentage = policy.Percentage
		if len(policy.FailureOptions) > 0 {
			f.Policy.FailureOptions = strings.Join(policy.FailureOptions, ":")
		}
	}

	return f
}

// AddEvaluation appends a row for count messages from sourceIP that shared
// one DMARC outcome. Disposition and override reasons are derived from the
// evaluation.
func (f *Feedback) AddEvaluation(sourceIP net.IP, count int, eval dmarc.Result, ids Identifiers, auth AuthResults) {
	// The From domain being a subdomain of where the record was found
	// selects sp over p for the disposition.
	isSubdomain := !strings.EqualFold(ids.HeaderFrom, eval.Domain)

	row := Row{
		SourceIP: sourceIP.String(),
		Count:    count,
		Policy: PolicyEvaluated{
			Disposition: disposition(eval, isSubdomain),
			DKIM:        alignedResult(eval.AlignedDKIMPass),
			SPF:         alignedResult(eval.AlignedSPFPass),
		},
	}

	if eval.Status != authres.StatusPass && !eval.Applied {
		row.Policy.Reasons = append(row.Policy.Reasons,
			PolicyOverrideReason{Type: "sampled_out"})
	}

	f.Records = append(f.Records, Record{
		Row:         row,
		Identifiers: ids,
		AuthResults: auth,
	})
}

// disposition maps an evaluation to the report's disposition element.
func disposition(eval dmarc.Result, isSubdomain bool) string {
	if eval.Status == authres.StatusPass || eval.Record == nil || !eval.Applied || !eval.Reject {
		return string(dmarc.PolicyNone)
	}
	return string(eval.Record.EffectivePolicy(isSubdomain))
}

func alignedResult(pass bool) string {
	if pass {
		return "pass"
	}
	return "fail"
}

// WriteXML renders the report with the XML declaration and indentation.
func (f *Feedback) WriteXML(w io.Writer) error {
	if len(f.Records) == 0 {
		return ErrNoRows
	}
	if f.Metadata.DateRange.End < f.Metadata.DateRange.Begin {
		return ErrBadSpan
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}

	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("dmarcrpt: encoding report: %w", err)
	}
	return enc.Close()
}

// ParseReport decodes one aggregate report.
func ParseReport(r io.Reader) (*Feedback, error) {
	var f Feedback
	if err := xml.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	if f.Policy.Domain == "" {
		return nil, fmt.Errorf("%w: missing policy domain", ErrSyntax)
	}
	return &f, nil
}

// Filename builds the report filename of RFC 7489 Section 7.2.1:
// receiver "!" policy-domain "!" begin "!" end [ "!" unique-id ] ".xml".
// The report's own ID serves as the unique-id.
func (f *Feedback) Filename(receiver string) string {
	parts := []string{
		receiver,
		f.Policy.Domain,
		strconv.FormatInt(f.Metadata.DateRange.Begin, 10),
		strconv.FormatInt(f.Metadata.DateRange.End, 10),
	}
	if f.Metadata.ReportID != "" {
		parts = append(parts, f.Metadata.ReportID)
	}
	return strings.Join(parts, "!") + ".xml"
}

// Archiver stores one rendered report artifact. Implementations typically
// gzip the bytes and write them to disk or object storage.
type Archiver interface {
	Archive(ctx context.Context, filename string, data []byte) error
}

// Archive renders the report and hands it to the archiver under its
// RFC 7489 filename.
func Archive(ctx context.Context, a Archiver, f *Feedback, receiver string) error {
	var b strings.Builder
	if err := f.WriteXML(&b); err != nil {
		return err
	}
	return a.Archive(ctx, f.Filename(receiver), []byte(b.String()))
}
