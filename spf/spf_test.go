package spf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/inboundmx/mailauth/authres"
	"github.com/inboundmx/mailauth/dns"
)

func testArgs(ip string) Args {
	return Args{
		RemoteIP:       net.ParseIP(ip),
		MailFromLocal:  "bounces",
		MailFromDomain: "example.org",
		HelloDomain:    "mx.example.org",
		LocalHostname:  "mail.receiver.example",
	}
}

func TestVerifyIP4(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"example.org.": {"v=spf1 ip4:192.0.2.0/24 -all"},
		},
	}

	result := Verify(context.Background(), resolver, testArgs("192.0.2.10"))
	if result.Status != authres.StatusPass {
		t.Fatalf("Status = %s (%v)", result.Status, result.Err)
	}
	if result.Mechanism != "ip4:192.0.2.0/24" {
		t.Errorf("Mechanism = %q", result.Mechanism)
	}
	if result.Identity != "mailfrom" || result.Domain != "example.org" {
		t.Errorf("Identity/Domain = %s/%s", result.Identity, result.Domain)
	}

	result = Verify(context.Background(), resolver, testArgs("198.51.100.1"))
	if result.Status != authres.StatusFail {
		t.Fatalf("Status = %s", result.Status)
	}
	if result.Mechanism != "-all" {
		t.Errorf("Mechanism = %q", result.Mechanism)
	}
}

func TestVerifyAAndMX(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"a.example.org.":  {"v=spf1 a -all"},
			"mx.example.org.": {"v=spf1 mx -all"},
		},
		A: map[string][]string{
			"a.example.org.":    {"192.0.2.5"},
			"mail.example.org.": {"192.0.2.7"},
		},
		MX: map[string][]*net.MX{
			"mx.example.org.": {{Host: "mail.example.org.", Pref: 10}},
		},
	}

	args := testArgs("192.0.2.5")
	args.MailFromDomain = "a.example.org"
	if result := Verify(context.Background(), resolver, args); result.Status != authres.StatusPass {
		t.Errorf("a mechanism: Status = %s (%v)", result.Status, result.Err)
	}

	args = testArgs("192.0.2.7")
	args.MailFromDomain = "mx.example.org"
	if result := Verify(context.Background(), resolver, args); result.Status != authres.StatusPass {
		t.Errorf("mx mechanism: Status = %s (%v)", result.Status, result.Err)
	}

	args = testArgs("203.0.113.9")
	args.MailFromDomain = "mx.example.org"
	if result := Verify(context.Background(), resolver, args); result.Status != authres.StatusFail {
		t.Errorf("mx mismatch: Status = %s", result.Status)
	}
}

func TestVerifyInclude(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"example.org.":      {"v=spf1 include:_spf.example.org -all"},
			"_spf.example.org.": {"v=spf1 ip4:192.0.2.0/24"},
		},
	}

	result := Verify(context.Background(), resolver, testArgs("192.0.2.10"))
	if result.Status != authres.StatusPass {
		t.Fatalf("Status = %s (%v)", result.Status, result.Err)
	}
	if result.Mechanism != "include:_spf.example.org" {
		t.Errorf("Mechanism = %q", result.Mechanism)
	}

	// The included record not matching is not a match, not a fail.
	result = Verify(context.Background(), resolver, testArgs("198.51.100.1"))
	if result.Status != authres.StatusFail || result.Mechanism != "-all" {
		t.Errorf("Status/Mechanism = %s/%q", result.Status, result.Mechanism)
	}
}

func TestVerifyIncludeMissingTarget(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"example.org.": {"v=spf1 include:absent.example.org -all"},
		},
	}

	result := Verify(context.Background(), resolver, testArgs("192.0.2.10"))
	if result.Status != authres.StatusPermError {
		t.Fatalf("Status = %s", result.Status)
	}
	if !errors.Is(result.Err, ErrNoRecord) {
		t.Errorf("Err = %v", result.Err)
	}
}

func TestVerifyIncludeCycle(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"example.org.": {"v=spf1 include:example.org -all"},
		},
	}

	result := Verify(context.Background(), resolver, testArgs("192.0.2.10"))
	if result.Status != authres.StatusPermError {
		t.Fatalf("Status = %s (%v)", result.Status, result.Err)
	}
	if !errors.Is(result.Err, ErrEvaluationLoop) {
		t.Errorf("Err = %v", result.Err)
	}
}

func TestVerifyMutualIncludeCycle(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"example.org.": {"v=spf1 include:other.example.org -all"},
			"other.example.org.": {
				"v=spf1 include:example.org -all",
			},
		},
	}

	result := Verify(context.Background(), resolver, testArgs("192.0.2.10"))
	if result.Status != authres.StatusPermError || !errors.Is(result.Err, ErrEvaluationLoop) {
		t.Errorf("Status/Err = %s/%v", result.Status, result.Err)
	}
}

func TestVerifyLookupBudget(t *testing.T) {
	// Eleven chained includes exceed the ten-lookup budget.
	txt := map[string][]string{}
	for i := 0; i <= 10; i++ {
		txt[fmt.Sprintf("i%d.example.org.", i)] = []string{
			fmt.Sprintf("v=spf1 include:i%d.example.org -all", i+1),
		}
	}
	txt["i11.example.org."] = []string{"v=spf1 ip4:192.0.2.0/24 -all"}

	args := testArgs("192.0.2.10")
	args.MailFromDomain = "i0.example.org"

	result := Verify(context.Background(), dns.MockResolver{TXT: txt}, args)
	if result.Status != authres.StatusPermError {
		t.Fatalf("Status = %s (%v)", result.Status, result.Err)
	}
	if !errors.Is(result.Err, ErrLookupBudget) {
		t.Errorf("Err = %v", result.Err)
	}
}

func TestVerifyVoidBudget(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"example.org.": {"v=spf1 exists:a.miss.example.org exists:b.miss.example.org exists:c.miss.example.org -all"},
		},
	}

	result := Verify(context.Background(), resolver, testArgs("192.0.2.10"))
	if result.Status != authres.StatusPermError {
		t.Fatalf("Status = %s (%v)", result.Status, result.Err)
	}
	if !errors.Is(result.Err, ErrVoidBudget) {
		t.Errorf("Err = %v", result.Err)
	}
}

func TestVerifyRedirect(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"example.org.":      {"v=spf1 redirect=_spf.example.org"},
			"_spf.example.org.": {"v=spf1 ip4:192.0.2.0/24 -all"},
		},
	}

	result := Verify(context.Background(), resolver, testArgs("192.0.2.10"))
	if result.Status != authres.StatusPass {
		t.Fatalf("Status = %s (%v)", result.Status, result.Err)
	}

	// A missing record at the redirect target is a permerror.
	resolver.TXT["example.org."] = []string{"v=spf1 redirect=absent.example.org"}
	result = Verify(context.Background(), resolver, testArgs("192.0.2.10"))
	if result.Status != authres.StatusPermError || !errors.Is(result.Err, ErrNoRecord) {
		t.Errorf("Status/Err = %s/%v", result.Status, result.Err)
	}
}

func TestVerifyNoRecord(t *testing.T) {
	result := Verify(context.Background(), dns.MockResolver{}, testArgs("192.0.2.10"))
	if result.Status != authres.StatusNone {
		t.Fatalf("Status = %s", result.Status)
	}
	if !errors.Is(result.Err, ErrNoRecord) {
		t.Errorf("Err = %v", result.Err)
	}
}

func TestVerifyDNSTempError(t *testing.T) {
	resolver := dns.MockResolver{
		Fail: []string{"txt example.org."},
	}

	result := Verify(context.Background(), resolver, testArgs("192.0.2.10"))
	if result.Status != authres.StatusTempError {
		t.Fatalf("Status = %s (%v)", result.Status, result.Err)
	}
}

func TestVerifyMultipleRecords(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"example.org.": {"v=spf1 -all", "v=spf1 +all"},
		},
	}

	result := Verify(context.Background(), resolver, testArgs("192.0.2.10"))
	if result.Status != authres.StatusPermError || !errors.Is(result.Err, ErrMultipleRecords) {
		t.Errorf("Status/Err = %s/%v", result.Status, result.Err)
	}
}

func TestVerifyHeloFallback(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"mx.example.org.": {"v=spf1 ip4:192.0.2.0/24 -all"},
		},
	}

	args := testArgs("192.0.2.10")
	args.MailFromDomain = ""
	args.MailFromLocal = ""

	result := Verify(context.Background(), resolver, args)
	if result.Status != authres.StatusPass {
		t.Fatalf("Status = %s (%v)", result.Status, result.Err)
	}
	if result.Identity != "helo" || result.Domain != "mx.example.org" {
		t.Errorf("Identity/Domain = %s/%s", result.Identity, result.Domain)
	}

	// An address-literal HELO leaves nothing to check.
	args.HelloDomain = "[192.0.2.10]"
	args.HelloIsIP = true
	result = Verify(context.Background(), resolver, args)
	if result.Status != authres.StatusNone || result.Domain != "" {
		t.Errorf("Status/Domain = %s/%q", result.Status, result.Domain)
	}
}

func TestVerifyQualifiers(t *testing.T) {
	tests := []struct {
		txt  string
		want authres.Status
	}{
		{txt: "v=spf1 ~all", want: authres.StatusSoftFail},
		{txt: "v=spf1 ?all", want: authres.StatusNeutral},
		{txt: "v=spf1 ip4:203.0.113.0/24", want: authres.StatusNeutral},
		{txt: "v=spf1 +all", want: authres.StatusPass},
	}

	for _, tt := range tests {
		resolver := dns.MockResolver{
			TXT: map[string][]string{"example.org.": {tt.txt}},
		}
		result := Verify(context.Background(), resolver, testArgs("192.0.2.10"))
		if result.Status != tt.want {
			t.Errorf("%q: Status = %s, want %s", tt.txt, result.Status, tt.want)
		}
	}
}

func TestVerifyExistsWithMacros(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"example.org.": {"v=spf1 exists:%{ir}.sbl.example.org -all"},
		},
		A: map[string][]string{
			"10.2.0.192.sbl.example.org.": {"127.0.0.2"},
		},
	}

	result := Verify(context.Background(), resolver, testArgs("192.0.2.10"))
	if result.Status != authres.StatusPass {
		t.Fatalf("Status = %s (%v)", result.Status, result.Err)
	}

	// Another client IP expands to a name with no A record.
	result = Verify(context.Background(), resolver, testArgs("192.0.2.11"))
	if result.Status != authres.StatusFail {
		t.Errorf("Status = %s", result.Status)
	}
}

func TestVerifyExplanation(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"example.org.":     {"v=spf1 -all exp=why.example.org"},
			"why.example.org.": {"See http://%{d}/why?s=%{S}"},
		},
	}

	result := Verify(context.Background(), resolver, testArgs("192.0.2.10"))
	if result.Status != authres.StatusFail {
		t.Fatalf("Status = %s (%v)", result.Status, result.Err)
	}
	want := "See http://example.org/why?s=bounces%40example.org"
	if result.Explanation != want {
		t.Errorf("Explanation = %q, want %q", result.Explanation, want)
	}
}

func TestVerifyDNSSECPropagation(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"example.org.":      {"v=spf1 include:_spf.example.org -all"},
			"_spf.example.org.": {"v=spf1 ip4:192.0.2.0/24"},
		},
		AllAuthentic: true,
	}

	result := Verify(context.Background(), resolver, testArgs("192.0.2.10"))
	if !result.Authentic {
		t.Error("expected authentic result")
	}

	resolver.Inauthentic = []string{"txt _spf.example.org."}
	result = Verify(context.Background(), resolver, testArgs("192.0.2.10"))
	if result.Authentic {
		t.Error("one unauthenticated answer must clear the flag")
	}
}

func TestEvaluatePreparsedRecord(t *testing.T) {
	record, _, err := ParseRecord("v=spf1 ip4:192.0.2.0/24 -all")
	if err != nil {
		t.Fatal(err)
	}

	result := Evaluate(context.Background(), dns.MockResolver{}, record, testArgs("192.0.2.10"))
	if result.Status != authres.StatusPass {
		t.Errorf("Status = %s (%v)", result.Status, result.Err)
	}
}

func TestMacroExpansion(t *testing.T) {
	// Values from RFC 7208 Section 7.4.
	eval := newEvaluation(dns.MockResolver{}, Args{
		RemoteIP:    net.ParseIP("192.0.2.3"),
		HelloDomain: "mta.example.com",
	}, "strong-bad", "email.example.com")

	tests := []struct {
		spec string
		want string
	}{
		{spec: "%{s}", want: "strong-bad@email.example.com"},
		{spec: "%{o}", want: "email.example.com"},
		{spec: "%{d}", want: "email.example.com"},
		{spec: "%{d4}", want: "email.example.com"},
		{spec: "%{d2}", want: "example.com"},
		{spec: "%{d1}", want: "com"},
		{spec: "%{dr}", want: "com.example.email"},
		{spec: "%{d2r}", want: "example.email"},
		{spec: "%{l}", want: "strong-bad"},
		{spec: "%{l-}", want: "strong.bad"},
		{spec: "%{lr}", want: "strong-bad"},
		{spec: "%{lr-}", want: "bad.strong"},
		{spec: "%{l1r-}", want: "strong"},
		{spec: "%{ir}.%{v}._spf.%{d2}", want: "3.2.0.192.in-addr._spf.example.com"},
		{spec: "%{lr-}.lp._spf.%{d2}", want: "bad.strong.lp._spf.example.com"},
		{spec: "%%%_%-", want: "% %20"},
		{spec: "%{h}", want: "mta.example.com"},
	}

	for _, tt := range tests {
		got, err := eval.expandMacros(context.Background(), tt.spec, "email.example.com", false)
		if err != nil {
			t.Errorf("%q: %v", tt.spec, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%q = %q, want %q", tt.spec, got, tt.want)
		}
	}

	// exp-only macros are rejected in DNS context.
	if _, err := eval.expandMacros(context.Background(), "%{t}", "email.example.com", false); !errors.Is(err, ErrMacroSyntax) {
		t.Errorf("%%{t} in DNS context: %v", err)
	}
}

func TestMacroIPv6(t *testing.T) {
	eval := newEvaluation(dns.MockResolver{}, Args{
		RemoteIP: net.ParseIP("2001:db8::cb01"),
	}, "postmaster", "example.com")

	got, err := eval.expandMacros(context.Background(), "%{ir}.%{v}", "example.com", false)
	if err != nil {
		t.Fatal(err)
	}
	want := "1.0.b.c.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.8.b.d.0.1.0.0.2.ip6"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestReceivedHeader(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"example.org.": {"v=spf1 ip4:192.0.2.0/24 -all"},
		},
	}
	args := testArgs("192.0.2.10")
	result := Verify(context.Background(), resolver, args)

	header := BuildReceived(result, args).Header()

	for _, want := range []string{
		"Received-SPF: pass (domain example.org)",
		"client-ip=192.0.2.10;",
		`envelope-from="bounces@example.org";`,
		"helo=mx.example.org;",
		"mechanism=\"ip4:192.0.2.0/24\";",
		"receiver=mail.receiver.example;",
		"identity=mailfrom",
	} {
		if !strings.Contains(header, want) {
			t.Errorf("header missing %q:\n%s", want, header)
		}
	}
}

func TestReceivedHeaderQuoting(t *testing.T) {
	if got := quoteReceivedValue(""); got != `""` {
		t.Errorf("empty = %s", got)
	}
	if got := quoteReceivedValue("plain.example.org"); got != "plain.example.org" {
		t.Errorf("dot-atom = %s", got)
	}
	if got := quoteReceivedValue(`has"quote`); got != `"has\"quote"` {
		t.Errorf("quoted = %s", got)
	}
}
