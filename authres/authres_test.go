package authres

import (
	"strings"
	"testing"
)

func TestStatusValid(t *testing.T) {
	valid := []Status{
		StatusNone, StatusPass, StatusFail, StatusSoftFail,
		StatusNeutral, StatusPolicy, StatusTempError, StatusPermError,
	}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("Status(%q).Valid() = false", s)
		}
	}

	for _, s := range []Status{"", "ok", "PASS", "hardfail"} {
		if s.Valid() {
			t.Errorf("Status(%q).Valid() = true", s)
		}
	}
}

func TestRender(t *testing.T) {
	tests := []struct {
		name   string
		header Header
		want   string
	}{
		{
			name:   "no results",
			header: Header{AuthServID: "mx.example.com"},
			want:   "mx.example.com; none",
		},
		{
			name: "single dkim pass",
			header: Header{
				AuthServID: "mx.example.com",
				Verdicts: []Verdict{{
					Method: "dkim",
					Status: StatusPass,
					Props: []Property{
						{Type: "header", Name: "d", Value: "example.org"},
						{Type: "header", Name: "s", Value: "sel1"},
					},
				}},
			},
			want: "mx.example.com;\r\n\tdkim=pass header.d=example.org header.s=sel1",
		},
		{
			name: "spf with reason and mailfrom",
			header: Header{
				AuthServID: "mx.example.com",
				Verdicts: []Verdict{{
					Method: "spf",
					Status: StatusSoftFail,
					Reason: "transitioning",
					Props: []Property{
						{Type: "smtp", Name: "mailfrom", Value: "bounce@example.org"},
					},
				}},
			},
			want: "mx.example.com;\r\n\tspf=softfail reason=transitioning " +
				"smtp.mailfrom=bounce@example.org",
		},
		{
			name: "multiple methods",
			header: Header{
				AuthServID: "mx.example.com",
				Verdicts: []Verdict{
					{Method: "spf", Status: StatusPass},
					{Method: "dmarc", Status: StatusFail,
						Props: []Property{{Type: "header", Name: "from", Value: "example.org"}}},
				},
			},
			want: "mx.example.com;\r\n\tspf=pass;\r\n\tdmarc=fail header.from=example.org",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.header.Render(); got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStringSingleLine(t *testing.T) {
	h := Header{
		AuthServID: "mx.example.com",
		Verdicts: []Verdict{
			{Method: "spf", Status: StatusPass},
			{Method: "dkim", Status: StatusPass},
		},
	}
	got := h.String()
	if strings.ContainsAny(got, "\r\n") {
		t.Errorf("String() contains line breaks: %q", got)
	}
	if got != "mx.example.com; spf=pass; dkim=pass" {
		t.Errorf("String() = %q", got)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name       string
		value      string
		authServID string
		verdicts   []Verdict
	}{
		{
			name:       "none",
			value:      "mx.example.com; none",
			authServID: "mx.example.com",
		},
		{
			name:       "version and none",
			value:      "mx.example.com 1; none",
			authServID: "mx.example.com",
		},
		{
			name:       "dkim pass with props",
			value:      "mx.example.com; dkim=pass header.d=example.org header.s=sel1",
			authServID: "mx.example.com",
			verdicts: []Verdict{{
				Method: "dkim",
				Status: StatusPass,
				Props: []Property{
					{Type: "header", Name: "d", Value: "example.org"},
					{Type: "header", Name: "s", Value: "sel1"},
				},
			}},
		},
		{
			name: "folded multi-method with comment",
			value: "mx.example.com;\r\n\tspf=pass (sender IP authorized) smtp.mailfrom=bounce@example.org;\r\n\t" +
				"dmarc=fail reason=\"no aligned identifier\" header.from=example.org",
			authServID: "mx.example.com",
			verdicts: []Verdict{
				{
					Method: "spf",
					Status: StatusPass,
					Props: []Property{
						{Type: "smtp", Name: "mailfrom", Value: "bounce@example.org"},
					},
				},
				{
					Method: "dmarc",
					Status: StatusFail,
					Reason: "no aligned identifier",
					Props: []Property{
						{Type: "header", Name: "from", Value: "example.org"},
					},
				},
			},
		},
		{
			name:       "arc with chain status",
			value:      "mx.example.com; arc=pass smtp.remote-ip=192.0.2.1",
			authServID: "mx.example.com",
			verdicts: []Verdict{{
				Method: "arc",
				Status: StatusPass,
				Props: []Property{
					{Type: "smtp", Name: "remote-ip", Value: "192.0.2.1"},
				},
			}},
		},
		{
			name:       "malformed clause skipped",
			value:      "mx.example.com; bogus; dkim=pass",
			authServID: "mx.example.com",
			verdicts:   []Verdict{{Method: "dkim", Status: StatusPass}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := Parse(tt.value)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if h.AuthServID != tt.authServID {
				t.Errorf("AuthServID = %q, want %q", h.AuthServID, tt.authServID)
			}
			if len(h.Verdicts) != len(tt.verdicts) {
				t.Fatalf("got %d verdicts, want %d: %+v", len(h.Verdicts), len(tt.verdicts), h.Verdicts)
			}
			for i, want := range tt.verdicts {
				got := h.Verdicts[i]
				if got.Method != want.Method || got.Status != want.Status || got.Reason != want.Reason {
					t.Errorf("verdict %d = %+v, want %+v", i, got, want)
				}
				if len(got.Props) != len(want.Props) {
					t.Fatalf("verdict %d has %d props, want %d", i, len(got.Props), len(want.Props))
				}
				for j, p := range want.Props {
					if got.Props[j] != p {
						t.Errorf("verdict %d prop %d = %+v, want %+v", i, j, got.Props[j], p)
					}
				}
			}
		})
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := Parse(""); err == nil {
		t.Error("expected error for empty header")
	}
	if _, err := Parse("   "); err == nil {
		t.Error("expected error for blank header")
	}
}

func TestRoundTrip(t *testing.T) {
	h := Header{
		AuthServID: "mx.example.com",
		Verdicts: []Verdict{
			{Method: "dkim", Status: StatusPass,
				Props: []Property{{Type: "header", Name: "d", Value: "example.org"}}},
			{Method: "spf", Status: StatusTempError, Reason: "dns timeout"},
		},
	}

	parsed, err := Parse(h.Render())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.AuthServID != h.AuthServID {
		t.Errorf("AuthServID = %q", parsed.AuthServID)
	}
	if len(parsed.Verdicts) != 2 {
		t.Fatalf("got %d verdicts", len(parsed.Verdicts))
	}
	if parsed.Verdicts[0].Prop("header", "d") != "example.org" {
		t.Errorf("header.d = %q", parsed.Verdicts[0].Prop("header", "d"))
	}
	if parsed.Verdicts[1].Reason != "dns timeout" {
		t.Errorf("reason = %q", parsed.Verdicts[1].Reason)
	}
}
