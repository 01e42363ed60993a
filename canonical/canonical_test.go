package canonical

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseTag(t *testing.T) {
	tests := []struct {
		in           string
		header, body Form
		wantErr      bool
	}{
		{in: "", header: Simple, body: Simple},
		{in: "simple", header: Simple, body: Simple},
		{in: "relaxed", header: Relaxed, body: Simple},
		{in: "relaxed/relaxed", header: Relaxed, body: Relaxed},
		{in: "simple/relaxed", header: Simple, body: Relaxed},
		{in: "strict", wantErr: true},
		{in: "relaxed/strict", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			header, body, err := ParseTag(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTag: %v", err)
			}
			if header != tt.header || body != tt.body {
				t.Errorf("got %s/%s, want %s/%s", header, body, tt.header, tt.body)
			}
		})
	}
}

func TestHeaderLine(t *testing.T) {
	tests := []struct {
		name string
		form Form
		raw  string
		want string
	}{
		{
			name: "simple keeps header verbatim",
			form: Simple,
			raw:  "SUBJECT: Your  Order\r\n",
			want: "SUBJECT: Your  Order",
		},
		{
			name: "relaxed lowercases and compresses",
			form: Relaxed,
			raw:  "SUBJECT: Your  Order \r\n",
			want: "subject:Your Order",
		},
		{
			name: "relaxed unfolds",
			form: Relaxed,
			raw:  "Received: from a\r\n\tby b\r\n",
			want: "received:from a by b",
		},
		{
			name: "relaxed trims name whitespace",
			form: Relaxed,
			raw:  "A : X\r\n",
			want: "a:X",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := HeaderLine(tt.form, []byte(tt.raw))
			if err != nil {
				t.Fatalf("HeaderLine: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("HeaderLine() = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := HeaderLine(Relaxed, []byte("no colon here\r\n")); err == nil {
		t.Error("expected error for header without colon")
	}
}

func TestBodyHash(t *testing.T) {
	tests := []struct {
		name string
		form Form
		body string
		want string
	}{
		{
			name: "simple collapses trailing CRLFs",
			form: Simple,
			body: "Hello\r\n\r\n\r\n",
			want: "Hello\r\n",
		},
		{
			name: "simple empty body is single CRLF",
			form: Simple,
			body: "",
			want: "\r\n",
		},
		{
			name: "simple keeps internal whitespace",
			form: Simple,
			body: " C \r\nD \t E\r\n",
			want: " C \r\nD \t E\r\n",
		},
		{
			name: "relaxed compresses and trims",
			form: Relaxed,
			body: " C \r\nD \t E\r\n\r\n\r\n",
			want: " C\r\nD E\r\n",
		},
		{
			name: "relaxed empty body stays empty",
			form: Relaxed,
			body: "",
			want: "",
		},
		{
			name: "relaxed adds missing final CRLF",
			form: Relaxed,
			body: "Hello",
			want: "Hello\r\n",
		},
		{
			name: "relaxed drops trailing blank lines",
			form: Relaxed,
			body: "Hello\r\n \r\n\t\r\n",
			want: "Hello\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			n, err := BodyHash(&buf, tt.form, strings.NewReader(tt.body), -1)
			if err != nil {
				t.Fatalf("BodyHash: %v", err)
			}
			if buf.String() != tt.want {
				t.Errorf("canonicalized body = %q, want %q", buf.String(), tt.want)
			}
			if n != int64(len(tt.want)) {
				t.Errorf("count = %d, want %d", n, len(tt.want))
			}
		})
	}
}

func TestBodyHashIdempotent(t *testing.T) {
	bodies := []struct {
		name string
		body string
	}{
		{name: "trailing blank lines", body: "Hello\r\n\r\n\r\n"},
		{name: "internal whitespace runs", body: " C \r\nD \t E\r\n"},
		{name: "no final CRLF", body: "Hello"},
		{name: "whitespace only lines", body: " \r\n\t\r\n"},
		{name: "empty", body: ""},
		{name: "folded looking text", body: "a\r\n b\r\n\tc\r\n"},
	}

	for _, form := range []Form{Simple, Relaxed} {
		for _, tt := range bodies {
			t.Run(string(form)+"/"+tt.name, func(t *testing.T) {
				var once bytes.Buffer
				if _, err := BodyHash(&once, form, strings.NewReader(tt.body), -1); err != nil {
					t.Fatalf("BodyHash: %v", err)
				}
				var twice bytes.Buffer
				if _, err := BodyHash(&twice, form, bytes.NewReader(once.Bytes()), -1); err != nil {
					t.Fatalf("BodyHash second pass: %v", err)
				}
				if twice.String() != once.String() {
					t.Errorf("second pass = %q, first pass = %q", twice.String(), once.String())
				}
			})
		}
	}
}

func TestHeaderLineIdempotent(t *testing.T) {
	headers := []struct {
		name string
		raw  string
	}{
		{name: "mixed case with whitespace runs", raw: "SUBJECT: Your  Order \r\n"},
		{name: "folded", raw: "Received: from a\r\n\tby b\r\n"},
		{name: "name whitespace", raw: "A : X\r\n"},
	}

	for _, form := range []Form{Simple, Relaxed} {
		for _, tt := range headers {
			t.Run(string(form)+"/"+tt.name, func(t *testing.T) {
				once, err := HeaderLine(form, []byte(tt.raw))
				if err != nil {
					t.Fatalf("HeaderLine: %v", err)
				}
				twice, err := HeaderLine(form, append(append([]byte{}, once...), "\r\n"...))
				if err != nil {
					t.Fatalf("HeaderLine second pass: %v", err)
				}
				if !bytes.Equal(twice, once) {
					t.Errorf("second pass = %q, first pass = %q", twice, once)
				}
			})
		}
	}
}

func TestBodyHashLimit(t *testing.T) {
	var buf bytes.Buffer
	n, err := BodyHash(&buf, Simple, strings.NewReader("Hello world\r\n"), 5)
	if err != nil {
		t.Fatalf("BodyHash: %v", err)
	}
	if buf.String() != "Hello" {
		t.Errorf("limited body = %q, want %q", buf.String(), "Hello")
	}
	if n != int64(len("Hello world\r\n")) {
		t.Errorf("count = %d, want full canonicalized length %d", n, len("Hello world\r\n"))
	}
}

func TestParseMessage(t *testing.T) {
	msg := "From: alice@example.org\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: folded\r\n subject line\r\n" +
		"\r\n" +
		"Body here\r\n"

	headers, offset, err := ParseMessage([]byte(msg))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}

	if len(headers) != 3 {
		t.Fatalf("got %d headers, want 3", len(headers))
	}
	if headers[0].Key != "From" || headers[0].LKey != "from" {
		t.Errorf("header 0 = %q/%q", headers[0].Key, headers[0].LKey)
	}
	if string(headers[2].Raw) != "Subject: folded\r\n subject line\r\n" {
		t.Errorf("folded raw = %q", headers[2].Raw)
	}
	if string(msg[offset:]) != "Body here\r\n" {
		t.Errorf("body = %q", msg[offset:])
	}
}

func TestParseMessageNoBody(t *testing.T) {
	headers, offset, err := ParseMessage([]byte("From: a@b.c\r\n"))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if len(headers) != 1 {
		t.Fatalf("got %d headers", len(headers))
	}
	if offset != len("From: a@b.c\r\n") {
		t.Errorf("offset = %d", offset)
	}
}

func TestParseMessageMalformed(t *testing.T) {
	cases := []string{
		" leading continuation\r\n\r\n",
		"no colon line\r\n\r\n",
		"Bad Name: x\r\n\r\n",
	}
	for _, msg := range cases {
		if _, _, err := ParseMessage([]byte(msg)); err == nil {
			t.Errorf("expected error for %q", msg)
		}
	}
}

func TestDataHashOversigning(t *testing.T) {
	msg := "Subject: first\r\n" +
		"Subject: second\r\n" +
		"From: alice@example.org\r\n" +
		"\r\n"

	headers, _, err := ParseMessage([]byte(msg))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}

	// Subject listed three times: bottom instance, then the one above it,
	// then a missing instance that pins against later additions.
	signed := []string{"from", "subject", "subject", "subject"}
	sig := []byte("DKIM-Signature: v=1; b=\r\n")

	var buf bytes.Buffer
	if err := DataHash(&buf, Relaxed, headers, signed, sig); err != nil {
		t.Fatalf("DataHash: %v", err)
	}

	want := "from:alice@example.org\r\n" +
		"subject:second\r\n" +
		"subject:first\r\n" +
		"dkim-signature:v=1; b="
	if buf.String() != want {
		t.Errorf("DataHash output = %q, want %q", buf.String(), want)
	}
}

func TestDataHashSimple(t *testing.T) {
	msg := "From: alice@example.org\r\n\r\n"
	headers, _, err := ParseMessage([]byte(msg))
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	sig := []byte("DKIM-Signature: v=1; b=")
	if err := DataHash(&buf, Simple, headers, []string{"From"}, sig); err != nil {
		t.Fatalf("DataHash: %v", err)
	}

	want := "From: alice@example.org\r\nDKIM-Signature: v=1; b="
	if buf.String() != want {
		t.Errorf("DataHash output = %q, want %q", buf.String(), want)
	}
}
