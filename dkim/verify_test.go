package dkim

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/inboundmx/mailauth/authres"
	"github.com/inboundmx/mailauth/canonical"
	"github.com/inboundmx/mailauth/dns"
)

const testMessage = "From: Alice <alice@example.org>\r\n" +
	"To: Bob <bob@example.com>\r\n" +
	"Subject: DKIM test\r\n" +
	"Date: Mon, 01 Jan 2024 00:00:00 +0000\r\n" +
	"Message-ID: <123@example.org>\r\n" +
	"\r\n" +
	"This is the body.\r\n" +
	"It has two lines.\r\n"

// testKeys carries a signing key and the resolver serving its key record.
type testKeys struct {
	private  crypto.Signer
	resolver dns.MockResolver
}

func newRSAKeys(t *testing.T) testKeys {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return newTestKeys(t, key, &key.PublicKey, "rsa")
}

func newEd25519Keys(t *testing.T) testKeys {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return newTestKeys(t, priv, pub, "ed25519")
}

func newTestKeys(t *testing.T, priv crypto.Signer, pub crypto.PublicKey, keyType string) testKeys {
	t.Helper()
	record := &Record{Version: "DKIM1", Key: keyType, PublicKey: pub}
	txt, err := record.ToTXT()
	if err != nil {
		t.Fatal(err)
	}
	return testKeys{
		private: priv,
		resolver: dns.MockResolver{
			TXT: map[string][]string{
				"sel1._domainkey.example.org.": {txt},
			},
		},
	}
}

func signMessage(t *testing.T, signer Signer, message string) []byte {
	t.Helper()
	header, err := signer.Sign([]byte(message))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return []byte(header + message)
}

func verifyOne(t *testing.T, resolver dns.Resolver, message []byte) Result {
	t.Helper()
	v := &Verifier{Resolver: resolver}
	results, err := v.Verify(context.Background(), message)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	return results[0]
}

func TestSignVerifyRoundTrip(t *testing.T) {
	forms := []struct {
		name         string
		header, body canonical.Form
	}{
		{"relaxed/relaxed", canonical.Relaxed, canonical.Relaxed},
		{"simple/simple", canonical.Simple, canonical.Simple},
		{"relaxed/simple", canonical.Relaxed, canonical.Simple},
		{"simple/relaxed", canonical.Simple, canonical.Relaxed},
	}

	keySets := []struct {
		name string
		keys testKeys
	}{
		{"rsa", newRSAKeys(t)},
		{"ed25519", newEd25519Keys(t)},
	}

	for _, ks := range keySets {
		for _, form := range forms {
			t.Run(ks.name+"/"+form.name, func(t *testing.T) {
				signer := Signer{
					Domain:                 "example.org",
					Selector:               "sel1",
					PrivateKey:             ks.keys.private,
					HeaderCanonicalization: form.header,
					BodyCanonicalization:   form.body,
				}

				signed := signMessage(t, signer, testMessage)
				result := verifyOne(t, ks.keys.resolver, signed)

				if result.Status != authres.StatusPass {
					t.Fatalf("status = %s, err = %v", result.Status, result.Err)
				}
				if result.Signature.Domain != "example.org" {
					t.Errorf("domain = %s", result.Signature.Domain)
				}
			})
		}
	}
}

func TestVerifyTamperedBody(t *testing.T) {
	keys := newRSAKeys(t)
	signer := Signer{Domain: "example.org", Selector: "sel1", PrivateKey: keys.private}

	signed := signMessage(t, signer, testMessage)

	// Flip a single byte in the body
	tampered := []byte(strings.Replace(string(signed), "This is the body", "This is the bodx", 1))

	result := verifyOne(t, keys.resolver, tampered)
	if result.Status != authres.StatusFail {
		t.Fatalf("status = %s, want fail", result.Status)
	}
	if !errors.Is(result.Err, ErrBodyHashMismatch) {
		t.Errorf("err = %v, want ErrBodyHashMismatch", result.Err)
	}
}

func TestVerifyTamperedHeader(t *testing.T) {
	keys := newEd25519Keys(t)
	signer := Signer{Domain: "example.org", Selector: "sel1", PrivateKey: keys.private}

	signed := signMessage(t, signer, testMessage)
	tampered := []byte(strings.Replace(string(signed), "Subject: DKIM test", "Subject: Changed", 1))

	result := verifyOne(t, keys.resolver, tampered)
	if result.Status != authres.StatusFail {
		t.Fatalf("status = %s, want fail", result.Status)
	}
	if !errors.Is(result.Err, ErrSigVerify) {
		t.Errorf("err = %v, want ErrSigVerify", result.Err)
	}
}

func TestVerifyOversignedHeader(t *testing.T) {
	keys := newRSAKeys(t)
	signer := Signer{
		Domain:          "example.org",
		Selector:        "sel1",
		PrivateKey:      keys.private,
		OversignHeaders: true,
	}

	signed := signMessage(t, signer, testMessage)

	// Adding another Subject on top must break the signature
	withExtra := []byte("Subject: injected\r\n" + string(signed))

	result := verifyOne(t, keys.resolver, withExtra)
	if result.Status != authres.StatusFail {
		t.Fatalf("status = %s, want fail (err = %v)", result.Status, result.Err)
	}
}

func TestVerifyUnsignedMessage(t *testing.T) {
	keys := newRSAKeys(t)
	v := &Verifier{Resolver: keys.resolver}
	results, err := v.Verify(context.Background(), []byte(testMessage))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results for unsigned message", len(results))
	}
}

func TestVerifyMissingRecord(t *testing.T) {
	keys := newRSAKeys(t)
	signer := Signer{Domain: "example.org", Selector: "unknown", PrivateKey: keys.private}

	signed := signMessage(t, signer, testMessage)
	result := verifyOne(t, keys.resolver, signed)

	if result.Status != authres.StatusPermError {
		t.Fatalf("status = %s, want permerror", result.Status)
	}
	if !errors.Is(result.Err, ErrNoRecord) {
		t.Errorf("err = %v, want ErrNoRecord", result.Err)
	}
}

func TestVerifyDNSTempError(t *testing.T) {
	keys := newRSAKeys(t)
	keys.resolver.Fail = []string{"txt sel1._domainkey.example.org."}

	signer := Signer{Domain: "example.org", Selector: "sel1", PrivateKey: keys.private}
	signed := signMessage(t, signer, testMessage)

	result := verifyOne(t, keys.resolver, signed)
	if result.Status != authres.StatusTempError {
		t.Fatalf("status = %s, want temperror (err = %v)", result.Status, result.Err)
	}
}

func TestVerifyTestMode(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	record := &Record{Version: "DKIM1", PublicKey: &key.PublicKey, Flags: []string{"y"}}
	txt, err := record.ToTXT()
	if err != nil {
		t.Fatal(err)
	}
	resolver := dns.MockResolver{
		TXT: map[string][]string{"sel1._domainkey.example.org.": {txt}},
	}

	signer := Signer{Domain: "example.org", Selector: "sel1", PrivateKey: key}
	signed := signMessage(t, signer, testMessage)
	tampered := []byte(strings.Replace(string(signed), "the body", "the bodx", 1))

	// Test mode downgrades a failure to none
	result := verifyOne(t, resolver, tampered)
	if result.Status != authres.StatusNone {
		t.Fatalf("status = %s, want none", result.Status)
	}

	// Unless the verifier ignores test mode
	v := &Verifier{Resolver: resolver, IgnoreTestMode: true}
	results, err := v.Verify(context.Background(), tampered)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Status != authres.StatusFail {
		t.Errorf("status = %s, want fail", results[0].Status)
	}
}

func TestVerifyRevokedKey(t *testing.T) {
	keys := newRSAKeys(t)
	keys.resolver.TXT["sel1._domainkey.example.org."] = []string{"v=DKIM1; p="}

	signer := Signer{Domain: "example.org", Selector: "sel1", PrivateKey: keys.private}
	signed := signMessage(t, signer, testMessage)

	result := verifyOne(t, keys.resolver, signed)
	if result.Status != authres.StatusPermError {
		t.Fatalf("status = %s, want permerror", result.Status)
	}
	if !errors.Is(result.Err, ErrKeyRevoked) {
		t.Errorf("err = %v, want ErrKeyRevoked", result.Err)
	}
}

func TestVerifyExpiredSignature(t *testing.T) {
	keys := newRSAKeys(t)
	signer := Signer{
		Domain:     "example.org",
		Selector:   "sel1",
		PrivateKey: keys.private,
		Expiration: time.Hour,
	}
	signed := signMessage(t, signer, testMessage)

	// Jump the clock past the expiration
	orig := timeNow
	timeNow = func() time.Time { return orig().Add(2 * time.Hour) }
	defer func() { timeNow = orig }()

	result := verifyOne(t, keys.resolver, signed)
	if result.Status != authres.StatusPermError {
		t.Fatalf("status = %s, want permerror", result.Status)
	}
	if !errors.Is(result.Err, ErrSigExpired) {
		t.Errorf("err = %v, want ErrSigExpired", result.Err)
	}
}

func TestVerifyPolicyRejection(t *testing.T) {
	keys := newRSAKeys(t)
	signer := Signer{Domain: "example.org", Selector: "sel1", PrivateKey: keys.private}
	signed := signMessage(t, signer, testMessage)

	v := &Verifier{
		Resolver: keys.resolver,
		Policy: func(sig *Signature) error {
			return errors.New("selector blocked")
		},
	}
	results, err := v.Verify(context.Background(), signed)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Status != authres.StatusPolicy {
		t.Errorf("status = %s, want policy", results[0].Status)
	}
}

func TestVerifySignatureIsolation(t *testing.T) {
	keys := newRSAKeys(t)
	signer := Signer{Domain: "example.org", Selector: "sel1", PrivateKey: keys.private}

	good, err := signer.Sign([]byte(testMessage))
	if err != nil {
		t.Fatal(err)
	}

	// A garbage signature above a valid one must not poison it
	broken := "DKIM-Signature: v=1; a=nonsense\r\n"
	message := []byte(broken + good + testMessage)

	v := &Verifier{Resolver: keys.resolver}
	results, err := v.Verify(context.Background(), message)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Status != authres.StatusPermError {
		t.Errorf("broken signature status = %s", results[0].Status)
	}
	if results[1].Status != authres.StatusPass {
		t.Errorf("good signature status = %s (err = %v)", results[1].Status, results[1].Err)
	}
}

func TestVerifySignatureLimit(t *testing.T) {
	keys := newRSAKeys(t)
	signer := Signer{Domain: "example.org", Selector: "sel1", PrivateKey: keys.private}

	header, err := signer.Sign([]byte(testMessage))
	if err != nil {
		t.Fatal(err)
	}

	message := []byte(strings.Repeat(header, 3) + testMessage)

	v := &Verifier{Resolver: keys.resolver, MaxSignatures: 2}
	results, err := v.Verify(context.Background(), message)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	if results[2].Status != authres.StatusPolicy {
		t.Errorf("over-limit signature status = %s, want policy", results[2].Status)
	}
}

func TestVerifyBodyLengthExceedsBody(t *testing.T) {
	keys := newRSAKeys(t)
	signer := Signer{Domain: "example.org", Selector: "sel1", PrivateKey: keys.private}

	header, err := signer.Sign([]byte(testMessage))
	if err != nil {
		t.Fatal(err)
	}

	// An l= beyond the canonicalized body length must be rejected before
	// any crypto is attempted.
	header = strings.Replace(header, "h=", "l=99999; h=", 1)
	result := verifyOne(t, keys.resolver, []byte(header+testMessage))

	if result.Status != authres.StatusPermError {
		t.Fatalf("status = %s, want permerror", result.Status)
	}
	if !errors.Is(result.Err, ErrBodyTruncated) {
		t.Errorf("err = %v, want ErrBodyTruncated", result.Err)
	}
}

func TestSignMultiple(t *testing.T) {
	rsaKeys := newRSAKeys(t)
	edKeys := newEd25519Keys(t)

	headers, err := SignMultiple([]byte(testMessage), []Signer{
		{Domain: "example.org", Selector: "sel1", PrivateKey: rsaKeys.private},
		{Domain: "example.org", Selector: "sel2", PrivateKey: edKeys.private},
	})
	if err != nil {
		t.Fatalf("SignMultiple: %v", err)
	}
	if got := strings.Count(headers, "DKIM-Signature:"); got != 2 {
		t.Fatalf("got %d signature headers, want 2", got)
	}

	resolver := dns.MockResolver{TXT: map[string][]string{
		"sel1._domainkey.example.org.": rsaKeys.resolver.TXT["sel1._domainkey.example.org."],
		"sel2._domainkey.example.org.": edKeys.resolver.TXT["sel1._domainkey.example.org."],
	}}

	v := &Verifier{Resolver: resolver}
	results, err := v.Verify(context.Background(), []byte(headers+testMessage))
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	for i, r := range results {
		if r.Status != authres.StatusPass {
			t.Errorf("signature %d: %s (%v)", i, r.Status, r.Err)
		}
	}
}

func TestSignRequiresFrom(t *testing.T) {
	keys := newRSAKeys(t)
	signer := Signer{Domain: "example.org", Selector: "sel1", PrivateKey: keys.private}

	noFrom := "To: bob@example.com\r\n\r\nbody\r\n"
	if _, err := signer.Sign([]byte(noFrom)); !errors.Is(err, ErrFromRequired) {
		t.Errorf("no From: got %v", err)
	}

	twoFrom := "From: a@example.org\r\nFrom: b@example.org\r\n\r\nbody\r\n"
	if _, err := signer.Sign([]byte(twoFrom)); !errors.Is(err, ErrFromRequired) {
		t.Errorf("two From: got %v", err)
	}
}

func TestResultVerdict(t *testing.T) {
	result := Result{
		Status: authres.StatusPass,
		Signature: &Signature{
			Domain:    "example.org",
			Selector:  "sel1",
			Algorithm: "rsa-sha256",
		},
	}

	verdict := result.Verdict()
	if verdict.Method != "dkim" || verdict.Status != authres.StatusPass {
		t.Errorf("verdict = %+v", verdict)
	}
	if verdict.Prop("header", "d") != "example.org" {
		t.Errorf("header.d = %q", verdict.Prop("header", "d"))
	}
	if verdict.Prop("header", "s") != "sel1" {
		t.Errorf("header.s = %q", verdict.Prop("header", "s"))
	}
}
