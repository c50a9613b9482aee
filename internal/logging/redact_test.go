package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestMask(t *testing.T) {
	tests := map[string]string{
		"":             "",
		"abc":          "***",
		"abcdefg":      "ab*****",
		"ABCD12345678": "ABCD****5678",
	}
	for in, want := range tests {
		if got := Mask(in); got != want {
			t.Errorf("Mask(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRedactingWriterMasksCredentialFields(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(NewRedactingWriter(&buf))
	logger.Info().
		Str("clientcode", "A123456").
		Str("password", "hunter2hunter2").
		Str("jwtToken", "eyJhbGciOiJIUzUxMiJ9.payload.sig").
		Str("header", "Bearer eyJhbGciOiJIUzUxMiJ9").
		Msg("login")

	out := buf.String()
	for _, secret := range []string{"hunter2hunter2", "eyJhbGciOiJIUzUxMiJ9.payload.sig", "Bearer eyJhbGciOiJIUzUxMiJ9"} {
		if strings.Contains(out, secret) {
			t.Errorf("log leaked %q: %s", secret, out)
		}
	}
	if !strings.Contains(out, `"clientcode":"A123456"`) {
		t.Errorf("non-secret field was altered: %s", out)
	}
	if !strings.Contains(out, `"password":"hunt******ter2"`) {
		t.Errorf("password not masked as expected: %s", out)
	}
}

func TestRedactLeavesPlainEntriesAlone(t *testing.T) {
	entry := `{"level":"info","symbol":"RELIANCE-EQ","message":"order placed"}`
	if got := Redact(entry); got != entry {
		t.Errorf("Redact changed %q to %q", entry, got)
	}
}
