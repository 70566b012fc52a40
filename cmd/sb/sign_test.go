package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/switchboard/internal/webhook"
)

func TestSignCmd_FromConfig(t *testing.T) {
	payload := filepath.Join(t.TempDir(), "payload.json")
	body := []byte(`{"type":"post_call_transcription","data":{}}`)
	if err := os.WriteFile(payload, body, 0644); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "sign", payload, "--config", writeConfig(t, ""))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	want := "elevenlabs-signature: " + webhook.Sign([]byte("whsec_test"), body) + "\n"
	if out != want {
		t.Errorf("got %q, want %q", out, want)
	}
	if err := webhook.Verify([]byte("whsec_test"), body, strings.TrimPrefix(strings.TrimSpace(out), "elevenlabs-signature: ")); err != nil {
		t.Errorf("printed signature does not verify: %v", err)
	}
}

func TestSignCmd_SecretFlagAndStdin(t *testing.T) {
	cmd := newRootCmd()
	var buf strings.Builder
	cmd.SetOut(&buf)
	cmd.SetIn(strings.NewReader("hello"))
	cmd.SetArgs([]string{"sign", "--secret", "s3cret"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !strings.HasSuffix(strings.TrimSpace(buf.String()), webhook.Sign([]byte("s3cret"), []byte("hello"))) {
		t.Errorf("output = %q", buf.String())
	}
}

func TestSignCmd_MissingFile(t *testing.T) {
	_, err := run(t, "sign", "/nonexistent/payload.json", "--secret", "x")
	if err == nil || !strings.Contains(err.Error(), "read payload") {
		t.Errorf("err = %v", err)
	}
}
