package webhook

import (
	"errors"
	"strings"
	"testing"
)

func TestSign_KnownVector(t *testing.T) {
	// RFC 4231 test case 2.
	got := Sign([]byte("Jefe"), []byte("what do ya want for nothing?"))
	want := "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843"
	if got != want {
		t.Errorf("Sign = %s, want %s", got, want)
	}
}

func TestVerify(t *testing.T) {
	secret := []byte("wsec_test")
	body := []byte(`{"type":"post_call_transcription"}`)
	good := Sign(secret, body)

	tests := []struct {
		name    string
		header  string
		body    []byte
		wantErr bool
	}{
		{"valid", good, body, false},
		{"valid with prefix", "sha256=" + good, body, false},
		{"valid uppercase hex", strings.ToUpper(good), body, false},
		{"missing header", "", body, true},
		{"not hex", "zzzz", body, true},
		{"wrong digest", Sign([]byte("other"), body), body, true},
		{"tampered body", good, []byte(`{"type":"x"}`), true},
		{"truncated digest", good[:32], body, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(secret, tt.body, tt.header)
			if tt.wantErr && !errors.Is(err, ErrUnauthorized) {
				t.Errorf("err = %v, want ErrUnauthorized", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
