package credential

import "testing"

func TestVerifyClientKeyMatch(t *testing.T) {
	if !VerifyClientKey("secret-key", "secret-key") {
		t.Fatalf("expected matching keys to verify")
	}
}

func TestVerifyClientKeyMismatch(t *testing.T) {
	if VerifyClientKey("wrong-key", "secret-key") {
		t.Fatalf("expected mismatched keys to fail verification")
	}
}

func TestVerifyClientKeyEmpty(t *testing.T) {
	if VerifyClientKey("", "secret-key") {
		t.Fatalf("expected empty presented key to fail verification")
	}
	if VerifyClientKey("secret-key", "") {
		t.Fatalf("expected empty expected key to fail verification")
	}
}
