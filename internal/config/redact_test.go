package config

import "testing"

func TestRedactorDefaultPatterns(t *testing.T) {
	r := NewRedactor(nil)

	cases := []struct {
		key    string
		redact bool
	}{
		{"api_key", true},
		{"polaris_api_key", true},
		{"password", true},
		{"user_password", true},
		{"secret_token", true},
		{"authorization", true},
		{"device_id", false},
		{"current_state", false},
	}

	for _, tc := range cases {
		if got := r.ShouldRedact(tc.key); got != tc.redact {
			t.Errorf("ShouldRedact(%q) = %v, want %v", tc.key, got, tc.redact)
		}
	}
}

func TestRedactorCustomPatterns(t *testing.T) {
	r := NewRedactor([]string{"vin", "*_internal"})

	if !r.ShouldRedact("vin") {
		t.Error("expected custom pattern vin to match")
	}
	if !r.ShouldRedact("debug_internal") {
		t.Error("expected custom glob *_internal to match")
	}
	if r.ShouldRedact("device_id") {
		t.Error("did not expect device_id to match")
	}
}

func TestRedactorRedactValue(t *testing.T) {
	r := NewRedactor(nil)

	if got := r.Redact("api_key", "SECRET_XYZ"); got != redactedPlaceholder {
		t.Errorf("expected redacted placeholder, got %q", got)
	}
	if got := r.Redact("device_id", "abc-123"); got != "abc-123" {
		t.Errorf("expected value unchanged, got %q", got)
	}
}

func TestConfigRedactorMergesFilterPatterns(t *testing.T) {
	cfg := Defaults()
	cfg.Filter.RedactPatterns = []string{"vin"}

	r := cfg.Redactor()
	if !r.ShouldRedact("api_key") {
		t.Error("expected default pattern still active")
	}
	if !r.ShouldRedact("vin") {
		t.Error("expected configured pattern active")
	}
}
