package config

import "testing"

func TestInterpolateRequired(t *testing.T) {
	t.Setenv("FOO", "bar")

	out, err := Interpolate("value: ${FOO}")
	if err != nil {
		t.Fatalf("Interpolate() failed: %v", err)
	}
	if out != "value: bar" {
		t.Errorf("got %q", out)
	}
}

func TestInterpolateRequiredMissing(t *testing.T) {
	if _, err := Interpolate("value: ${DEFINITELY_NOT_SET_XYZ}"); err == nil {
		t.Fatal("expected error for missing required var")
	}
}

func TestInterpolateDefault(t *testing.T) {
	out, err := Interpolate("value: ${DEFINITELY_NOT_SET_XYZ:-fallback}")
	if err != nil {
		t.Fatalf("Interpolate() failed: %v", err)
	}
	if out != "value: fallback" {
		t.Errorf("got %q", out)
	}
}

func TestInterpolateDefaultOverriddenByEnv(t *testing.T) {
	t.Setenv("FOO", "set-value")
	out, err := Interpolate("value: ${FOO:-fallback}")
	if err != nil {
		t.Fatalf("Interpolate() failed: %v", err)
	}
	if out != "value: set-value" {
		t.Errorf("got %q", out)
	}
}

func TestInterpolateSkipsComments(t *testing.T) {
	out, err := Interpolate("value: plain # ${DEFINITELY_NOT_SET_XYZ}")
	if err != nil {
		t.Fatalf("Interpolate() failed: %v", err)
	}
	if out != "value: plain # ${DEFINITELY_NOT_SET_XYZ}" {
		t.Errorf("comment text should pass through unexpanded, got %q", out)
	}
}

func TestInterpolateSkipsMappingKeys(t *testing.T) {
	t.Setenv("FOO", "bar")
	out, err := Interpolate("${FOO}: value")
	if err != nil {
		t.Fatalf("Interpolate() failed: %v", err)
	}
	if out != "${FOO}: value" {
		t.Errorf("mapping key should pass through unexpanded, got %q", out)
	}
}

func TestInterpolateMultiple(t *testing.T) {
	t.Setenv("A", "1")
	t.Setenv("B", "2")
	out, err := Interpolate("a: ${A}\nb: ${B}\n")
	if err != nil {
		t.Fatalf("Interpolate() failed: %v", err)
	}
	if out != "a: 1\nb: 2\n" {
		t.Errorf("got %q", out)
	}
}
