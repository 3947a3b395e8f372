package chirp

import "testing"

func TestIdentityRoundTrip(t *testing.T) {
	id, err := NewIdentity()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	if id.IsZero() {
		t.Fatalf("random identity came back zero")
	}

	parsed, err := ParseIdentity(id.String())
	if err != nil {
		t.Fatalf("parse identity: %v", err)
	}
	if parsed != id {
		t.Fatalf("round trip mismatch: %v != %v", parsed, id)
	}
}

func TestIdentityIsZero(t *testing.T) {
	var id Identity
	if !id.IsZero() {
		t.Fatalf("zero-value identity should report IsZero")
	}
}

func TestParseIdentityErrors(t *testing.T) {
	cases := []string{
		"",
		"zz",
		"aabb", // too short
	}
	for _, s := range cases {
		if _, err := ParseIdentity(s); err == nil {
			t.Errorf("ParseIdentity(%q): expected error, got nil", s)
		}
	}
}
