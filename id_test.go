package voltaic

import "testing"

func TestNewSessionID(t *testing.T) {
	a := NewSessionID()
	b := NewSessionID()
	if a == b {
		t.Error("two session IDs should be unique")
	}
	if len(a) != 36 {
		t.Errorf("expected a 36-char UUID string, got %d: %s", len(a), a)
	}
}
