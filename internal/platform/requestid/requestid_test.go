package requestid

import "testing"

func TestNewReturnsDistinctIDs(t *testing.T) {
	a, b := New(), New()
	if a == "" || b == "" {
		t.Fatal("ids must not be empty")
	}
	if a == b {
		t.Fatalf("ids must be distinct, got %q twice", a)
	}
}
