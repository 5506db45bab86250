package interfaces

import "testing"

func TestMessageTypeString(t *testing.T) { // A
	t.Parallel()
	for typ := MessageTypeHello; typ <= MessageTypeFetch; typ++ {
		if typ.String() == "unknown" {
			t.Errorf("message type %d has no name", typ)
		}
	}
	if MessageType(0).String() != "unknown" {
		t.Error("zero message type should be unknown")
	}
}

func TestShortID(t *testing.T) { // A
	t.Parallel()
	var id NodeID
	id[0] = 0xab
	if got := ShortID(id); got != "ab00000000000000" {
		t.Fatalf("ShortID = %q", got)
	}
}
