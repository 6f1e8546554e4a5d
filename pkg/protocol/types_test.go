package protocol

import "testing"

func TestDeriveConversationIDSymmetry(t *testing.T) {
	pairs := [][2]DID{
		{"did:key:z6MkAlice", "did:key:z6MkBob"},
		{"did:key:z6MkBob", "did:key:z6MkAlice"},
		{"a", "b"},
		{"b", "a"},
		{"same", "same"},
	}

	for _, p := range pairs {
		ab := DeriveConversationID(p[0], p[1])
		ba := DeriveConversationID(p[1], p[0])
		if ab != ba {
			t.Errorf("DeriveConversationID(%q, %q) = %q, reversed = %q", p[0], p[1], ab, ba)
		}
		if ab == "" {
			t.Errorf("DeriveConversationID(%q, %q) is empty", p[0], p[1])
		}
	}
}

func TestDeriveConversationIDDistinct(t *testing.T) {
	a := DeriveConversationID("did:key:z6MkAlice", "did:key:z6MkBob")
	b := DeriveConversationID("did:key:z6MkAlice", "did:key:z6MkCarol")
	if a == b {
		t.Error("different pairs derived the same conversation id")
	}
}

func TestMessageStatusAdvances(t *testing.T) {
	tests := []struct {
		from, to MessageStatus
		want     bool
	}{
		{MessageStatusSending, MessageStatusSent, true},
		{MessageStatusSent, MessageStatusDelivered, true},
		{MessageStatusDelivered, MessageStatusRead, true},
		{MessageStatusSending, MessageStatusRead, true},
		{MessageStatusRead, MessageStatusDelivered, false},
		{MessageStatusDelivered, MessageStatusSent, false},
		{MessageStatusSent, MessageStatusSent, false},
		{MessageStatus("bogus"), MessageStatusRead, false},
		{MessageStatusSending, MessageStatus("bogus"), false},
	}

	for _, tt := range tests {
		if got := tt.from.Advances(tt.to); got != tt.want {
			t.Errorf("%s -> %s: Advances() = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestGenerateMessageIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateMessageID()
		if id == "" {
			t.Fatal("GenerateMessageID() returned empty id")
		}
		if seen[id] {
			t.Fatalf("duplicate message id %q", id)
		}
		seen[id] = true
	}
}
