package handlers

import (
	"strings"
	"testing"
)

func TestGenerateRoomCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		code := generateRoomCode()
		if len(code) != roomCodeLength {
			t.Fatalf("code %q length = %d, want %d", code, len(code), roomCodeLength)
		}
		for _, ch := range code {
			if !strings.ContainsRune(codeChars, ch) {
				t.Fatalf("code %q contains %q outside the allowed alphabet", code, ch)
			}
		}
		seen[code] = true
	}
	if len(seen) < 2 {
		t.Fatal("codes do not vary")
	}
}

func TestValidateRoomExistsWithoutRedis(t *testing.T) {
	roomID, meta, err := ValidateRoomExists("any-room")
	if err != nil {
		t.Fatalf("ValidateRoomExists: %v", err)
	}
	if roomID != "any-room" || meta == nil || meta.MaxParticipants <= 0 {
		t.Fatalf("got %s/%+v, want the permissive default", roomID, meta)
	}
}
