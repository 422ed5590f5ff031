package auth

import "testing"

func TestNewTokenIsRandom(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 64; i++ {
		token, err := NewToken()
		if err != nil {
			t.Fatalf("NewToken() error = %v", err)
		}
		if len(token) != 43 {
			t.Fatalf("expected 43 char token, got %d", len(token))
		}
		if _, dup := seen[token]; dup {
			t.Fatalf("duplicate token %q", token)
		}
		seen[token] = struct{}{}
	}
}

func TestHashToken(t *testing.T) {
	if HashToken("abc") != HashToken("abc") {
		t.Fatal("hash must be deterministic")
	}
	if HashToken("abc") == HashToken("abd") {
		t.Fatal("different tokens must hash differently")
	}
	if !EqualTokens(HashToken("abc"), HashToken("abc")) {
		t.Fatal("EqualTokens should match identical hashes")
	}
}
