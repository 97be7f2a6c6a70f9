package attest

import (
	"testing"
	"time"
)

func newSigner() *Signer { return New("test-attest-secret-32-bytes-ok!!") }

var completedAt = time.Date(2026, 3, 1, 12, 30, 0, 123, time.UTC)

func TestSign_Verify_HappyPath(t *testing.T) {
	s := newSigner()
	r := s.Sign("viewer-1", 7, completedAt)
	if r.Sig == "" {
		t.Fatal("expected signature")
	}
	if !s.Verify(r) {
		t.Fatal("expected Verify to return true for valid receipt")
	}
}

func TestVerify_Tampered(t *testing.T) {
	s := newSigner()
	base := s.Sign("viewer-1", 7, completedAt)

	tests := []struct {
		name   string
		mutate func(r *Receipt)
	}{
		{"other user", func(r *Receipt) { r.UserID = "viewer-2" }},
		{"other container", func(r *Receipt) { r.ContainerID = 8 }},
		{"other time", func(r *Receipt) { r.CompletedAt = r.CompletedAt.Add(time.Second) }},
		{"no signature", func(r *Receipt) { r.Sig = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base
			tt.mutate(&r)
			if s.Verify(r) {
				t.Fatal("expected Verify to fail")
			}
		})
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	r := newSigner().Sign("viewer-1", 7, completedAt)
	if New("different-secret-32-bytes-padded!!").Verify(r) {
		t.Fatal("expected Verify to fail with different secret")
	}
}

func TestNilSigner(t *testing.T) {
	var s *Signer
	if New("  ") != nil {
		t.Fatal("expected nil signer for blank secret")
	}
	r := s.Sign("viewer-1", 7, completedAt)
	if r.Sig != "" {
		t.Fatal("expected unsigned receipt")
	}
	if s.Verify(r) {
		t.Fatal("nil signer must never verify")
	}
}

func TestEncodeDecode_Roundtrip(t *testing.T) {
	s := newSigner()
	r := s.Sign("tenant|viewer-42", 9, completedAt)

	got, err := Decode(Encode(r))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.UserID != r.UserID || got.ContainerID != r.ContainerID || !got.CompletedAt.Equal(r.CompletedAt) {
		t.Fatalf("roundtrip mismatch: %+v vs %+v", got, r)
	}
	if !s.Verify(got) {
		t.Fatal("decoded receipt should verify")
	}
}

func TestDecode_Malformed(t *testing.T) {
	for _, tok := range []string{"", "abc", "abc.", ".sig", "!!!.sig", "dmlld2VyLTE.sig"} {
		if _, err := Decode(tok); err == nil {
			t.Fatalf("expected error for %q", tok)
		}
	}
}
