package blob

import (
	"bytes"
	"context"
	"testing"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("put and get", func(t *testing.T) {
		s := NewMemoryStore()

		url, err := s.Put(ctx, "uploads/001A/Acme/doc.pdf", []byte("content"), "doc.pdf")
		if err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		if url != "memory://uploads/001A/Acme/doc.pdf" {
			t.Errorf("url = %q", url)
		}

		if got := s.Get("uploads/001A/Acme/doc.pdf"); !bytes.Equal(got, []byte("content")) {
			t.Errorf("Get() = %q, want %q", got, "content")
		}
		if got := s.FileName("uploads/001A/Acme/doc.pdf"); got != "doc.pdf" {
			t.Errorf("FileName() = %q, want %q", got, "doc.pdf")
		}
	})

	t.Run("exists", func(t *testing.T) {
		s := NewMemoryStore()
		if _, err := s.Put(ctx, "k1", []byte("x"), "x.bin"); err != nil {
			t.Fatalf("Put() error = %v", err)
		}

		ok, err := s.Exists(ctx, "k1")
		if err != nil {
			t.Fatalf("Exists() error = %v", err)
		}
		if !ok {
			t.Error("Exists(k1) = false, want true")
		}

		ok, err = s.Exists(ctx, "missing")
		if err != nil {
			t.Fatalf("Exists() error = %v", err)
		}
		if ok {
			t.Error("Exists(missing) = true, want false")
		}
	})

	t.Run("put is idempotent", func(t *testing.T) {
		s := NewMemoryStore()
		if _, err := s.Put(ctx, "k1", []byte("old"), "a.bin"); err != nil {
			t.Fatalf("first Put() error = %v", err)
		}
		if _, err := s.Put(ctx, "k1", []byte("new"), "a.bin"); err != nil {
			t.Fatalf("second Put() error = %v", err)
		}

		if s.Len() != 1 {
			t.Errorf("Len() = %d, want 1", s.Len())
		}
		if got := s.Get("k1"); !bytes.Equal(got, []byte("new")) {
			t.Errorf("Get() = %q, want latest content", got)
		}
	})

	t.Run("stored content is isolated from the caller's buffer", func(t *testing.T) {
		s := NewMemoryStore()
		buf := []byte("original")
		if _, err := s.Put(ctx, "k1", buf, "a.bin"); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		buf[0] = 'X'

		if got := s.Get("k1"); !bytes.Equal(got, []byte("original")) {
			t.Errorf("Get() = %q, want copy unaffected by caller mutation", got)
		}
	})

	t.Run("validate succeeds", func(t *testing.T) {
		s := NewMemoryStore()
		if err := s.Validate(ctx); err != nil {
			t.Errorf("Validate() error = %v", err)
		}
	})
}
