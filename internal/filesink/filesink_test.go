package filesink

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteSequentialGrowsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.ts")
	s, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := s.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := s.Write([]byte(" world")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if s.Position() != int64(len("hello world")) {
		t.Fatalf("Position = %d, want %d", s.Position(), len("hello world"))
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Fatalf("file contents = %q, want %q", got, "hello world")
	}
}

func TestWriteWrapsAtCircularCap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.ts")
	const cap = 10
	s, err := Open(path, cap)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	// Two 5-byte writes fill exactly to cap; a third must wrap to 0.
	if _, err := s.Write([]byte("AAAAA")); err != nil {
		t.Fatal(err)
	}
	if s.Position() != 5 {
		t.Fatalf("Position after first write = %d, want 5", s.Position())
	}
	if _, err := s.Write([]byte("BBBBB")); err != nil {
		t.Fatal(err)
	}
	if s.Position() != 0 {
		t.Fatalf("Position after filling cap = %d, want 0 (wrapped)", s.Position())
	}
	if _, err := s.Write([]byte("CCCCC")); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "CCCCCBBBBB" {
		t.Fatalf("file contents = %q, want %q", got, "CCCCCBBBBB")
	}
}

func TestWriteWrapsMidWriteWhenCrossingCap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring2.ts")
	const cap = 10
	s, err := Open(path, cap)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := s.Write([]byte("AAAAAAA")); err != nil { // 7 bytes, pos=7
		t.Fatal(err)
	}
	// Next write of 5 bytes would cross cap (7+5=12>10): wraps to 0 first.
	if _, err := s.Write([]byte("BBBBB")); err != nil {
		t.Fatal(err)
	}
	if s.Position() != 5 {
		t.Fatalf("Position = %d, want 5", s.Position())
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got[:5]) != "BBBBB" {
		t.Fatalf("wrapped write landed wrong: %q", got)
	}
}

func TestDirectFlushCheckRecreatesZeroSizeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.ts")
	s, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := s.Write([]byte("some bytes")); err != nil {
		t.Fatal(err)
	}

	// Simulate a filesystem that discarded the write: truncate behind
	// the sink's back, then let DirectFlushCheck notice and recreate.
	if err := os.Truncate(path, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.DirectFlushCheck(1); err != nil {
		t.Fatalf("DirectFlushCheck: %v", err)
	}
	if s.Position() != 0 {
		t.Fatalf("Position after recreate = %d, want 0", s.Position())
	}

	if _, err := s.Write([]byte("fresh")); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "fresh" {
		t.Fatalf("file contents after recreate = %q, want %q", got, "fresh")
	}
}

func TestDirectFlushCheckLeavesHealthyFileAlone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.ts")
	s, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := s.Write([]byte("healthy data")); err != nil {
		t.Fatal(err)
	}
	if err := s.DirectFlushCheck(1); err != nil {
		t.Fatalf("DirectFlushCheck: %v", err)
	}
	if s.Position() != int64(len("healthy data")) {
		t.Fatalf("Position changed unexpectedly: %d", s.Position())
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.ts")
	s, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.Write([]byte("x")); err != ErrClosed {
		t.Fatalf("Write after close = %v, want ErrClosed", err)
	}
}
