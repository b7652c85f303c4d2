package optstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func sampleDefaults() []Option {
	return []Option{
		{Key: "hdhr.broadcast_s", Kind: KindInt, IntVal: 60, IntMin: 0, IntMax: 3600},
		{Key: "hdhr.smart_broadcast", Kind: KindBool, BoolVal: true},
		{Key: "consumer.raw.stream_buffer_size", Kind: KindLong, LongVal: 4 << 20},
		{Key: "hdhr.friendly_name", Kind: KindString, StringVal: "hdhrbridge"},
		{Key: "hdhr.static_addresses", Kind: KindStringArray, StringArrayVal: nil},
	}
}

func TestLoadOrDefaultWithMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.properties")
	s := LoadOrDefault(path, sampleDefaults())

	v, err := s.GetInt("hdhr.broadcast_s")
	if err != nil || v != 60 {
		t.Fatalf("GetInt = %d, %v; want 60, nil", v, err)
	}
}

func TestSetIntValidatesRangeAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opts.properties")
	s := LoadOrDefault(path, sampleDefaults())

	if err := s.SetInt("hdhr.broadcast_s", 120); err != nil {
		t.Fatalf("SetInt: %v", err)
	}
	v, _ := s.GetInt("hdhr.broadcast_s")
	if v != 120 {
		t.Fatalf("GetInt after SetInt = %d, want 120", v)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "hdhr.broadcast_s=120") {
		t.Fatalf("persisted file missing updated value:\n%s", data)
	}

	// Out-of-range: rejected, and the in-memory value stays at 120.
	if err := s.SetInt("hdhr.broadcast_s", 99999); err == nil {
		t.Fatal("expected range validation error")
	}
	v, _ = s.GetInt("hdhr.broadcast_s")
	if v != 120 {
		t.Fatalf("value changed despite failed validation: %d", v)
	}
}

func TestLoadOrDefaultReadsPersistedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opts.properties")
	first := LoadOrDefault(path, sampleDefaults())
	if err := first.SetStringArray("hdhr.static_addresses", []string{"192.0.2.10", "192.0.2.11"}); err != nil {
		t.Fatalf("SetStringArray: %v", err)
	}

	second := LoadOrDefault(path, sampleDefaults())
	got, err := second.GetStringArray("hdhr.static_addresses")
	if err != nil {
		t.Fatalf("GetStringArray: %v", err)
	}
	want := []string{"192.0.2.10", "192.0.2.11"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("GetStringArray = %v, want %v", got, want)
	}
}

func TestLoadOrDefaultIgnoresCorruptLinesAndUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opts.properties")
	content := "# comment\nhdhr.broadcast_s=not-a-number\nmystery.key=123\nhdhr.smart_broadcast=false\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s := LoadOrDefault(path, sampleDefaults())

	// Invalid int line: default preserved.
	v, _ := s.GetInt("hdhr.broadcast_s")
	if v != 60 {
		t.Fatalf("GetInt after corrupt line = %d, want default 60", v)
	}
	// Valid bool line: applied.
	b, _ := s.GetBool("hdhr.smart_broadcast")
	if b != false {
		t.Fatalf("GetBool = %v, want false", b)
	}
}

func TestGetWrongKindReturnsError(t *testing.T) {
	s := LoadOrDefault(filepath.Join(t.TempDir(), "opts.properties"), sampleDefaults())
	if _, err := s.GetBool("hdhr.broadcast_s"); err == nil {
		t.Fatal("expected error requesting bool from an int option")
	}
}
