// Package optstore implements a typed, persisted configuration store as
// an explicit, constructible value rather than a package-level
// singleton. The on-disk format is a key=value, #-comment properties
// file.
package optstore

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Kind tags the type of value an Option holds.
type Kind int

const (
	KindBool Kind = iota
	KindInt
	KindString
	KindStringArray
	KindLong
)

// Option is a single typed, named configuration value. Int options
// carry an inclusive [Min, Max] range enforced by SetInt.
type Option struct {
	Key  string
	Kind Kind

	BoolVal        bool
	IntVal         int
	IntMin, IntMax int
	StringVal      string
	StringArrayVal []string
	LongVal        int64
}

// Store is a process-wide, persistable map of Options, constructed
// explicitly (never a global) so tests can build isolated instances.
// Every successful Set* call rewrites the backing properties file in
// full; a failed validation leaves both the in-memory value and the
// file untouched.
type Store struct {
	mu      sync.RWMutex
	path    string
	options map[string]Option
}

// defaultsMap indexes a slice of default Options by key.
func defaultsMap(defaults []Option) map[string]Option {
	m := make(map[string]Option, len(defaults))
	for _, o := range defaults {
		m[o.Key] = o
	}
	return m
}

// LoadOrDefault constructs a Store seeded with defaults, then
// overlays any values found in the properties file at path. Nothing here
// is fatal: a missing file silently leaves the defaults in place, a file
// that cannot be opened is logged and the defaults are used, and a
// malformed line, unknown key or invalid value is logged and skipped
// while the file's other lines still apply.
func LoadOrDefault(path string, defaults []Option) *Store {
	s := &Store{path: path, options: defaultsMap(defaults)}

	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("optstore: reading %s failed, using defaults: %v", path, err)
		}
		return s
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			log.Printf("optstore: %s:%d: malformed line %q, skipping", path, lineNo, line)
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		existing, known := s.options[key]
		if !known {
			log.Printf("optstore: %s:%d: unknown option key %q, skipping", path, lineNo, key)
			continue
		}
		if err := applyRaw(&existing, value); err != nil {
			log.Printf("optstore: %s:%d: invalid value for %q, keeping default: %v", path, lineNo, key, err)
			continue
		}
		s.options[key] = existing
	}
	if err := scanner.Err(); err != nil {
		log.Printf("optstore: reading %s failed mid-file, using defaults for the rest: %v", path, err)
	}
	return s
}

func applyRaw(o *Option, raw string) error {
	switch o.Kind {
	case KindBool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		o.BoolVal = v
	case KindInt:
		v, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		if v < o.IntMin || v > o.IntMax {
			return fmt.Errorf("value %d out of range [%d, %d]", v, o.IntMin, o.IntMax)
		}
		o.IntVal = v
	case KindString:
		o.StringVal = raw
	case KindStringArray:
		if raw == "" {
			o.StringArrayVal = nil
		} else {
			o.StringArrayVal = strings.Split(raw, ",")
		}
	case KindLong:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		o.LongVal = v
	default:
		return fmt.Errorf("unknown option kind %d", o.Kind)
	}
	return nil
}

// GetBool returns the current value of a KindBool option.
func (s *Store) GetBool(key string) (bool, error) {
	o, err := s.get(key, KindBool)
	if err != nil {
		return false, err
	}
	return o.BoolVal, nil
}

// GetInt returns the current value of a KindInt option.
func (s *Store) GetInt(key string) (int, error) {
	o, err := s.get(key, KindInt)
	if err != nil {
		return 0, err
	}
	return o.IntVal, nil
}

// GetString returns the current value of a KindString option.
func (s *Store) GetString(key string) (string, error) {
	o, err := s.get(key, KindString)
	if err != nil {
		return "", err
	}
	return o.StringVal, nil
}

// GetStringArray returns the current value of a KindStringArray option.
func (s *Store) GetStringArray(key string) ([]string, error) {
	o, err := s.get(key, KindStringArray)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), o.StringArrayVal...), nil
}

// GetLong returns the current value of a KindLong option.
func (s *Store) GetLong(key string) (int64, error) {
	o, err := s.get(key, KindLong)
	if err != nil {
		return 0, err
	}
	return o.LongVal, nil
}

func (s *Store) get(key string, want Kind) (Option, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.options[key]
	if !ok {
		return Option{}, fmt.Errorf("optstore: unknown option %q", key)
	}
	if o.Kind != want {
		return Option{}, fmt.Errorf("optstore: option %q is not the requested kind", key)
	}
	return o, nil
}

// SetBool validates and stores a KindBool option, then persists the
// whole store. See set for the shared validate-then-persist flow.
func (s *Store) SetBool(key string, v bool) error {
	return s.set(key, KindBool, func(o *Option) error { o.BoolVal = v; return nil })
}

// SetInt validates v against the option's configured [Min, Max] range
// before storing and persisting it.
func (s *Store) SetInt(key string, v int) error {
	return s.set(key, KindInt, func(o *Option) error {
		if v < o.IntMin || v > o.IntMax {
			return fmt.Errorf("optstore: %q value %d out of range [%d, %d]", key, v, o.IntMin, o.IntMax)
		}
		o.IntVal = v
		return nil
	})
}

// SetString validates and stores a KindString option.
func (s *Store) SetString(key string, v string) error {
	return s.set(key, KindString, func(o *Option) error { o.StringVal = v; return nil })
}

// SetStringArray validates and stores a KindStringArray option.
func (s *Store) SetStringArray(key string, v []string) error {
	return s.set(key, KindStringArray, func(o *Option) error {
		o.StringArrayVal = append([]string(nil), v...)
		return nil
	})
}

// SetLong validates and stores a KindLong option.
func (s *Store) SetLong(key string, v int64) error {
	return s.set(key, KindLong, func(o *Option) error { o.LongVal = v; return nil })
}

// set applies mutate to a copy of the named option, and only on success
// installs it and persists the whole store to disk. A validation
// failure leaves the in-memory value and the on-disk file untouched.
func (s *Store) set(key string, want Kind, mutate func(*Option) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.options[key]
	if !ok {
		return fmt.Errorf("optstore: unknown option %q", key)
	}
	if o.Kind != want {
		return fmt.Errorf("optstore: option %q is not the requested kind", key)
	}
	if err := mutate(&o); err != nil {
		return err
	}
	s.options[key] = o
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	keys := make([]string, 0, len(s.options))
	for k := range s.options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("# hdhrbridge option store\n")
	for _, k := range keys {
		o := s.options[k]
		fmt.Fprintf(&b, "%s=%s\n", k, formatValue(o))
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("optstore: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("optstore: rename %s to %s: %w", tmp, s.path, err)
	}
	return nil
}

func formatValue(o Option) string {
	switch o.Kind {
	case KindBool:
		return strconv.FormatBool(o.BoolVal)
	case KindInt:
		return strconv.Itoa(o.IntVal)
	case KindString:
		return o.StringVal
	case KindStringArray:
		return strings.Join(o.StringArrayVal, ",")
	case KindLong:
		return strconv.FormatInt(o.LongVal, 10)
	default:
		return ""
	}
}
