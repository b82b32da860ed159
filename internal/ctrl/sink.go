package ctrl

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Sink is the measurement log of a run. The on-disk shape is bracket-
// framed JSON-Lines: an opening `[` line, one JSON object per record (no
// commas), and a closing `]` line written on Close. Downstream parsers
// rely on exactly this framing, so it is preserved as-is rather than
// "fixed" into a real JSON array.
type Sink struct {
	f *os.File
}

func NewSink(path string) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating measurement log directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating measurement log: %w", err)
	}
	if _, err := f.WriteString("[\n"); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("writing measurement log: %w", err)
	}
	return &Sink{f: f}, nil
}

// Write appends one single-key record. Records land on disk in production
// order; each write is flushed so a crashed run keeps everything recorded
// so far.
func (s *Sink) Write(key string, value any) error {
	b, err := json.Marshal(map[string]any{key: value})
	if err != nil {
		return fmt.Errorf("encoding measurement record: %w", err)
	}
	if _, err := s.f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("writing measurement record: %w", err)
	}
	return s.f.Sync()
}

// Close writes the closing bracket. Safe to call once.
func (s *Sink) Close() error {
	_, werr := s.f.WriteString("]\n")
	cerr := s.f.Close()
	if werr != nil {
		return fmt.Errorf("closing measurement log: %w", werr)
	}
	return cerr
}
