// Package rawstore keeps every backend response byte-for-byte, before any
// parsing, so a run can be diagnosed or replayed offline.
package rawstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/renameio/v2"

	"github.com/snapetech/epgharvest/internal/catalog"
	"github.com/snapetech/epgharvest/internal/log"
	"github.com/snapetech/epgharvest/internal/normalize"
)

// Store writes raw payloads under Dir.
type Store struct {
	dir string

	mu  sync.Mutex
	seq int
}

// New creates dir if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("rawstore: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

// Persist writes p.Body atomically and records the file in p.Path. Failed and
// empty responses are stored too.
func (s *Store) Persist(p *catalog.RawPayload) error {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	path := Path(s.dir, p.ChannelID, p.Page, seq, p.Kind)
	if err := renameio.WriteFile(path, p.Body, 0o644); err != nil {
		return fmt.Errorf("rawstore persist %s: %w", path, err)
	}
	p.Path = path
	lg := log.WithComponent("rawstore")
	lg.Debug().
		Str("channel", p.ChannelID).
		Int("page", p.Page).
		Int("status", p.Status).
		Str("via", p.Via).
		Str("size", humanize.Bytes(uint64(len(p.Body)))).
		Str("path", path).
		Msg("raw response saved")
	return nil
}

// Load rebuilds a payload from a file written by Persist (or any XML/JSON
// file). Channel and page come from the file name when it has Path's shape.
func Load(path string) (catalog.RawPayload, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return catalog.RawPayload{}, err
	}
	p := catalog.RawPayload{Body: body, Path: path, Status: 200, Via: "file"}
	if ch, page, ok := parseName(path); ok {
		p.ChannelID, p.Page = ch, page
	} else {
		p.ChannelID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	ct := ""
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xml":
		ct = "application/xml"
	case ".json":
		ct = "application/json"
	}
	p.Kind = normalize.Sniff(ct, body)
	return p, nil
}

// List returns the raw files in the store, sorted by name.
func (s *Store) List() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "raw_*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}
