package config

import (
	"path"
	"strings"
	"sync/atomic"
)

// Snapshot is an immutable view of the partner and logical file
// records. Handlers capture a snapshot once per session so that a
// configuration reload mid-session cannot change the rules a transfer
// started under.
type Snapshot struct {
	partners map[string]PartnerConfig
	files    []FileConfig
}

// NewSnapshot builds a snapshot from the given records. Partner ids
// are indexed uppercase; PI_03 lookups are case-insensitive.
func NewSnapshot(partners []PartnerConfig, files []FileConfig) *Snapshot {
	index := make(map[string]PartnerConfig, len(partners))
	for _, p := range partners {
		index[strings.ToUpper(p.ID)] = p
	}
	return &Snapshot{
		partners: index,
		files:    append([]FileConfig(nil), files...),
	}
}

// Partner looks up a partner record by id.
func (s *Snapshot) Partner(id string) (PartnerConfig, bool) {
	p, ok := s.partners[strings.ToUpper(id)]
	return p, ok
}

// File resolves the logical file record for a filename. Exact filename
// matches win over pattern matches; among patterns, the first declared
// match wins.
func (s *Snapshot) File(filename string) (FileConfig, bool) {
	for _, f := range s.files {
		if f.Filename != "" && f.Filename == filename {
			return f, true
		}
	}
	for _, f := range s.files {
		if f.Pattern == "" {
			continue
		}
		if ok, err := path.Match(f.Pattern, filename); err == nil && ok {
			return f, true
		}
	}
	return FileConfig{}, false
}

// Store hands out the current snapshot and swaps it atomically on
// reload. Readers never block writers and vice versa.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore creates a store seeded from the configuration.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.current.Store(NewSnapshot(cfg.Partners, cfg.Files))
	return s
}

// Snapshot returns the current snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Swap replaces the current snapshot. Sessions already holding the old
// snapshot keep using it until they end.
func (s *Store) Swap(partners []PartnerConfig, files []FileConfig) {
	s.current.Store(NewSnapshot(partners, files))
}
