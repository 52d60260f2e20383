// Package catalog loads the provider catalog (providers, endpoints and
// client keys) from a YAML file and serves immutable snapshots of it.
// Endpoint probe outcomes are kept alongside in memory.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

// ErrNotFound is returned for unknown ids.
var ErrNotFound = errors.New("catalog: not found")

// Document is the on-disk layout of the catalog file.
type Document struct {
	Providers []*providers.Provider `yaml:"providers"`
	Endpoints []providers.Endpoint  `yaml:"endpoints"`
	Keys      []providers.ClientKey `yaml:"keys"`
}

type vendorType struct {
	vendorID int64
	typ      providers.Type
}

// Snapshot is one immutable, validated view of the catalog.
type Snapshot struct {
	providers []*providers.Provider
	byID      map[int64]*providers.Provider
	endpoints map[vendorType][]providers.Endpoint
	keys      map[string]*providers.ClientKey
	loadedAt  time.Time
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) (*Snapshot, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	return Build(doc)
}

// Build validates doc and indexes it.
func Build(doc Document) (*Snapshot, error) {
	s := &Snapshot{
		byID:      make(map[int64]*providers.Provider, len(doc.Providers)),
		endpoints: make(map[vendorType][]providers.Endpoint),
		keys:      make(map[string]*providers.ClientKey, len(doc.Keys)),
		loadedAt:  time.Now(),
	}

	for i, p := range doc.Providers {
		if p == nil {
			return nil, fmt.Errorf("catalog: providers[%d] is empty", i)
		}
		if p.ID <= 0 {
			return nil, fmt.Errorf("catalog: providers[%d]: id must be positive", i)
		}
		if _, dup := s.byID[p.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate provider id %d", p.ID)
		}
		if !p.Type.Valid() {
			return nil, fmt.Errorf("catalog: provider %d: unknown type %q", p.ID, p.Type)
		}
		if p.Auth == "" {
			p.Auth = providers.AuthAPIKey
		}
		if p.Name == "" {
			p.Name = fmt.Sprintf("provider-%d", p.ID)
		}
		if err := p.Compile(); err != nil {
			return nil, fmt.Errorf("catalog: provider %d: %w", p.ID, err)
		}
		s.byID[p.ID] = p
		s.providers = append(s.providers, p)
	}
	sort.Slice(s.providers, func(i, j int) bool { return s.providers[i].ID < s.providers[j].ID })

	seen := make(map[int64]struct{}, len(doc.Endpoints))
	for i, e := range doc.Endpoints {
		if e.ID <= 0 {
			return nil, fmt.Errorf("catalog: endpoints[%d]: id must be positive", i)
		}
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate endpoint id %d", e.ID)
		}
		seen[e.ID] = struct{}{}
		if !e.Type.Valid() {
			return nil, fmt.Errorf("catalog: endpoint %d: unknown type %q", e.ID, e.Type)
		}
		if strings.TrimSpace(e.URL) == "" {
			return nil, fmt.Errorf("catalog: endpoint %d: url is required", e.ID)
		}
		k := vendorType{e.VendorID, e.Type}
		s.endpoints[k] = append(s.endpoints[k], e)
	}
	for k := range s.endpoints {
		eps := s.endpoints[k]
		sort.SliceStable(eps, func(i, j int) bool { return eps[i].SortOrder < eps[j].SortOrder })
	}

	for i := range doc.Keys {
		k := doc.Keys[i]
		if k.Key == "" {
			return nil, fmt.Errorf("catalog: keys[%d]: key is required", i)
		}
		if _, dup := s.keys[k.Key]; dup {
			return nil, fmt.Errorf("catalog: duplicate client key %q", k.Name)
		}
		s.keys[k.Key] = &k
	}
	return s, nil
}

// Providers returns every provider ordered by id.
func (s *Snapshot) Providers() []*providers.Provider { return s.providers }

// Provider returns the provider with id.
func (s *Snapshot) Provider(id int64) (*providers.Provider, bool) {
	p, ok := s.byID[id]
	return p, ok
}

// LoadedAt returns when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Store serves the current snapshot and merges probe results into endpoint
// reads.
type Store struct {
	path string
	snap atomic.Pointer[Snapshot]

	mu     sync.RWMutex
	probes map[int64]providers.ProbeResult

	hooksMu sync.Mutex
	hooks   []func(*Snapshot)
}

// NewStore serves a fixed snapshot. Reload is a no-op without a path.
func NewStore(snap *Snapshot) *Store {
	s := &Store{probes: make(map[int64]providers.ProbeResult)}
	s.snap.Store(snap)
	return s
}

// Open loads path and returns a Store that can reload it.
func Open(path string) (*Store, error) {
	snap, err := readFile(path)
	if err != nil {
		return nil, err
	}
	s := NewStore(snap)
	s.path = path
	return s, nil
}

func readFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(data)
}

// Path returns the backing file, empty for in-memory stores.
func (s *Store) Path() string { return s.path }

// Snapshot returns the current snapshot.
func (s *Store) Snapshot() *Snapshot { return s.snap.Load() }

// OnReload registers fn to run after every successful reload.
func (s *Store) OnReload(fn func(*Snapshot)) {
	s.hooksMu.Lock()
	s.hooks = append(s.hooks, fn)
	s.hooksMu.Unlock()
}

// Reload re-reads the file. On error the previous snapshot stays active.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	snap, err := readFile(s.path)
	if err != nil {
		return err
	}
	s.Swap(snap)
	return nil
}

// Swap replaces the active snapshot and runs reload hooks.
func (s *Store) Swap(snap *Snapshot) {
	s.snap.Store(snap)
	s.hooksMu.Lock()
	hooks := append([]func(*Snapshot){}, s.hooks...)
	s.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(snap)
	}
}

// Providers returns every configured provider.
func (s *Store) Providers(context.Context) ([]*providers.Provider, error) {
	return s.Snapshot().Providers(), nil
}

// Provider returns one provider by id.
func (s *Store) Provider(id int64) (*providers.Provider, bool) {
	return s.Snapshot().Provider(id)
}

// Endpoints returns the endpoints of (vendorID, typ) in sort order with the
// latest probe outcome applied.
func (s *Store) Endpoints(_ context.Context, vendorID int64, typ providers.Type) ([]providers.Endpoint, error) {
	src := s.Snapshot().endpoints[vendorType{vendorID, typ}]
	out := make([]providers.Endpoint, len(src))
	copy(out, src)

	s.mu.RLock()
	for i := range out {
		if r, ok := s.probes[out[i].ID]; ok {
			applyProbe(&out[i], r)
		}
	}
	s.mu.RUnlock()
	return out, nil
}

// AllEndpoints returns every endpoint of the snapshot.
func (s *Store) AllEndpoints() []providers.Endpoint {
	snap := s.Snapshot()
	var out []providers.Endpoint
	for _, eps := range snap.endpoints {
		out = append(out, eps...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	s.mu.RLock()
	for i := range out {
		if r, ok := s.probes[out[i].ID]; ok {
			applyProbe(&out[i], r)
		}
	}
	s.mu.RUnlock()
	return out
}

// RecordProbe stores a probe outcome for later endpoint reads.
func (s *Store) RecordProbe(r providers.ProbeResult) {
	s.mu.Lock()
	s.probes[r.EndpointID] = r
	s.mu.Unlock()
}

func applyProbe(e *providers.Endpoint, r providers.ProbeResult) {
	ok := r.OK
	e.LastProbeOK = &ok
	e.LastProbeAt = r.At
	e.LastProbeLatency = r.Latency
}

// LookupKey returns the active client key matching raw.
func (s *Store) LookupKey(raw string) (*providers.ClientKey, bool) {
	k, ok := s.Snapshot().keys[raw]
	if !ok || !k.Active() {
		return nil, false
	}
	return k, true
}
