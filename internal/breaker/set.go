package breaker

import (
	"strconv"
	"sync"
	"time"
)

// Tier labels used for metrics and the health snapshot.
const (
	TierProvider   = "provider"
	TierEndpoint   = "endpoint"
	TierVendorType = "vendor_type"
)

// DefaultTimeoutWindow bounds how far apart endpoint timeouts may be and
// still count towards tripping the vendor-type aggregate.
const DefaultTimeoutWindow = 60 * time.Second

// SetConfig configures the three tiers of a Set.
type SetConfig struct {
	Provider   Config
	Endpoint   Config
	VendorType Config

	// TimeoutWindow is the rolling window for the vendor-type aggregate.
	TimeoutWindow time.Duration
}

// Set bundles the provider, endpoint and vendor-type breakers.
//
// The vendor-type aggregate is an additional gate: it opens when every
// enabled endpoint of a (vendor, provider type) pair has timed out within
// TimeoutWindow, independently of the per-endpoint units. A candidate must
// pass both the aggregate and its own endpoint unit.
type Set struct {
	Providers   *Breaker
	Endpoints   *Breaker
	VendorTypes *Breaker

	now    func() time.Time
	window time.Duration

	mu       sync.Mutex
	timeouts map[string]map[int64]time.Time // vendor-type key → endpoint id → last timeout
}

// NewSet creates the three breaker tiers.
func NewSet(cfg SetConfig, opts ...Option) *Set {
	window := cfg.TimeoutWindow
	if window <= 0 {
		window = DefaultTimeoutWindow
	}
	s := &Set{
		Providers:   New(TierProvider, cfg.Provider, opts...),
		Endpoints:   New(TierEndpoint, cfg.Endpoint, opts...),
		VendorTypes: New(TierVendorType, cfg.VendorType, opts...),
		window:      window,
		timeouts:    make(map[string]map[int64]time.Time),
	}
	s.now = s.Providers.now
	return s
}

// ProviderKey returns the provider-tier key for id.
func ProviderKey(id int64) string { return strconv.FormatInt(id, 10) }

// EndpointKey returns the endpoint-tier key for id.
func EndpointKey(id int64) string { return strconv.FormatInt(id, 10) }

// VendorTypeKey returns the aggregate key for a (vendor, provider type) pair.
func VendorTypeKey(vendorID int64, providerType string) string {
	return strconv.FormatInt(vendorID, 10) + ":" + providerType
}

// RecordEndpointTimeout notes that endpointID timed out. When every id in
// enabled has a timeout within the rolling window the aggregate is tripped.
// It reports whether this call tripped the aggregate.
func (s *Set) RecordEndpointTimeout(vendorID int64, providerType string, endpointID int64, enabled []int64) bool {
	key := VendorTypeKey(vendorID, providerType)
	now := s.now()

	s.mu.Lock()
	seen := s.timeouts[key]
	if seen == nil {
		seen = make(map[int64]time.Time)
		s.timeouts[key] = seen
	}
	seen[endpointID] = now
	for id, at := range seen {
		if now.Sub(at) > s.window {
			delete(seen, id)
		}
	}
	all := len(enabled) > 0
	for _, id := range enabled {
		if _, ok := seen[id]; !ok {
			all = false
			break
		}
	}
	if all {
		delete(s.timeouts, key)
	}
	s.mu.Unlock()

	if all {
		s.VendorTypes.Trip(key, "all_endpoints_timeout")
	}
	return all
}

// RecordEndpointSuccess clears pending timeouts for the pair and reports a
// success to the aggregate.
func (s *Set) RecordEndpointSuccess(vendorID int64, providerType string) {
	key := VendorTypeKey(vendorID, providerType)
	s.mu.Lock()
	delete(s.timeouts, key)
	s.mu.Unlock()
	s.VendorTypes.RecordSuccess(key)
}

// Snapshot returns the health of all three tiers.
func (s *Set) Snapshot() map[string][]Health {
	return map[string][]Health{
		TierProvider:   s.Providers.Snapshot(),
		TierEndpoint:   s.Endpoints.Snapshot(),
		TierVendorType: s.VendorTypes.Snapshot(),
	}
}
