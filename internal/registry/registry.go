// Package registry holds the in-memory versioned ruleset store serving
// every evaluation request.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrNotFound is returned by loaders when the requested ruleset version
// does not exist.
var ErrNotFound = errors.New("ruleset not found")

// Loader fetches a compiled ruleset version from external storage.
type Loader interface {
	Load(ctx context.Context, country, key string, version int64) (*domain.Ruleset, error)
}

// PrepareFunc runs once per loaded ruleset before it is published:
// predicate compilation, validation. A returned error fails the load.
type PrepareFunc func(rs *domain.Ruleset) error

// Hot-swap statuses.
const (
	SwapReplaced   = "REPLACED"
	SwapNotFound   = "NOT_FOUND"
	SwapStale      = "STALE"
	SwapLoadFailed = "LOAD_FAILED"
)

// HotSwapResult describes the outcome of a hot-swap attempt.
type HotSwapResult struct {
	Success    bool   `json:"success"`
	Status     string `json:"status"`
	OldVersion int64  `json:"old_version,omitempty"`
	NewVersion int64  `json:"new_version,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Registry maps (country, ruleset key) to a single atomic cell holding
// the current Ruleset. Readers load the cell pointer without locks;
// writers publish whole rulesets with an atomic swap, so a concurrent
// reader sees either the old version or the new one, never a hybrid.
type Registry struct {
	loader  Loader
	prepare PrepareFunc

	// mu guards the cell map itself, not the cell contents.
	mu    sync.RWMutex
	cells map[string]*atomic.Pointer[domain.Ruleset]

	// swapMu serializes writers; reads stay lock-free.
	swapMu sync.Mutex
}

// New creates a registry over a loader. prepare may be nil.
func New(loader Loader, prepare PrepareFunc) *Registry {
	return &Registry{
		loader:  loader,
		prepare: prepare,
		cells:   make(map[string]*atomic.Pointer[domain.Ruleset]),
	}
}

// Get returns the ruleset registered for (country, key), exact match only.
func (r *Registry) Get(country, key string) *domain.Ruleset {
	cell := r.cell(cellKey(normalizeCountry(country), key))
	if cell == nil {
		return nil
	}
	return cell.Load()
}

// GetWithFallback tries (country, key) then ("global", key). A missing
// country consults only global.
func (r *Registry) GetWithFallback(country, key string) *domain.Ruleset {
	if c := normalizeCountry(country); c != domain.GlobalCountry {
		if rs := r.Get(c, key); rs != nil {
			return rs
		}
	}
	return r.Get(domain.GlobalCountry, key)
}

// LoadAndRegister installs a ruleset version without a monotonicity check.
// First-registration path; also used by bulk load.
func (r *Registry) LoadAndRegister(ctx context.Context, country, key string, version int64) error {
	r.swapMu.Lock()
	defer r.swapMu.Unlock()

	rs, err := r.loadPrepared(ctx, country, key, version)
	if err != nil {
		return err
	}
	r.publish(rs)

	slog.Info("ruleset registered",
		"country", rs.Country,
		"key", rs.Key,
		"version", rs.Version,
		"rules", len(rs.Rules),
	)
	return nil
}

// BulkLoadEntry identifies one ruleset version to install.
type BulkLoadEntry struct {
	Country string `json:"country"`
	Key     string `json:"key"`
	Version int64  `json:"version"`
}

// BulkLoad installs each entry with LoadAndRegister semantics and returns
// how many loaded. Idempotent; failures are logged and skipped.
func (r *Registry) BulkLoad(ctx context.Context, entries []BulkLoadEntry) int {
	loaded := 0
	for _, e := range entries {
		if err := r.LoadAndRegister(ctx, e.Country, e.Key, e.Version); err != nil {
			slog.Warn("bulk load entry failed",
				"country", e.Country,
				"key", e.Key,
				"version", e.Version,
				"error", err,
			)
			continue
		}
		loaded++
	}
	return loaded
}

// HotSwap atomically replaces the registered version with newVersion.
// Rejects non-monotone versions with STALE; the registry is unchanged on
// any non-REPLACED outcome.
func (r *Registry) HotSwap(ctx context.Context, country, key string, newVersion int64) HotSwapResult {
	r.swapMu.Lock()
	defer r.swapMu.Unlock()

	current := r.Get(country, key)
	if current == nil {
		return HotSwapResult{
			Status:  SwapNotFound,
			Message: fmt.Sprintf("no ruleset registered for %s/%s", normalizeCountry(country), key),
		}
	}

	if newVersion <= current.Version {
		return HotSwapResult{
			Status:     SwapStale,
			OldVersion: current.Version,
			NewVersion: newVersion,
			Message:    fmt.Sprintf("version %d is not newer than registered version %d", newVersion, current.Version),
		}
	}

	rs, err := r.loadPrepared(ctx, country, key, newVersion)
	if err != nil {
		return HotSwapResult{
			Status:     SwapLoadFailed,
			OldVersion: current.Version,
			NewVersion: newVersion,
			Message:    err.Error(),
		}
	}

	r.publish(rs)

	slog.Info("ruleset hot-swapped",
		"country", rs.Country,
		"key", rs.Key,
		"old_version", current.Version,
		"new_version", rs.Version,
	)
	return HotSwapResult{
		Success:    true,
		Status:     SwapReplaced,
		OldVersion: current.Version,
		NewVersion: rs.Version,
	}
}

// Snapshot lists the currently registered rulesets.
func (r *Registry) Snapshot() []domain.RulesetInfo {
	r.mu.RLock()
	cells := make([]*atomic.Pointer[domain.Ruleset], 0, len(r.cells))
	for _, cell := range r.cells {
		cells = append(cells, cell)
	}
	r.mu.RUnlock()

	infos := make([]domain.RulesetInfo, 0, len(cells))
	for _, cell := range cells {
		rs := cell.Load()
		if rs == nil {
			continue
		}
		infos = append(infos, domain.RulesetInfo{
			Country:        rs.Country,
			Key:            rs.Key,
			Version:        rs.Version,
			EvaluationType: rs.EvaluationType,
			RuleCount:      len(rs.Rules),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Country != infos[j].Country {
			return infos[i].Country < infos[j].Country
		}
		return infos[i].Key < infos[j].Key
	})
	return infos
}

// SnapshotCountry lists registered rulesets for one country.
func (r *Registry) SnapshotCountry(country string) []domain.RulesetInfo {
	c := normalizeCountry(country)
	var infos []domain.RulesetInfo
	for _, info := range r.Snapshot() {
		if info.Country == c {
			infos = append(infos, info)
		}
	}
	return infos
}

func (r *Registry) loadPrepared(ctx context.Context, country, key string, version int64) (*domain.Ruleset, error) {
	rs, err := r.loader.Load(ctx, normalizeCountry(country), key, version)
	if err != nil {
		return nil, err
	}
	if rs == nil {
		return nil, ErrNotFound
	}

	prepared := prepareRuleset(rs, normalizeCountry(country))
	if r.prepare != nil {
		if err := r.prepare(prepared); err != nil {
			return nil, fmt.Errorf("ruleset %s/%s v%d: %w", prepared.Country, prepared.Key, prepared.Version, err)
		}
	}
	return prepared, nil
}

// prepareRuleset copies the loaded document and fixes evaluation order:
// descending priority, ties broken by declared order.
func prepareRuleset(rs *domain.Ruleset, country string) *domain.Ruleset {
	out := *rs
	out.Country = country
	out.Rules = make([]domain.Rule, len(rs.Rules))
	copy(out.Rules, rs.Rules)
	sort.SliceStable(out.Rules, func(i, j int) bool {
		return out.Rules[i].Priority > out.Rules[j].Priority
	})
	return &out
}

// publish stores the ruleset into its cell, creating the cell on first
// registration. The atomic pointer swap is the only synchronization
// readers ever observe.
func (r *Registry) publish(rs *domain.Ruleset) {
	key := cellKey(rs.Country, rs.Key)

	r.mu.RLock()
	cell := r.cells[key]
	r.mu.RUnlock()

	if cell == nil {
		r.mu.Lock()
		if cell = r.cells[key]; cell == nil {
			cell = &atomic.Pointer[domain.Ruleset]{}
			r.cells[key] = cell
		}
		r.mu.Unlock()
	}

	cell.Store(rs)
}

func (r *Registry) cell(key string) *atomic.Pointer[domain.Ruleset] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cells[key]
}

func cellKey(country, key string) string {
	return country + "/" + key
}

// normalizeCountry uppercases country codes at the registry boundary.
// Empty maps to the global scope; "global" stays lowercase and literal.
func normalizeCountry(country string) string {
	c := strings.TrimSpace(country)
	if c == "" || strings.EqualFold(c, domain.GlobalCountry) {
		return domain.GlobalCountry
	}
	return strings.ToUpper(c)
}
