// Package symbols resolves canonical symbols to broker tokens using an
// in-memory instrument catalog.
package symbols

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"angelone-bridge/internal/errors"
	"angelone-bridge/internal/logging"
	"angelone-bridge/internal/models"
)

type key struct {
	symbol   string
	exchange models.Exchange
}

// index is immutable once published.
type index struct {
	records  []models.SymbolRecord // sorted by exchange, symbol
	bySymbol map[key]int
	byToken  map[key]int
	byName   map[key][]int
	loadedAt time.Time
}

// Resolver answers symbol lookups. Reloads swap the whole index atomically.
type Resolver struct {
	source Source
	logger zerolog.Logger

	loadMu     sync.Mutex
	idx        atomic.Pointer[index]
	mismatches atomic.Int64
}

// NewResolver creates a resolver over source. Call LoadCatalog before use.
func NewResolver(source Source, logger zerolog.Logger) *Resolver {
	return &Resolver{source: source, logger: logging.WithComponent(logger, "symbols")}
}

// LoadCatalog fetches the catalog and publishes a new index. Safe to call again
// to pick up a refreshed catalog; concurrent lookups see the old or the new
// index, never a mix.
func (r *Resolver) LoadCatalog(ctx context.Context) (int, error) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	records, err := r.source.Fetch(ctx)
	if err != nil {
		return 0, errors.New(errors.CodeSymbolCatalog, "failed to load instrument catalog", err).
			With("source", r.source.Name())
	}
	idx, mismatches, dups := r.build(records)
	r.idx.Store(idx)
	r.mismatches.Store(int64(mismatches))

	r.logger.Info().
		Str("source", r.source.Name()).
		Int("instruments", len(idx.records)).
		Int("duplicates", dups).
		Int("kind_mismatches", mismatches).
		Msg("Instrument catalog loaded")
	return len(idx.records), nil
}

func (r *Resolver) build(records []models.SymbolRecord) (*index, int, int) {
	sorted := make([]models.SymbolRecord, 0, len(records))
	seen := make(map[key]struct{}, len(records))
	dups := 0
	for _, rec := range records {
		rec.Symbol = normalize(rec.Symbol)
		rec.Name = normalize(rec.Name)
		rec.Exchange, _ = models.ParseExchange(string(rec.Exchange))
		k := key{rec.Symbol, rec.Exchange}
		if _, ok := seen[k]; ok {
			dups++
			continue
		}
		seen[k] = struct{}{}
		sorted = append(sorted, rec)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Exchange != sorted[j].Exchange {
			return sorted[i].Exchange < sorted[j].Exchange
		}
		return sorted[i].Symbol < sorted[j].Symbol
	})

	idx := &index{
		records:  sorted,
		bySymbol: make(map[key]int, len(sorted)),
		byToken:  make(map[key]int, len(sorted)),
		byName:   make(map[key][]int),
		loadedAt: time.Now(),
	}
	mismatches := 0
	for i, rec := range sorted {
		idx.bySymbol[key{rec.Symbol, rec.Exchange}] = i
		if _, dup := idx.byToken[key{rec.Token, rec.Exchange}]; !dup {
			idx.byToken[key{rec.Token, rec.Exchange}] = i
		}
		if rec.Name != "" {
			nk := key{rec.Name, rec.Exchange}
			idx.byName[nk] = append(idx.byName[nk], i)
		}
		if kind, ok := Classify(rec.Symbol); ok && kind != rec.Kind {
			mismatches++
			r.logger.Warn().
				Str("symbol", rec.Symbol).
				Str("exchange", string(rec.Exchange)).
				Str("catalog_kind", string(rec.Kind)).
				Str("symbol_kind", string(kind)).
				Msg("Instrument kind does not match symbol pattern")
		}
	}
	return idx, mismatches, dups
}

// Loaded reports whether a catalog has been published.
func (r *Resolver) Loaded() bool { return r.idx.Load() != nil }

// Len returns the number of indexed instruments.
func (r *Resolver) Len() int {
	if idx := r.idx.Load(); idx != nil {
		return len(idx.records)
	}
	return 0
}

// Mismatches returns how many catalog entries disagree with Classify.
func (r *Resolver) Mismatches() int { return int(r.mismatches.Load()) }

// Resolve looks up (symbol, exchange), case-insensitively. Cash-segment
// lookups also try the -EQ series and then a unique instrument name.
func (r *Resolver) Resolve(symbol string, exchange models.Exchange) (models.SymbolRecord, error) {
	idx := r.idx.Load()
	if idx == nil {
		return models.SymbolRecord{}, errors.New(errors.CodeSymbolCatalog, "catalog not loaded", errors.ErrCatalogNotLoaded)
	}
	sym := normalize(symbol)
	ex, _ := models.ParseExchange(string(exchange))
	if sym == "" || ex == "" {
		return models.SymbolRecord{}, errors.UnknownSymbolError(symbol, string(exchange))
	}

	if i, ok := idx.bySymbol[key{sym, ex}]; ok {
		return idx.records[i], nil
	}
	if ex == models.NSE || ex == models.BSE {
		if i, ok := idx.bySymbol[key{sym + "-EQ", ex}]; ok {
			return idx.records[i], nil
		}
	}
	if hits := idx.byName[key{sym, ex}]; len(hits) == 1 {
		return idx.records[hits[0]], nil
	}
	return models.SymbolRecord{}, errors.UnknownSymbolError(symbol, string(ex))
}

// ResolveToken finds the record for a broker token on exchange.
func (r *Resolver) ResolveToken(token string, exchange models.Exchange) (models.SymbolRecord, bool) {
	idx := r.idx.Load()
	if idx == nil {
		return models.SymbolRecord{}, false
	}
	i, ok := idx.byToken[key{strings.TrimSpace(token), exchange}]
	if !ok {
		return models.SymbolRecord{}, false
	}
	return idx.records[i], true
}

// Search matches query against symbol and name on every exchange.
func (r *Resolver) Search(query string) []models.SymbolRecord {
	return r.SearchIn(query, "", 0)
}

// SearchIn ranks matches: exact symbol, symbol prefix, name prefix, then
// substring hits on symbol or name. Ties break on symbol then exchange. An
// empty exchange searches all; limit <= 0 means no limit.
func (r *Resolver) SearchIn(query string, exchange models.Exchange, limit int) []models.SymbolRecord {
	idx := r.idx.Load()
	q := normalize(query)
	if idx == nil || q == "" {
		return nil
	}

	type hit struct {
		rank int
		rec  models.SymbolRecord
	}
	var hits []hit
	for _, rec := range idx.records {
		if exchange != "" && rec.Exchange != exchange {
			continue
		}
		rank := -1
		switch {
		case rec.Symbol == q:
			rank = 0
		case strings.HasPrefix(rec.Symbol, q):
			rank = 1
		case strings.HasPrefix(rec.Name, q):
			rank = 2
		case strings.Contains(rec.Symbol, q):
			rank = 3
		case strings.Contains(rec.Name, q):
			rank = 4
		}
		if rank >= 0 {
			hits = append(hits, hit{rank, rec})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].rank != hits[j].rank {
			return hits[i].rank < hits[j].rank
		}
		if hits[i].rec.Symbol != hits[j].rec.Symbol {
			return hits[i].rec.Symbol < hits[j].rec.Symbol
		}
		return hits[i].rec.Exchange < hits[j].rec.Exchange
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]models.SymbolRecord, len(hits))
	for i, h := range hits {
		out[i] = h.rec
	}
	return out
}

// NearestFuture returns the future on underlying with the earliest expiry on
// or after asOf's date.
func (r *Resolver) NearestFuture(underlying string, exchange models.Exchange, asOf time.Time) (models.SymbolRecord, error) {
	return r.nearest(underlying, exchange, asOf, func(rec models.SymbolRecord) bool {
		return rec.Kind == models.KindFuture
	})
}

// NearestOption returns the call or put at strike with the earliest expiry on
// or after asOf's date.
func (r *Resolver) NearestOption(underlying string, exchange models.Exchange, strike float64, kind models.InstrumentKind, asOf time.Time) (models.SymbolRecord, error) {
	return r.nearest(underlying, exchange, asOf, func(rec models.SymbolRecord) bool {
		return rec.Kind == kind && rec.Strike == strike
	})
}

func (r *Resolver) nearest(underlying string, exchange models.Exchange, asOf time.Time, match func(models.SymbolRecord) bool) (models.SymbolRecord, error) {
	idx := r.idx.Load()
	if idx == nil {
		return models.SymbolRecord{}, errors.New(errors.CodeSymbolCatalog, "catalog not loaded", errors.ErrCatalogNotLoaded)
	}
	name := normalize(underlying)
	y, m, d := asOf.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, asOf.Location())

	var best *models.SymbolRecord
	for i := range idx.records {
		rec := &idx.records[i]
		if rec.Exchange != exchange || rec.Name != name || rec.Expiry.IsZero() || rec.Expiry.Before(day) || !match(*rec) {
			continue
		}
		if best == nil || rec.Expiry.Before(best.Expiry) {
			best = rec
		}
	}
	if best == nil {
		return models.SymbolRecord{}, errors.UnknownSymbolError(underlying, string(exchange))
	}
	return *best, nil
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
