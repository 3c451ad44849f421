// Package router selects a provider per request and tracks provider health.
package router

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/canonical"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/providers"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/tokens"
)

// Routing categories.
const (
	CategoryDefault     = "default"
	CategoryBackground  = "background"
	CategoryLongContext = "long_context"
)

// Category binds a routing category to a strategy and a provider list.
// An empty provider list means every registered provider.
type Category struct {
	Name      string
	Strategy  string
	Providers []string
}

// Observer is notified of routing decisions and health transitions.
type Observer interface {
	ProviderSelected(category, providerID string)
	CooldownTripped(providerID string)
}

type Options struct {
	Categories              []Category
	Triggers                Triggers
	LongContextThreshold    int
	BackgroundModelPrefixes []string
	Counter                 tokens.Counter
	Now                     func() time.Time
	Rand                    *rand.Rand
	Logger                  *slog.Logger
	Observer                Observer
}

type category struct {
	name      string
	strategy  Strategy
	providers []string
}

// Engine is the routing and failover engine. It is safe for concurrent use.
type Engine struct {
	registry   *providers.Registry
	health     *HealthRegistry
	categories map[string]*category

	longContextThreshold int
	backgroundPrefixes   []string
	counter              tokens.Counter

	logger   *slog.Logger
	observer Observer
}

func NewEngine(registry *providers.Registry, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		registry:             registry,
		health:               NewHealthRegistry(opts.Triggers, opts.Now),
		categories:           make(map[string]*category),
		longContextThreshold: opts.LongContextThreshold,
		backgroundPrefixes:   opts.BackgroundModelPrefixes,
		counter:              opts.Counter,
		logger:               logger,
		observer:             opts.Observer,
	}

	for _, c := range opts.Categories {
		strategy, err := NewStrategy(c.Strategy, opts.Rand)
		if err != nil {
			return nil, fmt.Errorf("category %q: %w", c.Name, err)
		}

		for _, id := range c.Providers {
			if _, ok := registry.Get(id); !ok {
				return nil, fmt.Errorf("category %q: provider %q not registered", c.Name, id)
			}
		}

		e.categories[c.Name] = &category{name: c.Name, strategy: strategy, providers: c.Providers}
	}

	if _, ok := e.categories[CategoryDefault]; !ok {
		e.categories[CategoryDefault] = &category{name: CategoryDefault, strategy: newRoundRobin()}
	}

	return e, nil
}

// Route selects a provider for req. It never returns a provider in cooldown
// unless every candidate is cooling down, in which case the one whose last
// failure is oldest is returned. It fails only when no provider is registered.
func (e *Engine) Route(req *canonical.Request, requestID string) (string, error) {
	return e.RouteExcluding(req, requestID, nil)
}

// RouteExcluding is Route without the providers in exclude. It returns
// ErrNoCandidates once every provider has been excluded.
func (e *Engine) RouteExcluding(req *canonical.Request, requestID string, exclude map[string]bool) (string, error) {
	if e.registry == nil || e.registry.Len() == 0 {
		return "", &canonical.RoutingError{Reason: "provider registry is empty", Err: canonical.ErrNoProviders}
	}

	name := e.Category(req)
	cat := e.categories[name]

	pool := e.pool(cat, req, exclude)
	if len(pool) == 0 {
		return "", fmt.Errorf("route category %s: %w", name, canonical.ErrNoCandidates)
	}

	eligible := make([]Candidate, 0, len(pool))

	for _, id := range pool {
		if !e.health.Available(id) {
			continue
		}

		desc, _ := e.registry.Get(id)
		eligible = append(eligible, Candidate{ID: id, Weight: desc.Weight, Score: e.health.SuccessRate(id)})
	}

	var chosen string

	if len(eligible) == 0 {
		chosen = e.lastResort(pool)
		e.logger.Warn("All providers in cooldown, using least recently failed",
			"request_id", requestID,
			"category", name,
			"provider", chosen)
	} else {
		chosen = cat.strategy.Select(name, eligible).ID
		e.logger.Debug("Provider selected",
			"request_id", requestID,
			"category", name,
			"strategy", cat.strategy.Name(),
			"provider", chosen,
			"eligible", len(eligible))
	}

	if e.observer != nil {
		e.observer.ProviderSelected(name, chosen)
	}

	return chosen, nil
}

// pool lists the routable ids of a category in declaration order. Providers
// whose model allow-list admits the request are preferred, and so are
// tool-capable providers for requests with tools. A category emptied by
// exclusion falls back to every registered provider.
func (e *Engine) pool(cat *category, req *canonical.Request, exclude map[string]bool) []string {
	ids := cat.providers
	if len(ids) == 0 {
		ids = e.registry.List()
	}

	pool := e.filter(ids, exclude)
	if len(pool) == 0 && len(cat.providers) > 0 {
		pool = e.filter(e.registry.List(), exclude)
	}

	if req == nil {
		return pool
	}

	pool = e.prefer(pool, func(desc providers.Descriptor) bool { return desc.Allows(req.Model) })

	if req.HasTools() {
		pool = e.prefer(pool, func(desc providers.Descriptor) bool { return desc.SupportsTools })
	}

	return pool
}

// prefer narrows ids to those matching keep, unless none match.
func (e *Engine) prefer(ids []string, keep func(providers.Descriptor) bool) []string {
	var out []string

	for _, id := range ids {
		if desc, _ := e.registry.Get(id); keep(desc) {
			out = append(out, id)
		}
	}

	if len(out) == 0 {
		return ids
	}

	return out
}

func (e *Engine) filter(ids []string, exclude map[string]bool) []string {
	out := make([]string, 0, len(ids))

	for _, id := range ids {
		if exclude[id] {
			continue
		}

		if _, ok := e.registry.Get(id); ok {
			out = append(out, id)
		}
	}

	return out
}

func (e *Engine) lastResort(pool []string) string {
	best := pool[0]
	bestAt := e.health.Get(best).LastFailureAt

	for _, id := range pool[1:] {
		at := e.health.Get(id).LastFailureAt
		if at.Before(bestAt) {
			best, bestAt = id, at
		}
	}

	return best
}

// Category resolves the routing category of a request: an explicit metadata
// hint, then long context, then background models, then default.
// Categories without configuration resolve to default.
func (e *Engine) Category(req *canonical.Request) string {
	if req == nil {
		return CategoryDefault
	}

	if hint := req.Metadata.Category; hint != "" {
		return e.configured(hint)
	}

	if e.longContextThreshold > 0 && e.counter != nil && e.has(CategoryLongContext) {
		if tokens.CountRequest(e.counter, req) > e.longContextThreshold {
			return CategoryLongContext
		}
	}

	if e.has(CategoryBackground) {
		for _, prefix := range e.backgroundPrefixes {
			if prefix != "" && strings.HasPrefix(req.Model, prefix) {
				return CategoryBackground
			}
		}
	}

	return CategoryDefault
}

func (e *Engine) has(name string) bool {
	_, ok := e.categories[name]
	return ok
}

func (e *Engine) configured(name string) string {
	if e.has(name) {
		return name
	}

	return CategoryDefault
}

// RecordResult reports one call outcome for a provider.
func (e *Engine) RecordResult(providerID string, success bool, errMessage string, statusCode int) {
	if providerID == "" {
		return
	}

	if tripped := e.health.Record(providerID, success, errMessage, statusCode); tripped {
		h := e.health.Get(providerID)
		e.logger.Warn("Provider entered cooldown",
			"provider", providerID,
			"consecutive_errors", h.ConsecutiveErrors,
			"status", statusCode,
			"until", h.CooldownUntil)

		if e.observer != nil {
			e.observer.CooldownTripped(providerID)
		}
	}
}

// Health returns a snapshot of one provider's health.
func (e *Engine) Health(providerID string) Health {
	return e.health.Get(providerID)
}

// Snapshot returns the health of every registered provider in declaration order.
func (e *Engine) Snapshot() []Health {
	ids := e.registry.List()

	out := make([]Health, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.health.Get(id))
	}

	return out
}

// Reset clears a provider's health record.
func (e *Engine) Reset(providerID string) {
	e.health.Reset(providerID)
	e.logger.Info("Provider health reset", "provider", providerID)
}
