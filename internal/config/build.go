package config

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/client"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/gateway"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/providers"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/router"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/streaming"
)

// Address is the listen address host:port.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ProviderFamily resolves the family of a provider entry: the explicit
// family, else a name matching a family tag, else the endpoint domain.
func (p *Provider) ProviderFamily() (providers.Family, error) {
	if p.Family != "" {
		return providers.Family(strings.ToLower(p.Family)), nil
	}

	switch f := providers.Family(strings.ToLower(p.Name)); f {
	case providers.FamilyOpenAI, providers.FamilyGemini, providers.FamilyAnthropic, providers.FamilyCodeWhisperer:
		return f, nil
	}

	return providers.FamilyForEndpoint(p.APIBase)
}

// Descriptor converts the entry into a registry descriptor.
func (p *Provider) Descriptor() (providers.Descriptor, error) {
	family, err := p.ProviderFamily()
	if err != nil {
		return providers.Descriptor{}, fmt.Errorf("provider %q: %w", p.Name, err)
	}

	streams := family != providers.FamilyCodeWhisperer
	if p.SupportsStreaming != nil {
		streams = *p.SupportsStreaming
	}

	tools := true
	if p.SupportsTools != nil {
		tools = *p.SupportsTools
	}

	return providers.Descriptor{
		ID:                p.Name,
		Family:            family,
		Endpoint:          p.APIBase,
		APIKey:            p.APIKey,
		Model:             p.Model,
		Weight:            p.Weight,
		SupportsStreaming: streams,
		SupportsTools:     tools,
		Timeout:           time.Duration(p.TimeoutSeconds) * time.Second,
		Headers:           p.Headers,
		AllowedModels:     p.ModelWhitelist,
	}, nil
}

// Validate reports every problem found in the config at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}

	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("no providers configured"))
	}

	names := make(map[string]bool, len(c.Providers))

	for i := range c.Providers {
		p := &c.Providers[i]

		switch {
		case p.Name == "":
			errs = append(errs, fmt.Errorf("provider #%d has no name", i+1))
			continue
		case names[p.Name]:
			errs = append(errs, fmt.Errorf("provider %q declared twice", p.Name))
		}

		names[p.Name] = true

		if p.APIBase == "" {
			errs = append(errs, fmt.Errorf("provider %q has no url", p.Name))
			continue
		}

		if _, err := p.ProviderFamily(); err != nil {
			errs = append(errs, fmt.Errorf("provider %q: %w", p.Name, err))
		}
	}

	for _, cat := range c.categories() {
		if _, err := router.NewStrategy(cat.Strategy, nil); err != nil {
			errs = append(errs, fmt.Errorf("category %q: %w", cat.Name, err))
		}

		for _, id := range cat.Providers {
			if !names[id] {
				errs = append(errs, fmt.Errorf("category %q references unknown provider %q", cat.Name, id))
			}
		}
	}

	return errors.Join(errs...)
}

// BuildRegistry registers every built-in family and every configured provider.
func (c *Config) BuildRegistry() (*providers.Registry, error) {
	registry := providers.NewRegistry()
	registry.Initialize()

	for i := range c.Providers {
		desc, err := c.Providers[i].Descriptor()
		if err != nil {
			return nil, err
		}

		if err := registry.Register(desc); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

// categories lists the routing categories, default first, then the rest by name.
func (c *Config) categories() []router.Category {
	def := router.Category{
		Name:      router.CategoryDefault,
		Strategy:  c.Router.Strategy,
		Providers: c.Router.Providers,
	}

	if c.Router.Primary != "" {
		def.Strategy = router.StrategyPriority
		def.Providers = append([]string{c.Router.Primary}, c.Router.Backup...)
	}

	out := []router.Category{def}

	names := make([]string, 0, len(c.Router.Categories))
	for name := range c.Router.Categories {
		if name != router.CategoryDefault {
			names = append(names, name)
		}
	}

	sort.Strings(names)

	for _, name := range names {
		cc := c.Router.Categories[name]
		out = append(out, router.Category{Name: name, Strategy: cc.Strategy, Providers: cc.Providers})
	}

	return out
}

// EngineOptions maps the router and health sections to engine options.
// Clock, randomness, logger, counter and observer are left to the caller.
func (c *Config) EngineOptions() router.Options {
	return router.Options{
		Categories:              c.categories(),
		Triggers:                c.Triggers(),
		LongContextThreshold:    c.Router.LongContextThreshold,
		BackgroundModelPrefixes: c.Router.BackgroundModelPrefixes,
	}
}

func (c *Config) Triggers() router.Triggers {
	t := router.DefaultTriggers()
	h := c.Health

	if h.ConsecutiveErrors != nil {
		t.ConsecutiveErrors = triggerThreshold(*h.ConsecutiveErrors)
	}

	if h.AuthFailures != nil {
		t.AuthFailures = triggerThreshold(*h.AuthFailures)
	}

	if h.AuthWindowSeconds > 0 {
		t.AuthWindow = time.Duration(h.AuthWindowSeconds) * time.Second
	}

	if h.CooldownSeconds > 0 {
		t.Cooldown = time.Duration(h.CooldownSeconds) * time.Second
	}

	if h.Window > 0 {
		t.HealthWindow = h.Window
	}

	return t
}

// triggerThreshold maps a configured 0 to a disabled trigger.
func triggerThreshold(n int) int {
	if n <= 0 {
		return router.TriggerDisabled
	}

	return n
}

func (c *Config) RetryPolicy() gateway.RetryPolicy {
	p := gateway.DefaultRetryPolicy()

	if c.Retry.MaxAttempts > 0 {
		p.MaxAttempts = c.Retry.MaxAttempts
	}

	if c.Retry.BaseDelayMs > 0 {
		p.BaseDelay = time.Duration(c.Retry.BaseDelayMs) * time.Millisecond
	}

	if c.Retry.MaxDelayMs > 0 {
		p.MaxDelay = time.Duration(c.Retry.MaxDelayMs) * time.Millisecond
	}

	return p
}

func (c *Config) Classifier() client.Classifier {
	return client.NewClassifier(c.Retry.TransientPatterns)
}

func (c *Config) Pacing() streaming.Pacing {
	p := streaming.DefaultPacing()
	s := c.Streaming

	if s.ChunkDelayMs != nil {
		p.ChunkDelay = time.Duration(*s.ChunkDelayMs) * time.Millisecond
	}

	if s.TextChunkSize > 0 {
		p.TextChunkSize = s.TextChunkSize
	}

	if s.ToolStreaming != nil {
		p.ToolStreamingEnabled = *s.ToolStreaming
	}

	if s.ToolChunkSize > 0 {
		p.ToolChunkSize = s.ToolChunkSize
	}

	return p
}
