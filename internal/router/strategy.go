package router

import (
	"fmt"
	"math/rand/v2"
	"sync"
)

const (
	StrategyRoundRobin  = "round_robin"
	StrategyWeighted    = "weighted"
	StrategyHealthBased = "health_based"
	StrategyPriority    = "priority"
)

// Candidate is a routable provider. Candidates are always passed in
// declaration order.
type Candidate struct {
	ID     string
	Weight int
	Score  float64
}

// Strategy picks one of a non-empty candidate list.
type Strategy interface {
	Name() string
	Select(category string, candidates []Candidate) Candidate
}

// NewStrategy builds a strategy by name. rng is only used by weighted.
func NewStrategy(name string, rng *rand.Rand) (Strategy, error) {
	switch name {
	case "", StrategyRoundRobin:
		return newRoundRobin(), nil
	case StrategyWeighted:
		return newWeighted(rng), nil
	case StrategyHealthBased:
		return healthBased{}, nil
	case StrategyPriority:
		return priority{}, nil
	}

	return nil, fmt.Errorf("unknown routing strategy %q", name)
}

// roundRobin keeps one cursor per category.
type roundRobin struct {
	mu      sync.Mutex
	cursors map[string]uint64
}

func newRoundRobin() *roundRobin {
	return &roundRobin{cursors: make(map[string]uint64)}
}

func (s *roundRobin) Name() string {
	return StrategyRoundRobin
}

func (s *roundRobin) Select(category string, candidates []Candidate) Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()

	cursor := s.cursors[category]
	s.cursors[category] = cursor + 1

	return candidates[cursor%uint64(len(candidates))]
}

// weighted draws with probability weight / sum(weights).
type weighted struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newWeighted(rng *rand.Rand) *weighted {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	return &weighted{rng: rng}
}

func (s *weighted) Name() string {
	return StrategyWeighted
}

func (s *weighted) Select(_ string, candidates []Candidate) Candidate {
	total := 0

	for _, c := range candidates {
		total += max(c.Weight, 1)
	}

	s.mu.Lock()
	draw := s.rng.IntN(total)
	s.mu.Unlock()

	for _, c := range candidates {
		draw -= max(c.Weight, 1)
		if draw < 0 {
			return c
		}
	}

	return candidates[len(candidates)-1]
}

// healthBased picks the highest recent success rate. The first candidate in
// declaration order wins ties.
type healthBased struct{}

func (healthBased) Name() string {
	return StrategyHealthBased
}

func (healthBased) Select(_ string, candidates []Candidate) Candidate {
	best := candidates[0]

	for _, c := range candidates[1:] {
		if c.Score > best.Score {
			best = c
		}
	}

	return best
}

// priority is the legacy primary + backup list: the first routable entry wins.
type priority struct{}

func (priority) Name() string {
	return StrategyPriority
}

func (priority) Select(_ string, candidates []Candidate) Candidate {
	return candidates[0]
}
