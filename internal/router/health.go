package router

import (
	"net/http"
	"sort"
	"sync"
	"time"
)

// State is a provider's position in the health state machine.
type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateCooldown State = "cooldown"
)

const (
	DefaultConsecutiveErrors = 3
	DefaultAuthFailures      = 2
	DefaultAuthWindow        = 5 * time.Minute
	DefaultCooldown          = 60 * time.Second
	DefaultHealthWindow      = 100

	// TriggerDisabled turns off a ConsecutiveErrors or AuthFailures trigger.
	TriggerDisabled = -1
)

// Triggers configures when a failing provider enters cooldown. Zero fields
// take their default; a negative ConsecutiveErrors or AuthFailures disables
// that trigger. AuthFailures
// counts 401/403 outcomes within AuthWindow. HealthWindow is the number of
// recent outcomes kept for the success rate.
type Triggers struct {
	ConsecutiveErrors int
	AuthFailures      int
	AuthWindow        time.Duration
	Cooldown          time.Duration
	HealthWindow      int
}

// DefaultTriggers returns the trigger set used when none is configured.
func DefaultTriggers() Triggers {
	return Triggers{
		ConsecutiveErrors: DefaultConsecutiveErrors,
		AuthFailures:      DefaultAuthFailures,
		AuthWindow:        DefaultAuthWindow,
		Cooldown:          DefaultCooldown,
		HealthWindow:      DefaultHealthWindow,
	}
}

func (t Triggers) withDefaults() Triggers {
	d := DefaultTriggers()

	if t.ConsecutiveErrors == 0 {
		t.ConsecutiveErrors = d.ConsecutiveErrors
	}

	if t.AuthFailures == 0 {
		t.AuthFailures = d.AuthFailures
	}

	if t.AuthWindow <= 0 {
		t.AuthWindow = d.AuthWindow
	}

	if t.Cooldown <= 0 {
		t.Cooldown = d.Cooldown
	}

	if t.HealthWindow <= 0 {
		t.HealthWindow = d.HealthWindow
	}

	return t
}

// Health is a read-only snapshot of one provider's health record.
type Health struct {
	ProviderID        string    `json:"provider_id"`
	State             State     `json:"state"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	SuccessCount      int       `json:"success_count"`
	FailureCount      int       `json:"failure_count"`
	TotalRequests     int       `json:"total_requests"`
	SuccessRate       float64   `json:"success_rate"`
	CooldownUntil     time.Time `json:"cooldown_until,omitempty"`
	LastFailureAt     time.Time `json:"last_failure_at,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
	LastStatus        int       `json:"last_status,omitempty"`
}

type healthRecord struct {
	mu sync.Mutex

	id                string
	state             State
	consecutiveErrors int
	successCount      int
	failureCount      int
	totalRequests     int
	cooldownUntil     time.Time
	lastFailureAt     time.Time
	lastError         string
	lastStatus        int

	authFailures []time.Time
	window       []bool // ring of recent outcomes, true = success
	windowNext   int
}

// expire moves a cooled-down record back to HEALTHY. Caller holds mu.
func (r *healthRecord) expire(now time.Time) {
	if r.state == StateCooldown && !now.Before(r.cooldownUntil) {
		r.state = StateHealthy
		r.cooldownUntil = time.Time{}
	}
}

func (r *healthRecord) observe(success bool, size int) {
	if len(r.window) < size {
		r.window = append(r.window, success)
		return
	}

	r.window[r.windowNext] = success
	r.windowNext = (r.windowNext + 1) % size
}

// successRate is computed over the recent window. Unknown providers score 1.
func (r *healthRecord) successRate() float64 {
	if len(r.window) == 0 {
		return 1
	}

	ok := 0

	for _, s := range r.window {
		if s {
			ok++
		}
	}

	return float64(ok) / float64(len(r.window))
}

func (r *healthRecord) snapshot() Health {
	return Health{
		ProviderID:        r.id,
		State:             r.state,
		ConsecutiveErrors: r.consecutiveErrors,
		SuccessCount:      r.successCount,
		FailureCount:      r.failureCount,
		TotalRequests:     r.totalRequests,
		SuccessRate:       r.successRate(),
		CooldownUntil:     r.cooldownUntil,
		LastFailureAt:     r.lastFailureAt,
		LastError:         r.lastError,
		LastStatus:        r.lastStatus,
	}
}

// HealthRegistry owns every provider health record. Records are created on
// first reference, never deleted, and each one is guarded by its own mutex.
type HealthRegistry struct {
	triggers Triggers
	now      func() time.Time

	mu      sync.Mutex
	records map[string]*healthRecord
}

func NewHealthRegistry(triggers Triggers, now func() time.Time) *HealthRegistry {
	if now == nil {
		now = time.Now
	}

	return &HealthRegistry{
		triggers: triggers.withDefaults(),
		now:      now,
		records:  make(map[string]*healthRecord),
	}
}

func (h *HealthRegistry) record(id string) *healthRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.records[id]
	if !ok {
		r = &healthRecord{id: id, state: StateHealthy}
		h.records[id] = r
	}

	return r
}

// Record applies one call outcome and reports whether it tripped cooldown.
func (h *HealthRegistry) Record(id string, success bool, errMessage string, statusCode int) bool {
	r := h.record(id)
	now := h.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.expire(now)
	r.totalRequests++
	r.lastStatus = statusCode
	r.observe(success, h.triggers.HealthWindow)

	if success {
		r.successCount++
		r.consecutiveErrors = 0

		// A success never ends cooldown early.
		if r.state == StateDegraded {
			r.state = StateHealthy
		}

		return false
	}

	r.failureCount++
	r.consecutiveErrors++
	r.lastFailureAt = now
	r.lastError = errMessage

	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		r.authFailures = append(r.authFailures, now)
	}

	r.authFailures = pruneBefore(r.authFailures, now.Add(-h.triggers.AuthWindow))

	if r.state == StateCooldown {
		return false
	}

	if h.tripped(r) {
		r.state = StateCooldown
		r.cooldownUntil = now.Add(h.triggers.Cooldown)

		return true
	}

	r.state = StateDegraded

	return false
}

func (h *HealthRegistry) tripped(r *healthRecord) bool {
	if n := h.triggers.ConsecutiveErrors; n > 0 && r.consecutiveErrors >= n {
		return true
	}

	if n := h.triggers.AuthFailures; n > 0 && len(r.authFailures) >= n {
		return true
	}

	return false
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}

	return times[i:]
}

// Available reports whether the provider may be routed to.
func (h *HealthRegistry) Available(id string) bool {
	r := h.record(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.expire(h.now())

	return r.state != StateCooldown
}

// SuccessRate returns the provider's success rate over the recent window.
func (h *HealthRegistry) SuccessRate(id string) float64 {
	r := h.record(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.successRate()
}

// Get returns a snapshot of the provider's record.
func (h *HealthRegistry) Get(id string) Health {
	r := h.record(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.expire(h.now())

	return r.snapshot()
}

// All returns snapshots of every known record, sorted by provider id.
func (h *HealthRegistry) All() []Health {
	h.mu.Lock()
	ids := make([]string, 0, len(h.records))
	for id := range h.records {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	sort.Strings(ids)

	out := make([]Health, 0, len(ids))
	for _, id := range ids {
		out = append(out, h.Get(id))
	}

	return out
}

// Reset clears a provider's record back to HEALTHY.
func (h *HealthRegistry) Reset(id string) {
	r := h.record(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.state = StateHealthy
	r.consecutiveErrors = 0
	r.successCount = 0
	r.failureCount = 0
	r.totalRequests = 0
	r.cooldownUntil = time.Time{}
	r.lastFailureAt = time.Time{}
	r.lastError = ""
	r.lastStatus = 0
	r.authFailures = nil
	r.window = nil
	r.windowNext = 0
}
