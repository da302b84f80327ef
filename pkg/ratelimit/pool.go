package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for the credential pool.
var (
	credentialsAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scraper_credentials_available",
		Help: "Number of credentials currently satisfying the availability check",
	})

	credentialRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scraper_credential_remaining",
		Help: "Last observed remaining quota by credential",
	}, []string{"credential"})

	poolExhausted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scraper_pool_exhausted",
		Help: "1 while no credential is available, 0 otherwise",
	})

	credentialBorrowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scraper_credential_borrows_total",
		Help: "Total number of credentials handed out by the borrow pass",
	})

	poolExhaustionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scraper_pool_exhaustions_total",
		Help: "Total number of acquisitions that fell back to an exhausted credential",
	})

	recoverySleepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scraper_recovery_sleeps_total",
		Help: "Total number of coordinated recovery sleeps",
	})
)

// ErrNoTokens is returned when a pool is created without any credential.
var ErrNoTokens = errors.New("no credentials configured")

// Config holds the pool configuration.
type Config struct {
	// Ceiling is the quota every credential is reset to after recovery.
	Ceiling int

	// LowWaterMark is the reserve below which a credential is not handed out.
	LowWaterMark int
}

// DefaultConfig returns the GitHub REST defaults.
func DefaultConfig() Config {
	return Config{
		Ceiling:      DefaultCeiling,
		LowWaterMark: DefaultLowWaterMark,
	}
}

// SleepHook is called by the worker that starts a recovery sleep,
// before it goes to sleep and outside the pool lock.
type SleepHook func(window time.Duration, stats Stats)

// Pool owns a fixed, ordered set of credentials and hands them out to
// concurrent workers. All quota state is guarded by mu.
type Pool struct {
	mu          sync.Mutex
	credentials []*Credential
	cursor      int
	sleeping    bool
	recovered   chan struct{}
	onSleep     SleepHook

	// exhausted is only written under mu; the atomic lets
	// EnterSleepIfNeeded skip the lock on the hot path.
	exhausted atomic.Bool

	config Config
	now    func() time.Time
	logger zerolog.Logger
}

// NewPool creates a pool from the given tokens, in order.
// Blank tokens are skipped. Returns ErrNoTokens if nothing is left.
func NewPool(tokens []string, cfg Config, logger zerolog.Logger) (*Pool, error) {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	if cfg.LowWaterMark < 0 {
		return nil, fmt.Errorf("low_water_mark must be >= 0 (got %d)", cfg.LowWaterMark)
	}
	if cfg.LowWaterMark >= cfg.Ceiling {
		return nil, fmt.Errorf("low_water_mark must be below ceiling (%d >= %d)", cfg.LowWaterMark, cfg.Ceiling)
	}

	credentials := make([]*Credential, 0, len(tokens))
	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		credentials = append(credentials, &Credential{
			id:    fmt.Sprintf("token#%d", len(credentials)+1),
			token: token,
			state: QuotaState{Remaining: cfg.Ceiling},
		})
	}
	if len(credentials) == 0 {
		return nil, ErrNoTokens
	}

	p := &Pool{
		credentials: credentials,
		config:      cfg,
		now:         time.Now,
		logger:      logger,
	}
	credentialsAvailable.Set(float64(len(credentials)))
	poolExhausted.Set(0)

	logger.Info().Int("credentials", len(credentials)).Msg("Credential pool initialized")
	return p, nil
}

// SetClock replaces the time source (for testing).
func (p *Pool) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// SetSleepHook registers a callback for the start of a recovery sleep.
func (p *Pool) SetSleepHook(hook SleepHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSleep = hook
}

// Size returns the number of credentials in the pool.
func (p *Pool) Size() int {
	return len(p.credentials)
}

// Acquire returns a credential to use for the next call. It never blocks and
// never fails: when nothing is available it marks the pool exhausted and
// returns the first credential, whose call is then expected to be rejected.
func (p *Pool) Acquire() *Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	n := len(p.credentials)

	// Primary pass: rotation order from the cursor.
	for i := 0; i < n; i++ {
		c := p.credentials[p.cursor]
		p.cursor = (p.cursor + 1) % n
		if p.availableLocked(c, now) {
			return p.issueLocked(c)
		}
	}

	// Borrow pass: any available credential, cursor untouched.
	for _, c := range p.credentials {
		if p.availableLocked(c, now) {
			credentialBorrowsTotal.Inc()
			p.logger.Info().
				Str("credential", c.id).
				Int("remaining", c.state.Remaining).
				Msg("Borrowed credential from pool")
			return p.issueLocked(c)
		}
	}

	p.setExhaustedLocked(true)
	poolExhaustionsTotal.Inc()
	c := p.credentials[0]
	c.state.Requests++
	p.logger.Warn().
		Str("credential", c.id).
		Msg("All credentials exhausted, handing out first credential")
	return c
}

// Update overwrites the quota state of c with the latest observed values.
// A zero resetAt clears the reset time.
func (p *Pool) Update(c *Credential, remaining int, resetAt time.Time) {
	if remaining < 0 {
		remaining = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateLocked(c, remaining, resetAt)
}

// MarkRateLimited takes c out of rotation after the platform rejected a call
// made with it. A future reset time already recorded for c is kept, otherwise
// the credential is benched for penalty.
func (p *Pool) MarkRateLimited(c *Credential, penalty time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	resetAt := c.state.ResetAt
	if !resetAt.After(now) {
		resetAt = now.Add(penalty)
	}
	p.updateLocked(c, 0, resetAt)
}

func (p *Pool) updateLocked(c *Credential, remaining int, resetAt time.Time) {
	c.state.Remaining = remaining
	c.state.ResetAt = resetAt
	credentialRemaining.WithLabelValues(c.id).Set(float64(remaining))

	available := p.availableCountLocked(p.now())
	p.setExhaustedLocked(available == 0)

	logEvent := p.logger.Debug()
	if remaining <= p.config.LowWaterMark {
		logEvent = p.logger.Warn()
	}
	logEvent.
		Str("credential", c.id).
		Int("remaining", remaining).
		Time("reset_at", resetAt).
		Int("available", available).
		Msg("Credential quota updated")
}

// IsExhausted reports whether no credential is currently available.
func (p *Pool) IsExhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exhausted.Load() && !p.sleeping && p.availableCountLocked(p.now()) > 0 {
		// A reset time elapsed since the flag was raised.
		p.setExhaustedLocked(false)
	}
	return p.exhausted.Load()
}

// Available returns the number of credentials currently available.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availableCountLocked(p.now())
}

// EnterSleepIfNeeded performs the coordinated recovery when the pool is
// exhausted. The first caller of an exhaustion episode sleeps for window and
// then resets every credential to the ceiling; callers arriving during that
// sleep wait for it to finish instead of sleeping again. Returns true if this
// caller performed the sleep. Cancelling ctx aborts the wait without a reset.
func (p *Pool) EnterSleepIfNeeded(ctx context.Context, window time.Duration) (bool, error) {
	if !p.exhausted.Load() {
		return false, nil
	}

	p.mu.Lock()
	if !p.exhausted.Load() {
		p.mu.Unlock()
		return false, nil
	}
	if p.sleeping {
		recovered := p.recovered
		p.mu.Unlock()
		select {
		case <-recovered:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if p.availableCountLocked(p.now()) > 0 {
		p.setExhaustedLocked(false)
		p.mu.Unlock()
		return false, nil
	}

	p.sleeping = true
	recovered := make(chan struct{})
	p.recovered = recovered
	hook := p.onSleep
	stats := p.statsLocked(p.now())
	p.mu.Unlock()

	recoverySleepsTotal.Inc()
	p.logger.Warn().
		Dur("window", window).
		Int("credentials", len(p.credentials)).
		Msg("All credentials exhausted, entering recovery sleep")
	if hook != nil {
		hook(window, stats)
	}

	timer := time.NewTimer(window)
	defer timer.Stop()

	var sleepErr error
	select {
	case <-timer.C:
	case <-ctx.Done():
		sleepErr = ctx.Err()
	}

	p.mu.Lock()
	if sleepErr == nil {
		for _, c := range p.credentials {
			c.state.reset(p.config.Ceiling)
			credentialRemaining.WithLabelValues(c.id).Set(float64(p.config.Ceiling))
		}
		p.setExhaustedLocked(false)
	}
	p.sleeping = false
	p.recovered = nil
	close(recovered)
	p.mu.Unlock()

	if sleepErr != nil {
		p.logger.Warn().Err(sleepErr).Msg("Recovery sleep aborted")
		return true, sleepErr
	}

	p.logger.Info().
		Int("ceiling", p.config.Ceiling).
		Msg("Recovery sleep finished, credentials reset")
	return true, nil
}

// availableLocked applies an elapsed reset lazily and evaluates availability.
func (p *Pool) availableLocked(c *Credential, now time.Time) bool {
	if c.state.HasReset(now) {
		c.state.reset(p.config.Ceiling)
	}
	return c.state.IsAvailable(now, p.config.LowWaterMark)
}

func (p *Pool) availableCountLocked(now time.Time) int {
	count := 0
	for _, c := range p.credentials {
		if p.availableLocked(c, now) {
			count++
		}
	}
	credentialsAvailable.Set(float64(count))
	return count
}

func (p *Pool) issueLocked(c *Credential) *Credential {
	c.state.Requests++
	p.setExhaustedLocked(false)
	p.logger.Debug().
		Str("credential", c.id).
		Int("remaining", c.state.Remaining).
		Msg("Using credential")
	return c
}

func (p *Pool) setExhaustedLocked(exhausted bool) {
	p.exhausted.Store(exhausted)
	if exhausted {
		poolExhausted.Set(1)
	} else {
		poolExhausted.Set(0)
	}
}
