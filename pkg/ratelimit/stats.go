package ratelimit

import (
	"time"
)

// CredentialStats is a point-in-time view of one credential.
type CredentialStats struct {
	ID        string    `json:"id"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at,omitempty"`
	Requests  int       `json:"requests"`
	Available bool      `json:"available"`
}

// Stats is a point-in-time view of the whole pool.
type Stats struct {
	Total         int               `json:"total"`
	Available     int               `json:"available"`
	Exhausted     int               `json:"exhausted"`
	TotalRequests int               `json:"total_requests"`
	Sleeping      bool              `json:"sleeping"`
	Credentials   []CredentialStats `json:"credentials"`
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked(p.now())
}

func (p *Pool) statsLocked(now time.Time) Stats {
	stats := Stats{
		Total:       len(p.credentials),
		Sleeping:    p.sleeping,
		Credentials: make([]CredentialStats, 0, len(p.credentials)),
	}

	for _, c := range p.credentials {
		available := p.availableLocked(c, now)
		if available {
			stats.Available++
		} else {
			stats.Exhausted++
		}
		stats.TotalRequests += c.state.Requests
		stats.Credentials = append(stats.Credentials, CredentialStats{
			ID:        c.id,
			Remaining: c.state.Remaining,
			ResetAt:   c.state.ResetAt,
			Requests:  c.state.Requests,
			Available: available,
		})
	}

	return stats
}

// State returns a copy of the quota state of c.
func (p *Pool) State(c *Credential) QuotaState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return c.state
}
