package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"stackpilot/internal/api"
	"stackpilot/pkg/logging"
)

// action is a destructive operation parked until its confirmation.
type action struct {
	id        string
	tenantID  string
	summary   string
	createdAt time.Time
	execute   func() (*api.CallToolResult, error)
}

// Gate holds destructive operations pending confirmation. Actions are
// tenant-scoped and expire; a confirmed action executes exactly once.
type Gate struct {
	mu      sync.Mutex
	actions map[string]action
	ttl     time.Duration
}

// NewGate creates a gate whose pending actions expire after ttl.
func NewGate(ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Gate{actions: make(map[string]action), ttl: ttl}
}

// Add parks a destructive operation and returns its action id.
func (g *Gate) Add(tenantID, summary string, execute func() (*api.CallToolResult, error)) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.sweepLocked()
	id := uuid.NewString()
	g.actions[id] = action{
		id:        id,
		tenantID:  tenantID,
		summary:   summary,
		createdAt: time.Now(),
		execute:   execute,
	}
	logging.Info("AgentGate", "Parked destructive action %s for tenant %s: %s", id, tenantID, summary)
	return id
}

// Take removes and returns the pending action. Expired, foreign-tenant,
// and unknown ids are indistinguishable: all report not found.
func (g *Gate) Take(id, tenantID string) (action, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.sweepLocked()
	a, ok := g.actions[id]
	if !ok || a.tenantID != tenantID {
		return action{}, api.NewNotFoundError("pending action", id)
	}
	delete(g.actions, id)
	return a, nil
}

func (g *Gate) sweepLocked() {
	cutoff := time.Now().Add(-g.ttl)
	for id, a := range g.actions {
		if a.createdAt.Before(cutoff) {
			delete(g.actions, id)
		}
	}
}
