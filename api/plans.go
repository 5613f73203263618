package api

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/bloodbank-engine/engine"
)

// ErrPlanNotFound is returned for unknown, expired or already applied plans.
var ErrPlanNotFound = errors.New("plan not found")

// DefaultPlanTTL bounds how long a proposal stays approvable.
const DefaultPlanTTL = 15 * time.Minute

// =============================================================================
// PLAN CACHE
// =============================================================================

// PlanCache holds proposals between the plan and apply phases.
// A plan can be applied at most once: Take removes it.
type PlanCache struct {
	mu    sync.Mutex
	plans map[uuid.UUID]cachedPlan
	ttl   time.Duration
	now   func() time.Time
}

type cachedPlan struct {
	plan      engine.Plan
	expiresAt time.Time
}

// NewPlanCache creates a cache. ttl <= 0 means DefaultPlanTTL.
func NewPlanCache(ttl time.Duration, now func() time.Time) *PlanCache {
	if ttl <= 0 {
		ttl = DefaultPlanTTL
	}
	if now == nil {
		now = time.Now
	}
	return &PlanCache{plans: make(map[uuid.UUID]cachedPlan), ttl: ttl, now: now}
}

// Put stores p and returns its ID and expiry.
func (c *PlanCache) Put(p engine.Plan) (uuid.UUID, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictLocked()
	id := uuid.New()
	exp := c.now().Add(c.ttl)
	c.plans[id] = cachedPlan{plan: p, expiresAt: exp}
	return id, exp
}

// Get returns a live plan without consuming it.
func (c *PlanCache) Get(id string) (engine.Plan, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, cp, err := c.lookupLocked(id)
	if err != nil {
		return engine.Plan{}, time.Time{}, err
	}
	return cp.plan, cp.expiresAt, nil
}

// Take returns a live plan and removes it.
func (c *PlanCache) Take(id string) (engine.Plan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key, cp, err := c.lookupLocked(id)
	if err != nil {
		return engine.Plan{}, err
	}
	delete(c.plans, key)
	return cp.plan, nil
}

// Len reports the number of live plans.
func (c *PlanCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked()
	return len(c.plans)
}

func (c *PlanCache) lookupLocked(id string) (uuid.UUID, cachedPlan, error) {
	key, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, cachedPlan{}, ErrPlanNotFound
	}
	cp, ok := c.plans[key]
	if !ok {
		return uuid.Nil, cachedPlan{}, ErrPlanNotFound
	}
	if !c.now().Before(cp.expiresAt) {
		delete(c.plans, key)
		return uuid.Nil, cachedPlan{}, ErrPlanNotFound
	}
	return key, cp, nil
}

func (c *PlanCache) evictLocked() {
	now := c.now()
	for k, cp := range c.plans {
		if !now.Before(cp.expiresAt) {
			delete(c.plans, k)
		}
	}
}
