package memory

import (
	"context"
	"sort"
	"sync"

	"taskpulse/internal/ratelimit"
)

type policyKey struct {
	scope  ratelimit.Scope
	key    string
	method string
}

// Policies is an in-memory ratelimit.PolicyStore.
type Policies struct {
	mu sync.RWMutex
	m  map[policyKey]ratelimit.Policy
}

func NewPolicies(seed ...ratelimit.Policy) *Policies {
	p := &Policies{m: map[policyKey]ratelimit.Policy{}}
	for _, s := range seed {
		s = s.Normalize()
		p.m[policyKey{s.Scope, s.Key, s.Method}] = s
	}
	return p
}

func (p *Policies) Find(_ context.Context, scope ratelimit.Scope, key, method string) (ratelimit.Policy, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pol, ok := p.m[policyKey{scope, key, method}]
	return pol, ok, nil
}

func (p *Policies) List(context.Context) ([]ratelimit.Policy, error) {
	p.mu.RLock()
	out := make([]ratelimit.Policy, 0, len(p.m))
	for _, pol := range p.m {
		out = append(out, pol)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Method < out[j].Method
	})
	return out, nil
}

func (p *Policies) Upsert(_ context.Context, pol ratelimit.Policy) error {
	if err := ratelimit.Validate(pol); err != nil {
		return err
	}
	p.mu.Lock()
	p.m[policyKey{pol.Scope, pol.Key, pol.Method}] = pol
	p.mu.Unlock()
	return nil
}

func (p *Policies) Delete(_ context.Context, scope ratelimit.Scope, key, method string) (bool, error) {
	k := policyKey{scope, key, method}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.m[k]
	delete(p.m, k)
	return ok, nil
}
