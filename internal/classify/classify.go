// Package classify implements the request classifier: given
// a request's path and decoded routing rules, it decides whether the
// request is blocked, passed through untouched, or handed to the
// provider-selection path. The request method is not consulted.
//
// Rules are pre-compiled into an immutable Classifier, rebuilt
// wholesale on reload, and evaluated in declared order — first match
// wins.
package classify

import (
	"fmt"
	"sync"

	"github.com/ccrelay/ccrelay/internal/config"
	"github.com/ccrelay/ccrelay/internal/match"
)

// Kind is the outcome of classifying a request.
type Kind int

const (
	// KindBlock means the request never reaches an upstream; the rule's
	// canned response is returned directly.
	KindBlock Kind = iota
	// KindPassthrough means the request is forwarded verbatim to the
	// default provider, skipping transformation.
	KindPassthrough
	// KindRoute means the request is forwarded through the normal
	// provider-selection + transformation path.
	KindRoute
)

func (k Kind) String() string {
	switch k {
	case KindBlock:
		return "block"
	case KindPassthrough:
		return "passthrough"
	case KindRoute:
		return "route"
	default:
		return "unknown"
	}
}

// Decision is the result of classifying one request.
type Decision struct {
	Kind Kind

	// Set when Kind == KindBlock.
	StatusCode   int
	ResponseBody string

	// Set when Kind == KindPassthrough or KindRoute.
	ProviderID    string
	RouteQueueKey string

	// Rule is the matched rule's path pattern, for logging.
	Rule string
}

type compiledRule struct {
	pattern *match.Pattern
	rule    config.RouteRule
}

// Classifier evaluates routing rules against incoming requests. It is
// rebuilt wholesale (New) on every config reload and swapped in by the
// caller — Classifier itself holds no mutable rule state, only
// precompiled patterns, so it's safe to share across goroutines
// without locking.
type Classifier struct {
	block       []compiledRule
	passthrough []compiledRule
	route       []compiledRule

	defaultProviderID string
	defaultRouteKey   string
}

// defaultRouteQueueKey is used when no route rule names one explicitly.
const defaultRouteQueueKey = "default"

// New compiles a Classifier from a routing config snapshot. The
// snapshot's defaultProvider seeds the fallback Route decision; it is
// captured here, not re-read live, per the "readers snapshot at task
// start" rule in — callers needing the live current
// provider should use a ProviderSelector instead of relying on this
// default.
func New(routing config.RoutingConfig, defaultProviderID string) (*Classifier, error) {
	c := &Classifier{defaultProviderID: defaultProviderID, defaultRouteKey: defaultRouteQueueKey}

	var err error
	if c.block, err = compileRules(routing.Block); err != nil {
		return nil, fmt.Errorf("compiling block rules: %w", err)
	}
	if c.passthrough, err = compileRules(routing.Passthrough); err != nil {
		return nil, fmt.Errorf("compiling passthrough rules: %w", err)
	}
	if c.route, err = compileRules(routing.Route); err != nil {
		return nil, fmt.Errorf("compiling route rules: %w", err)
	}

	return c, nil
}

func compileRules(rules []config.RouteRule) ([]compiledRule, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		p, err := match.Compile(r.Path)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, compiledRule{pattern: p, rule: r})
	}
	return compiled, nil
}

// Classify evaluates path against the compiled rule set in kind order:
// block, then passthrough, then route. currentProvider is the snapshot
// of the process-wide provider selector, used only for the no-match
// default.
func (c *Classifier) Classify(path string, currentProvider string) Decision {
	for _, cr := range c.block {
		if cr.pattern.Match(path) {
			code := cr.rule.ResponseCode
			if code == 0 {
				code = 200
			}
			return Decision{
				Kind:         KindBlock,
				StatusCode:   code,
				ResponseBody: cr.rule.ResponseBody,
				Rule:         cr.rule.Path,
			}
		}
	}

	for _, cr := range c.passthrough {
		if cr.pattern.Match(path) {
			providerID := cr.rule.ProviderID
			if providerID == "" {
				providerID = c.defaultProviderID
			}
			return Decision{
				Kind:          KindPassthrough,
				ProviderID:    providerID,
				RouteQueueKey: routeKeyOrDefault(cr.rule.RouteQueue),
				Rule:          cr.rule.Path,
			}
		}
	}

	for _, cr := range c.route {
		if cr.pattern.Match(path) {
			providerID := cr.rule.ProviderID
			if providerID == "" {
				providerID = currentProvider
			}
			return Decision{
				Kind:          KindRoute,
				ProviderID:    providerID,
				RouteQueueKey: routeKeyOrDefault(cr.rule.RouteQueue),
				Rule:          cr.rule.Path,
			}
		}
	}

	// No rule matched — default to Route against the current provider,
	// on the default queue.
	provider := currentProvider
	if provider == "" {
		provider = c.defaultProviderID
	}
	return Decision{
		Kind:          KindRoute,
		ProviderID:    provider,
		RouteQueueKey: c.defaultRouteKey,
	}
}

func routeKeyOrDefault(key string) string {
	if key == "" {
		return defaultRouteQueueKey
	}
	return key
}

// ProviderSelector holds the process-wide "current provider" id as a
// single atomic cell ( design note). Readers call Get() once
// per request at task start and keep the snapshot for the request's
// lifetime; a Set() mid-flight never affects an in-progress task.
type ProviderSelector struct {
	mu  sync.RWMutex
	cur string
}

// NewProviderSelector creates a selector seeded with the given id.
func NewProviderSelector(initial string) *ProviderSelector {
	return &ProviderSelector{cur: initial}
}

// Get returns the current provider id.
func (s *ProviderSelector) Get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Set atomically switches the current provider id and returns the
// previous value.
func (s *ProviderSelector) Set(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cur
	s.cur = id
	return prev
}
