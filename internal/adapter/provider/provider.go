// Package provider turns provider-specific webhook payloads into
// payment.Event values and sends refunds back through the providers.
package provider

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"estatefund-escrow/internal/domain/payment"
)

var (
	ErrMalformedPayload   = errors.New("malformed webhook payload")
	ErrUnauthorizedSource = errors.New("webhook source not authorised")
	ErrUnknownProvider    = errors.New("unknown payment provider")
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

func unauthorized(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnauthorizedSource, fmt.Sprintf(format, args...))
}

// Request is the transport-neutral view of one webhook delivery.
type Request struct {
	Body        []byte
	ContentType string
	Header      http.Header
	RemoteIP    string
}

// Ack is the body a provider expects back before it stops retrying.
type Ack struct {
	ContentType string
	Body        []byte
}

type Normalizer interface {
	Name() string
	// Normalize returns (nil, nil) for event kinds the engine ignores; those
	// are acknowledged without processing.
	Normalize(req Request) (*payment.Event, error)
	Ack() Ack
}

// SourcePolicy is an IP allow-list of exact addresses and CIDR ranges.
type SourcePolicy struct {
	prefixes []netip.Prefix
	enforce  bool
}

// NewSourcePolicy parses entries such as "195.149.229.109" or
// "148.251.96.0/27". With enforce false every address passes.
func NewSourcePolicy(entries []string, enforce bool) (*SourcePolicy, error) {
	sp := &SourcePolicy{enforce: enforce}
	for _, raw := range entries {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("allow-list entry %q: %w", s, err)
			}
			sp.prefixes = append(sp.prefixes, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("allow-list entry %q: %w", s, err)
		}
		sp.prefixes = append(sp.prefixes, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
	}
	return sp, nil
}

func (sp *SourcePolicy) Allowed(ip string) bool {
	if sp == nil || !sp.enforce {
		return true
	}
	a, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range sp.prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

type entry struct {
	n      Normalizer
	policy *SourcePolicy
}

// Registry dispatches deliveries to the normalizer registered for a provider.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewRegistry() *Registry { return &Registry{entries: map[string]entry{}} }

func (r *Registry) Register(n Normalizer, policy *SourcePolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[n.Name()] = entry{n: n, policy: policy}
}

func (r *Registry) Lookup(name string) (Normalizer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.n, ok
}

// Normalize checks the source address, then parses the payload.
func (r *Registry) Normalize(name string, req Request) (*payment.Event, Normalizer, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	if !e.policy.Allowed(req.RemoteIP) {
		return nil, e.n, unauthorized("%s delivery from %s", name, req.RemoteIP)
	}
	ev, err := e.n.Normalize(req)
	if err != nil {
		return nil, e.n, err
	}
	if ev != nil {
		ev.Provider = name
	}
	return ev, e.n, nil
}

// minorUnits converts an integer amount in cents to a decimal.
func minorUnits(v int64) decimal.Decimal { return decimal.New(v, -2) }
