package toml

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	burntoml "github.com/BurntSushi/toml"

	"github.com/stellarbridge/anchor-engine-go/core/net"
	"github.com/stellarbridge/anchor-engine-go/errors"
)

const (
	defaultCacheTTL = 5 * time.Minute
	wellKnownPath   = "/.well-known/stellar.toml"
	maxTomlSize     = 1024 * 1024
)

type cacheEntry struct {
	descriptor *AnchorDescriptor
	fetchedAt  time.Time
}

// Resolver fetches and caches anchor descriptors per domain.
type Resolver struct {
	client   *net.Client
	cache    map[string]*cacheEntry
	cacheTTL time.Duration
	mu       sync.RWMutex
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithCacheTTL sets how long a resolved descriptor is served from cache.
func WithCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.cacheTTL = ttl
	}
}

// NewResolver creates a descriptor resolver backed by the given HTTP client.
func NewResolver(client *net.Client, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		client:   client,
		cache:    make(map[string]*cacheEntry),
		cacheTTL: defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve fetches the anchor descriptor for domain, serving a cached copy
// while it is fresh. Fails with DESCRIPTOR_UNAVAILABLE if the document
// cannot be fetched or parsed.
func (r *Resolver) Resolve(ctx context.Context, domain string) (*AnchorDescriptor, error) {
	r.mu.RLock()
	entry, exists := r.cache[domain]
	r.mu.RUnlock()

	if exists && time.Since(entry.fetchedAt) < r.cacheTTL {
		return entry.descriptor, nil
	}

	// Domains are normally bare hostnames; an explicit scheme is honored so
	// local test anchors can be resolved over plain HTTP.
	url := domain
	if !strings.Contains(url, "://") {
		url = "https://" + url
	}
	url = strings.TrimSuffix(url, "/") + wellKnownPath

	resp, err := r.client.Get(ctx, url)
	if err != nil {
		return nil, errors.NewCoreError(errors.DESCRIPTOR_UNAVAILABLE,
			fmt.Sprintf("failed to fetch stellar.toml from %s", domain), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, errors.NewCoreError(errors.DESCRIPTOR_UNAVAILABLE,
			fmt.Sprintf("stellar.toml fetch returned status %d", resp.StatusCode), nil).
			With("domain", domain)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTomlSize))
	if err != nil {
		return nil, errors.NewCoreError(errors.DESCRIPTOR_UNAVAILABLE, "failed to read stellar.toml response", err)
	}

	descriptor := &AnchorDescriptor{Domain: domain}
	if err := burntoml.Unmarshal(body, descriptor); err != nil {
		return nil, errors.NewCoreError(errors.DESCRIPTOR_UNAVAILABLE,
			fmt.Sprintf("failed to parse stellar.toml from %s", domain), err)
	}

	if descriptor.SigningKey != "" && !strings.HasPrefix(descriptor.SigningKey, "G") {
		return nil, errors.NewCoreError(errors.DESCRIPTOR_UNAVAILABLE,
			fmt.Sprintf("invalid SIGNING_KEY format: %s", descriptor.SigningKey), nil)
	}

	r.mu.Lock()
	r.cache[domain] = &cacheEntry{
		descriptor: descriptor,
		fetchedAt:  time.Now(),
	}
	r.mu.Unlock()

	return descriptor, nil
}

// Require asserts that the named descriptor fields are present, failing with
// DESCRIPTOR_INCOMPLETE naming the first missing field. Callers must never
// proceed with a partial descriptor into signature validation.
func Require(d *AnchorDescriptor, fields ...string) error {
	for _, name := range fields {
		if d.field(name) == "" {
			return errors.NewCoreError(errors.DESCRIPTOR_INCOMPLETE,
				fmt.Sprintf("anchor %s does not publish %s in stellar.toml", d.Domain, name), nil).
				With("domain", d.Domain).
				With("missing_field", name)
		}
	}
	return nil
}
