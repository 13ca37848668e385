// Package cache implements the response cache as an explicit cache-aside
// wrapper over a pluggable key/expiry store.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/docchat/backend/internal/metrics"
	"github.com/docchat/backend/pkg/logger"
)

// ComputeTimeout bounds a shared compute call in Fetch.
var ComputeTimeout = 2 * time.Minute

// Store is a key/expiry byte store. Get must never return an entry past its
// expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// Namespace is one independently expiring region of a Store, e.g. the
// document listing or chat answers.
type Namespace struct {
	name   string
	prefix string
	ttl    time.Duration
	store  Store
	group  singleflight.Group
}

func NewNamespace(store Store, rootPrefix, name string, ttl time.Duration) *Namespace {
	return &Namespace{
		name:   name,
		prefix: fmt.Sprintf("%s:%s:", rootPrefix, name),
		ttl:    ttl,
		store:  store,
	}
}

func (n *Namespace) Name() string { return n.name }

func (n *Namespace) TTL() time.Duration { return n.ttl }

func (n *Namespace) key(fingerprint string) string {
	return n.prefix + fingerprint
}

// Invalidate drops every entry in the namespace.
func (n *Namespace) Invalidate(ctx context.Context) error {
	if err := n.store.DeletePrefix(ctx, n.prefix); err != nil {
		return fmt.Errorf("failed to invalidate %s cache: %w", n.name, err)
	}
	logger.Info("Cache namespace invalidated", zap.String("namespace", n.name))
	return nil
}

// Fetch returns the cached value for fingerprint, or runs compute, stores its
// result for the namespace TTL and returns it. Concurrent misses on the same
// fingerprint share a single compute call. Errors from compute are returned
// as-is and never cached. Store failures degrade to a miss or a skipped
// write; they are logged, not returned.
func Fetch[T any](ctx context.Context, n *Namespace, fingerprint string, compute func(context.Context) (T, error)) (T, bool, error) {
	key := n.key(fingerprint)

	if v, ok := lookup[T](ctx, n, key); ok {
		metrics.CacheHits.WithLabelValues(n.name).Inc()
		return v, true, nil
	}
	metrics.CacheMisses.WithLabelValues(n.name).Inc()

	type result struct {
		v   T
		hit bool
	}

	// The shared call outlives any single caller: it runs detached from the
	// caller that started it, and each caller stops waiting on its own ctx.
	ch := n.group.DoChan(key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ComputeTimeout)
		defer cancel()

		// A call that finished between our lookup and DoChan may have filled
		// the entry already.
		if v, ok := lookup[T](ctx, n, key); ok {
			return result{v: v, hit: true}, nil
		}

		v, err := compute(ctx)
		if err != nil {
			return result{}, err
		}

		data, err := json.Marshal(v)
		if err != nil {
			logger.Warn("Failed to encode cache entry", zap.String("namespace", n.name), zap.Error(err))
			return result{v: v}, nil
		}
		if err := n.store.Set(ctx, key, data, n.ttl); err != nil {
			logger.Warn("Failed to write cache entry", zap.String("namespace", n.name), zap.Error(err))
		}
		return result{v: v}, nil
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, false, res.Err
		}
		r := res.Val.(result)
		return r.v, r.hit, nil
	}
}

func lookup[T any](ctx context.Context, n *Namespace, key string) (T, bool) {
	var v T

	data, ok, err := n.store.Get(ctx, key)
	if err != nil {
		logger.Warn("Cache read failed, treating as miss", zap.String("namespace", n.name), zap.Error(err))
		return v, false
	}
	if !ok {
		return v, false
	}

	if err := json.Unmarshal(data, &v); err != nil {
		logger.Warn("Discarding undecodable cache entry", zap.String("namespace", n.name), zap.Error(err))
		return v, false
	}

	logger.Debug("Cache hit", zap.String("namespace", n.name))
	return v, true
}
