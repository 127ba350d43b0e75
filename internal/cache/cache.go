// Package cache stores non-streaming responses keyed by the resolved target
// and the canonical request envelope.
//
// Two backends are available:
//   - RedisStore: shared across replicas, recommended for production.
//   - MemoryStore: in-process TTL store for single-instance deployments.
//
// Both degrade gracefully: a failing backend behaves like a miss.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/nulpointcorp/routegate/internal/translator"
)

// Store is a byte-oriented TTL store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Key derives the cache key of env sent to target ("provider/model"). The
// client format and the stream flag do not take part.
func Key(target string, env *translator.Envelope) string {
	h := sha256.New()
	h.Write([]byte(target))
	h.Write([]byte{0})
	_ = json.NewEncoder(h).Encode(struct {
		Messages []translator.Message `json:"m"`
		Params   translator.Params    `json:"p"`
	}{env.Messages, env.Params})
	return hex.EncodeToString(h.Sum(nil))
}

// Responses caches canonical responses on top of a Store.
type Responses struct {
	store      Store
	ttl        time.Duration
	exclusions *ExclusionList
}

// NewResponses returns a response cache. A nil store disables caching.
func NewResponses(store Store, ttl time.Duration, exclusions *ExclusionList) *Responses {
	return &Responses{store: store, ttl: ttl, exclusions: exclusions}
}

// Cacheable reports whether a request for model may use the cache.
func (r *Responses) Cacheable(model string, env *translator.Envelope) bool {
	if r == nil || r.store == nil || env.Stream {
		return false
	}
	return !r.exclusions.Matches(model)
}

// Lookup returns a cached response for env sent to target.
func (r *Responses) Lookup(ctx context.Context, target string, env *translator.Envelope) (*translator.Response, bool) {
	data, ok := r.store.Get(ctx, Key(target, env))
	if !ok {
		return nil, false
	}
	var resp translator.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

// Save stores resp for env sent to target.
func (r *Responses) Save(ctx context.Context, target string, env *translator.Envelope, resp *translator.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, Key(target, env), data, r.ttl)
}
