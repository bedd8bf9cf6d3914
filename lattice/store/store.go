// Package store implements the claims & link store: a replicated
// mapping from typed keys (claims/<subject>, link/<source>/<ns>/<pkg>/
// <link_name>, config/<name>, alias/<alias>) to values, backed by Redis
// hashes for durability and a RWMutex-guarded local cache for reads.
// Grounded in agent/discovery/registry.go's CapabilityRegistry: a
// map+RWMutex cache with an event-handler fan-out, generalized from
// agent capability bookkeeping to link/claims/config replication, plus
// an optional durable sqlite mirror (lattice/store/durable) for
// single-node operation without a reachable Redis.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wasmlattice/wasmlatticed/config"
	"github.com/wasmlattice/wasmlatticed/internal/metrics"
	"github.com/wasmlattice/wasmlatticed/internal/retry"
	"github.com/wasmlattice/wasmlatticed/lattice"
)

const (
	claimsHashKey = "store.claims"
	linkHashKey   = "store.link"
	configHashKey = "store.config"
	aliasHashKey  = "store.alias"
	changeSubject = "store.changes"
)

// EventType enumerates the change notifications the store emits.
type EventType string

const (
	LinkPut    EventType = "link_put"
	LinkDelete EventType = "link_delete"
	LinkUpdate EventType = "link_update" // synthetic, fired on a config put for every link that references it
)

// Event is one change notification. LinkKey is always populated; Link
// is populated for LinkPut/LinkUpdate and for LinkDelete when the
// deleted link was known locally.
type Event struct {
	Type    EventType     `json:"type"`
	LinkKey string        `json:"link_key"`
	Link    lattice.Link  `json:"link"`
	Origin  string        `json:"origin"` // host id that authored the write
}

// Handler observes store change events. Handlers run synchronously, in
// registration order, on the goroutine that either issued the local
// write or drained the change subject for a remote one; a slow handler
// throttles that goroutine, not the whole store.
type Handler func(Event)

// DurableMirror optionally persists the four namespaces so a
// single-node lattice survives a host restart without a reachable
// Redis. lattice/store/durable implements this over gorm+sqlite.
type DurableMirror interface {
	SaveLink(link lattice.Link) error
	DeleteLink(key string) error
	SaveClaims(c lattice.Claims) error
	SaveConfig(c lattice.Config) error
	SaveAlias(alias, componentID string) error
	LoadAll() (links []lattice.Link, claimsList []lattice.Claims, configs []lattice.Config, aliases map[string]string, err error)
}

// Store is the claims & link store for one host.
type Store struct {
	rdb     *redis.Client
	prefix  string
	hostID  string
	durable DurableMirror
	retry   retry.Policy
	logger  *zap.Logger
	metrics *metrics.Collector

	mu      sync.RWMutex
	claims  map[string]lattice.Claims
	links   map[string]lattice.Link
	configs map[string]lattice.Config
	aliases map[string]string

	handlerMu sync.RWMutex
	handlers  []Handler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Store at construction.
type Option func(*Store)

// WithDurableMirror attaches a DurableMirror and hydrates the in-memory
// cache from it immediately.
func WithDurableMirror(d DurableMirror) Option {
	return func(s *Store) { s.durable = d }
}

// WithMetrics attaches a metrics collector for cache hit/miss and
// write-retry counters.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Store) { s.metrics = m }
}

// New constructs a Store for one host within latticeID, scoped under
// the same "<latticeID>." subject prefix the fabric client uses.
func New(cfg config.StoreConfig, latticeID, hostID string, logger *zap.Logger, opts ...Option) *Store {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	s := &Store{
		rdb:     rdb,
		prefix:  latticeID + ".",
		hostID:  hostID,
		logger:  logger.With(zap.String("component", "store")),
		claims:  make(map[string]lattice.Claims),
		links:   make(map[string]lattice.Link),
		configs: make(map[string]lattice.Config),
		aliases: make(map[string]string),
		retry: retry.Policy{
			MaxRetries:   cfg.WriteRetries,
			InitialDelay: cfg.RetryBaseDelay,
			MaxDelay:     maxDelayFor(cfg.RetryBaseDelay, cfg.WriteRetries),
			Multiplier:   2.0,
			Jitter:       true,
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.durable != nil {
		if err := s.hydrateFromDurable(); err != nil {
			s.logger.Warn("failed to hydrate cache from durable mirror", zap.Error(err))
		}
	}

	return s
}

// maxDelayFor bounds the backoff ceiling at a small multiple of the
// base delay and retry count, capped at 2 seconds.
func maxDelayFor(base time.Duration, retries int) time.Duration {
	ceiling := 2 * time.Second
	d := base * time.Duration(retries+1)
	if d > ceiling {
		return ceiling
	}
	return d
}

func (s *Store) subject(name string) string { return s.prefix + name }

func (s *Store) hydrateFromDurable() error {
	links, claimsList, configs, aliases, err := s.durable.LoadAll()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range links {
		s.links[l.Key()] = l
	}
	for _, c := range claimsList {
		s.claims[c.Subject] = c
	}
	for _, c := range configs {
		s.configs[c.Name] = c
	}
	for alias, id := range aliases {
		s.aliases[alias] = id
	}
	return nil
}

// Start begins draining this lattice's change subject so remote writes
// (from other hosts) update the local cache and fire handlers. Local
// writes through this Store already update the cache and fire handlers
// synchronously; Start filters out self-originated echoes by Origin.
func (s *Store) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	sub := s.rdb.Subscribe(ctx, s.subject(changeSubject))
	ch := sub.Channel()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				s.handleRemoteEvent([]byte(msg.Payload))
			}
		}
	}()

	return nil
}

func (s *Store) handleRemoteEvent(raw []byte) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		s.logger.Warn("failed to decode store change event", zap.Error(err))
		return
	}
	if ev.Origin == s.hostID {
		return // already applied synchronously by the local write path
	}

	s.mu.Lock()
	switch ev.Type {
	case LinkPut, LinkUpdate:
		s.links[ev.LinkKey] = ev.Link
	case LinkDelete:
		delete(s.links, ev.LinkKey)
	}
	s.mu.Unlock()

	s.fireHandlers(ev)
}

// Subscribe registers handler for every future change event (local and
// remote) and returns the handler's position in the handler list. A
// registered handler cannot be removed.
func (s *Store) Subscribe(handler Handler) int {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handlers = append(s.handlers, handler)
	return len(s.handlers) - 1
}

func (s *Store) fireHandlers(ev Event) {
	s.handlerMu.RLock()
	handlers := make([]Handler, len(s.handlers))
	copy(handlers, s.handlers)
	s.handlerMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("store event handler panicked", zap.Any("recover", r))
				}
			}()
			h(ev)
		}()
	}
}

// PutLink asserts link into the store. On success, GetLinks reflects it
// and every registered handler has observed a LinkPut event exactly
// once before PutLink returns.
func (s *Store) PutLink(ctx context.Context, link lattice.Link) error {
	payload, err := json.Marshal(link)
	if err != nil {
		return fmt.Errorf("store: marshal link: %w", err)
	}

	if err := s.writeWithRetry(ctx, linkHashKey, func() error {
		return s.rdb.HSet(ctx, s.subject(linkHashKey), link.Key(), payload).Err()
	}); err != nil {
		return err
	}

	if s.durable != nil {
		if err := s.durable.SaveLink(link); err != nil {
			s.logger.Warn("durable mirror: save link failed", zap.Error(err))
		}
	}

	s.mu.Lock()
	s.links[link.Key()] = link
	s.mu.Unlock()

	ev := Event{Type: LinkPut, LinkKey: link.Key(), Link: link, Origin: s.hostID}
	s.publishBestEffort(ctx, ev)
	s.fireHandlers(ev)
	return nil
}

// RemoveLink retracts the link identified by the given key components.
// After it returns, GetLinks no longer contains the link and every
// handler has observed a LinkDelete exactly once.
func (s *Store) RemoveLink(ctx context.Context, sourceID, ns, pkg, linkName string) error {
	key := lattice.Link{SourceID: sourceID, Namespace: ns, Package: pkg, LinkName: linkName}.Key()

	s.mu.RLock()
	existing, known := s.links[key]
	s.mu.RUnlock()

	if err := s.writeWithRetry(ctx, linkHashKey, func() error {
		return s.rdb.HDel(ctx, s.subject(linkHashKey), key).Err()
	}); err != nil {
		return err
	}

	if s.durable != nil {
		if err := s.durable.DeleteLink(key); err != nil {
			s.logger.Warn("durable mirror: delete link failed", zap.Error(err))
		}
	}

	s.mu.Lock()
	delete(s.links, key)
	s.mu.Unlock()

	ev := Event{Type: LinkDelete, LinkKey: key, Origin: s.hostID}
	if known {
		ev.Link = existing
	}
	s.publishBestEffort(ctx, ev)
	s.fireHandlers(ev)
	return nil
}

// PutClaims records a signed token's decoded claims, keyed by subject.
func (s *Store) PutClaims(ctx context.Context, c lattice.Claims) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("store: marshal claims: %w", err)
	}
	if err := s.writeWithRetry(ctx, claimsHashKey, func() error {
		return s.rdb.HSet(ctx, s.subject(claimsHashKey), c.Subject, payload).Err()
	}); err != nil {
		return err
	}
	if s.durable != nil {
		if err := s.durable.SaveClaims(c); err != nil {
			s.logger.Warn("durable mirror: save claims failed", zap.Error(err))
		}
	}
	s.mu.Lock()
	s.claims[c.Subject] = c
	s.mu.Unlock()
	return nil
}

// PutConfig writes a named config and forces re-binding of every link
// that references it by emitting a synthetic LinkUpdate for each.
func (s *Store) PutConfig(ctx context.Context, c lattice.Config) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("store: marshal config: %w", err)
	}
	if err := s.writeWithRetry(ctx, configHashKey, func() error {
		return s.rdb.HSet(ctx, s.subject(configHashKey), c.Name, payload).Err()
	}); err != nil {
		return err
	}
	if s.durable != nil {
		if err := s.durable.SaveConfig(c); err != nil {
			s.logger.Warn("durable mirror: save config failed", zap.Error(err))
		}
	}

	s.mu.Lock()
	s.configs[c.Name] = c
	affected := make([]lattice.Link, 0)
	for _, l := range s.links {
		if referencesConfig(l, c.Name) {
			affected = append(affected, l)
		}
	}
	s.mu.Unlock()

	for _, l := range affected {
		ev := Event{Type: LinkUpdate, LinkKey: l.Key(), Link: l, Origin: s.hostID}
		s.publishBestEffort(ctx, ev)
		s.fireHandlers(ev)
	}
	return nil
}

func referencesConfig(l lattice.Link, name string) bool {
	for _, c := range l.SourceConfig {
		if c == name {
			return true
		}
	}
	for _, c := range l.TargetConfig {
		if c == name {
			return true
		}
	}
	return false
}

// PutCallAlias registers a human-friendly alias for a component id.
func (s *Store) PutCallAlias(ctx context.Context, alias, componentID string) error {
	if err := s.writeWithRetry(ctx, aliasHashKey, func() error {
		return s.rdb.HSet(ctx, s.subject(aliasHashKey), alias, componentID).Err()
	}); err != nil {
		return err
	}
	if s.durable != nil {
		if err := s.durable.SaveAlias(alias, componentID); err != nil {
			s.logger.Warn("durable mirror: save alias failed", zap.Error(err))
		}
	}
	s.mu.Lock()
	s.aliases[alias] = componentID
	s.mu.Unlock()
	return nil
}

// ResolveAlias looks up the component id bound to alias, if any.
func (s *Store) ResolveAlias(alias string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.aliases[alias]
	return id, ok
}

// GetLinks returns every link currently known to this host's cache.
func (s *Store) GetLinks() []lattice.Link {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]lattice.Link, 0, len(s.links))
	for _, l := range s.links {
		out = append(out, l)
	}
	return out
}

// GetLink returns one link by its key components.
func (s *Store) GetLink(sourceID, ns, pkg, linkName string) (lattice.Link, bool) {
	key := lattice.Link{SourceID: sourceID, Namespace: ns, Package: pkg, LinkName: linkName}.Key()
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.links[key]
	return l, ok
}

// LinksForTarget returns every link whose TargetID is targetID — the
// set a provider supervisor replays to a (re)started provider.
func (s *Store) LinksForTarget(targetID string) []lattice.Link {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []lattice.Link
	for _, l := range s.links {
		if l.TargetID == targetID {
			out = append(out, l)
		}
	}
	return out
}

// GetClaims returns the claims recorded for subject.
func (s *Store) GetClaims(subject string) (lattice.Claims, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.claims[subject]
	return c, ok
}

// GetConfig returns the named config's values.
func (s *Store) GetConfig(name string) (lattice.Config, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[name]
	return c, ok
}

// Refresh round-trips a read through Redis, bypassing the local cache,
// for callers that need a synchronous view during a partition.
func (s *Store) Refresh(ctx context.Context) error {
	linkVals, err := s.rdb.HGetAll(ctx, s.subject(linkHashKey)).Result()
	if err != nil {
		return fmt.Errorf("store: refresh links: %w", err)
	}
	claimVals, err := s.rdb.HGetAll(ctx, s.subject(claimsHashKey)).Result()
	if err != nil {
		return fmt.Errorf("store: refresh claims: %w", err)
	}
	configVals, err := s.rdb.HGetAll(ctx, s.subject(configHashKey)).Result()
	if err != nil {
		return fmt.Errorf("store: refresh configs: %w", err)
	}
	aliasVals, err := s.rdb.HGetAll(ctx, s.subject(aliasHashKey)).Result()
	if err != nil {
		return fmt.Errorf("store: refresh aliases: %w", err)
	}

	links := make(map[string]lattice.Link, len(linkVals))
	for k, v := range linkVals {
		var l lattice.Link
		if err := json.Unmarshal([]byte(v), &l); err == nil {
			links[k] = l
		}
	}
	claimsMap := make(map[string]lattice.Claims, len(claimVals))
	for k, v := range claimVals {
		var c lattice.Claims
		if err := json.Unmarshal([]byte(v), &c); err == nil {
			claimsMap[k] = c
		}
	}
	configs := make(map[string]lattice.Config, len(configVals))
	for k, v := range configVals {
		var c lattice.Config
		if err := json.Unmarshal([]byte(v), &c); err == nil {
			configs[k] = c
		}
	}

	s.mu.Lock()
	s.links = links
	s.claims = claimsMap
	s.configs = configs
	s.aliases = aliasVals
	s.mu.Unlock()
	return nil
}

func (s *Store) writeWithRetry(ctx context.Context, ns string, fn func() error) error {
	attempt := 0
	err := retry.Do(ctx, s.retry, func() error {
		if attempt > 0 && s.metrics != nil {
			s.metrics.RecordStoreWriteRetry(ns)
		}
		attempt++
		return fn()
	})
	if err != nil {
		return fmt.Errorf("%w: %v", lattice.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) publishBestEffort(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("failed to encode store change event", zap.Error(err))
		return
	}
	if err := s.rdb.Publish(ctx, s.subject(changeSubject), payload).Err(); err != nil {
		s.logger.Warn("failed to publish store change event", zap.Error(err))
	}
}

// Close stops the change-stream subscriber and releases the Redis connection.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return s.rdb.Close()
}
