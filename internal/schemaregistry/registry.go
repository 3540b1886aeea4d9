// Package schemaregistry resolves named schemas by subject and by
// numeric id, backed by a Confluent-Schema-Registry-compatible HTTP
// client (github.com/riferrei/srclient, a dependency of the batch loader this was adapted from),
// with a per-process cache and a permissive fallback schema.
package schemaregistry

import (
	"fmt"
	"sync"
	"time"

	"github.com/practo/klog/v2"
	"github.com/riferrei/srclient"

	"github.com/tablesink/connector/internal/classify"
	"github.com/tablesink/connector/internal/model"
)

// SubjectSuffix is the registry naming convention: "{derived-name}-value".
const SubjectSuffix = "-value"

// SubjectForTopic applies the registry's subject-naming convention.
func SubjectForTopic(topic string) string {
	return topic + SubjectSuffix
}

// Schema is the resolved, cached shape of a named schema: its registry
// id, version, raw text and the canonical field list the Parser and
// Validator work against.
type Schema struct {
	ID       int
	Version  int
	Subject  string
	RawText  string
	Fallback bool
	Fields   []model.SchemaField
}

// Client is the subset of srclient's SchemaRegistryClient the resolver
// needs, narrowed to an interface so tests can fake the registry
// without a live HTTP server.
type Client interface {
	GetLatestSchema(subject string) (*srclient.Schema, error)
	GetSchemaByVersion(subject string, version int) (*srclient.Schema, error)
	GetSchema(schemaID int) (*srclient.Schema, error)
	CreateSchema(subject string, schema string, schemaType srclient.SchemaType) (*srclient.Schema, error)
	IsSchemaCompatible(subject, schema string, version string, schemaType srclient.SchemaType) (bool, error)
}

// cacheEntry is one cached schema plus the time it was fetched, for TTL
// eviction.
type cacheEntry struct {
	schema   *Schema
	fetchAt  time.Time
}

// Resolver is the Schema Resolver: it holds a mutex-guarded cache by
// subject and by id, with single-flight fills per key so a cold cache
// doesn't thunder the registry.
type Resolver struct {
	client Client

	mu            sync.Mutex
	bySubject     map[string]*cacheEntry
	byID          map[int]*cacheEntry
	inflight      map[string]*sync.WaitGroup

	cacheTTL      time.Duration
	enabled       bool
	fallback      *Schema
	lastFallbackAttempt map[string]time.Time
	refreshInterval     time.Duration
}

// Config controls the Resolver's behavior.
type Config struct {
	RegistryURL       string
	Enabled           bool
	CacheTTL          time.Duration
	RefreshInterval   time.Duration
	Client            Client // injected for tests; built from RegistryURL if nil
}

// PermissiveFallbackFields is the open-record schema substituted when
// the registry is disabled or unreachable on first use. It accepts any named field as a nullable string, which the
// Validator treats as always-valid (see internal/validator).
var PermissiveFallbackFields = []model.SchemaField{
	{Name: "*", Type: "STRING", Nullable: true},
}

// New builds a Resolver. If cfg.Client is nil it constructs a real
// srclient-backed client from cfg.RegistryURL.
func New(cfg Config) *Resolver {
	var client Client
	if cfg.Client != nil {
		client = cfg.Client
	} else if cfg.RegistryURL != "" {
		client = srclient.CreateSchemaRegistryClient(cfg.RegistryURL)
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	refresh := cfg.RefreshInterval
	if refresh <= 0 {
		refresh = 5 * time.Minute
	}

	return &Resolver{
		client:    client,
		bySubject: make(map[string]*cacheEntry),
		byID:      make(map[int]*cacheEntry),
		inflight:  make(map[string]*sync.WaitGroup),
		cacheTTL:  ttl,
		enabled:   cfg.Enabled && client != nil,
		fallback: &Schema{
			Subject:  "fallback-permissive",
			Fallback: true,
			Fields:   PermissiveFallbackFields,
		},
		lastFallbackAttempt: make(map[string]time.Time),
		refreshInterval:     refresh,
	}
}

// GetLatest resolves the newest schema for a subject, using the cache
// when fresh, single-flighting concurrent cold misses, and falling
// back to the permissive schema per its documented
// degradation policy.
func (r *Resolver) GetLatest(subject string) (*Schema, error) {
	if s, ok := r.cachedBySubject(subject); ok {
		return s, nil
	}

	if !r.enabled {
		return r.useFallback(subject), nil
	}

	if !r.shouldRetryRegistry(subject) {
		return r.useFallback(subject), nil
	}

	s, err := r.singleFlight(subject, func() (*Schema, error) {
		raw, err := r.client.GetLatestSchema(subject)
		if err != nil {
			return nil, classify.Retriablef(classify.CategoryIO, "registry GetLatestSchema "+subject, err)
		}
		s := schemaFromSrclient(subject, raw)
		r.storeBySubject(subject, s)
		r.storeByID(s.ID, s)
		return s, nil
	})
	if err != nil {
		r.lastFallbackAttempt[subject] = time.Now()
		klog.Warningf("schema registry unreachable for subject %s, using fallback: %v", subject, err)
		return r.useFallback(subject), nil
	}

	return s, nil
}

// GetByVersion resolves a specific schema version for a subject.
func (r *Resolver) GetByVersion(subject string, version int) (*Schema, error) {
	if !r.enabled {
		return r.useFallback(subject), nil
	}
	raw, err := r.client.GetSchemaByVersion(subject, version)
	if err != nil {
		return nil, classify.Retriablef(classify.CategoryIO, fmt.Sprintf("registry GetSchemaByVersion %s/%d", subject, version), err)
	}
	s := schemaFromSrclient(subject, raw)
	s.Version = version
	r.storeBySubject(subject, s)
	r.storeByID(s.ID, s)
	return s, nil
}

// GetByID resolves a schema by its numeric registry id, used by the
// Parser when decoding length-prefixed binary frames. A lookup failure
// is Retriable; the Parser counts failures per schema id and
// reclassifies Terminal once its own bounded-retry limit is reached.
func (r *Resolver) GetByID(id int) (*Schema, error) {
	if s, ok := r.cachedByID(id); ok {
		return s, nil
	}
	if !r.enabled {
		return nil, classify.Terminalf(classify.CategoryConfiguration, "registry disabled", fmt.Errorf("no registry to resolve schema id %d", id))
	}

	key := fmt.Sprintf("id:%d", id)
	s, err := r.singleFlight(key, func() (*Schema, error) {
		raw, err := r.client.GetSchema(id)
		if err != nil {
			return nil, classify.Retriablef(classify.CategoryIO, fmt.Sprintf("registry GetSchema %d", id), err)
		}
		s := schemaFromSrclient(fmt.Sprintf("id-%d", id), raw)
		s.ID = id
		r.storeByID(id, s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Register publishes a new schema version for subject, used when the
// table writer needs a loader-topic schema created on demand.
func (r *Resolver) Register(subject, rawSchema string) (int, error) {
	if !r.enabled {
		return 0, classify.Terminalf(classify.CategoryConfiguration, "registry disabled", fmt.Errorf("cannot register %s: registry disabled", subject))
	}
	s, err := r.client.CreateSchema(subject, rawSchema, srclient.Avro)
	if err != nil {
		return 0, classify.Retriablef(classify.CategoryIO, "registry CreateSchema "+subject, err)
	}
	r.storeBySubject(subject, schemaFromSrclient(subject, s))
	return s.ID(), nil
}

// TestCompatibility checks rawSchema against subject's latest version
// under the configured compatibility policy.
func (r *Resolver) TestCompatibility(subject, rawSchema string) (bool, error) {
	if !r.enabled {
		return true, nil
	}
	ok, err := r.client.IsSchemaCompatible(subject, rawSchema, "latest", srclient.Avro)
	if err != nil {
		return false, classify.Retriablef(classify.CategoryIO, "registry IsSchemaCompatible "+subject, err)
	}
	return ok, nil
}

// Invalidate evicts a subject (and, transitively, the id its cached
// schema carries) from the cache.
func (r *Resolver) Invalidate(subject string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.bySubject[subject]; ok {
		delete(r.byID, e.schema.ID)
	}
	delete(r.bySubject, subject)
}

// InvalidateAll clears the whole cache.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySubject = make(map[string]*cacheEntry)
	r.byID = make(map[int]*cacheEntry)
}

func (r *Resolver) cachedBySubject(subject string) (*Schema, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.bySubject[subject]
	if !ok || time.Since(e.fetchAt) > r.cacheTTL {
		return nil, false
	}
	return e.schema, true
}

func (r *Resolver) cachedByID(id int) (*Schema, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return e.schema, true
}

func (r *Resolver) storeBySubject(subject string, s *Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySubject[subject] = &cacheEntry{schema: s, fetchAt: time.Now()}
}

func (r *Resolver) storeByID(id int, s *Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[id] = &cacheEntry{schema: s, fetchAt: time.Now()}
}

func (r *Resolver) useFallback(subject string) *Schema {
	fb := *r.fallback
	fb.Subject = subject
	return &fb
}

// shouldRetryRegistry implements "subsequent calls do not retry the
// registry until the next configured refresh interval" of the
// fallback semantics.
func (r *Resolver) shouldRetryRegistry(subject string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.lastFallbackAttempt[subject]
	if !ok {
		return true
	}
	return time.Since(last) >= r.refreshInterval
}

// singleFlight ensures only one goroutine fetches a given key at a
// time; concurrent callers for the same key wait for the first fetch
// and then read the result it cached. fetch must store a successful
// result in the cache before returning.
func (r *Resolver) singleFlight(key string, fetch func() (*Schema, error)) (*Schema, error) {
	r.mu.Lock()
	if wg, ok := r.inflight[key]; ok {
		r.mu.Unlock()
		wg.Wait()
		if s, ok := r.cachedBySubject(key); ok {
			return s, nil
		}
		if s, ok := r.cachedByID(idFromKey(key)); ok {
			return s, nil
		}
		return fetch() // fall through: the leader's fetch failed
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	r.inflight[key] = wg
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.inflight, key)
		r.mu.Unlock()
		wg.Done()
	}()

	return fetch()
}

func idFromKey(key string) int {
	var id int
	fmt.Sscanf(key, "id:%d", &id)
	return id
}

func schemaFromSrclient(subject string, s *srclient.Schema) *Schema {
	rawText := s.Schema()
	return &Schema{
		ID:      s.ID(),
		Version: s.Version(),
		Subject: subject,
		RawText: rawText,
		Fields:  parseAvroFields(rawText),
	}
}
