package apps

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// newInstanceID mints an opaque, time-ordered, unguessable instance id.
func newInstanceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does; fall back to v4.
		return uuid.New().String()
	}
	return id.String()
}

type instanceEntry struct {
	resourceURI string
	state       any
	hasState    bool
	createdAt   time.Time
	destroying  bool
}

// InstanceRegistry owns the mapping from instance id to server-side state and
// tracks destruction observers. State payloads are opaque to the registry; it
// only stores and returns them. All methods are safe for concurrent use.
type InstanceRegistry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	instances map[string]*instanceEntry
	observers []func(instanceID string, lastState any)

	// channelCloser is wired by the App so destroying an instance also closes
	// its realtime channel. Nil when no channel manager is attached.
	channelCloser func(instanceID string) bool
}

func newInstanceRegistry(logger *slog.Logger) *InstanceRegistry {
	return &InstanceRegistry{
		logger:    logger.With(slog.String("component", "registry")),
		instances: make(map[string]*instanceEntry),
	}
}

// Get returns the state payload stored for the instance, if any.
func (r *InstanceRegistry) Get(instanceID string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.instances[instanceID]
	if !ok || !entry.hasState {
		return nil, false
	}
	return entry.state, true
}

// Set replaces the state payload for the instance. Last write wins. Writes
// against an id with no live entry are dropped: an in-flight handler racing a
// destroy must not resurrect the instance.
func (r *InstanceRegistry) Set(instanceID string, state any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.instances[instanceID]
	if !ok {
		r.logger.Debug("dropping state write for unknown instance",
			slog.String("instanceID", instanceID))
		return
	}
	entry.state = state
	entry.hasState = true
}

// Has reports whether the instance currently exists.
func (r *InstanceRegistry) Has(instanceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.instances[instanceID]
	return ok && !entry.destroying
}

// OnDestroy registers an observer invoked exactly once per destroyed instance
// with the instance id and its last known state.
func (r *InstanceRegistry) OnDestroy(fn func(instanceID string, lastState any)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.observers = append(r.observers, fn)
}

// Destroy removes the instance and returns whether it existed. Observers fire
// first with the final state, then the bound realtime channel is closed, then
// the entry is removed, so observers never see a dangling channel or missing
// state. A second call for the same id is a no-op returning false.
func (r *InstanceRegistry) Destroy(instanceID string) bool {
	r.mu.Lock()
	entry, ok := r.instances[instanceID]
	if !ok || entry.destroying {
		r.mu.Unlock()
		return false
	}
	entry.destroying = true
	lastState := entry.state
	observers := make([]func(string, any), len(r.observers))
	copy(observers, r.observers)
	closer := r.channelCloser
	r.mu.Unlock()

	for _, fn := range observers {
		fn(instanceID, lastState)
	}

	if closer != nil {
		closer(instanceID)
	}

	r.mu.Lock()
	delete(r.instances, instanceID)
	r.mu.Unlock()

	return true
}

// ensure creates an entry for the instance id if none exists. Explicitly
// routed calls referencing an id the registry has never seen (or one already
// destroyed) recreate it fresh.
func (r *InstanceRegistry) ensure(instanceID, resourceURI string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[instanceID]; ok {
		return
	}
	r.instances[instanceID] = &instanceEntry{
		resourceURI: resourceURI,
		createdAt:   time.Now(),
	}
}

// ids returns a snapshot of all live instance ids.
func (r *InstanceRegistry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.instances))
	for id := range r.instances {
		out = append(out, id)
	}
	return out
}

// stateAccessor implementation used by OperationContext.

func (r *InstanceRegistry) state(instanceID string) (any, bool) { return r.Get(instanceID) }

func (r *InstanceRegistry) setState(instanceID string, v any) { r.Set(instanceID, v) }

// RegistryState retrieves an instance's state from the registry with the
// caller-supplied type. The second return is false when no state exists or the
// stored payload has a different type.
func RegistryState[T any](r *InstanceRegistry, instanceID string) (T, bool) {
	var zero T
	v, ok := r.Get(instanceID)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// bindingPersistence stores singleton bindings outside process memory. The
// long-lived App never sets one; serverless deployments use it so a resource
// keeps its default instance across cold starts.
type bindingPersistence interface {
	loadBinding(ctx context.Context, resourceURI string) (string, bool, error)
	saveBinding(ctx context.Context, resourceURI, instanceID string) error
	deleteBinding(ctx context.Context, resourceURI string) error
}

// instanceResolver computes which instance id an operation call should use.
// It owns the singleton bindings: the one instance id currently designated as
// a resource's default instance. Exactly one binding exists per resource at a
// time; bindings are overwritten, never merged.
//
// The same resolver runs unmodified behind the long-lived App and the
// serverless handler; deployment portability comes from substituting the
// binding persistence and state backends, not from branching this logic.
type instanceResolver struct {
	logger *slog.Logger

	mu       sync.Mutex
	bindings map[string]string

	persist bindingPersistence
}

func newInstanceResolver(logger *slog.Logger) *instanceResolver {
	return &instanceResolver{
		logger:   logger.With(slog.String("component", "resolver")),
		bindings: make(map[string]string),
	}
}

// resolve returns the instance id an operation call targeting resourceURI
// should use, and whether that id was freshly minted. Priority order:
//
//  1. A non-empty caller-supplied id is returned unchanged; explicit routing
//     always wins.
//  2. A multi-instance resource on a session that supports multi-instance
//     gets a fresh id per call.
//  3. Otherwise the resource's singleton binding is returned, minting and
//     recording one if absent.
//
// The in-memory binding map is consulted before the persistence layer; a
// persistence failure degrades to minting a fresh binding rather than failing
// the call.
func (r *instanceResolver) resolve(
	ctx context.Context,
	resourceURI string,
	callerID string,
	multiplicity Multiplicity,
	caps SessionCapabilities,
) (string, bool) {
	if callerID != "" {
		return callerID, false
	}

	if multiplicity == MultiInstance && caps.SupportsMultiInstance {
		return newInstanceID(), true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.bindings[resourceURI]; ok {
		return id, false
	}

	if r.persist != nil {
		id, ok, err := r.persist.loadBinding(ctx, resourceURI)
		if err != nil {
			r.logger.Error("failed to load singleton binding",
				slog.String("resourceURI", resourceURI),
				slog.String("err", err.Error()))
		} else if ok {
			r.bindings[resourceURI] = id
			return id, false
		}
	}

	id := newInstanceID()
	r.bindings[resourceURI] = id
	if r.persist != nil {
		if err := r.persist.saveBinding(ctx, resourceURI, id); err != nil {
			r.logger.Error("failed to save singleton binding",
				slog.String("resourceURI", resourceURI),
				slog.String("err", err.Error()))
		}
	}
	return id, true
}

// dropBinding removes any binding that designates the given instance id, so a
// later unsuffixed call mints a fresh default instance.
func (r *instanceResolver) dropBinding(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for uri, id := range r.bindings {
		if id == instanceID {
			delete(r.bindings, uri)
			if r.persist != nil {
				if err := r.persist.deleteBinding(context.Background(), uri); err != nil {
					r.logger.Error("failed to delete singleton binding",
						slog.String("resourceURI", uri),
						slog.String("err", err.Error()))
				}
			}
		}
	}
}
