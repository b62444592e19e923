package branch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warp/stock-ledger/docstore"
	"github.com/warp/stock-ledger/logger"
)

// CollectionDeviceBranches holds one binding document per device, keyed by device ID.
const CollectionDeviceBranches = "deviceBranches"

// Binding records which branch a device works for. Last writer wins.
type Binding struct {
	DeviceID  string    `json:"deviceId"`
	TenantID  string    `json:"tenantId"`
	Branch    Branch    `json:"branch"`
	Platform  string    `json:"platform"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Event is delivered to subscribers after a local branch selection.
type Event struct {
	Binding  Binding
	Previous Branch // empty on first selection
}

// =============================================================================
// BINDER
// =============================================================================

// Binder keeps the local device->branch view and mirrors it to the store.
type Binder struct {
	registry *Registry
	store    docstore.Store
	log      *logger.Logger
	now      func() time.Time

	mu     sync.RWMutex
	local  map[string]Binding
	subs   map[uint64]func(Event)
	nextID uint64
}

// NewBinder creates a binder. log may be nil.
func NewBinder(registry *Registry, store docstore.Store, log *logger.Logger) *Binder {
	if log == nil {
		log = logger.Nop()
	}
	return &Binder{
		registry: registry,
		store:    store,
		log:      log,
		now:      time.Now,
		local:    make(map[string]Binding),
		subs:     make(map[uint64]func(Event)),
	}
}

// Registry returns the branch set the binder validates against.
func (b *Binder) Registry() *Registry {
	return b.registry
}

// Bind selects branch for deviceID. The selection is applied locally before
// the store write; a store failure is returned but does not undo it.
func (b *Binder) Bind(ctx context.Context, tenantID, deviceID, branchValue, platform string) (Binding, error) {
	if tenantID == "" || deviceID == "" {
		return Binding{}, fmt.Errorf("%w: tenantId and deviceId are required", ErrInvalidBinding)
	}
	br, err := b.registry.Parse(branchValue)
	if err != nil {
		return Binding{}, err
	}

	binding := Binding{
		DeviceID:  deviceID,
		TenantID:  tenantID,
		Branch:    br,
		Platform:  platform,
		UpdatedAt: b.now().UTC(),
	}

	b.mu.Lock()
	previous := b.local[deviceID].Branch
	b.local[deviceID] = binding
	listeners := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		listeners = append(listeners, fn)
	}
	b.mu.Unlock()

	event := Event{Binding: binding, Previous: previous}
	for _, fn := range listeners {
		fn(event)
	}

	if err := b.persist(ctx, binding); err != nil {
		ctx = b.log.WithFields(ctx, map[string]any{"device_id": deviceID, "branch": br})
		b.log.Warn(ctx, "device branch binding not saved", err)
		return binding, fmt.Errorf("persist device binding: %w", err)
	}
	return binding, nil
}

func (b *Binder) persist(ctx context.Context, binding Binding) error {
	doc, err := docstore.Encode(binding)
	if err != nil {
		return err
	}
	return b.store.WithTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return tx.Set(ctx, CollectionDeviceBranches, binding.DeviceID, doc, docstore.MergeAll)
	})
}

// CurrentBranch returns the last branch selected on this device. It never
// performs I/O.
func (b *Binder) CurrentBranch(deviceID string) (Branch, bool) {
	binding, ok := b.Binding(deviceID)
	return binding.Branch, ok
}

// Binding returns the full local binding for deviceID.
func (b *Binder) Binding(deviceID string) (Binding, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	binding, ok := b.local[deviceID]
	return binding, ok
}

// Restore loads a device's stored binding into the local view, e.g. after a
// terminal restart. A selection already made locally is kept. Stored
// bindings for branches no longer in the registry are ignored.
func (b *Binder) Restore(ctx context.Context, deviceID string) (Binding, bool, error) {
	if current, ok := b.Binding(deviceID); ok {
		return current, true, nil
	}

	doc, found, err := b.store.Get(ctx, CollectionDeviceBranches, deviceID)
	if err != nil {
		return Binding{}, false, fmt.Errorf("load device binding: %w", err)
	}
	if !found {
		return Binding{}, false, nil
	}

	var binding Binding
	if err := docstore.Decode(doc, &binding); err != nil {
		return Binding{}, false, err
	}
	if !b.registry.IsValid(string(binding.Branch)) {
		return Binding{}, false, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if current, ok := b.local[deviceID]; ok {
		return current, true, nil
	}
	b.local[deviceID] = binding
	return binding, true, nil
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

// Subscription is returned by Subscribe; the owner must Cancel it.
type Subscription struct {
	binder *Binder
	id     uint64
	once   sync.Once
}

// Subscribe registers fn for every local branch selection. Listeners run
// synchronously on the goroutine calling Bind.
func (b *Binder) Subscribe(fn func(Event)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[b.nextID] = fn
	return &Subscription{binder: b, id: b.nextID}
}

// Cancel stops delivery. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.binder.mu.Lock()
		defer s.binder.mu.Unlock()
		delete(s.binder.subs, s.id)
	})
}
