// Package identity resolves stable serial numbers to the hardware ids a
// device has used and records hardware swaps as devices check in.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"notecard_fleet/internal/cache"
	"notecard_fleet/internal/fault"
	"notecard_fleet/internal/metrics"
	"notecard_fleet/internal/storage"
)

// Default cache settings.
const (
	DefaultCacheSize = 256
	DefaultCacheTTL  = time.Minute
)

// Options configures a Resolver.
type Options struct {
	CacheSize int
	CacheTTL  time.Duration
	Clock     cache.Clock
	Logger    logrus.FieldLogger
}

// Resolver owns the alias state machine: absent -> active on first
// check-in, active -> active on every swap.
type Resolver struct {
	aliases storage.AliasStore
	devices storage.DeviceStore
	cache   *cache.TTL[string, storage.ResolvedIdentity]
	clock   cache.Clock
	log     logrus.FieldLogger

	// Callbacks for change notifications.
	onAliasCreated func(*storage.DeviceAlias)
	onSwap         func(SwapEvent)
}

// NewResolver creates a resolver over the given stores.
func NewResolver(aliases storage.AliasStore, devices storage.DeviceStore, opts Options) (*Resolver, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Clock == nil {
		opts.Clock = cache.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	c, err := cache.New[string, storage.ResolvedIdentity](opts.CacheSize, opts.CacheTTL, opts.Clock)
	if err != nil {
		return nil, fmt.Errorf("identity cache: %w", err)
	}

	return &Resolver{
		aliases: aliases,
		devices: devices,
		cache:   c,
		clock:   opts.Clock,
		log:     opts.Logger.WithField("component", "identity"),
	}, nil
}

// OnAliasCreated sets a callback for when a serial number is seen for the first time.
func (r *Resolver) OnAliasCreated(fn func(*storage.DeviceAlias)) {
	r.onAliasCreated = fn
}

// OnSwap sets a callback for when a hardware swap is recorded.
func (r *Resolver) OnSwap(fn func(SwapEvent)) {
	r.onSwap = fn
}

// SwapEvent describes a recorded hardware swap.
type SwapEvent struct {
	SerialNumber  string
	OldHardwareID string
	NewHardwareID string
	At            time.Time
}

// Resolve maps a serial number or hardware id to the device's identity.
// Serial numbers are looked up first, then active hardware ids.
func (r *Resolver) Resolve(ctx context.Context, key string) (*storage.ResolvedIdentity, error) {
	if key == "" {
		return nil, fault.Invalid("empty device key")
	}

	if cached, ok := r.cache.Get(key); ok {
		metrics.IdentityCache.WithLabelValues("hit").Inc()
		return cloneIdentity(cached), nil
	}
	metrics.IdentityCache.WithLabelValues("miss").Inc()

	alias, err := r.aliases.GetAlias(ctx, key)
	if err != nil {
		return nil, fault.Upstream("get alias", err)
	}
	if alias == nil {
		alias, err = r.aliases.GetAliasByActiveID(ctx, key)
		if err != nil {
			return nil, fault.Upstream("get alias by hardware id", err)
		}
	}
	if alias == nil {
		return nil, fault.NotFound("device %q", key)
	}

	resolved := storage.ResolvedIdentity{
		SerialNumber: alias.SerialNumber,
		ActiveID:     alias.ActiveID,
		AllIDs:       alias.AllIDs(),
	}
	r.cache.Set(key, resolved)
	return cloneIdentity(resolved), nil
}

// CheckInResult reports what a check-in changed.
type CheckInResult struct {
	IsNew         bool   `json:"is_new"`
	IsSwap        bool   `json:"is_swap"`
	OldHardwareID string `json:"old_hardware_id,omitempty"`
}

// HandleCheckIn records that hardwareID reported in under serialNumber.
// Repeating a check-in with the current active id costs one read and no write.
func (r *Resolver) HandleCheckIn(ctx context.Context, serialNumber, hardwareID string) (CheckInResult, error) {
	if serialNumber == "" || hardwareID == "" {
		return CheckInResult{}, fault.Invalid("check-in requires serial number and hardware id")
	}

	alias, err := r.aliases.GetAlias(ctx, serialNumber)
	if err != nil {
		return CheckInResult{}, fault.Upstream("get alias", err)
	}

	if alias == nil {
		return r.createAlias(ctx, serialNumber, hardwareID)
	}

	if alias.ActiveID == hardwareID {
		metrics.CheckIns.WithLabelValues("noop").Inc()
		return CheckInResult{}, nil
	}

	return r.recordSwap(ctx, alias, hardwareID)
}

func (r *Resolver) createAlias(ctx context.Context, serialNumber, hardwareID string) (CheckInResult, error) {
	now := r.clock.Now()
	alias := storage.DeviceAlias{
		SerialNumber: serialNumber,
		ActiveID:     hardwareID,
		PreviousIDs:  []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := r.aliases.CreateAlias(ctx, alias)
	if errors.Is(err, storage.ErrConditionFailed) {
		// A duplicate event created the alias first.
		metrics.CheckIns.WithLabelValues("race").Inc()
		r.log.WithFields(logrus.Fields{
			"serial_number": serialNumber,
			"hardware_id":   hardwareID,
		}).Debug("Alias already created by a concurrent check-in.")
		return CheckInResult{}, nil
	}
	if err != nil {
		return CheckInResult{}, fault.Upstream("create alias", err)
	}

	r.cache.Remove(serialNumber, hardwareID)
	metrics.CheckIns.WithLabelValues("new").Inc()
	r.log.WithFields(logrus.Fields{
		"serial_number": serialNumber,
		"hardware_id":   hardwareID,
	}).Info("Created device alias.")

	if r.onAliasCreated != nil {
		r.onAliasCreated(&alias)
	}
	return CheckInResult{IsNew: true}, nil
}

func (r *Resolver) recordSwap(ctx context.Context, alias *storage.DeviceAlias, hardwareID string) (CheckInResult, error) {
	oldID := alias.ActiveID
	update := storage.SwapUpdate{
		NewActiveID: hardwareID,
		OldActiveID: oldID,
		At:          r.clock.Now(),
	}

	// Swapping back to an earlier module moves it out of the history so the
	// active id never appears there.
	if alias.HasPreviousID(hardwareID) {
		update.Rewrite = storage.HistoryRewrite{
			Present: true,
			IDs:     swapBackHistory(alias.PreviousIDs, hardwareID, oldID),
		}
	}

	log := r.log.WithFields(logrus.Fields{
		"serial_number":   alias.SerialNumber,
		"old_hardware_id": oldID,
		"new_hardware_id": hardwareID,
	})

	err := r.aliases.SwapActiveID(ctx, alias.SerialNumber, update)
	if errors.Is(err, storage.ErrConditionFailed) {
		// Another swap or a merge changed the alias since it was read.
		// The last committed write wins.
		metrics.CheckIns.WithLabelValues("race").Inc()
		log.Warn("Swap lost to a concurrent alias update.")
		r.invalidate(alias, hardwareID)
		return CheckInResult{}, nil
	}
	if err != nil {
		return CheckInResult{}, fault.Upstream("swap active id", err)
	}

	r.invalidate(alias, hardwareID)
	metrics.CheckIns.WithLabelValues("swap").Inc()
	log.Warn("Hardware swap detected.")

	if r.onSwap != nil {
		r.onSwap(SwapEvent{
			SerialNumber:  alias.SerialNumber,
			OldHardwareID: oldID,
			NewHardwareID: hardwareID,
			At:            update.At,
		})
	}
	return CheckInResult{IsSwap: true, OldHardwareID: oldID}, nil
}

// swapBackHistory removes newID from the history and appends oldID.
func swapBackHistory(previous []string, newID, oldID string) []string {
	ids := make([]string, 0, len(previous))
	for _, id := range previous {
		if id != newID {
			ids = append(ids, id)
		}
	}
	return append(ids, oldID)
}

// invalidate drops every cache key that could resolve to the alias.
func (r *Resolver) invalidate(alias *storage.DeviceAlias, extra ...string) {
	keys := append(alias.AllIDs(), alias.SerialNumber)
	r.cache.Remove(append(keys, extra...)...)
}

func cloneIdentity(id storage.ResolvedIdentity) *storage.ResolvedIdentity {
	id.AllIDs = append([]string(nil), id.AllIDs...)
	return &id
}
