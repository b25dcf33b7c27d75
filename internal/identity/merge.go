package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"notecard_fleet/internal/fault"
	"notecard_fleet/internal/metrics"
	"notecard_fleet/internal/storage"
)

// MergeResult describes the target alias after a merge.
type MergeResult struct {
	SerialNumber        string   `json:"serial_number"`
	ActiveID            string   `json:"active_id"`
	PreviousIDs         []string `json:"previous_ids"`
	AbsorbedSerial      string   `json:"absorbed_serial_number"`
	SourceAliasDeleted  bool     `json:"source_alias_deleted"`
	SourceDeviceDeleted bool     `json:"source_device_deleted"`
}

// MergeIdentities folds the source serial number's hardware history into the
// target's and removes the source alias and device records.
//
// The store offers no multi-item transaction. Once the target history is
// written, a failed delete is returned as fault.ErrPartialFailure together
// with the populated result and is left for reconciliation.
func (r *Resolver) MergeIdentities(ctx context.Context, sourceSerial, targetSerial string) (*MergeResult, error) {
	if sourceSerial == "" || targetSerial == "" {
		return nil, fault.Invalid("merge requires source and target serial numbers")
	}
	if sourceSerial == targetSerial {
		return nil, fault.Invalid("cannot merge %q into itself", sourceSerial)
	}

	source, err := r.aliases.GetAlias(ctx, sourceSerial)
	if err != nil {
		return nil, fault.Upstream("get source alias", err)
	}
	if source == nil {
		return nil, fault.NotFound("source serial %q", sourceSerial)
	}

	target, err := r.aliases.GetAlias(ctx, targetSerial)
	if err != nil {
		return nil, fault.Upstream("get target alias", err)
	}
	if target == nil {
		return nil, fault.NotFound("target serial %q", targetSerial)
	}

	merged := mergeHistory(target, source)
	now := r.clock.Now()

	err = r.aliases.ReplacePreviousIDs(ctx, targetSerial, merged, now)
	if errors.Is(err, storage.ErrConditionFailed) {
		return nil, fault.NotFound("target serial %q", targetSerial)
	}
	if err != nil {
		metrics.Merges.WithLabelValues("failed").Inc()
		return nil, fault.Upstream("write target history", err)
	}

	r.invalidate(target)
	r.invalidate(source)

	result := &MergeResult{
		SerialNumber:   targetSerial,
		ActiveID:       target.ActiveID,
		PreviousIDs:    merged,
		AbsorbedSerial: sourceSerial,
	}

	log := r.log.WithFields(logrus.Fields{
		"source_serial": sourceSerial,
		"target_serial": targetSerial,
		"source_device": source.ActiveID,
	})

	if err := r.aliases.DeleteAlias(ctx, sourceSerial); err != nil {
		metrics.Merges.WithLabelValues("partial").Inc()
		log.WithError(err).Error("Merge left the source alias in place.")
		return result, fmt.Errorf("delete source alias %q: %w: %w", sourceSerial, fault.ErrPartialFailure, err)
	}
	result.SourceAliasDeleted = true

	if err := r.devices.DeleteDevice(ctx, source.ActiveID); err != nil {
		metrics.Merges.WithLabelValues("partial").Inc()
		log.WithError(err).Error("Merge left the source device record in place.")
		return result, fmt.Errorf("delete source device %q: %w: %w", source.ActiveID, fault.ErrPartialFailure, err)
	}
	result.SourceDeviceDeleted = true

	metrics.Merges.WithLabelValues("ok").Inc()
	log.WithField("previous_ids", merged).Info("Merged device identities.")
	return result, nil
}

// mergeHistory returns target.previous, source.active, source.previous with
// duplicates and the target's active id removed, keeping first occurrences.
func mergeHistory(target, source *storage.DeviceAlias) []string {
	seen := map[string]bool{target.ActiveID: true}
	ids := make([]string, 0, len(target.PreviousIDs)+len(source.PreviousIDs)+1)

	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}

	for _, id := range target.PreviousIDs {
		add(id)
	}
	add(source.ActiveID)
	for _, id := range source.PreviousIDs {
		add(id)
	}
	return ids
}
