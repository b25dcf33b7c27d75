package journey

import (
	"context"

	"github.com/sirupsen/logrus"

	"notecard_fleet/internal/fault"
	"notecard_fleet/internal/metrics"
	"notecard_fleet/internal/storage"
)

// Deleter removes journeys together with their location points.
type Deleter struct {
	store storage.JourneyStore
	log   logrus.FieldLogger
}

// NewDeleter creates a deleter.
func NewDeleter(store storage.JourneyStore, logger logrus.FieldLogger) *Deleter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Deleter{store: store, log: logger.WithField("component", "journey_deleter")}
}

// DeleteResult reports a completed deletion.
type DeleteResult struct {
	DeviceUID     string `json:"device_uid"`
	JourneyID     int64  `json:"journey_id"`
	PointsDeleted int    `json:"points_deleted"`
	Batches       int    `json:"batches"`
}

// DeleteJourney deletes every point of the journey in batches of
// storage.MaxBatchWrite, one batch at a time, and then the journey record.
// An interrupted run leaves a journey without points, never points without
// a journey. Callers authorize the request.
func (d *Deleter) DeleteJourney(ctx context.Context, ownerID string, journeyID int64) (*DeleteResult, error) {
	keys, err := d.store.JourneyPointKeys(ctx, ownerID, journeyID)
	if err != nil {
		return nil, fault.Upstream("get journey point keys", err)
	}

	if len(keys) == 0 {
		j, err := d.store.GetJourney(ctx, ownerID, journeyID)
		if err != nil {
			return nil, fault.Upstream("get journey", err)
		}
		if j == nil {
			return nil, fault.NotFound("journey %d on %s", journeyID, ownerID)
		}
	}

	log := d.log.WithFields(logrus.Fields{
		"device_uid": ownerID,
		"journey_id": journeyID,
	})

	result := &DeleteResult{DeviceUID: ownerID, JourneyID: journeyID}
	for _, chunk := range Chunk(keys, storage.MaxBatchWrite) {
		if err := d.store.BatchDeleteLocations(ctx, chunk); err != nil {
			log.WithError(err).WithField("points_deleted", result.PointsDeleted).
				Error("Journey point deletion interrupted.")
			return nil, fault.Upstream("delete journey points", err)
		}
		result.PointsDeleted += len(chunk)
		result.Batches++
		metrics.PointsDeleted.Add(float64(len(chunk)))
	}

	if err := d.store.DeleteJourney(ctx, ownerID, journeyID); err != nil {
		log.WithError(err).Error("Journey points deleted but the journey record remains.")
		return nil, fault.Upstream("delete journey", err)
	}

	log.WithField("points_deleted", result.PointsDeleted).Info("Deleted journey.")
	return result, nil
}

// DeleteOwnedJourney deletes the journey from whichever of ids owns it.
func (d *Deleter) DeleteOwnedJourney(ctx context.Context, ids []string, journeyID int64) (*DeleteResult, error) {
	j, err := FindOwner(ctx, d.store, ids, journeyID)
	if err != nil {
		return nil, err
	}
	return d.DeleteJourney(ctx, j.DeviceUID, journeyID)
}

// Chunk splits items into consecutive slices of at most size elements.
// A size of zero or less yields a single chunk.
func Chunk[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 || size >= len(items) {
		return [][]T{items}
	}

	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
