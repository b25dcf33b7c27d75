package journey

import (
	"context"
	"errors"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/sirupsen/logrus"

	"notecard_fleet/internal/cache"
	"notecard_fleet/internal/fault"
	"notecard_fleet/internal/mapmatch"
	"notecard_fleet/internal/metrics"
	"notecard_fleet/internal/storage"
)

// Matching limits.
const (
	MaxMatchPoints = mapmatch.MaxCoordinates
	DefaultRadius  = 25.0 // Metres, used when a point has no DOP.
	MinRadius      = 5.0
)

// RouteMatcher snaps a point sequence onto the road network.
type RouteMatcher interface {
	Match(ctx context.Context, points []mapmatch.Point) (*mapmatch.Match, error)
}

// Options configures a Matcher.
type Options struct {
	Clock  cache.Clock
	Logger logrus.FieldLogger
}

// Matcher map-matches journeys and caches the route on the journey record.
type Matcher struct {
	store  storage.JourneyStore
	routes RouteMatcher
	clock  cache.Clock
	log    logrus.FieldLogger
}

// NewMatcher creates a matcher.
func NewMatcher(store storage.JourneyStore, routes RouteMatcher, opts Options) *Matcher {
	if opts.Clock == nil {
		opts.Clock = cache.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Matcher{
		store:  store,
		routes: routes,
		clock:  opts.Clock,
		log:    opts.Logger.WithField("component", "journey_matcher"),
	}
}

// MatchResult is a matched route with the point counts before and after
// downsampling.
type MatchResult struct {
	DeviceUID      string         `json:"device_uid"`
	JourneyID      int64          `json:"journey_id"`
	MatchedRoute   orb.LineString `json:"matched_route"`
	Confidence     float64        `json:"confidence"`
	Distance       float64        `json:"distance"` // Metres along the matched route.
	OriginalPoints int            `json:"original_points"`
	MatchedPoints  int            `json:"matched_points"`
}

// MatchJourney finds which of ids owns the journey, matches its points and
// caches the route. The cached point count is the full count before
// downsampling so readers can compare it with the journey's point count.
func (m *Matcher) MatchJourney(ctx context.Context, ids []string, journeyID int64) (*MatchResult, error) {
	j, err := FindOwner(ctx, m.store, ids, journeyID)
	if err != nil {
		return nil, err
	}

	points, err := Points(ctx, m.store, j.DeviceUID, journeyID)
	if err != nil {
		return nil, err
	}
	if len(points) < 2 {
		return nil, fault.Invalid("journey %d has %d points, need at least 2", journeyID, len(points))
	}

	sampled := Downsample(points, MaxMatchPoints)

	log := m.log.WithFields(logrus.Fields{
		"device_uid":      j.DeviceUID,
		"journey_id":      journeyID,
		"original_points": len(points),
		"matched_points":  len(sampled),
	})

	match, err := m.routes.Match(ctx, matchPoints(sampled))
	if err != nil {
		metrics.MapMatches.WithLabelValues("failed").Inc()
		log.WithError(err).Warn("Map matching failed.")
		return nil, err
	}

	route := storage.MatchedRoute{
		Geometry:           match.Geometry,
		Confidence:         match.Confidence,
		MatchedAt:          m.clock.Now().UnixMilli(),
		MatchedPointsCount: len(points),
	}
	err = m.store.SaveMatchedRoute(ctx, j.DeviceUID, journeyID, route)
	if errors.Is(err, storage.ErrConditionFailed) {
		return nil, fault.NotFound("journey %d", journeyID)
	}
	if err != nil {
		metrics.MapMatches.WithLabelValues("failed").Inc()
		return nil, fault.Upstream("save matched route", err)
	}

	metrics.MapMatches.WithLabelValues("ok").Inc()
	log.WithField("confidence", match.Confidence).Debug("Cached matched route.")

	return &MatchResult{
		DeviceUID:      j.DeviceUID,
		JourneyID:      journeyID,
		MatchedRoute:   match.Geometry,
		Confidence:     match.Confidence,
		Distance:       geo.Length(match.Geometry),
		OriginalPoints: len(points),
		MatchedPoints:  len(sampled),
	}, nil
}

func matchPoints(points []storage.LocationPoint) []mapmatch.Point {
	out := make([]mapmatch.Point, len(points))
	for i, p := range points {
		out[i] = mapmatch.Point{
			Lon:       p.Longitude,
			Lat:       p.Latitude,
			Timestamp: floorDiv(p.Timestamp, 1000),
			Radius:    Radius(p.DOP),
		}
	}
	return out
}

// Radius converts a dilution-of-precision value into a search radius in metres.
func Radius(dop *float64) float64 {
	if dop == nil {
		return DefaultRadius
	}
	return math.Max(MinRadius, *dop*10)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// SampleIndices returns limit indices spread evenly over [0, n-1] with
// stride (n-1)/(limit-1). The first and last index are always included.
// When n <= limit every index is returned.
func SampleIndices(n, limit int) []int {
	if n <= 0 {
		return nil
	}
	if limit <= 0 || n <= limit {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	if limit == 1 {
		return []int{0}
	}

	step := float64(n-1) / float64(limit-1)
	idx := make([]int, limit)
	for i := range idx {
		idx[i] = int(math.Round(float64(i) * step))
	}
	idx[limit-1] = n - 1
	return idx
}

// Downsample selects limit items from items using SampleIndices.
func Downsample[T any](items []T, limit int) []T {
	if limit <= 0 || len(items) <= limit {
		return items
	}
	idx := SampleIndices(len(items), limit)
	out := make([]T, len(idx))
	for i, j := range idx {
		out[i] = items[j]
	}
	return out
}
