// Package proximity turns beacon ranging batches into arrival decisions.
package proximity

import (
	"math"
	"sort"
	"time"

	"parkguide/go-proximity-server/internal/model"
)

// Cooldown is the minimum time between two notifications for the same place.
const Cooldown = 5 * time.Minute

// Lookup resolves a reading to the point of interest carrying its beacon.
type Lookup interface {
	Lookup(r model.BeaconReading) (model.POI, bool)
}

// Normalize stamps every reading with now and orders them by ascending distance.
// Readings without a distance sort last; ties keep their input order.
func Normalize(raw []model.RawReading, now time.Time) []model.BeaconReading {
	out := make([]model.BeaconReading, len(raw))
	for i, r := range raw {
		out[i] = model.BeaconReading{RawReading: r, Timestamp: now}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return effectiveDistance(out[i]) < effectiveDistance(out[j])
	})
	return out
}

func effectiveDistance(r model.BeaconReading) float64 {
	if r.Distance == nil {
		return math.Inf(1)
	}
	return *r.Distance
}

// ResolveClosest looks only at the closest reading and returns its point of interest
// when the reading is strictly inside the trigger distance.
func ResolveClosest(ordered []model.BeaconReading, lookup Lookup) (model.POI, bool) {
	if len(ordered) == 0 {
		return model.POI{}, false
	}

	closest := ordered[0]
	if closest.Distance == nil {
		return model.POI{}, false
	}

	poi, ok := lookup.Lookup(closest)
	if !ok {
		return model.POI{}, false
	}
	if !(*closest.Distance < poi.Beacon.TriggerDistance) {
		return model.POI{}, false
	}
	return poi, true
}

// ShouldNotify reports whether an arrival at candidate warrants a notification given
// the previously recorded closest place. A nil candidate never notifies.
func ShouldNotify(candidate *model.POI, previous *model.ClosestPlace, now time.Time) bool {
	if candidate == nil {
		return false
	}
	if previous == nil {
		return true
	}
	if previous.ID != candidate.ID {
		return true
	}
	return now.Sub(previous.Timestamp) > Cooldown
}
