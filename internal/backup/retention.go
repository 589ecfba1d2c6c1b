package backup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"
)

// PurgeResult reports what a purge released and destroyed.
type PurgeResult struct {
	Released  []Hold
	Destroyed []*Snapshot
	Skipped   []Hold
}

// Retention places interval hold tags on new snapshots and reconciles them
// at purge time.
type Retention struct {
	store  Store
	logger Logger
	noop   bool
}

// NewRetention creates a Retention over store. When noop is set, purge
// computes and logs its decisions without releasing or destroying anything.
func NewRetention(store Store, logger Logger, noop bool) *Retention {
	return &Retention{store: store, logger: logger, noop: noop}
}

// ApplyHolds places the hold tag of the period containing now for every
// interval, including disabled ones, on snapshot. Tags already held by the
// snapshot are left alone. Returns the tags that were placed; under noop
// nothing is placed and the result is empty.
func (r *Retention) ApplyHolds(ctx context.Context, snapshot *Snapshot, intervals []Interval, now time.Time) ([]string, error) {
	tags := make([]string, 0, len(intervals))
	for _, interval := range intervals {
		tag, err := interval.Tag(now)
		if err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}

	holds, err := r.store.Holds(ctx, snapshot.Filesystem)
	if err != nil {
		return nil, fmt.Errorf("listing holds: %w", err)
	}
	held := make(map[string]bool)
	for _, h := range holds {
		if h.Snapshot.Name == snapshot.Name {
			held[h.Tag] = true
		}
	}

	var placed []string
	for _, tag := range lo.Uniq(tags) {
		if held[tag] {
			r.logger.Debug("hold already placed", "snapshot", snapshot.String(), "tag", tag)
			continue
		}
		if r.noop {
			r.logger.Info("noop: hold", "snapshot", snapshot.String(), "tag", tag)
			continue
		}
		if err := r.store.Hold(ctx, snapshot, tag); err != nil {
			return placed, fmt.Errorf("holding %s %s: %w", snapshot, tag, err)
		}
		r.logger.Info("hold placed", "snapshot", snapshot.String(), "tag", tag)
		placed = append(placed, tag)
	}
	return placed, nil
}

// bucket is the snapshot retaining one (interval, period) tag.
type bucket struct {
	period   string
	snapshot *Snapshot
	tag      string
}

// Purge reconciles the hold tags of filesystem against intervals and destroys
// snapshots left without holds or external references.
//
// Per interval, every period keeps its hold only on the newest snapshot
// holding it, then only the newest Limit periods keep theirs. Tags of
// intervals that are not configured are left untouched. Only managed
// snapshots are destroyed unless includeUnmanaged is set.
func (r *Retention) Purge(ctx context.Context, filesystem string, intervals []Interval, includeUnmanaged bool) (*PurgeResult, error) {
	snapshots, err := r.store.ListSnapshots(ctx, filesystem, PropertySnapshot)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	holds, err := r.store.Holds(ctx, filesystem)
	if err != nil {
		return nil, fmt.Errorf("listing holds: %w", err)
	}

	byName := lo.KeyBy(snapshots, func(s *Snapshot) string { return s.Name })
	configured := lo.KeyBy(intervals, func(i Interval) string { return i.Name })

	result := &PurgeResult{}

	// snapshot name -> remaining tags, and the tag count before any release
	remaining := make(map[string]map[string]bool)
	initial := make(map[string]int)

	// interval -> period -> holders
	groups := make(map[string]map[string][]*Snapshot)

	for _, h := range holds {
		snap := byName[h.Snapshot.Name]
		if snap == nil {
			snap = h.Snapshot
		}
		if remaining[snap.Name] == nil {
			remaining[snap.Name] = make(map[string]bool)
		}
		remaining[snap.Name][h.Tag] = true
		initial[snap.Name]++

		name, period, ok := parseTag(h.Tag)
		if !ok {
			r.inconsistent(&InconsistencyError{Snapshot: snap.String(), Tag: h.Tag, Reason: "malformed hold tag"})
			result.Skipped = append(result.Skipped, Hold{Snapshot: snap, Tag: h.Tag})
			continue
		}
		if _, ok := configured[name]; !ok {
			r.logger.Debug("hold of unconfigured interval", "snapshot", snap.String(), "tag", h.Tag)
			continue
		}
		if groups[name] == nil {
			groups[name] = make(map[string][]*Snapshot)
		}
		groups[name][period] = append(groups[name][period], snap)
	}

	release := func(snap *Snapshot, tag string) error {
		if !r.noop {
			if err := r.store.Release(ctx, snap, tag); err != nil {
				return fmt.Errorf("releasing %s %s: %w", snap, tag, err)
			}
		}
		r.logger.Info("hold released", "snapshot", snap.String(), "tag", tag, "noop", r.noop)
		delete(remaining[snap.Name], tag)
		result.Released = append(result.Released, Hold{Snapshot: snap, Tag: tag})
		return nil
	}

	for _, interval := range sortedIntervals(intervals) {
		periods := groups[interval.Name]

		var buckets []bucket
		for _, period := range sortedKeys(periods) {
			holders := periods[period]
			sort.Slice(holders, func(a, b int) bool { return holders[a].Name > holders[b].Name })
			tag := interval.Name + "/" + period

			for _, snap := range holders[1:] {
				if err := release(snap, tag); err != nil {
					return result, err
				}
			}
			buckets = append(buckets, bucket{period: period, snapshot: holders[0], tag: tag})
		}

		sort.Slice(buckets, func(a, b int) bool {
			if buckets[a].snapshot.Name != buckets[b].snapshot.Name {
				return buckets[a].snapshot.Name > buckets[b].snapshot.Name
			}
			return buckets[a].period > buckets[b].period
		})

		if interval.Limit == Unlimited || len(buckets) <= interval.Limit {
			continue
		}
		for _, b := range buckets[interval.Limit:] {
			if err := release(b.snapshot, b.tag); err != nil {
				return result, err
			}
		}
	}

	for _, snap := range snapshots {
		if !snap.Managed() && !includeUnmanaged {
			continue
		}
		if len(remaining[snap.Name]) > 0 {
			continue
		}
		external := snap.Refs - initial[snap.Name]
		if external < 0 {
			r.inconsistent(&InconsistencyError{Snapshot: snap.String(), Reason: fmt.Sprintf("%d user references for %d holds", snap.Refs, initial[snap.Name])})
			continue
		}
		if external > 0 {
			r.logger.Debug("snapshot still referenced", "snapshot", snap.String(), "refs", external)
			continue
		}

		if !r.noop {
			if err := r.store.DestroySnapshot(ctx, snap); err != nil {
				return result, fmt.Errorf("destroying %s: %w", snap, err)
			}
		}
		r.logger.Info("snapshot destroyed", "snapshot", snap.String(), "noop", r.noop)
		result.Destroyed = append(result.Destroyed, snap)
	}

	return result, nil
}

func (r *Retention) inconsistent(err *InconsistencyError) {
	r.logger.Warn("skipping inconsistent state", "error", err.Error())
}

func sortedIntervals(intervals []Interval) []Interval {
	sorted := append([]Interval(nil), intervals...)
	sort.SliceStable(sorted, func(a, b int) bool { return sorted[a].Name < sorted[b].Name })
	return sorted
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
