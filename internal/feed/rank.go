package feed

import "sort"

// DefaultCacheLimit caps the number of projections cached per recipient.
const DefaultCacheLimit = 100

// SortProjections orders projections by score descending, then by item
// creation time descending, then by item ID for a stable result.
func SortProjections(ps []Projection) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Score != ps[j].Score {
			return ps[i].Score > ps[j].Score
		}
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.After(ps[j].CreatedAt)
		}
		return ps[i].ItemID < ps[j].ItemID
	})
}

// InsertRanked adds p to ps, re-sorts and truncates to limit. An existing
// projection for the same item is kept as is.
func InsertRanked(ps []Projection, p Projection, limit int) []Projection {
	for _, existing := range ps {
		if existing.ItemID == p.ItemID {
			return ps
		}
	}
	out := make([]Projection, 0, len(ps)+1)
	out = append(out, ps...)
	out = append(out, p)
	SortProjections(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// PatchFlag sets flag on the projection for itemID, if present.
func PatchFlag(ps []Projection, itemID string, flag Flag) []Projection {
	for i := range ps {
		if ps[i].ItemID != itemID {
			continue
		}
		switch flag {
		case FlagViewed:
			ps[i].Viewed = true
		case FlagInteracted:
			ps[i].Interacted = true
		}
		return ps
	}
	return ps
}
