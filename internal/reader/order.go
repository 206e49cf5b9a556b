package reader

import "github.com/onnwee/campusfeed/internal/feed"

// Arrange orders projections for display: up to interactedCap interacted
// projections first, then everything else. Both groups are ordered by
// score descending, then by item creation time descending. Interacted
// projections beyond the cap fall back into the second group.
func Arrange(ps []feed.Projection, interactedCap int) []feed.Projection {
	var interacted, rest []feed.Projection
	for _, p := range ps {
		if p.Interacted {
			interacted = append(interacted, p)
		} else {
			rest = append(rest, p)
		}
	}

	feed.SortProjections(interacted)
	if len(interacted) > interactedCap {
		rest = append(rest, interacted[interactedCap:]...)
		interacted = interacted[:interactedCap]
	}
	feed.SortProjections(rest)

	out := make([]feed.Projection, 0, len(ps))
	out = append(out, interacted...)
	return append(out, rest...)
}

// paginate returns the page-th slice of size pageSize, or nil past the end.
func paginate(ps []feed.Projection, page, pageSize int) []feed.Projection {
	offset := (page - 1) * pageSize
	if offset >= len(ps) {
		return []feed.Projection{}
	}
	end := offset + pageSize
	if end > len(ps) {
		end = len(ps)
	}
	return ps[offset:end]
}
