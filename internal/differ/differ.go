// Package differ works out which chunks an archive still needs for a manifest
// and which of its chunk slots the manifest no longer uses.
package differ

import (
	"slices"

	"github.com/APTlantis/Epic-Installer/internal/archive"
	"github.com/APTlantis/Epic-Installer/internal/manifest"
)

// Result holds indices, not values: ToFetch indexes the manifest chunk list
// and Reusable indexes the archive chunk-info table. ToFetch is in guid order;
// Reusable lists vacant slots first, then stale chunks in guid order.
type Result struct {
	ToFetch  []int
	Reusable []int
}

// Empty reports whether the archive already matches the manifest.
func (r Result) Empty() bool {
	return len(r.ToFetch) == 0 && len(r.Reusable) == 0
}

// Diff computes ToFetch = manifest - local and Reusable = local - manifest by
// sorting both sides by guid and walking them together. Vacant slots are
// always reusable, and a guid stored twice locally keeps only its first slot.
func Diff(local []archive.ChunkInfoEntry, chunks []manifest.ChunkInfo) Result {
	var res Result
	localIdx := make([]int, 0, len(local))
	for i, e := range local {
		if e.Vacant() {
			res.Reusable = append(res.Reusable, i)
			continue
		}
		localIdx = append(localIdx, i)
	}
	remoteIdx := make([]int, len(chunks))
	for i := range remoteIdx {
		remoteIdx[i] = i
	}
	slices.SortStableFunc(localIdx, func(a, b int) int { return local[a].Guid.Compare(local[b].Guid) })
	slices.SortFunc(remoteIdx, func(a, b int) int { return chunks[a].Guid.Compare(chunks[b].Guid) })

	i, j := 0, 0
	for i < len(localIdx) && j < len(remoteIdx) {
		lg, rg := local[localIdx[i]].Guid, chunks[remoteIdx[j]].Guid
		switch c := lg.Compare(rg); {
		case c < 0:
			res.Reusable = append(res.Reusable, localIdx[i])
			i++
		case c > 0:
			res.ToFetch = append(res.ToFetch, remoteIdx[j])
			j++
		default:
			i++
			for i < len(localIdx) && local[localIdx[i]].Guid == lg {
				res.Reusable = append(res.Reusable, localIdx[i])
				i++
			}
			j++
		}
	}
	res.Reusable = append(res.Reusable, localIdx[i:]...)
	res.ToFetch = append(res.ToFetch, remoteIdx[j:]...)
	return res
}
