package sync

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/openmined/themesync/internal/theme"
)

// Divergence holds the keys where the local and remote sides disagree.
type Divergence struct {
	// OnlyLocal are present locally and absent remotely, with local checksums.
	OnlyLocal []theme.Checksum
	// OnlyRemote are present remotely and absent locally, with remote checksums.
	OnlyRemote []theme.Checksum
	// Conflicting are present on both sides with different checksums, with remote checksums.
	Conflicting []theme.Checksum
}

func (d *Divergence) Empty() bool {
	return len(d.OnlyLocal) == 0 && len(d.OnlyRemote) == 0 && len(d.Conflicting) == 0
}

func (d *Divergence) Len() int {
	return len(d.OnlyLocal) + len(d.OnlyRemote) + len(d.Conflicting)
}

// Classify partitions keys into the three divergence sets. Keys with equal
// checksums on both sides are converged and left out. OnlyLocal keeps the local
// order, the other two keep the remote order. Duplicate keys count once.
func Classify(local, remote []theme.Checksum) *Divergence {
	localIdx := theme.KeyIndex(local)
	remoteIdx := theme.KeyIndex(remote)

	d := &Divergence{
		OnlyLocal:   []theme.Checksum{},
		OnlyRemote:  []theme.Checksum{},
		Conflicting: []theme.Checksum{},
	}

	seen := mapset.NewThreadUnsafeSetWithSize[string](len(remote))
	for _, r := range remote {
		if !seen.Add(r.Key) {
			continue
		}
		l, ok := localIdx[r.Key]
		switch {
		case !ok:
			d.OnlyRemote = append(d.OnlyRemote, r)
		case l != r.Checksum:
			d.Conflicting = append(d.Conflicting, r)
		}
	}

	seen = mapset.NewThreadUnsafeSetWithSize[string](len(local))
	for _, l := range local {
		if !seen.Add(l.Key) {
			continue
		}
		if _, ok := remoteIdx[l.Key]; !ok {
			d.OnlyLocal = append(d.OnlyLocal, l)
		}
	}

	return d
}

// ClassifyJSON is Classify restricted to JSON assets, the view the poller works on.
func ClassifyJSON(local, remote []theme.Checksum) *Divergence {
	return Classify(theme.FilterJSON(local), theme.FilterJSON(remote))
}
