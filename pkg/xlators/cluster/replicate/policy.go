package replicate

import (
	"github.com/marmos91/mirrorfs/pkg/xlator"
)

// Replication metadata lives in extended attributes on every replica. Each
// replica keeps one pending counter per child: the number of write-class
// operations it has seen started on that child but not confirmed. The
// version counter grows by one on every replica an operation landed on.
const (
	// PendingPrefix prefixes the per-child pending counters
	PendingPrefix = "trusted.afr.pending."

	// VersionKey holds the replica's write version
	VersionKey = "trusted.afr.version"

	// changelogPrefix covers every key owned by the changelog
	changelogPrefix = "trusted.afr."
)

// PendingKey returns the pending counter key accusing child.
func PendingKey(child string) string {
	return PendingPrefix + child
}

// optimistTable lists, per operation, the error codes that are treated as
// already-applied divergence when the optimist option is on: a replica that
// fails with one of them does not fail the aggregate if another succeeded.
var optimistTable = map[xlator.Op][]xlator.ErrorCode{
	xlator.OpUnlink:      {xlator.ErrNotFound},
	xlator.OpRmdir:       {xlator.ErrNotFound},
	xlator.OpRemovexattr: {xlator.ErrNotFound, xlator.ErrNoData},
	xlator.OpRename:      {xlator.ErrNotFound},
	xlator.OpCreate:      {xlator.ErrExists},
	xlator.OpMkdir:       {xlator.ErrExists},
	xlator.OpSymlink:     {xlator.ErrExists},
	xlator.OpLink:        {xlator.ErrExists},
}

// tolerated reports whether err is expected divergence for op.
func tolerated(op xlator.Op, err error) bool {
	code := xlator.CodeOf(err)
	for _, c := range optimistTable[op] {
		if c == code {
			return true
		}
	}
	return false
}

// changelog is the replication metadata one replica reported.
type changelog struct {
	pending []int64
	version int64
}

func parseChangelog(names []string, d xlator.Dict) *changelog {
	cl := &changelog{pending: make([]int64, len(names))}
	for j, name := range names {
		if v, ok := d.GetInt(PendingKey(name)); ok {
			cl.pending[j] = v
		}
	}
	if v, ok := d.GetInt(VersionKey); ok {
		cl.version = v
	}
	return cl
}

func (cl *changelog) dirty() bool {
	for _, v := range cl.pending {
		if v != 0 {
			return true
		}
	}
	return false
}

// decision is the outcome of comparing the changelogs of the participating
// replicas.
type decision struct {
	latest     int
	sinks      []int
	clean      bool
	splitBrain bool
	debt       []int64
}

// wisestFool handles the case where every participant missed an operation
// it had started. The replica with the highest version, then the most
// accusations, then the lowest index becomes the source and every other
// participant is healed from it so the replicas converge again.
func wisestFool(logs []*changelog, participants []int, d decision) decision {
	sum := func(cl *changelog) int64 {
		var n int64
		for _, v := range cl.pending {
			if v > 0 {
				n += v
			}
		}
		return n
	}

	best := participants[0]
	for _, j := range participants[1:] {
		a, b := logs[j], logs[best]
		if a.version > b.version || (a.version == b.version && sum(a) > sum(b)) {
			best = j
		}
	}
	d.latest = best
	for _, j := range participants {
		if j != best {
			d.sinks = append(d.sinks, j)
		}
	}
	d.clean = len(d.sinks) == 0
	return d
}

// decide picks the latest replica. logs is indexed by child; a nil entry is a
// replica that does not participate.
//
// The debt of replica j is the sum of the pending counters the other trusted
// participants hold against j. A unique minimum debt designates the latest
// replica and every participant owing more is a sink. Several replicas tied
// at a non-zero minimum accuse each other: that is split-brain. Replicas tied
// at zero are in sync, and the lowest index among them is the source. When
// nobody owes anything the version counters decide: replicas behind the
// highest version are sinks.
func decide(logs []*changelog) decision {
	d := decision{latest: -1, debt: make([]int64, len(logs))}

	var participants []int
	for j, cl := range logs {
		if cl != nil {
			participants = append(participants, j)
		}
	}
	if len(participants) == 0 {
		return d
	}

	// A replica with a pending counter against itself missed an operation
	// it had started: its accusations are not trusted.
	accuser := make([]bool, len(logs))
	fools := 0
	for _, i := range participants {
		if logs[i].pending[i] > 0 {
			fools++
			continue
		}
		accuser[i] = true
	}
	if fools == len(participants) {
		return wisestFool(logs, participants, d)
	}

	total := int64(0)
	for _, j := range participants {
		for _, i := range participants {
			if i == j || !accuser[i] {
				continue
			}
			if v := logs[i].pending[j]; v > 0 {
				d.debt[j] += v
			}
		}
		total += d.debt[j]
	}

	if total == 0 {
		maxVersion := logs[participants[0]].version
		d.latest = participants[0]
		for _, j := range participants[1:] {
			if logs[j].version > maxVersion {
				maxVersion = logs[j].version
				d.latest = j
			}
		}
		for _, j := range participants {
			if logs[j].version < maxVersion {
				d.sinks = append(d.sinks, j)
			}
		}
		d.clean = len(d.sinks) == 0
		return d
	}

	minDebt := d.debt[participants[0]]
	for _, j := range participants[1:] {
		if d.debt[j] < minDebt {
			minDebt = d.debt[j]
		}
	}
	var candidates []int
	for _, j := range participants {
		if d.debt[j] == minDebt {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) > 1 && minDebt > 0 {
		d.splitBrain = true
		return d
	}

	d.latest = candidates[0]
	for _, j := range participants {
		if d.debt[j] > minDebt {
			d.sinks = append(d.sinks, j)
		}
	}
	return d
}

// resetDelta builds the xattrop ADD that brings replica own to the
// reconciled changelog of a healed inode: counters between participants
// drop to zero, counters against replicas that took no part take the value
// the latest replica holds, and the version becomes the latest replica's.
// Expressed as deltas against what own reported, so debt recorded by an
// operation that raced the heal survives.
func resetDelta(names []string, participant []bool, latest, own *changelog) xlator.Dict {
	d := make(xlator.Dict, len(names)+1)
	for j, name := range names {
		target := int64(0)
		if !participant[j] {
			target = latest.pending[j]
		}
		if delta := target - own.pending[j]; delta != 0 {
			d.SetInt(PendingKey(name), delta)
		}
	}
	if delta := latest.version - own.version; delta != 0 {
		d.SetInt(VersionKey, delta)
	}
	return d
}
