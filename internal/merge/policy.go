package merge

import (
	"time"
)

// Kind enumerates the conflict resolution strategies a table can use.
type Kind string

const (
	// KindLastWriterWins keeps the row with the greater updated_at.
	KindLastWriterWins Kind = "lww"
	// KindMaxMerge keeps the row with the numerically larger counter.
	KindMaxMerge Kind = "max-merge"
	// KindRemoteAuthoritative mirrors the remote store without local merging.
	KindRemoteAuthoritative Kind = "remote-authoritative"
)

// Direction reports which side won a reconciliation.
type Direction int

const (
	// KeepLocal means the local value survives.
	KeepLocal Direction = iota
	// KeepRemote means the remote value replaces the local one.
	KeepRemote
)

// String returns a human-readable direction.
func (d Direction) String() string {
	switch d {
	case KeepLocal:
		return "keep-local"
	case KeepRemote:
		return "keep-remote"
	default:
		return "unknown"
	}
}

// Timestamped rows expose their modification time; ok is false for legacy rows
// that were persisted before timestamps were tracked.
type Timestamped interface {
	ModifiedAt() (time.Time, bool)
}

// Counter rows expose a monotonically non-decreasing magnitude.
type Counter interface {
	Count() int64
}

// Policy binds the newer-than comparison of one entity type.
type Policy[R any] struct {
	kind    Kind
	isNewer func(a R, b *R) bool
}

// Kind returns the strategy the policy implements.
func (p Policy[R]) Kind() Kind {
	return p.kind
}

// IsNewer reports whether a should replace b. A nil b always loses.
func (p Policy[R]) IsNewer(a R, b *R) bool {
	if b == nil {
		return true
	}
	return p.isNewer(a, b)
}

// Reconcile picks the winner between a remote and a local value.
func (p Policy[R]) Reconcile(remote, local R) (R, Direction) {
	if p.IsNewer(remote, &local) {
		return remote, KeepRemote
	}
	return local, KeepLocal
}

// LastWriterWins builds a policy comparing updated_at. An undated a is never newer;
// an undated b loses to any dated a.
func LastWriterWins[R Timestamped]() Policy[R] {
	return Policy[R]{
		kind: KindLastWriterWins,
		isNewer: func(a R, b *R) bool {
			return newerByTimestamp(a, *b)
		},
	}
}

// MaxMerge builds a policy where the larger counter always wins, ignoring timestamps.
func MaxMerge[R Counter]() Policy[R] {
	return Policy[R]{
		kind: KindMaxMerge,
		isNewer: func(a R, b *R) bool {
			return a.Count() > (*b).Count()
		},
	}
}

// LegacyAware builds a last-writer-wins policy that protects undated legacy values:
// a dated a replaces an undated b only when same reports the two carry identical content,
// which upgrades b to a's timestamp without changing what the user sees.
func LegacyAware[R Timestamped](same func(a, b R) bool) Policy[R] {
	return Policy[R]{
		kind: KindLastWriterWins,
		isNewer: func(a R, b *R) bool {
			_, aDated := a.ModifiedAt()
			_, bDated := (*b).ModifiedAt()
			if aDated && !bDated {
				return same(a, *b)
			}
			return newerByTimestamp(a, *b)
		},
	}
}

func newerByTimestamp[R Timestamped](a, b R) bool {
	aTime, aDated := a.ModifiedAt()
	if !aDated {
		return false
	}
	bTime, bDated := b.ModifiedAt()
	if !bDated {
		return true
	}
	return aTime.After(bTime)
}
