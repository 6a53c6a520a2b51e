package reactions

import "sort"

// Tally maps a reaction kind (display symbol) to its observed count.
type Tally map[string]int

// Clone returns an independent copy. A nil tally clones to an empty one.
func (t Tally) Clone() Tally {
	clone := make(Tally, len(t))
	for kind, count := range t {
		clone[kind] = count
	}
	return clone
}

// Kinds returns the reaction kinds in a stable order.
func (t Tally) Kinds() []string {
	kinds := make([]string, 0, len(t))
	for kind := range t {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Total sums every count in the tally.
func (t Tally) Total() int {
	total := 0
	for _, count := range t {
		total += count
	}
	return total
}

// Merge folds a fresh observation into the previously stored tally, keeping
// per kind the larger of the two counts. Kinds absent from the observation
// keep their stored count, so a short read can never lower a tally.
func Merge(previous, observed Tally) Tally {
	merged := previous.Clone()
	for kind, count := range observed {
		if count > merged[kind] {
			merged[kind] = count
		}
	}
	return merged
}

// Combine sums two tallies per kind over the union of their kinds.
func Combine(first, second Tally) Tally {
	combined := first.Clone()
	for kind, count := range second {
		combined[kind] += count
	}
	return combined
}

// Equal reports whether both tallies hold the same non-zero counts.
func Equal(first, second Tally) bool {
	for kind, count := range first {
		if second[kind] != count {
			return false
		}
	}
	for kind, count := range second {
		if first[kind] != count {
			return false
		}
	}
	return true
}
