package honggfuzz

// Search64 locates key in the ascending slice a by interpolation search and
// returns its index. The probe position is estimated from where key falls
// between the values at the current bounds, which beats binary search on
// near-uniform data and degrades to a linear left-to-right walk otherwise.
// The interior division truncates; that imprecision only costs extra
// iterations, never correctness. Duplicates are allowed. When the bracket
// collapses onto a run of identical values, the index of its lower bound is
// returned if the value matches. Search64 panics on an empty slice.
func Search64(a []uint64, key uint64) (int, bool) {
	if len(a) == 0 {
		panic("Search64: empty slice")
	}
	low, high := 0, len(a)-1
	// The a[high] != a[low] condition must stay first: it guards the
	// division below.
	for a[high] != a[low] && key >= a[low] && key <= a[high] {
		mid := low + int((key-a[low])*(uint64(high-low)/(a[high]-a[low])))
		if a[mid] < key {
			low = mid + 1
		} else if key < a[mid] {
			high = mid - 1
		} else {
			return mid, true
		}
	}
	if a[low] == key {
		return low, true
	}
	return 0, false
}
