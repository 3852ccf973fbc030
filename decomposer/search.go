// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package decomposer

const (
	// maxExactElements is the largest number of outputs an exact
	// decomposition may contain.
	maxExactElements = 16

	// maxExactDenominations is the largest number of denominations the
	// exact search considers.  Solutions are recorded as byte indices into
	// the denomination list.
	maxExactDenominations = 255

	// maxExactSolutions bounds how many exact decompositions are
	// collected for a single input sum.
	maxExactSolutions = 10_000

	// maxExactSteps bounds the number of search nodes visited so a dense
	// menu cannot stall registration.
	maxExactSteps = 2_000_000
)

// exactSearch enumerates multisets of costs whose sum lies within
// [target-tolerance, target].  Costs must be positive and sorted in
// descending order.  Each solution is returned as a list of indices into
// costs in non-decreasing order, so every multiset is produced once.
func exactSearch(costs []int64, target, tolerance int64,
	maxCount int) [][]uint8 {

	if len(costs) > maxExactDenominations {
		costs = costs[:maxExactDenominations]
	}
	if maxCount > maxExactElements {
		maxCount = maxExactElements
	}
	if maxCount <= 0 || target <= 0 {
		return nil
	}

	var (
		solutions [][]uint8
		stack     = make([]uint8, 0, maxCount)
		steps     int
		floor     = target - tolerance
	)

	var search func(start int, sum int64)
	search = func(start int, sum int64) {
		steps++
		if len(stack) > 0 && sum >= floor {
			solution := make([]uint8, len(stack))
			copy(solution, stack)
			solutions = append(solutions, solution)
		}
		if len(stack) == maxCount {
			return
		}

		slots := int64(maxCount - len(stack))
		for i := start; i < len(costs); i++ {
			if len(solutions) >= maxExactSolutions ||
				steps >= maxExactSteps {

				return
			}

			c := costs[i]
			if sum+c > target {
				continue
			}

			// Every later cost is at most c, so if filling all
			// remaining slots with c cannot reach the floor, no
			// later index can either.
			if sum+slots*c < floor {
				break
			}

			stack = append(stack, uint8(i))
			search(i, sum+c)
			stack = stack[:len(stack)-1]
		}
	}
	search(0, 0)

	return solutions
}
