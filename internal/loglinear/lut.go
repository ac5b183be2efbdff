package loglinear

// numIntraLevels is the number of hierarchical levels that fit inside one
// chunk of bt positions: log2(bt) + 1, counting the diagonal as level 0.
func numIntraLevels(bt int) int {
	n := 1
	for p := 1; p < bt; p <<= 1 {
		n++
	}
	return n
}

// levelTable maps every causal (query, key) pair inside a chunk to its
// hierarchical level. Level 0 is the diagonal; level l >= 1 covers queries
// in the upper half of their 2^l-aligned block attending to the block's
// lower half. The table is row-major [bt][bt]; entries above the diagonal
// are unused.
func levelTable(bt int) []int {
	lut := make([]int, bt*bt)
	for level := 1; 1<<(level-1) < bt; level++ {
		half := 1 << (level - 1)
		for i := 0; i < bt; i++ {
			if i%(half*2) < half {
				continue
			}
			blockStart := i - i%half
			for j := max(0, blockStart-half); j < blockStart; j++ {
				lut[i*bt+j] = level
			}
		}
	}
	return lut
}
