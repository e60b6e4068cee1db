package resolve

// Similarity measures how alike two strings are on a 0..1 scale:
// 1 - editDistance(longer, shorter) / len(longer). Identical strings
// score 1, disjoint strings approach 0. Operates on runes so
// multi-byte text is not penalized.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) < len(rb) {
		ra, rb = rb, ra
	}
	if len(ra) == 0 {
		return 1
	}
	return 1 - float64(editDistance(ra, rb))/float64(len(ra))
}

// editDistance is the Levenshtein distance via the standard O(n*m)
// dynamic-programming recurrence, with a rolling row to keep memory
// at O(min(n,m)).
func editDistance(a, b []rune) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
