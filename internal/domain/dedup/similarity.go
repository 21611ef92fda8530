package dedup

import "math"

// Ratio returns the Gestalt (Ratcliff/Obershelp) similarity of x and y on a
// 0-100 scale: 200*M/(len(x)+len(y)), where M counts characters in matching
// blocks found by repeatedly taking the longest common substring and
// recursing on both sides of it. Lengths are in runes.
func Ratio(x, y string) int {
	a, b := []rune(x), []rune(y)
	total := len(a) + len(b)
	if total == 0 {
		return 100
	}
	m := matchingChars(a, b)
	return int(math.Round(200 * float64(m) / float64(total)))
}

func matchingChars(a, b []rune) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	i, j, k := longestMatch(a, b)
	if k == 0 {
		return 0
	}
	return k + matchingChars(a[:i], b[:j]) + matchingChars(a[i+k:], b[j+k:])
}

// longestMatch finds the longest common substring. Ties go to the block
// starting earliest in a, then earliest in b.
func longestMatch(a, b []rune) (bestI, bestJ, bestK int) {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := range a {
		for j := range b {
			if a[i] != b[j] {
				cur[j+1] = 0
				continue
			}
			cur[j+1] = prev[j] + 1
			if cur[j+1] > bestK {
				bestK = cur[j+1]
				bestI = i - bestK + 1
				bestJ = j - bestK + 1
			}
		}
		prev, cur = cur, prev
	}
	return bestI, bestJ, bestK
}
