package vm

import (
	"golang.org/x/text/cases"
)

// foldIdent normalizes an identifier before Levenshtein scoring (spec §7's
// suggestion heuristic) so case and accent variants of the same identifier
// (café/Café) still score as a close or exact match instead of paying two
// edits for a case difference and a diacritic.
var foldIdent = cases.Fold()

func normalizeIdent(s string) string {
	return foldIdent.String(s)
}

// suggestName implements the "did you mean" heuristic referenced by
// resolveMethod and the GETGLOBAL name-error path (spec §7): the
// candidate within edit distance 2 of name that is closest, or "" if
// none qualifies, after both sides are case/diacritic-folded via
// golang.org/x/text/cases so confusable spellings aren't penalized for
// casing alone.
func (vm *VM) suggestName(name string, candidates []string) string {
	folded := normalizeIdent(name)
	best := ""
	bestDist := 3 // reject anything farther than 2 edits away
	for _, c := range candidates {
		d := levenshtein(folded, normalizeIdent(c))
		if d < bestDist {
			bestDist = d
			best = c
		}
	}
	return best
}

func levenshtein(a, b string) int {
	ar, br := []rune(a), []rune(b)
	la, lb := len(ar), len(br)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}
	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ar[i-1] == br[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			curr[j] = m
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}
