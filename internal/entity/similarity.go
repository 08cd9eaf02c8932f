package entity

import (
	"cmp"
	"slices"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// substringBoost is added to the Jaccard score when one normalised string
// contains the other.
const substringBoost = 0.3

// Similarity scores a against b in [0, 1]: token-set Jaccard similarity plus
// [substringBoost] when either string is a substring of the other, clamped to
// 1. Comparison is case-insensitive.
func Similarity(a, b string) float64 {
	na, nb := normalize(a), normalize(b)
	if na == "" || nb == "" {
		return 0
	}

	ta, tb := tokenSet(na), tokenSet(nb)
	inter := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter

	score := 0.0
	if union > 0 {
		score = float64(inter) / float64(union)
	}
	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		score += substringBoost
	}
	return min(score, 1)
}

type candidate struct {
	id    string
	name  string
	score float64
	jw    float64
}

// rank scores every name against mention, keeps those above keep and sorts
// them best first. Equal scores are ordered by Jaro-Winkler similarity to the
// mention, then by name.
func rank(mention string, ids, names []string, keep float64) []candidate {
	m := normalize(mention)
	var out []candidate
	for i, name := range names {
		s := Similarity(mention, name)
		if s <= keep {
			continue
		}
		out = append(out, candidate{
			id:    ids[i],
			name:  name,
			score: s,
			jw:    matchr.JaroWinkler(m, normalize(name), false),
		})
	}
	slices.SortStableFunc(out, func(a, b candidate) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		if c := cmp.Compare(b.jw, a.jw); c != 0 {
			return c
		}
		return strings.Compare(a.name, b.name)
	})
	return out
}

func normalize(s string) string {
	return strings.Join(tokens(s), " ")
}

func tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range strings.Fields(s) {
		set[t] = struct{}{}
	}
	return set
}
