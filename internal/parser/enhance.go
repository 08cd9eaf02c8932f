package parser

import (
	"regexp"
	"slices"
	"strings"

	"github.com/MrWong99/voicecmd/internal/temporal"
	"github.com/MrWong99/voicecmd/pkg/types"
)

var (
	fillerRe = regexp.MustCompile(`(?i)\b(?:u+m+|u+h+|erm?|hmm+|you know,|i mean,|like,)(?:[,.]|\s|$)+`)
	spaceRe  = regexp.MustCompile(`\s+`)

	pronounRe  = regexp.MustCompile(`(?i)\b(it|this|that|these|those|them|him|her|he|she|they)\b`)
	implicitRe = regexp.MustCompile(`(?i)\b(?:(?:the|my|our|this|that)\s+(?:team|project|channel|task|meeting|group|report|usual|same)|everyone|everybody|all hands)\b`)
)

// Enhance normalises a transcript for the model: filler words are removed
// and whitespace is collapsed.
func Enhance(transcript string) string {
	s := fillerRe.ReplaceAllString(transcript, " ")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// DetectReferences finds the context-dependent phrases in text: pronouns,
// temporal phrases and implicit entity references. Each list holds unique
// lower-case entries in order of appearance.
func DetectReferences(text string, dates []temporal.Resolution) types.ContextReferences {
	var refs types.ContextReferences
	for _, m := range pronounRe.FindAllString(text, -1) {
		refs.Pronouns = appendUnique(refs.Pronouns, m)
	}
	for _, d := range dates {
		refs.TemporalPhrases = appendUnique(refs.TemporalPhrases, d.SourceText)
	}
	for _, m := range implicitRe.FindAllString(text, -1) {
		refs.ImplicitEntities = appendUnique(refs.ImplicitEntities, spaceRe.ReplaceAllString(m, " "))
	}
	return refs
}

// mergeReferences unions detected and model-reported references. It returns
// nil when both are empty.
func mergeReferences(detected types.ContextReferences, reported *types.ContextReferences) *types.ContextReferences {
	out := detected
	if reported != nil {
		for _, p := range reported.Pronouns {
			out.Pronouns = appendUnique(out.Pronouns, p)
		}
		for _, p := range reported.TemporalPhrases {
			out.TemporalPhrases = appendUnique(out.TemporalPhrases, p)
		}
		for _, p := range reported.ImplicitEntities {
			out.ImplicitEntities = appendUnique(out.ImplicitEntities, p)
		}
	}
	if out.Empty() {
		return nil
	}
	return &out
}

func appendUnique(list []string, s string) []string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || slices.Contains(list, s) {
		return list
	}
	return append(list, s)
}
