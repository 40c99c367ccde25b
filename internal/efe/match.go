package efe

import (
	"regexp"
	"slices"
	"strings"

	"github.com/antzucaro/matchr"
)

var (
	verbForms = []struct {
		re   *regexp.Regexp
		base string
	}{
		{regexp.MustCompile(`\b(?:buying|bought)\b`), "buy"},
		{regexp.MustCompile(`\b(?:calling|called)\b`), "call"},
		{regexp.MustCompile(`\b(?:getting|got)\b`), "get"},
		{regexp.MustCompile(`\b(?:making|made)\b`), "make"},
		{regexp.MustCompile(`\b(?:doing|did|done)\b`), "do"},
	}
	fillerWords = regexp.MustCompile(`\b(?:the|a|an|my|some)\b`)
)

// NormalizeReference lowercases s, reduces common verb inflections to their
// base form and drops articles and possessives, so that "bought the milk"
// and "Buy milk" compare equal.
func NormalizeReference(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, v := range verbForms {
		s = v.re.ReplaceAllString(s, v.base)
	}
	s = fillerWords.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}

// TaskMatch is the outcome of resolving a spoken task reference.
type TaskMatch struct {
	// Exact is set when a task's normalized title equals the reference.
	Exact *Task

	// Candidates are the partial matches, closest first. Empty when Exact
	// is set.
	Candidates []Task
}

// MatchTasks resolves reference against tasks. A task whose normalized
// title equals the normalized reference wins outright; otherwise every
// task sharing a word with the reference, or whose title contains or is
// contained in it, is a candidate. Candidates are ranked by Jaro-Winkler
// similarity of the normalized forms.
func MatchTasks(reference string, tasks []Task) TaskMatch {
	ref := NormalizeReference(reference)
	if ref == "" {
		ref = strings.ToLower(strings.TrimSpace(reference))
	}
	if ref == "" {
		return TaskMatch{}
	}

	for i := range tasks {
		if NormalizeReference(tasks[i].Title) == ref {
			return TaskMatch{Exact: &tasks[i]}
		}
	}

	refWords := strings.Fields(ref)
	type scored struct {
		task  Task
		score float64
	}
	var matches []scored
	for _, t := range tasks {
		norm := NormalizeReference(t.Title)
		title := strings.ToLower(t.Title)
		if title == "" {
			continue
		}
		if !sharesWord(refWords, strings.Fields(norm)) &&
			!strings.Contains(title, ref) && !strings.Contains(ref, title) {
			continue
		}
		matches = append(matches, scored{task: t, score: matchr.JaroWinkler(ref, norm, false)})
	}
	slices.SortStableFunc(matches, func(a, b scored) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		}
		return 0
	})

	out := TaskMatch{Candidates: make([]Task, 0, len(matches))}
	for _, m := range matches {
		out.Candidates = append(out.Candidates, m.task)
	}
	return out
}

func sharesWord(a, b []string) bool {
	for _, w := range a {
		if slices.Contains(b, w) {
			return true
		}
	}
	return false
}
