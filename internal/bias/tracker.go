// Package bias detects "bias echo": the same bias category being
// flagged again and again across the reruns of one loop family, which
// signals that further reruns are exploring the same dead end.
package bias

import (
	"strings"

	"github.com/nugget/loopguard/internal/looptrace"
)

// DefaultThreshold is the family-scoped occurrence count at which a tag
// counts as repeated.
const DefaultThreshold = 3

// Tracker counts bias tags per family. It holds no state of its own:
// the caller owns the family's counts and passes them in on each call.
type Tracker struct {
	Threshold int
}

// Result is the outcome of recording one attempt's bias tags.
type Result struct {
	BiasEcho bool `json:"bias_echo"`
	// RepeatedTags lists tags from this attempt whose family count has
	// reached the threshold, in the order they were flagged.
	RepeatedTags []string `json:"repeated_tags"`
	// Counts is the family tally after this attempt.
	Counts map[string]int `json:"counts"`
	// Increments lists the tags counted by this attempt, for the
	// cross-family reporting tally.
	Increments []string `json:"increments,omitempty"`
}

func (tr Tracker) threshold() int {
	if tr.Threshold <= 0 {
		return DefaultThreshold
	}
	return tr.Threshold
}

// Record adds one occurrence of each distinct tag to a copy of counts
// and reports which tags are now repeated. counts itself is not
// modified, and tags absent from the input keep their prior count.
// Tags are matched case-insensitively; blank tags are ignored.
func (tr Tracker) Record(counts map[string]int, tags []looptrace.BiasTag) Result {
	next := make(map[string]int, len(counts)+len(tags))
	for k, v := range counts {
		next[k] = v
	}

	res := Result{
		RepeatedTags: []string{},
		Counts:       next,
	}

	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		tag := Normalize(t.Tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		next[tag]++
		res.Increments = append(res.Increments, tag)
		if next[tag] >= tr.threshold() {
			res.RepeatedTags = append(res.RepeatedTags, tag)
		}
	}

	res.BiasEcho = len(res.RepeatedTags) > 0
	return res
}

// Normalize canonicalizes a bias tag for counting.
func Normalize(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}
