package looptrace

import (
	"strconv"
	"strings"
)

// rerunSep separates a family root ID from a rerun ordinal.
const rerunSep = "_r"

// ChildID returns the loop ID of the n-th rerun in the family rooted
// at root, e.g. ChildID("plan-7", 2) == "plan-7_r2".
func ChildID(root string, n int) string {
	return root + rerunSep + strconv.Itoa(n)
}

// RootOf returns the family root of a loop ID by stripping a trailing
// rerun ordinal. IDs without an ordinal are their own root.
func RootOf(loopID string) string {
	root, _ := split(loopID)
	return root
}

// DepthOf returns the rerun ordinal encoded in a loop ID, or 0 for a root.
func DepthOf(loopID string) int {
	_, n := split(loopID)
	return n
}

func split(loopID string) (string, int) {
	i := strings.LastIndex(loopID, rerunSep)
	if i <= 0 {
		return loopID, 0
	}
	digits := loopID[i+len(rerunSep):]
	if digits == "" || digits[0] == '0' {
		return loopID, 0
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 {
		return loopID, 0
	}
	return loopID[:i], n
}
