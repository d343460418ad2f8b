package mode

// defaultMutatingCategories is used when the runtime config leaves
// Runtime.MutatingCategories empty: unstated category membership
// defaults toward gating rather than allowing.
var defaultMutatingCategories = []string{"mutating", "integration"}

// Gate reports whether an action in the given category must be blocked
// with mode_gate_not_operate: mode is not OPERATE, the category is one
// of the configured mutating categories, and the request isn't part of
// a dry run.
func Gate(current Mode, category string, mutatingCategories []string, dryRun bool) bool {
	if current == Operate || dryRun {
		return false
	}
	cats := mutatingCategories
	if len(cats) == 0 {
		cats = defaultMutatingCategories
	}
	for _, c := range cats {
		if c == category {
			return true
		}
	}
	return false
}
