package historical

import (
	"github.com/devrev/pairdb/replication/internal/model"
)

// AttrInfo is the conflict record of one attribute description.
// Implementations are not safe for concurrent use; callers hold the entry lock.
type AttrInfo interface {
	// DeleteTime returns the last whole attribute delete
	DeleteTime() *model.ChangeNumber

	// replay resolves a replicated modification against the history and
	// rewrites mod in place. It returns false when mod must be dropped.
	replay(cn model.ChangeNumber, mod *model.Modification, entry *model.Entry) bool

	// processLocal records a modification that cannot conflict
	processLocal(cn model.ChangeNumber, mod *model.Modification)

	// assign rebuilds the record from one decoded historical value
	assign(hv HistoricalValue)

	encode(attr string) []HistoricalValue
	purge(before model.ChangeNumber) int
	isEmpty() bool
}

func newAttrInfo(singleValued bool) AttrInfo {
	if singleValued {
		return &singleAttrInfo{}
	}
	return newMultipleAttrInfo()
}

// removeModValue drops value from the modification, comparing normalized forms
func removeModValue(mod *model.Modification, value string) {
	key := model.NormalizeValue(value)
	kept := mod.Values[:0]
	for _, v := range mod.Values {
		if model.NormalizeValue(v) != key {
			kept = append(kept, v)
		}
	}
	mod.Values = kept
}
