package historical

import (
	"github.com/devrev/pairdb/replication/internal/model"
)

// ValueInfo is the known history of one value of a multi-valued attribute.
// A ValueInfo is never mutated; a newer event replaces it in its AttrInfo.
type ValueInfo struct {
	value      string
	updateTime *model.ChangeNumber
	deleteTime *model.ChangeNumber
}

func newAddedValue(value string, cn model.ChangeNumber) *ValueInfo {
	return &ValueInfo{value: value, updateTime: cn.Ptr()}
}

func newDeletedValue(value string, cn model.ChangeNumber) *ValueInfo {
	return &ValueInfo{value: value, deleteTime: cn.Ptr()}
}

// Value returns the raw value
func (v *ValueInfo) Value() string {
	return v.value
}

// UpdateTime returns when the value was last added or kept, nil if it was deleted
func (v *ValueInfo) UpdateTime() *model.ChangeNumber {
	return v.updateTime
}

// DeleteTime returns when the value was last deleted, nil if it is held
func (v *ValueInfo) DeleteTime() *model.ChangeNumber {
	return v.deleteTime
}

// IsUpdate reports whether the last recorded event added the value
func (v *ValueInfo) IsUpdate() bool {
	return v.updateTime != nil
}

// Equal compares value identity and update time; delete time is metadata.
func (v *ValueInfo) Equal(o *ValueInfo) bool {
	if o == nil {
		return false
	}
	return model.NormalizeValue(v.value) == model.NormalizeValue(o.value) &&
		model.Compare(v.updateTime, o.updateTime) == 0
}

func (v *ValueInfo) time() model.ChangeNumber {
	if v.updateTime != nil {
		return *v.updateTime
	}
	return *v.deleteTime
}
