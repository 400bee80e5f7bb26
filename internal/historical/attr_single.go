package historical

import (
	"github.com/devrev/pairdb/replication/internal/model"
)

// singleAttrInfo tracks a single-valued attribute as a last-writer-wins
// register: the newest value written and when, and the newest time the
// attribute was cleared. Both times only move forward, so the record reached
// after a set of changes does not depend on the order they were replayed in.
//
// A value is held only while its add time is not older than the delete time.
// Equal times come from one operation (a replace, or a delete then an add)
// whose later modification already decided.
type singleAttrInfo struct {
	deleteTime *model.ChangeNumber
	addTime    *model.ChangeNumber
	value      *string
}

func (a *singleAttrInfo) DeleteTime() *model.ChangeNumber {
	return a.deleteTime
}

// AddTime returns when the held value was written, nil if none is held
func (a *singleAttrInfo) AddTime() *model.ChangeNumber {
	return a.addTime
}

// supersededAt reports whether a value written at cn loses against the record
func (a *singleAttrInfo) supersededAt(cn model.ChangeNumber) bool {
	return cn.Older(a.deleteTime) || (a.value != nil && cn.Older(a.addTime))
}

// clearAt records a delete of the attribute at cn. It reports whether the
// attribute ends up without a value; a newer held value survives.
func (a *singleAttrInfo) clearAt(cn model.ChangeNumber) bool {
	a.deleteTime = model.MaxChangeNumber(a.deleteTime, cn.Ptr())
	if a.value != nil && cn.Older(a.addTime) {
		return false
	}
	a.addTime = nil
	a.value = nil
	return true
}

// setAt records value written at cn; a replace also clears at cn. It reports
// whether value is now held.
func (a *singleAttrInfo) setAt(cn model.ChangeNumber, value string, replace bool) bool {
	lost := a.supersededAt(cn)
	if replace {
		a.deleteTime = model.MaxChangeNumber(a.deleteTime, cn.Ptr())
	}
	if lost {
		return false
	}
	a.addTime = cn.Ptr()
	a.value = &value
	return true
}

func (a *singleAttrInfo) processLocal(cn model.ChangeNumber, mod *model.Modification) {
	switch {
	case mod.Type == model.ModDelete, mod.Type == model.ModReplace && len(mod.Values) == 0:
		a.clearAt(cn)
	case len(mod.Values) > 0:
		a.setAt(cn, mod.Values[0], mod.Type == model.ModReplace)
	}
}

// heldValue is the value the entry holds before mod applies: the recorded one,
// else whatever the entry carries without history.
func (a *singleAttrInfo) heldValue(attr string, entry *model.Entry) *string {
	if a.value != nil {
		return a.value
	}
	if values := entry.Values(attr); len(values) > 0 {
		return &values[0]
	}
	return nil
}

func (a *singleAttrInfo) replay(cn model.ChangeNumber, mod *model.Modification, entry *model.Entry) bool {
	held := a.heldValue(mod.Attribute, entry)

	switch mod.Type {
	case model.ModAdd:
		if len(mod.Values) == 0 || !a.setAt(cn, mod.Values[0], false) {
			return false
		}
		mod.Values = mod.Values[:1]
		if held != nil {
			// the origin never saw the held value, the newer write takes its place
			mod.Type = model.ModReplace
		}
		return true

	case model.ModReplace:
		if len(mod.Values) == 0 {
			return a.clearAt(cn)
		}
		if !a.setAt(cn, mod.Values[0], true) {
			return false
		}
		mod.Values = mod.Values[:1]
		return true

	case model.ModDelete:
		if !a.clearAt(cn) || held == nil {
			return false
		}
		if len(mod.Values) > 0 && model.NormalizeValue(mod.Values[0]) != model.NormalizeValue(*held) {
			// the value named by the origin was since replaced, clear whatever is held
			mod.Values = nil
		}
		return true
	}
	return false
}

func (a *singleAttrInfo) assign(hv HistoricalValue) {
	cn := hv.ChangeNumber
	switch hv.Kind {
	case KindAdd:
		a.setAt(cn, hv.Value, false)
	case KindRepl:
		a.setAt(cn, hv.Value, true)
	case KindDel, KindAttrDel:
		a.clearAt(cn)
	}
}

func (a *singleAttrInfo) encode(attr string) []HistoricalValue {
	var out []HistoricalValue
	if a.value != nil {
		if a.addTime.Equal(a.deleteTime) {
			return []HistoricalValue{{Attribute: attr, ChangeNumber: *a.addTime, Kind: KindRepl, Value: *a.value, HasValue: true}}
		}
		out = append(out, HistoricalValue{Attribute: attr, ChangeNumber: *a.addTime, Kind: KindAdd, Value: *a.value, HasValue: true})
	}
	if a.deleteTime != nil {
		out = append(out, HistoricalValue{Attribute: attr, ChangeNumber: *a.deleteTime, Kind: KindAttrDel})
	}
	return out
}

func (a *singleAttrInfo) purge(before model.ChangeNumber) int {
	if a.deleteTime == nil || !a.deleteTime.Older(&before) {
		return 0
	}
	if a.value != nil && a.addTime.Equal(a.deleteTime) {
		return 0
	}
	a.deleteTime = nil
	return 1
}

func (a *singleAttrInfo) isEmpty() bool {
	return a.value == nil && a.deleteTime == nil
}
