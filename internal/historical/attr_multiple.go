package historical

import (
	"github.com/devrev/pairdb/replication/internal/model"
)

// multipleAttrInfo tracks a multi-valued attribute: a whole attribute delete
// time plus one ValueInfo per value ever touched, in insertion order.
type multipleAttrInfo struct {
	deleteTime     *model.ChangeNumber
	lastUpdateTime *model.ChangeNumber
	keys           []string
	values         map[string]*ValueInfo
}

func newMultipleAttrInfo() *multipleAttrInfo {
	return &multipleAttrInfo{values: make(map[string]*ValueInfo)}
}

func (a *multipleAttrInfo) DeleteTime() *model.ChangeNumber {
	return a.deleteTime
}

// ValueInfos returns the value history in insertion order
func (a *multipleAttrInfo) ValueInfos() []*ValueInfo {
	out := make([]*ValueInfo, 0, len(a.keys))
	for _, k := range a.keys {
		out = append(out, a.values[k])
	}
	return out
}

func (a *multipleAttrInfo) get(value string) *ValueInfo {
	return a.values[model.NormalizeValue(value)]
}

func (a *multipleAttrInfo) remove(value string) {
	key := model.NormalizeValue(value)
	if _, ok := a.values[key]; !ok {
		return
	}
	delete(a.values, key)
	for i, k := range a.keys {
		if k == key {
			a.keys = append(a.keys[:i], a.keys[i+1:]...)
			break
		}
	}
}

// put replaces any history of the same value and moves it last
func (a *multipleAttrInfo) put(vi *ValueInfo) {
	a.remove(vi.value)
	key := model.NormalizeValue(vi.value)
	a.keys = append(a.keys, key)
	a.values[key] = vi
}

func (a *multipleAttrInfo) bumpDeleteTime(cn model.ChangeNumber) {
	if cn.Newer(a.deleteTime) {
		a.deleteTime = cn.Ptr()
	}
}

func (a *multipleAttrInfo) bumpLastUpdateTime(cn model.ChangeNumber) {
	if cn.Newer(a.lastUpdateTime) {
		a.lastUpdateTime = cn.Ptr()
	}
}

// deleteAll forgets every value event not newer than cn and records the delete
func (a *multipleAttrInfo) deleteAll(cn model.ChangeNumber) {
	for _, vi := range a.ValueInfos() {
		if cn.NewerOrEqual(vi.deleteTime) && cn.NewerOrEqual(vi.updateTime) {
			a.remove(vi.value)
		}
	}
	a.bumpDeleteTime(cn)
	a.bumpLastUpdateTime(cn)
}

func (a *multipleAttrInfo) deleteValues(values []string, cn model.ChangeNumber) {
	for _, v := range values {
		a.put(newDeletedValue(v, cn))
	}
	a.bumpLastUpdateTime(cn)
}

func (a *multipleAttrInfo) addValues(values []string, cn model.ChangeNumber) {
	for _, v := range values {
		a.put(newAddedValue(v, cn))
	}
	a.bumpLastUpdateTime(cn)
}

func (a *multipleAttrInfo) processLocal(cn model.ChangeNumber, mod *model.Modification) {
	switch mod.Type {
	case model.ModDelete:
		if len(mod.Values) == 0 {
			a.deleteAll(cn)
		} else {
			a.deleteValues(mod.Values, cn)
		}
	case model.ModAdd:
		a.addValues(mod.Values, cn)
	case model.ModReplace:
		a.deleteAll(cn)
		a.addValues(mod.Values, cn)
	}
}

func (a *multipleAttrInfo) replay(cn model.ChangeNumber, mod *model.Modification, entry *model.Entry) bool {
	if cn.NewerOrEqual(a.lastUpdateTime) && mod.Type == model.ModReplace {
		a.processLocal(cn, mod)
		return true
	}

	switch mod.Type {
	case model.ModDelete:
		if cn.Older(a.deleteTime) {
			return false
		}
		return a.conflictDelete(cn, mod, entry)

	case model.ModAdd:
		return a.conflictAdd(cn, mod)

	case model.ModReplace:
		if cn.Older(a.deleteTime) {
			return false
		}
		added := mod.Values
		mod.Values = nil
		a.conflictDelete(cn, mod, entry)
		kept := mod.Values

		mod.Values = append([]string(nil), added...)
		a.conflictAdd(cn, mod)

		mod.Type = model.ModReplace
		mod.Values = append(kept, mod.Values...)
		return true
	}
	return false
}

// conflictDelete resolves a delete that is older than the last update of the attribute.
func (a *multipleAttrInfo) conflictDelete(cn model.ChangeNumber, mod *model.Modification, entry *model.Entry) bool {
	if len(mod.Values) == 0 {
		// Values updated after cn survive: the delete degrades to a replace by them.
		mod.Type = model.ModReplace
		var kept []string
		for _, vi := range a.ValueInfos() {
			if cn.Older(vi.updateTime) {
				kept = append(kept, vi.value)
			} else if cn.NewerOrEqual(vi.deleteTime) {
				a.remove(vi.value)
			}
		}
		mod.Values = kept
		a.bumpDeleteTime(cn)
		a.bumpLastUpdateTime(cn)
		return true
	}

	for _, v := range append([]string(nil), mod.Values...) {
		deleteIt := true
		addedInCurrentOp := false

		if old := a.get(v); old != nil {
			if cn.Equal(old.updateTime) {
				addedInCurrentOp = true
			}
			if cn.NewerOrEqual(old.deleteTime) && cn.NewerOrEqual(old.updateTime) {
				a.put(newDeletedValue(v, cn))
			} else if old.IsUpdate() {
				deleteIt = false
			}
		} else {
			a.put(newDeletedValue(v, cn))
		}

		if !deleteIt || (!entry.HasValue(mod.Attribute, v) && !addedInCurrentOp) {
			removeModValue(mod, v)
			if len(mod.Values) == 0 {
				return false
			}
		}
	}
	a.bumpLastUpdateTime(cn)
	return true
}

// conflictAdd keeps the values whose add is newer than what history knows of them.
func (a *multipleAttrInfo) conflictAdd(cn model.ChangeNumber, mod *model.Modification) bool {
	if cn.Older(a.deleteTime) {
		mod.Values = nil
		return false
	}

	for _, v := range append([]string(nil), mod.Values...) {
		old := a.get(v)
		switch {
		case old == nil:
			a.put(newAddedValue(v, cn))
		case old.IsUpdate():
			if cn.Newer(old.updateTime) {
				a.put(newAddedValue(v, cn))
			}
			removeModValue(mod, v)
		default:
			if cn.NewerOrEqual(old.deleteTime) {
				a.put(newAddedValue(v, cn))
			} else {
				removeModValue(mod, v)
			}
		}
	}
	a.bumpLastUpdateTime(cn)
	return len(mod.Values) > 0
}

func (a *multipleAttrInfo) assign(hv HistoricalValue) {
	cn := hv.ChangeNumber
	switch hv.Kind {
	case KindAdd:
		a.addValues([]string{hv.Value}, cn)
	case KindDel:
		a.deleteValues([]string{hv.Value}, cn)
	case KindRepl:
		a.deleteAll(cn)
		a.addValues([]string{hv.Value}, cn)
	case KindAttrDel:
		a.deleteAll(cn)
	}
}

func (a *multipleAttrInfo) encode(attr string) []HistoricalValue {
	var out []HistoricalValue
	replEmitted := false
	for _, vi := range a.ValueInfos() {
		switch {
		case vi.deleteTime != nil:
			out = append(out, HistoricalValue{Attribute: attr, ChangeNumber: *vi.deleteTime, Kind: KindDel, Value: vi.value, HasValue: true})
		case a.deleteTime != nil && !replEmitted && vi.updateTime.Equal(a.deleteTime):
			replEmitted = true
			out = append(out, HistoricalValue{Attribute: attr, ChangeNumber: *vi.updateTime, Kind: KindRepl, Value: vi.value, HasValue: true})
		default:
			out = append(out, HistoricalValue{Attribute: attr, ChangeNumber: *vi.updateTime, Kind: KindAdd, Value: vi.value, HasValue: true})
		}
	}
	if a.deleteTime != nil && !replEmitted {
		out = append(out, HistoricalValue{Attribute: attr, ChangeNumber: *a.deleteTime, Kind: KindAttrDel})
	}
	return out
}

// purge forgets events older than before; the last update time is rebuilt
// from what remains, as a decode of the purged history would.
func (a *multipleAttrInfo) purge(before model.ChangeNumber) int {
	purged := 0
	for _, vi := range a.ValueInfos() {
		if vi.time().Older(&before) {
			a.remove(vi.value)
			purged++
		}
	}
	if a.deleteTime != nil && a.deleteTime.Older(&before) {
		a.deleteTime = nil
		purged++
	}
	if purged > 0 {
		a.lastUpdateTime = a.deleteTime
		for _, vi := range a.values {
			a.bumpLastUpdateTime(vi.time())
		}
	}
	return purged
}

func (a *multipleAttrInfo) isEmpty() bool {
	return len(a.keys) == 0 && a.deleteTime == nil
}
