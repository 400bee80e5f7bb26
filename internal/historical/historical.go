package historical

import (
	"fmt"
	"sort"

	"github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/model"
)

// Historical is the conflict record of one entry. It is loaded from the
// ds-sync-hist attribute before a modification is resolved and written
// back in the same operation. Callers must hold the entry lock for the
// whole load, resolve and write cycle.
type Historical struct {
	schema    *model.Schema
	attrs     map[string]AttrInfo
	addCN     *model.ChangeNumber
	modDNCN   *model.ChangeNumber
	entryUUID string
}

// New creates an empty history
func New(schema *model.Schema) *Historical {
	if schema == nil {
		schema = model.DefaultSchema()
	}
	return &Historical{
		schema: schema,
		attrs:  make(map[string]AttrInfo),
	}
}

// Load decodes the history stored on entry. An entry without ds-sync-hist
// has an empty history.
func Load(entry *model.Entry, schema *model.Schema) (*Historical, error) {
	h := New(schema)
	h.entryUUID = entry.EntryUUID()

	tokens := entry.Values(model.HistoricalAttributeName)
	values := make([]HistoricalValue, 0, len(tokens))
	for _, token := range tokens {
		hv, err := ParseHistoricalValue(token)
		if err != nil {
			return nil, err
		}
		values = append(values, hv)
	}

	sortForAssign(values)
	for _, hv := range values {
		h.assign(hv)
	}
	return h, nil
}

func (h *Historical) assign(hv HistoricalValue) {
	if hv.IsEntryEvent() {
		switch hv.Kind {
		case KindAdd:
			h.addCN = hv.ChangeNumber.Ptr()
			if hv.HasValue && h.entryUUID == "" {
				h.entryUUID = hv.Value
			}
		case KindModDN:
			h.modDNCN = model.MaxChangeNumber(h.modDNCN, hv.ChangeNumber.Ptr())
		}
		return
	}
	h.attrInfo(hv.Attribute).assign(hv)
}

func (h *Historical) attrInfo(attr string) AttrInfo {
	key := model.NormalizeAttributeName(attr)
	info, ok := h.attrs[key]
	if !ok {
		info = newAttrInfo(h.schema.IsSingleValued(key))
		h.attrs[key] = info
	}
	return info
}

// AttrInfo returns the record of one attribute description, if any
func (h *Historical) AttrInfo(attr string) (AttrInfo, bool) {
	info, ok := h.attrs[model.NormalizeAttributeName(attr)]
	return info, ok
}

func validateModification(mod model.Modification) error {
	if model.NormalizeAttributeName(mod.Attribute) == "" {
		return errors.InvalidArgument("modification without attribute", nil)
	}
	switch mod.Type {
	case model.ModAdd, model.ModDelete, model.ModReplace:
		return nil
	}
	return errors.InvalidArgument(fmt.Sprintf("unknown modification type %d on %s", mod.Type, mod.Attribute), nil)
}

func isHistoricalAttribute(attr string) bool {
	return model.BaseAttributeName(attr) == model.HistoricalAttributeName
}

// ReplayModify resolves a replicated modify made at cn against the history
// and returns the modifications that must actually be applied to entry.
// entry is the state before the modify. Dropped modifications are not errors.
func (h *Historical) ReplayModify(cn model.ChangeNumber, mods []model.Modification, entry *model.Entry) ([]model.Modification, error) {
	effective := make([]model.Modification, 0, len(mods))
	for _, mod := range mods {
		if err := validateModification(mod); err != nil {
			return nil, err
		}
		if isHistoricalAttribute(mod.Attribute) {
			continue
		}
		m := mod.Clone()
		if h.attrInfo(m.Attribute).replay(cn, &m, entry) {
			effective = append(effective, m)
		}
	}
	return effective, nil
}

// ProcessLocalModify records a modify that originated on this replica.
// Local modifications are applied as requested so there is nothing to resolve.
func (h *Historical) ProcessLocalModify(cn model.ChangeNumber, mods []model.Modification) error {
	for _, mod := range mods {
		if err := validateModification(mod); err != nil {
			return err
		}
		if isHistoricalAttribute(mod.Attribute) {
			continue
		}
		m := mod.Clone()
		h.attrInfo(m.Attribute).processLocal(cn, &m)
	}
	return nil
}

// SetAdd records the creation of the entry
func (h *Historical) SetAdd(cn model.ChangeNumber, entryUUID string) {
	h.addCN = cn.Ptr()
	if entryUUID != "" {
		h.entryUUID = entryUUID
	}
}

// SetModDN records a rename of the entry
func (h *Historical) SetModDN(cn model.ChangeNumber) {
	h.modDNCN = model.MaxChangeNumber(h.modDNCN, cn.Ptr())
}

// AddChangeNumber returns the change number of the entry creation, if known
func (h *Historical) AddChangeNumber() *model.ChangeNumber {
	return h.addCN
}

// ModDNChangeNumber returns the change number of the last rename, if any
func (h *Historical) ModDNChangeNumber() *model.ChangeNumber {
	return h.modDNCN
}

// EntryUUID returns the identifier of the entry
func (h *Historical) EntryUUID() string {
	return h.entryUUID
}

// Values returns every historical value, sorted by their textual form
func (h *Historical) Values() []HistoricalValue {
	var out []HistoricalValue
	if h.addCN != nil {
		hv := HistoricalValue{Attribute: EntryAttribute, ChangeNumber: *h.addCN, Kind: KindAdd}
		if h.entryUUID != "" {
			hv.Value = h.entryUUID
			hv.HasValue = true
		}
		out = append(out, hv)
	}
	if h.modDNCN != nil {
		out = append(out, HistoricalValue{Attribute: EntryAttribute, ChangeNumber: *h.modDNCN, Kind: KindModDN})
	}
	for attr, info := range h.attrs {
		out = append(out, info.encode(attr)...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Encode returns the ds-sync-hist values
func (h *Historical) Encode() []string {
	values := h.Values()
	out := make([]string, len(values))
	for i, hv := range values {
		out[i] = hv.String()
	}
	return out
}

// WriteTo stores the encoded history on entry
func (h *Historical) WriteTo(entry *model.Entry) {
	entry.SetValues(model.HistoricalAttributeName, h.Encode()...)
}

// IsEmpty reports whether nothing was recorded
func (h *Historical) IsEmpty() bool {
	if h.addCN != nil || h.modDNCN != nil {
		return false
	}
	for _, info := range h.attrs {
		if !info.isEmpty() {
			return false
		}
	}
	return true
}

// LastChangeNumber returns the newest change number recorded
func (h *Historical) LastChangeNumber() *model.ChangeNumber {
	var last *model.ChangeNumber
	for _, hv := range h.Values() {
		if hv.ChangeNumber.Newer(last) {
			last = hv.ChangeNumber.Ptr()
		}
	}
	return last
}

// OldestChangeNumber returns the oldest change number recorded
func (h *Historical) OldestChangeNumber() *model.ChangeNumber {
	var oldest *model.ChangeNumber
	for _, hv := range h.Values() {
		if oldest == nil || hv.ChangeNumber.Older(oldest) {
			oldest = hv.ChangeNumber.Ptr()
		}
	}
	return oldest
}

// Purge forgets attribute events older than before and returns how many
// were dropped. Entry level events are kept. Choosing a point every replica
// has already seen is the caller's responsibility.
func (h *Historical) Purge(before model.ChangeNumber) int {
	purged := 0
	for attr, info := range h.attrs {
		purged += info.purge(before)
		if info.isEmpty() {
			delete(h.attrs, attr)
		}
	}
	return purged
}
