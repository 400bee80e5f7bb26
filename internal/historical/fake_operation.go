package historical

import (
	"iter"
	"sort"

	"github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/model"
	"github.com/devrev/pairdb/replication/internal/protocol"
)

// FakeOperation is an operation rebuilt from history so that a change a
// peer missed can be sent again.
type FakeOperation interface {
	ChangeNumber() model.ChangeNumber
	GenerateMessage() protocol.UpdateMsg
}

// ParentResolver returns the entryuuid of the entry at dn, "" when unknown
type ParentResolver func(dn string) string

// CompareFakeOperations orders by change number, nil first
func CompareFakeOperations(a, b FakeOperation) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return a.ChangeNumber().CompareTo(b.ChangeNumber())
}

// FakeAddOperation recreates the entry with its current user attributes
type FakeAddOperation struct {
	cn         model.ChangeNumber
	entry      *model.Entry
	entryUUID  string
	parentUUID string
}

func (op *FakeAddOperation) ChangeNumber() model.ChangeNumber { return op.cn }

func (op *FakeAddOperation) GenerateMessage() protocol.UpdateMsg {
	return &protocol.AddMsg{
		Header: protocol.UpdateHeader{
			ChangeNumber: op.cn,
			DN:           op.entry.DN,
			EntryUUID:    op.entryUUID,
		},
		ParentUUID: op.parentUUID,
		Attributes: op.entry.UserAttributes(),
	}
}

// FakeModifyOperation carries every modification recorded at one change number
type FakeModifyOperation struct {
	cn        model.ChangeNumber
	dn        string
	entryUUID string
	mods      []model.Modification
}

func (op *FakeModifyOperation) ChangeNumber() model.ChangeNumber { return op.cn }

// Modifications returns the rebuilt modifications
func (op *FakeModifyOperation) Modifications() []model.Modification {
	return op.mods
}

// addModification merges values into the previous modification of the same
// attribute and type so a replace of several values stays one replace.
func (op *FakeModifyOperation) addModification(mod model.Modification) {
	if n := len(op.mods); n > 0 {
		last := &op.mods[n-1]
		if last.Attribute == mod.Attribute && last.Type == mod.Type &&
			len(last.Values) > 0 && len(mod.Values) > 0 {
			last.Values = append(last.Values, mod.Values...)
			return
		}
	}
	op.mods = append(op.mods, mod)
}

func (op *FakeModifyOperation) GenerateMessage() protocol.UpdateMsg {
	mods := make([]model.Modification, len(op.mods))
	for i, m := range op.mods {
		mods[i] = m.Clone()
	}
	return &protocol.ModifyMsg{
		Header: protocol.UpdateHeader{
			ChangeNumber: op.cn,
			DN:           op.dn,
			EntryUUID:    op.entryUUID,
		},
		Modifications: mods,
	}
}

// FakeDeleteOperation resends the removal of an entry
type FakeDeleteOperation struct {
	cn        model.ChangeNumber
	dn        string
	entryUUID string
}

// NewFakeDeleteOperation creates a FakeDeleteOperation for a removed entry
func NewFakeDeleteOperation(cn model.ChangeNumber, dn, entryUUID string) *FakeDeleteOperation {
	return &FakeDeleteOperation{cn: cn, dn: dn, entryUUID: entryUUID}
}

func (op *FakeDeleteOperation) ChangeNumber() model.ChangeNumber { return op.cn }

func (op *FakeDeleteOperation) GenerateMessage() protocol.UpdateMsg {
	return &protocol.DeleteMsg{
		Header: protocol.UpdateHeader{
			ChangeNumber: op.cn,
			DN:           op.dn,
			EntryUUID:    op.entryUUID,
		},
	}
}

// FakeModDNOperation moves the entry to where it currently lives
type FakeModDNOperation struct {
	cn              model.ChangeNumber
	dn              string
	entryUUID       string
	newSuperiorUUID string
}

func (op *FakeModDNOperation) ChangeNumber() model.ChangeNumber { return op.cn }

func (op *FakeModDNOperation) GenerateMessage() protocol.UpdateMsg {
	return &protocol.ModifyDNMsg{
		Header: protocol.UpdateHeader{
			ChangeNumber: op.cn,
			DN:           op.dn,
			EntryUUID:    op.entryUUID,
		},
		NewRDN:          model.RDN(op.dn),
		DeleteOldRDN:    false,
		NewSuperior:     model.ParentDN(op.dn),
		NewSuperiorUUID: op.newSuperiorUUID,
	}
}

// FakeOperations is the ordered result of GenerateFakeOperations.
// It can be iterated any number of times.
type FakeOperations struct {
	ops []FakeOperation
}

// All yields the operations in change number order, the add first
func (f *FakeOperations) All() iter.Seq[FakeOperation] {
	return func(yield func(FakeOperation) bool) {
		for _, op := range f.ops {
			if !yield(op) {
				return
			}
		}
	}
}

// Slice returns a copy of the operations
func (f *FakeOperations) Slice() []FakeOperation {
	return append([]FakeOperation(nil), f.ops...)
}

// Len returns the number of operations
func (f *FakeOperations) Len() int {
	return len(f.ops)
}

// NotCoveredBy returns the operations state has not seen yet. A nil state covers nothing.
func (f *FakeOperations) NotCoveredBy(state *model.ServerState) []FakeOperation {
	var out []FakeOperation
	for _, op := range f.ops {
		if state == nil || !state.Cover(op.ChangeNumber()) {
			out = append(out, op)
		}
	}
	return out
}

func operationRank(op FakeOperation) int {
	switch op.(type) {
	case *FakeAddOperation:
		return 0
	case *FakeModDNOperation:
		return 1
	default:
		return 2
	}
}

// GenerateFakeOperations rebuilds the operations recorded in the history of
// entry. Modifications sharing the change number of the add are part of the
// add. A missing or undecodable history is reported as HistoryUnavailable.
func GenerateFakeOperations(entry *model.Entry, parentUUID ParentResolver) (*FakeOperations, error) {
	tokens := entry.Values(model.HistoricalAttributeName)
	if len(tokens) == 0 {
		return nil, errors.HistoryUnavailable(entry.DN, nil)
	}

	values := make([]HistoricalValue, 0, len(tokens))
	for _, token := range tokens {
		hv, err := ParseHistoricalValue(token)
		if err != nil {
			return nil, errors.HistoryUnavailable(entry.DN, err)
		}
		values = append(values, hv)
	}
	sortForAssign(values)

	entryUUID := entry.EntryUUID()
	var addCN *model.ChangeNumber
	for _, hv := range values {
		if hv.IsEntryEvent() && hv.Kind == KindAdd {
			addCN = hv.ChangeNumber.Ptr()
			if entryUUID == "" && hv.HasValue {
				entryUUID = hv.Value
			}
		}
	}

	resolve := func(dn string) string {
		if parentUUID == nil || dn == "" {
			return ""
		}
		return parentUUID(dn)
	}

	var ops []FakeOperation
	modifies := make(map[model.ChangeNumber]*FakeModifyOperation)
	for _, hv := range values {
		if hv.IsEntryEvent() {
			switch hv.Kind {
			case KindAdd:
				ops = append(ops, &FakeAddOperation{
					cn:         hv.ChangeNumber,
					entry:      entry.Clone(),
					entryUUID:  entryUUID,
					parentUUID: resolve(model.ParentDN(entry.DN)),
				})
			case KindModDN:
				ops = append(ops, &FakeModDNOperation{
					cn:              hv.ChangeNumber,
					dn:              entry.DN,
					entryUUID:       entryUUID,
					newSuperiorUUID: resolve(model.ParentDN(entry.DN)),
				})
			}
			continue
		}

		if hv.ChangeNumber.Equal(addCN) {
			continue
		}
		mod, ok := hv.Modification()
		if !ok {
			continue
		}
		op, ok := modifies[hv.ChangeNumber]
		if !ok {
			op = &FakeModifyOperation{cn: hv.ChangeNumber, dn: entry.DN, entryUUID: entryUUID}
			modifies[hv.ChangeNumber] = op
			ops = append(ops, op)
		}
		op.addModification(mod)
	}

	sort.SliceStable(ops, func(i, j int) bool {
		ri, rj := operationRank(ops[i]), operationRank(ops[j])
		if ri == 0 || rj == 0 {
			return ri < rj
		}
		if c := CompareFakeOperations(ops[i], ops[j]); c != 0 {
			return c < 0
		}
		return ri < rj
	})
	return &FakeOperations{ops: ops}, nil
}
