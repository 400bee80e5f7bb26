package historical

import (
	"sort"
	"strings"

	"github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/model"
)

// Kind is the event recorded by one historical value
type Kind string

const (
	KindAdd     Kind = "add"
	KindDel     Kind = "del"
	KindRepl    Kind = "repl"
	KindAttrDel Kind = "attrDel"
	KindModDN   Kind = "moddn"
)

// EntryAttribute is the pseudo attribute carrying entry level events
const EntryAttribute = "dn"

// HistoricalValue is one token of the ds-sync-hist attribute:
// attr:csn:kind[:value]
type HistoricalValue struct {
	Attribute    string
	ChangeNumber model.ChangeNumber
	Kind         Kind
	Value        string
	HasValue     bool
}

// ParseHistoricalValue decodes one token
func ParseHistoricalValue(token string) (HistoricalValue, error) {
	parts := strings.SplitN(token, ":", 4)
	if len(parts) < 3 {
		return HistoricalValue{}, errors.DecodeFailed(token, "historical value needs attribute, change number and kind", nil)
	}
	if parts[0] == "" {
		return HistoricalValue{}, errors.DecodeFailed(token, "empty attribute name", nil)
	}

	cn, err := model.ParseChangeNumber(parts[1])
	if err != nil {
		return HistoricalValue{}, errors.DecodeFailed(token, "invalid change number", err)
	}

	hv := HistoricalValue{
		Attribute:    model.NormalizeAttributeName(parts[0]),
		ChangeNumber: cn,
		Kind:         Kind(parts[2]),
	}
	if len(parts) == 4 {
		hv.Value = parts[3]
		hv.HasValue = true
	}

	if hv.Attribute == EntryAttribute {
		if hv.Kind != KindAdd && hv.Kind != KindModDN {
			return HistoricalValue{}, errors.DecodeFailed(token, "unknown entry event "+parts[2], nil)
		}
		return hv, nil
	}

	switch hv.Kind {
	case KindAdd, KindDel, KindRepl:
		if !hv.HasValue {
			return HistoricalValue{}, errors.DecodeFailed(token, "missing value", nil)
		}
	case KindAttrDel:
	default:
		return HistoricalValue{}, errors.DecodeFailed(token, "unknown event "+parts[2], nil)
	}
	return hv, nil
}

// String encodes the token
func (hv HistoricalValue) String() string {
	var b strings.Builder
	b.WriteString(hv.Attribute)
	b.WriteByte(':')
	b.WriteString(hv.ChangeNumber.String())
	b.WriteByte(':')
	b.WriteString(string(hv.Kind))
	if hv.HasValue {
		b.WriteByte(':')
		b.WriteString(hv.Value)
	}
	return b.String()
}

// IsEntryEvent reports whether the token describes the entry rather than an attribute
func (hv HistoricalValue) IsEntryEvent() bool {
	return hv.Attribute == EntryAttribute
}

// Modification converts an attribute event back into the modification that produced it
func (hv HistoricalValue) Modification() (model.Modification, bool) {
	switch hv.Kind {
	case KindAdd:
		return model.NewModification(model.ModAdd, hv.Attribute, hv.Value), true
	case KindDel:
		return model.NewModification(model.ModDelete, hv.Attribute, hv.Value), true
	case KindRepl:
		return model.NewModification(model.ModReplace, hv.Attribute, hv.Value), true
	case KindAttrDel:
		return model.NewModification(model.ModDelete, hv.Attribute), true
	}
	return model.Modification{}, false
}

// kindPriority orders events sharing a change number: whole attribute events
// first so values recorded in the same operation are assigned on top of them.
func kindPriority(k Kind) int {
	switch k {
	case KindAttrDel, KindRepl:
		return 0
	case KindDel:
		return 1
	default:
		return 2
	}
}

func sortForAssign(values []HistoricalValue) {
	sort.SliceStable(values, func(i, j int) bool {
		a, b := values[i], values[j]
		if a.Attribute != b.Attribute {
			return a.Attribute < b.Attribute
		}
		if c := a.ChangeNumber.CompareTo(b.ChangeNumber); c != 0 {
			return c < 0
		}
		return kindPriority(a.Kind) < kindPriority(b.Kind)
	})
}
