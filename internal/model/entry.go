package model

import (
	"sort"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
)

// Operational attributes maintained by replication
const (
	HistoricalAttributeName = "ds-sync-hist"
	EntryUUIDAttributeName  = "entryuuid"
	ObjectClassAttribute    = "objectclass"
)

// ModificationType is the kind of an elementary modification
type ModificationType int

const (
	ModAdd ModificationType = iota
	ModDelete
	ModReplace
)

// String returns the LDIF name of the modification type
func (t ModificationType) String() string {
	switch t {
	case ModAdd:
		return "add"
	case ModDelete:
		return "delete"
	case ModReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// Modification is one elementary change to one attribute
type Modification struct {
	Type      ModificationType `json:"type" msgpack:"type"`
	Attribute string           `json:"attr" msgpack:"attr"`
	Values    []string         `json:"values,omitempty" msgpack:"values,omitempty"`
}

// NewModification creates a Modification
func NewModification(modType ModificationType, attribute string, values ...string) Modification {
	return Modification{Type: modType, Attribute: attribute, Values: values}
}

// Clone copies the value slice
func (m Modification) Clone() Modification {
	m.Values = append([]string(nil), m.Values...)
	return m
}

// Attribute holds the raw values of one attribute description
type Attribute struct {
	Name   string   `json:"name" msgpack:"name"`
	Values []string `json:"values" msgpack:"values"`
}

// HasValue reports whether value is present, comparing normalized forms
func (a *Attribute) HasValue(value string) bool {
	return a.indexOf(value) >= 0
}

func (a *Attribute) indexOf(value string) int {
	key := NormalizeValue(value)
	for i, v := range a.Values {
		if NormalizeValue(v) == key {
			return i
		}
	}
	return -1
}

// Entry is a directory entry. Operational attributes share the attribute list.
type Entry struct {
	DN         string       `json:"dn" msgpack:"dn"`
	Attributes []*Attribute `json:"attributes" msgpack:"attributes"`
}

// NewEntry creates an empty entry
func NewEntry(dn string) *Entry {
	return &Entry{DN: dn}
}

// NewEntryUUID returns a fresh entry identifier
func NewEntryUUID() string {
	return uuid.NewString()
}

// IsValidEntryUUID reports whether s is a well formed entryuuid
func IsValidEntryUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// NormalizeAttributeName lowercases an attribute description
func NormalizeAttributeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// BaseAttributeName strips attribute options
func BaseAttributeName(name string) string {
	name = NormalizeAttributeName(name)
	if i := strings.IndexByte(name, ';'); i >= 0 {
		return name[:i]
	}
	return name
}

// NormalizeValue is the identity used to compare values: case folded,
// surrounding spaces trimmed and inner spaces squeezed.
func NormalizeValue(value string) string {
	return strings.Join(strings.Fields(strings.ToLower(value)), " ")
}

// IsOperationalAttribute reports whether name is maintained by the server
func IsOperationalAttribute(name string) bool {
	switch BaseAttributeName(name) {
	case HistoricalAttributeName, EntryUUIDAttributeName:
		return true
	}
	return false
}

// GetAttribute looks an attribute up by description, case-insensitively
func (e *Entry) GetAttribute(name string) (*Attribute, bool) {
	key := NormalizeAttributeName(name)
	for _, a := range e.Attributes {
		if NormalizeAttributeName(a.Name) == key {
			return a, true
		}
	}
	return nil, false
}

// HasAttribute reports whether the entry holds at least one value for name
func (e *Entry) HasAttribute(name string) bool {
	a, ok := e.GetAttribute(name)
	return ok && len(a.Values) > 0
}

// HasValue reports whether the entry holds value for name
func (e *Entry) HasValue(name, value string) bool {
	a, ok := e.GetAttribute(name)
	return ok && a.HasValue(value)
}

// Values returns a copy of the values of name
func (e *Entry) Values(name string) []string {
	a, ok := e.GetAttribute(name)
	if !ok {
		return nil
	}
	return append([]string(nil), a.Values...)
}

// FirstValue returns the first value of name, or "".
func (e *Entry) FirstValue(name string) string {
	a, ok := e.GetAttribute(name)
	if !ok || len(a.Values) == 0 {
		return ""
	}
	return a.Values[0]
}

// AddValues adds values not already present
func (e *Entry) AddValues(name string, values ...string) {
	a, ok := e.GetAttribute(name)
	if !ok {
		a = &Attribute{Name: NormalizeAttributeName(name)}
		e.Attributes = append(e.Attributes, a)
	}
	for _, v := range values {
		if !a.HasValue(v) {
			a.Values = append(a.Values, v)
		}
	}
	if len(a.Values) == 0 {
		e.RemoveAttribute(name)
	}
}

// SetValues replaces all values of name. An empty list removes the attribute.
func (e *Entry) SetValues(name string, values ...string) {
	e.RemoveAttribute(name)
	if len(values) > 0 {
		e.AddValues(name, values...)
	}
}

// RemoveValues removes the listed values that are present
func (e *Entry) RemoveValues(name string, values ...string) {
	a, ok := e.GetAttribute(name)
	if !ok {
		return
	}
	for _, v := range values {
		if i := a.indexOf(v); i >= 0 {
			a.Values = append(a.Values[:i], a.Values[i+1:]...)
		}
	}
	if len(a.Values) == 0 {
		e.RemoveAttribute(name)
	}
}

// RemoveAttribute drops name and all its values
func (e *Entry) RemoveAttribute(name string) {
	key := NormalizeAttributeName(name)
	kept := e.Attributes[:0]
	for _, a := range e.Attributes {
		if NormalizeAttributeName(a.Name) != key {
			kept = append(kept, a)
		}
	}
	e.Attributes = kept
}

// ApplyModifications applies mods leniently: adding a present value or
// deleting a missing one is not an error.
func (e *Entry) ApplyModifications(mods []Modification) {
	for _, m := range mods {
		switch m.Type {
		case ModAdd:
			e.AddValues(m.Attribute, m.Values...)
		case ModDelete:
			if len(m.Values) == 0 {
				e.RemoveAttribute(m.Attribute)
			} else {
				e.RemoveValues(m.Attribute, m.Values...)
			}
		case ModReplace:
			e.SetValues(m.Attribute, m.Values...)
		}
	}
}

// UserAttributes returns copies of the non operational attributes, sorted by name
func (e *Entry) UserAttributes() []Attribute {
	out := make([]Attribute, 0, len(e.Attributes))
	for _, a := range e.Attributes {
		if IsOperationalAttribute(a.Name) || len(a.Values) == 0 {
			continue
		}
		out = append(out, Attribute{Name: a.Name, Values: append([]string(nil), a.Values...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EntryUUID returns the entryuuid operational attribute
func (e *Entry) EntryUUID() string {
	return e.FirstValue(EntryUUIDAttributeName)
}

// SetEntryUUID sets the entryuuid operational attribute
func (e *Entry) SetEntryUUID(id string) {
	e.SetValues(EntryUUIDAttributeName, id)
}

// Clone returns a deep copy
func (e *Entry) Clone() *Entry {
	c := &Entry{DN: e.DN, Attributes: make([]*Attribute, 0, len(e.Attributes))}
	for _, a := range e.Attributes {
		c.Attributes = append(c.Attributes, &Attribute{Name: a.Name, Values: append([]string(nil), a.Values...)})
	}
	return c
}

// parseDN parses dn per RFC 4514, so escaped separators stay inside their value
func parseDN(dn string) (*ldap.DN, bool) {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return nil, false
	}
	return parsed, true
}

// normalizedDN lowercases attribute types, normalizes values and orders the
// components of multi-valued RDNs
func normalizedDN(dn *ldap.DN) *ldap.DN {
	out := &ldap.DN{RDNs: make([]*ldap.RelativeDN, len(dn.RDNs))}
	for i, rdn := range dn.RDNs {
		attrs := make([]*ldap.AttributeTypeAndValue, len(rdn.Attributes))
		for j, a := range rdn.Attributes {
			attrs[j] = &ldap.AttributeTypeAndValue{
				Type:  strings.ToLower(strings.TrimSpace(a.Type)),
				Value: NormalizeValue(a.Value),
			}
		}
		sort.Slice(attrs, func(x, y int) bool {
			if attrs[x].Type != attrs[y].Type {
				return attrs[x].Type < attrs[y].Type
			}
			return attrs[x].Value < attrs[y].Value
		})
		out.RDNs[i] = &ldap.RelativeDN{Attributes: attrs}
	}
	return out
}

func formatRDNs(rdns []*ldap.RelativeDN) string {
	parts := make([]string, len(rdns))
	for i, rdn := range rdns {
		parts[i] = formatRDN(rdn)
	}
	return strings.Join(parts, ",")
}

func formatRDN(rdn *ldap.RelativeDN) string {
	parts := make([]string, len(rdn.Attributes))
	for i, a := range rdn.Attributes {
		parts[i] = strings.TrimSpace(a.Type) + "=" + escapeDNValue(a.Value)
	}
	return strings.Join(parts, "+")
}

// escapeDNValue escapes an attribute value for use in a DN string
func escapeDNValue(value string) string {
	var b strings.Builder
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case c == '"', c == '+', c == ',', c == ';', c == '<', c == '>', c == '\\', c == '=':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == 0:
			b.WriteString("\\00")
		case c == ' ' && (i == 0 || i == len(value)-1), c == '#' && i == 0:
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// NormalizeDN returns the comparison form of dn: lowercase types, normalized
// values, no spaces around separators. A DN that does not parse is only
// normalized as a value.
func NormalizeDN(dn string) string {
	parsed, ok := parseDN(dn)
	if !ok {
		return NormalizeValue(dn)
	}
	return formatRDNs(normalizedDN(parsed).RDNs)
}

// ParentDN returns the DN of the parent entry, "" for a suffix with one RDN
func ParentDN(dn string) string {
	parsed, ok := parseDN(dn)
	if !ok || len(parsed.RDNs) < 2 {
		return ""
	}
	return formatRDNs(parsed.RDNs[1:])
}

// RDN returns the leftmost component of dn
func RDN(dn string) string {
	parsed, ok := parseDN(dn)
	if !ok || len(parsed.RDNs) == 0 {
		return strings.TrimSpace(dn)
	}
	return formatRDN(parsed.RDNs[0])
}

// RDNValues returns the unescaped naming attributes of the leftmost component
// of dn, nil when dn does not parse or a component has no type or value
func RDNValues(dn string) []Attribute {
	parsed, ok := parseDN(dn)
	if !ok || len(parsed.RDNs) == 0 {
		return nil
	}
	out := make([]Attribute, 0, len(parsed.RDNs[0].Attributes))
	for _, a := range parsed.RDNs[0].Attributes {
		name := strings.TrimSpace(a.Type)
		if name == "" || a.Value == "" {
			return nil
		}
		out = append(out, Attribute{Name: name, Values: []string{a.Value}})
	}
	return out
}

// IsDescendantOrSelf reports whether dn lies in the subtree rooted at base
func IsDescendantOrSelf(dn, base string) bool {
	pdn, ok := parseDN(dn)
	if !ok {
		return false
	}
	pbase, ok := parseDN(base)
	if !ok {
		return false
	}
	ndn, nbase := normalizedDN(pdn), normalizedDN(pbase)
	return nbase.Equal(ndn) || nbase.AncestorOf(ndn)
}
