package validation

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/model"
	"github.com/devrev/pairdb/replication/internal/plugin"
	"github.com/go-ldap/ldap/v3"
)

const (
	// Size limits
	MaxDNSize            = 4096             // 4 KB
	MaxValueSize         = 10 * 1024 * 1024 // 10 MB
	MaxAttributeNameSize = 256

	MaxValuesPerAttribute = 10000
)

// ErrDNSyntax is the cause of every DN validation failure
var ErrDNSyntax = stderrors.New("invalid DN syntax")

// Validator checks locally originated operations before they reach the backend
type Validator struct {
	maxDNSize     int
	maxValueSize  int
	maxValueCount int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxDNSize:     MaxDNSize,
		maxValueSize:  MaxValueSize,
		maxValueCount: MaxValuesPerAttribute,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxDNSize, maxValueSize, maxValueCount int) *Validator {
	return &Validator{
		maxDNSize:     maxDNSize,
		maxValueSize:  maxValueSize,
		maxValueCount: maxValueCount,
	}
}

// Handler is the pre-parse plugin; replicated operations were validated by their origin
func (v *Validator) Handler(ctx context.Context, op *plugin.Operation) plugin.Result {
	if op.Replicated {
		return plugin.Continue()
	}
	if err := v.ValidateOperation(op); err != nil {
		code := plugin.ResultCodeConstraintViolation
		if stderrors.Is(err, ErrDNSyntax) {
			code = plugin.ResultCodeInvalidDNSyntax
		}
		return plugin.StopOperation(code, err.Error())
	}
	return plugin.Continue()
}

// ValidateOperation validates whatever op carries for its kind
func (v *Validator) ValidateOperation(op *plugin.Operation) error {
	switch op.Kind {
	case plugin.OperationAdd:
		if op.Entry == nil {
			return errors.InvalidArgument("add without an entry", nil)
		}
		return v.ValidateEntry(op.Entry)
	case plugin.OperationDelete:
		return v.ValidateDN(op.DN)
	case plugin.OperationModify:
		if err := v.ValidateDN(op.DN); err != nil {
			return err
		}
		return v.ValidateModifications(op.Modifications)
	case plugin.OperationModifyDN:
		if err := v.ValidateDN(op.DN); err != nil {
			return err
		}
		if err := v.ValidateRDN(op.NewRDN); err != nil {
			return err
		}
		if op.NewSuperior != "" {
			return v.ValidateDN(op.NewSuperior)
		}
		return nil
	default:
		return errors.InvalidArgument(fmt.Sprintf("unknown operation kind %s", op.Kind), nil)
	}
}

// ValidateDN validates a distinguished name
func (v *Validator) ValidateDN(dn string) error {
	if strings.TrimSpace(dn) == "" {
		return invalidDN(dn, "DN cannot be empty")
	}
	if len(dn) > v.maxDNSize {
		return invalidDN(dn, fmt.Sprintf("DN exceeds maximum size of %d bytes", v.maxDNSize))
	}
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return invalidDN(dn, err.Error())
	}
	for _, rdn := range parsed.RDNs {
		if reason := checkRDN(rdn); reason != "" {
			return invalidDN(dn, reason)
		}
	}
	return nil
}

// ValidateRDN validates one component, which may name several attributes
func (v *Validator) ValidateRDN(rdn string) error {
	if strings.TrimSpace(rdn) == "" {
		return invalidDN(rdn, "RDN cannot be empty")
	}
	parsed, err := ldap.ParseDN(rdn)
	if err != nil {
		return invalidDN(rdn, err.Error())
	}
	if len(parsed.RDNs) != 1 {
		return invalidDN(rdn, "expected a single RDN")
	}
	if reason := checkRDN(parsed.RDNs[0]); reason != "" {
		return invalidDN(rdn, reason)
	}
	return nil
}

func checkRDN(rdn *ldap.RelativeDN) string {
	if len(rdn.Attributes) == 0 {
		return "RDN must be type=value"
	}
	for _, a := range rdn.Attributes {
		if reason := checkAttributeName(strings.TrimSpace(a.Type)); reason != "" {
			return reason
		}
		if strings.TrimSpace(a.Value) == "" {
			return "RDN value cannot be empty"
		}
		// control characters include the null byte
		for _, r := range a.Value {
			if unicode.IsControl(r) {
				return "RDN cannot contain control characters"
			}
		}
	}
	return ""
}

// ValidateAttributeName validates an attribute description (type plus options)
func (v *Validator) ValidateAttributeName(name string) error {
	if reason := checkAttributeName(name); reason != "" {
		return errors.InvalidArgument(reason, nil)
	}
	return nil
}

func checkAttributeName(name string) string {
	if name == "" {
		return "attribute name cannot be empty"
	}
	if len(name) > MaxAttributeNameSize {
		return fmt.Sprintf("attribute name exceeds maximum size of %d bytes", MaxAttributeNameSize)
	}
	for i, r := range name {
		switch {
		case i == 0 && !unicode.IsLetter(r):
			return fmt.Sprintf("attribute name %q must start with a letter", name)
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == ';':
		default:
			return fmt.Sprintf("attribute name %q contains %q", name, r)
		}
	}
	return ""
}

// ValidateValues validates the values of one attribute
func (v *Validator) ValidateValues(name string, values []string) error {
	if len(values) > v.maxValueCount {
		return errors.InvalidArgument(fmt.Sprintf("attribute %s has too many values: %d > %d", name, len(values), v.maxValueCount), nil)
	}
	for _, value := range values {
		if len(value) > v.maxValueSize {
			return errors.InvalidArgument(fmt.Sprintf("value of %s exceeds maximum size of %d bytes", name, v.maxValueSize), nil)
		}
		// Check for null bytes (security)
		if strings.Contains(value, "\x00") {
			return errors.InvalidArgument(fmt.Sprintf("value of %s cannot contain null bytes", name), nil)
		}
	}
	return nil
}

// ValidateEntry validates an entry to add. A client may propose an entryuuid
// but never history.
func (v *Validator) ValidateEntry(entry *model.Entry) error {
	if err := v.ValidateDN(entry.DN); err != nil {
		return err
	}
	for _, attr := range entry.Attributes {
		if err := v.ValidateAttributeName(attr.Name); err != nil {
			return err
		}
		if model.BaseAttributeName(attr.Name) == model.HistoricalAttributeName {
			return errors.InvalidArgument(fmt.Sprintf("%s is maintained by the server", attr.Name), nil)
		}
		if err := v.ValidateValues(attr.Name, attr.Values); err != nil {
			return err
		}
	}
	return nil
}

// ValidateModifications validates the modifications of a modify operation
func (v *Validator) ValidateModifications(mods []model.Modification) error {
	if len(mods) == 0 {
		return errors.InvalidArgument("modify without modifications", nil)
	}
	for _, mod := range mods {
		if err := v.ValidateAttributeName(mod.Attribute); err != nil {
			return err
		}
		if model.IsOperationalAttribute(mod.Attribute) {
			return errors.InvalidArgument(fmt.Sprintf("%s is maintained by the server", mod.Attribute), nil)
		}
		if mod.Type == model.ModAdd && len(mod.Values) == 0 {
			return errors.InvalidArgument(fmt.Sprintf("add of %s without values", mod.Attribute), nil)
		}
		if err := v.ValidateValues(mod.Attribute, mod.Values); err != nil {
			return err
		}
	}
	return nil
}

func invalidDN(dn, reason string) error {
	return errors.InvalidArgument(fmt.Sprintf("DN %q: %s", dn, reason), ErrDNSyntax)
}
