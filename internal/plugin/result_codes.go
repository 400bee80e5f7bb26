package plugin

// LDAP result codes used by handlers
const (
	ResultCodeSuccess             = 0
	ResultCodeOperationsError     = 1
	ResultCodeConstraintViolation = 19
	ResultCodeNoSuchObject        = 32
	ResultCodeInvalidDNSyntax     = 34
	ResultCodeUnwillingToPerform  = 53
	ResultCodeEntryAlreadyExists  = 68
	ResultCodeOther               = 80
	ResultCodeCancelled           = 118
)
