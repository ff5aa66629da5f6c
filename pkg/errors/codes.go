package errors

// ErrorCode represents a standardized way to categorize different types of
// failures. The set is closed: every error surfaced by the library maps onto
// exactly one of these codes, and collective operations reduce over their
// numeric values so that the worst result on any rank becomes the result on
// every rank.
type ErrorCode string

const (
	// ErrorCodeSuccess indicates the operation completed without error.
	ErrorCodeSuccess ErrorCode = "SUCCESS"

	// ErrorCodeGeneric is the catch-all for failures that don't fit any
	// other category. OS errors with no specific translation end up here.
	ErrorCodeGeneric ErrorCode = "GENERIC"

	// ErrorCodePerm indicates insufficient permissions to access a resource.
	// This is distinct from generic I/O errors because it has a specific
	// resolution path: adjust permissions on the data root or run with
	// elevated privileges.
	ErrorCodePerm ErrorCode = "PERM"

	// ErrorCodeTruncate indicates a write persisted fewer bytes than
	// requested, most commonly a short write while saving a manifest.
	ErrorCodeTruncate ErrorCode = "TRUNCATE"

	// ErrorCodeOutOfResource indicates an allocation failure, either of
	// memory or of some bounded internal resource such as a buffer slot.
	ErrorCodeOutOfResource ErrorCode = "OUT_OF_RESOURCE"

	// ErrorCodeNotFound indicates the named dataset, element, manifest, or
	// path does not exist on the data root being probed.
	ErrorCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrorCodeNotAvailable indicates a facility (such as shared-memory
	// aggregation) could not be set up in this environment.
	ErrorCodeNotAvailable ErrorCode = "NOT_AVAILABLE"

	// ErrorCodeBadParam indicates the caller supplied an invalid argument
	// or a manifest contained a malformed or missing field.
	ErrorCodeBadParam ErrorCode = "BAD_PARAM"

	// ErrorCodeExists indicates a dataset id already exists and the open
	// flags allowed neither truncation nor append.
	ErrorCodeExists ErrorCode = "EXISTS"

	// ErrorCodeIOTemporary indicates a transient I/O failure. This is the
	// only code eligible for automatic retry by a backend.
	ErrorCodeIOTemporary ErrorCode = "IO_TEMPORARY"

	// ErrorCodeIOPermanent indicates an unrecoverable I/O failure. At open
	// time it triggers fallback to the next data root; during a committed
	// write it is fatal.
	ErrorCodeIOPermanent ErrorCode = "IO_PERMANENT"
)

// Numeric values for the closed code set. Success is zero and every failure
// is negative, so a minimum reduction across ranks yields the worst result.
var codeValues = map[ErrorCode]int{
	ErrorCodeSuccess:       0,
	ErrorCodeGeneric:       -1,
	ErrorCodePerm:          -2,
	ErrorCodeTruncate:      -3,
	ErrorCodeOutOfResource: -4,
	ErrorCodeNotFound:      -5,
	ErrorCodeNotAvailable:  -6,
	ErrorCodeBadParam:      -7,
	ErrorCodeExists:        -8,
	ErrorCodeIOTemporary:   -9,
	ErrorCodeIOPermanent:   -10,
}

var valueCodes = func() map[int]ErrorCode {
	m := make(map[int]ErrorCode, len(codeValues))
	for code, value := range codeValues {
		m[value] = code
	}
	return m
}()

// Int returns the numeric value used when error codes cross rank boundaries
// during collective reductions.
func (c ErrorCode) Int() int {
	if value, ok := codeValues[c]; ok {
		return value
	}
	return codeValues[ErrorCodeGeneric]
}

// FromInt translates a reduced numeric value back into an ErrorCode.
// Unknown values map to GENERIC.
func FromInt(value int) ErrorCode {
	if code, ok := valueCodes[value]; ok {
		return code
	}
	return ErrorCodeGeneric
}
