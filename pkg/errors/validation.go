package errors

// ValidationError is a specialized error type for input validation failures.
// It embeds baseError to inherit all the standard error functionality, then
// adds validation-specific fields that identify exactly what constraint was
// violated and how to correct the input.
type ValidationError struct {
	*baseError

	// Identifies which specific field or parameter failed validation.
	field string

	// Specifies which validation rule was violated (e.g., "required",
	// "enum", "range").
	rule string

	// Captures what value was actually provided that failed validation.
	provided any

	// Describes what would have been valid.
	expected any
}

// NewValidationError creates a new validation-specific error.
func NewValidationError(err error, code ErrorCode, msg string) *ValidationError {
	return &ValidationError{baseError: NewBaseError(err, code, msg)}
}

// WithField identifies which parameter failed validation.
func (ve *ValidationError) WithField(field string) *ValidationError {
	ve.field = field
	return ve
}

// WithRule records which validation rule was violated.
func (ve *ValidationError) WithRule(rule string) *ValidationError {
	ve.rule = rule
	return ve
}

// WithProvided captures the offending value.
func (ve *ValidationError) WithProvided(provided any) *ValidationError {
	ve.provided = provided
	return ve
}

// WithExpected describes what would have been accepted.
func (ve *ValidationError) WithExpected(expected any) *ValidationError {
	ve.expected = expected
	return ve
}

// Field returns which parameter failed validation.
func (ve *ValidationError) Field() string {
	return ve.field
}

// Rule returns which validation rule was violated.
func (ve *ValidationError) Rule() string {
	return ve.rule
}

// Provided returns the offending value.
func (ve *ValidationError) Provided() any {
	return ve.provided
}

// Expected returns a description of what would have been valid.
func (ve *ValidationError) Expected() any {
	return ve.expected
}
