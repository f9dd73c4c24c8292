package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedType is returned by Encode for values with no transport
	// mapping. It is a permanent publish-time failure.
	ErrUnsupportedType = errors.New("unsupported type")

	// ErrMalformedPayload is returned by Decode for bytes that do not form a
	// valid task message. It is a permanent consume-time failure.
	ErrMalformedPayload = errors.New("malformed payload")
)

// FieldError pins an encode or decode failure to a payload field
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}
