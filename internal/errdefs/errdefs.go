package errdefs

import "errors"

type ErrorType int

const (
	ErrTypeUnsupportedPath ErrorType = iota
	ErrTypeExtraction
	ErrTypeInvalidQuery
	ErrTypeConflict
	ErrTypeCapacity
	ErrTypeIndexingFailed
	ErrTypeSearchFailed
	ErrTypeInvalidConfig
)

type CustomError struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *CustomError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *CustomError) Unwrap() error {
	return e.Err
}

func NewCustomError(errType ErrorType, message string, err error) error {
	return &CustomError{
		Type:    errType,
		Message: message,
		Err:     err,
	}
}

// IsType reports whether err is (or wraps) a CustomError of the given type.
func IsType(err error, t ErrorType) bool {
	var ce *CustomError
	if errors.As(err, &ce) {
		return ce.Type == t
	}
	return false
}

var (
	ErrUnsupportedPath = &CustomError{Type: ErrTypeUnsupportedPath, Message: "unsupported path"}
	ErrExtraction      = &CustomError{Type: ErrTypeExtraction, Message: "extraction failed"}
	ErrInvalidQuery    = &CustomError{Type: ErrTypeInvalidQuery, Message: "invalid query"}
	ErrConflict        = &CustomError{Type: ErrTypeConflict, Message: "operation conflict"}
	ErrCapacity        = &CustomError{Type: ErrTypeCapacity, Message: "cache capacity exceeded"}
	ErrIndexingFailed  = &CustomError{Type: ErrTypeIndexingFailed, Message: "indexing failed"}
	ErrSearchFailed    = &CustomError{Type: ErrTypeSearchFailed, Message: "search failed"}
	ErrInvalidConfig   = &CustomError{Type: ErrTypeInvalidConfig, Message: "invalid config"}
)
