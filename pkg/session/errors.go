package session

import (
	"errors"
	"fmt"

	"github.com/arzzra/media_negotiation/pkg/codec"
	"github.com/arzzra/media_negotiation/pkg/media_sdp"
)

// ErrorCategory категории ошибок согласования
type ErrorCategory string

const (
	ErrorCategoryMalformedLine      ErrorCategory = "MALFORMED_LINE"
	ErrorCategoryMalformedDocument  ErrorCategory = "MALFORMED_DOCUMENT"
	ErrorCategoryCodecInconsistency ErrorCategory = "CODEC_INCONSISTENCY"
	ErrorCategoryICEFailure         ErrorCategory = "ICE_FAILURE"
	ErrorCategorySequencing         ErrorCategory = "SEQUENCING"
	ErrorCategoryCleanup            ErrorCategory = "CLEANUP"
)

func (c ErrorCategory) String() string {
	return string(c)
}

// reason метка причины для метрик
func (c ErrorCategory) reason() string {
	switch c {
	case ErrorCategoryMalformedLine:
		return "malformed_line"
	case ErrorCategoryMalformedDocument:
		return "malformed_document"
	case ErrorCategoryCodecInconsistency:
		return "codec_inconsistency"
	case ErrorCategoryICEFailure:
		return "ice_failure"
	case ErrorCategorySequencing:
		return "sequencing"
	default:
		return "cleanup"
	}
}

var (
	// ErrNoOffer ответ пришел без записанного предложения
	ErrNoOffer = errors.New("для ключа нет предложения")
	// ErrAlreadyAnswered ответ уже записан
	ErrAlreadyAnswered = errors.New("ответ уже получен")
	// ErrRoleConflict роль для ключа уже задана другая
	ErrRoleConflict = errors.New("роль для ключа уже задана")
)

// NegotiationError структурированная ошибка согласования
type NegotiationError struct {
	Code      string
	Category  ErrorCategory
	Message   string
	Key       SessionKey
	Cause     error
	Retryable bool
}

// Error реализует интерфейс error
func (e *NegotiationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s (%s): %v", e.Category, e.Code, e.Message, e.Key, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s (%s)", e.Category, e.Code, e.Message, e.Key)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *NegotiationError) Unwrap() error {
	return e.Cause
}

// newNegotiationError создает ошибку. Повторяемы ошибки последовательности
// и разбора документа: сигнализация пришлет новое предложение.
func newNegotiationError(key SessionKey, code string, category ErrorCategory, message string, cause error) *NegotiationError {
	return &NegotiationError{
		Code:      code,
		Category:  category,
		Message:   message,
		Key:       key,
		Cause:     cause,
		Retryable: category == ErrorCategorySequencing || category == ErrorCategoryMalformedDocument,
	}
}

// categorize относит ошибку строки к категории
func categorize(err error) ErrorCategory {
	var lineErr *media_sdp.LineError
	switch {
	case errors.Is(err, codec.ErrCodecInconsistency), errors.Is(err, codec.ErrNoMatch):
		return ErrorCategoryCodecInconsistency
	case errors.As(err, &lineErr):
		return ErrorCategoryMalformedLine
	default:
		return ErrorCategoryMalformedDocument
	}
}
