package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Pair them with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrDisabled         = fmt.Errorf("disabled")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrProviderError    = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrConfigLoad      = fmt.Errorf("failed to load configuration")
	ErrDecryption      = fmt.Errorf("decryption failed")
	ErrEncryption      = fmt.Errorf("encryption operation failed")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrUnknownTimezone = fmt.Errorf("unknown timezone")

	// Media errors.
	ErrMediaFetch    = fmt.Errorf("media fetch failed")
	ErrMediaCache    = fmt.Errorf("media cache operation failed")
	ErrMediaTooLarge = fmt.Errorf("media exceeds size limit")
	ErrURLBlocked    = fmt.Errorf("url blocked: private or reserved address")

	// Last-seen store errors.
	ErrStore = fmt.Errorf("timestamp store operation failed")

	// Line feed errors.
	ErrFeedAuthFailed = fmt.Errorf("feed: %w", ErrAuthInvalid)
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "MediaCache.Lookup")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "whatsapp", "redis"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrTimeout)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown         ErrorCode = "UNKNOWN"
	CodeConfigLoad      ErrorCode = "CONFIG_LOAD"
	CodeEncryption      ErrorCode = "ENCRYPTION"
	CodeDecryption      ErrorCode = "DECRYPTION"
	CodeAuthInvalid     ErrorCode = "AUTH_INVALID"
	CodeRateLimit       ErrorCode = "RATE_LIMIT"
	CodeUnknownTimezone ErrorCode = "UNKNOWN_TIMEZONE"
	CodeMediaFetch      ErrorCode = "MEDIA_FETCH"
	CodeMediaCache      ErrorCode = "MEDIA_CACHE"
	CodeMediaTooLarge   ErrorCode = "MEDIA_TOO_LARGE"
	CodeURLBlocked      ErrorCode = "URL_BLOCKED"
	CodeStore           ErrorCode = "STORE"
	CodeFeedAuth        ErrorCode = "FEED_AUTH"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeWhatsAppUnavailable ErrorCode = "WHATSAPP_UNAVAILABLE"
	CodeWhatsAppNotFound    ErrorCode = "WHATSAPP_MEDIA_NOT_FOUND"
	CodeRedisUnavailable    ErrorCode = "REDIS_UNAVAILABLE"

	// Category error codes — fallback codes when no subsystem-specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeDisabled         ErrorCode = "DISABLED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeProviderError    ErrorCode = "PROVIDER_ERROR"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrDisabled:         CodeDisabled,
	ErrInvalidInput:     CodeInvalidInput,
	ErrProviderError:    CodeProviderError,

	ErrConfigLoad:      CodeConfigLoad,
	ErrDecryption:      CodeDecryption,
	ErrEncryption:      CodeEncryption,
	ErrAuthInvalid:     CodeAuthInvalid,
	ErrRateLimit:       CodeRateLimit,
	ErrUnknownTimezone: CodeUnknownTimezone,
	ErrMediaFetch:      CodeMediaFetch,
	ErrMediaCache:      CodeMediaCache,
	ErrMediaTooLarge:   CodeMediaTooLarge,
	ErrURLBlocked:      CodeURLBlocked,
	ErrStore:           CodeStore,
	ErrFeedAuthFailed:  CodeFeedAuth,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"whatsapp": CodeWhatsAppNotFound,
	},
	ErrProviderError: {
		"whatsapp": CodeWhatsAppUnavailable,
		"redis":    CodeRedisUnavailable,
	},
	ErrMediaFetch: {
		"whatsapp": CodeWhatsAppUnavailable,
	},
	ErrMediaCache: {
		"redis": CodeRedisUnavailable,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		return de.Code()
	}

	// ErrFeedAuthFailed wraps ErrAuthInvalid, so check it before the generic walk.
	if errors.Is(err, ErrFeedAuthFailed) {
		return CodeFeedAuth
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
