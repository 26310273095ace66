package errors

import (
	"fmt"
	"net/http"
)

// Error is the API error type returned by services and mapped onto HTTP
// responses by the server package.
type Error struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches two Errors by message and status so that wrapped instances
// compare equal to their sentinel under errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Message == e.Message && t.Status == e.Status
}

// New creates a new Error with the given message and HTTP status.
func New(message string, status int) *Error {
	return &Error{Message: message, Status: status}
}

var (
	// ErrNotReady is returned when the conversation key is unresolved or the
	// caller's identity is missing. The caller must wait for bootstrap to
	// complete or re-authenticate.
	ErrNotReady = New("conversation not ready", http.StatusConflict)

	// ErrDecryptionFailed is returned when AEAD authentication fails or the
	// key/nonce sizes are wrong. During history fetches it is recovered
	// per-message with a placeholder and never fails the batch.
	ErrDecryptionFailed = New("unable to decrypt", http.StatusUnprocessableEntity)

	// ErrNotAuthorized is returned when the ownership predicate excludes the
	// caller, e.g. editing another sender's message.
	ErrNotAuthorized = New("not the message sender", http.StatusForbidden)

	// ErrPersist is returned when a backend write fails. It is surfaced to
	// the caller and never retried automatically.
	ErrPersist = New("backend write failed", http.StatusInternalServerError)

	ErrNotFound            = New("record not found", http.StatusNotFound)
	ErrBadRequest          = New("bad request", http.StatusBadRequest)
	ErrUnauthorized        = New("unauthorized", http.StatusUnauthorized)
	ErrInternalServerError = New("internal server error", http.StatusInternalServerError)
)

// Persist wraps a failed backend write so the root cause stays inspectable
// while errors.Is(err, ErrPersist) still holds.
func Persist(cause error) *Error {
	return &Error{Message: ErrPersist.Message, Status: ErrPersist.Status, Cause: cause}
}

// Decryption wraps a crypto failure as ErrDecryptionFailed.
func Decryption(cause error) *Error {
	return &Error{Message: ErrDecryptionFailed.Message, Status: ErrDecryptionFailed.Status, Cause: cause}
}
