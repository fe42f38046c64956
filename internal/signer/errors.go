package signer

import "errors"

var (
	ErrUnknownSigner           = errors.New("signer: unknown signer_id")
	ErrPermanentSignerFailure  = errors.New("signer: permanent failure, key rejected or auth denied")
	ErrKeystoreNotFound        = errors.New("signer: local keystore file not found")
	ErrWrongPassphrase         = errors.New("signer: wrong keystore passphrase")
)

// permanentError wraps ErrPermanentSignerFailure so backends can mark a
// failure as non-retryable (bad key, auth rejected) without losing the
// underlying cause.
type permanentError struct {
	cause error
}

func (e *permanentError) Error() string { return "permanent: " + e.cause.Error() }
func (e *permanentError) Unwrap() []error { return []error{ErrPermanentSignerFailure, e.cause} }

// Permanent wraps err so Facade.Sign treats it as non-retryable.
func Permanent(err error) error {
	return &permanentError{cause: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
