package token

import (
	"errors"

	sserr "github.com/StricklySoft/cell-sts/pkg/errors"
)

// Kind names the check a token failed.
type Kind int

const (
	KindEmpty Kind = iota + 1
	KindMalformed
	KindIssuerMismatch
	KindAudienceMismatch
	KindExpired
	KindSignatureInvalid
	KindJWKSFetchFailed
)

var kindNames = map[Kind]string{
	KindEmpty:            "token_empty",
	KindMalformed:        "token_malformed",
	KindIssuerMismatch:   "issuer_mismatch",
	KindAudienceMismatch: "audience_mismatch",
	KindExpired:          "token_expired",
	KindSignatureInvalid: "signature_invalid",
	KindJWKSFetchFailed:  "jwks_fetch_failed",
}

var kindCodes = map[Kind]sserr.Code{
	KindEmpty:            sserr.CodeAuthenticationInvalid,
	KindMalformed:        sserr.CodeAuthenticationInvalid,
	KindIssuerMismatch:   sserr.CodeAuthenticationIssuer,
	KindAudienceMismatch: sserr.CodeAuthenticationAudience,
	KindExpired:          sserr.CodeAuthenticationExpired,
	KindSignatureInvalid: sserr.CodeAuthenticationSignature,
	KindJWKSFetchFailed:  sserr.CodeUnavailableKeys,
}

// String returns the snake_case name used in logs and metric labels.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Code returns the error code for k.
func (k Kind) Code() sserr.Code {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return sserr.CodeAuthentication
}

// ValidationError is returned by [Validator.Validate]. Err carries the
// coded error and, where there is one, the underlying cause.
type ValidationError struct {
	Kind Kind
	Err  *sserr.Error
}

func (e *ValidationError) Error() string { return e.Err.Error() }

func (e *ValidationError) Unwrap() error { return e.Err }

func newValidationError(kind Kind, cause error, msg string) *ValidationError {
	var err *sserr.Error
	if cause != nil {
		err = sserr.Wrap(cause, kind.Code(), msg)
	} else {
		err = sserr.New(kind.Code(), msg)
	}
	return &ValidationError{Kind: kind, Err: err}
}

// KindOf returns the Kind of a *ValidationError in err's chain.
func KindOf(err error) (Kind, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Kind, true
	}
	return 0, false
}
