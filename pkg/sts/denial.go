package sts

import (
	"errors"
	"fmt"

	sserr "github.com/StricklySoft/cell-sts/pkg/errors"
	"github.com/StricklySoft/cell-sts/pkg/token"
)

// Reasons a call is denied. Token validation failures use the
// [token.Kind] name instead.
const (
	ReasonRequestMalformed  = "request_malformed"
	ReasonMissingToken      = "missing_token"
	ReasonTokenTampered     = "token_tampered"
	ReasonContextStore      = "context_store_failure"
	ReasonPolicyDenied      = "policy_denied"
	ReasonPolicyUnreachable = "policy_unreachable"
	ReasonMintFailed        = "mint_failed"
	ReasonInternal          = "internal_error"
)

// Denial is why a step rejected a call. Steps return it as a value; it
// never travels as a protocol error.
type Denial struct {
	Reason string
	Err    error
}

func (d *Denial) Error() string {
	if d.Err == nil {
		return d.Reason
	}
	return fmt.Sprintf("%s: %v", d.Reason, d.Err)
}

func (d *Denial) Unwrap() error { return d.Err }

// Code returns the error code carried by the denial.
func (d *Denial) Code() sserr.Code {
	if c := sserr.GetCode(d.Err); c != "" {
		return c
	}
	return sserr.CodeAuthorization
}

func deny(reason string, err error) *Denial {
	return &Denial{Reason: reason, Err: err}
}

// denyValidation maps a validator error to a denial named after the
// failed check.
func denyValidation(err error) *Denial {
	if kind, ok := token.KindOf(err); ok {
		return deny(kind.String(), err)
	}
	var d *Denial
	if errors.As(err, &d) {
		return d
	}
	return deny(ReasonInternal, err)
}
