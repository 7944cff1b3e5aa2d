// Package errors provides the coded error type shared by every Cell STS
// component. Each error carries a machine-readable [Code] whose category
// prefix (VAL, AUTH, AUTHZ, INT, UNAVAIL, TIMEOUT) tells a caller how the
// failure should be treated on the data path.
//
// # Codes
//
// Codes follow the pattern CATEGORY_NNN. Categories are stable; the numeric
// part distinguishes the individual condition, for example:
//
//	AUTH_002 token expired
//	AUTH_004 token issuer does not match the declared source cell
//	AUTHZ_002 policy backend denied the call
//	UNAVAIL_004 remote JWKS could not be fetched
//
// # Usage
//
//	err := errors.New(errors.CodeAuthenticationIssuer, "sts: issuer mismatch")
//	if errors.IsAuthentication(err) {
//	    // deny the proxied call
//	}
//
// Cell STS never surfaces these errors to the calling proxy as protocol
// errors; they are converted into DENY decisions and logged with their code.
package errors
