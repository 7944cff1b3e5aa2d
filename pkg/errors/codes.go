package errors

// Code is a machine-readable error code of the form CATEGORY_NNN.
type Code string

// Error code categories:
//
//	VAL_xxx     request or configuration input is malformed
//	AUTH_xxx    the presented identity could not be authenticated
//	AUTHZ_xxx   the identity is authenticated but the call is not allowed
//	INT_xxx     unexpected internal failure or misconfiguration
//	UNAVAIL_xxx a dependency (JWKS host, token endpoint, store) is unreachable
//	TIMEOUT_xxx a dependency did not answer in time
const (
	// CodeValidation indicates a general validation failure.
	CodeValidation Code = "VAL_001"

	// CodeValidationRequired indicates a required field or header is missing.
	CodeValidationRequired Code = "VAL_002"

	// CodeValidationFormat indicates a value has an invalid format.
	CodeValidationFormat Code = "VAL_003"

	// CodeAuthentication indicates a general authentication failure.
	CodeAuthentication Code = "AUTH_001"

	// CodeAuthenticationExpired indicates the token's exp is not in the future.
	CodeAuthenticationExpired Code = "AUTH_002"

	// CodeAuthenticationInvalid indicates the token is empty or malformed.
	CodeAuthenticationInvalid Code = "AUTH_003"

	// CodeAuthenticationIssuer indicates the token's iss does not match the
	// issuer expected for the declared source cell.
	CodeAuthenticationIssuer Code = "AUTH_004"

	// CodeAuthenticationAudience indicates none of the token's audiences
	// names this cell.
	CodeAuthenticationAudience Code = "AUTH_005"

	// CodeAuthenticationSignature indicates the token signature could not
	// be verified against the issuer's published keys.
	CodeAuthenticationSignature Code = "AUTH_006"

	// CodeAuthenticationTampered indicates a token presented on an internal
	// hop differs from the one recorded for the same request id.
	CodeAuthenticationTampered Code = "AUTH_007"

	// CodeAuthorization indicates a general authorization failure.
	CodeAuthorization Code = "AUTHZ_001"

	// CodeAuthorizationDenied indicates the policy backend denied the call.
	CodeAuthorizationDenied Code = "AUTHZ_002"

	// CodeAuthorizationPolicyUnreachable indicates the policy decision could
	// not be obtained. It is treated exactly like an explicit deny.
	CodeAuthorizationPolicyUnreachable Code = "AUTHZ_004"

	// CodeInternal indicates an unexpected internal failure.
	CodeInternal Code = "INT_001"

	// CodeInternalDatabase indicates a database or cache backend failure.
	CodeInternalDatabase Code = "INT_002"

	// CodeInternalConfiguration indicates missing or invalid configuration,
	// including an unavailable signing key.
	CodeInternalConfiguration Code = "INT_003"

	// CodeUnavailable indicates a general dependency outage.
	CodeUnavailable Code = "UNAVAIL_001"

	// CodeUnavailableDependency indicates a backing store is unreachable.
	CodeUnavailableDependency Code = "UNAVAIL_002"

	// CodeUnavailableKeys indicates the remote JWKS could not be fetched.
	CodeUnavailableKeys Code = "UNAVAIL_004"

	// CodeUnavailableMint indicates the remote token endpoint failed.
	CodeUnavailableMint Code = "UNAVAIL_005"

	// CodeTimeout indicates a general timeout.
	CodeTimeout Code = "TIMEOUT_001"

	// CodeTimeoutDatabase indicates a database or cache operation timed out.
	CodeTimeoutDatabase Code = "TIMEOUT_002"

	// CodeTimeoutDependency indicates an HTTP dependency timed out.
	CodeTimeoutDependency Code = "TIMEOUT_003"
)

// String returns the code as a string.
func (c Code) String() string {
	return string(c)
}

// Category returns the prefix before the first underscore ("AUTH" for
// "AUTH_004").
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}
