// Package token issues and validates the short-lived RS256 identity tokens
// that carry a caller's identity across cell boundaries.
//
// Every token carries the claims jti, iss, sub, aud, iat, exp, scope and
// keytype. The audience is never empty and exp is always iat plus the
// requested lifetime. Issuer names follow the mesh convention
// "<cell>--sts-service"; see [IssuerForCell].
package token

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	sserr "github.com/StricklySoft/cell-sts/pkg/errors"
)

const (
	// IssuerSuffix is appended to a cell name to form its issuer name.
	IssuerSuffix = "--sts-service"

	// DefaultGlobalIssuer is used when no issuer is given and the source
	// cell of a token is unknown.
	DefaultGlobalIssuer = "global" + IssuerSuffix

	// DefaultAudience is applied when a token is minted without one.
	DefaultAudience = "cellery"

	// KeyTypeProduction is the keytype claim of every issued token.
	KeyTypeProduction = "PRODUCTION"
)

// IssuerForCell returns the issuer name of cell.
func IssuerForCell(cell string) string {
	return cell + IssuerSuffix
}

var reservedClaims = map[string]struct{}{
	"jti": {}, "iss": {}, "sub": {}, "aud": {}, "iat": {}, "exp": {}, "scope": {}, "keytype": {},
}

// Claims is the decoded claim set of a token. Extra holds every claim not
// modelled by a field.
type Claims struct {
	ID        string
	Issuer    string
	Subject   string
	Audience  []string
	IssuedAt  int64
	ExpiresAt int64
	Scope     []string
	KeyType   string
	Extra     map[string]any
}

// Map renders c as the JSON object that is signed.
func (c *Claims) Map() jwt.MapClaims {
	m := make(jwt.MapClaims, len(reservedClaims)+len(c.Extra))
	for k, v := range c.Extra {
		if _, reserved := reservedClaims[k]; !reserved {
			m[k] = v
		}
	}
	m["jti"] = c.ID
	m["iss"] = c.Issuer
	m["sub"] = c.Subject
	m["aud"] = append([]string(nil), c.Audience...)
	m["iat"] = c.IssuedAt
	m["exp"] = c.ExpiresAt
	if len(c.Scope) > 0 {
		m["scope"] = append([]string(nil), c.Scope...)
	}
	if c.KeyType != "" {
		m["keytype"] = c.KeyType
	}
	return m
}

// HasAudience reports whether any audience equals name, ignoring case.
func (c *Claims) HasAudience(name string) bool {
	for _, a := range c.Audience {
		if strings.EqualFold(a, name) {
			return true
		}
	}
	return false
}

// Encode returns the base64url (unpadded) JSON of the full claim set. It
// is what downstream workloads receive in the subject-claims header; it is
// not signed.
func (c *Claims) Encode() (string, error) {
	data, err := json.Marshal(c.Map())
	if err != nil {
		return "", sserr.Wrap(err, sserr.CodeInternal, "token: failed to encode claims")
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// ClaimsFromMap decodes a parsed claim map. Numeric dates are accepted as
// float64 or json.Number; aud and scope may be a string or a list.
func ClaimsFromMap(m jwt.MapClaims) *Claims {
	c := &Claims{Extra: map[string]any{}}
	for k, v := range m {
		switch k {
		case "jti":
			c.ID, _ = v.(string)
		case "iss":
			c.Issuer, _ = v.(string)
		case "sub":
			c.Subject, _ = v.(string)
		case "aud":
			c.Audience = stringList(v, ",")
		case "scope":
			c.Scope = stringList(v, " ")
		case "iat":
			c.IssuedAt = numericDate(v)
		case "exp":
			c.ExpiresAt = numericDate(v)
		case "keytype":
			c.KeyType, _ = v.(string)
		default:
			c.Extra[k] = v
		}
	}
	if len(c.Extra) == 0 {
		c.Extra = nil
	}
	return c
}

// ParseUnverified decodes raw without checking its signature. Use it only
// on tokens that have already been validated or that come from a trusted
// local hop.
func ParseUnverified(raw string) (*Claims, error) {
	if raw == "" {
		return nil, sserr.New(sserr.CodeAuthenticationInvalid, "token: empty token")
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "token: malformed token")
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, sserr.New(sserr.CodeAuthenticationInvalid, "token: unexpected claims type")
	}
	return ClaimsFromMap(mc), nil
}

func stringList(v any, sep string) []string {
	switch t := v.(type) {
	case string:
		var out []string
		for _, p := range strings.Split(t, sep) {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func numericDate(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	case json.Number:
		n, _ := t.Int64()
		return n
	default:
		return 0
	}
}
