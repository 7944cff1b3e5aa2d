package config

const redacted = "[REDACTED]"

// Secret holds a credential loaded like any other string field but hidden
// from fmt, logs and text encoders. Use Value to read it.
type Secret string

func (s Secret) String() string { return redacted }

func (s Secret) GoString() string { return redacted }

// Value returns the raw credential.
func (s Secret) Value() string { return string(s) }

func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }
