package config

import (
	"reflect"

	sserr "github.com/StricklySoft/cell-sts/pkg/errors"
)

// Validator is implemented by configuration structs that need checks
// beyond `required:"true"`. Validate runs after the required-field pass.
// A returned *sserr.Error is passed through unchanged; any other error is
// wrapped with [sserr.CodeValidation].
type Validator interface {
	Validate() error
}

func validate(cfg any, rv reflect.Value) error {
	if err := checkRequired(rv, ""); err != nil {
		return err
	}
	v, ok := cfg.(Validator)
	if !ok {
		return nil
	}
	err := v.Validate()
	if err == nil {
		return nil
	}
	if _, coded := sserr.AsError(err); coded {
		return err
	}
	return sserr.Wrap(err, sserr.CodeValidation, "config: validation failed")
}

// checkRequired reports the first zero field tagged required, naming it
// by its dotted path (for example "Redis.Addr").
func checkRequired(rv reflect.Value, path string) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() {
			continue
		}
		name := sf.Name
		if path != "" {
			name = path + "." + sf.Name
		}
		if field.Kind() == reflect.Struct {
			if err := checkRequired(field, name); err != nil {
				return err
			}
			continue
		}
		if sf.Tag.Get("required") == "true" && field.IsZero() {
			return sserr.Newf(sserr.CodeValidationRequired,
				"config: required field %q is empty", name)
		}
	}
	return nil
}
