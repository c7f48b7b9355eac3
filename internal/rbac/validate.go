package rbac

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var roleKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{1,31}$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator with the rolekey tag registered.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("rolekey", func(fl validator.FieldLevel) bool {
			return roleKeyPattern.MatchString(fl.Field().String())
		})
		validate = v
	})
	return validate
}

// ParseRole validates and normalizes a role key.
func ParseRole(raw string) (Role, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if !roleKeyPattern.MatchString(key) {
		return "", Invalid("role", fmt.Sprintf("malformed role key %q", raw))
	}
	return Role(key), nil
}

// ValidateStruct runs tag validation and converts the first failure into a
// ValidationError.
func ValidateStruct(v any) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return Invalid(jsonFieldName(fe.Namespace()), "failed "+fe.Tag())
	}
	return Invalid("", err.Error())
}

// ValidatePermissions rejects over-long keys and oversized sets.
func ValidatePermissions(p Permissions) error {
	for _, c := range Categories() {
		keys := p.Get(c)
		if len(keys) > 256 {
			return Invalid(string(c), "too many keys")
		}
		for _, k := range keys {
			if len(strings.TrimSpace(k)) > 128 {
				return Invalid(string(c), fmt.Sprintf("key too long: %.16s...", k))
			}
		}
	}
	return nil
}

func jsonFieldName(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	return strings.ToLower(ns)
}
