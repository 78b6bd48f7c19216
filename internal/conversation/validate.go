package conversation

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"cellar/internal/domain"
)

var vintageRe = regexp.MustCompile(`^(?:1[89]\d\d|20\d\d|NV)$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		_ = validate.RegisterValidation("vintage", func(fl validator.FieldLevel) bool {
			return vintageRe.MatchString(fl.Field().String())
		})
	})
	return validate
}

var ruleMessages = map[string]string{
	"required":         "is required",
	"required_without": "is required",
	"max":              "is too long",
	"min":              "is too small",
	"gte":              "must not be negative",
	"len":              "has the wrong length",
	"numeric":          "must be a number",
	"alpha":            "must contain letters only",
	"vintage":          "must be a four-digit year or NV",
}

// validateStruct runs the struct's validate tags and converts failures into a
// domain.ValidationError whose field paths are prefixed with prefix.
func validateStruct(prefix string, v any) error {
	err := validatorInstance().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &domain.ValidationError{}
	for _, fe := range verrs {
		msg, ok := ruleMessages[fe.Tag()]
		if !ok {
			msg = "is invalid"
		}
		out.Fields = append(out.Fields, domain.FieldError{Field: fieldPath(prefix, fe.Namespace()), Message: msg})
	}
	return out
}

// fieldPath drops the root struct name from a validator namespace and
// embedded struct names, e.g. "WineDraft.EntityDraft.name" -> "wine.name".
func fieldPath(prefix, ns string) string {
	parts := strings.Split(ns, ".")
	keep := []string{prefix}
	for _, p := range parts[1:] {
		if p == "" || p[0] >= 'A' && p[0] <= 'Z' {
			continue
		}
		keep = append(keep, p)
	}
	return strings.Join(keep, ".")
}

// validateBottle adds the rule validator tags cannot express: a price needs
// its currency.
func validateBottle(b domain.BottleDetails) error {
	var out domain.ValidationError
	if err := validateStruct("bottle", b); err != nil {
		var vErr *domain.ValidationError
		if !errors.As(err, &vErr) {
			return err
		}
		out.Fields = append(out.Fields, vErr.Fields...)
	}
	if b.Price != nil && strings.TrimSpace(b.Currency) == "" {
		out.Fields = append(out.Fields, domain.FieldError{Field: "bottle.currency", Message: "is required when a price is given"})
	}
	if len(out.Fields) == 0 {
		return nil
	}
	return &out
}

// ValidateSubmission checks everything the add flow collected before commit.
func ValidateSubmission(sub domain.CellarSubmission) error {
	var out domain.ValidationError
	collect := func(err error) error {
		if err == nil {
			return nil
		}
		var vErr *domain.ValidationError
		if !errors.As(err, &vErr) {
			return err
		}
		out.Fields = append(out.Fields, vErr.Fields...)
		return nil
	}
	for _, err := range []error{
		validateStruct("region", sub.Region),
		validateStruct("producer", sub.Producer),
		validateStruct("wine", sub.Wine),
		validateBottle(sub.Bottle),
	} {
		if e := collect(err); e != nil {
			return e
		}
	}
	if len(out.Fields) == 0 {
		return nil
	}
	return &out
}
