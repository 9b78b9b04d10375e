// Package httpvalidate validates request DTOs via struct tags, matching
// the teacher's validator.v9 setup: json-tag field names in error
// messages, translated messages, and custom tags for metadata key/value
// length limits.
package httpvalidate

import (
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	en2 "gopkg.in/go-playground/validator.v9/translations/en"

	validator "gopkg.in/go-playground/validator.v9"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/merr"
)

var (
	once      sync.Once
	singleton *validator.Validate
	trans     ut.Translator
)

func instance() (*validator.Validate, ut.Translator) {
	once.Do(func() {
		locale := en.New()
		uni := ut.New(locale, locale)
		trans, _ = uni.GetTranslator("en")

		singleton = validator.New()

		if err := en2.RegisterDefaultTranslations(singleton, trans); err != nil {
			panic(err)
		}

		singleton.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}

			return name
		})

		_ = singleton.RegisterValidation("keymax", validateMetadataKeyMaxLength)
		_ = singleton.RegisterValidation("valuemax", validateMetadataValueMaxLength)
	})

	return singleton, trans
}

// Struct validates s against its `validate` struct tags, returning a
// merr.ValidationError naming every failing field on failure.
func Struct(s any) error {
	v, t := instance()

	if err := v.Struct(s); err != nil {
		fieldErrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return merr.ValidationError{Message: err.Error(), Err: err}
		}

		var msgs []string
		for _, fe := range fieldErrs {
			msgs = append(msgs, fe.Field()+": "+fe.Translate(t))
		}

		return merr.ValidationError{Field: strings.Join(fieldNames(fieldErrs), ", "), Message: strings.Join(msgs, "; ")}
	}

	return nil
}

func fieldNames(errs validator.ValidationErrors) []string {
	names := make([]string, 0, len(errs))
	for _, fe := range errs {
		names = append(names, fe.Field())
	}

	return names
}

// validateMetadataKeyMaxLength enforces a metadata map key length limit,
// default 100 characters if the tag carries no param.
func validateMetadataKeyMaxLength(fl validator.FieldLevel) bool {
	limit := 100

	if p := fl.Param(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			limit = n
		}
	}

	return len(fl.Field().String()) <= limit
}

// validateMetadataValueMaxLength enforces a metadata map value length
// limit, default 2000 characters if the tag carries no param.
func validateMetadataValueMaxLength(fl validator.FieldLevel) bool {
	limit := 2000

	if p := fl.Param(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			limit = n
		}
	}

	var value string

	switch fl.Field().Kind() {
	case reflect.Int, reflect.Int64:
		value = strconv.FormatInt(fl.Field().Int(), 10)
	case reflect.Float64:
		value = strconv.FormatFloat(fl.Field().Float(), 'f', -1, 64)
	case reflect.String:
		value = fl.Field().String()
	case reflect.Bool:
		value = strconv.FormatBool(fl.Field().Bool())
	default:
		return false
	}

	return len(value) <= limit
}
