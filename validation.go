package authgate

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/MrEthical07/authgate/autherr"
)

// inputValidator checks caller input before any I/O. Length bounds come
// from ValidationConfig and are passed per call.
type inputValidator struct {
	v   *validator.Validate
	cfg ValidationConfig
}

func newInputValidator(cfg ValidationConfig) *inputValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &inputValidator{v: v, cfg: cfg}
}

type credentialsInput struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required"`
}

type registrationInput struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required"`
	Name     string `json:"name" validate:"omitempty"`
}

func (iv *inputValidator) credentials(email, password string) error {
	if err := iv.check(credentialsInput{Email: email, Password: password}); err != nil {
		return err
	}
	return nil
}

func (iv *inputValidator) registration(email, password, name string) error {
	if err := iv.check(registrationInput{Email: email, Password: password, Name: name}); err != nil {
		return err
	}
	if err := iv.password("password", password); err != nil {
		return err
	}
	return iv.name(name)
}

func (iv *inputValidator) email(email string) error {
	if err := iv.v.Var(email, "required,email,max=254"); err != nil {
		return fieldError("email", err)
	}
	return nil
}

func (iv *inputValidator) password(field, password string) error {
	tag := fmt.Sprintf("required,min=%d,max=%d", iv.cfg.MinPasswordLength, iv.cfg.MaxPasswordLength)
	if err := iv.v.Var(password, tag); err != nil {
		return fieldError(field, err)
	}
	return nil
}

func (iv *inputValidator) name(name string) error {
	if err := iv.v.Var(name, fmt.Sprintf("max=%d", iv.cfg.MaxNameLength)); err != nil {
		return fieldError("name", err)
	}
	return nil
}

func (iv *inputValidator) required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return autherr.New(autherr.CodeValidation, field+" is required")
	}
	return nil
}

func (iv *inputValidator) check(in any) error {
	err := iv.v.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return autherr.Wrap(autherr.CodeValidation, autherr.ErrValidation.Message, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe.Field(), fe))
	}
	sort.Strings(msgs)
	return autherr.Wrap(autherr.CodeValidation, strings.Join(msgs, "; "), err)
}

func fieldError(field string, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return autherr.Wrap(autherr.CodeValidation, describe(field, verrs[0]), err)
	}
	return autherr.Wrap(autherr.CodeValidation, field+" is invalid", err)
}

func describe(field string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be a valid email address"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters long", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters long", field, fe.Param())
	default:
		return field + " is invalid"
	}
}
