// Package validate checks user-typed sign-in input before it reaches the network.
package validate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mrtesla07/goetia-bot/internal/errs"
)

// v is the package-level singleton validator.
var v = validator.New()

type phoneInput struct {
	Phone string `validate:"required,e164"`
}

type codeInput struct {
	Code string `validate:"required,number,min=5,max=6"`
}

type passwordInput struct {
	Password string `validate:"required,max=256"`
}

// Phone normalizes a phone number to E.164 and validates it. Spaces, dashes
// and parentheses are dropped; a missing leading "+" is added.
func Phone(s string) (string, error) {
	p := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '\t':
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	if p != "" && !strings.HasPrefix(p, "+") {
		p = "+" + p
	}
	if err := check(phoneInput{Phone: p}); err != nil {
		return "", err
	}
	return p, nil
}

// Code strips spaces from a login code and validates it.
func Code(s string) (string, error) {
	c := strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	if err := check(codeInput{Code: c}); err != nil {
		return "", err
	}
	return c, nil
}

// Password validates a second-factor password as given. Callers trim
// surrounding whitespace first; chat clients add it on paste.
func Password(s string) error {
	return check(passwordInput{Password: s})
}

func check(s any) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		msgs = append(msgs, fmt.Sprintf("%s failed '%s'", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", errs.ErrValidation, strings.Join(msgs, "; "))
}
