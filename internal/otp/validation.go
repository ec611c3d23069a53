package otp

import (
	"strings"

	"github.com/asaskevich/govalidator"

	"advisor/internal/auth/models"
	dErrors "advisor/pkg/domain-errors"
)

const (
	codePattern    = `^[0-9]{6}$`
	wNumberPattern = `^W[0-9]{7}$`
)

// NormalizeEmail trims and lowercases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail checks the address format and, when domain is non-empty,
// that it belongs to the institution.
func ValidateEmail(email, domain string) error {
	email = NormalizeEmail(email)
	if email == "" {
		return dErrors.New(dErrors.CodeValidation, "Email is required")
	}
	if !govalidator.IsEmail(email) {
		return dErrors.New(dErrors.CodeValidation, "Enter a valid email address")
	}
	domain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "@"))
	if domain != "" && !strings.HasSuffix(email, "@"+domain) {
		return dErrors.Newf(dErrors.CodeValidation, "Use your @%s email address", domain)
	}
	return nil
}

func ValidateCode(code string) error {
	if !govalidator.Matches(strings.TrimSpace(code), codePattern) {
		return dErrors.New(dErrors.CodeValidation, "Enter the 6-digit code from your email")
	}
	return nil
}

// ValidateRegistration expects a normalized registration.
func ValidateRegistration(reg models.Registration, domain string) error {
	if err := ValidateEmail(reg.Email, domain); err != nil {
		return err
	}
	if reg.FirstName == "" {
		return dErrors.New(dErrors.CodeValidation, "First name is required")
	}
	if reg.LastName == "" {
		return dErrors.New(dErrors.CodeValidation, "Last name is required")
	}
	if reg.WNumber != "" && !govalidator.Matches(reg.WNumber, wNumberPattern) {
		return dErrors.New(dErrors.CodeValidation, "W-number must be W followed by 7 digits")
	}
	if !reg.Agreements.TermsOfService || !reg.Agreements.CodeOfConduct {
		return dErrors.New(dErrors.CodeValidation, "Accept the terms of service and code of conduct to continue")
	}
	return nil
}
