package otp

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"advisor/internal/auth/models"
	dErrors "advisor/pkg/domain-errors"
)

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		email   string
		domain  string
		wantErr bool
	}{
		{"jane@selu.edu", "selu.edu", false},
		{"  Jane@SELU.edu ", "selu.edu", false},
		{"jane@selu.edu", "@selu.edu", false},
		{"jane@gmail.com", "selu.edu", true},
		{"jane@gmail.com", "", false},
		{"not-an-email", "", true},
		{"", "selu.edu", true},
	}
	for _, tt := range tests {
		t.Run(tt.email+"/"+tt.domain, func(t *testing.T) {
			err := ValidateEmail(tt.email, tt.domain)
			if tt.wantErr {
				assert.True(t, dErrors.Is(err, dErrors.CodeValidation))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateCode(t *testing.T) {
	assert.NoError(t, ValidateCode("123456"))
	assert.NoError(t, ValidateCode(" 000000 "))
	for _, bad := range []string{"", "12345", "1234567", "12a456", "123 45"} {
		assert.True(t, dErrors.Is(ValidateCode(bad), dErrors.CodeValidation), bad)
	}
}

func TestValidateRegistration(t *testing.T) {
	valid := func() models.Registration {
		reg := models.Registration{
			Email:      "jane@selu.edu",
			FirstName:  "Jane",
			LastName:   "Doe",
			WNumber:    "W1234567",
			Agreements: models.Agreements{TermsOfService: true, CodeOfConduct: true},
		}
		reg.Normalize()
		return reg
	}

	assert.NoError(t, ValidateRegistration(valid(), "selu.edu"))

	noWNumber := valid()
	noWNumber.WNumber = ""
	assert.NoError(t, ValidateRegistration(noWNumber, "selu.edu"))

	cases := map[string]func(*models.Registration){
		"outside domain":   func(r *models.Registration) { r.Email = "jane@gmail.com" },
		"missing first":    func(r *models.Registration) { r.FirstName = "" },
		"missing last":     func(r *models.Registration) { r.LastName = "" },
		"short w-number":   func(r *models.Registration) { r.WNumber = "W123" },
		"w-number letters": func(r *models.Registration) { r.WNumber = "X1234567" },
		"terms declined":   func(r *models.Registration) { r.Agreements.TermsOfService = false },
		"conduct declined": func(r *models.Registration) { r.Agreements.CodeOfConduct = false },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			reg := valid()
			mutate(&reg)
			assert.True(t, dErrors.Is(ValidateRegistration(reg, "selu.edu"), dErrors.CodeValidation))
		})
	}
}
