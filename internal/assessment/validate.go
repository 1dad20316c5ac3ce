package assessment

import (
	"errors"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/readiness/internal/model"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON names so errors match the form.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("phone", validPhone); err != nil {
		panic(err)
	}
	return v
}

// ValidateCompanyInfo returns the JSON names of missing or invalid fields, in
// form order. An empty result means the info is acceptable.
func ValidateCompanyInfo(info model.CompanyInfo) []string {
	err := validate.Struct(trimInfo(info))
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{"companyInfo"}
	}
	bad := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		bad = append(bad, fe.Field())
	}
	return bad
}

// trimInfo strips surrounding blanks so whitespace-only values count as missing.
func trimInfo(info model.CompanyInfo) model.CompanyInfo {
	for _, f := range []*string{
		&info.CompanyName, &info.ContactName, &info.Email, &info.Phone,
		&info.JobTitle, &info.Industry, &info.CompanySize, &info.Website,
	} {
		*f = strings.TrimSpace(*f)
	}
	return info
}

// validPhone accepts 7 to 15 digits with the usual separators.
func validPhone(fl validator.FieldLevel) bool {
	digits := 0
	for _, r := range fl.Field().String() {
		switch {
		case unicode.IsDigit(r):
			digits++
		case strings.ContainsRune(" +-().", r):
		default:
			return false
		}
	}
	return digits >= 7 && digits <= 15
}
