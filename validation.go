package auth

import (
	"errors"
	"net/http"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	goerrors "github.com/goliatone/go-errors"
	"github.com/nyaruka/phonenumbers"
)

const (
	TextCodeValidationFailed = "VALIDATION_FAILED"
	msgValuesMustMatch       = "values must match"
)

// ValidateStringEquals will check that both values match
func ValidateStringEquals(str string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if s != str {
			return errors.New(msgValuesMustMatch)
		}
		return nil
	}
}

// ValidatePhone accepts empty values and numbers phonenumbers can parse for region
func ValidatePhone(region string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if strings.TrimSpace(s) == "" {
			return nil
		}
		if _, err := NormalizePhone(s, region); err != nil {
			return errors.New("must be a valid phone number")
		}
		return nil
	}
}

// NormalizePhone returns the E.164 form of raw, parsed with region as the
// default country
func NormalizePhone(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	num, err := phonenumbers.Parse(raw, strings.ToUpper(region))
	if err != nil {
		return "", err
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", errors.New("invalid phone number")
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// FormatValidationErrorToMap flattens ozzo errors into field -> message
func FormatValidationErrorToMap(err error) map[string]string {
	out := map[string]string{}
	var verrs validation.Errors
	if errors.As(err, &verrs) {
		for field, ferr := range verrs {
			if ferr != nil {
				out[field] = ferr.Error()
			}
		}
		return out
	}
	if err != nil {
		out["payload"] = err.Error()
	}
	return out
}

// ValidationError converts an ozzo error into a go-errors value carrying the
// offending fields. A failed confirmation becomes ErrPasswordMismatch.
func ValidationError(err error) error {
	if err == nil {
		return nil
	}

	fields := FormatValidationErrorToMap(err)

	if fields["confirm_password"] == msgValuesMustMatch {
		clone := ErrPasswordMismatch.Clone()
		if clone == nil {
			return ErrPasswordMismatch
		}
		clone.Source = ErrPasswordMismatch
		return clone.WithMetadata(map[string]any{"fields": fields})
	}

	return goerrors.New("invalid request payload", goerrors.CategoryValidation).
		WithCode(http.StatusBadRequest).
		WithTextCode(TextCodeValidationFailed).
		WithMetadata(map[string]any{"fields": fields})
}
