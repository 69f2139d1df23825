package validation

import (
	"fmt"
	"reflect"
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// party and contract identifiers share the ledger's identifier alphabet
	partyRegex      = regexp.MustCompile(`^[A-Za-z0-9:_\-.]{1,256}$`)
	contractIDRegex = regexp.MustCompile(`^[A-Za-z0-9:_\-]{1,512}$`)
)

// Validator validates request structs
type Validator struct {
	validator *validator.Validate
	logger    *zap.Logger
	sanitizer *bluemonday.Policy
}

// NewValidator creates a new validator instance with the lending validations registered
func NewValidator(logger *zap.Logger) *Validator {
	v := &Validator{
		validator: validator.New(),
		logger:    logger,
		sanitizer: bluemonday.StrictPolicy(),
	}
	v.registerCustomValidators()
	return v
}

// ValidationError represents a validation error with details
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", ve[0].Message)
}

// ValidateStruct validates a struct using struct tags
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validator.Struct(s)
	if err == nil {
		return nil
	}
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	var validationErrs ValidationErrors
	for _, fe := range fieldErrs {
		validationErrs = append(validationErrs, ValidationError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Value:   fmt.Sprintf("%v", fe.Value()),
			Message: v.getErrorMessage(fe),
		})
	}
	v.logger.Debug("request rejected by validation", zap.Int("errors", len(validationErrs)))
	return validationErrs
}

// IsContractID reports whether s only uses the identifier alphabet.
func IsContractID(s string) bool { return contractIDRegex.MatchString(s) }

// IsParty reports whether s is a well-formed party identifier.
func IsParty(s string) bool { return partyRegex.MatchString(s) }

// registerCustomValidators registers custom validation rules
func (v *Validator) registerCustomValidators() {
	// decimals are validated through their string form
	v.validator.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})

	v.validator.RegisterValidation("positive_decimal", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && d.IsPositive()
	})

	// rates are fractions per annum: 0.05 is five percent
	v.validator.RegisterValidation("rate", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && !d.IsNegative() && d.LessThanOrEqual(decimal.NewFromInt(1))
	})

	v.validator.RegisterValidation("party", func(fl validator.FieldLevel) bool {
		return IsParty(fl.Field().String())
	})

	v.validator.RegisterValidation("contract_id", func(fl validator.FieldLevel) bool {
		return IsContractID(fl.Field().String())
	})

	// secure_string rejects anything the strict HTML policy would change
	v.validator.RegisterValidation("secure_string", func(fl validator.FieldLevel) bool {
		value := fl.Field().String()
		return v.sanitizer.Sanitize(value) == value
	})
}

// getErrorMessage returns a human-readable error message for validation errors
func (v *Validator) getErrorMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "positive_decimal":
		return fmt.Sprintf("%s must be a positive amount", fe.Field())
	case "rate":
		return fmt.Sprintf("%s must be a rate between 0 and 1", fe.Field())
	case "party", "contract_id", "secure_string":
		return fmt.Sprintf("%s contains invalid characters", fe.Field())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
