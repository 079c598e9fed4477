package service

import (
	"errors"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/nyaruka/phonenumbers"

	"identity-service/internal/models"
	"identity-service/internal/util"
)

var (
	otpPattern       = regexp.MustCompile(`^[0-9]{6}$`)
	mobilePattern    = regexp.MustCompile(`^[0-9]{10}$`)
	phoneCodePattern = regexp.MustCompile(`^\+?[0-9]{1,4}$`)
)

// RegisterRequest is step one of onboarding.
type RegisterRequest struct {
	FirstName        string            `json:"firstName"`
	LastName         string            `json:"lastName"`
	Email            string            `json:"email"`
	Password         string            `json:"password"`
	ConfirmPassword  string            `json:"confirmPassword"`
	Profession       models.Profession `json:"profession"`
	PrimarySpecialty string            `json:"primarySpecialty"`
	Institution      string            `json:"institution"`
	Department       string            `json:"department"`
	PhoneCode        string            `json:"phoneCode"`
	MobileNumber     string            `json:"mobileNumber"`
	Address          models.Address    `json:"address"`
	TermsAccepted    bool              `json:"termsAccepted"`
}

func (r *RegisterRequest) normalize() {
	r.FirstName = strings.TrimSpace(r.FirstName)
	r.LastName = strings.TrimSpace(r.LastName)
	r.Email = util.NormalizeEmail(r.Email)
	r.PrimarySpecialty = strings.TrimSpace(r.PrimarySpecialty)
	r.Institution = strings.TrimSpace(r.Institution)
	r.Department = strings.TrimSpace(r.Department)
	r.PhoneCode = strings.TrimSpace(r.PhoneCode)
	r.MobileNumber = strings.TrimSpace(r.MobileNumber)
	r.Address = trimAddress(r.Address)
}

func (r RegisterRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.FirstName,
			validation.Required.Error("First name is required"),
			validation.Length(2, 50).Error("First name must be between 2 and 50 characters"),
			validation.By(plainText)),
		validation.Field(&r.LastName,
			validation.Required.Error("Last name is required"),
			validation.Length(2, 50).Error("Last name must be between 2 and 50 characters"),
			validation.By(plainText)),
		validation.Field(&r.Email,
			validation.Required.Error("Email is required"),
			is.Email.Error("Please provide a valid email address")),
		validation.Field(&r.Password,
			validation.Required.Error("Password is required"),
			validation.Length(6, 100).Error("Password must be between 6 and 100 characters")),
		validation.Field(&r.ConfirmPassword,
			validation.Required.Error("Please confirm your password"),
			validation.By(stringEquals(r.Password, "Passwords do not match"))),
		validation.Field(&r.Profession,
			validation.Required.Error("Profession is required"),
			validation.In(professionValues()...).Error("Please select a valid profession")),
		validation.Field(&r.PrimarySpecialty,
			validation.Required.Error("Primary specialty is required"),
			validation.By(plainText)),
		validation.Field(&r.Institution,
			validation.Required.Error("Institution is required"),
			validation.By(plainText)),
		validation.Field(&r.Department, validation.By(plainText)),
		validation.Field(&r.PhoneCode,
			validation.Required.Error("Phone code is required"),
			validation.Match(phoneCodePattern).Error("Phone code must look like +91")),
		validation.Field(&r.MobileNumber,
			validation.Required.Error("Mobile number is required"),
			validation.Match(mobilePattern).Error("Mobile number must be 10 digits"),
			validation.By(dialable(r.PhoneCode))),
		validation.Field(&r.Address, validation.By(completeAddress)),
		validation.Field(&r.TermsAccepted,
			validation.By(mustAccept("You must accept the terms and conditions to register"))),
	)
}

type VerifyOTPRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

func (r VerifyOTPRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email,
			validation.Required.Error("Email is required"),
			is.Email.Error("Please provide a valid email address")),
		validation.Field(&r.OTP,
			validation.Required.Error("OTP is required"),
			validation.Match(otpPattern).Error("OTP must be exactly 6 digits")),
	)
}

type ResendOTPRequest struct {
	Email string `json:"email"`
}

func (r ResendOTPRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email,
			validation.Required.Error("Email is required"),
			is.Email.Error("Please provide a valid email address")),
	)
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r LoginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email,
			validation.Required.Error("Email is required"),
			is.Email.Error("Please provide a valid email address")),
		validation.Field(&r.Password, validation.Required.Error("Password is required")),
	)
}

type ChangePasswordRequest struct {
	CurrentPassword    string `json:"currentPassword"`
	NewPassword        string `json:"newPassword"`
	ConfirmNewPassword string `json:"confirmNewPassword"`
}

func (r ChangePasswordRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.CurrentPassword, validation.Required.Error("Current password is required")),
		validation.Field(&r.NewPassword,
			validation.Required.Error("New password is required"),
			validation.Length(6, 100).Error("New password must be between 6 and 100 characters"),
			validation.By(stringDiffers(r.CurrentPassword, "New password must be different from current password"))),
		validation.Field(&r.ConfirmNewPassword,
			validation.Required.Error("Please confirm your new password"),
			validation.By(stringEquals(r.NewPassword, "Passwords do not match"))),
	)
}

// validateProfilePatch checks the fields that are present. At least one
// field must be set.
func validateProfilePatch(p models.ProfilePatch) error {
	if p.Empty() {
		return validation.Errors{"body": errors.New("At least one field must be provided for update")}
	}
	phoneCode := ""
	if p.PhoneCode != nil {
		phoneCode = *p.PhoneCode
	}
	return validation.ValidateStruct(&p,
		validation.Field(&p.FirstName, validation.By(notBlank), validation.Length(2, 50), validation.By(plainText)),
		validation.Field(&p.LastName, validation.By(notBlank), validation.Length(2, 50), validation.By(plainText)),
		validation.Field(&p.Profession, validation.In(professionValues()...).Error("Please select a valid profession")),
		validation.Field(&p.PrimarySpecialty, validation.By(notBlank), validation.By(plainText)),
		validation.Field(&p.Institution, validation.By(notBlank), validation.By(plainText)),
		validation.Field(&p.Department, validation.By(plainText)),
		validation.Field(&p.PhoneCode, validation.By(notBlank), validation.Match(phoneCodePattern).Error("Phone code must look like +91")),
		validation.Field(&p.MobileNumber,
			validation.By(notBlank),
			validation.Match(mobilePattern).Error("Mobile number must be 10 digits"),
			validation.By(dialable(phoneCode))),
		validation.Field(&p.Address, validation.By(completeAddress)),
	)
}

func validateAdminPatch(p models.AdminPatch) error {
	if p.Empty() {
		return validation.Errors{"body": errors.New("At least one field must be provided for update")}
	}
	if !p.ProfilePatch.Empty() {
		if err := validateProfilePatch(p.ProfilePatch); err != nil {
			return err
		}
	}
	return validation.ValidateStruct(&p,
		validation.Field(&p.Role, validation.In(roleValues()...).Error("Please select a valid role")),
		validation.Field(&p.Status, validation.In(statusValues()...).Error("Please select a valid status")),
	)
}

func trimPatch(p *models.ProfilePatch) {
	for _, s := range []*string{p.FirstName, p.LastName, p.PrimarySpecialty, p.Institution,
		p.Department, p.PhoneCode, p.MobileNumber} {
		if s != nil {
			*s = strings.TrimSpace(*s)
		}
	}
	if p.Address != nil {
		a := trimAddress(*p.Address)
		p.Address = &a
	}
}

func trimAddress(a models.Address) models.Address {
	return models.Address{
		Street:     strings.TrimSpace(a.Street),
		City:       strings.TrimSpace(a.City),
		State:      strings.TrimSpace(a.State),
		Country:    strings.TrimSpace(a.Country),
		PostalCode: strings.TrimSpace(a.PostalCode),
	}
}

func completeAddress(value interface{}) error {
	var a models.Address
	switch v := value.(type) {
	case models.Address:
		a = v
	case *models.Address:
		if v == nil {
			return nil
		}
		a = *v
	default:
		return errors.New("invalid address")
	}
	return validation.ValidateStruct(&a,
		validation.Field(&a.Street, validation.Required.Error("Street address is required"), validation.By(plainText)),
		validation.Field(&a.City, validation.Required.Error("City is required"), validation.By(plainText)),
		validation.Field(&a.State, validation.Required.Error("State is required"), validation.By(plainText)),
		validation.Field(&a.Country, validation.Required.Error("Country is required"), validation.By(plainText)),
		validation.Field(&a.PostalCode, validation.Required.Error("Postal code is required"), validation.By(plainText)),
	)
}

func stringEquals(other, message string) validation.RuleFunc {
	return func(value interface{}) error {
		if s, _ := value.(string); s != other {
			return errors.New(message)
		}
		return nil
	}
}

func stringDiffers(other, message string) validation.RuleFunc {
	return func(value interface{}) error {
		if s, _ := value.(string); s != "" && s == other {
			return errors.New(message)
		}
		return nil
	}
}

func mustAccept(message string) validation.RuleFunc {
	return func(value interface{}) error {
		if b, _ := value.(bool); !b {
			return errors.New(message)
		}
		return nil
	}
}

// notBlank rejects a present but empty optional string.
func notBlank(value interface{}) error {
	if s, ok := value.(*string); ok && s != nil && *s == "" {
		return errors.New("cannot be blank")
	}
	return nil
}

func plainText(value interface{}) error {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case *string:
		if v == nil {
			return nil
		}
		s = *v
	}
	if util.ContainsSuspicious(s) {
		return errors.New("contains invalid characters")
	}
	return nil
}

// dialable checks that code and number together form a valid number.
func dialable(code string) validation.RuleFunc {
	return func(value interface{}) error {
		var number string
		switch v := value.(type) {
		case string:
			number = v
		case *string:
			if v == nil {
				return nil
			}
			number = *v
		}
		if number == "" || code == "" || !mobilePattern.MatchString(number) {
			return nil
		}
		if _, err := E164(code, number); err != nil {
			return errors.New("Mobile number is not valid for the phone code")
		}
		return nil
	}
}

// E164 formats a phone code and national number as +CCNNN.
func E164(code, number string) (string, error) {
	num, err := phonenumbers.Parse("+"+strings.TrimPrefix(code, "+")+number, "")
	if err != nil {
		return "", err
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", errors.New("invalid phone number")
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

func professionValues() []interface{} {
	out := make([]interface{}, len(models.Professions))
	for i, p := range models.Professions {
		out[i] = p
	}
	return out
}

func roleValues() []interface{} {
	out := make([]interface{}, len(models.Roles))
	for i, r := range models.Roles {
		out[i] = r
	}
	return out
}

func statusValues() []interface{} {
	out := make([]interface{}, len(models.Statuses))
	for i, s := range models.Statuses {
		out[i] = s
	}
	return out
}

// validationFailure converts ozzo errors into a VALIDATION_ERROR keyed by
// field. Nested struct errors are flattened with dotted keys.
func validationFailure(err error) error {
	if err == nil {
		return nil
	}
	var errs validation.Errors
	if !errors.As(err, &errs) {
		return Internal("validate", err)
	}
	details := make(map[string]string)
	flatten("", errs, details)
	return Validation(details)
}

func flatten(prefix string, errs validation.Errors, out map[string]string) {
	for field, err := range errs {
		key := field
		if prefix != "" {
			key = prefix + "." + field
		}
		var nested validation.Errors
		if errors.As(err, &nested) {
			flatten(key, nested, out)
			continue
		}
		out[key] = err.Error()
	}
}

// RegisterResult is all that registration reveals: the address the code
// went to.
type RegisterResult struct {
	Email string `json:"email"`
}

// AuthResult is returned by verification and login.
type AuthResult struct {
	Token     string                `json:"token"`
	ExpiresAt time.Time             `json:"expiresAt"`
	User      *models.PublicAccount `json:"user"`
}

type EmailAvailability struct {
	Email     string `json:"email"`
	Available bool   `json:"available"`
	// Verified is set when the address belongs to an existing account.
	Verified *bool  `json:"isVerified,omitempty"`
	Message  string `json:"message"`
}
