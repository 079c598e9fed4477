package models

import "time"

type Role string

const (
	RoleUser              Role = "USER"
	RoleAdmin             Role = "ADMIN"
	RoleEditor            Role = "EDITOR"
	RoleTechnicalReviewer Role = "TECHNICAL_REVIEWER"
	RoleReviewer          Role = "REVIEWER"
)

// DefaultRole is the least-privileged role, assigned on registration.
const DefaultRole = RoleUser

var Roles = []Role{RoleUser, RoleAdmin, RoleEditor, RoleTechnicalReviewer, RoleReviewer}

func (r Role) Valid() bool {
	for _, v := range Roles {
		if r == v {
			return true
		}
	}
	return false
}

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusInactive  Status = "INACTIVE"
	StatusSuspended Status = "SUSPENDED"
)

var Statuses = []Status{StatusActive, StatusInactive, StatusSuspended}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

type Profession string

const (
	ProfessionDoctor     Profession = "DOCTOR"
	ProfessionResearcher Profession = "RESEARCHER"
	ProfessionStudent    Profession = "STUDENT"
	ProfessionOther      Profession = "OTHER"
)

var Professions = []Profession{ProfessionDoctor, ProfessionResearcher, ProfessionStudent, ProfessionOther}

type Address struct {
	Street     string `json:"street" db:"street"`
	City       string `json:"city" db:"city"`
	State      string `json:"state" db:"state"`
	Country    string `json:"country" db:"country"`
	PostalCode string `json:"postalCode" db:"postal_code"`
}

// Profile holds the descriptive attributes of an account. The service
// passes them through without interpreting them.
type Profile struct {
	FirstName        string     `json:"firstName" db:"first_name"`
	LastName         string     `json:"lastName" db:"last_name"`
	Profession       Profession `json:"profession" db:"profession"`
	PrimarySpecialty string     `json:"primarySpecialty" db:"primary_specialty"`
	Institution      string     `json:"institution" db:"institution"`
	Department       string     `json:"department,omitempty" db:"department"`
	PhoneCode        string     `json:"phoneCode" db:"phone_code"`
	MobileNumber     string     `json:"mobileNumber" db:"mobile_number"`
	Address          Address    `json:"address" db:"address"`
}

// Account is the stored record. PasswordHash and the OTP fields never
// leave the service layer; use Public for any outward representation.
type Account struct {
	ID           string `db:"user_id"`
	Email        string `db:"email"`
	PasswordHash string `db:"password_hash"`

	Profile

	Role            Role   `db:"role"`
	Status          Status `db:"status"`
	IsEmailVerified bool   `db:"is_email_verified"`
	TermsAccepted   bool   `db:"terms_accepted"`

	OTPCode      string     `db:"otp_code"`
	OTPExpiresAt *time.Time `db:"otp_expires_at"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (a *Account) FullName() string {
	return a.FirstName + " " + a.LastName
}

// SetChallenge overwrites any outstanding OTP challenge.
func (a *Account) SetChallenge(code string, expiresAt time.Time) {
	a.OTPCode = code
	a.OTPExpiresAt = &expiresAt
}

// MarkVerified flips the verification flag and clears the challenge.
func (a *Account) MarkVerified() {
	a.IsEmailVerified = true
	a.OTPCode = ""
	a.OTPExpiresAt = nil
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	if a.OTPExpiresAt != nil {
		t := *a.OTPExpiresAt
		c.OTPExpiresAt = &t
	}
	return &c
}

// PublicAccount is the external projection of an Account.
type PublicAccount struct {
	ID string `json:"id"`
	Profile
	FullName        string    `json:"fullName"`
	Email           string    `json:"email"`
	Role            Role      `json:"role"`
	Status          Status    `json:"status"`
	IsEmailVerified bool      `json:"isEmailVerified"`
	TermsAccepted   bool      `json:"termsAccepted"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func (a *Account) Public() *PublicAccount {
	return &PublicAccount{
		ID:              a.ID,
		Profile:         a.Profile,
		FullName:        a.FullName(),
		Email:           a.Email,
		Role:            a.Role,
		Status:          a.Status,
		IsEmailVerified: a.IsEmailVerified,
		TermsAccepted:   a.TermsAccepted,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

// ProfilePatch is a self-service update. Nil fields are left untouched.
// It has no email, password, role or verification fields.
type ProfilePatch struct {
	FirstName        *string     `json:"firstName,omitempty"`
	LastName         *string     `json:"lastName,omitempty"`
	Profession       *Profession `json:"profession,omitempty"`
	PrimarySpecialty *string     `json:"primarySpecialty,omitempty"`
	Institution      *string     `json:"institution,omitempty"`
	Department       *string     `json:"department,omitempty"`
	PhoneCode        *string     `json:"phoneCode,omitempty"`
	MobileNumber     *string     `json:"mobileNumber,omitempty"`
	Address          *Address    `json:"address,omitempty"`
}

func (p ProfilePatch) Empty() bool {
	return p.FirstName == nil && p.LastName == nil && p.Profession == nil &&
		p.PrimarySpecialty == nil && p.Institution == nil && p.Department == nil &&
		p.PhoneCode == nil && p.MobileNumber == nil && p.Address == nil
}

// Apply copies the set fields onto the profile.
func (p ProfilePatch) Apply(dst *Profile) {
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&dst.FirstName, p.FirstName)
	setString(&dst.LastName, p.LastName)
	setString(&dst.PrimarySpecialty, p.PrimarySpecialty)
	setString(&dst.Institution, p.Institution)
	setString(&dst.Department, p.Department)
	setString(&dst.PhoneCode, p.PhoneCode)
	setString(&dst.MobileNumber, p.MobileNumber)
	if p.Profession != nil {
		dst.Profession = *p.Profession
	}
	if p.Address != nil {
		dst.Address = *p.Address
	}
}

// AdminPatch extends ProfilePatch with the privileged fields reachable
// only through the administrative update path.
type AdminPatch struct {
	ProfilePatch
	Role   *Role   `json:"role,omitempty"`
	Status *Status `json:"status,omitempty"`
}

func (p AdminPatch) Empty() bool {
	return p.ProfilePatch.Empty() && p.Role == nil && p.Status == nil
}
