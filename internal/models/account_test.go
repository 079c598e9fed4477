package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublicOmitsSecrets(t *testing.T) {
	exp := time.Now().Add(time.Minute)
	a := &Account{
		ID:           "id-1",
		Email:        "a@x.com",
		PasswordHash: "$argon2id$v=19$secret",
		Profile:      Profile{FirstName: "Ada", LastName: "Lovelace"},
		Role:         RoleUser,
		Status:       StatusActive,
		OTPCode:      "123456",
		OTPExpiresAt: &exp,
	}

	raw, err := json.Marshal(a.Public())
	require.NoError(t, err)

	body := string(raw)
	assert.NotContains(t, body, "argon2id")
	assert.NotContains(t, body, "123456")
	assert.NotContains(t, body, "otp")
	assert.Contains(t, body, `"fullName":"Ada Lovelace"`)
}

func TestMarkVerifiedClearsChallenge(t *testing.T) {
	a := &Account{}
	a.SetChallenge("654321", time.Now().Add(time.Minute))
	a.MarkVerified()

	assert.True(t, a.IsEmailVerified)
	assert.Empty(t, a.OTPCode)
	assert.Nil(t, a.OTPExpiresAt)
}

func TestCloneIsDeep(t *testing.T) {
	exp := time.Now()
	a := &Account{OTPExpiresAt: &exp}
	c := a.Clone()
	*c.OTPExpiresAt = exp.Add(time.Hour)

	assert.Equal(t, exp, *a.OTPExpiresAt)
}

func TestProfilePatchApply(t *testing.T) {
	first := "Grace"
	city := Address{City: "Arlington"}
	p := ProfilePatch{FirstName: &first, Address: &city}
	assert.False(t, p.Empty())

	prof := Profile{FirstName: "Ada", LastName: "Lovelace"}
	p.Apply(&prof)

	assert.Equal(t, "Grace", prof.FirstName)
	assert.Equal(t, "Lovelace", prof.LastName)
	assert.Equal(t, "Arlington", prof.Address.City)
	assert.True(t, ProfilePatch{}.Empty())
	assert.True(t, AdminPatch{}.Empty())
}

func TestRoleAndStatusValid(t *testing.T) {
	assert.True(t, RoleTechnicalReviewer.Valid())
	assert.False(t, Role("ROOT").Valid())
	assert.True(t, StatusSuspended.Valid())
	assert.False(t, Status("DELETED").Valid())
}
