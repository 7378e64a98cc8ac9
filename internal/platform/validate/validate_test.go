package validate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kloudtech/ktl-billing/internal/shared"
)

type signup struct {
	LoginID  string `json:"login_id" validate:"required,login_id"`
	Email    string `json:"email" validate:"required,email"`
	Codename string `json:"codename" validate:"omitempty,codename"`
	Share    int    `json:"share" validate:"gte=0,lte=100"`
}

func TestStructReportsJSONFieldNames(t *testing.T) {
	v := New()
	err := Struct(v, signup{LoginID: "bad login!", Email: "nope", Codename: "Users.View", Share: 120})
	require.Error(t, err)

	var verr *shared.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.True(t, errors.Is(err, shared.ErrInvalidInput))
	assert.Equal(t, "may only contain letters, numbers, @, _ and -", verr.Fields["login_id"])
	assert.Equal(t, "must be a valid email address", verr.Fields["email"])
	assert.Equal(t, "must be lowercase words joined by _ or .", verr.Fields["codename"])
	assert.Equal(t, "must be less than or equal to 100", verr.Fields["share"])
}

func TestStructAcceptsValidInput(t *testing.T) {
	v := New()
	assert.NoError(t, Struct(v, signup{LoginID: "noc_admin-01@ktl", Email: "noc@ktl.local", Codename: "billing.invoice_view"}))
	assert.NoError(t, Struct(v, signup{LoginID: "a", Email: "a@b.co"}))
}

func TestStructRejectsNonStruct(t *testing.T) {
	err := Struct(New(), 42)
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}
