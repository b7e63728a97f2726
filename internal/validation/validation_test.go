package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	Name  string  `validate:"required"`
	Kind  string  `validate:"required,oneof=alpha beta"`
	Count int     `validate:"gte=1,lte=10"`
	Score float64 `validate:"gte=0,lte=2"`
}

func TestValidateStruct(t *testing.T) {
	t.Run("valid struct", func(t *testing.T) {
		err := ValidateStruct(&testPayload{Name: "a", Kind: "alpha", Count: 3, Score: 0.7})
		assert.NoError(t, err)
	})

	t.Run("missing required field", func(t *testing.T) {
		err := ValidateStruct(&testPayload{Kind: "alpha", Count: 3})
		require.Error(t, err)
		assert.True(t, IsError(err))
		assert.Contains(t, Fields(err), "Name")
		assert.Contains(t, err.Error(), "Name is required")
	})

	t.Run("oneof violation", func(t *testing.T) {
		err := ValidateStruct(&testPayload{Name: "a", Kind: "gamma", Count: 3})
		require.Error(t, err)
		assert.Contains(t, Fields(err)["Kind"], "one of")
	})

	t.Run("range violations are all reported", func(t *testing.T) {
		err := ValidateStruct(&testPayload{Name: "a", Kind: "beta", Count: 0, Score: 9})
		require.Error(t, err)

		fields := Fields(err)
		assert.Contains(t, fields, "Count")
		assert.Contains(t, fields, "Score")
	})
}

func TestFields_NonValidationError(t *testing.T) {
	assert.Nil(t, Fields(assert.AnError))
	assert.False(t, IsError(assert.AnError))
}
