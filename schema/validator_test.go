package schema

import (
	"testing"

	"github.com/grovetools/tabsync/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "refresh": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "interval": {"type": "string"}
      }
    }
  }
}`

func TestValidator(t *testing.T) {
	v, err := NewValidator([]byte(testSchema))
	require.NoError(t, err)

	t.Run("accepts a valid document", func(t *testing.T) {
		doc := map[string]interface{}{
			"refresh": map[string]interface{}{"enabled": true, "interval": "30s"},
		}
		assert.NoError(t, v.Validate(doc))
	})

	t.Run("rejects unknown keys", func(t *testing.T) {
		doc := map[string]interface{}{"bogus": 1}
		err := v.Validate(doc)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrCodeConfigValidation))
		assert.Contains(t, err.Error(), "bogus")
	})

	t.Run("rejects wrong types", func(t *testing.T) {
		doc := map[string]interface{}{
			"refresh": map[string]interface{}{"enabled": "yes"},
		}
		err := v.Validate(doc)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "/refresh/enabled")
	})
}

func TestNewValidatorRejectsBadSchema(t *testing.T) {
	_, err := NewValidator([]byte(`{"type": 12}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInternal))
}
