package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestEncryptRoundTrip(t *testing.T) {
	sealed, err := EncryptWithKey(testKey, "smtp-password")
	require.NoError(t, err)
	assert.NotEqual(t, "smtp-password", sealed)

	plain, err := DecryptWithKey(testKey, sealed)
	require.NoError(t, err)
	assert.Equal(t, "smtp-password", plain)
}

func TestDecryptRejectsTampering(t *testing.T) {
	sealed, err := EncryptWithKey(testKey, "secret")
	require.NoError(t, err)

	_, err = DecryptWithKey("fedcba9876543210fedcba9876543210", sealed)
	assert.Error(t, err)

	_, err = DecryptWithKey(testKey, "c2hvcnQ=")
	assert.Error(t, err)
}

func TestEncryptEmpty(t *testing.T) {
	sealed, err := EncryptWithKey(testKey, "")
	require.NoError(t, err)
	assert.Empty(t, sealed)
}

func TestValidateEmailAddress(t *testing.T) {
	assert.NoError(t, ValidateEmailAddress("ada@example.com"))
	assert.Error(t, ValidateEmailAddress("not-an-email"))
	assert.Error(t, ValidateEmailAddress(""))
}
