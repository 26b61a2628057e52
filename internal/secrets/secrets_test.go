package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/aihub/rag-go/internal/errors"
)

func TestCipherRoundTrip(t *testing.T) {
	cipher, err := NewCipher("unit-test-master-key")
	require.NoError(t, err)

	encrypted, err := cipher.Encrypt("sk-secret-value")
	require.NoError(t, err)
	assert.NotEqual(t, "sk-secret-value", encrypted)

	decrypted, err := cipher.Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "sk-secret-value", decrypted)
}

func TestCipherKeyDerivationIsStable(t *testing.T) {
	first, err := NewCipher("same-master-key")
	require.NoError(t, err)
	second, err := NewCipher("same-master-key")
	require.NoError(t, err)

	// 不同进程实例必须能解开彼此的密文
	encrypted, err := first.Encrypt("payload")
	require.NoError(t, err)
	decrypted, err := second.Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "payload", decrypted)
}

func TestCipherWrongKeyFails(t *testing.T) {
	right, err := NewCipher("right-key")
	require.NoError(t, err)
	wrong, err := NewCipher("wrong-key")
	require.NoError(t, err)

	encrypted, err := right.Encrypt("payload")
	require.NoError(t, err)

	_, err = wrong.Decrypt(encrypted)
	assert.Error(t, err)
}

func TestCipherEmptyValues(t *testing.T) {
	cipher, err := NewCipher("key")
	require.NoError(t, err)

	encrypted, err := cipher.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, encrypted)

	decrypted, err := cipher.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, decrypted)
}

func TestNewCipherRequiresMasterKey(t *testing.T) {
	_, err := NewCipher("")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConfiguration))
}
