package credential

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashBodyDependsOnSalt(t *testing.T) {
	body, err := newSecretBody()
	require.NoError(t, err)
	s1, err := newSalt()
	require.NoError(t, err)
	s2, err := newSalt()
	require.NoError(t, err)

	d1, err := hashBody(body, s1)
	require.NoError(t, err)
	again, err := hashBody(body, s1)
	require.NoError(t, err)
	d2, err := hashBody(body, s2)
	require.NoError(t, err)

	assert.Equal(t, d1, again)
	assert.NotEqual(t, d1, d2)
	assert.Len(t, d1, 128)
}

func TestHashBodyRejectsOddHex(t *testing.T) {
	_, err := hashBody("abc", "00")
	assert.Error(t, err)
}

func TestIsHexBody(t *testing.T) {
	body, err := newSecretBody()
	require.NoError(t, err)
	assert.True(t, isHexBody(body))
	assert.False(t, isHexBody(body[1:]))
	assert.False(t, isHexBody(body[:63]+"g"))
}
