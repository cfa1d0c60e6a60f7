package metadata

import (
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scm_multichain/pkg/data"
)

func TestContentIDIsDeterministic(t *testing.T) {
	a, err := ContentID([]byte("bill of lading #42"))
	require.NoError(t, err)
	b, err := ContentID([]byte("bill of lading #42"))
	require.NoError(t, err)
	c, err := ContentID([]byte("bill of lading #43"))
	require.NoError(t, err)

	assert.True(t, a.Equals(b))
	assert.False(t, a.Equals(c))
	assert.Equal(t, uint64(1), a.Version())
	assert.Equal(t, uint64(cid.Raw), a.Type())
}

func TestValidateCID(t *testing.T) {
	s, err := ContentIDString([]byte("photo.jpg bytes"))
	require.NoError(t, err)

	parsed, err := ValidateCID(s)
	require.NoError(t, err)
	assert.Equal(t, s, parsed.String())

	_, err = ValidateCID("")
	assert.ErrorIs(t, err, data.ErrInvalidEvidence)

	_, err = ValidateCID("not-a-cid")
	assert.ErrorIs(t, err, data.ErrInvalidEvidence)
	assert.ErrorIs(t, err, data.ErrValidation)
}

func TestMatches(t *testing.T) {
	content := []byte("inspection report")
	s, err := ContentIDString(content)
	require.NoError(t, err)

	assert.True(t, Matches(s, content))
	assert.False(t, Matches(s, []byte("forged report")))
	assert.False(t, Matches("garbage", content))
}
