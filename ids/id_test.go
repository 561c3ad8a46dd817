package ids

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	require := require.New(t)

	id := NewID()
	parsed, err := Parse(id.String())
	require.Nil(err)
	require.Equal(0, Compare(id, parsed))
	require.Len(id.String(), 32)
}

func TestParseRejectsShortIDs(t *testing.T) {
	require := require.New(t)

	_, err := Parse("abcd")
	require.Error(err)
	_, err = Parse("zz")
	require.Error(err)
}
