package nodeid_test

import (
	"testing"

	"github.com/phoreproject/go-connectivity-core/pkg/nodeid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveIsDeterministic(t *testing.T) {
	key := []byte("a stable public key")
	a := nodeid.Derive(key)
	b := nodeid.Derive(key)
	assert.Equal(t, a, b)
}

func TestDeriveDistinguishesKeys(t *testing.T) {
	a := nodeid.Derive([]byte("key-a"))
	b := nodeid.Derive([]byte("key-b"))
	assert.NotEqual(t, a, b)
}

func TestDistanceSelfIsZero(t *testing.T) {
	id := nodeid.Derive([]byte("self"))
	assert.True(t, id.Distance(id).IsZero())
}

func TestDistanceIsSymmetric(t *testing.T) {
	a := nodeid.Derive([]byte("a"))
	b := nodeid.Derive([]byte("b"))
	assert.Equal(t, a.Distance(b), b.Distance(a))
}

func TestDistanceTotalOrder(t *testing.T) {
	a := nodeid.Derive([]byte("a"))
	b := nodeid.Derive([]byte("b"))
	c := nodeid.Derive([]byte("c"))

	dab := a.Distance(b)
	dac := a.Distance(c)

	switch dab.Compare(dac) {
	case -1:
		assert.True(t, dab.Less(dac))
		assert.False(t, dac.Less(dab))
	case 1:
		assert.True(t, dac.Less(dab))
		assert.False(t, dab.Less(dac))
	default:
		assert.False(t, dab.Less(dac))
		assert.False(t, dac.Less(dab))
	}
}

func TestParseRoundTrip(t *testing.T) {
	id := nodeid.Derive([]byte("round-trip"))
	parsed, err := nodeid.Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseRejectsBadLength(t *testing.T) {
	_, err := nodeid.Parse("abcd")
	require.Error(t, err)
}
