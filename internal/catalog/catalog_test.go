package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndResolve(t *testing.T) {
	c, err := Parse(" p100=50, p250 = 130 ,")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	qty, err := c.Resolve("p100")
	require.NoError(t, err)
	assert.EqualValues(t, 50, qty)

	qty, err = c.Resolve("p250")
	require.NoError(t, err)
	assert.EqualValues(t, 130, qty)
}

func TestResolveUnknownProduct(t *testing.T) {
	c := New(map[string]int64{"p100": 50})
	_, err := c.Resolve("retired")
	assert.ErrorIs(t, err, ErrUnknownProduct)
}

func TestResolveNonPositiveQuantityIsUnknown(t *testing.T) {
	c := New(map[string]int64{"free": 0, "broken": -5})
	for _, id := range []string{"free", "broken"} {
		_, err := c.Resolve(id)
		assert.ErrorIs(t, err, ErrUnknownProduct, id)
	}
}

func TestParseRejectsBadEntries(t *testing.T) {
	cases := []string{"p100", "=5", "p100=abc", "p100=0", "p100=5,p100=6"}
	for _, input := range cases {
		_, err := Parse(input)
		assert.Error(t, err, input)
	}
}

func TestCatalogIsImmutable(t *testing.T) {
	entries := map[string]int64{"p100": 50}
	c := New(entries)
	entries["p100"] = 1

	qty, err := c.Resolve("p100")
	require.NoError(t, err)
	assert.EqualValues(t, 50, qty)
}
