package devices

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptions_Lookup(t *testing.T) {
	src := map[string]int{"internal": 1, "external": 5}
	opts := NewOptions("mode", src)

	v, err := opts.Lookup("external")
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	_, err = opts.Lookup("bogus")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownOption))
	assert.Contains(t, err.Error(), "external, internal")

	// the table owns its own copy
	src["bogus"] = 9
	_, err = opts.Lookup("bogus")
	assert.ErrorIs(t, err, ErrUnknownOption)
	assert.Equal(t, 2, opts.Len())
}

func TestOptions_Name(t *testing.T) {
	opts := NewOptions("binning", map[string]int{"1x1": 1, "one": 1, "2x2": 2})

	name, ok := opts.Name(1)
	assert.True(t, ok)
	assert.Equal(t, "1x1", name)

	_, ok = opts.Name(7)
	assert.False(t, ok)

	assert.Equal(t, []string{"1x1", "2x2", "one"}, opts.Names())
}

func TestInvalidValuef(t *testing.T) {
	err := InvalidValuef("baud rate %d", 1234)
	assert.ErrorIs(t, err, ErrInvalidValue)
	assert.Contains(t, err.Error(), "baud rate 1234")
}
