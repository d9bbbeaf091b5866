package firehose

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTID(t *testing.T) {
	v, err := ParseTID("3jzfcijpj2z2a")
	require.NoError(t, err)
	assert.Equal(t, "3jzfcijpj2z2a", FormatTID(v))

	values := []int64{1, 1 << 20, 1700000000000000 << 10, 1700000000000001 << 10, 1<<62 + 5}
	tids := make([]string, len(values))
	for i, v := range values {
		tids[i] = FormatTID(v)
		got, err := ParseTID(tids[i])
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
	assert.True(t, sort.StringsAreSorted(tids), "TID strings sort like their values")
}

func TestParseTIDRejects(t *testing.T) {
	for name, s := range map[string]string{
		"short":      "3jzfcijpj2z2",
		"long":       "3jzfcijpj2z2aa",
		"bad char":   "3jzfcijpj2z21",
		"upper case": "3JZFCIJPJ2Z2A",
		"high bit":   "zzzzzzzzzzzzz",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTID(s)
			assert.Error(t, err)
		})
	}
}
