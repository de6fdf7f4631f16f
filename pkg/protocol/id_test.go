package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIDForms(t *testing.T) {
	num := NumberID(1)
	str := StringID("1")

	assert.NotEqual(t, num, str)
	assert.NotEqual(t, num.Key(), str.Key())
	assert.Equal(t, "1", num.String())
	assert.Equal(t, "1", str.String())

	n, ok := num.Number()
	assert.True(t, ok)
	assert.Equal(t, int64(1), n)
	_, ok = str.Number()
	assert.False(t, ok)
}

func TestRequestIDJSON(t *testing.T) {
	data, err := json.Marshal(NumberID(-12))
	require.NoError(t, err)
	assert.Equal(t, `-12`, string(data))

	data, err = json.Marshal(StringID("ping-1"))
	require.NoError(t, err)
	assert.Equal(t, `"ping-1"`, string(data))

	var id RequestID
	require.NoError(t, json.Unmarshal([]byte(`"abc"`), &id))
	assert.Equal(t, StringID("abc"), id)

	require.NoError(t, json.Unmarshal([]byte(`9007199254740993`), &id))
	assert.Equal(t, NumberID(9007199254740993), id)

	for _, bad := range []string{`1.0`, `1e3`, `null`, `true`, `{}`, `[]`} {
		assert.Error(t, json.Unmarshal([]byte(bad), &id), bad)
	}
}
