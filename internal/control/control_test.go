package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeMarshalRoundTrip(t *testing.T) {
	payload, err := Marshal(Envelope{Command: Ping})
	require.NoError(t, err)

	e := Envelope{
		Datetime: time.Now().UTC().Truncate(time.Second),
		Command:  SendStatistics,
		Payload:  payload,
	}
	b, err := Marshal(e)
	require.NoError(t, err)

	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, e.Command, got.Command)
	assert.True(t, e.Datetime.Equal(got.Datetime))
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte("not json"))
	assert.Error(t, err)
}
