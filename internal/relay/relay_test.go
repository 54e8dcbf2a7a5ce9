package relay

import (
	"bufio"
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/basaltpool/stratum-engine/internal/workbase"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex

	wb := &workbase.Workbase{ID: 42, Height: 800000}
	err := writeFrame(&buf, &mu, message{Kind: KindTemplate, Region: "us-east", Workbase: wb})
	require.NoError(t, err)

	msg, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, KindTemplate, msg.Kind)
	require.Equal(t, "us-east", msg.Region)
	require.NotNil(t, msg.Workbase)
	require.Equal(t, uint64(42), msg.Workbase.ID)
	require.Equal(t, int64(800000), msg.Workbase.Height)
}

func TestFrameRoundTripMultipleMessages(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex

	require.NoError(t, writeFrame(&buf, &mu, message{Kind: KindHello, Region: "eu-west"}))
	require.NoError(t, writeFrame(&buf, &mu, message{Kind: KindPing}))

	reader := bufio.NewReader(&buf)
	first, err := readFrame(reader)
	require.NoError(t, err)
	require.Equal(t, KindHello, first.Kind)
	require.Equal(t, "eu-west", first.Region)

	second, err := readFrame(reader)
	require.NoError(t, err)
	require.Equal(t, KindPing, second.Kind)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	_, err := readFrame(bufio.NewReader(&buf))
	require.Error(t, err)
}
