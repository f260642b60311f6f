package chunker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTestMP3 assembles numFrames back-to-back MPEG-1 Layer III frames at a
// fixed 128kbps/44100Hz (frame size 417 bytes, no padding), which is enough
// to exercise frame-sync scanning and greedy packing without needing a real
// encoder.
func buildTestMP3(t *testing.T, numFrames int) []byte {
	t.Helper()

	const frameSize = 417

	buf := make([]byte, 0, numFrames*frameSize)

	for i := 0; i < numFrames; i++ {
		header := []byte{0xFF, 0xFB, 0x90, 0x44}
		frame := append(append([]byte{}, header...), make([]byte, frameSize-len(header))...)

		for j := range frame[len(header):] {
			frame[len(header)+j] = byte((i + j) % 256)
		}

		buf = append(buf, frame...)
	}

	return buf
}

func TestFindFrameSync_LocatesFirstFrame(t *testing.T) {
	buf := buildTestMP3(t, 3)

	frame, ok := findFrameSync(buf, 0)

	require.True(t, ok)
	assert.EqualValues(t, 0, frame.offset)
	assert.EqualValues(t, 417, frame.size)
}

func TestFindFrameSync_SkipsGarbagePrefix(t *testing.T) {
	prefix := []byte("ID3 junk before the real audio starts")
	buf := append(append([]byte{}, prefix...), buildTestMP3(t, 2)...)

	frame, ok := findFrameSync(buf, 0)

	require.True(t, ok)
	assert.EqualValues(t, len(prefix), frame.offset)
}

func TestSplitMP3_PartitionsWholeBuffer(t *testing.T) {
	buf := buildTestMP3(t, 50) // 50 * 417 = 20850 bytes

	chunks, ok := splitMP3(buf, 5000)

	require.True(t, ok)
	require.Greater(t, len(chunks), 1)

	assertPartition(t, chunks, int64(len(buf)))

	for _, c := range chunks {
		assert.True(t, c.Playable)
	}
}

func TestSplitMP3_NoSyncFound(t *testing.T) {
	buf := make([]byte, 1000)

	_, ok := splitMP3(buf, 300)
	assert.False(t, ok)
}

func TestSplitMP3_SingleOversizedFrameEmittedAlone(t *testing.T) {
	buf := buildTestMP3(t, 1)

	chunks, ok := splitMP3(buf, 10) // smaller than one frame

	require.True(t, ok)
	require.Len(t, chunks, 1)
	assert.EqualValues(t, len(buf), chunks[0].End)
}
