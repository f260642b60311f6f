package chunker

// mpeg1Layer3Bitrates and mpeg2Layer3Bitrates map a bitrate index to kbps for
// each MPEG version, covering the
// MPEG-1/2 Layer III combinations this package actually synthesizes chunks
// for. Index 0 is "free", 15 is reserved; both are treated as invalid.
var mpeg1Layer3Bitrates = [16]int{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0}
var mpeg2Layer3Bitrates = [16]int{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0}

var mpeg1SampleRates = [4]int{44100, 48000, 32000, 0}
var mpeg2SampleRates = [4]int{22050, 24000, 16000, 0}

type mp3Frame struct {
	offset int64
	size   int64
}

// findFrameSync scans buf starting at from for an MPEG audio frame header:
// an 11-bit sync (0xFFE) followed by valid version/layer/bitrate/sample-rate
// fields, and returns the frame's byte length so callers can hop to the next
// header rather than rescanning byte-by-byte.
func findFrameSync(buf []byte, from int64) (mp3Frame, bool) {
	for i := from; i+4 <= int64(len(buf)); i++ {
		b0, b1, b2, b3 := buf[i], buf[i+1], buf[i+2], buf[i+3]

		if b0 != 0xFF || b1&0xE0 != 0xE0 {
			continue
		}

		versionBits := (b1 >> 3) & 0x03
		layerBits := (b1 >> 1) & 0x03

		if layerBits != 0x01 { // Layer III only
			continue
		}

		bitrateIndex := (b2 >> 4) & 0x0F
		sampleRateIndex := (b2 >> 2) & 0x03
		padding := (b2 >> 1) & 0x01

		if bitrateIndex == 0 || bitrateIndex == 0x0F || sampleRateIndex == 0x03 {
			continue
		}

		var bitrateKbps, sampleRate, sizeCoefficient int

		switch versionBits {
		case 0x03: // MPEG-1: 1152 samples per frame
			bitrateKbps = mpeg1Layer3Bitrates[bitrateIndex]
			sampleRate = mpeg1SampleRates[sampleRateIndex]
			sizeCoefficient = 144
		case 0x02: // MPEG-2: 576 samples per frame
			bitrateKbps = mpeg2Layer3Bitrates[bitrateIndex]
			sampleRate = mpeg2SampleRates[sampleRateIndex]
			sizeCoefficient = 72
		default:
			continue
		}

		if bitrateKbps == 0 || sampleRate == 0 {
			continue
		}

		frameSize := int64(sizeCoefficient*bitrateKbps*1000/sampleRate) + int64(padding)
		if frameSize <= 4 {
			continue
		}

		return mp3Frame{offset: i, size: frameSize}, true
	}

	return mp3Frame{}, false
}

// mp3OverlapFraction is the ~2% trailing-frame overlap spec.md §4.A calls for
// on MP3 input, smaller than WAV's 5% since whole frames (not samples) are
// the unit of redundancy and frames already carry their own sync word.
const mp3OverlapFraction = 0.02

// splitMP3 implements spec.md §4.A's MP3 algorithm: scan for frame syncs,
// greedily pack whole frames into pieces no larger than chunkSize, and repeat
// the last ~2% of a piece's frames at the head of the next piece so a decoder
// given only one chunk can resync immediately.
func splitMP3(buf []byte, chunkSize int64) ([]Chunk, bool) {
	first, ok := findFrameSync(buf, 0)
	if !ok {
		return nil, false
	}

	var frames []mp3Frame

	for pos := first.offset; pos < int64(len(buf)); {
		frame, ok := findFrameSync(buf, pos)
		if !ok || frame.offset != pos {
			break
		}

		frames = append(frames, frame)

		pos = frame.offset + frame.size
	}

	if len(frames) == 0 {
		return nil, false
	}

	var chunks []Chunk

	bufEnd := int64(len(buf))

	frameIdx := 0

	prevEnd := int64(0) // global byte offset where the previous chunk's logical range ended

	for frameIdx < len(frames) {
		startFrame := frameIdx
		pieceBytes := int64(0)

		for frameIdx < len(frames) {
			f := frames[frameIdx]
			if pieceBytes > 0 && pieceBytes+f.size > chunkSize {
				break
			}

			pieceBytes += f.size
			frameIdx++
		}

		if frameIdx == startFrame {
			// A single frame already exceeds chunkSize; emit it alone
			// rather than looping forever.
			frameIdx++
		}

		logicalStartOffset := frames[startFrame].offset
		lastFrame := frames[frameIdx-1]
		logicalEndOffset := lastFrame.offset + lastFrame.size

		overlapFrames := countOverlapFrames(frames, startFrame, chunkSize)
		sliceStartFrame := startFrame - overlapFrames
		if sliceStartFrame < 0 {
			sliceStartFrame = 0
		}

		sliceStartOffset := logicalStartOffset
		if sliceStartFrame < startFrame {
			sliceStartOffset = frames[sliceStartFrame].offset
		}

		payload := buf[sliceStartOffset:logicalEndOffset]

		globalEnd := logicalEndOffset
		if frameIdx >= len(frames) {
			globalEnd = bufEnd
		}

		chunks = append(chunks, Chunk{
			Start:    prevEnd,
			End:      globalEnd,
			Bytes:    append([]byte{}, payload...),
			Playable: true,
		})

		prevEnd = globalEnd
	}

	return chunks, true
}

// countOverlapFrames returns how many whole frames immediately before
// startFrame fit within ~2% of chunkSize, used to prime the next chunk with a
// few redundant frames from the tail of the previous one.
func countOverlapFrames(frames []mp3Frame, startFrame int, chunkSize int64) int {
	if startFrame == 0 {
		return 0
	}

	budget := int64(float64(chunkSize) * mp3OverlapFraction)

	count := 0
	used := int64(0)

	for i := startFrame - 1; i >= 0 && count < startFrame; i-- {
		used += frames[i].size
		if used > budget {
			break
		}

		count++
	}

	return count
}
