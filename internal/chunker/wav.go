package chunker

import (
	"encoding/binary"
)

// wavHeaderSize is the length of the canonical 44-byte PCM WAV header this
// package synthesizes for every emitted WAV chunk.
const wavHeaderSize = 44

type wavFormat struct {
	audioFormat   uint16
	channels      uint16
	sampleRate    uint32
	bitsPerSample uint16
	blockAlign    uint16
}

// parseWAVHeader walks the RIFF/WAVE chunk list looking for "fmt " and
// "data", matching the walk in ToniNgethe-audio-chunker's wavDuration (which
// measures a clip's length from the same two sub-chunks); here we keep the
// fmt fields and the data chunk's byte offset instead of computing a duration.
func parseWAVHeader(buf []byte) (fmtInfo wavFormat, dataOffset, dataSize int64, ok bool) {
	if len(buf) < 12 || string(buf[0:4]) != "RIFF" || string(buf[8:12]) != "WAVE" {
		return wavFormat{}, 0, 0, false
	}

	pos := int64(12)

	haveFmt := false

	for pos+8 <= int64(len(buf)) {
		chunkID := string(buf[pos : pos+4])
		chunkSize := int64(binary.LittleEndian.Uint32(buf[pos+4 : pos+8]))
		body := pos + 8

		switch chunkID {
		case "fmt ":
			if body+16 > int64(len(buf)) {
				return wavFormat{}, 0, 0, false
			}

			fmtInfo.audioFormat = binary.LittleEndian.Uint16(buf[body : body+2])
			fmtInfo.channels = binary.LittleEndian.Uint16(buf[body+2 : body+4])
			fmtInfo.sampleRate = binary.LittleEndian.Uint32(buf[body+4 : body+8])
			fmtInfo.blockAlign = binary.LittleEndian.Uint16(buf[body+12 : body+14])
			fmtInfo.bitsPerSample = binary.LittleEndian.Uint16(buf[body+14 : body+16])
			haveFmt = true
		case "data":
			if !haveFmt {
				return wavFormat{}, 0, 0, false
			}

			dataOffset = body

			dataSize = chunkSize
			if dataOffset+dataSize > int64(len(buf)) {
				dataSize = int64(len(buf)) - dataOffset
			}

			return fmtInfo, dataOffset, dataSize, true
		}

		advance := chunkSize
		if advance%2 == 1 {
			advance++
		}

		pos = body + advance
	}

	return wavFormat{}, 0, 0, false
}

// buildWAVHeader synthesizes a fresh 44-byte canonical RIFF/WAVE header for a
// PCM payload of length dataLen under the given format.
func buildWAVHeader(f wavFormat, dataLen int64) []byte {
	header := make([]byte, wavHeaderSize)

	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+dataLen))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], f.audioFormat)
	binary.LittleEndian.PutUint16(header[22:24], f.channels)
	binary.LittleEndian.PutUint32(header[24:28], f.sampleRate)

	byteRate := uint32(f.sampleRate) * uint32(f.channels) * uint32(f.bitsPerSample) / 8
	binary.LittleEndian.PutUint32(header[28:32], byteRate)
	binary.LittleEndian.PutUint16(header[32:34], f.blockAlign)
	binary.LittleEndian.PutUint16(header[34:36], f.bitsPerSample)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataLen))

	return header
}

// splitWAV implements spec.md §4.A's WAV algorithm: locate fmt/data, slice the
// data region into pieces aligned to the sample block size, synthesize a
// fresh header per piece, and carry ~5% sample-aligned overlap into each
// non-first piece for decoder priming.
func splitWAV(buf []byte, chunkSize int64) ([]Chunk, bool) {
	fmtInfo, dataOffset, dataSize, ok := parseWAVHeader(buf)
	if !ok || fmtInfo.channels == 0 || fmtInfo.bitsPerSample == 0 {
		return nil, false
	}

	blockAlign := int64(fmtInfo.channels) * int64(fmtInfo.bitsPerSample) / 8
	if blockAlign == 0 {
		return nil, false
	}

	pieceLen := alignDown(chunkSize, blockAlign)
	if pieceLen <= 0 {
		pieceLen = blockAlign
	}

	overlap := alignDown(int64(float64(chunkSize)*naiveOverlapFraction), blockAlign)

	var chunks []Chunk

	logicalStart := int64(0) // offset within the data region
	bufEnd := int64(len(buf))

	for logicalStart < dataSize {
		logicalEnd := logicalStart + pieceLen
		if logicalEnd > dataSize {
			logicalEnd = dataSize
		}

		sliceStart := logicalStart
		if logicalStart > 0 {
			sliceStart = logicalStart - overlap
			if sliceStart < 0 {
				sliceStart = 0
			}
		}

		payload := buf[dataOffset+sliceStart : dataOffset+logicalEnd]
		header := buildWAVHeader(fmtInfo, int64(len(payload)))
		wavBytes := append(append([]byte{}, header...), payload...)

		globalStart := int64(0)
		if len(chunks) > 0 {
			globalStart = chunks[len(chunks)-1].End
		}

		globalEnd := dataOffset + logicalEnd
		if logicalEnd >= dataSize {
			// Absorb any trailing bytes (e.g. padding or a LIST chunk
			// after "data") into the final chunk so the partition
			// covers the whole input buffer exactly.
			globalEnd = bufEnd
		}

		chunks = append(chunks, Chunk{
			Start:    globalStart,
			End:      globalEnd,
			Bytes:    wavBytes,
			Playable: true,
		})

		logicalStart = logicalEnd
	}

	return chunks, len(chunks) > 0
}

func alignDown(n, align int64) int64 {
	if align <= 0 {
		return n
	}

	return (n / align) * align
}
