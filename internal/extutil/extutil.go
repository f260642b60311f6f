// Package extutil provides filename-extension and byte-size helpers shared by
// the chunker, the upload coordinator, and the object store key scheme.
//
// Adapted from the teacher's internal/tts/ttsutils path-utility package;
// the cache-directory and model-lookup helpers it also carried are dropped
// here since this pipeline has no on-disk model assets (see DESIGN.md).
package extutil

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Container is the audio container format inferred from a filename.
type Container string

// Supported containers (spec.md §4.A).
const (
	ContainerWAV     Container = "wav"
	ContainerMP3     Container = "mp3"
	ContainerMP4     Container = "mp4"
	ContainerFLAC    Container = "flac"
	ContainerOGG     Container = "ogg"
	ContainerUnknown Container = "other"
)

var extToContainer = map[string]Container{
	".wav":  ContainerWAV,
	".mp3":  ContainerMP3,
	".mp4":  ContainerMP4,
	".m4a":  ContainerMP4,
	".flac": ContainerFLAC,
	".ogg":  ContainerOGG,
}

// DetectContainer maps a filename's extension to a Container, defaulting to
// ContainerUnknown for anything not recognized.
func DetectContainer(filename string) Container {
	ext := strings.ToLower(filepath.Ext(filename))

	if container, ok := extToContainer[ext]; ok {
		return container
	}

	return ContainerUnknown
}

// Extension returns the bare extension (no leading dot) used for object-store
// keys and transcription-API hints.
func Extension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	return strings.TrimPrefix(ext, ".")
}

// Size-formatting constants, matching the teacher's byte/KB/MB/GB ladder.
const (
	kilobyte = 1024
	megabyte = kilobyte * 1024
	gigabyte = megabyte * 1024
)

// FormatSize renders a byte count using the largest whole unit that applies,
// for log lines and diagnostic payloads.
func FormatSize(n int64) string {
	switch {
	case n >= gigabyte:
		return fmt.Sprintf("%.1f GB", float64(n)/gigabyte)
	case n >= megabyte:
		return fmt.Sprintf("%.1f MB", float64(n)/megabyte)
	case n >= kilobyte:
		return fmt.Sprintf("%.1f KB", float64(n)/kilobyte)
	default:
		return fmt.Sprintf("%d B", n)
	}
}
