// Package transcription implements the external speech-to-text client
// (spec.md §6) and the §7 error classification/retry policy it is paired
// with.
//
// Adapted from the teacher's internal/tts/whisper client: same multipart
// upload and status-code handling, generalized from "open a file path" to
// "transcribe an in-memory byte slice" since chunk bytes here come from the
// object store, never local disk.
package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/book-expert/chunked-transcriber/internal/core"
)

// DefaultTimeout is the per-request HTTP timeout.
const DefaultTimeout = 60 * time.Second

// Client talks to an external Whisper-compatible transcription API,
// implementing core.TranscriptionClient.
type Client struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
}

// apiResponse is the upstream JSON body: {text, segments, duration}.
type apiResponse struct {
	Text     string                    `json:"text"`
	Duration float64                   `json:"duration"`
	Segments []core.TranscriptSegment `json:"segments"`
}

// NewClient builds a Client against baseURL (e.g. an OpenAI-compatible
// /v1/audio/transcriptions endpoint) authenticating with apiKey.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// Transcribe implements core.TranscriptionClient. On any status other than
// 200 OK it
// returns an *APIError wrapping the status code and body so Classify can
// categorize the failure per spec.md §7.
func (c *Client) Transcribe(ctx context.Context, audio []byte, extension, model string) (core.TranscriptionResult, error) {
	body, contentType, err := buildMultipartForm(audio, extension, model)
	if err != nil {
		return core.TranscriptionResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, body)
	if err != nil {
		return core.TranscriptionResult{}, fmt.Errorf("failed to create transcription request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.TranscriptionResult{}, fmt.Errorf("failed to make transcription request: %w", err)
	}

	defer resp.Body.Close()

	return decodeResponse(resp)
}

func buildMultipartForm(audio []byte, extension, model string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer

	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", "chunk."+extension)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}

	_, err = part.Write(audio)
	if err != nil {
		return nil, "", fmt.Errorf("failed to write audio bytes: %w", err)
	}

	err = writer.WriteField("model", model)
	if err != nil {
		return nil, "", fmt.Errorf("failed to write model field: %w", err)
	}

	err = writer.WriteField("response_format", "verbose_json")
	if err != nil {
		return nil, "", fmt.Errorf("failed to write response format field: %w", err)
	}

	err = writer.Close()
	if err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

func decodeResponse(resp *http.Response) (core.TranscriptionResult, error) {
	if resp.StatusCode != http.StatusOK {
		respBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return core.TranscriptionResult{}, fmt.Errorf("transcription API returned status %d and body could not be read: %w", resp.StatusCode, readErr)
		}

		return core.TranscriptionResult{}, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed apiResponse

	err := json.NewDecoder(resp.Body).Decode(&parsed)
	if err != nil {
		return core.TranscriptionResult{}, fmt.Errorf("failed to decode transcription response: %w", err)
	}

	return core.TranscriptionResult{
		Text:     parsed.Text,
		Segments: parsed.Segments,
		Duration: parsed.Duration,
	}, nil
}
