// Package main provides a debug command-line client for the chunked
// transcription service: it can either drive the full upload/process/stream
// cycle against a running server, or split a file locally with
// internal/chunker for offline inspection of the chunk boundaries a given
// audio container would produce.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/chunked-transcriber/internal/chunker"
	"github.com/book-expert/chunked-transcriber/internal/extutil"
)

// ClientTimeout bounds each individual HTTP call the client makes.
const ClientTimeout = 30 * time.Second

// Flag names and descriptions.
const (
	flagFile         = "file"
	flagFileDesc     = "Path to the audio file to submit"
	flagServer       = "server"
	flagServerDesc   = "Base URL of a running chunked-transcriber-server"
	flagChunkSize    = "chunk-size-mb"
	flagChunkSizeDesc = "Chunk size in MiB (default 5)"
	flagUseLLM       = "use-llm"
	flagUseLLMDesc   = "Request LLM correction"
	flagLLMMode      = "llm-mode"
	flagLLMModeDesc  = "LLM correction mode: per_chunk or post"
	flagWatch        = "watch"
	flagWatchDesc    = "Stream results over SSE after upload completes"
	flagLocalSplit   = "local-split"
	flagLocalSplitDesc = "Split the file locally with the chunker and print the plan, without contacting a server"
	flagOutputDir    = "output-dir"
	flagOutputDirDesc = "Directory to write local-split chunk files into (optional)"
)

// Static errors.
var (
	ErrFileRequired      = errors.New("--file is required")
	ErrServerRequired    = errors.New("--server is required unless --local-split is given")
	ErrReadFile          = errors.New("failed to read input file")
	ErrInitializeUpload  = errors.New("failed to initialize upload")
	ErrUploadChunk       = errors.New("failed to upload chunk")
	ErrStreamResults     = errors.New("failed to stream results")
)

const defaultChunkSizeMB = 5

// cliFlags holds the parsed command-line flag values.
type cliFlags struct {
	file        string
	server      string
	chunkSizeMB int
	useLLM      bool
	llmMode     string
	watch       bool
	localSplit  bool
	outputDir   string
}

func main() {
	err := run()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	flags := parseFlags()

	if flags.file == "" {
		flag.Usage()

		return ErrFileRequired
	}

	data, err := os.ReadFile(flags.file)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrReadFile, err)
	}

	if flags.localSplit {
		return runLocalSplit(data, flags)
	}

	if flags.server == "" {
		flag.Usage()

		return ErrServerRequired
	}

	return runRemoteUpload(data, flags)
}

func parseFlags() cliFlags {
	var flags cliFlags

	flag.StringVar(&flags.file, flagFile, "", flagFileDesc)
	flag.StringVar(&flags.server, flagServer, "", flagServerDesc)
	flag.IntVar(&flags.chunkSizeMB, flagChunkSize, defaultChunkSizeMB, flagChunkSizeDesc)
	flag.BoolVar(&flags.useLLM, flagUseLLM, false, flagUseLLMDesc)
	flag.StringVar(&flags.llmMode, flagLLMMode, "per_chunk", flagLLMModeDesc)
	flag.BoolVar(&flags.watch, flagWatch, true, flagWatchDesc)
	flag.BoolVar(&flags.localSplit, flagLocalSplit, false, flagLocalSplitDesc)
	flag.StringVar(&flags.outputDir, flagOutputDir, "", flagOutputDirDesc)
	flag.Parse()

	return flags
}

// runLocalSplit exercises internal/chunker.Split directly on the full file
// buffer, printing the resulting chunk boundaries and, if --output-dir is
// given, writing each chunk to its own file for manual inspection.
func runLocalSplit(data []byte, flags cliFlags) error {
	result := chunker.Split(data, int64(flags.chunkSizeMB)*1024*1024, flags.file)

	if result.Warning != "" {
		fmt.Printf("warning: %s\n", result.Warning)
	}

	fmt.Printf("%d chunk(s) from %s (%s)\n", len(result.Chunks), flags.file, extutil.FormatSize(int64(len(data))))

	for i, chunk := range result.Chunks {
		fmt.Printf("  chunk %d: [%d, %d) %s playable=%v\n",
			i, chunk.Start, chunk.End, extutil.FormatSize(chunk.End-chunk.Start), chunk.Playable)

		if flags.outputDir != "" {
			if err := writeLocalChunk(flags.outputDir, i, flags.file, chunk.Bytes); err != nil {
				return err
			}
		}
	}

	return nil
}

func writeLocalChunk(dir string, index int, sourceFile string, data []byte) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create output dir %q: %w", dir, err)
	}

	ext := extutil.Extension(sourceFile)
	path := filepath.Join(dir, fmt.Sprintf("chunk.%d.%s", index, ext))

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write chunk file %q: %w", path, err)
	}

	return nil
}

// initializeResponse mirrors the wire shape internal/httpapi's
// handleInitialize returns.
type initializeResponse struct {
	ParentJobID string `json:"parent_job_id"`
	StreamURL   string `json:"stream_url"`
	SubJobs     []struct {
		ChunkIndex int `json:"chunk_index"`
		ByteRange  struct {
			Start int64 `json:"start"`
			End   int64 `json:"end"`
		} `json:"byte_range"`
	} `json:"sub_jobs"`
}

// runRemoteUpload drives the full wire protocol against a running server:
// initialize, slice the file per the server's assigned byte ranges, upload
// every chunk, and optionally watch the SSE stream to completion.
func runRemoteUpload(data []byte, flags cliFlags) error {
	client := &http.Client{Timeout: ClientTimeout}

	initResp, err := initializeUpload(client, flags, int64(len(data)), filepath.Base(flags.file))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInitializeUpload, err)
	}

	fmt.Printf("parent_job_id=%s stream_url=%s\n", initResp.ParentJobID, initResp.StreamURL)

	for _, subJob := range initResp.SubJobs {
		chunkData := data[subJob.ByteRange.Start:subJob.ByteRange.End]

		err := uploadChunk(client, flags.server, initResp.ParentJobID, subJob.ChunkIndex, chunkData)
		if err != nil {
			return fmt.Errorf("%w: chunk %d: %w", ErrUploadChunk, subJob.ChunkIndex, err)
		}

		fmt.Printf("uploaded chunk %d (%s)\n", subJob.ChunkIndex, extutil.FormatSize(int64(len(chunkData))))
	}

	if !flags.watch {
		return nil
	}

	err = watchStream(flags.server, initResp.ParentJobID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStreamResults, err)
	}

	return nil
}

func initializeUpload(client *http.Client, flags cliFlags, totalSize int64, filename string) (initializeResponse, error) {
	body, err := json.Marshal(map[string]any{
		"filename":      filename,
		"total_size":    totalSize,
		"chunk_size_mb": flags.chunkSizeMB,
		"use_llm":       flags.useLLM,
		"llm_mode":      flags.llmMode,
	})
	if err != nil {
		return initializeResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost,
		flags.server+"/chunked-upload-stream", bytes.NewReader(body))
	if err != nil {
		return initializeResponse{}, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return initializeResponse{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)

		return initializeResponse{}, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(respBody))
	}

	var out initializeResponse

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return initializeResponse{}, fmt.Errorf("decode response: %w", err)
	}

	return out, nil
}

func uploadChunk(client *http.Client, server, parentJobID string, chunkIndex int, data []byte) error {
	var body bytes.Buffer

	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("parent_job_id", parentJobID); err != nil {
		return fmt.Errorf("write parent_job_id field: %w", err)
	}

	if err := writer.WriteField("chunk_index", strconv.Itoa(chunkIndex)); err != nil {
		return fmt.Errorf("write chunk_index field: %w", err)
	}

	if err := writer.WriteField("expected_size", strconv.Itoa(len(data))); err != nil {
		return fmt.Errorf("write expected_size field: %w", err)
	}

	part, err := writer.CreateFormFile("chunk", fmt.Sprintf("chunk.%d", chunkIndex))
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}

	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("write chunk bytes: %w", err)
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, server+"/chunk-upload", &body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(resp.Body)

		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// watchStream connects to the SSE endpoint and prints every event until a
// "final" event arrives or the connection closes.
func watchStream(server, parentJobID string) error {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet,
		fmt.Sprintf("%s/chunked-stream/%s", server, parentJobID), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		payload := strings.TrimPrefix(line, "data: ")
		fmt.Println(payload)

		if strings.Contains(payload, `"type":"final"`) {
			return nil
		}
	}

	return scanner.Err()
}
