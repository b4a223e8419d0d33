// Package asr turns closed speech segments into text.
package asr

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Transcriber recognizes one utterance. Samples are mono float32 in [-1, 1].
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32) (string, error)
}

// ErrEmptyAudio is returned for a zero-length segment.
var ErrEmptyAudio = errors.New("asr: empty audio")

// WhisperClient talks to a whisper.cpp server (POST /inference).
type WhisperClient struct {
	ServerURL  string
	Language   string
	SampleRate int
	HTTPClient *http.Client
}

// NewWhisperClient returns a client for serverURL. An empty language means
// "zh"; timeout bounds each request.
func NewWhisperClient(serverURL, language string, sampleRate int, timeout time.Duration) *WhisperClient {
	if language == "" {
		language = "zh"
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &WhisperClient{
		ServerURL:  strings.TrimRight(serverURL, "/"),
		Language:   language,
		SampleRate: sampleRate,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (c *WhisperClient) Transcribe(ctx context.Context, samples []float32) (string, error) {
	if len(samples) == 0 {
		return "", ErrEmptyAudio
	}
	wav := encodeWAV(samples, c.SampleRate)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "segment.wav")
	if err != nil {
		return "", fmt.Errorf("asr: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("asr: write wav data: %w", err)
	}
	if err := mw.WriteField("language", c.Language); err != nil {
		return "", fmt.Errorf("asr: write language field: %w", err)
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("asr: write format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("asr: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ServerURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("asr: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("asr: http request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("asr: server returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("asr: read response body: %w", err)
	}
	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("asr: parse JSON response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}

// Ping checks that the server answers HTTP at all.
func (c *WhisperClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ServerURL+"/", nil)
	if err != nil {
		return fmt.Errorf("asr: create request: %w", err)
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return fmt.Errorf("asr: unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("asr: server returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *WhisperClient) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// encodeWAV renders float samples as a mono 16-bit PCM RIFF/WAV file.
func encodeWAV(samples []float32, sampleRate int) []byte {
	dataSize := len(samples) * 2
	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	for i, s := range samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		binary.LittleEndian.PutUint16(buf[44+i*2:], uint16(int16(math.Round(v*32767))))
	}
	return buf
}
