// Package pdfextract is the client for the PDF text-extraction
// microservice, which exposes a single multipart upload endpoint and a
// health check. Calls are wrapped in a circuit breaker so a wedged
// extractor fails fast instead of tying up uploads.
package pdfextract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// MaxPDFBytes mirrors the extractor's upload limit.
const MaxPDFBytes = 10 << 20 // 10MB

var (
	ErrTooLarge    = errors.New("pdf exceeds 10MB upload limit")
	ErrUnavailable = errors.New("pdf extractor unavailable")
)

// Extraction is the extractor's successful response.
type Extraction struct {
	Text      string `json:"text"`
	PageCount int    `json:"pageCount"`
	Filename  string `json:"filename"`
}

// Health is the extractor's health-check response.
type Health struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type extractorError struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

type Client struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func New(baseURL string) *Client {
	settings := gobreaker.Settings{
		Name:        "pdf-extractor",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 2 * time.Minute},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Extract uploads a PDF as the multipart field "pdf" and returns the
// extracted text.
func (c *Client) Extract(ctx context.Context, filename string, pdf []byte) (*Extraction, error) {
	if len(pdf) > MaxPDFBytes {
		return nil, ErrTooLarge
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doExtract(ctx, filename, pdf)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return result.(*Extraction), nil
}

func (c *Client) doExtract(ctx context.Context, filename string, pdf []byte) (*Extraction, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("pdf", filename)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(pdf); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/upload-pdf", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, &body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		var extErr extractorError
		if json.Unmarshal(respBody, &extErr) == nil && extErr.Error != "" {
			return nil, fmt.Errorf("pdf extractor error (status %d): %s: %s",
				resp.StatusCode, extErr.Error, extErr.Details)
		}
		return nil, fmt.Errorf("pdf extractor error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var extraction Extraction
	if err := json.NewDecoder(resp.Body).Decode(&extraction); err != nil {
		return nil, err
	}
	return &extraction, nil
}

// CheckHealth probes the extractor's health endpoint, outside the
// breaker so probes keep working while it cools down.
func (c *Client) CheckHealth(ctx context.Context) (*Health, error) {
	url := fmt.Sprintf("%s/health", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, err
	}
	return &h, nil
}
