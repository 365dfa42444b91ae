package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Endpoint paths relative to the transport base URL.
const (
	createPath = "/session/create"
	pushPath   = "/session/push"
	syncPath   = "/session/sync"
	updatePath = "/session/update"
	closePath  = "/session/close"
	attachPath = "/attachment/upload"
	insertPath = "/attachment/insert"
)

const defaultRequestTimeout = 30 * time.Second

// Transport performs stateless JSON request/response calls against the
// session endpoint. There is no persistent socket: every call is a single
// POST.
type Transport struct {
	baseURL    string
	httpClient *http.Client
}

// NewTransport creates a Transport for the given endpoint base URL.
// A nil httpClient falls back to a client with a default timeout.
func NewTransport(baseURL string, httpClient *http.Client) (*Transport, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%s: must be non-empty", "baseURL")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}

	return &Transport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}, nil
}

// post sends a JSON request body and decodes the JSON response into res
// (skipped when res is nil). Failed requests are returned as *RequestError.
func (t *Transport) post(ctx context.Context, path string, req, res interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("request marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request build: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	return t.do(httpReq, res)
}

// postMultipart uploads a file as a multipart form alongside the session
// fields and decodes the JSON response into res.
func (t *Transport) postMultipart(ctx context.Context, path string, fields map[string]string, fileName string, file io.Reader, res interface{}) error {
	body := new(bytes.Buffer)
	form := multipart.NewWriter(body)
	for k, v := range fields {
		if err := form.WriteField(k, v); err != nil {
			return fmt.Errorf("form field %s: %w", k, err)
		}
	}
	part, err := form.CreateFormFile("file", fileName)
	if err != nil {
		return fmt.Errorf("form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("form file copy: %w", err)
	}
	if err := form.Close(); err != nil {
		return fmt.Errorf("form close: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("request build: %w", err)
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())

	return t.do(httpReq, res)
}

// do executes the request and classifies the outcome.
func (t *Transport) do(httpReq *http.Request, res interface{}) error {
	httpRes, err := t.httpClient.Do(httpReq)
	if err != nil {
		return &RequestError{Err: err}
	}
	defer httpRes.Body.Close()

	resBody, err := io.ReadAll(httpRes.Body)
	if err != nil {
		return &RequestError{Err: err}
	}

	if httpRes.StatusCode < 200 || httpRes.StatusCode > 299 {
		return &RequestError{
			StatusCode: httpRes.StatusCode,
			Body:       resBody,
		}
	}

	if res == nil {
		return nil
	}
	if err := json.Unmarshal(resBody, res); err != nil {
		return fmt.Errorf("response unmarshal: %w", err)
	}

	return nil
}
