package dify

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/aibridge/wecomgw/pkg/logger"
)

// Stream event kinds emitted by the chat-messages SSE endpoint.
const (
	EventMessage    = "message"
	EventMessageEnd = "message_end"
	EventError      = "error"
)

// APIError is a non-200 answer from the Dify HTTP API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dify api error (status %d): %s", e.StatusCode, e.Message)
}

// Client talks to one Dify application API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client for the app at baseURL (e.g. "https://host/v1").
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// FileRef points a chat message at a previously uploaded file.
type FileRef struct {
	Type           string `json:"type"`
	TransferMethod string `json:"transfer_method"`
	UploadFileID   string `json:"upload_file_id"`
}

// ChatRequest is one streaming chat call.
type ChatRequest struct {
	Query          string
	User           string
	ConversationID string
	Files          []FileRef
	Inputs         map[string]any
}

// StreamEvent is one SSE event from the chat stream. Transport failures
// mid-stream surface as a terminal EventError so consumers never need a
// second error path.
type StreamEvent struct {
	Event          string `json:"event"`
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// ChatMessageStream opens a streaming chat call and delivers its events
// on the returned channel. The channel is closed when the stream ends or
// ctx is canceled.
func (c *Client) ChatMessageStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	payload := map[string]any{
		"query":         req.Query,
		"inputs":        req.Inputs,
		"response_mode": "streaming",
		"user":          req.User,
	}
	if payload["inputs"] == nil {
		payload["inputs"] = map[string]any{}
	}
	if req.User == "" {
		payload["user"] = "anonymous"
	}
	if req.ConversationID != "" {
		payload["conversation_id"] = req.ConversationID
	}
	if len(req.Files) > 0 {
		payload["files"] = req.Files
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat-messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("dify unreachable: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}

			var event StreamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				logger.DebugCF("dify", "Failed to parse SSE event", map[string]any{
					"error": err.Error(),
				})
				continue
			}

			select {
			case events <- event:
			case <-ctx.Done():
				return
			}

			if event.Event == EventMessageEnd || event.Event == EventError {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			select {
			case events <- StreamEvent{Event: EventError, Message: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()

	return events, nil
}

// UploadFile uploads a file for use in a subsequent chat message and
// returns the upload file id.
func (c *Client) UploadFile(ctx context.Context, filename string, data []byte, user string) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := writer.WriteField("user", user); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files/upload", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("dify unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", readAPIError(resp)
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("invalid upload response: %w", err)
	}
	return result.ID, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(body)}

	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		apiErr.Message = parsed.Message
	}
	return apiErr
}
