package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/aibridge/wecomgw/pkg/agents"
	"github.com/aibridge/wecomgw/pkg/cache"
	"github.com/aibridge/wecomgw/pkg/dify"
	"github.com/aibridge/wecomgw/pkg/logger"
	"github.com/aibridge/wecomgw/pkg/wecom"
)

const apologyFallback = "抱歉，处理请求时发生错误，请稍后重试。"

// Task is one accepted inbound message handed to a background relay.
type Task struct {
	StreamID string
	Query    string
	UserID   string
	AIBotID  string
	// ImageURLs point at AES-encrypted image blobs from image/mixed
	// messages. They are downloaded and decrypted off the callback path.
	ImageURLs []string
}

// Config holds the fallback backend used when no agent matches.
type Config struct {
	DefaultBaseURL string
	DefaultAPIKey  string
	Timeout        time.Duration
	// ImageAESKey decrypts downloaded image blobs (the EncodingAESKey).
	ImageAESKey string
}

// Relay drives the AI backend's streaming call for one turn and writes
// the results into the turn cache. It is fire-and-forget: it never
// reports errors to its caller, and it guarantees the turn is marked
// finished on every exit path so pollers cannot hang.
type Relay struct {
	cache     *cache.TurnCache
	directory *agents.Directory
	fetcher   *wecom.ImageFetcher
	cfg       Config
}

func New(turnCache *cache.TurnCache, directory *agents.Directory, fetcher *wecom.ImageFetcher, cfg Config) *Relay {
	return &Relay{
		cache:     turnCache,
		directory: directory,
		fetcher:   fetcher,
		cfg:       cfg,
	}
}

// Launch creates the turn and starts the background goroutine. The
// caller returns its "thinking" reply without waiting; the turn is
// already visible to pollers when Launch returns.
func (r *Relay) Launch(ctx context.Context, task Task) {
	r.cache.Create(task.StreamID, task.Query)
	go r.run(ctx, task)
}

func (r *Relay) run(ctx context.Context, task Task) {
	// Canceled on return so the stream producer is released even when the
	// relay abandons an evicted turn mid-stream.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The turn must reach finished no matter how this goroutine exits,
	// otherwise the poll loop spins until the sweeper reclaims it.
	defer func() {
		if rec := recover(); rec != nil {
			logger.ErrorCF("relay", "Relay panicked", map[string]any{
				"stream_id": task.StreamID,
				"panic":     fmt.Sprintf("%v", rec),
			})
			r.cache.AppendText(task.StreamID, apologyFallback)
		}
		r.cache.MarkFinished(task.StreamID)
	}()

	client := r.clientFor(ctx, task.AIBotID)

	files := r.uploadImages(ctx, client, task)

	events, err := client.ChatMessageStream(ctx, dify.ChatRequest{
		Query: task.Query,
		User:  task.UserID,
		Files: files,
	})
	if err != nil {
		logger.ErrorCF("relay", "Failed to open AI stream", map[string]any{
			"stream_id": task.StreamID,
			"error":     err.Error(),
		})
		r.cache.AppendText(task.StreamID, apologyFallback)
		return
	}

	for event := range events {
		// A swept turn makes further writes no-ops; stop early instead of
		// draining a stream nobody will read.
		if !r.cache.Exists(task.StreamID) {
			logger.InfoCF("relay", "Turn evicted mid-stream, abandoning relay", map[string]any{
				"stream_id": task.StreamID,
			})
			return
		}

		switch event.Event {
		case dify.EventMessage:
			if event.Answer != "" {
				r.cache.AppendText(task.StreamID, event.Answer)
			}
		case dify.EventMessageEnd:
			if event.ConversationID != "" {
				r.cache.SetConversationID(task.StreamID, event.ConversationID)
			}
			logger.InfoCF("relay", "AI stream completed", map[string]any{
				"stream_id": task.StreamID,
			})
			return
		case dify.EventError:
			msg := event.Message
			if msg == "" {
				msg = "处理请求时发生错误"
			}
			logger.ErrorCF("relay", "AI stream reported error", map[string]any{
				"stream_id": task.StreamID,
				"error":     msg,
			})
			r.cache.AppendText(task.StreamID, "抱歉，"+msg)
			return
		}
	}
}

// clientFor resolves the backend for the matched agent, falling back to
// the default configuration when the lookup misses or fails.
func (r *Relay) clientFor(ctx context.Context, aiBotID string) *dify.Client {
	if r.directory != nil {
		agent, err := r.directory.LookupByBotID(ctx, aiBotID)
		if err != nil {
			logger.ErrorCF("relay", "Agent lookup failed, using default backend", map[string]any{
				"aibotid": aiBotID,
				"error":   err.Error(),
			})
		} else if agent != nil {
			logger.DebugCF("relay", "Using agent backend", map[string]any{
				"agent": agent.Name,
			})
			return dify.NewClient(agent.APIEndpoint, agent.APIKey, r.cfg.Timeout)
		}
	}
	return dify.NewClient(r.cfg.DefaultBaseURL, r.cfg.DefaultAPIKey, r.cfg.Timeout)
}

// uploadImages downloads, decrypts and uploads each attached image.
// Best-effort: a failed image is logged and skipped, never fatal to the turn.
func (r *Relay) uploadImages(ctx context.Context, client *dify.Client, task Task) []dify.FileRef {
	if len(task.ImageURLs) == 0 || r.fetcher == nil {
		return nil
	}

	files := make([]dify.FileRef, 0, len(task.ImageURLs))
	for i, url := range task.ImageURLs {
		img, err := r.fetcher.Fetch(ctx, url, r.cfg.ImageAESKey)
		if err != nil {
			logger.ErrorCF("relay", "Image download failed, skipping", map[string]any{
				"stream_id": task.StreamID,
				"error":     err.Error(),
			})
			continue
		}

		filename := fmt.Sprintf("image_%d.%s", i+1, dify.SniffImageFormat(img))
		fileID, err := client.UploadFile(ctx, filename, img, task.UserID)
		if err != nil {
			logger.ErrorCF("relay", "Image upload failed, skipping", map[string]any{
				"stream_id": task.StreamID,
				"file":      filename,
				"error":     err.Error(),
			})
			continue
		}
		files = append(files, dify.FileRef{
			Type:           "image",
			TransferMethod: "local_file",
			UploadFileID:   fileID,
		})
	}

	logger.InfoCF("relay", "Prepared images for AI backend", map[string]any{
		"stream_id": task.StreamID,
		"uploaded":  len(files),
		"total":     len(task.ImageURLs),
	})
	return files
}
