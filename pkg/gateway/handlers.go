package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/aibridge/wecomgw/pkg/logger"
	"github.com/aibridge/wecomgw/pkg/relay"
	"github.com/aibridge/wecomgw/pkg/wecom"
)

// maxCallbackBody caps the POST body read; callback payloads are small.
const maxCallbackBody = 1 << 20

// handleVerify serves the GET URL-verification handshake.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("botid")
	q := r.URL.Query()
	sig := q.Get("msg_signature")
	timestamp := q.Get("timestamp")
	nonce := q.Get("nonce")
	echostr := q.Get("echostr")

	if sig == "" || timestamp == "" || nonce == "" || echostr == "" {
		http.Error(w, "missing parameters", http.StatusBadRequest)
		return
	}

	plain, err := s.envelope.VerifyURL(sig, timestamp, nonce, echostr)
	if err != nil {
		logger.WarnCF("gateway", "URL verification failed", map[string]any{
			"botid": botID,
			"error": err.Error(),
		})
		w.Write([]byte("verify fail"))
		return
	}

	logger.InfoCF("gateway", "URL verified", map[string]any{"botid": botID})
	w.Write([]byte(plain))
}

// handleCallback serves message callbacks: decrypt, dedupe, dispatch by
// message type and answer with a sealed reply. Every accepted request is
// answered 200 so the platform does not retry.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("botid")
	reqID := uuid.New().String()[:8]
	q := r.URL.Query()
	sig := q.Get("msg_signature")
	timestamp := q.Get("timestamp")
	nonce := q.Get("nonce")

	if sig == "" || timestamp == "" || nonce == "" {
		http.Error(w, "missing parameters", http.StatusBadRequest)
		return
	}

	if !s.allow(botID) {
		logger.WarnCF("gateway", "Callback rate limited", map[string]any{
			"req":   reqID,
			"botid": botID,
		})
		w.Write([]byte("success"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	msg, err := s.envelope.DecryptMessage(body, sig, timestamp, nonce)
	if err != nil {
		logger.ErrorCF("gateway", "Callback decrypt failed", map[string]any{
			"req":   reqID,
			"botid": botID,
			"error": err.Error(),
		})
		http.Error(w, "fail", http.StatusBadRequest)
		return
	}

	// The platform redelivers callbacks it considers unanswered; a plain
	// success for a known msgid stops the retries without double work.
	// Poll refreshes arrive with fresh msgids so they pass through.
	if msg.MsgID != "" {
		if s.processed.IsProcessed(msg.MsgID) {
			logger.InfoCF("gateway", "Duplicate callback ignored", map[string]any{
				"req":   reqID,
				"msgid": msg.MsgID,
			})
			w.Write([]byte("success"))
			return
		}
		s.processed.MarkProcessed(msg.MsgID)
	}

	logger.DebugCF("gateway", "Callback received", map[string]any{
		"req":     reqID,
		"botid":   botID,
		"msgtype": msg.MsgType,
		"chat":    msg.ChatType,
	})

	var reply string
	switch msg.MsgType {
	case wecom.MsgTypeText:
		reply = s.dispatchText(msg)
	case wecom.MsgTypeImage:
		reply = s.dispatchImage(msg)
	case wecom.MsgTypeMixed:
		reply = s.dispatchMixed(msg)
	case wecom.MsgTypeStream:
		reply = s.dispatchStream(msg, reqID)
	case wecom.MsgTypeEvent:
		reply = s.dispatchEvent(msg)
	default:
		logger.InfoCF("gateway", "Unsupported message type", map[string]any{
			"req":     reqID,
			"msgtype": msg.MsgType,
		})
	}

	if reply == "" {
		w.Write([]byte("success"))
		return
	}
	s.writeEncrypted(w, reply, timestamp, nonce, reqID)
}

// dispatchText starts a new turn for a text question and returns the
// immediate "thinking" frame.
func (s *Server) dispatchText(msg *wecom.CallbackMessage) string {
	if msg.Text == nil || msg.Text.Content == "" {
		return ""
	}

	streamID := wecom.NewStreamID()
	s.relay.Launch(context.Background(), relay.Task{
		StreamID: streamID,
		Query:    msg.Text.Content,
		UserID:   msg.SenderID(),
		AIBotID:  msg.AIBotID,
	})
	return wecom.TextStream(streamID, "正在思考中...", false)
}

// dispatchImage starts a turn for a standalone image message.
func (s *Server) dispatchImage(msg *wecom.CallbackMessage) string {
	if msg.Image == nil || msg.Image.URL == "" {
		return ""
	}

	streamID := wecom.NewStreamID()
	s.relay.Launch(context.Background(), relay.Task{
		StreamID:  streamID,
		Query:     "请分析这张图片",
		UserID:    msg.SenderID(),
		AIBotID:   msg.AIBotID,
		ImageURLs: []string{msg.Image.URL},
	})
	return wecom.TextStream(streamID, "正在分析您的图片...", false)
}

// dispatchMixed starts a turn for a combined text and image message.
func (s *Server) dispatchMixed(msg *wecom.CallbackMessage) string {
	if msg.Mixed == nil || len(msg.Mixed.MsgItem) == 0 {
		return ""
	}

	var texts []string
	var imageURLs []string
	for _, item := range msg.Mixed.MsgItem {
		switch item.MsgType {
		case wecom.MsgTypeText:
			if item.Text != nil && item.Text.Content != "" {
				texts = append(texts, item.Text.Content)
			}
		case wecom.MsgTypeImage:
			if item.Image != nil && item.Image.URL != "" {
				imageURLs = append(imageURLs, item.Image.URL)
			}
		}
	}

	query := strings.Join(texts, "\n")
	thinking := "正在处理您的消息..."
	switch {
	case query != "":
		thinking = "正在分析您的图文消息..."
	case len(imageURLs) > 0:
		thinking = "正在分析您的图片..."
	}
	if query == "" {
		query = "请分析这张图片"
	}

	streamID := wecom.NewStreamID()
	s.relay.Launch(context.Background(), relay.Task{
		StreamID:  streamID,
		Query:     query,
		UserID:    msg.SenderID(),
		AIBotID:   msg.AIBotID,
		ImageURLs: imageURLs,
	})
	return wecom.TextStream(streamID, thinking, false)
}

// dispatchStream answers a poll refresh for an in-flight turn. Unknown
// stream ids get an empty finished frame so a client polling across a
// restart or sweep stops cleanly.
func (s *Server) dispatchStream(msg *wecom.CallbackMessage, reqID string) string {
	if msg.Stream == nil || msg.Stream.ID == "" {
		return ""
	}
	streamID := msg.Stream.ID

	snap, ok := s.turns.Snapshot(streamID)
	if !ok {
		logger.InfoCF("gateway", "Poll for unknown stream", map[string]any{
			"req":       reqID,
			"stream_id": streamID,
		})
		return wecom.TextStream(streamID, "", true)
	}

	if !snap.Finished {
		return wecom.TextStream(streamID, snap.Text, false)
	}

	// Final frame delivered exactly once; the turn is gone afterwards and
	// any stray re-poll falls into the unknown-stream path above.
	s.turns.Remove(streamID)
	logger.InfoCF("gateway", "Turn delivered", map[string]any{
		"req":       reqID,
		"stream_id": streamID,
		"text_len":  len(snap.Text),
		"images":    len(snap.Images),
	})
	return wecom.FinalReply(streamID, snap.Text, snap.Images)
}

// dispatchEvent answers chat events. Only enter_chat gets a reply: the
// welcome card, unless disabled.
func (s *Server) dispatchEvent(msg *wecom.CallbackMessage) string {
	if msg.Event == nil || msg.Event.EventType != wecom.EventEnterChat {
		return ""
	}
	if s.cfg.WeCom.DisableWelcome {
		return ""
	}
	return wecom.WelcomeCard(s.cfg.WeCom.DefaultBotName, s.cfg.WeCom.WelcomeIconURL)
}

// writeEncrypted seals the plaintext reply and writes the signed envelope.
func (s *Server) writeEncrypted(w http.ResponseWriter, plaintext, timestamp, nonce, reqID string) {
	sealed, err := s.envelope.EncryptMessage(plaintext, timestamp, nonce)
	if err != nil {
		logger.ErrorCF("gateway", "Failed to seal reply", map[string]any{
			"req":   reqID,
			"error": err.Error(),
		})
		http.Error(w, "fail", http.StatusInternalServerError)
		return
	}
	// The platform expects text/plain even for sealed JSON envelopes.
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(sealed))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"turns":  s.turns.Len(),
	})
}
