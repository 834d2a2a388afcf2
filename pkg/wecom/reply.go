package wecom

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
)

// StreamInfo is the stream body of an outbound streaming reply.
type StreamInfo struct {
	ID      string      `json:"id"`
	Finish  bool        `json:"finish"`
	Content string      `json:"content,omitempty"`
	MsgItem []ReplyItem `json:"msg_item,omitempty"`
}

// ReplyItem is one entry of a mixed or image streaming reply.
type ReplyItem struct {
	MsgType string `json:"msgtype"`
	Text    *struct {
		Content string `json:"content"`
	} `json:"text,omitempty"`
	Image *struct {
		Base64 string `json:"base64"`
		MD5    string `json:"md5"`
	} `json:"image,omitempty"`
}

// StreamReply is the plaintext reply for msgtype=stream responses.
type StreamReply struct {
	MsgType string     `json:"msgtype"`
	Stream  StreamInfo `json:"stream"`
}

// TextStream builds a text streaming reply frame.
func TextStream(streamID, content string, finish bool) string {
	return marshalReply(StreamReply{
		MsgType: MsgTypeStream,
		Stream: StreamInfo{
			ID:      streamID,
			Finish:  finish,
			Content: content,
		},
	})
}

// ImageStream builds a streaming reply carrying a single image.
func ImageStream(streamID string, image []byte, finish bool) string {
	return marshalReply(StreamReply{
		MsgType: MsgTypeStream,
		Stream: StreamInfo{
			ID:      streamID,
			Finish:  finish,
			MsgItem: []ReplyItem{imageItem(image)},
		},
	})
}

// MixedStream builds a streaming reply with ordered text and image items.
func MixedStream(streamID string, items []ReplyItem, finish bool) string {
	return marshalReply(StreamReply{
		MsgType: MsgTypeStream,
		Stream: StreamInfo{
			ID:      streamID,
			Finish:  finish,
			MsgItem: items,
		},
	})
}

// FinalReply serializes a finished turn. Text plus images yields a mixed
// reply (text item first), images alone an image reply, otherwise a plain
// text reply carrying whatever text accumulated.
func FinalReply(streamID, text string, images [][]byte) string {
	switch {
	case text != "" && len(images) > 0:
		items := make([]ReplyItem, 0, len(images)+1)
		items = append(items, textItem(text))
		for _, img := range images {
			items = append(items, imageItem(img))
		}
		return MixedStream(streamID, items, true)
	case len(images) > 0:
		return ImageStream(streamID, images[0], true)
	default:
		return TextStream(streamID, text, true)
	}
}

func textItem(content string) ReplyItem {
	item := ReplyItem{MsgType: MsgTypeText}
	item.Text = &struct {
		Content string `json:"content"`
	}{Content: content}
	return item
}

func imageItem(image []byte) ReplyItem {
	sum := md5.Sum(image)
	item := ReplyItem{MsgType: MsgTypeImage}
	item.Image = &struct {
		Base64 string `json:"base64"`
		MD5    string `json:"md5"`
	}{
		Base64: base64.StdEncoding.EncodeToString(image),
		MD5:    fmt.Sprintf("%x", sum),
	}
	return item
}

// TemplateCard builds a template_card reply from raw card content.
func TemplateCard(card map[string]any) string {
	out, err := json.Marshal(map[string]any{
		"msgtype":       "template_card",
		"template_card": card,
	})
	if err != nil {
		return ""
	}
	return string(out)
}

// WelcomeCard builds the text_notice card sent on the enter_chat event.
func WelcomeCard(agentName, iconURL string) string {
	if agentName == "" {
		agentName = "AI助手"
	}
	if iconURL == "" {
		iconURL = "https://wework.qpic.cn/wwpic/252813_jOfDHtcISzuodLa_1629280209/0"
	}
	return TemplateCard(map[string]any{
		"card_type": "text_notice",
		"source": map[string]any{
			"icon_url":   iconURL,
			"desc":       agentName,
			"desc_color": 1,
		},
		"main_title": map[string]any{
			"title": "欢迎使用" + agentName,
			"desc":  "我是您的智能助手，可以帮您解答问题、提供信息和协助工作",
		},
		"emphasis_content": map[string]any{
			"title": "在线",
			"desc":  "服务状态",
		},
		"horizontal_content_list": []map[string]any{
			{"keyname": "功能", "value": "智能问答、知识查询、工作协助"},
			{"keyname": "支持", "value": "文本、图片、混合消息"},
		},
		"jump_list": []map[string]any{
			{"type": 3, "title": "了解功能", "question": "你有哪些功能？"},
			{"type": 3, "title": "使用帮助", "question": "如何使用你？"},
		},
	})
}

func marshalReply(reply StreamReply) string {
	out, err := json.Marshal(reply)
	if err != nil {
		return ""
	}
	return string(out)
}

const streamIDLetters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewStreamID generates a random 16-character stream id.
func NewStreamID() string {
	b := make([]byte, 16)
	for i := range b {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(streamIDLetters))))
		b[i] = streamIDLetters[n.Int64()]
	}
	return string(b)
}
