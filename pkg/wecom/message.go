package wecom

// Message type values accepted on the callback endpoint.
const (
	MsgTypeText   = "text"
	MsgTypeImage  = "image"
	MsgTypeMixed  = "mixed"
	MsgTypeStream = "stream"
	MsgTypeEvent  = "event"
)

// EventEnterChat is sent when a user opens the bot's chat window.
const EventEnterChat = "enter_chat"

// CallbackMessage is the decrypted JSON payload of a message callback.
// Ref: https://developer.work.weixin.qq.com/document/path/100719
type CallbackMessage struct {
	MsgID    string `json:"msgid"`
	AIBotID  string `json:"aibotid"`
	ChatID   string `json:"chatid"`   // only for group chat
	ChatType string `json:"chattype"` // "single" or "group"
	From     struct {
		UserID string `json:"userid"`
	} `json:"from"`
	MsgType string `json:"msgtype"`
	// text message
	Text *struct {
		Content string `json:"content"`
	} `json:"text,omitempty"`
	// image message: URL points at AES-encrypted image bytes
	Image *struct {
		URL string `json:"url"`
	} `json:"image,omitempty"`
	// mixed message (text + image)
	Mixed *struct {
		MsgItem []MixedItem `json:"msg_item"`
	} `json:"mixed,omitempty"`
	// stream polling refresh
	Stream *struct {
		ID string `json:"id"`
	} `json:"stream,omitempty"`
	// event field
	Event *struct {
		EventType string `json:"eventtype"`
	} `json:"event,omitempty"`
}

// MixedItem is one entry of a mixed (text + image) inbound message.
type MixedItem struct {
	MsgType string `json:"msgtype"`
	Text    *struct {
		Content string `json:"content"`
	} `json:"text,omitempty"`
	Image *struct {
		URL string `json:"url"`
	} `json:"image,omitempty"`
}

// SenderID returns the originating user id, falling back to "anonymous"
// when the platform omits it.
func (m *CallbackMessage) SenderID() string {
	if m.From.UserID == "" {
		return "anonymous"
	}
	return m.From.UserID
}
