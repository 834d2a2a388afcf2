package wecom

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
)

// blockSize is the PKCS7 block size used by WeCom (32)
const blockSize = 32

var (
	ErrBadSignature     = errors.New("signature verification failed")
	ErrBadPadding       = errors.New("invalid padding")
	ErrReceiverMismatch = errors.New("receiver id mismatch")
	ErrInvalidKeyLength = errors.New("invalid AES key length")
)

// Envelope seals and unseals WeCom callback payloads. It is safe for
// concurrent use; all fields are immutable after construction.
type Envelope struct {
	token     string
	aesKey    []byte
	receiveID string
}

// NewEnvelope builds an Envelope from the 43-character EncodingAESKey
// issued by the WeCom admin console. receiveID is empty for bot-type
// receivers.
func NewEnvelope(token, encodingAESKey, receiveID string) (*Envelope, error) {
	aesKey, err := decodeAESKey(encodingAESKey)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		token:     token,
		aesKey:    aesKey,
		receiveID: receiveID,
	}, nil
}

// decodeAESKey base64-decodes the 43-character EncodingAESKey (trailing "="
// is appended automatically) and validates that the result is exactly 32 bytes.
func decodeAESKey(encodingAESKey string) ([]byte, error) {
	aesKey, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyLength, err)
	}
	if len(aesKey) != 32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKeyLength, len(aesKey))
	}
	return aesKey, nil
}

// computeSignature sorts [token, timestamp, nonce, encrypt], concatenates
// them and returns the SHA1 hex digest.
func computeSignature(token, timestamp, nonce, encrypt string) string {
	params := []string{token, timestamp, nonce, encrypt}
	sort.Strings(params)
	str := strings.Join(params, "")
	hash := sha1.Sum([]byte(str))
	return fmt.Sprintf("%x", hash)
}

// verifySignature recomputes the signature and compares in constant time.
func (e *Envelope) verifySignature(msgSignature, timestamp, nonce, encrypt string) bool {
	expected := computeSignature(e.token, timestamp, nonce, encrypt)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(msgSignature)) == 1
}

// Open verifies the signature over a ciphertext and returns the decrypted
// plaintext. It is the primitive under VerifyURL and DecryptMessage.
func (e *Envelope) Open(msgSignature, timestamp, nonce, encrypt string) (string, error) {
	if !e.verifySignature(msgSignature, timestamp, nonce, encrypt) {
		return "", ErrBadSignature
	}
	return e.unseal(encrypt)
}

// VerifyURL handles the GET verification handshake: it checks the signature
// over the echostr ciphertext and returns the decrypted echo plaintext.
func (e *Envelope) VerifyURL(msgSignature, timestamp, nonce, echostr string) (string, error) {
	plain, err := e.Open(msgSignature, timestamp, nonce, echostr)
	if err != nil {
		return "", err
	}

	// Remove BOM and whitespace as per WeCom documentation
	plain = strings.TrimPrefix(plain, "\ufeff")
	return strings.TrimSpace(plain), nil
}

// encryptedBody is the POST callback wire wrapper.
type encryptedBody struct {
	Encrypt string `json:"encrypt"`
}

// EncryptedReply is the sealed reply envelope returned to WeCom.
// Field names match WXBizJsonMsgCrypt.generate() in the platform SDK.
type EncryptedReply struct {
	Encrypt      string `json:"encrypt"`
	MsgSignature string `json:"msgsignature"`
	Timestamp    string `json:"timestamp"`
	Nonce        string `json:"nonce"`
}

// DecryptMessage verifies the signature over the raw callback body, unseals
// the ciphertext and parses the plaintext into a CallbackMessage.
func (e *Envelope) DecryptMessage(body []byte, msgSignature, timestamp, nonce string) (*CallbackMessage, error) {
	var wrapper encryptedBody
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("malformed callback body: %w", err)
	}

	plain, err := e.Open(msgSignature, timestamp, nonce, wrapper.Encrypt)
	if err != nil {
		return nil, err
	}

	var msg CallbackMessage
	if err := json.Unmarshal([]byte(plain), &msg); err != nil {
		return nil, fmt.Errorf("malformed decrypted message: %w", err)
	}
	return &msg, nil
}

// EncryptMessage seals plaintext and wraps it in a signed reply envelope.
// timestamp and nonce are normally echoed from the inbound request.
func (e *Envelope) EncryptMessage(plaintext, timestamp, nonce string) (string, error) {
	encrypted, err := e.seal(plaintext)
	if err != nil {
		return "", err
	}

	reply := EncryptedReply{
		Encrypt:      encrypted,
		MsgSignature: computeSignature(e.token, timestamp, nonce, encrypted),
		Timestamp:    timestamp,
		Nonce:        nonce,
	}

	out, err := json.Marshal(reply)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// seal builds the WeCom frame, pads it and encrypts with AES-256-CBC.
func (e *Envelope) seal(msg string) (string, error) {
	frame, err := packFrame(msg, e.receiveID)
	if err != nil {
		return "", err
	}
	frame = pkcs7Pad(frame, blockSize)

	block, err := aes.NewCipher(e.aesKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	iv := e.aesKey[:aes.BlockSize]
	ciphertext := make([]byte, len(frame))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, frame)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// unseal decrypts a base64 ciphertext and unpacks the WeCom frame,
// verifying the trailing receiver id.
func (e *Envelope) unseal(encrypted string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("%w: not base64: %v", ErrBadPadding, err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext length %d", ErrBadPadding, len(ciphertext))
	}

	block, err := aes.NewCipher(e.aesKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	iv := e.aesKey[:aes.BlockSize]
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	plaintext, err = pkcs7Unpad(plaintext)
	if err != nil {
		return "", err
	}

	return unpackFrame(plaintext, e.receiveID)
}

// packFrame builds the WeCom wire format:
//
//	random(16 ASCII digits) + msg_len(4, big-endian) + msg + receiveid
func packFrame(msg, receiveID string) ([]byte, error) {
	randomBytes := make([]byte, 16)
	for i := range 16 {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return nil, fmt.Errorf("failed to generate random: %w", err)
		}
		randomBytes[i] = byte('0' + n.Int64())
	}
	msgBytes := []byte(msg)
	msgLenBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(msgLenBytes, uint32(len(msgBytes)))
	var buf bytes.Buffer
	buf.Write(randomBytes)
	buf.Write(msgLenBytes)
	buf.Write(msgBytes)
	buf.WriteString(receiveID)
	return buf.Bytes(), nil
}

// unpackFrame parses the frame produced by packFrame. The trailing
// receiver id must equal receiveID; for bot receivers both are empty.
func unpackFrame(data []byte, receiveID string) (string, error) {
	if len(data) < 20 {
		return "", fmt.Errorf("%w: frame too short (%d bytes)", ErrBadPadding, len(data))
	}
	msgLen := binary.BigEndian.Uint32(data[16:20])
	if int(msgLen) > len(data)-20 {
		return "", fmt.Errorf("%w: message length %d exceeds frame", ErrBadPadding, msgLen)
	}
	msg := data[20 : 20+msgLen]
	actual := string(data[20+msgLen:])
	if actual != receiveID {
		return "", fmt.Errorf("%w: expected %q, got %q", ErrReceiverMismatch, receiveID, actual)
	}
	return string(msg), nil
}

// pkcs7Pad pads to a blockSize boundary. A full pad block is appended
// when the input is already aligned; the pad is never empty.
func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - (len(data) % blockSize)
	if padding == 0 {
		padding = blockSize
	}
	padText := bytes.Repeat([]byte{byte(padding)}, padding)
	return append(data, padText...)
}

// pkcs7Unpad removes PKCS7 padding with validation.
func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrBadPadding)
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, fmt.Errorf("%w: pad byte %d", ErrBadPadding, padding)
	}
	if padding > len(data) {
		return nil, fmt.Errorf("%w: pad larger than data", ErrBadPadding)
	}
	for i := range padding {
		if data[len(data)-1-i] != byte(padding) {
			return nil, fmt.Errorf("%w: inconsistent pad at offset %d", ErrBadPadding, i)
		}
	}
	return data[:len(data)-padding], nil
}
