// Package client talks to the Ekodi chat backend.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ekodi/log"
)

const DefaultTimeout = 120 * time.Second

type Config struct {
	BaseURL string
	Token   string // sent as a bearer token
	APIKey  string // sent as X-API-Key when no token is set
	Timeout time.Duration
}

type Client struct {
	http    *TracedClient
	base    string
	token   string
	apiKey  string
	timeout time.Duration
	now     func() time.Time

	mu       sync.Mutex
	busy     []func(retryAfter time.Duration)
	observed []func(log.Submission)
}

func New(cfg Config) *Client {
	return &Client{
		http:    NewTracedClient(),
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		now:     time.Now,
	}
}

func (c *Client) BaseURL() string { return c.base }

// OnBusy registers fn to run whenever the server reports overload.
func (c *Client) OnBusy(fn func(retryAfter time.Duration)) {
	c.mu.Lock()
	c.busy = append(c.busy, fn)
	c.mu.Unlock()
}

// OnSubmission registers fn to receive the metrics of every completed
// request.
func (c *Client) OnSubmission(fn func(log.Submission)) {
	c.mu.Lock()
	c.observed = append(c.observed, fn)
	c.mu.Unlock()
}

// Warm pre-opens the connection in the background.
func (c *Client) Warm() {
	go c.http.Warm(c.base + "/health")
}

type ChatResponse struct {
	ConversationID string  `json:"conversation_id"`
	MessageID      string  `json:"message_id"`
	UserText       string  `json:"user_text"`
	UserTextFR     string  `json:"user_text_fr"`
	AITextFR       string  `json:"ai_text_fr"`
	AITextBM       string  `json:"ai_text_bm"`
	AudioBase64    *string `json:"audio_base64"`
	InputLang      string  `json:"input_lang"`
}

// Heard reports whether the server understood anything. An empty
// transcription comes back with no message id.
func (r *ChatResponse) Heard() bool {
	return r.MessageID != "" || r.AITextFR != "" || r.AITextBM != ""
}

type chatRequest struct {
	Text           string `json:"text"`
	InputLang      string `json:"input_lang"`
	ConversationID string `json:"conversation_id,omitempty"`
}

func (c *Client) Chat(ctx context.Context, text, lang, conversationID string) (*ChatResponse, error) {
	body, err := json.Marshal(chatRequest{Text: text, InputLang: lang, ConversationID: conversationID})
	if err != nil {
		return nil, err
	}
	var out ChatResponse
	if err := c.call(ctx, call{
		method: http.MethodPost, path: "/chat", lang: lang,
		body: body, contentType: "application/json",
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Audio is a recorded clip for /voice-chat.
type Audio struct {
	Data     []byte
	MIMEType string
	Ext      string
	Duration time.Duration
}

func (c *Client) VoiceChat(ctx context.Context, a Audio, lang, conversationID string) (*ChatResponse, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename="recording.%s"`, a.Ext))
	h.Set("Content-Type", a.MIMEType)
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(a.Data); err != nil {
		return nil, err
	}
	writer.WriteField("input_lang", lang)
	writer.WriteField("conversation_id", conversationID)
	writer.Close()

	var out ChatResponse
	if err := c.call(ctx, call{
		method: http.MethodPost, path: "/voice-chat", lang: lang,
		body: body.Bytes(), contentType: writer.FormDataContentType(),
		audio: a.Duration,
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TTS returns WAV bytes for text in the given voice.
func (c *Client) TTS(ctx context.Context, text, speaker string) ([]byte, error) {
	body, err := json.Marshal(map[string]string{"text": text, "speaker": speaker})
	if err != nil {
		return nil, err
	}
	var out []byte
	if err := c.call(ctx, call{
		method: http.MethodPost, path: "/tts",
		body: body, contentType: "application/json",
	}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type Health struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	OpenAIConfigured bool   `json:"openai_configured"`
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.call(ctx, call{method: http.MethodGet, path: "/health"}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type Conversation struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := c.call(ctx, call{method: http.MethodGet, path: "/conversations"}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Message is one stored turn. Role is "user" or "assistant".
type Message struct {
	ID        string  `json:"id"`
	Role      string  `json:"role"`
	TextFR    string  `json:"text_fr"`
	TextBM    string  `json:"text_bm"`
	AudioURL  *string `json:"audio_url"`
	CreatedAt string  `json:"created_at"`
}

// ConversationDetail is a conversation with its messages, oldest first.
type ConversationDetail struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Messages []Message `json:"messages"`
}

var ErrNoConversation = errors.New("conversation id is empty")

func (c *Client) Conversation(ctx context.Context, id string) (*ConversationDetail, error) {
	if id == "" {
		return nil, ErrNoConversation
	}
	var out ConversationDetail
	if err := c.call(ctx, call{method: http.MethodGet, path: "/conversations/" + url.PathEscape(id)}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

var ErrInvalidRating = errors.New("rating must be -1 or 1")

type feedbackRequest struct {
	MessageID string  `json:"message_id"`
	Rating    int     `json:"rating"`
	Comment   *string `json:"comment,omitempty"`
}

// Feedback rates an assistant message: 1 up, -1 down.
func (c *Client) Feedback(ctx context.Context, messageID string, rating int, comment string) error {
	if rating != 1 && rating != -1 {
		return ErrInvalidRating
	}
	req := feedbackRequest{MessageID: messageID, Rating: rating}
	if comment != "" {
		req.Comment = &comment
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return c.call(ctx, call{
		method: http.MethodPost, path: "/feedback",
		body: body, contentType: "application/json",
	}, nil)
}

type call struct {
	method      string
	path        string
	body        []byte
	contentType string
	lang        string
	audio       time.Duration
}

// call performs one request. out may be nil, a *[]byte for the raw
// body, or a JSON target.
func (c *Client) call(ctx context.Context, cl call, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body io.Reader
	if cl.body != nil {
		body = bytes.NewReader(cl.body)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, c.base+cl.path, body)
	if err != nil {
		return err
	}
	if cl.contentType != "" {
		req.Header.Set("Content-Type", cl.contentType)
	}
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.apiKey != "":
		req.Header.Set("X-API-Key", c.apiKey)
	}
	reqID := uuid.NewString()
	req.Header.Set("X-Request-ID", reqID)

	resp, err := c.http.Do(req)
	if err != nil {
		log.Errorf("%s %s: %v", cl.method, cl.path, err)
		return fmt.Errorf("%w: %s %s: %v", ErrNetwork, cl.method, cl.path, err)
	}

	sub := log.Submission{
		Endpoint:  cl.path,
		Lang:      cl.lang,
		BlobKB:    float64(len(cl.body)) / 1024,
		AudioS:    cl.audio.Seconds(),
		Status:    resp.StatusCode,
		RequestID: reqID,
	}
	resp.Metrics.fill(&sub)
	log.SubmissionMetrics(sub)
	c.mu.Lock()
	observed := append([]func(log.Submission){}, c.observed...)
	c.mu.Unlock()
	for _, fn := range observed {
		fn(sub)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := responseError(resp, c.now())
		var busy *BusyError
		if errors.As(err, &busy) {
			log.ServerBusy(busy.RetryAfter)
			c.notifyBusy(busy.RetryAfter)
		}
		return err
	}

	switch out := out.(type) {
	case nil:
		return nil
	case *[]byte:
		*out = resp.Body
		return nil
	default:
		if err := json.Unmarshal(resp.Body, out); err != nil {
			log.Errorf("%s response parse error: %v", cl.path, err)
			return &ServerError{Status: resp.StatusCode, Detail: "malformed response"}
		}
		return nil
	}
}

func (c *Client) notifyBusy(d time.Duration) {
	c.mu.Lock()
	fns := append([]func(time.Duration){}, c.busy...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(d)
	}
}
