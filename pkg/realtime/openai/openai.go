// Package openai implements the realtime.Client interface for OpenAI's
// Realtime API.
//
// It maintains a bidirectional WebSocket connection to the Realtime
// endpoint and exchanges JSON events according to the Realtime API
// protocol. Audio travels as base64-encoded PCM16 chunks; classification
// outcomes arrive as log_disposal function calls, which are parsed and
// structurally validated here before being surfaced as decision events.
// On disconnect the client reconnects with exponential backoff and emits
// connection-state events so the consumer can reset its speaking state.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/binsentry/binsentry/pkg/realtime"
)

// Compile-time assertion that Client satisfies the realtime interface.
var _ realtime.Client = (*Client)(nil)

const (
	defaultModel   = "gpt-realtime-mini"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
	defaultVoice   = "verse"

	// toolName is the function the model must call with its verdict.
	toolName = "log_disposal"
)

// Default reconnection parameters, matching the capture deployment's tuning.
const (
	defaultBackoff     = 1 * time.Second
	defaultMaxBackoff  = 60 * time.Second
	defaultMaxAttempts = 10
)

// defaultInstructions is the session prompt used when the config does not
// override it. The deployment ships its own persona prompt; this fallback
// keeps the tool contract intact.
const defaultInstructions = "You inspect photos of items dropped into a " +
	"recycling bin for plastic bottles. For every image, decide whether the " +
	"item is an acceptable plastic bottle, then call " + toolName + " exactly " +
	"once before speaking. Set result to OK only for clean plastic bottles; " +
	"otherwise NG with a rejection_reason of wrong_item, has_cap, has_label " +
	"or dirty. Set has_change to false when the image shows no new item. " +
	"After logging, give the user one short spoken sentence."

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the Realtime model.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithVoice selects the synthesized speech voice.
func WithVoice(voice string) Option {
	return func(c *Client) { c.voice = voice }
}

// WithInstructions replaces the default session instructions.
func WithInstructions(instructions string) Option {
	return func(c *Client) { c.instructions = instructions }
}

// WithBackoff configures the reconnect policy: initial backoff, its upper
// bound, and the maximum number of consecutive attempts before giving up.
// Non-positive values keep the defaults.
func WithBackoff(initial, max time.Duration, maxAttempts int) Option {
	return func(c *Client) {
		if initial > 0 {
			c.backoff = initial
		}
		if max > 0 {
			c.maxBackoff = max
		}
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
	}
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client implements realtime.Client for OpenAI's Realtime API.
//
// Construct with [New], then call [Client.Run] in its own goroutine; Run
// owns connection lifecycle and the receive loop. Send methods fail with
// realtime.ErrNotConnected while the connection is down.
type Client struct {
	apiKey       string
	model        string
	baseURL      string
	voice        string
	instructions string

	backoff     time.Duration
	maxBackoff  time.Duration
	maxAttempts int

	events chan realtime.Event

	mu        sync.Mutex
	conn      *websocket.Conn
	connCtx   context.Context
	closed    bool
	txBuf     strings.Builder // accumulates response transcript deltas
	closeOnce sync.Once
}

// New creates a Client with the given API key and options. The connection is
// not established until Run is called.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:       apiKey,
		model:        defaultModel,
		baseURL:      defaultBaseURL,
		voice:        defaultVoice,
		instructions: defaultInstructions,
		backoff:      defaultBackoff,
		maxBackoff:   defaultMaxBackoff,
		maxAttempts:  defaultMaxAttempts,
		events:       make(chan realtime.Event, 64),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run connects to the upstream and pumps events until ctx is cancelled, the
// client is closed, or the reconnect budget is exhausted. It closes the
// event channel on return.
func (c *Client) Run(ctx context.Context) error {
	defer c.closeEvents()

	attempts := 0
	backoff := c.backoff

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.isClosed() {
			return nil
		}

		err := c.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.isClosed() {
			return nil
		}

		c.emit(ctx, realtime.Event{Type: realtime.EventDisconnected, Err: err})

		attempts++
		if attempts > c.maxAttempts {
			slog.Error("realtime: giving up after max reconnect attempts",
				"attempts", c.maxAttempts,
				"err", err,
			)
			return fmt.Errorf("realtime: reconnect budget exhausted: %w", err)
		}

		slog.Warn("realtime: connection lost, reconnecting",
			"attempt", attempts,
			"max_attempts", c.maxAttempts,
			"backoff", backoff,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

// runConnection dials, configures the session, and reads events until the
// connection fails. A successful stretch of traffic resets the caller's
// backoff only implicitly via EventConnected; the attempt counter is the
// caller's concern.
func (c *Client) runConnection(ctx context.Context) error {
	wsURL := fmt.Sprintf("%s?model=%s", c.baseURL, c.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connCtx = ctx
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "session closed")
	}()

	if err := c.configureSession(); err != nil {
		return fmt.Errorf("session update: %w", err)
	}

	slog.Info("realtime: connected", "model", c.model)
	c.emit(ctx, realtime.Event{Type: realtime.EventConnected})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("realtime: skipping unparseable frame", "err", err)
			continue
		}
		c.handleServerEvent(ctx, &evt)
	}
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string      `json:"modalities"`
	Voice             string        `json:"voice,omitempty"`
	Instructions      string        `json:"instructions,omitempty"`
	InputAudioFormat  string        `json:"input_audio_format"`
	OutputAudioFormat string        `json:"output_audio_format"`
	TurnDetection     turnDetection `json:"turn_detection"`
	Tools             []oaiTool     `json:"tools,omitempty"`
	ToolChoice        string        `json:"tool_choice,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type responseCreateMessage struct {
	Type     string          `json:"type"`
	Response *responseParams `json:"response,omitempty"`
}

type responseParams struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail is the nested error object in a Realtime error event.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// response.audio_transcript.done
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// decisionArgs is the wire shape of log_disposal arguments.
type decisionArgs struct {
	Items           string  `json:"items"`
	Result          string  `json:"result"`
	RejectionReason *string `json:"rejection_reason"`
	HasChange       *bool   `json:"has_change"`
	Message         string  `json:"message"`
}

// ── Session bootstrap ──────────────────────────────────────────────────────────

// configureSession sends the session.update event declaring modalities,
// audio formats, server VAD, and the log_disposal tool.
func (c *Client) configureSession() error {
	return c.writeJSON(sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Modalities:        []string{"text", "audio"},
			Voice:             c.voice,
			Instructions:      c.instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection: turnDetection{
				Type:              "server_vad",
				Threshold:         0.9,
				PrefixPaddingMs:   300,
				SilenceDurationMs: 1000,
			},
			Tools: []oaiTool{
				{
					Type:        "function",
					Name:        toolName,
					Description: "Record the verdict for one disposal. Must be called before speaking.",
					Parameters: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"items": map[string]any{
								"type":        "string",
								"description": "Detected item category.",
							},
							"result": map[string]any{
								"type":        "string",
								"description": "OK to accept, NG to reject.",
							},
							"rejection_reason": map[string]any{
								"type":        "string",
								"description": "Reason when NG: wrong_item, has_cap, has_label or dirty.",
							},
							"has_change": map[string]any{
								"type":        "boolean",
								"description": "True when the image shows a new item compared to the previous one.",
							},
							"message": map[string]any{
								"type":        "string",
								"description": "Spoken feedback for the user.",
							},
						},
						"required": []string{"items", "result", "has_change", "message"},
					},
				},
			},
			ToolChoice: "auto",
		},
	})
}

// ── Event handling ─────────────────────────────────────────────────────────────

func (c *Client) handleServerEvent(ctx context.Context, evt *serverEvent) {
	switch evt.Type {
	case "response.created":
		c.emit(ctx, realtime.Event{Type: realtime.EventResponseStarted})

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audio, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audio) == 0 {
			return
		}
		c.emit(ctx, realtime.Event{Type: realtime.EventAudioDelta, Audio: audio})

	case "response.audio_transcript.delta":
		c.mu.Lock()
		c.txBuf.WriteString(evt.Delta)
		c.mu.Unlock()

	case "response.audio_transcript.done":
		c.mu.Lock()
		text := evt.Transcript
		if text == "" {
			text = c.txBuf.String()
		}
		c.txBuf.Reset()
		c.mu.Unlock()
		if text != "" {
			c.emit(ctx, realtime.Event{Type: realtime.EventTranscript, Transcript: text})
		}

	case "response.done", "response.completed", "response.audio.done":
		c.emit(ctx, realtime.Event{Type: realtime.EventResponseDone})

	case "response.function_call_arguments.done":
		dec, err := parseDecision(evt)
		if err != nil {
			slog.Warn("realtime: dropping malformed function call",
				"name", evt.Name,
				"call_id", evt.CallID,
				"err", err,
			)
			return
		}
		c.emit(ctx, realtime.Event{Type: realtime.EventDecision, Decision: dec})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		slog.Warn("realtime: upstream error event", "message", msg)
	}
}

// parseDecision validates a function-call event and extracts the decision.
// Anything structurally wrong is rejected here so the hub only ever sees
// well-formed decisions.
func parseDecision(evt *serverEvent) (*realtime.Decision, error) {
	if evt.Name != toolName {
		return nil, fmt.Errorf("unexpected tool %q", evt.Name)
	}
	if evt.CallID == "" {
		return nil, fmt.Errorf("missing call_id")
	}

	// The Realtime API occasionally appends stray semicolons to the
	// arguments blob.
	raw := strings.TrimSpace(evt.Arguments)
	raw = strings.TrimSuffix(raw, ";")
	raw = strings.ReplaceAll(raw, ";}", "}")

	var args decisionArgs
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if args.Result != "OK" && args.Result != "NG" {
		return nil, fmt.Errorf("result %q is not OK/NG", args.Result)
	}
	if args.HasChange == nil {
		return nil, fmt.Errorf("missing has_change")
	}

	dec := &realtime.Decision{
		CallID:       evt.CallID,
		SubjectLabel: args.Items,
		Accepted:     args.Result == "OK",
		HasChange:    *args.HasChange,
		Feedback:     args.Message,
		Raw:          json.RawMessage(raw),
	}
	if args.RejectionReason != nil {
		dec.RejectionReason = *args.RejectionReason
	}
	return dec, nil
}

// ── Client interface methods ───────────────────────────────────────────────────

// SendAudio implements [realtime.Client].
func (c *Client) SendAudio(chunk []byte) error {
	return c.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// SendImage implements [realtime.Client]. The frame is submitted as a data
// URL conversation item together with the judgement instruction, followed by
// a response.create to trigger the decision turn.
func (c *Client) SendImage(data []byte, meta realtime.ImageMeta) error {
	contentType := meta.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}
	dataURL := "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)

	item := createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []conversationPart{
				{Type: "input_image", ImageURL: dataURL},
				{Type: "input_text", Text: "Judge this image and call " + toolName + " with the verdict."},
			},
		},
	}
	if err := c.writeJSON(item); err != nil {
		return err
	}
	return c.writeJSON(responseCreateMessage{Type: "response.create"})
}

// AckDecision implements [realtime.Client]. It returns the function-call
// output to the upstream; when speak is true it also requests the spoken
// feedback turn.
func (c *Client) AckDecision(callID string, speak bool) error {
	out := createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: "Successfully logged.",
		},
	}
	if err := c.writeJSON(out); err != nil {
		return err
	}
	if !speak {
		return nil
	}
	return c.writeJSON(responseCreateMessage{
		Type: "response.create",
		Response: &responseParams{
			Modalities:   []string{"audio", "text"},
			Instructions: "Deliver the verdict you just logged to the user in one short, emphatic sentence.",
		},
	})
}

// Events implements [realtime.Client].
func (c *Client) Events() <-chan realtime.Event { return c.events }

// Connected implements [realtime.Client].
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close implements [realtime.Client]. It ends the current connection and
// stops the reconnect loop. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	return nil
}

// ── Internals ──────────────────────────────────────────────────────────────────

// writeJSON marshals v and writes it as a text frame on the current
// connection.
func (c *Client) writeJSON(v any) error {
	c.mu.Lock()
	conn := c.conn
	ctx := c.connCtx
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return realtime.ErrClosed
	}
	if conn == nil {
		return realtime.ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

// emit delivers evt to the consumer, giving up when ctx is cancelled.
func (c *Client) emit(ctx context.Context, evt realtime.Event) {
	select {
	case c.events <- evt:
	case <-ctx.Done():
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) closeEvents() {
	c.closeOnce.Do(func() {
		close(c.events)
	})
}
