package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/binsentry/binsentry/pkg/realtime"
)

// fakeUpstream is a local WebSocket server standing in for the Realtime API.
type fakeUpstream struct {
	srv *httptest.Server

	// conns delivers each accepted server-side connection to the test.
	conns chan *websocket.Conn

	// received delivers every JSON message the client sends.
	received chan map[string]any

	// sawAuth records the Authorization header of the last upgrade.
	sawAuth chan string
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{
		conns:    make(chan *websocket.Conn, 4),
		received: make(chan map[string]any, 64),
		sawAuth:  make(chan string, 4),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.sawAuth <- r.Header.Get("Authorization")
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- c

		// Pump inbound client messages until the connection drops. Keeping
		// the handler alive keeps the hijacked connection alive.
		for {
			_, data, err := c.Read(r.Context())
			if err != nil {
				return
			}
			var msg map[string]any
			if json.Unmarshal(data, &msg) == nil {
				f.received <- msg
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

// send pushes one raw JSON event from the server to the client.
func (f *fakeUpstream) send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

// nextMessage waits for the next client message of the given type, skipping
// others.
func (f *fakeUpstream) nextMessage(t *testing.T, msgType string) map[string]any {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-f.received:
			if msg["type"] == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %q message before deadline", msgType)
		}
	}
}

// startClient runs a client against the fake upstream and waits for the
// connected event. Returns the client, its event stream, and the server-side
// connection.
func startClient(t *testing.T, opts ...Option) (*Client, <-chan realtime.Event, *fakeUpstream, *websocket.Conn) {
	t.Helper()
	f := newFakeUpstream(t)

	opts = append([]Option{WithBaseURL(f.wsURL()), WithBackoff(10*time.Millisecond, 50*time.Millisecond, 2)}, opts...)
	c := New("test-key", opts...)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = c.Run(ctx) }()
	t.Cleanup(func() { c.Close() })

	var serverConn *websocket.Conn
	select {
	case serverConn = <-f.conns:
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
	}

	events := c.Events()
	expectEvent(t, events, realtime.EventConnected)
	return c, events, f, serverConn
}

func expectEvent(t *testing.T, events <-chan realtime.Event, want realtime.EventType) realtime.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatalf("event channel closed while waiting for %s", want)
		}
		if ev.Type != want {
			t.Fatalf("got event %s, want %s", ev.Type, want)
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("no %s event before deadline", want)
		return realtime.Event{}
	}
}

func TestSessionConfiguredOnConnect(t *testing.T) {
	t.Parallel()
	_, _, f, _ := startClient(t, WithVoice("ash"))

	if auth := <-f.sawAuth; auth != "Bearer test-key" {
		t.Errorf("authorization header = %q", auth)
	}

	msg := f.nextMessage(t, "session.update")
	session, _ := msg["session"].(map[string]any)
	if session == nil {
		t.Fatal("session.update has no session object")
	}
	if session["voice"] != "ash" {
		t.Errorf("voice = %v", session["voice"])
	}
	if session["input_audio_format"] != "pcm16" || session["output_audio_format"] != "pcm16" {
		t.Errorf("audio formats = %v / %v", session["input_audio_format"], session["output_audio_format"])
	}

	td, _ := session["turn_detection"].(map[string]any)
	if td == nil || td["type"] != "server_vad" || td["threshold"] != 0.9 {
		t.Errorf("turn_detection = %v", td)
	}

	tools, _ := session["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("tools = %v", tools)
	}
	tool, _ := tools[0].(map[string]any)
	if tool["name"] != "log_disposal" {
		t.Errorf("tool name = %v", tool["name"])
	}
}

func TestSendAudio(t *testing.T) {
	t.Parallel()
	c, _, f, _ := startClient(t)

	chunk := []byte{0x01, 0x02, 0x03}
	if err := c.SendAudio(chunk); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	msg := f.nextMessage(t, "input_audio_buffer.append")
	want := base64.StdEncoding.EncodeToString(chunk)
	if msg["audio"] != want {
		t.Errorf("audio = %v, want %v", msg["audio"], want)
	}
}

func TestSendImage(t *testing.T) {
	t.Parallel()
	c, _, f, _ := startClient(t)

	err := c.SendImage([]byte("frame"), realtime.ImageMeta{ContentType: "image/png"})
	if err != nil {
		t.Fatalf("SendImage: %v", err)
	}

	item := f.nextMessage(t, "conversation.item.create")
	inner, _ := item["item"].(map[string]any)
	if inner == nil || inner["type"] != "message" || inner["role"] != "user" {
		t.Fatalf("item = %v", inner)
	}
	content, _ := inner["content"].([]any)
	if len(content) != 2 {
		t.Fatalf("content = %v", content)
	}
	img, _ := content[0].(map[string]any)
	url, _ := img["image_url"].(string)
	if !strings.HasPrefix(url, "data:image/png;base64,") {
		t.Errorf("image_url = %q", url)
	}

	// The decision turn is requested right after the item.
	f.nextMessage(t, "response.create")
}

func TestAckDecision(t *testing.T) {
	t.Parallel()
	c, _, f, _ := startClient(t)

	if err := c.AckDecision("call-7", true); err != nil {
		t.Fatalf("AckDecision: %v", err)
	}

	item := f.nextMessage(t, "conversation.item.create")
	inner, _ := item["item"].(map[string]any)
	if inner["type"] != "function_call_output" || inner["call_id"] != "call-7" {
		t.Errorf("item = %v", inner)
	}
	resp := f.nextMessage(t, "response.create")
	if resp["response"] == nil {
		t.Error("speak ack did not carry response params")
	}
}

func TestAckDecisionSilent(t *testing.T) {
	t.Parallel()
	c, _, f, _ := startClient(t)

	if err := c.AckDecision("call-8", false); err != nil {
		t.Fatalf("AckDecision: %v", err)
	}
	f.nextMessage(t, "conversation.item.create")

	// No speech turn may follow a silent ack.
	select {
	case msg := <-f.received:
		if msg["type"] == "response.create" {
			t.Error("silent ack requested a speech turn")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestResponseLifecycleEvents(t *testing.T) {
	t.Parallel()
	_, events, f, conn := startClient(t)

	f.send(t, conn, map[string]any{"type": "response.created"})
	expectEvent(t, events, realtime.EventResponseStarted)

	audio := base64.StdEncoding.EncodeToString([]byte{9, 8, 7})
	f.send(t, conn, map[string]any{"type": "response.audio.delta", "delta": audio})
	ev := expectEvent(t, events, realtime.EventAudioDelta)
	if len(ev.Audio) != 3 {
		t.Errorf("audio = %v", ev.Audio)
	}

	f.send(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "All "})
	f.send(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "good!"})
	f.send(t, conn, map[string]any{"type": "response.audio_transcript.done"})
	ev = expectEvent(t, events, realtime.EventTranscript)
	if ev.Transcript != "All good!" {
		t.Errorf("transcript = %q", ev.Transcript)
	}

	f.send(t, conn, map[string]any{"type": "response.done"})
	expectEvent(t, events, realtime.EventResponseDone)
}

func TestDecisionEvent(t *testing.T) {
	t.Parallel()
	_, events, f, conn := startClient(t)

	args := `{"items":"plastic_bottle","result":"NG","rejection_reason":"has_cap","has_change":true,"message":"Cap on."}`
	f.send(t, conn, map[string]any{
		"type":      "response.function_call_arguments.done",
		"name":      "log_disposal",
		"call_id":   "call-1",
		"arguments": args,
	})

	ev := expectEvent(t, events, realtime.EventDecision)
	d := ev.Decision
	if d == nil {
		t.Fatal("nil decision")
	}
	if d.CallID != "call-1" || d.SubjectLabel != "plastic_bottle" {
		t.Errorf("decision = %+v", d)
	}
	if d.Accepted || d.RejectionReason != "has_cap" || !d.HasChange || d.Feedback != "Cap on." {
		t.Errorf("decision = %+v", d)
	}
	if len(d.Raw) == 0 {
		t.Error("raw payload not retained")
	}
}

func TestMalformedDecisionsDropped(t *testing.T) {
	t.Parallel()
	_, events, f, conn := startClient(t)

	bad := []map[string]any{
		// Wrong tool.
		{"type": "response.function_call_arguments.done", "name": "other_tool", "call_id": "c1",
			"arguments": `{"items":"x","result":"OK","has_change":true,"message":"m"}`},
		// Missing call_id.
		{"type": "response.function_call_arguments.done", "name": "log_disposal",
			"arguments": `{"items":"x","result":"OK","has_change":true,"message":"m"}`},
		// Bad result enum.
		{"type": "response.function_call_arguments.done", "name": "log_disposal", "call_id": "c2",
			"arguments": `{"items":"x","result":"MAYBE","has_change":true,"message":"m"}`},
		// Missing has_change.
		{"type": "response.function_call_arguments.done", "name": "log_disposal", "call_id": "c3",
			"arguments": `{"items":"x","result":"OK","message":"m"}`},
		// Unparseable arguments.
		{"type": "response.function_call_arguments.done", "name": "log_disposal", "call_id": "c4",
			"arguments": `{{{`},
	}
	for _, msg := range bad {
		f.send(t, conn, msg)
	}

	// A valid decision after the garbage proves the loop survived it all.
	f.send(t, conn, map[string]any{
		"type":      "response.function_call_arguments.done",
		"name":      "log_disposal",
		"call_id":   "call-ok",
		"arguments": `{"items":"plastic_bottle","result":"OK","has_change":true,"message":"Nice."}`,
	})

	ev := expectEvent(t, events, realtime.EventDecision)
	if ev.Decision.CallID != "call-ok" {
		t.Errorf("got decision %+v, want call-ok (malformed ones must be dropped)", ev.Decision)
	}
}

func TestParseDecisionSemicolonQuirk(t *testing.T) {
	t.Parallel()

	evt := &serverEvent{
		Type:      "response.function_call_arguments.done",
		Name:      "log_disposal",
		CallID:    "call-q",
		Arguments: `{"items":"plastic_bottle","result":"OK","has_change":false,"message":"ok";}` + ";",
	}
	dec, err := parseDecision(evt)
	if err != nil {
		t.Fatalf("parseDecision: %v", err)
	}
	if !dec.Accepted || dec.HasChange {
		t.Errorf("decision = %+v", dec)
	}
}

func TestDisconnectAndReconnect(t *testing.T) {
	t.Parallel()
	_, events, f, conn := startClient(t)

	conn.Close(websocket.StatusInternalError, "upstream hiccup")
	expectEvent(t, events, realtime.EventDisconnected)

	// The client must dial again and reconfigure the session.
	select {
	case <-f.conns:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not reconnect")
	}
	expectEvent(t, events, realtime.EventConnected)
	f.nextMessage(t, "session.update")
}

func TestSendWhileDisconnected(t *testing.T) {
	t.Parallel()
	c := New("test-key")

	if err := c.SendAudio([]byte{1}); err != realtime.ErrNotConnected {
		t.Errorf("SendAudio = %v, want ErrNotConnected", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.SendAudio([]byte{1}); err != realtime.ErrClosed {
		t.Errorf("SendAudio after Close = %v, want ErrClosed", err)
	}
}
