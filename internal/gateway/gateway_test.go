package gateway

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
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/binsentry/binsentry/internal/detect"
	"github.com/binsentry/binsentry/internal/health"
	"github.com/binsentry/binsentry/internal/hub"
	"github.com/binsentry/binsentry/internal/observe"
	"github.com/binsentry/binsentry/internal/sink"
	rtmock "github.com/binsentry/binsentry/pkg/realtime/mock"
)

const testToken = "secret-token"

// testServer is a full gateway with a mock upstream behind it.
type testServer struct {
	url      string
	upstream *rtmock.Client
	store    *sink.Memory
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()

	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	up := rtmock.New()
	store := sink.NewMemory(0)
	h := hub.New(hub.Config{SubjectID: "bin-test"}, up, detect.New(0), nil, store, metrics)

	if cfg.Token == "" {
		cfg.Token = testToken
	}
	gw := New(cfg, h, store, metrics, health.NewHandler())

	srv := httptest.NewServer(gw.Router())
	t.Cleanup(srv.Close)

	return &testServer{
		url:      srv.URL,
		upstream: up,
		store:    store,
	}
}

func (ts *testServer) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(ts.url, "http") + "/ws?" + query
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	return c
}

// expectClose reads until the server closes the connection and returns the
// close status.
func expectClose(t *testing.T, c *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, _, err := c.Read(ctx)
		if err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRejectsBadToken(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{})

	c := dial(t, ts.wsURL("token=wrong&role=secondary-audio"))
	defer c.Close(websocket.StatusNormalClosure, "")

	if got := expectClose(t, c); got != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want policy violation", got)
	}
}

func TestRejectsMissingToken(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{})

	c := dial(t, ts.wsURL("role=secondary-audio"))
	defer c.Close(websocket.StatusNormalClosure, "")

	if got := expectClose(t, c); got != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want policy violation", got)
	}
}

func TestRejectsUnknownRole(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{})

	c := dial(t, ts.wsURL("token="+testToken+"&role=janitor"))
	defer c.Close(websocket.StatusNormalClosure, "")

	if got := expectClose(t, c); got != websocket.StatusUnsupportedData {
		t.Errorf("close status = %v, want unsupported data", got)
	}
}

func TestAudioRelayedUpstream(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{})

	c := dial(t, ts.wsURL("token="+testToken+"&role=secondary-audio"))
	defer c.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, func() bool { return len(ts.upstream.AudioCalls()) == 1 })
	if got := ts.upstream.AudioCalls()[0]; len(got) != 4 {
		t.Errorf("relayed chunk = %v", got)
	}
}

func TestImageUploadRelayedUpstream(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{})

	c := dial(t, ts.wsURL("token="+testToken+"&role=primary-capture"))
	defer c.Close(websocket.StatusNormalClosure, "")

	payload, err := json.Marshal(map[string]string{
		"type":         "image-upload",
		"content_type": "image/jpeg",
		"data":         base64.StdEncoding.EncodeToString([]byte("jpeg-bytes")),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The frame is not decodable as an image, so the detector forwards it
	// unconditionally.
	waitFor(t, func() bool { return len(ts.upstream.ImageCalls()) == 1 })
	call := ts.upstream.ImageCalls()[0]
	if string(call.Data) != "jpeg-bytes" || call.Meta.ContentType != "image/jpeg" {
		t.Errorf("relayed frame = %+v", call)
	}
}

func TestOversizePayloadClosesConnection(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{MaxPayload: 16})

	c := dial(t, ts.wsURL("token="+testToken+"&role=secondary-audio"))
	defer c.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageBinary, make([]byte, 64)); err != nil {
		t.Fatalf("write: %v", err)
	}

	if got := expectClose(t, c); got != websocket.StatusMessageTooBig {
		t.Errorf("close status = %v, want message too big", got)
	}
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{})

	if err := ts.store.Put(context.Background(), sink.Record{
		SubjectID: "bin-test",
		CallID:    "c1",
		Accepted:  true,
		HasChange: true,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	resp, err := http.Get(ts.url + "/api/stats")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var stats sink.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Total != 1 || stats.Accepted != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{})

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(ts.url + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
	}
}

func TestTokenFingerprint(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in, want string
	}{
		{"", ""},
		{"ab", "ab"},
		{"abcdefgh", "abcd..."},
	}
	for _, tc := range cases {
		if got := tokenFingerprint(tc.in); got != tc.want {
			t.Errorf("tokenFingerprint(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
