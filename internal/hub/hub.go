// Package hub is the session core: it owns the half-duplex conversation
// state machine, relays audio and frames between downstream clients and the
// upstream realtime session, and fans each validated decision out exactly
// once to the sink, the actuator, and the connected clients.
//
// Concurrency model: one dispatch goroutine (Run) consumes the upstream
// event stream; downstream handlers (HandleAudio, HandleFrame,
// HandleControl) are called from per-connection reader goroutines. Shared
// state is guarded by one mutex, and no network I/O happens while it is
// held.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/binsentry/binsentry/internal/actuator"
	"github.com/binsentry/binsentry/internal/detect"
	"github.com/binsentry/binsentry/internal/observe"
	"github.com/binsentry/binsentry/internal/sink"
	"github.com/binsentry/binsentry/pkg/realtime"
)

// metricRole builds the standard role attribute option for client gauges.
func metricRole(r Role) metric.AddOption {
	return metric.WithAttributes(attribute.String("role", string(r)))
}

// state is the half-duplex conversation state.
type state int

const (
	// stateIdle accepts downstream microphone audio.
	stateIdle state = iota

	// stateResponding means the upstream is speaking; downstream audio is
	// dropped so the assistant does not hear itself.
	stateResponding
)

func (s state) String() string {
	if s == stateResponding {
		return "responding"
	}
	return "idle"
}

// Config holds hub construction parameters.
type Config struct {
	// SubjectID partitions sink records, typically the deployment's bin id.
	SubjectID string

	// AudioOutputRole is the audio endpoint: the role whose microphone
	// audio is relayed upstream and that receives synthesized speech.
	// Default: RoleSecondaryAudio.
	AudioOutputRole Role

	// WatchdogTimeout bounds a single upstream speech turn. If no
	// response-done arrives within it, the hub force-returns to idle.
	// Default: 30s.
	WatchdogTimeout time.Duration

	// DedupCapacity bounds the recent call-id set. Default: 100.
	DedupCapacity int

	// DedupTTL expires call ids from the set. Zero means no expiry.
	DedupTTL time.Duration
}

// defaults applied by New.
const (
	defaultWatchdogTimeout = 30 * time.Second
	defaultDedupCapacity   = 100
)

// ClientConn is the hub's view of a downstream connection. The gateway
// implements it with a buffered writer goroutine, so both methods are
// non-blocking from the hub's perspective.
type ClientConn interface {
	// SendBinary queues one binary frame (synthesized audio).
	SendBinary(data []byte) error

	// SendJSON queues one JSON message.
	SendJSON(v any) error

	// Close tears the connection down.
	Close() error
}

// Message is the JSON envelope pushed to downstream clients.
type Message struct {
	Type string `json:"type"`

	// Decision fields, set for type "decision".
	CallID          string `json:"call_id,omitempty"`
	SubjectLabel    string `json:"item,omitempty"`
	Accepted        *bool  `json:"accepted,omitempty"`
	RejectionReason string `json:"rejection_reason,omitempty"`
	Feedback        string `json:"message,omitempty"`

	// Transcript text, set for type "transcript".
	Transcript string `json:"transcript,omitempty"`

	// Status fields, set for type "status".
	State            string `json:"state,omitempty"`
	UpstreamOnline   *bool  `json:"upstream_online,omitempty"`
	DetectionActive  *bool  `json:"detection_active,omitempty"`
	ConnectedClients int    `json:"connected_clients,omitempty"`
}

// client is one registered downstream connection.
type client struct {
	id   string
	role Role
	conn ClientConn
}

// Hub wires the upstream session to downstream clients, the change
// detector, the actuator, and the sink.
type Hub struct {
	cfg      Config
	upstream realtime.Client
	detector *detect.Detector
	driver   *actuator.Driver
	store    sink.Sink
	metrics  *observe.Metrics

	mu        sync.Mutex
	state     state
	detecting bool
	online    bool
	clients   map[string]*client
	frameSeq  uint64
	watchdog  *time.Timer

	dedup *callSet
}

// New creates a Hub. driver may be nil when no actuator hardware is
// configured; store must not be nil.
func New(cfg Config, upstream realtime.Client, detector *detect.Detector, driver *actuator.Driver, store sink.Sink, metrics *observe.Metrics) *Hub {
	if cfg.AudioOutputRole == "" {
		cfg.AudioOutputRole = RoleSecondaryAudio
	}
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = defaultWatchdogTimeout
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = defaultDedupCapacity
	}
	return &Hub{
		cfg:       cfg,
		upstream:  upstream,
		detector:  detector,
		driver:    driver,
		store:     store,
		metrics:   metrics,
		detecting: true,
		clients:   make(map[string]*client),
		dedup:     newCallSet(cfg.DedupCapacity, cfg.DedupTTL),
	}
}

// Register adds a downstream connection. The capture and audio roles are
// single-occupancy: a new connection replaces a stale handle for the same
// role, and the replaced connection is closed. Observers may connect in any
// number.
func (h *Hub) Register(ctx context.Context, id string, role Role, conn ClientConn) {
	var replaced ClientConn

	h.mu.Lock()
	if role != RoleObserver {
		for cid, c := range h.clients {
			if c.role == role {
				replaced = c.conn
				delete(h.clients, cid)
				break
			}
		}
	}
	h.clients[id] = &client{id: id, role: role, conn: conn}
	h.mu.Unlock()

	if replaced != nil {
		slog.Warn("hub: replacing stale client", "role", role)
		_ = replaced.Close()
		// The stale client never gets its own Unregister, so its gauge
		// contribution comes off here.
		h.metrics.ActiveClients.Add(ctx, -1, metricRole(role))
	}

	h.metrics.ActiveClients.Add(ctx, 1, metricRole(role))
	slog.Info("hub: client registered", "id", id, "role", role)
	h.broadcastStatus()
}

// Unregister removes a downstream connection. When the frame source leaves,
// the change detector resets so the next session starts from a fresh
// reference frame.
func (h *Hub) Unregister(ctx context.Context, id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	if c.role == RolePrimaryCapture {
		h.detector.Reset()
	}
	h.metrics.ActiveClients.Add(ctx, -1, metricRole(c.role))
	slog.Info("hub: client unregistered", "id", id, "role", c.role)
	h.broadcastStatus()
}

// HandleAudio forwards one downstream microphone chunk upstream, unless the
// upstream is currently speaking (half-duplex gate) or the stream is down.
// Only the configured audio endpoint role is relayed. Dropped chunks are
// counted, not errors: audio is continuous and the next chunk supersedes
// this one.
func (h *Hub) HandleAudio(ctx context.Context, from Role, chunk []byte) {
	if from != h.cfg.AudioOutputRole {
		return
	}

	h.mu.Lock()
	responding := h.state == stateResponding
	h.mu.Unlock()

	if responding {
		h.metrics.RecordAudioDropped(ctx, "half_duplex")
		return
	}

	if err := h.upstream.SendAudio(chunk); err != nil {
		h.metrics.RecordAudioDropped(ctx, "no_upstream")
	}
}

// HandleFrame runs one uploaded camera frame through the change detector
// and, when it differs enough from the reference, submits it upstream for
// classification.
func (h *Hub) HandleFrame(ctx context.Context, from Role, data []byte, contentType string) error {
	if !from.CanSendFrames() {
		return fmt.Errorf("hub: role %s may not upload frames", from)
	}

	h.mu.Lock()
	h.frameSeq++
	seq := h.frameSeq
	detecting := h.detecting
	h.mu.Unlock()

	if !detecting {
		return nil
	}

	send, err := h.detector.ShouldSend(data)
	if err != nil {
		// Undecodable frames are forwarded anyway; the upstream model may
		// still read them, and the detector keeps its old reference.
		slog.Warn("hub: frame not decodable, forwarding unconditionally", "err", err)
	}
	h.metrics.RecordFrameGated(ctx, send)
	if !send {
		return nil
	}

	meta := realtime.ImageMeta{
		ContentType: contentType,
		Seq:         seq,
		CapturedAt:  time.Now(),
	}
	if err := h.upstream.SendImage(data, meta); err != nil {
		return fmt.Errorf("hub: forward frame: %w", err)
	}
	return nil
}

// Control message types accepted by HandleControl.
const (
	ControlBeginDetection = "begin-detection"
	ControlEndDetection   = "end-detection"
)

// HandleControl processes a downstream control message. Only the capture
// role may pause and resume detection.
func (h *Hub) HandleControl(ctx context.Context, from Role, msgType string) error {
	switch msgType {
	case ControlBeginDetection, ControlEndDetection:
		if from != RolePrimaryCapture {
			return fmt.Errorf("hub: role %s may not control detection", from)
		}
		active := msgType == ControlBeginDetection

		h.mu.Lock()
		h.detecting = active
		h.mu.Unlock()

		if active {
			h.detector.Reset()
		}
		slog.Info("hub: detection toggled", "active", active)
		h.broadcastStatus()
		return nil
	}
	return fmt.Errorf("hub: unknown control message %q", msgType)
}

// Run is the dispatch loop. It consumes the upstream event stream until the
// channel closes or ctx is cancelled. Call it from exactly one goroutine.
func (h *Hub) Run(ctx context.Context) error {
	events := h.upstream.Events()
	first := true

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case realtime.EventConnected:
				h.setOnline(true)
				if !first {
					h.metrics.UpstreamReconnects.Add(ctx, 1)
				}
				first = false
				h.broadcastStatus()

			case realtime.EventDisconnected:
				// Any in-flight response is gone with the stream.
				h.setOnline(false)
				h.forceIdle("disconnect")
				h.broadcastStatus()

			case realtime.EventResponseStarted:
				h.enterResponding(ctx)

			case realtime.EventAudioDelta:
				h.fanoutAudio(ev.Audio)

			case realtime.EventResponseDone:
				h.enterIdle()

			case realtime.EventDecision:
				h.dispatchDecision(ctx, ev.Decision)

			case realtime.EventTranscript:
				h.fanoutJSON(func(r Role) bool { return r == RoleObserver },
					Message{Type: "transcript", Transcript: ev.Transcript})
			}
		}
	}
}

// dispatchDecision performs the exactly-once fan-out for one upstream
// decision: dedup, record, actuate, notify, acknowledge.
func (h *Hub) dispatchDecision(ctx context.Context, d *realtime.Decision) {
	if d == nil {
		return
	}
	start := time.Now()
	log := slog.With("call_id", d.CallID, "item", d.SubjectLabel)

	if h.dedup.Seen(d.CallID) {
		h.metrics.DuplicateDecisions.Add(ctx, 1)
		log.Warn("hub: duplicate decision dropped")
		return
	}

	silent := !d.HasChange
	rec := sink.Record{
		SubjectID:       h.cfg.SubjectID,
		Timestamp:       time.Now().UTC(),
		CallID:          d.CallID,
		SubjectLabel:    d.SubjectLabel,
		Accepted:        d.Accepted,
		RejectionReason: d.RejectionReason,
		HasChange:       d.HasChange,
		Silent:          silent,
		Feedback:        d.Feedback,
		RawPayload:      d.Raw,
	}
	if err := h.store.Put(ctx, rec); err != nil {
		h.metrics.SinkErrors.Add(ctx, 1)
		log.Error("hub: sink write failed", "err", err)
	}

	if silent {
		log.Info("hub: no-change decision recorded silently")
	} else {
		if h.driver != nil {
			pos := actuator.Reject
			if d.Accepted {
				pos = actuator.Accept
			}
			if err := h.driver.MoveTo(pos); err != nil {
				h.metrics.ActuatorErrors.Add(ctx, 1)
				log.Error("hub: actuation failed", "position", pos, "err", err)
			}
		}

		accepted := d.Accepted
		h.fanoutJSON(func(r Role) bool {
			return r == h.cfg.AudioOutputRole || r == RolePrimaryCapture || r == RoleObserver
		}, Message{
			Type:            "decision",
			CallID:          d.CallID,
			SubjectLabel:    d.SubjectLabel,
			Accepted:        &accepted,
			RejectionReason: d.RejectionReason,
			Feedback:        d.Feedback,
		})
		log.Info("hub: decision dispatched",
			"accepted", d.Accepted,
			"rejection_reason", d.RejectionReason,
		)
	}

	// The upstream waits for the tool result before it will speak; ack even
	// silent decisions, just without requesting a speech turn.
	if err := h.upstream.AckDecision(d.CallID, !silent); err != nil {
		log.Error("hub: decision ack failed", "err", err)
	}

	h.metrics.RecordDecision(ctx, d.Accepted, silent)
	h.metrics.DecisionDuration.Record(ctx, time.Since(start).Seconds())
}

// enterResponding flips to the responding state and arms the watchdog.
func (h *Hub) enterResponding(ctx context.Context) {
	h.mu.Lock()
	h.state = stateResponding
	h.stopWatchdogLocked()
	h.watchdog = time.AfterFunc(h.cfg.WatchdogTimeout, func() {
		h.metrics.WatchdogRecoveries.Add(ctx, 1)
		h.forceIdle("watchdog")
		h.broadcastStatus()
	})
	h.mu.Unlock()
	h.broadcastStatus()
}

// enterIdle ends the speech turn normally.
func (h *Hub) enterIdle() {
	h.mu.Lock()
	h.state = stateIdle
	h.stopWatchdogLocked()
	h.mu.Unlock()
	h.broadcastStatus()
}

// forceIdle unconditionally returns to idle, logging the cause.
func (h *Hub) forceIdle(cause string) {
	h.mu.Lock()
	was := h.state
	h.state = stateIdle
	h.stopWatchdogLocked()
	h.mu.Unlock()

	if was == stateResponding {
		slog.Warn("hub: speech turn force-ended", "cause", cause)
	}
}

// stopWatchdogLocked cancels the armed watchdog. Caller holds h.mu.
func (h *Hub) stopWatchdogLocked() {
	if h.watchdog != nil {
		h.watchdog.Stop()
		h.watchdog = nil
	}
}

func (h *Hub) setOnline(v bool) {
	h.mu.Lock()
	h.online = v
	h.mu.Unlock()
}

// UpstreamOnline reports whether the upstream stream is currently up, as
// seen by the dispatch loop. Used by readiness checks.
func (h *Hub) UpstreamOnline() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online
}

// fanoutAudio pushes one synthesized speech chunk to the audio output role.
func (h *Hub) fanoutAudio(chunk []byte) {
	targets := h.snapshot(func(r Role) bool { return r == h.cfg.AudioOutputRole })
	for _, c := range targets {
		if err := c.conn.SendBinary(chunk); err != nil {
			slog.Debug("hub: audio push failed", "id", c.id, "err", err)
		}
	}
}

// fanoutJSON pushes msg to every client whose role passes the filter.
func (h *Hub) fanoutJSON(match func(Role) bool, msg Message) {
	for _, c := range h.snapshot(match) {
		if err := c.conn.SendJSON(msg); err != nil {
			slog.Debug("hub: message push failed", "id", c.id, "err", err)
		}
	}
}

// broadcastStatus pushes the current hub status to all clients.
func (h *Hub) broadcastStatus() {
	h.mu.Lock()
	st := h.state.String()
	online := h.online
	detecting := h.detecting
	n := len(h.clients)
	h.mu.Unlock()

	h.fanoutJSON(func(Role) bool { return true }, Message{
		Type:             "status",
		State:            st,
		UpstreamOnline:   &online,
		DetectionActive:  &detecting,
		ConnectedClients: n,
	})
}

// snapshot copies matching clients out from under the lock so sends happen
// without holding it.
func (h *Hub) snapshot(match func(Role) bool) []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		if match(c.role) {
			out = append(out, c)
		}
	}
	return out
}
