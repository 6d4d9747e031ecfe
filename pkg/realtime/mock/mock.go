// Package mock provides a test double for the realtime package.
//
// Tests drive the EventsCh channel to simulate upstream traffic and inspect
// the recorded send calls to verify what the hub forwarded.
//
// Example:
//
//	up := mock.New()
//	go hub.Run(ctx)
//	up.EventsCh <- realtime.Event{Type: realtime.EventResponseStarted}
package mock

import (
	"sync"

	"github.com/binsentry/binsentry/pkg/realtime"
)

// SendImageCall records a single invocation of Client.SendImage.
type SendImageCall struct {
	// Data is a copy of the frame bytes passed to SendImage.
	Data []byte
	// Meta is the metadata passed to SendImage.
	Meta realtime.ImageMeta
}

// AckDecisionCall records a single invocation of Client.AckDecision.
type AckDecisionCall struct {
	CallID string
	Speak  bool
}

// Client is a mock implementation of realtime.Client.
type Client struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events. Tests own this channel
	// and close it to end the hub's dispatch loop.
	EventsCh chan realtime.Event

	// ConnectedState is returned by Connected.
	ConnectedState bool

	// --- Configurable errors ---

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendImageErr, if non-nil, is returned by every SendImage call.
	SendImageErr error

	// AckDecisionErr, if non-nil, is returned by every AckDecision call.
	AckDecisionErr error

	// --- Call records ---

	// SendAudioCalls records a copy of every chunk passed to SendAudio.
	SendAudioCalls [][]byte

	// SendImageCalls records every call to SendImage in order.
	SendImageCalls []SendImageCall

	// AckDecisionCalls records every call to AckDecision in order.
	AckDecisionCalls []AckDecisionCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// New creates a mock Client with a buffered event channel.
func New() *Client {
	return &Client{
		EventsCh:       make(chan realtime.Event, 64),
		ConnectedState: true,
	}
}

// SendAudio records the call and returns SendAudioErr.
func (c *Client) SendAudio(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	c.SendAudioCalls = append(c.SendAudioCalls, cp)
	return c.SendAudioErr
}

// SendImage records the call and returns SendImageErr.
func (c *Client) SendImage(data []byte, meta realtime.ImageMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.SendImageCalls = append(c.SendImageCalls, SendImageCall{Data: cp, Meta: meta})
	return c.SendImageErr
}

// AckDecision records the call and returns AckDecisionErr.
func (c *Client) AckDecision(callID string, speak bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AckDecisionCalls = append(c.AckDecisionCalls, AckDecisionCall{CallID: callID, Speak: speak})
	return c.AckDecisionErr
}

// Events returns EventsCh.
func (c *Client) Events() <-chan realtime.Event { return c.EventsCh }

// Connected returns ConnectedState. Thread-safe.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ConnectedState
}

// SetConnected updates ConnectedState. Thread-safe.
func (c *Client) SetConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ConnectedState = v
}

// Close increments CloseCallCount.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCallCount++
	return nil
}

// AudioCalls returns a copy of all recorded SendAudio chunks. Thread-safe.
func (c *Client) AudioCalls() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.SendAudioCalls))
	copy(out, c.SendAudioCalls)
	return out
}

// ImageCalls returns a copy of all recorded SendImage calls. Thread-safe.
func (c *Client) ImageCalls() []SendImageCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SendImageCall, len(c.SendImageCalls))
	copy(out, c.SendImageCalls)
	return out
}

// AckCalls returns a copy of all recorded AckDecision calls. Thread-safe.
func (c *Client) AckCalls() []AckDecisionCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AckDecisionCall, len(c.AckDecisionCalls))
	copy(out, c.AckDecisionCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SendAudioCalls = nil
	c.SendImageCalls = nil
	c.AckDecisionCalls = nil
	c.CloseCallCount = 0
}

// Compile-time check that Client satisfies realtime.Client.
var _ realtime.Client = (*Client)(nil)
