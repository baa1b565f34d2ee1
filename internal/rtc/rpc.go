package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chadiek/voice-agent/internal/dispatch"
)

// ErrChannelClosed means the rpc data channel is not open.
var ErrChannelClosed = errors.New("rtc: rpc channel not open")

// Envelope is one message on the "rpc" data channel.
//
//	request:  {"type":"request","id":"…","method":"getAgentTask","payload":"{…}","timeout_ms":5000}
//	response: {"type":"response","id":"…","payload":"…"}
//	error:    {"type":"error","id":"…","error":{"code":1500,"message":"…"}}
type Envelope struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Method    string    `json:"method,omitempty"`
	Payload   string    `json:"payload,omitempty"`
	TimeoutMs int64     `json:"timeout_ms,omitempty"`
	Error     *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// textSender is the write half of a data channel.
type textSender interface {
	SendText(string) error
}

// RPCClient performs request/response calls to the browser over a data
// channel. It satisfies dispatch.RemoteCaller.
type RPCClient struct {
	logger *zap.Logger

	mu      sync.Mutex
	ch      textSender
	pending map[string]chan Envelope
}

func NewRPCClient(logger *zap.Logger) *RPCClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RPCClient{
		logger:  logger.With(zap.String("component", "rpc")),
		pending: make(map[string]chan Envelope),
	}
}

// Bind attaches an open channel. Calls made before Bind fail with ErrChannelClosed.
func (c *RPCClient) Bind(ch textSender) {
	c.mu.Lock()
	c.ch = ch
	c.mu.Unlock()
}

// Unbind detaches the channel and fails every pending call.
func (c *RPCClient) Unbind() {
	c.mu.Lock()
	c.ch = nil
	pending := c.pending
	c.pending = make(map[string]chan Envelope)
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

// HandleMessage routes a response or error envelope to its waiting call.
func (c *RPCClient) HandleMessage(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("malformed rpc message", zap.Error(err))
		return
	}
	if env.Type != "response" && env.Type != "error" {
		c.logger.Debug("ignoring rpc message", zap.String("type", env.Type))
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Info("rpc reply for unknown or expired request", zap.String("id", env.ID))
		return
	}
	ch <- env
}

func (c *RPCClient) PerformRemoteCall(ctx context.Context, destination, method, payload string, timeout time.Duration) (string, error) {
	id := uuid.NewString()
	reply := make(chan Envelope, 1)

	c.mu.Lock()
	ch := c.ch
	if ch != nil {
		c.pending[id] = reply
	}
	c.mu.Unlock()
	if ch == nil {
		return "", ErrChannelClosed
	}
	defer c.forget(id)

	req, err := json.Marshal(Envelope{Type: "request", ID: id, Method: method, Payload: payload, TimeoutMs: timeout.Milliseconds()})
	if err != nil {
		return "", fmt.Errorf("rtc: encode request: %w", err)
	}
	c.logger.Debug("rpc request", zap.String("id", id), zap.String("method", method), zap.String("destination", destination))
	if err := ch.SendText(string(req)); err != nil {
		return "", fmt.Errorf("rtc: send request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case env, ok := <-reply:
		if !ok {
			return "", ErrChannelClosed
		}
		if env.Type == "error" {
			if env.Error == nil {
				return "", &dispatch.RemoteError{Message: "unspecified error"}
			}
			return "", &dispatch.RemoteError{Code: env.Error.Code, Message: env.Error.Message}
		}
		return env.Payload, nil
	case <-timer.C:
		return "", dispatch.ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *RPCClient) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
