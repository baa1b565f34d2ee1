package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/chadiek/voice-agent/internal/agent"
	"github.com/chadiek/voice-agent/internal/audio"
)

const (
	controlLabel = "control"
	rpcLabel     = "rpc"
)

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Handler manages WebRTC peer connections, one agent session per peer.
type Handler struct {
	newSession agent.Factory
	iceServers []webrtc.ICEServer
	logger     *zap.Logger
}

func NewHandler(factory agent.Factory, iceServersJSON string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		newSession: factory,
		iceServers: parseICEServers(iceServersJSON),
		logger:     logger.With(zap.String("component", "rtc")),
	}
}

// HandleOffer accepts an SDP offer and returns an SDP answer once ICE
// gathering completes.
func (h *Handler) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("invalid offer")
	}

	callID := generateCallID()
	pc, outTrack, err := h.newPeer()
	if err != nil {
		return SessionDescription{}, err
	}
	h.attach(callID, pc, outTrack)

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		_ = pc.Close()
		return SessionDescription{}, ctx.Err()
	}
	local := pc.LocalDescription()
	if local == nil {
		_ = pc.Close()
		return SessionDescription{}, errors.New("no local description")
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// newPeer prepares a PeerConnection with codecs, interceptors and the agent's
// outbound audio track.
func (h *Handler) newPeer() (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: h.iceServers})
	if err != nil {
		return nil, nil, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: audio.SampleRate48k, Channels: 1},
		"agent-audio", "agent",
	)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	return pc, outTrack, nil
}

// call is the per-peer state shared by the connection callbacks.
type call struct {
	id     string
	logger *zap.Logger
	rpc    *RPCClient

	mu      sync.Mutex
	session *agent.Session
	cancel  context.CancelFunc
	stopped bool
}

func (c *call) interrupt() {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s != nil {
		s.Interrupt()
	}
}

func (c *call) stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.stopped = true
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.rpc.Unbind()
}

// attach wires data channels, the inbound audio track and teardown.
func (h *Handler) attach(callID string, pc *webrtc.PeerConnection, outTrack *webrtc.TrackLocalStaticSample) *call {
	logger := h.logger.With(zap.String("call_id", callID))
	c := &call{id: callID, logger: logger, rpc: NewRPCClient(logger)}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Info("peer connection state", zap.Stringer("state", state))
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			c.stop()
			_ = pc.Close()
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logger.Debug("ice state", zap.Stringer("state", state))
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		switch dc.Label() {
		case controlLabel:
			logger.Info("control channel opened")
			dc.OnMessage(func(msg webrtc.DataChannelMessage) {
				if isInterruptCommand(string(msg.Data)) {
					logger.Info("manual interrupt", zap.String("command", string(msg.Data)))
					c.interrupt()
				}
			})
		case rpcLabel:
			dc.OnOpen(func() {
				logger.Info("rpc channel opened")
				c.rpc.Bind(dc)
			})
			dc.OnClose(func() { c.rpc.Unbind() })
			dc.OnMessage(func(msg webrtc.DataChannelMessage) { c.rpc.HandleMessage(msg.Data) })
		}
	})

	var once sync.Once
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		once.Do(func() { h.startCall(c, remote, outTrack) })
	})
	return c
}

func (h *Handler) startCall(c *call, remote *webrtc.TrackRemote, outTrack *webrtc.TrackLocalStaticSample) {
	c.logger.Info("remote audio track received", zap.String("codec", remote.Codec().MimeType))

	paced, err := audio.NewOpusPacedWriter(outTrack)
	if err != nil {
		c.logger.Error("opus encoder", zap.Error(err))
		return
	}
	dec, err := audio.NewDecoder(audio.SampleRate16k)
	if err != nil {
		c.logger.Error("opus decoder", zap.Error(err))
		paced.Close()
		return
	}

	// Short chime so the caller hears the audio path is live.
	paced.WritePCM(audio.Tone(440, 200, 6000))
	paced.FlushTail()

	sess := h.newSession(c.id, paced, c.rpc)
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		cancel()
		paced.Close()
		return
	}
	c.session = sess
	c.cancel = cancel
	c.mu.Unlock()

	go func() {
		if err := sess.Run(ctx); err != nil {
			c.logger.Warn("session ended with error", zap.Error(err))
		}
		time.AfterFunc(400*time.Millisecond, paced.Close)
	}()

	go func() {
		for {
			pkt, _, err := remote.ReadRTP()
			if err != nil {
				c.logger.Debug("rtp read ended", zap.Error(err))
				c.stop()
				return
			}
			pcm, err := dec.Decode(pkt.Payload)
			if err != nil {
				c.logger.Debug("opus decode", zap.Error(err))
				continue
			}
			sess.FeedPCM16KLE(pcm)
		}
	}()
}

func isInterruptCommand(s string) bool {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "stop", "stop-speaking", "cancel", "barge-in":
		return true
	}
	return false
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

func generateCallID() string { return uuid.NewString() }
