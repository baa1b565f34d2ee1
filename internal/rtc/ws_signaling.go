package rtc

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// wsMessage is a minimal signaling message format compatible with common Realtime APIs.
// Types: "auth", "offer", "answer", "candidate", "ice-complete", "bye", "error".
type wsMessage struct {
	Type string `json:"type"`
	// auth
	Password string `json:"password,omitempty"`
	// offer/answer
	SDP string `json:"sdp,omitempty"`
	// candidate
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	// error
	Error string `json:"error,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// Allow any origin; the password gate is the access control.
		return true
	},
}

// wsConn serializes writes; pion fires OnICECandidate from its own goroutines.
type wsConn struct {
	*websocket.Conn
	mu chan struct{}
}

func (c *wsConn) send(m wsMessage) error {
	c.mu <- struct{}{}
	defer func() { <-c.mu }()
	_ = c.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.WriteJSON(m)
}

func (c *wsConn) fail(err error) {
	_ = c.send(wsMessage{Type: "error", Error: err.Error()})
}

// ServeWebSocket upgrades to WebSocket and performs offer/answer + trickle ICE signaling.
// It expects messages: auth(optional) -> offer -> candidates... and responds with answer + candidates.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request, authPassword string) {
	raw, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade", zap.Error(err))
		return
	}
	conn := &wsConn{Conn: raw, mu: make(chan struct{}, 1)}
	defer func() { _ = conn.Close() }()

	// Simple auth: Authorization: Bearer <pwd> or ?password=... or first message type=auth
	if authPassword != "" && !checkAuthHeaderOrQuery(r, authPassword) {
		m, err := readWS(conn)
		if err != nil {
			conn.fail(errors.New("auth required"))
			return
		}
		if strings.ToLower(m.Type) != "auth" || m.Password != authPassword {
			conn.fail(errors.New("unauthorized"))
			return
		}
	}

	var offerSDP string
	for offerSDP == "" {
		m, err := readWS(conn)
		if err != nil {
			if !errors.Is(err, errSkip) {
				h.logger.Debug("ws read before offer", zap.Error(err))
				return
			}
			continue
		}
		switch strings.ToLower(m.Type) {
		case "offer":
			offerSDP = m.SDP
		case "bye":
			return
		}
	}

	pc, outTrack, err := h.newPeer()
	if err != nil {
		conn.fail(err)
		return
	}
	defer func() { _ = pc.Close() }()

	callID := generateCallID()
	logger := h.logger.With(zap.String("call_id", callID))

	// Trickle local candidates to client
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			_ = conn.send(wsMessage{Type: "ice-complete"})
			return
		}
		init := c.ToJSON()
		_ = conn.send(wsMessage{Type: "candidate", Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
	})
	h.attach(callID, pc, outTrack)

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		conn.fail(err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		conn.fail(err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		conn.fail(err)
		return
	}
	local := pc.LocalDescription()
	if local == nil {
		conn.fail(errors.New("no local description"))
		return
	}
	if err := conn.send(wsMessage{Type: "answer", SDP: local.SDP}); err != nil {
		logger.Warn("ws write answer", zap.Error(err))
		return
	}

	// Remote trickle candidates until the socket closes or the client says bye.
	for {
		m, err := readWS(conn)
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			logger.Debug("signaling closed", zap.Error(err))
			waitClosed(pc)
			return
		}
		switch strings.ToLower(m.Type) {
		case "candidate":
			if m.Candidate == "" {
				continue
			}
			if err := pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex}); err != nil {
				logger.Debug("add ice candidate", zap.Error(err))
			}
		case "bye":
			return
		}
	}
}

// waitClosed keeps the call alive after the signaling socket goes away.
func waitClosed(pc *webrtc.PeerConnection) {
	for {
		switch pc.ConnectionState() {
		case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			return
		}
		time.Sleep(2 * time.Second)
	}
}

var errSkip = errors.New("skip frame")

func readWS(conn *wsConn) (wsMessage, error) {
	mt, data, err := conn.ReadMessage()
	if err != nil {
		return wsMessage{}, err
	}
	var m wsMessage
	if mt != websocket.TextMessage || json.Unmarshal(data, &m) != nil {
		return wsMessage{}, errSkip
	}
	return m, nil
}

func checkAuthHeaderOrQuery(r *http.Request, password string) bool {
	if r == nil || password == "" {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == password {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if strings.TrimSpace(ah[len("Bearer "):]) == password {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == password {
		return true
	}
	return false
}
