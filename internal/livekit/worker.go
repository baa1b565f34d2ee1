// Package livekit runs the agent as a participant in a LiveKit room.
package livekit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"github.com/chadiek/voice-agent/internal/agent"
	"github.com/chadiek/voice-agent/internal/audio"
)

type Config struct {
	URL       string
	APIKey    string
	APISecret string
	Room      string
	Identity  string
	// Recipient is the identity task calls go to; empty means the participant
	// the agent is talking to.
	Recipient string
}

func (c Config) validate() error {
	switch {
	case c.URL == "":
		return errors.New("livekit: URL required")
	case c.APIKey == "" || c.APISecret == "":
		return errors.New("livekit: API key and secret required")
	case c.Room == "":
		return errors.New("livekit: room name required")
	}
	return nil
}

// Worker joins one room and talks to one remote participant at a time.
type Worker struct {
	cfg        Config
	newSession agent.Factory
	logger     *zap.Logger

	mu      sync.Mutex
	active  string // identity of the participant in session
	cancel  context.CancelFunc
	ended   chan struct{}
	paced   *audio.OpusPacedWriter
	rpc     *rpcCaller
	running sync.WaitGroup
}

func NewWorker(cfg Config, factory agent.Factory, logger *zap.Logger) *Worker {
	if cfg.Identity == "" {
		cfg.Identity = "voice-agent"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		cfg:        cfg,
		newSession: factory,
		logger:     logger.With(zap.String("component", "livekit"), zap.String("room", cfg.Room)),
	}
}

// Run connects, publishes the agent voice track and serves participants
// until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.cfg.validate(); err != nil {
		return err
	}

	cb := &lksdk.RoomCallback{
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			w.logger.Info("participant connected", zap.String("identity", rp.Identity()))
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			w.logger.Info("participant disconnected", zap.String("identity", rp.Identity()))
			go w.endSession(rp.Identity())
		},
		OnDisconnected: func() {
			w.logger.Warn("disconnected from room")
			go w.endSession("")
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if track.Kind() != webrtc.RTPCodecTypeAudio || pub.Source() != livekit.TrackSource_MICROPHONE {
					return
				}
				if rp.Identity() == w.cfg.Identity {
					return
				}
				w.startSession(track, rp.Identity())
			},
		},
	}

	track, err := lksdk.NewLocalSampleTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: audio.SampleRate48k,
		Channels:  1,
	})
	if err != nil {
		return fmt.Errorf("create agent track: %w", err)
	}

	// Subscriptions can fire during Join, so the output path is armed first.
	room := lksdk.NewRoom(cb)
	paced, err := w.arm(room.LocalParticipant, audio.SampleWriterFunc(func(s media.Sample) error {
		return track.WriteSample(s, nil)
	}))
	if err != nil {
		return err
	}
	defer paced.Close()

	if err := room.Join(w.cfg.URL, lksdk.ConnectInfo{
		APIKey:              w.cfg.APIKey,
		APISecret:           w.cfg.APISecret,
		RoomName:            w.cfg.Room,
		ParticipantIdentity: w.cfg.Identity,
		ParticipantName:     w.cfg.Identity,
	}); err != nil {
		return fmt.Errorf("failed to connect to room: %w", err)
	}
	defer room.Disconnect()
	w.logger.Info("connected to room", zap.String("identity", w.cfg.Identity))

	if _, err := room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   "agent-voice",
		Source: livekit.TrackSource_MICROPHONE,
	}); err != nil {
		return fmt.Errorf("publish agent track: %w", err)
	}

	<-ctx.Done()
	w.endSession("")
	w.running.Wait()
	return nil
}

// arm builds the agent voice writer and task caller that sessions share.
func (w *Worker) arm(lp rpcPerformer, out audio.SampleWriter) (*audio.OpusPacedWriter, error) {
	paced, err := audio.NewOpusPacedWriter(out)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	w.mu.Lock()
	w.paced = paced
	w.rpc = &rpcCaller{lp: lp, fallback: w.destination}
	w.mu.Unlock()
	return paced, nil
}

// destination is where task calls go when none is configured.
func (w *Worker) destination() string {
	if w.cfg.Recipient != "" {
		return w.cfg.Recipient
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// claimed is a session bound to the worker's shared output path.
type claimed struct {
	sess  *agent.Session
	paced *audio.OpusPacedWriter
	ended chan struct{}
}

// claim makes identity the active participant. It fails while another
// session is active or before the output path is armed.
func (w *Worker) claim(identity string, cancel context.CancelFunc) (*claimed, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active != "" || w.paced == nil {
		w.logger.Info("ignoring audio track; agent busy",
			zap.String("identity", identity), zap.String("active", w.active), zap.Bool("armed", w.paced != nil))
		return nil, false
	}
	w.active = identity
	w.cancel = cancel
	w.ended = make(chan struct{})
	return &claimed{
		sess:  w.newSession(identity, w.paced, w.rpc),
		paced: w.paced,
		ended: w.ended,
	}, true
}

func (w *Worker) startSession(track *webrtc.TrackRemote, identity string) {
	dec, err := audio.NewDecoder(audio.SampleRate16k)
	if err != nil {
		w.logger.Error("opus decoder", zap.Error(err))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c, ok := w.claim(identity, cancel)
	if !ok {
		cancel()
		return
	}
	w.running.Add(1)
	sess, paced, ended := c.sess, c.paced, c.ended

	logger := w.logger.With(zap.String("participant", identity), zap.String("session", sess.ID()))
	logger.Info("session starting")

	go func() {
		defer w.running.Done()
		defer close(ended)
		if err := sess.Run(ctx); err != nil {
			logger.Warn("session ended with error", zap.Error(err))
		}
		paced.Reset()
		w.mu.Lock()
		if w.active == identity {
			w.active = ""
			w.cancel = nil
		}
		w.mu.Unlock()
	}()

	go func() {
		for {
			_ = track.SetReadDeadline(time.Now().Add(5 * time.Second))
			pkt, _, err := track.ReadRTP()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
					continue
				}
				logger.Info("audio track ended", zap.Error(err))
				w.endSession(identity)
				return
			}
			pcm, err := dec.Decode(pkt.Payload)
			if err != nil {
				logger.Debug("opus decode", zap.Error(err))
				continue
			}
			sess.FeedPCM16KLE(pcm)
		}
	}()
}

// endSession stops the session for identity, or any session when identity is empty.
func (w *Worker) endSession(identity string) {
	w.mu.Lock()
	if w.active == "" || (identity != "" && identity != w.active) {
		w.mu.Unlock()
		return
	}
	cancel, ended := w.cancel, w.ended
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if ended != nil {
		<-ended
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
