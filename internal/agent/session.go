package agent

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chadiek/voice-agent/internal/conversation"
	"github.com/chadiek/voice-agent/internal/metrics"
	"github.com/chadiek/voice-agent/internal/vad"
)

const defaultFrameQueue = 512

type SessionConfig struct {
	Participant string
	VAD         vad.Config
	// FrameQueue bounds buffered inbound audio chunks; extra chunks are dropped.
	FrameQueue int
	Archiver   Archiver
	Controller Options
}

// Session is one connected participant: an audio ingestion loop feeding the
// speech detector, and a Controller that owns the conversation.
type Session struct {
	id          string
	participant string
	logger      *zap.Logger
	metrics     *metrics.Collector
	archiver    Archiver

	ctrl     *Controller
	detector *vad.Detector
	frames   chan []byte
	started  time.Time
}

func NewSession(deps Deps, cfg SessionConfig) *Session {
	if cfg.FrameQueue <= 0 {
		cfg.FrameQueue = defaultFrameQueue
	}
	if cfg.VAD.SampleRate == 0 {
		cfg.VAD = vad.Default()
	}
	id := uuid.NewString()
	base := cfg.Controller.Logger
	if base == nil {
		base = zap.NewNop()
	}
	logger := base.With(zap.String("session", id), zap.String("participant", cfg.Participant))
	cfg.Controller.Logger = logger

	s := &Session{
		id:          id,
		participant: cfg.Participant,
		logger:      logger,
		metrics:     cfg.Controller.Metrics,
		archiver:    cfg.Archiver,
		ctrl:        NewController(deps, cfg.Controller),
		frames:      make(chan []byte, cfg.FrameQueue),
	}
	s.detector = vad.NewDetector(cfg.VAD, vad.Events{
		OnSpeechStart: func(time.Time) { s.ctrl.SpeechStarted() },
		OnSpeechEnd:   func(seg vad.Segment) { s.ctrl.SpeechEnded(seg) },
	})
	return s
}

func (s *Session) ID() string          { return s.id }
func (s *Session) Participant() string { return s.participant }
func (s *Session) State() State        { return s.ctrl.State() }

// Transcript returns a copy of the conversation so far.
func (s *Session) Transcript() []conversation.Turn { return s.ctrl.Transcript() }

// Interrupt acts as a speech start: stops the agent if it is talking.
func (s *Session) Interrupt() { s.ctrl.Interrupt() }

// FeedPCM16KLE queues a chunk of 16kHz PCM16LE mono audio. It never blocks;
// when the queue is full the chunk is dropped.
func (s *Session) FeedPCM16KLE(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	select {
	case s.frames <- pcm:
	default:
		s.metrics.FrameDropped()
		s.logger.Debug("audio frame dropped; ingestion queue full", zap.Int("bytes", len(pcm)))
	}
}

// Run blocks until ctx is cancelled, then archives the conversation.
func (s *Session) Run(ctx context.Context) error {
	s.started = time.Now()
	s.metrics.SessionStarted()
	defer s.metrics.SessionEnded()
	s.logger.Info("session started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.ctrl.Run(gctx) })
	g.Go(func() error { return s.ingest(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	s.finish()
	return err
}

func (s *Session) ingest(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pcm := <-s.frames:
			s.detector.Feed(pcm)
		}
	}
}

func (s *Session) finish() {
	turns := s.ctrl.Transcript()
	spoken := make([]conversation.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Role != conversation.RoleSystem {
			spoken = append(spoken, t)
		}
	}
	s.logger.Info("session ended",
		zap.Int("turns", len(spoken)),
		zap.Duration("duration", time.Since(s.started)),
		zap.String("transcript", conversation.Format(spoken)),
	)
	if s.archiver == nil {
		return
	}
	rec := conversation.Record{
		SessionID:   s.id,
		Participant: s.participant,
		StartedAt:   s.started,
		EndedAt:     time.Now(),
		Turns:       turns,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.archiver.Archive(ctx, rec); err != nil {
		s.logger.Warn("archive transcript failed", zap.Error(err))
	}
}
