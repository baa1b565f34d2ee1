package main

import (
	"go.uber.org/zap"

	"github.com/chadiek/voice-agent/internal/action"
	"github.com/chadiek/voice-agent/internal/agent"
	"github.com/chadiek/voice-agent/internal/config"
	"github.com/chadiek/voice-agent/internal/dispatch"
	"github.com/chadiek/voice-agent/internal/metrics"
	"github.com/chadiek/voice-agent/internal/reasoning"
	"github.com/chadiek/voice-agent/internal/storage"
	"github.com/chadiek/voice-agent/internal/transcript"
	"github.com/chadiek/voice-agent/internal/tts"
	"github.com/chadiek/voice-agent/internal/vad"
)

// app holds the process-wide clients shared by every session.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	metrics  *metrics.Collector
	stt      agent.Transcriber
	llm      *reasoning.Client
	tts      agent.TTS
	actions  *action.Registry
	archiver agent.Archiver
}

func newApp(cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewCollector(),
		actions: action.NewDefaultRegistry(),
	}
	switch cfg.STTProvider {
	case "assemblyai":
		a.stt = transcript.NewAssemblyAI(transcript.AssemblyAIConfig{APIKey: cfg.AssemblyAIKey}, logger)
	default:
		a.stt = transcript.NewWhisper(transcript.Config{
			APIKey:   cfg.STTKey,
			BaseURL:  cfg.STTBaseURL,
			Model:    cfg.STTModel,
			Language: cfg.STTLanguage,
		}, logger)
	}
	a.llm = reasoning.New(reasoning.Config{
		APIKey:  cfg.LLMKey,
		BaseURL: cfg.LLMBaseURL,
		Model:   cfg.LLMModel,
		Timeout: cfg.LLMTimeout,
	}, logger)

	switch cfg.TTSProvider {
	case "deepgram":
		a.tts = tts.NewDeepgramClient(cfg.DeepgramKey, cfg.DeepgramModel, logger)
	default:
		a.tts = tts.NewOpenAIClient(tts.OpenAIConfig{
			APIKey:  cfg.TTSKey,
			BaseURL: cfg.TTSBaseURL,
			Model:   cfg.TTSModel,
			Voice:   cfg.TTSVoice,
			Speed:   cfg.TTSSpeed,
		}, logger)
	}

	if cfg.ArchiveConfigured() {
		up, err := storage.NewSupabaseUploader(storage.SupabaseConfig{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseServiceRoleKey,
			Bucket:         cfg.SupabaseBucket,
		})
		if err != nil {
			return nil, err
		}
		a.archiver = storage.NewArchiver(up, logger)
	}
	return a, nil
}

func (a *app) vadConfig() vad.Config {
	c := vad.Default()
	c.Threshold = a.cfg.VADThreshold
	c.MinSilenceMs = int(a.cfg.VADMinSilence.Milliseconds())
	c.PreRollMs = int(a.cfg.VADPreRoll.Milliseconds())
	return c
}

// factory builds a session for one participant; it satisfies agent.Factory.
func (a *app) factory(participant string, sink agent.PCM48kSink, caller dispatch.RemoteCaller) *agent.Session {
	d := dispatch.New(caller,
		dispatch.WithTimeout(a.cfg.RPCTimeout),
		dispatch.WithLogger(a.logger),
		dispatch.WithMetrics(a.metrics),
	)
	recipient := a.cfg.TaskRecipient
	if recipient == "" {
		recipient = participant
	}
	return agent.NewSession(agent.Deps{
		Transcriber: a.stt,
		Reasoner:    a.llm,
		Greeter:     a.llm,
		TTS:         a.tts,
		Sink:        sink,
		Actions:     a.actions,
		Dispatcher:  d,
	}, agent.SessionConfig{
		Participant: participant,
		VAD:         a.vadConfig(),
		Archiver:    a.archiver,
		Controller: agent.Options{
			SystemPrompt:         a.cfg.SystemPrompt,
			Greeting:             a.cfg.GreetingEnabled,
			FillerReply:          a.cfg.FillerReply,
			Language:             a.cfg.STTLanguage,
			RPCTimeout:           d.Timeout(),
			SpeakDispatchResults: a.cfg.SpeakDispatchResults,
			Destination:          func() string { return recipient },
			Logger:               a.logger,
			Metrics:              a.metrics,
		},
	})
}
