package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	assemblyAIModel    = "assemblyai-universal-streaming"
	assemblyAIEndpoint = "wss://streaming.assemblyai.com/v3/ws"
	// The streaming API wants chunks between 50ms and 1000ms.
	assemblyAIChunk = 100 * time.Millisecond
)

// AssemblyAIConfig configures the streaming transcriber.
type AssemblyAIConfig struct {
	APIKey string
	// Endpoint overrides the websocket URL.
	Endpoint string
	Timeout  time.Duration
}

// AssemblyAI transcribes a finished segment by streaming it over one
// short-lived websocket session and collecting the final turns.
type AssemblyAI struct {
	apiKey   string
	endpoint string
	timeout  time.Duration
	dialer   websocket.Dialer
	logger   *zap.Logger
}

type assemblyMessage struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
	EndOfTurn  bool   `json:"end_of_turn"`
	Formatted  bool   `json:"turn_is_formatted"`
	Error      string `json:"error"`
}

func NewAssemblyAI(cfg AssemblyAIConfig, logger *zap.Logger) *AssemblyAI {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = assemblyAIEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &AssemblyAI{
		apiKey:   cfg.APIKey,
		endpoint: cfg.Endpoint,
		timeout:  cfg.Timeout,
		dialer:   websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:   logger.With(zap.String("component", "transcript"), zap.String("engine", "assemblyai")),
	}
}

// Transcribe streams pcm and returns the concatenated final turns. The
// streaming engine picks its own language; language is only logged.
func (a *AssemblyAI) Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error) {
	if len(pcm) == 0 {
		return "", &Error{Model: assemblyAIModel, Err: ErrNoSpeech}
	}
	if a.apiKey == "" {
		return "", &Error{Model: assemblyAIModel, Err: fmt.Errorf("AssemblyAI API key is empty")}
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	params := url.Values{}
	params.Set("sample_rate", strconv.Itoa(sampleRate))
	params.Set("encoding", "pcm_s16le")
	params.Set("format_turns", "true")
	start := time.Now()
	conn, resp, err := a.dialer.DialContext(ctx, a.endpoint+"?"+params.Encode(), http.Header{"Authorization": {a.apiKey}})
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("failed to connect to AssemblyAI (status %d): %w", resp.StatusCode, err)
		}
		return "", &Error{Model: assemblyAIModel, Err: err}
	}
	defer func() { _ = conn.Close() }()

	// Unblock reads and writes when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := a.collect(conn)
		done <- result{text: text, err: err}
	}()

	if err := a.send(ctx, conn, pcm, sampleRate); err != nil {
		return "", &Error{Model: assemblyAIModel, Err: err}
	}

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		return "", &Error{Model: assemblyAIModel, Err: ctx.Err()}
	}
	if r.err != nil {
		a.logger.Warn("transcription failed", zap.Error(r.err), zap.Duration("elapsed", time.Since(start)))
		return "", &Error{Model: assemblyAIModel, Err: r.err}
	}
	a.logger.Debug("transcribed",
		zap.Int("audio_bytes", len(pcm)),
		zap.Int("chars", len(r.text)),
		zap.String("language_hint", language),
		zap.Duration("elapsed", time.Since(start)),
	)
	if r.text == "" {
		return "", &Error{Model: assemblyAIModel, Err: ErrNoSpeech}
	}
	return r.text, nil
}

func (a *AssemblyAI) send(ctx context.Context, conn *websocket.Conn, pcm []byte, sampleRate int) error {
	chunk := sampleRate * 2 * int(assemblyAIChunk/time.Millisecond) / 1000
	if chunk <= 0 {
		chunk = len(pcm)
	}
	for off := 0; off < len(pcm); off += chunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(off+chunk, len(pcm))
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[off:end]); err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(map[string]string{"type": "Terminate"}); err != nil {
		return fmt.Errorf("send terminate: %w", err)
	}
	return nil
}

// collect reads until the server confirms termination. Unformatted turns are
// superseded by their formatted version, so only the last end-of-turn text
// per turn is kept.
func (a *AssemblyAI) collect(conn *websocket.Conn) (string, error) {
	var turns []string
	pending := ""
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			return "", err
		}
		var m assemblyMessage
		if err := json.Unmarshal(data, &m); err != nil {
			a.logger.Debug("unparseable message", zap.Error(err))
			continue
		}
		switch m.Type {
		case "Begin":
		case "Turn":
			if !m.EndOfTurn {
				continue
			}
			if m.Formatted || pending == "" {
				pending = strings.TrimSpace(m.Transcript)
			}
			if m.Formatted {
				turns = append(turns, pending)
				pending = ""
			}
		case "Termination":
			if pending != "" {
				turns = append(turns, pending)
			}
			return strings.TrimSpace(strings.Join(turns, " ")), nil
		case "Error":
			return "", fmt.Errorf("assemblyai: %s", m.Error)
		default:
			a.logger.Debug("unknown message type", zap.String("type", m.Type))
		}
	}
	if pending != "" {
		turns = append(turns, pending)
	}
	return strings.TrimSpace(strings.Join(turns, " ")), nil
}
