package transcript

import (
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	path     string
	model    string
	language string
	wavHead  string
}

func whisperServer(t *testing.T, status int, body string, got *captured) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err == nil {
			mr := multipart.NewReader(r.Body, params["boundary"])
			for {
				part, perr := mr.NextPart()
				if perr != nil {
					break
				}
				data, _ := io.ReadAll(part)
				switch part.FormName() {
				case "model":
					got.model = string(data)
				case "language":
					got.language = string(data)
				case "file":
					if len(data) >= 4 {
						got.wavHead = string(data[:4])
					}
				}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func newTestWhisper(srv *httptest.Server) *Whisper {
	return NewWhisper(Config{APIKey: "k", BaseURL: srv.URL, Model: "whisper-large-v3-turbo", Language: "en"}, nil,
		option.WithMaxRetries(0))
}

func TestWhisper_Transcribe(t *testing.T) {
	var got captured
	srv := whisperServer(t, http.StatusOK, `{"text":"  remind me to call the bank "}`, &got)
	defer srv.Close()

	text, err := newTestWhisper(srv).Transcribe(context.Background(), make([]byte, 3200), 16000, "")
	require.NoError(t, err)
	assert.Equal(t, "remind me to call the bank", text)
	assert.True(t, strings.HasSuffix(got.path, "/audio/transcriptions"))
	assert.Equal(t, "whisper-large-v3-turbo", got.model)
	assert.Equal(t, "en", got.language)
	assert.Equal(t, "RIFF", got.wavHead)
}

func TestWhisper_LanguageOverride(t *testing.T) {
	var got captured
	srv := whisperServer(t, http.StatusOK, `{"text":"bonjour"}`, &got)
	defer srv.Close()

	_, err := newTestWhisper(srv).Transcribe(context.Background(), make([]byte, 320), 16000, "fr")
	require.NoError(t, err)
	assert.Equal(t, "fr", got.language)
}

func TestWhisper_Failures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"server_error", http.StatusInternalServerError, `{"error":{"message":"boom"}}`},
		{"empty_text", http.StatusOK, `{"text":"   "}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got captured
			srv := whisperServer(t, tc.status, tc.body, &got)
			defer srv.Close()

			_, err := newTestWhisper(srv).Transcribe(context.Background(), make([]byte, 320), 16000, "")
			var te *Error
			require.ErrorAs(t, err, &te)
		})
	}
}

func TestWhisper_EmptySegment(t *testing.T) {
	w := NewWhisper(Config{APIKey: "k"}, nil)
	_, err := w.Transcribe(context.Background(), nil, 16000, "")
	assert.ErrorIs(t, err, ErrNoSpeech)
}
