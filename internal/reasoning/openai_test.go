package reasoning

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/voice-agent/internal/action"
	"github.com/chadiek/voice-agent/internal/conversation"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content any    `json:"content"`
	} `json:"messages"`
	Tools []struct {
		Type     string `json:"type"`
		Function struct {
			Name       string         `json:"name"`
			Parameters map[string]any `json:"parameters"`
		} `json:"function"`
	} `json:"tools"`
}

func chatServer(t *testing.T, status int, body string, got *chatRequest, hits *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		raw, _ := io.ReadAll(r.Body)
		if got != nil {
			_ = json.Unmarshal(raw, got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func newTestClient(srv *httptest.Server) *Client {
	return New(Config{APIKey: "k", BaseURL: srv.URL, Model: "gpt-4o-mini"}, nil, option.WithMaxRetries(0))
}

func sampleTurns() []conversation.Turn {
	s := conversation.New("you are a cofounder")
	_ = s.AppendAgent("Hey, what's up?")
	_ = s.AppendUser("remind me to call the bank")
	return s.Turns()
}

const textReply = `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":" Sure thing. "}}]}`

const toolReply = `{"id":"c2","object":"chat.completion","created":1,"model":"gpt-4o-mini",
"choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":null,
"tool_calls":[{"id":"call_1","type":"function","function":{"name":"agent_task","arguments":"{\"action\":\"Call bank\",\"description\":\"Ask about the wire\"}"}}]}}]}`

func TestInfer_TextReply(t *testing.T) {
	var got chatRequest
	srv := chatServer(t, http.StatusOK, textReply, &got, nil)
	defer srv.Close()

	res, err := newTestClient(srv).Infer(context.Background(), sampleTurns(), action.NewDefaultRegistry().Definitions())
	require.NoError(t, err)
	assert.False(t, res.IsAction())
	assert.Equal(t, "Sure thing.", res.Text)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, []string{"system", "assistant", "user"},
		[]string{got.Messages[0].Role, got.Messages[1].Role, got.Messages[2].Role})
	require.Len(t, got.Tools, 2)
	assert.Equal(t, "agent_task", got.Tools[0].Function.Name)
	assert.Equal(t, "object", got.Tools[0].Function.Parameters["type"])
}

func TestInfer_ToolCall(t *testing.T) {
	srv := chatServer(t, http.StatusOK, toolReply, nil, nil)
	defer srv.Close()

	res, err := newTestClient(srv).Infer(context.Background(), sampleTurns(), action.NewDefaultRegistry().Definitions())
	require.NoError(t, err)
	require.True(t, res.IsAction())
	assert.Equal(t, "agent_task", res.Invocation.Name)
	assert.Equal(t, "Call bank", res.Invocation.Args["action"])
}

func TestInfer_Failures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"status_non_2xx", http.StatusInternalServerError, `{"error":{"message":"oops"}}`},
		{"empty_choices", http.StatusOK, `{"choices":[]}`},
		{"empty_content", http.StatusOK, `{"choices":[{"index":0,"message":{"role":"assistant","content":""}}]}`},
		{"bad_arguments", http.StatusOK, `{"choices":[{"index":0,"message":{"role":"assistant","tool_calls":[{"id":"x","type":"function","function":{"name":"human_task","arguments":"{not json"}}]}}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := chatServer(t, tc.status, tc.body, nil, nil)
			defer srv.Close()
			_, err := newTestClient(srv).Infer(context.Background(), sampleTurns(), nil)
			var re *Error
			require.ErrorAs(t, err, &re)
		})
	}
}

func TestGreet(t *testing.T) {
	var got chatRequest
	var hits int32
	srv := chatServer(t, http.StatusOK, textReply, &got, &hits)
	defer srv.Close()

	text, err := newTestClient(srv).Greet(context.Background(), "Your cofounder just called you.")
	require.NoError(t, err)
	assert.Equal(t, "Sure thing.", text)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Empty(t, got.Tools)
}
