package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chadiek/voice-agent/internal/action"
	"github.com/chadiek/voice-agent/internal/conversation"
	"github.com/chadiek/voice-agent/internal/dispatch"
	"github.com/chadiek/voice-agent/internal/metrics"
	"github.com/chadiek/voice-agent/internal/reasoning"
	"github.com/chadiek/voice-agent/internal/vad"
)

type transcribeFunc func(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error)

func (f transcribeFunc) Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error) {
	return f(ctx, pcm, sampleRate, language)
}

type inferFunc func(ctx context.Context, turns []conversation.Turn, defs []action.Definition) (reasoning.Result, error)

func (f inferFunc) Infer(ctx context.Context, turns []conversation.Turn, defs []action.Definition) (reasoning.Result, error) {
	return f(ctx, turns, defs)
}

type greetFunc func(ctx context.Context, prompt string) (string, error)

func (f greetFunc) Greet(ctx context.Context, prompt string) (string, error) { return f(ctx, prompt) }

type dispatchFunc func(ctx context.Context, dest string, p dispatch.Payload, timeout time.Duration) dispatch.Result

func (f dispatchFunc) Dispatch(ctx context.Context, dest string, p dispatch.Payload, timeout time.Duration) dispatch.Result {
	return f(ctx, dest, p, timeout)
}

// fakeTTS emits one chunk per text. With hold set it then waits for
// cancellation, simulating a long reply.
type fakeTTS struct {
	hold bool

	mu    sync.Mutex
	texts []string
}

func (f *fakeTTS) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()

	pcm := make(chan []byte, 1)
	errc := make(chan error, 1)
	go func() {
		defer close(pcm)
		defer close(errc)
		pcm <- make([]byte, 1920)
		if f.hold {
			<-ctx.Done()
			errc <- ctx.Err()
		}
	}()
	return pcm, errc
}

func (f *fakeTTS) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type fakeSink struct {
	writes atomic.Int32
	flush  atomic.Int32
	resets atomic.Int32
}

func (s *fakeSink) WritePCM(_ []byte)             { s.writes.Add(1) }
func (s *fakeSink) FlushTail()                    { s.flush.Add(1) }
func (s *fakeSink) Reset()                        { s.resets.Add(1) }
func (s *fakeSink) Drain(_ context.Context) error { return nil }

type transitionLog struct {
	mu   sync.Mutex
	seen []string
}

func (l *transitionLog) record(from, to State) {
	l.mu.Lock()
	l.seen = append(l.seen, from.String()+">"+to.String())
	l.mu.Unlock()
}

func (l *transitionLog) has(edge string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.seen {
		if e == edge {
			return true
		}
	}
	return false
}

type harness struct {
	ctrl *Controller
	tts  *fakeTTS
	sink *fakeSink
	log  *transitionLog
}

func startController(t *testing.T, deps Deps, opts Options) *harness {
	t.Helper()
	h := &harness{tts: &fakeTTS{}, sink: &fakeSink{}, log: &transitionLog{}}
	if deps.TTS == nil {
		deps.TTS = h.tts
	} else if ft, ok := deps.TTS.(*fakeTTS); ok {
		h.tts = ft
	}
	deps.Sink = h.sink
	if deps.Actions == nil {
		deps.Actions = action.NewDefaultRegistry()
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = dispatchFunc(func(context.Context, string, dispatch.Payload, time.Duration) dispatch.Result {
			t.Error("unexpected dispatch")
			return dispatch.Result{}
		})
	}
	opts.Logger = zaptest.NewLogger(t)
	opts.OnTransition = h.log.record
	h.ctrl = NewController(deps, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.ctrl.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func staticTranscriber(text string) Transcriber {
	return transcribeFunc(func(context.Context, []byte, int, string) (string, error) { return text, nil })
}

func (h *harness) utter() {
	h.ctrl.SpeechStarted()
	h.ctrl.SpeechEnded(vad.Segment{PCM: make([]byte, 3200), SampleRate: 16000})
}

func (h *harness) waitEdge(t *testing.T, edge string) {
	t.Helper()
	require.Eventually(t, func() bool { return h.log.has(edge) }, 2*time.Second, 5*time.Millisecond, "never saw %s", edge)
}

func roles(turns []conversation.Turn) []conversation.Role {
	out := make([]conversation.Role, len(turns))
	for i, t := range turns {
		out[i] = t.Role
	}
	return out
}

func TestController_TextReplySpeaksAndReturnsToIdle(t *testing.T) {
	h := startController(t, Deps{
		Transcriber: staticTranscriber("how are we doing"),
		Reasoner: inferFunc(func(_ context.Context, turns []conversation.Turn, _ []action.Definition) (reasoning.Result, error) {
			return reasoning.TextReply("Pretty well. Shipping on Friday."), nil
		}),
	}, Options{})

	h.utter()
	h.waitEdge(t, "speaking>idle")

	turns := h.ctrl.Transcript()
	assert.Equal(t, []conversation.Role{conversation.RoleSystem, conversation.RoleUser, conversation.RoleAgent}, roles(turns))
	assert.Equal(t, "Pretty well. Shipping on Friday.", turns[2].Text)
	assert.Equal(t, []string{"Pretty well.", "Shipping on Friday."}, h.tts.spoken())
	assert.EqualValues(t, 1, h.sink.flush.Load())
	assert.Equal(t, StateIdle, h.ctrl.State())
}

func TestController_DispatchSuccess(t *testing.T) {
	var got dispatch.Payload
	var gotDest string
	var gotTimeout time.Duration
	h := startController(t, Deps{
		Transcriber: staticTranscriber("please draft the investor update"),
		Reasoner: inferFunc(func(context.Context, []conversation.Turn, []action.Definition) (reasoning.Result, error) {
			return reasoning.Invoke(action.AgentTaskName, map[string]any{
				"action":      "Investor update",
				"description": "Draft the monthly investor update",
			}), nil
		}),
		Dispatcher: dispatchFunc(func(_ context.Context, dest string, p dispatch.Payload, timeout time.Duration) dispatch.Result {
			got, gotDest, gotTimeout = p, dest, timeout
			return dispatch.Result{Method: p.Method, Value: "task-42"}
		}),
	}, Options{Destination: func() string { return "frontend" }})

	h.utter()
	h.waitEdge(t, "dispatching>idle")

	assert.Equal(t, action.MethodAgentTask, got.Method)
	assert.Equal(t, map[string]string{"action": "Investor update", "description": "Draft the monthly investor update"}, got.Fields)
	assert.Equal(t, "frontend", gotDest)
	assert.Equal(t, 5*time.Second, gotTimeout)

	turns := h.ctrl.Transcript()
	require.Len(t, turns, 3)
	last := turns[2]
	assert.Equal(t, conversation.RoleAgent, last.Role)
	require.NotNil(t, last.Result)
	assert.True(t, last.Result.OK)
	assert.Equal(t, "task-42", last.Result.Value)
	assert.Equal(t, action.MethodAgentTask, last.Result.Method)
	assert.Contains(t, last.Text, "Task sent to frontend")
	assert.Empty(t, h.tts.spoken())
}

func TestController_DispatchTimeoutRecordsFailure(t *testing.T) {
	h := startController(t, Deps{
		Transcriber: staticTranscriber("remind me to call the bank"),
		Reasoner: inferFunc(func(context.Context, []conversation.Turn, []action.Definition) (reasoning.Result, error) {
			return reasoning.Invoke(action.HumanTaskName, map[string]any{"task": "Call the bank"}), nil
		}),
		Dispatcher: dispatchFunc(func(_ context.Context, _ string, p dispatch.Payload, timeout time.Duration) dispatch.Result {
			return dispatch.Result{Method: p.Method, Failure: &dispatch.Failure{Kind: dispatch.KindTimeout, Detail: "no response within 5s", Err: dispatch.ErrTimeout}}
		}),
	}, Options{})

	h.utter()
	h.waitEdge(t, "dispatching>idle")

	last := h.ctrl.Transcript()[2]
	require.NotNil(t, last.Result)
	assert.False(t, last.Result.OK)
	assert.True(t, strings.HasPrefix(last.Text, "Error sending task result to frontend"))
	assert.Contains(t, last.Result.Failure, "timeout")
	assert.Equal(t, StateIdle, h.ctrl.State())
}

func TestController_SpeaksDispatchResultWhenConfigured(t *testing.T) {
	h := startController(t, Deps{
		Transcriber: staticTranscriber("take the landing page"),
		Reasoner: inferFunc(func(context.Context, []conversation.Turn, []action.Definition) (reasoning.Result, error) {
			return reasoning.Invoke(action.AgentTaskName, map[string]any{"action": "Landing page", "description": "Rewrite copy"}), nil
		}),
		Dispatcher: dispatchFunc(func(_ context.Context, _ string, p dispatch.Payload, _ time.Duration) dispatch.Result {
			return dispatch.Result{Method: p.Method, Value: "ok"}
		}),
	}, Options{SpeakDispatchResults: true})

	h.utter()
	h.waitEdge(t, "dispatching>speaking")
	h.waitEdge(t, "speaking>idle")
	assert.NotEmpty(t, h.tts.spoken())
	assert.Equal(t, 1, h.ctrl.conv.Count(conversation.RoleAgent))
}

func TestController_InvalidInvocationsNeverDispatch(t *testing.T) {
	cases := []struct {
		name    string
		inv     reasoning.Result
		failure string
	}{
		{"unknown", reasoning.Invoke("launch_rocket", nil), "launch_rocket"},
		{"missing", reasoning.Invoke(action.AgentTaskName, map[string]any{"action": "Deck"}), "description"},
		{"blank", reasoning.Invoke(action.HumanTaskName, map[string]any{"task": "  "}), "task"},
		{"wrong type", reasoning.Invoke(action.HumanTaskName, map[string]any{"task": []string{"a"}}), "task"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			h := startController(t, Deps{
				Transcriber: staticTranscriber("do the thing"),
				Reasoner: inferFunc(func(context.Context, []conversation.Turn, []action.Definition) (reasoning.Result, error) {
					return tc.inv, nil
				}),
				Dispatcher: dispatchFunc(func(context.Context, string, dispatch.Payload, time.Duration) dispatch.Result {
					calls.Add(1)
					return dispatch.Result{}
				}),
			}, Options{})

			h.utter()
			h.waitEdge(t, "dispatching>idle")
			assert.Zero(t, calls.Load())

			last := h.ctrl.Transcript()[2]
			require.NotNil(t, last.Result)
			assert.False(t, last.Result.OK)
			assert.Contains(t, last.Result.Failure, tc.failure)
		})
	}
}

func TestController_InterruptWhileSpeaking(t *testing.T) {
	h := startController(t, Deps{
		Transcriber: staticTranscriber("tell me everything"),
		Reasoner: inferFunc(func(context.Context, []conversation.Turn, []action.Definition) (reasoning.Result, error) {
			return reasoning.TextReply("This is going to take a while"), nil
		}),
		TTS: &fakeTTS{hold: true},
	}, Options{})

	h.utter()
	require.Eventually(t, func() bool {
		return h.ctrl.State() == StateSpeaking && h.sink.writes.Load() > 0
	}, 2*time.Second, 5*time.Millisecond)

	h.ctrl.SpeechStarted()
	h.waitEdge(t, "speaking>listening")
	assert.EqualValues(t, 1, h.sink.resets.Load())

	// The cancelled playback must not pull the controller back to idle.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateListening, h.ctrl.State())
	assert.Equal(t, 1, h.ctrl.conv.Count(conversation.RoleAgent))
	assert.Zero(t, h.sink.flush.Load())
}

func TestController_ManualInterrupt(t *testing.T) {
	h := startController(t, Deps{
		Transcriber: staticTranscriber("hi"),
		Reasoner: inferFunc(func(context.Context, []conversation.Turn, []action.Definition) (reasoning.Result, error) {
			return reasoning.TextReply("Hello"), nil
		}),
		TTS: &fakeTTS{hold: true},
	}, Options{})

	h.utter()
	require.Eventually(t, func() bool { return h.ctrl.State() == StateSpeaking }, 2*time.Second, 5*time.Millisecond)
	h.ctrl.Interrupt()
	h.waitEdge(t, "speaking>listening")
}

func TestController_TranscriptionFailureAbortsTurn(t *testing.T) {
	var inferCalls atomic.Int32
	h := startController(t, Deps{
		Transcriber: transcribeFunc(func(context.Context, []byte, int, string) (string, error) {
			return "", errors.New("stt unavailable")
		}),
		Reasoner: inferFunc(func(context.Context, []conversation.Turn, []action.Definition) (reasoning.Result, error) {
			inferCalls.Add(1)
			return reasoning.TextReply("x"), nil
		}),
	}, Options{})

	h.utter()
	h.waitEdge(t, "transcribing>idle")
	assert.Equal(t, 1, h.ctrl.conv.Len())
	assert.Zero(t, inferCalls.Load())
}

func TestController_EmptyTranscriptAbortsTurn(t *testing.T) {
	h := startController(t, Deps{Transcriber: staticTranscriber("   ")}, Options{})
	h.utter()
	h.waitEdge(t, "transcribing>idle")
	assert.Equal(t, 1, h.ctrl.conv.Len())
}

func TestController_ReasoningRetriedOnce(t *testing.T) {
	var calls atomic.Int32
	h := startController(t, Deps{
		Transcriber: staticTranscriber("what's next"),
		Reasoner: inferFunc(func(context.Context, []conversation.Turn, []action.Definition) (reasoning.Result, error) {
			if calls.Add(1) == 1 {
				return reasoning.Result{}, errors.New("rate limited")
			}
			return reasoning.TextReply("Hiring."), nil
		}),
	}, Options{})

	h.utter()
	h.waitEdge(t, "speaking>idle")
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, "Hiring.", h.ctrl.conv.Last().Text)
}

func TestController_ReasoningFailureSpeaksFiller(t *testing.T) {
	var calls atomic.Int32
	h := startController(t, Deps{
		Transcriber: staticTranscriber("what's next"),
		Reasoner: inferFunc(func(context.Context, []conversation.Turn, []action.Definition) (reasoning.Result, error) {
			calls.Add(1)
			return reasoning.Result{}, errors.New("model down")
		}),
	}, Options{FillerReply: "One moment."})

	h.utter()
	h.waitEdge(t, "speaking>idle")
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, []string{"One moment."}, h.tts.spoken())
	assert.Zero(t, h.ctrl.conv.Count(conversation.RoleAgent))
}

func TestController_SpeechDuringTranscriptionKeepsBothUtterances(t *testing.T) {
	release := make(chan struct{})
	var n atomic.Int32
	var seen []conversation.Turn
	h := startController(t, Deps{
		Transcriber: transcribeFunc(func(context.Context, []byte, int, string) (string, error) {
			if n.Add(1) == 1 {
				<-release
				return "first", nil
			}
			return "second", nil
		}),
		Reasoner: inferFunc(func(_ context.Context, turns []conversation.Turn, _ []action.Definition) (reasoning.Result, error) {
			seen = turns
			return reasoning.TextReply("Heard " + turns[len(turns)-1].Text + "."), nil
		}),
	}, Options{})

	h.utter()
	require.Eventually(t, func() bool { return h.ctrl.State() == StateTranscribing }, 2*time.Second, 5*time.Millisecond)

	h.ctrl.SpeechStarted()
	h.waitEdge(t, "transcribing>listening")
	h.ctrl.SpeechEnded(vad.Segment{PCM: make([]byte, 320), SampleRate: 16000})

	// The second transcript is ready but waits behind the first.
	require.Eventually(t, func() bool { return n.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateTranscribing, h.ctrl.State())
	assert.Equal(t, 1, h.ctrl.conv.Len())

	close(release)
	h.waitEdge(t, "speaking>idle")

	turns := h.ctrl.Transcript()
	require.Len(t, turns, 4)
	assert.Equal(t, []conversation.Role{conversation.RoleSystem, conversation.RoleUser, conversation.RoleUser, conversation.RoleAgent}, roles(turns))
	assert.Equal(t, "first", turns[1].Text)
	assert.Equal(t, "second", turns[2].Text)
	assert.Equal(t, "Heard second.", turns[3].Text)
	require.Len(t, seen, 3)
	assert.Equal(t, "first", seen[1].Text)
}

func TestController_SpeechDuringReasoningDiscardsReply(t *testing.T) {
	release := make(chan struct{})
	var n atomic.Int32
	h := startController(t, Deps{
		Transcriber: transcribeFunc(func(context.Context, []byte, int, string) (string, error) {
			if n.Add(1) == 1 {
				return "first", nil
			}
			return "second", nil
		}),
		Reasoner: inferFunc(func(ctx context.Context, turns []conversation.Turn, _ []action.Definition) (reasoning.Result, error) {
			if turns[len(turns)-1].Text == "first" {
				<-release
			}
			return reasoning.TextReply("Heard " + turns[len(turns)-1].Text + "."), nil
		}),
	}, Options{})

	h.utter()
	h.waitEdge(t, "transcribing>reasoning")
	h.ctrl.SpeechStarted()
	h.waitEdge(t, "reasoning>listening")
	close(release)

	h.ctrl.SpeechEnded(vad.Segment{PCM: make([]byte, 320), SampleRate: 16000})
	h.waitEdge(t, "speaking>idle")

	turns := h.ctrl.Transcript()
	require.Len(t, turns, 4)
	assert.Equal(t, "first", turns[1].Text)
	assert.Equal(t, "second", turns[2].Text)
	assert.Equal(t, "Heard second.", turns[3].Text)
	assert.Equal(t, []string{"Heard second."}, h.tts.spoken())
}

type remoteCallerFunc func(ctx context.Context, destination, method, payload string, timeout time.Duration) (string, error)

func (f remoteCallerFunc) PerformRemoteCall(ctx context.Context, destination, method, payload string, timeout time.Duration) (string, error) {
	return f(ctx, destination, method, payload, timeout)
}

func TestController_SpeechDuringDispatchLetsRemoteCallFinish(t *testing.T) {
	m := metrics.NewCollector()
	release := make(chan struct{})
	callErr := make(chan error, 1)
	caller := remoteCallerFunc(func(ctx context.Context, _, _, _ string, _ time.Duration) (string, error) {
		<-release
		callErr <- ctx.Err()
		return "task-7", nil
	})

	var n atomic.Int32
	h := startController(t, Deps{
		Transcriber: transcribeFunc(func(context.Context, []byte, int, string) (string, error) {
			if n.Add(1) == 1 {
				return "add the quarterly report", nil
			}
			return "actually never mind", nil
		}),
		Reasoner: inferFunc(func(_ context.Context, turns []conversation.Turn, _ []action.Definition) (reasoning.Result, error) {
			if turns[len(turns)-1].Text == "add the quarterly report" {
				return reasoning.Invoke(action.AgentTaskName, map[string]any{"action": "Quarterly report", "description": "Compile Q3 numbers"}), nil
			}
			return reasoning.TextReply("Okay."), nil
		}),
		Dispatcher: dispatch.New(caller, dispatch.WithLogger(zaptest.NewLogger(t)), dispatch.WithMetrics(m)),
	}, Options{
		Metrics:     m,
		RPCTimeout:  time.Minute,
		Destination: func() string { return "frontend" },
	})

	h.utter()
	h.waitEdge(t, "reasoning>dispatching")
	h.ctrl.SpeechStarted()
	h.waitEdge(t, "dispatching>listening")

	h.ctrl.SpeechEnded(vad.Segment{PCM: make([]byte, 320), SampleRate: 16000})
	h.waitEdge(t, "speaking>idle")

	close(release)
	select {
	case err := <-callErr:
		assert.NoError(t, err, "remote call must outlive the superseded turn")
	case <-time.After(2 * time.Second):
		t.Fatal("remote call never returned")
	}

	late := `
# HELP voice_agent_late_dispatch_results_total Remote results that arrived after the controller stopped waiting
# TYPE voice_agent_late_dispatch_results_total counter
voice_agent_late_dispatch_results_total{method="getAgentTask",outcome="success"} 1
`
	require.Eventually(t, func() bool {
		return testutil.GatherAndCompare(m.Registry(), strings.NewReader(late), "voice_agent_late_dispatch_results_total") == nil
	}, 2*time.Second, 5*time.Millisecond)

	turns := h.ctrl.Transcript()
	require.Len(t, turns, 4)
	assert.Equal(t, []conversation.Role{conversation.RoleSystem, conversation.RoleUser, conversation.RoleUser, conversation.RoleAgent}, roles(turns))
	for _, turn := range turns {
		assert.Nil(t, turn.Result)
	}
	assert.Equal(t, "Okay.", turns[3].Text)
}

func TestController_DispatchTimesOutAgainstSlowRemote(t *testing.T) {
	caller := remoteCallerFunc(func(ctx context.Context, _, _, _ string, _ time.Duration) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	h := startController(t, Deps{
		Transcriber: staticTranscriber("remind me to file taxes"),
		Reasoner: inferFunc(func(context.Context, []conversation.Turn, []action.Definition) (reasoning.Result, error) {
			return reasoning.Invoke(action.HumanTaskName, map[string]any{"task": "File taxes"}), nil
		}),
		Dispatcher: dispatch.New(caller, dispatch.WithLogger(zaptest.NewLogger(t))),
	}, Options{
		RPCTimeout:  50 * time.Millisecond,
		Destination: func() string { return "frontend" },
	})

	h.utter()
	h.waitEdge(t, "dispatching>idle")

	turns := h.ctrl.Transcript()
	require.Len(t, turns, 3)
	require.NotNil(t, turns[2].Result)
	assert.False(t, turns[2].Result.OK)
	assert.Contains(t, turns[2].Result.Failure, "timeout")
}

func TestController_FillerTurnCountedOnce(t *testing.T) {
	m := metrics.NewCollector()
	h := startController(t, Deps{
		Transcriber: staticTranscriber("what's next"),
		Reasoner: inferFunc(func(context.Context, []conversation.Turn, []action.Definition) (reasoning.Result, error) {
			return reasoning.Result{}, errors.New("model down")
		}),
	}, Options{Metrics: m})

	h.utter()
	h.waitEdge(t, "speaking>idle")

	expected := `
# HELP voice_agent_turns_total Completed turns by outcome
# TYPE voice_agent_turns_total counter
voice_agent_turns_total{outcome="filler"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "voice_agent_turns_total"))
}

func TestController_SpeechEndIgnoredOutsideListening(t *testing.T) {
	var calls atomic.Int32
	h := startController(t, Deps{
		Transcriber: transcribeFunc(func(context.Context, []byte, int, string) (string, error) {
			calls.Add(1)
			return "x", nil
		}),
	}, Options{})

	h.ctrl.SpeechEnded(vad.Segment{PCM: make([]byte, 320), SampleRate: 16000})
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, calls.Load())
	assert.Equal(t, StateIdle, h.ctrl.State())
}

func TestController_GreetingSpokenAtStart(t *testing.T) {
	h := startController(t, Deps{
		Greeter: greetFunc(func(_ context.Context, prompt string) (string, error) {
			assert.Equal(t, DefaultGreetingPrompt, prompt)
			return "Hey, good to hear from you.", nil
		}),
	}, Options{Greeting: true})

	h.waitEdge(t, "speaking>idle")
	turns := h.ctrl.Transcript()
	require.Len(t, turns, 2)
	assert.Equal(t, conversation.RoleAgent, turns[1].Role)
	assert.Equal(t, []string{"Hey, good to hear from you."}, h.tts.spoken())
}

func TestController_GreetingDiscardedWhenUserSpeaksFirst(t *testing.T) {
	release := make(chan struct{})
	h := startController(t, Deps{
		Greeter: greetFunc(func(context.Context, string) (string, error) {
			<-release
			return "Hello!", nil
		}),
	}, Options{Greeting: true})

	h.ctrl.SpeechStarted()
	h.waitEdge(t, "idle>listening")
	close(release)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateListening, h.ctrl.State())
	assert.Equal(t, 1, h.ctrl.conv.Len())
	assert.Empty(t, h.tts.spoken())
}

func TestChunkReply(t *testing.T) {
	assert.Nil(t, chunkReply("   "))
	assert.Equal(t, []string{"Hi.", "How are you?", "Great"}, chunkReply("Hi. How are you?\nGreat"))
	assert.Equal(t, []string{"Wow!", "ok"}, chunkReply("Wow!\r\n ok"))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "dispatching", StateDispatching.String())
	assert.Equal(t, "state(42)", State(42).String())
}
