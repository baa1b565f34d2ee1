package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chadiek/voice-agent/internal/action"
	"github.com/chadiek/voice-agent/internal/conversation"
	"github.com/chadiek/voice-agent/internal/dispatch"
	"github.com/chadiek/voice-agent/internal/metrics"
	"github.com/chadiek/voice-agent/internal/reasoning"
	"github.com/chadiek/voice-agent/internal/vad"
)

// State is a turn controller state.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateTranscribing
	StateReasoning
	StateSpeaking
	StateDispatching
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateTranscribing:
		return "transcribing"
	case StateReasoning:
		return "reasoning"
	case StateSpeaking:
		return "speaking"
	case StateDispatching:
		return "dispatching"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const defaultRPCTimeout = 5 * time.Second

type Options struct {
	SystemPrompt   string
	GreetingPrompt string
	Greeting       bool
	FillerReply    string
	Language       string
	RPCTimeout     time.Duration
	// SpeakDispatchResults vocalizes dispatch outcomes instead of returning to idle silently.
	SpeakDispatchResults bool
	// Destination names the remote participant for task calls.
	Destination  func() string
	OnTransition func(from, to State)
	Logger       *zap.Logger
	Metrics      *metrics.Collector
}

type Deps struct {
	Transcriber Transcriber
	Reasoner    Reasoner
	Greeter     Greeter
	TTS         TTS
	Sink        PCM48kSink
	Actions     Actions
	Dispatcher  Dispatcher
}

type (
	speechStartEvent struct{ manual bool }
	speechEndEvent   struct{ seg vad.Segment }
	transcribedEvent struct {
		gen  uint64
		text string
		err  error
	}
	reasonedEvent struct {
		gen uint64
		res reasoning.Result
		err error
	}
	dispatchedEvent struct {
		gen        uint64
		inv        action.Invocation
		method     string
		res        dispatch.Result
		resolveErr error
	}
	spokenEvent struct {
		gen uint64
		err error
	}
	greetedEvent struct {
		text string
		err  error
	}
)

// utterance is a transcription in flight. Results are applied in the order
// the utterances ended.
type utterance struct {
	gen  uint64
	done bool
	text string
	err  error
}

// Controller drives one session through its turns. All state changes happen
// on the Run goroutine; async steps post their results back tagged with the
// turn generation that started them, and results from an older generation
// are dropped.
type Controller struct {
	deps    Deps
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Collector
	conv    *conversation.State

	events  chan any
	done    chan struct{}
	current atomic.Int32
	wg      sync.WaitGroup

	// playMu orders sink writes against interruption resets.
	playMu sync.Mutex

	// Owned by the Run goroutine.
	baseCtx         context.Context
	state           State
	gen             uint64
	turnCtx         context.Context
	turnCancel      context.CancelFunc
	greetingPending bool
	heard           []*utterance
	speakOutcome    string
}

func NewController(deps Deps, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	if opts.GreetingPrompt == "" {
		opts.GreetingPrompt = DefaultGreetingPrompt
	}
	if opts.FillerReply == "" {
		opts.FillerReply = DefaultFillerReply
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = defaultRPCTimeout
	}
	if deps.Sink == nil {
		deps.Sink = nopSink{}
	}
	return &Controller{
		deps:    deps,
		opts:    opts,
		logger:  opts.Logger.With(zap.String("component", "controller")),
		metrics: opts.Metrics,
		conv:    conversation.New(opts.SystemPrompt),
		events:  make(chan any, 256),
		done:    make(chan struct{}),
	}
}

// State reports the current state. Safe from any goroutine.
func (c *Controller) State() State { return State(c.current.Load()) }

// Transcript returns a copy of the conversation so far.
func (c *Controller) Transcript() []conversation.Turn { return c.conv.Turns() }

// SpeechStarted reports a VAD speech-start boundary.
func (c *Controller) SpeechStarted() { c.post(speechStartEvent{}) }

// SpeechEnded reports a finished utterance.
func (c *Controller) SpeechEnded(seg vad.Segment) { c.post(speechEndEvent{seg: seg}) }

// Interrupt behaves like a speech start; used by manual barge-in commands.
func (c *Controller) Interrupt() { c.post(speechStartEvent{manual: true}) }

// Run processes events until ctx is cancelled. It must be called once.
func (c *Controller) Run(ctx context.Context) error {
	c.baseCtx = ctx
	defer func() {
		c.abortTurn()
		c.playMu.Lock()
		c.deps.Sink.Reset()
		c.playMu.Unlock()
		close(c.done)
		c.wg.Wait()
	}()

	if c.opts.Greeting && c.deps.Greeter != nil {
		c.startGreeting()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Controller) post(ev any) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) goStep(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *Controller) handle(ev any) {
	switch e := ev.(type) {
	case speechStartEvent:
		c.onSpeechStart(e.manual)
	case speechEndEvent:
		c.onSpeechEnd(e.seg)
	case transcribedEvent:
		c.onTranscribed(e)
	case reasonedEvent:
		c.onReasoningResult(e)
	case dispatchedEvent:
		c.onDispatchComplete(e)
	case spokenEvent:
		c.onSpoken(e)
	case greetedEvent:
		c.onGreeted(e)
	default:
		c.logger.Error("unknown event", zap.String("type", fmt.Sprintf("%T", ev)))
	}
}

func (c *Controller) transition(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.current.Store(int32(to))
	c.logger.Debug("state transition", zap.Stringer("from", from), zap.Stringer("to", to), zap.Uint64("turn", c.gen))
	c.metrics.Transition(from.String(), to.String())
	if c.opts.OnTransition != nil {
		c.opts.OnTransition(from, to)
	}
}

// newTurn cancels whatever is in flight and opens a fresh generation.
func (c *Controller) newTurn() (uint64, context.Context) {
	c.abortTurn()
	c.gen++
	c.turnCtx, c.turnCancel = context.WithCancel(c.baseCtx)
	return c.gen, c.turnCtx
}

func (c *Controller) abortTurn() {
	if c.turnCancel != nil {
		c.turnCancel()
		c.turnCancel = nil
	}
}

// supersede invalidates the in-flight turn without starting a new one.
func (c *Controller) supersede() {
	c.abortTurn()
	c.gen++
}

func (c *Controller) finishTurn(outcome string) {
	c.abortTurn()
	c.metrics.TurnFinished(outcome)
	c.transition(StateIdle)
}

func (c *Controller) stale(gen uint64, want State, step string) bool {
	if gen == c.gen && c.state == want {
		return false
	}
	c.logger.Info("discarding stale result",
		zap.String("step", step),
		zap.Uint64("result_turn", gen),
		zap.Uint64("current_turn", c.gen),
		zap.Stringer("state", c.state),
	)
	c.metrics.StaleResult(step)
	return true
}

func (c *Controller) onSpeechStart(manual bool) {
	c.greetingPending = false
	switch c.state {
	case StateIdle:
		c.transition(StateListening)
	case StateSpeaking:
		c.supersede()
		c.playMu.Lock()
		c.deps.Sink.Reset()
		c.playMu.Unlock()
		c.logger.Info("reply interrupted", zap.Bool("manual", manual))
		c.metrics.Interrupted()
		c.metrics.TurnFinished("interrupted")
		c.transition(StateListening)
	case StateTranscribing:
		// The pending transcription keeps running and is recorded ahead of
		// the new utterance.
		c.logger.Info("speech started while transcribing; carrying utterance", zap.Bool("manual", manual))
		c.supersede()
		c.transition(StateListening)
	case StateReasoning, StateDispatching:
		c.logger.Info("speech started mid-turn; superseding", zap.Stringer("state", c.state), zap.Bool("manual", manual))
		c.supersede()
		c.metrics.TurnFinished("superseded")
		c.transition(StateListening)
	}
}

func (c *Controller) onSpeechEnd(seg vad.Segment) {
	if c.state != StateListening {
		c.logger.Debug("speech end ignored", zap.Stringer("state", c.state))
		return
	}
	gen, _ := c.newTurn()
	c.heard = append(c.heard, &utterance{gen: gen})
	c.transition(StateTranscribing)
	ctx := c.baseCtx
	c.goStep(func() {
		start := time.Now()
		text, err := c.deps.Transcriber.Transcribe(ctx, seg.PCM, seg.SampleRate, c.opts.Language)
		c.metrics.ObserveStage("transcribe", time.Since(start))
		c.post(transcribedEvent{gen: gen, text: text, err: err})
	})
}

func (c *Controller) onTranscribed(e transcribedEvent) {
	var u *utterance
	for _, h := range c.heard {
		if h.gen == e.gen {
			u = h
			break
		}
	}
	if u == nil {
		c.stale(e.gen, StateTranscribing, "transcribe")
		return
	}
	u.done, u.text, u.err = true, e.text, e.err

	for len(c.heard) > 0 && c.heard[0].done {
		h := c.heard[0]
		c.heard = c.heard[1:]
		if h.gen == c.gen && c.state == StateTranscribing {
			c.onHeard(transcribedEvent{gen: h.gen, text: h.text, err: h.err})
			continue
		}
		c.recordCarried(h)
	}
}

// recordCarried appends an utterance whose turn was overtaken by new speech.
func (c *Controller) recordCarried(h *utterance) {
	err := h.err
	if err == nil {
		err = c.conv.AppendUser(h.text)
	}
	if err != nil {
		c.logger.Warn("carried transcription dropped", zap.Uint64("turn", h.gen), zap.Error(err))
		return
	}
	c.logger.Info("heard", zap.String("text", h.text), zap.Bool("carried", true))
}

func (c *Controller) onHeard(e transcribedEvent) {
	if e.err == nil {
		e.err = c.conv.AppendUser(e.text)
	}
	if e.err != nil {
		c.logger.Warn("transcription failed; turn aborted", zap.Error(e.err))
		c.finishTurn("transcription_failed")
		return
	}
	c.logger.Info("heard", zap.String("text", e.text))
	c.transition(StateReasoning)

	gen, ctx := e.gen, c.turnCtx
	turns := c.conv.Turns()
	defs := c.deps.Actions.Definitions()
	c.goStep(func() {
		start := time.Now()
		res, err := c.deps.Reasoner.Infer(ctx, turns, defs)
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("reasoning failed; retrying once", zap.Error(err))
			res, err = c.deps.Reasoner.Infer(ctx, turns, defs)
		}
		c.metrics.ObserveStage("reason", time.Since(start))
		c.post(reasonedEvent{gen: gen, res: res, err: err})
	})
}

func (c *Controller) onReasoningResult(e reasonedEvent) {
	if c.stale(e.gen, StateReasoning, "reason") {
		return
	}
	if e.err == nil && e.res.IsAction() {
		c.transition(StateDispatching)
		c.startDispatch(e.gen, c.turnCtx, *e.res.Invocation)
		return
	}
	if e.err == nil {
		e.err = c.conv.AppendAgent(e.res.Text)
	}
	if e.err != nil {
		// The filler is spoken but not recorded; the next inference sees the
		// same unanswered user turn.
		c.logger.Warn("reasoning failed after retry; speaking filler", zap.Error(e.err))
		c.transition(StateSpeaking)
		c.startSpeaking(e.gen, c.turnCtx, c.opts.FillerReply, "filler")
		return
	}
	c.logger.Info("replying", zap.String("text", e.res.Text))
	c.transition(StateSpeaking)
	c.startSpeaking(e.gen, c.turnCtx, e.res.Text, "spoken")
}

func (c *Controller) startDispatch(gen uint64, ctx context.Context, inv action.Invocation) {
	c.goStep(func() {
		ev := dispatchedEvent{gen: gen, inv: inv}
		bound, err := c.deps.Actions.Resolve(inv)
		if err == nil {
			var p dispatch.Payload
			p, err = bound.Payload()
			if err == nil {
				ev.method = p.Method
				dest := ""
				if c.opts.Destination != nil {
					dest = c.opts.Destination()
				}
				ev.res = c.deps.Dispatcher.Dispatch(ctx, dest, p, c.opts.RPCTimeout)
			}
		}
		ev.resolveErr = err
		c.post(ev)
	})
}

func (c *Controller) onDispatchComplete(e dispatchedEvent) {
	if c.stale(e.gen, StateDispatching, "dispatch") {
		return
	}
	text, result, outcome := summarizeDispatch(e)
	if err := c.conv.AppendResult(text, result); err != nil {
		c.logger.Error("append dispatch result", zap.Error(err))
	}
	c.logger.Info("dispatch complete", zap.String("action", e.inv.Name), zap.String("outcome", outcome))

	if c.opts.SpeakDispatchResults {
		c.transition(StateSpeaking)
		c.startSpeaking(e.gen, c.turnCtx, spokenOutcome(e), outcome)
		return
	}
	c.finishTurn(outcome)
}

// startSpeaking plays text; the turn is counted under outcome once playback
// completes.
func (c *Controller) startSpeaking(gen uint64, ctx context.Context, text, outcome string) {
	c.speakOutcome = outcome
	c.goStep(func() {
		err := c.play(ctx, text)
		c.post(spokenEvent{gen: gen, err: err})
	})
}

// play streams text through TTS into the sink sentence by sentence.
func (c *Controller) play(ctx context.Context, text string) error {
	start := time.Now()
	first := true
	for _, chunk := range chunkReply(text) {
		if err := ctx.Err(); err != nil {
			return err
		}
		pcmCh, errCh := c.deps.TTS.StreamPCM48k(ctx, chunk)
	STREAM:
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case b, ok := <-pcmCh:
				if !ok {
					break STREAM
				}
				if len(b) == 0 {
					continue
				}
				if first {
					c.metrics.ObserveStage("first_audio", time.Since(start))
					first = false
				}
				c.playMu.Lock()
				if ctx.Err() == nil {
					c.deps.Sink.WritePCM(b)
				}
				c.playMu.Unlock()
			}
		}
		if err := <-errCh; err != nil {
			return err
		}
	}

	c.playMu.Lock()
	if ctx.Err() == nil {
		c.deps.Sink.FlushTail()
	}
	c.playMu.Unlock()
	return c.deps.Sink.Drain(ctx)
}

func (c *Controller) onSpoken(e spokenEvent) {
	if c.stale(e.gen, StateSpeaking, "speak") {
		return
	}
	if e.err != nil && !errors.Is(e.err, context.Canceled) {
		c.logger.Warn("playback failed", zap.Error(e.err))
	}
	c.finishTurn(c.speakOutcome)
}

func (c *Controller) startGreeting() {
	c.greetingPending = true
	ctx := c.baseCtx
	c.goStep(func() {
		text, err := c.deps.Greeter.Greet(ctx, c.opts.GreetingPrompt)
		c.post(greetedEvent{text: text, err: err})
	})
}

func (c *Controller) onGreeted(e greetedEvent) {
	if !c.greetingPending || c.state != StateIdle {
		c.logger.Info("greeting discarded; participant spoke first")
		c.metrics.StaleResult("greet")
		return
	}
	c.greetingPending = false
	if e.err == nil {
		e.err = c.conv.AppendAgent(e.text)
	}
	if e.err != nil {
		c.logger.Warn("greeting failed", zap.Error(e.err))
		return
	}
	gen, ctx := c.newTurn()
	c.transition(StateSpeaking)
	c.startSpeaking(gen, ctx, e.text, "greeting")
}

func summarizeDispatch(e dispatchedEvent) (string, conversation.ActionResult, string) {
	r := conversation.ActionResult{Action: e.inv.Name, Method: e.method}
	switch {
	case e.resolveErr != nil:
		r.Failure = e.resolveErr.Error()
		return fmt.Sprintf("Could not run %s: %v", e.inv.Name, e.resolveErr), r, "invalid_action"
	case e.res.OK():
		r.OK = true
		r.Value = e.res.Value
		if strings.TrimSpace(e.res.Value) == "" {
			return fmt.Sprintf("Task sent to frontend via %s.", e.method), r, "dispatched"
		}
		return fmt.Sprintf("Task sent to frontend via %s: %s", e.method, e.res.Value), r, "dispatched"
	default:
		r.Failure = e.res.Failure.Error()
		return "Error sending task result to frontend: " + e.res.Failure.Error(), r, "dispatch_" + string(e.res.Failure.Kind)
	}
}

func spokenOutcome(e dispatchedEvent) string {
	switch {
	case e.resolveErr != nil:
		return "Sorry, I couldn't work out the details of that task."
	case e.res.OK():
		return "Done, it's on the board."
	case e.res.Failure.Kind == dispatch.KindTimeout:
		return "Sorry, the board didn't answer in time, so that task may not have been saved."
	default:
		return "Sorry, I couldn't send that task over."
	}
}

// chunkReply splits a reply into sentence-like chunks so synthesis can start
// before the whole reply is rendered. Splits on '.', '?', '!' and newlines,
// retaining punctuation.
func chunkReply(reply string) []string {
	txt := strings.TrimSpace(reply)
	if txt == "" {
		return nil
	}
	var chunks []string
	var b strings.Builder
	flush := func() {
		if chunk := strings.TrimSpace(b.String()); chunk != "" {
			chunks = append(chunks, chunk)
		}
		b.Reset()
	}
	for _, r := range txt {
		switch r {
		case '.', '!', '?':
			b.WriteRune(r)
			flush()
		case '\n', '\r':
			flush()
		default:
			b.WriteRune(r)
		}
	}
	flush()
	return chunks
}
