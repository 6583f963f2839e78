package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kerbside/voicecab/pkg/engine/protocol"
)

var errBackpressure = errors.New("engine outbound backpressure")

const (
	stillThereNudge = "The caller has gone quiet. Briefly ask whether they are still on the line."

	maxSeenTurnIDs = 128
)

// goodbyePatterns match the assistant's closing script. A hit starts the
// drain-aware shutdown.
var goodbyePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bgood\s?bye\b`),
	regexp.MustCompile(`(?i)\bhave a (great|good|lovely|nice) (day|night|evening|morning)\b`),
	regexp.MustCompile(`(?i)\bthanks? (you )?for calling\b`),
	regexp.MustCompile(`(?i)\byour (taxi|cab|car) (is )?(booked|on its way|on the way)\b.*\bbye\b`),
}

// Player is the downstream audio sink toward the caller. Implementations
// must be safe for concurrent use.
type Player interface {
	Enqueue(frame []byte)
	Discard()
	Queued() int
}

// Handler receives serialized session events. OnCallerTranscript and
// OnAssistantTranscript run on the session event loop; HandleTool runs on the
// loop with a bounded context and must not block past it.
type Handler interface {
	OnCallerTranscript(text string)
	OnAssistantTranscript(text string)
	HandleTool(ctx context.Context, name string, args json.RawMessage) (any, error)
}

// Config holds the transport timing knobs. Zero values get defaults in New.
type Config struct {
	// QuietInterval is the minimum silence after detected user speech
	// before a turn may start.
	QuietInterval time.Duration
	// SettleDelay separates a turn finish from flushing a deferred turn.
	SettleDelay time.Duration

	NoReplyTimeout     time.Duration
	MaxNoReplyAttempts int
	// EchoGuard suppresses the watchdog when user speech was detected
	// recently; line echo often trails the assistant's own audio.
	EchoGuard time.Duration

	ToolTimeout time.Duration

	GoodbyeTurnWait    time.Duration
	GoodbyeSettleDelay time.Duration
	DrainPollInterval  time.Duration
	DrainTimeout       time.Duration
	GoodbyeFinalMargin time.Duration

	MaxCallDuration    time.Duration
	MaxAudioFrameBytes int

	PingInterval      time.Duration
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	OutboundQueueSize int
	EventQueueSize    int
}

// Dependencies wires a Transport.
type Dependencies struct {
	Conn    wsConn
	Player  Player
	Handler Handler
	Logger  *slog.Logger
	Config  Config
	CallID  string
	Hello   *protocol.SessionHello
	Now     func() time.Time
}

type turnActivity int32

const (
	turnIdle turnActivity = iota
	turnQueued
	turnActive
)

// Transport arbitrates exactly one assistant turn at a time over the duplex
// upstream session while enforcing the telephony safety invariants: the
// transcript-pending guard, barge-in, the no-reply watchdog, and drain-aware
// hangup. All state below the channels is owned by the Run loop; externally
// triggered work reaches it through post().
type Transport struct {
	conn    wsConn
	player  Player
	handler Handler
	logger  *slog.Logger
	cfg     Config
	callID  string
	hello   *protocol.SessionHello
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame
	events           chan Event
	cmds             chan func()

	activityShared atomic.Int32
	endedShared    atomic.Bool
	// lastAssistantDoneNanos is stamped on each turn finish; the drain
	// goroutine reads it to count the goodbye settle from the moment the
	// assistant actually stopped, not from when the drain started.
	lastAssistantDoneNanos atomic.Int64

	// Loop-owned state.
	activity              turnActivity
	currentTurnID         string
	audioEnqueuedForTurn  bool
	transcriptPending     bool
	toolInFlight          bool
	deferredPending       bool
	deferredInstructions  string
	suppressDeferredFlush bool
	watchdogGen           int64
	watchdogAttempts      int
	lastUserSpeech        time.Time
	awaitingConfirmation  bool
	ignoreInput           bool
	ended                 bool
	seenStarts            map[string]struct{}
	seenFinishes          map[string]struct{}
	audioSeq              int64
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func New(deps Dependencies) (*Transport, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Player == nil {
		return nil, fmt.Errorf("player is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg := deps.Config
	if cfg.QuietInterval <= 0 {
		cfg.QuietInterval = 300 * time.Millisecond
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	if cfg.NoReplyTimeout <= 0 {
		cfg.NoReplyTimeout = 8 * time.Second
	}
	if cfg.MaxNoReplyAttempts <= 0 {
		cfg.MaxNoReplyAttempts = 3
	}
	if cfg.EchoGuard <= 0 {
		cfg.EchoGuard = 2 * time.Second
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 10 * time.Second
	}
	if cfg.GoodbyeTurnWait <= 0 {
		cfg.GoodbyeTurnWait = 5 * time.Second
	}
	if cfg.GoodbyeSettleDelay <= 0 {
		cfg.GoodbyeSettleDelay = time.Second
	}
	if cfg.DrainPollInterval <= 0 {
		cfg.DrainPollInterval = 250 * time.Millisecond
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	if cfg.GoodbyeFinalMargin <= 0 {
		cfg.GoodbyeFinalMargin = time.Second
	}
	if cfg.MaxAudioFrameBytes <= 0 {
		cfg.MaxAudioFrameBytes = 8192
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 128
	}
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		conn:             deps.Conn,
		player:           deps.Player,
		handler:          deps.Handler,
		logger:           deps.Logger,
		cfg:              cfg,
		callID:           deps.CallID,
		hello:            deps.Hello,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, 32),
		outboundNormal:   make(chan outboundFrame, cfg.OutboundQueueSize),
		events:           make(chan Event, cfg.EventQueueSize),
		cmds:             make(chan func(), 64),
		seenStarts:       make(map[string]struct{}, 16),
		seenFinishes:     make(map[string]struct{}, 16),
	}, nil
}

// SetHandler installs the event handler. Must be called before Run.
func (t *Transport) SetHandler(h Handler) { t.handler = h }

// Events yields engine events for the surrounding call-handling layer.
func (t *Transport) Events() <-chan Event {
	if t == nil {
		return nil
	}
	return t.events
}

// Post schedules fn on the session event loop. Safe from any goroutine.
func (t *Transport) Post(fn func()) {
	if t == nil || fn == nil {
		return
	}
	select {
	case t.cmds <- fn:
	case <-t.ctx.Done():
	}
}

// SendCallerAudio forwards one caller audio frame upstream. Safe from any
// goroutine; frames are dropped rather than blocking real-time capture.
func (t *Transport) SendCallerAudio(frame []byte) {
	if t == nil || t.endedShared.Load() || len(frame) == 0 || len(frame) > t.cfg.MaxAudioFrameBytes {
		return
	}
	seq := atomic.AddInt64(&t.audioSeq, 1)
	payload, err := json.Marshal(protocol.AudioIn{
		Type:    "audio_in",
		Seq:     seq,
		DataB64: base64.StdEncoding.EncodeToString(frame),
	})
	if err != nil {
		return
	}
	select {
	case t.outboundNormal <- outboundFrame{payload: payload, isAudio: true}:
	default:
	}
}

// Run drives the session until the call ends or the connection breaks.
func (t *Transport) Run() error {
	defer t.cancel()

	if t.cfg.ReadTimeout > 0 {
		_ = t.conn.SetReadDeadline(t.now().Add(t.cfg.ReadTimeout))
	}

	readCh := make(chan inboundFrame, 64)
	writerErrCh := make(chan error, 1)
	go t.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:       t.conn,
			ctx:      t.ctx,
			cfg:      t.cfg,
			priority: t.outboundPriority,
			normal:   t.outboundNormal,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	if t.hello != nil {
		hello := *t.hello
		hello.Type = "hello"
		hello.ProtocolVersion = protocol.ProtocolVersion1
		hello.CallID = t.callID
		if err := t.sendControl(hello); err != nil {
			return err
		}
	}

	var callTimerCh <-chan time.Time
	if t.cfg.MaxCallDuration > 0 {
		callTimer := time.NewTimer(t.cfg.MaxCallDuration)
		defer callTimer.Stop()
		callTimerCh = callTimer.C
	}

	for {
		select {
		case <-t.ctx.Done():
			return nil
		case err := <-writerErrCh:
			if err != nil && !t.ended {
				t.logger.Warn("writer failed", "error", err)
				t.endCall(EndReasonConnectionClosed)
			}
			return nil
		case fn := <-t.cmds:
			fn()
			if t.ended {
				return nil
			}
		case frame, ok := <-readCh:
			if !ok || frame.err != nil {
				if !t.ended {
					t.endCall(EndReasonConnectionClosed)
				}
				return nil
			}
			t.handleFrame(frame)
			if t.ended {
				return nil
			}
		case <-callTimerCh:
			t.endCall(EndReasonSessionTimeout)
			return nil
		}
	}
}

func (t *Transport) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-t.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Transport) handleFrame(frame inboundFrame) {
	if frame.messageType != websocket.TextMessage {
		return
	}
	msg, err := protocol.DecodeUpstreamMessage(frame.data)
	if err != nil {
		// Malformed frames are never fatal.
		t.logger.Warn("skipping malformed upstream frame", "error", err)
		return
	}
	switch m := msg.(type) {
	case protocol.TurnStarted:
		t.onTurnStarted(m.TurnID)
	case protocol.TurnFinished:
		t.onTurnFinished(m.TurnID)
	case protocol.SpeechStarted:
		t.onUserSpeechStarted()
	case protocol.SpeechStopped:
		t.onUserSpeechStopped()
	case protocol.Transcript:
		t.onTranscript(m.Role, m.Text)
	case protocol.AudioOut:
		t.onAudioOut(m)
	case protocol.ToolCall:
		t.executeTool(m)
	case protocol.SessionError:
		t.logger.Warn("upstream session error", "code", m.Code, "message", m.Message)
	}
}

func (t *Transport) setActivity(a turnActivity) {
	t.activity = a
	t.activityShared.Store(int32(a))
}

// RequestTurn asks the upstream agent to speak next with the given
// instructions. If a turn is active or queued, a transcript is pending, or
// the caller spoke too recently, a single deferred turn is recorded instead;
// repeat requests while one is deferred are no-ops.
func (t *Transport) RequestTurn(instructions string) {
	t.requestTurn(instructions, false, false)
}

func (t *Transport) requestTurn(instructions string, bypassTranscriptGuard, toolTriggered bool) {
	if t.ended || t.ignoreInput {
		return
	}
	quietOK := t.lastUserSpeech.IsZero() || t.now().Sub(t.lastUserSpeech) >= t.cfg.QuietInterval
	blocked := t.activity != turnIdle ||
		(t.transcriptPending && !bypassTranscriptGuard) ||
		!quietOK
	if blocked {
		if !t.deferredPending {
			t.deferredPending = true
			t.deferredInstructions = instructions
		}
		return
	}
	t.deferredPending = false
	t.deferredInstructions = ""
	t.setActivity(turnQueued)
	if toolTriggered {
		// The turn this request starts was forced by a tool result; its
		// finish must not also flush an unrelated deferred turn.
		t.suppressDeferredFlush = true
	}
	if err := t.sendControl(protocol.StartTurn{Type: "start_turn", Instructions: instructions}); err != nil {
		t.setActivity(turnIdle)
		t.endCall(EndReasonConnectionClosed)
	}
}

func rememberTurnID(seen map[string]struct{}, id string) bool {
	if _, ok := seen[id]; ok {
		return false
	}
	if len(seen) >= maxSeenTurnIDs {
		for k := range seen {
			delete(seen, k)
		}
	}
	seen[id] = struct{}{}
	return true
}

func (t *Transport) onTurnStarted(turnID string) {
	if t.ended || !rememberTurnID(t.seenStarts, turnID) {
		return
	}
	t.setActivity(turnActive)
	t.currentTurnID = turnID
	t.audioEnqueuedForTurn = false
	// Caller audio buffered upstream before this point is stale and must
	// not be replayed into the new turn.
	_ = t.sendControl(protocol.ClearInput{Type: "clear_input"})
	t.emit(TurnStartedEvent{TurnID: turnID})
}

func (t *Transport) onTurnFinished(turnID string) {
	if t.ended || !rememberTurnID(t.seenFinishes, turnID) {
		return
	}
	t.setActivity(turnIdle)
	t.lastAssistantDoneNanos.Store(t.now().UnixNano())
	t.emit(TurnFinishedEvent{TurnID: turnID})

	if t.suppressDeferredFlush {
		t.suppressDeferredFlush = false
		t.armWatchdog()
		return
	}
	if t.deferredPending && !t.toolInFlight {
		t.deferredPending = false
		instructions := t.deferredInstructions
		t.deferredInstructions = ""
		time.AfterFunc(t.cfg.SettleDelay, func() {
			t.Post(func() { t.requestTurn(instructions, false, false) })
		})
		return
	}
	t.armWatchdog()
}

func (t *Transport) onUserSpeechStarted() {
	if t.ended {
		return
	}
	// Invalidate any in-flight watchdog; a stale fire compares generations
	// and becomes a no-op.
	t.watchdogGen++
	t.lastUserSpeech = t.now()
	t.transcriptPending = true
	if t.activity == turnActive && t.audioEnqueuedForTurn {
		// A turn that has produced no audio yet cannot be barged into.
		t.player.Discard()
		t.emit(BargeInEvent{TurnID: t.currentTurnID})
	}
}

func (t *Transport) onUserSpeechStopped() {
	if t.ended {
		return
	}
	t.lastUserSpeech = t.now()
	_ = t.sendControl(protocol.CommitInput{Type: "commit_input"})
}

func (t *Transport) onTranscript(role, text string) {
	if t.ended {
		return
	}
	t.emit(TranscriptEvent{Role: role, Text: text})
	if role == protocol.RoleCaller {
		if t.ignoreInput {
			return
		}
		t.transcriptPending = false
		t.watchdogAttempts = 0
		if t.handler != nil {
			t.handler.OnCallerTranscript(text)
		}
		return
	}
	if t.handler != nil {
		t.handler.OnAssistantTranscript(text)
	}
	if !t.ignoreInput && matchesGoodbye(text) {
		t.ShutdownAfterDrain(EndReasonGoodbye)
	}
}

func matchesGoodbye(text string) bool {
	for _, pattern := range goodbyePatterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}

func (t *Transport) onAudioOut(msg protocol.AudioOut) {
	if t.ended {
		return
	}
	audio, err := base64.StdEncoding.DecodeString(msg.DataB64)
	if err != nil {
		t.logger.Warn("skipping invalid audio_out payload", "error", err)
		return
	}
	if msg.TurnID == "" || msg.TurnID == t.currentTurnID {
		t.audioEnqueuedForTurn = true
	}
	t.player.Enqueue(audio)
	t.emit(AudioOutEvent{TurnID: msg.TurnID, Frame: audio})
}

// executeTool delegates to the handler, serializes the result back upstream,
// and forces the follow-up turn so the assistant can speak the outcome.
// Handler failures become error payloads; they never tear down the session.
func (t *Transport) executeTool(call protocol.ToolCall) {
	if t.ended || t.handler == nil {
		return
	}
	t.toolInFlight = true
	defer func() { t.toolInFlight = false }()

	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.ToolTimeout)
	result, err := t.handler.HandleTool(ctx, call.Name, call.Arguments)
	cancel()

	toolResult := protocol.ToolResult{Type: "tool_result", CallID: call.CallID}
	if err != nil {
		t.logger.Warn("tool handler failed", "tool", call.Name, "error", err)
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		toolResult.Payload = payload
		toolResult.IsError = true
	} else {
		payload, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			payload, _ = json.Marshal(map[string]string{"error": "unencodable tool result"})
			toolResult.IsError = true
		}
		toolResult.Payload = payload
	}
	// The result must reach the wire before the turn that depends on it;
	// both ride the priority queue in order.
	if sendErr := t.sendControl(toolResult); sendErr != nil {
		t.endCall(EndReasonConnectionClosed)
		return
	}
	t.requestTurn("", true, true)
}

// SetAwaitingConfirmation doubles the no-reply window while the caller is
// weighing the final yes/no.
func (t *Transport) SetAwaitingConfirmation(v bool) {
	t.awaitingConfirmation = v
}

// InjectSystemNote pushes out-of-band guidance into the upstream
// conversation without starting a turn.
func (t *Transport) InjectSystemNote(text string) {
	_ = t.sendControl(protocol.SystemNote{Type: "system_note", Text: text})
}

func (t *Transport) armWatchdog() {
	if t.ended {
		return
	}
	gen := t.watchdogGen
	d := t.cfg.NoReplyTimeout
	if t.awaitingConfirmation {
		d *= 2
	}
	time.AfterFunc(d, func() {
		t.Post(func() { t.onWatchdogFire(gen) })
	})
}

func (t *Transport) onWatchdogFire(gen int64) {
	if t.ended || gen != t.watchdogGen {
		return
	}
	if t.activity != turnIdle || t.transcriptPending {
		return
	}
	if !t.lastUserSpeech.IsZero() && t.now().Sub(t.lastUserSpeech) < t.cfg.EchoGuard {
		return
	}
	t.watchdogAttempts++
	if t.watchdogAttempts > t.cfg.MaxNoReplyAttempts {
		t.endCall(EndReasonNoReply)
		return
	}
	t.logger.Info("no reply from caller, nudging", "attempt", t.watchdogAttempts)
	t.InjectSystemNote(stillThereNudge)
	t.requestTurn(stillThereNudge, false, false)
}

// ShutdownAfterDrain stops accepting caller input and ends the call once
// buffered assistant audio has actually reached the caller: bounded wait for
// the active turn, a settle delay for tail frames, a bounded poll of the
// player queue, then a final margin.
func (t *Transport) ShutdownAfterDrain(reason EndReason) {
	if t.ended || t.ignoreInput {
		return
	}
	t.ignoreInput = true
	go t.drainAndEnd(reason)
}

func (t *Transport) drainAndEnd(reason EndReason) {
	deadline := time.Now().Add(t.cfg.GoodbyeTurnWait)
	for time.Now().Before(deadline) && !t.endedShared.Load() {
		if turnActivity(t.activityShared.Load()) == turnIdle {
			break
		}
		if !t.sleep(100 * time.Millisecond) {
			return
		}
	}
	settle := t.cfg.GoodbyeSettleDelay
	if nanos := t.lastAssistantDoneNanos.Load(); nanos > 0 {
		elapsed := time.Since(time.Unix(0, nanos))
		if elapsed >= settle {
			settle = 0
		} else {
			settle -= elapsed
		}
	}
	if settle > 0 && !t.sleep(settle) {
		return
	}
	drainDeadline := time.Now().Add(t.cfg.DrainTimeout)
	for time.Now().Before(drainDeadline) && !t.endedShared.Load() {
		if t.player.Queued() == 0 {
			break
		}
		if !t.sleep(t.cfg.DrainPollInterval) {
			return
		}
	}
	if !t.sleep(t.cfg.GoodbyeFinalMargin) {
		return
	}
	t.Post(func() { t.endCall(reason) })
}

func (t *Transport) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.ctx.Done():
		return false
	}
}

func (t *Transport) endCall(reason EndReason) {
	if t.ended {
		return
	}
	t.ended = true
	t.endedShared.Store(true)
	t.watchdogGen++
	_ = t.sendControl(protocol.SessionEnd{Type: "session_end", Reason: string(reason)})
	t.emit(CallEndedEvent{Reason: reason})
	t.logger.Info("call ended", "call_id", t.callID, "reason", string(reason))
	t.cancel()
}

func (t *Transport) sendControl(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode control frame: %w", err)
	}
	select {
	case t.outboundPriority <- outboundFrame{payload: payload}:
		return nil
	default:
		return errBackpressure
	}
}

func (t *Transport) emit(event Event) {
	if event == nil {
		return
	}
	select {
	case t.events <- event:
	default:
		// Avoid deadlocking the loop if the caller stops consuming.
	}
}

// Emit publishes an event to the call-handling layer on behalf of the
// orchestrator.
func (t *Transport) Emit(event Event) { t.emit(event) }
