// Package call implements the peer-to-peer session managers: a 1:1 Call
// and a many-to-many Room. Both drive the same building blocks — a signal
// bus, a per-peer transport registry, a local media controller and an
// adaptive quality input — behind a small reactive API.
package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/domain"
	"github.com/huddlekit/huddle/internal/signal"
)

// DefaultSignalingTimeout bounds how long calling/ringing/joining may wait
// for the handshake before cleanup forces the session back to idle.
const DefaultSignalingTimeout = 30 * time.Second

type CallConfig struct {
	Bus        core.SignalBus
	Transports core.TransportFactory
	Capture    core.CaptureDevice
	Self       domain.User

	// Video selects a video call; false means voice only.
	Video bool
	// SignalingTimeout defaults to DefaultSignalingTimeout.
	SignalingTimeout time.Duration
	// InitialQuality picks the starting capture tier.
	InitialQuality QualityLevel
	// OnEvent receives the reactive state surface; may be nil.
	OnEvent func(Event)
}

// Call is the 1:1 voice/video call session. One Call per local user; its
// user-scoped subscription stays open across sessions so incoming calls
// ring at any time.
type Call struct {
	cfg CallConfig
	log zerolog.Logger

	reg   *peerRegistry
	media *localMedia

	mu           sync.Mutex
	started      bool
	listen       core.Subscription
	status       Status
	sessionID    string
	epoch        uint64
	peer         *Participant
	pendingOffer *signal.OfferPayload
	accepted     bool
	quality      QualityLevel
	connectedAt  time.Time
	deadline     *time.Timer
	tickerStop   chan struct{}
}

func NewCall(cfg CallConfig) (*Call, error) {
	if cfg.Bus == nil || cfg.Transports == nil || cfg.Capture == nil {
		return nil, errMissingDeps
	}
	if cfg.Self.ID == "" {
		return nil, domain.ErrUsernameEmpty
	}
	if cfg.SignalingTimeout <= 0 {
		cfg.SignalingTimeout = DefaultSignalingTimeout
	}
	logger := log.With().Str("module", "call").Str("self", string(cfg.Self.ID)).Logger()
	c := &Call{
		cfg:     cfg,
		log:     logger,
		media:   newLocalMedia(cfg.Capture, logger),
		quality: cfg.InitialQuality,
	}
	c.reg = newPeerRegistry(cfg.Transports, logger)
	c.reg.onCandidate = c.onLocalCandidate
	c.reg.onRemoteTrack = c.onRemoteTrack
	c.reg.onStateChange = c.onPeerState
	return c, nil
}

// Start opens the persistent user-scoped subscription. It must be called
// once; Close tears it down exactly once.
func (c *Call) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyInSession
	}
	c.started = true
	c.mu.Unlock()

	sub, err := c.cfg.Bus.Subscribe(ctx, signal.UserTopic(c.cfg.Self.ID), c.handleSignal)
	if err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return err
	}
	c.mu.Lock()
	c.listen = sub
	c.mu.Unlock()
	c.log.Info().Msg("listening for calls")
	return nil
}

// Close hangs up any live session and releases the subscription.
func (c *Call) Close() error {
	_ = c.HangUp(context.Background())
	c.mu.Lock()
	sub := c.listen
	c.listen = nil
	c.started = false
	c.mu.Unlock()
	if sub != nil {
		return sub.Close()
	}
	return nil
}

// Initiate starts an outbound call. The callee learns about it right away;
// the offer follows once local media is acquired.
func (c *Call) Initiate(ctx context.Context, target domain.UserID) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrNotStarted
	}
	if c.status != StatusIdle {
		samePeer := c.peer != nil && c.peer.User.ID == target
		c.mu.Unlock()
		if samePeer {
			// Re-entrant initiate for the same target: no duplicate session.
			return nil
		}
		return ErrAlreadyInSession
	}
	c.sessionID = uuid.NewString()
	c.epoch++
	epoch := c.epoch
	c.status = StatusCalling
	c.peer = &Participant{User: domain.User{ID: target}, Stream: newRemoteStream(string(target))}
	sessionID := c.sessionID
	c.armDeadlineLocked(epoch)
	c.mu.Unlock()

	c.log.Info().Str("session", sessionID).Str("target", string(target)).Msg("call initiated")
	c.emitStatus(StatusCalling)
	c.publish(ctx, signal.UserTopic(target), signal.New(
		signal.KindCallInitiated, sessionID, c.cfg.Self, target,
		signal.CallInitiatedPayload{Video: c.cfg.Video},
	))

	go c.setupCaller(target, epoch)
	return nil
}

// setupCaller acquires local media, then creates the transport and sends
// the offer. Runs off the caller's goroutine; every step is epoch-guarded.
func (c *Call) setupCaller(target domain.UserID, epoch uint64) {
	if err := c.media.acquire(captureConstraints(c.currentQuality(), c.cfg.Video)); err != nil {
		c.abort(epoch, err)
		return
	}
	if !c.sameEpoch(epoch) {
		return
	}
	transport, _, err := c.reg.getOrCreate(target, c.media.tracks())
	if err != nil {
		c.abort(epoch, ErrTransportFailure)
		return
	}
	offer, err := transport.CreateOffer()
	if err != nil {
		c.abort(epoch, ErrTransportFailure)
		return
	}
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	sessionID := c.sessionID
	c.mu.Unlock()
	c.publish(context.Background(), signal.UserTopic(target), signal.New(
		signal.KindOffer, sessionID, c.cfg.Self, target,
		signal.OfferPayload{SDP: offer},
	))
}

// Accept answers a ringing call. The session turns active only once local
// media is acquired and the transport reports connected.
func (c *Call) Accept(ctx context.Context) error {
	c.mu.Lock()
	if c.status != StatusRinging {
		c.mu.Unlock()
		return ErrNoPendingCall
	}
	c.accepted = true
	epoch := c.epoch
	c.mu.Unlock()

	go c.setupCallee(ctx, epoch)
	return nil
}

func (c *Call) setupCallee(ctx context.Context, epoch uint64) {
	if err := c.media.acquire(captureConstraints(c.currentQuality(), c.cfg.Video)); err != nil {
		c.mu.Lock()
		stale := c.epoch != epoch
		var caller domain.UserID
		sessionID := c.sessionID
		if c.peer != nil {
			caller = c.peer.User.ID
		}
		c.mu.Unlock()
		if stale {
			return
		}
		// Tell the caller instead of leaving them to the timeout.
		c.publish(ctx, signal.UserTopic(caller), signal.New(
			signal.KindCallDeclined, sessionID, c.cfg.Self, caller,
			signal.CallDeclinedPayload{Reason: signal.DeclineRejected},
		))
		c.abort(epoch, err)
		return
	}
	c.maybeAnswer(ctx, epoch)
}

// maybeAnswer runs the answering flow once every precondition holds:
// ringing, accepted, media acquired, offer received.
func (c *Call) maybeAnswer(ctx context.Context, epoch uint64) {
	c.mu.Lock()
	if c.epoch != epoch || c.status != StatusRinging || !c.accepted || c.pendingOffer == nil || !c.media.ready() {
		c.mu.Unlock()
		return
	}
	offer := *c.pendingOffer
	c.pendingOffer = nil
	caller := c.peer.User.ID
	sessionID := c.sessionID
	c.mu.Unlock()

	transport, _, err := c.reg.getOrCreate(caller, c.media.tracks())
	if err != nil {
		c.abort(epoch, ErrTransportFailure)
		return
	}
	if err := c.reg.setRemote(caller, offer.SDP); err != nil {
		c.log.Error().Err(err).Msg("apply offer")
		c.abort(epoch, ErrTransportFailure)
		return
	}
	answer, err := transport.CreateAnswer()
	if err != nil {
		c.abort(epoch, ErrTransportFailure)
		return
	}
	if !c.sameEpoch(epoch) {
		return
	}
	c.publish(ctx, signal.UserTopic(caller), signal.New(
		signal.KindAnswer, sessionID, c.cfg.Self, caller,
		signal.AnswerPayload{SDP: answer},
	))
}

// Decline rejects a ringing call and resets to idle.
func (c *Call) Decline(ctx context.Context) error {
	c.mu.Lock()
	if c.status != StatusRinging {
		c.mu.Unlock()
		return ErrNoPendingCall
	}
	caller := c.peer.User.ID
	sessionID := c.sessionID
	c.mu.Unlock()

	c.publish(ctx, signal.UserTopic(caller), signal.New(
		signal.KindCallDeclined, sessionID, c.cfg.Self, caller,
		signal.CallDeclinedPayload{Reason: signal.DeclineRejected},
	))
	c.cleanup(nil)
	return nil
}

// HangUp ends the session from any non-idle state and notifies the peer.
func (c *Call) HangUp(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusIdle {
		c.mu.Unlock()
		return ErrNotActive
	}
	var peerID domain.UserID
	if c.peer != nil {
		peerID = c.peer.User.ID
	}
	sessionID := c.sessionID
	c.mu.Unlock()

	if peerID != "" {
		c.publish(ctx, signal.UserTopic(peerID), signal.New(
			signal.KindCallEnded, sessionID, c.cfg.Self, peerID,
			signal.CallEndedPayload{},
		))
	}
	c.cleanup(nil)
	return nil
}

// ToggleMute flips the local audio track and mirrors the change to the peer.
func (c *Call) ToggleMute(ctx context.Context) error {
	flags, err := c.media.toggleMute()
	if err != nil {
		return ErrNotActive
	}
	c.broadcastStatus(ctx, flags)
	return nil
}

// ToggleVideo flips the local camera track and mirrors the change.
func (c *Call) ToggleVideo(ctx context.Context) error {
	flags, err := c.media.toggleVideo()
	if err != nil {
		return ErrNotActive
	}
	c.broadcastStatus(ctx, flags)
	return nil
}

// ToggleScreenShare swaps the outbound video between screen and camera on
// the live transport, no renegotiation. Stopping from system UI reverts
// automatically.
func (c *Call) ToggleScreenShare(ctx context.Context) error {
	if c.media.isSharing() {
		c.media.stopScreenShare(func(t core.MediaTrack) {
			c.reg.replaceVideoAll(t, c.log)
		})
		return nil
	}
	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()
	return c.media.startScreenShare(
		func(t core.MediaTrack) { c.reg.replaceVideoAll(t, c.log) },
		func() {
			if !c.sameEpoch(epoch) {
				return
			}
			c.media.stopScreenShare(func(t core.MediaTrack) {
				c.reg.replaceVideoAll(t, c.log)
			})
		},
	)
}

// SetQualityLevel feeds the external network-quality signal. While active,
// every change retunes all outbound video encodings in place.
func (c *Call) SetQualityLevel(q QualityLevel) {
	c.mu.Lock()
	changed := c.quality != q
	c.quality = q
	active := c.status == StatusActive
	c.mu.Unlock()
	if changed && active {
		applyQuality(c.reg, q, c.log)
	}
}

// Accessors for the reactive surface.

// Snapshot is a consistent one-shot view of the session for UI binding.
type Snapshot struct {
	Status        Status
	SessionID     string
	Peer          *Participant
	Muted         bool
	VideoOff      bool
	ScreenSharing bool
	Duration      time.Duration
}

func (c *Call) Snapshot() Snapshot {
	flags := c.media.statusFlags()
	sharing := c.media.isSharing()
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		Status:        c.status,
		SessionID:     c.sessionID,
		Peer:          c.peer.clone(),
		Muted:         flags.Muted,
		VideoOff:      flags.VideoOff,
		ScreenSharing: sharing,
	}
	if c.status == StatusActive {
		s.Duration = time.Since(c.connectedAt)
	}
	return s
}

func (c *Call) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Call) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Peer returns a copy of the remote participant, nil when idle.
func (c *Call) Peer() *Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer.clone()
}

func (c *Call) LocalStream() core.MediaStream { return c.media.localStream() }
func (c *Call) IsMuted() bool                 { return c.media.statusFlags().Muted }
func (c *Call) IsVideoOff() bool              { return c.media.statusFlags().VideoOff }
func (c *Call) IsScreenSharing() bool         { return c.media.isSharing() }

// Duration is zero until the transport connects, then grows monotonically.
func (c *Call) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusActive {
		return 0
	}
	return time.Since(c.connectedAt)
}

// --- signal handling ---

func (c *Call) handleSignal(data []byte) {
	env, err := signal.Decode(data)
	if err != nil {
		c.log.Warn().Err(err).Msg("bad envelope")
		return
	}
	if env.SenderID == c.cfg.Self.ID || !env.AddressedTo(c.cfg.Self.ID) {
		return
	}
	if env.Kind == signal.KindCallInitiated {
		c.handleCallInitiated(env)
		return
	}
	c.mu.Lock()
	match := c.sessionID != "" && env.SessionID == c.sessionID
	c.mu.Unlock()
	if !match {
		c.log.Debug().Str("kind", string(env.Kind)).Str("session", env.SessionID).Msg("envelope for another session dropped")
		return
	}

	switch p := env.Payload.(type) {
	case signal.OfferPayload:
		c.handleOffer(p)
	case signal.AnswerPayload:
		if err := c.reg.setRemote(env.SenderID, p.SDP); err != nil {
			c.log.Error().Err(err).Msg("apply answer")
		}
	case signal.CandidatePayload:
		c.reg.addCandidate(env.SenderID, p.Candidate)
	case signal.CallDeclinedPayload:
		c.handleDeclined(p)
	case signal.CallEndedPayload:
		c.log.Info().Str("session", env.SessionID).Msg("peer ended call")
		c.cleanup(nil)
	case signal.StatusPayload:
		c.handlePeerStatus(env.SenderID, p.Flags)
	default:
		// Room-only kinds (join/leave/chat) have no meaning on a call topic.
		c.log.Debug().Str("kind", string(env.Kind)).Msg("envelope kind ignored")
	}
}

func (c *Call) handleCallInitiated(env signal.Envelope) {
	c.mu.Lock()
	if c.status != StatusIdle {
		busySession := env.SessionID
		sender := env.SenderID
		dup := busySession == c.sessionID
		c.mu.Unlock()
		if dup {
			return
		}
		// Busy: reply with the original session id, state untouched.
		c.publish(context.Background(), signal.UserTopic(sender), signal.New(
			signal.KindCallDeclined, busySession, c.cfg.Self, sender,
			signal.CallDeclinedPayload{Reason: signal.DeclineBusy},
		))
		return
	}
	c.sessionID = env.SessionID
	c.epoch++
	epoch := c.epoch
	c.status = StatusRinging
	c.accepted = false
	c.pendingOffer = nil
	caller := env.Sender()
	c.peer = &Participant{User: caller, Stream: newRemoteStream(string(caller.ID))}
	peerCopy := c.peer.clone()
	c.armDeadlineLocked(epoch)
	c.mu.Unlock()

	c.log.Info().Str("session", env.SessionID).Str("caller", string(caller.ID)).Msg("incoming call")
	c.emitStatus(StatusRinging)
	c.emit(Event{Kind: EventIncomingCall, Status: StatusRinging, Participant: peerCopy})
}

func (c *Call) handleOffer(p signal.OfferPayload) {
	c.mu.Lock()
	if c.status != StatusRinging {
		c.mu.Unlock()
		c.log.Debug().Msg("offer outside ringing dropped")
		return
	}
	c.pendingOffer = &p
	epoch := c.epoch
	c.mu.Unlock()
	c.maybeAnswer(context.Background(), epoch)
}

func (c *Call) handleDeclined(p signal.CallDeclinedPayload) {
	c.mu.Lock()
	calling := c.status == StatusCalling || c.status == StatusRinging
	c.mu.Unlock()
	if !calling {
		return
	}
	if p.Reason == signal.DeclineBusy {
		c.cleanup(ErrPeerBusy)
		return
	}
	c.cleanup(nil)
}

func (c *Call) handlePeerStatus(sender domain.UserID, flags domain.StatusFlags) {
	c.mu.Lock()
	if c.peer == nil || c.peer.User.ID != sender {
		c.mu.Unlock()
		return
	}
	c.peer.Flags = flags
	peerCopy := c.peer.clone()
	c.mu.Unlock()
	c.emit(Event{Kind: EventParticipantUpdated, Status: c.Status(), Participant: peerCopy})
}

// --- transport callbacks ---

func (c *Call) onLocalCandidate(remote domain.UserID, cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == "" {
		return
	}
	c.publish(context.Background(), signal.UserTopic(remote), signal.New(
		signal.KindCandidate, sessionID, c.cfg.Self, remote,
		signal.CandidatePayload{Candidate: cand},
	))
}

func (c *Call) onRemoteTrack(remote domain.UserID, t core.MediaTrack) {
	c.mu.Lock()
	if c.peer == nil || c.peer.User.ID != remote {
		c.mu.Unlock()
		return
	}
	if rs, ok := c.peer.Stream.(*remoteStream); ok {
		rs.add(t)
	}
	peerCopy := c.peer.clone()
	c.mu.Unlock()
	c.emit(Event{Kind: EventParticipantUpdated, Status: c.Status(), Participant: peerCopy})
}

func (c *Call) onPeerState(remote domain.UserID, s core.PeerState) {
	c.log.Info().Str("remote", string(remote)).Str("state", s.String()).Msg("peer state")
	if s == core.PeerConnected {
		c.markActive()
		return
	}
	if s.Terminal() {
		// Mid-call transport failure silently ends the call.
		c.cleanup(nil)
	}
}

// markActive is the only way into StatusActive: the transport's
// connectivity callback. The duration counter starts here.
func (c *Call) markActive() {
	c.mu.Lock()
	if c.status != StatusCalling && c.status != StatusRinging {
		c.mu.Unlock()
		return
	}
	c.status = StatusActive
	c.connectedAt = time.Now()
	c.cancelDeadlineLocked()
	c.startTickerLocked()
	sessionID := c.sessionID
	c.mu.Unlock()

	c.log.Info().Str("session", sessionID).Msg("call active")
	c.emitStatus(StatusActive)
}

// --- lifecycle plumbing ---

// abort is cleanup plus a user-visible error, used for failed setups.
func (c *Call) abort(epoch uint64, err error) {
	if !c.sameEpoch(epoch) {
		return
	}
	c.cleanup(err)
}

// cleanup releases everything the session owns and resets to idle. Safe to
// call repeatedly; only the first call per session does work.
func (c *Call) cleanup(reason error) {
	c.mu.Lock()
	if c.status == StatusIdle {
		c.mu.Unlock()
		return
	}
	c.epoch++
	c.cancelDeadlineLocked()
	c.stopTickerLocked()
	c.status = StatusIdle
	c.sessionID = ""
	c.peer = nil
	c.pendingOffer = nil
	c.accepted = false
	c.connectedAt = time.Time{}
	c.mu.Unlock()

	c.reg.closeAll()
	c.media.release()

	if reason != nil {
		c.emit(Event{Kind: EventError, Status: StatusIdle, Err: reason})
	}
	c.emit(Event{Kind: EventEnded, Status: StatusIdle})
	c.emitStatus(StatusIdle)
	c.log.Info().Msg("session cleaned up")
}

func (c *Call) armDeadlineLocked(epoch uint64) {
	c.cancelDeadlineLocked()
	c.deadline = time.AfterFunc(c.cfg.SignalingTimeout, func() {
		c.mu.Lock()
		expired := c.epoch == epoch && c.status.pending()
		c.mu.Unlock()
		if !expired {
			return
		}
		c.log.Warn().Msg("signaling deadline expired")
		c.cleanup(ErrSignalingTimeout)
	})
}

func (c *Call) cancelDeadlineLocked() {
	if c.deadline != nil {
		c.deadline.Stop()
		c.deadline = nil
	}
}

func (c *Call) startTickerLocked() {
	stop := make(chan struct{})
	c.tickerStop = stop
	started := c.connectedAt
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				c.emit(Event{
					Kind:     EventDurationTick,
					Status:   StatusActive,
					Duration: time.Since(started).Round(time.Second),
				})
			}
		}
	}()
}

func (c *Call) stopTickerLocked() {
	if c.tickerStop != nil {
		close(c.tickerStop)
		c.tickerStop = nil
	}
}

func (c *Call) broadcastStatus(ctx context.Context, flags domain.StatusFlags) {
	c.mu.Lock()
	sessionID := c.sessionID
	var peerID domain.UserID
	if c.peer != nil {
		peerID = c.peer.User.ID
	}
	c.mu.Unlock()
	if sessionID == "" || peerID == "" {
		return
	}
	c.publish(ctx, signal.UserTopic(peerID), signal.New(
		signal.KindStatusUpdate, sessionID, c.cfg.Self, peerID,
		signal.StatusPayload{Flags: flags},
	))
}

func (c *Call) currentQuality() QualityLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality
}

func (c *Call) sameEpoch(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch == epoch
}

func (c *Call) publish(ctx context.Context, topic core.Topic, env signal.Envelope) {
	data, err := env.Encode()
	if err != nil {
		c.log.Error().Err(err).Str("kind", string(env.Kind)).Msg("encode envelope")
		return
	}
	if err := c.cfg.Bus.Publish(ctx, topic, data); err != nil {
		c.log.Warn().Err(err).Str("kind", string(env.Kind)).Str("topic", string(topic)).Msg("publish failed")
	}
}

func (c *Call) emit(e Event) {
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(e)
	}
}

func (c *Call) emitStatus(s Status) {
	c.emit(Event{Kind: EventStatusChanged, Status: s})
}
