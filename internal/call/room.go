package call

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/domain"
	"github.com/huddlekit/huddle/internal/signal"
)

type RoomConfig struct {
	Bus        core.SignalBus
	Transports core.TransportFactory
	Capture    core.CaptureDevice
	Self       domain.User

	// JoinTimeout defaults to DefaultSignalingTimeout.
	JoinTimeout time.Duration
	// InitialQuality picks the starting capture tier.
	InitialQuality QualityLevel
	// OnEvent receives the reactive state surface; may be nil.
	OnEvent func(Event)
}

// Room is the many-to-many conference session. Media flows full mesh: one
// transport per remote member, suitable for small rooms. Envelopes are
// scoped by the room id; the channel subscription lives per session and is
// recreated on every join.
type Room struct {
	cfg RoomConfig
	log zerolog.Logger

	reg   *peerRegistry
	media *localMedia

	mu           sync.Mutex
	status       Status
	roomID       domain.RoomID
	epoch        uint64
	sub          core.Subscription
	participants map[domain.UserID]*Participant
	messages     []domain.ChatMessage
	quality      QualityLevel
	joinedAt     time.Time
	deadline     *time.Timer
	tickerStop   chan struct{}
}

func NewRoom(cfg RoomConfig) (*Room, error) {
	if cfg.Bus == nil || cfg.Transports == nil || cfg.Capture == nil {
		return nil, errMissingDeps
	}
	if cfg.Self.ID == "" {
		return nil, domain.ErrUsernameEmpty
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultSignalingTimeout
	}
	logger := log.With().Str("module", "room").Str("self", string(cfg.Self.ID)).Logger()
	r := &Room{
		cfg:          cfg,
		log:          logger,
		media:        newLocalMedia(cfg.Capture, logger),
		quality:      cfg.InitialQuality,
		participants: make(map[domain.UserID]*Participant),
	}
	r.reg = newPeerRegistry(cfg.Transports, logger)
	r.reg.onCandidate = r.onLocalCandidate
	r.reg.onRemoteTrack = r.onRemoteTrack
	r.reg.onStateChange = r.onPeerState
	return r, nil
}

// Join subscribes to the room topic and starts media acquisition. The
// session turns active as soon as local media is ready; peers mesh up
// asynchronously after the join broadcast.
func (r *Room) Join(ctx context.Context, roomID domain.RoomID) error {
	r.mu.Lock()
	if r.status != StatusIdle {
		same := r.roomID == roomID
		r.mu.Unlock()
		if same {
			// Re-entrant join for the same room: no duplicate session.
			return nil
		}
		return ErrAlreadyInSession
	}
	r.status = StatusJoining
	r.roomID = roomID
	r.epoch++
	epoch := r.epoch
	r.participants = map[domain.UserID]*Participant{
		r.cfg.Self.ID: {User: r.cfg.Self, IsLocal: true},
	}
	r.armDeadlineLocked(epoch)
	r.mu.Unlock()

	r.log.Info().Str("room", string(roomID)).Msg("joining room")
	r.emitStatus(StatusJoining)

	sub, err := r.cfg.Bus.Subscribe(ctx, signal.RoomTopic(roomID), r.handleSignal)
	if err != nil {
		r.cleanup(err)
		return err
	}
	r.mu.Lock()
	if r.epoch != epoch {
		r.mu.Unlock()
		_ = sub.Close()
		return nil
	}
	r.sub = sub
	r.mu.Unlock()

	go r.setupJoin(ctx, epoch)
	return nil
}

func (r *Room) setupJoin(ctx context.Context, epoch uint64) {
	// Conferences always capture video; members mute or disable per flag.
	if err := r.media.acquire(captureConstraints(r.currentQuality(), true)); err != nil {
		r.abort(epoch, err)
		return
	}
	r.mu.Lock()
	if r.epoch != epoch {
		r.mu.Unlock()
		return
	}
	// Room variant: active immediately after acquisition, no handshake.
	r.status = StatusActive
	r.joinedAt = time.Now()
	r.cancelDeadlineLocked()
	r.startTickerLocked()
	if local, ok := r.participants[r.cfg.Self.ID]; ok {
		local.Stream = r.media.localStream()
	}
	roomID := r.roomID
	flags := r.media.statusFlags()
	// Members that announced themselves while we were acquiring still
	// need a transport from our side.
	var pending []domain.UserID
	for id := range r.participants {
		if id == r.cfg.Self.ID {
			continue
		}
		if _, ok := r.reg.transport(id); !ok {
			pending = append(pending, id)
		}
	}
	r.mu.Unlock()

	r.log.Info().Str("room", string(roomID)).Msg("room active")
	r.emitStatus(StatusActive)
	r.publish(ctx, signal.New(
		signal.KindJoin, string(roomID), r.cfg.Self, "",
		signal.JoinPayload{Flags: flags},
	))
	for _, id := range pending {
		r.initiateOffer(ctx, id)
	}
}

// Leave broadcasts departure and releases everything the session owns.
func (r *Room) Leave(ctx context.Context) error {
	r.mu.Lock()
	if r.status == StatusIdle {
		r.mu.Unlock()
		return ErrNotActive
	}
	roomID := r.roomID
	r.mu.Unlock()

	r.publish(ctx, signal.New(
		signal.KindLeave, string(roomID), r.cfg.Self, "",
		signal.LeavePayload{},
	))
	r.cleanup(nil)
	return nil
}

// SendMessage appends to the in-memory chat and broadcasts it. Messages
// are not persisted beyond the session.
func (r *Room) SendMessage(ctx context.Context, body string) error {
	r.mu.Lock()
	if r.status == StatusIdle {
		r.mu.Unlock()
		return ErrNotActive
	}
	msg := domain.NewChatMessage(r.cfg.Self, body)
	r.messages = append(r.messages, msg)
	roomID := r.roomID
	r.mu.Unlock()

	r.emit(Event{Kind: EventChatMessage, Status: r.Status(), Message: &msg})
	r.publish(ctx, signal.New(
		signal.KindChatMessage, string(roomID), r.cfg.Self, "",
		signal.ChatPayload{ID: msg.ID, Body: msg.Body, SentAt: msg.SentAt},
	))
	return nil
}

func (r *Room) ToggleMute(ctx context.Context) error {
	flags, err := r.media.toggleMute()
	if err != nil {
		return ErrNotActive
	}
	r.broadcastStatus(ctx, flags)
	return nil
}

func (r *Room) ToggleVideo(ctx context.Context) error {
	flags, err := r.media.toggleVideo()
	if err != nil {
		return ErrNotActive
	}
	r.broadcastStatus(ctx, flags)
	return nil
}

func (r *Room) ToggleHandRaise(ctx context.Context) error {
	r.mu.Lock()
	idle := r.status == StatusIdle
	r.mu.Unlock()
	if idle {
		return ErrNotActive
	}
	r.broadcastStatus(ctx, r.media.toggleHandRaise())
	return nil
}

// SetSpeaking mirrors an external voice-activity signal to peers; only
// changes are broadcast.
func (r *Room) SetSpeaking(ctx context.Context, speaking bool) {
	flags, changed := r.media.setSpeaking(speaking)
	if changed {
		r.broadcastStatus(ctx, flags)
	}
}

// ToggleScreenShare swaps the outbound video on every mesh transport in
// place; stopping from system UI reverts automatically.
func (r *Room) ToggleScreenShare(ctx context.Context) error {
	if r.media.isSharing() {
		r.media.stopScreenShare(func(t core.MediaTrack) {
			r.reg.replaceVideoAll(t, r.log)
		})
		return nil
	}
	r.mu.Lock()
	epoch := r.epoch
	r.mu.Unlock()
	return r.media.startScreenShare(
		func(t core.MediaTrack) { r.reg.replaceVideoAll(t, r.log) },
		func() {
			if !r.sameEpoch(epoch) {
				return
			}
			r.media.stopScreenShare(func(t core.MediaTrack) {
				r.reg.replaceVideoAll(t, r.log)
			})
		},
	)
}

// SetQualityLevel feeds the external network-quality signal; while active
// it retunes every mesh transport without recreating any of them.
func (r *Room) SetQualityLevel(q QualityLevel) {
	r.mu.Lock()
	changed := r.quality != q
	r.quality = q
	active := r.status == StatusActive
	r.mu.Unlock()
	if changed && active {
		applyQuality(r.reg, q, r.log)
	}
}

// --- accessors ---

func (r *Room) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Room) RoomID() domain.RoomID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomID
}

// Participants returns a snapshot including the local member.
func (r *Room) Participants() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, *p)
	}
	return out
}

// Messages returns the in-memory chat log for this session.
func (r *Room) Messages() []domain.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ChatMessage, len(r.messages))
	copy(out, r.messages)
	return out
}

func (r *Room) PeerCount() int                { return r.reg.count() }
func (r *Room) LocalStream() core.MediaStream { return r.media.localStream() }
func (r *Room) IsMuted() bool                 { return r.media.statusFlags().Muted }
func (r *Room) IsVideoOff() bool              { return r.media.statusFlags().VideoOff }
func (r *Room) IsScreenSharing() bool         { return r.media.isSharing() }

func (r *Room) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusActive {
		return 0
	}
	return time.Since(r.joinedAt)
}

// --- signal handling ---

func (r *Room) handleSignal(data []byte) {
	env, err := signal.Decode(data)
	if err != nil {
		r.log.Warn().Err(err).Msg("bad envelope")
		return
	}
	if env.SenderID == r.cfg.Self.ID || !env.AddressedTo(r.cfg.Self.ID) {
		return
	}
	r.mu.Lock()
	match := r.status != StatusIdle && env.SessionID == string(r.roomID)
	r.mu.Unlock()
	if !match {
		return
	}

	switch p := env.Payload.(type) {
	case signal.JoinPayload:
		r.handleJoin(env, p)
	case signal.OfferPayload:
		r.handleOffer(env, p)
	case signal.AnswerPayload:
		if err := r.reg.setRemote(env.SenderID, p.SDP); err != nil {
			r.log.Error().Err(err).Str("remote", string(env.SenderID)).Msg("apply answer")
		}
	case signal.CandidatePayload:
		r.reg.addCandidate(env.SenderID, p.Candidate)
	case signal.LeavePayload:
		r.removeParticipant(env.SenderID)
	case signal.StatusPayload:
		r.handlePeerStatus(env.SenderID, p.Flags)
	case signal.ChatPayload:
		r.handleChat(env, p)
	default:
		// 1:1 call kinds have no meaning on a room topic.
		r.log.Debug().Str("kind", string(env.Kind)).Msg("envelope kind ignored")
	}
}

// handleJoin runs on existing members: record the newcomer and, if our
// media is ready, initiate the offer toward them. Newcomers learn about
// existing members through the offers those members send.
func (r *Room) handleJoin(env signal.Envelope, p signal.JoinPayload) {
	joined := r.addParticipant(env.Sender(), p.Flags)
	if joined == nil {
		return
	}
	r.emit(Event{Kind: EventParticipantJoined, Status: r.Status(), Participant: joined})

	r.mu.Lock()
	ready := r.status == StatusActive && r.media.ready()
	r.mu.Unlock()
	if ready {
		r.initiateOffer(context.Background(), env.SenderID)
	}
}

func (r *Room) handleOffer(env signal.Envelope, p signal.OfferPayload) {
	if joined := r.addParticipant(env.Sender(), domain.StatusFlags{}); joined != nil {
		r.emit(Event{Kind: EventParticipantJoined, Status: r.Status(), Participant: joined})
	}

	transport, _, err := r.reg.getOrCreate(env.SenderID, r.media.tracks())
	if err != nil {
		r.log.Error().Err(err).Str("remote", string(env.SenderID)).Msg("transport for offer")
		return
	}
	if err := r.reg.setRemote(env.SenderID, p.SDP); err != nil {
		r.log.Error().Err(err).Str("remote", string(env.SenderID)).Msg("apply offer")
		return
	}
	answer, err := transport.CreateAnswer()
	if err != nil {
		r.log.Error().Err(err).Str("remote", string(env.SenderID)).Msg("create answer")
		return
	}
	r.mu.Lock()
	roomID := r.roomID
	r.mu.Unlock()
	r.publish(context.Background(), signal.New(
		signal.KindAnswer, string(roomID), r.cfg.Self, env.SenderID,
		signal.AnswerPayload{SDP: answer},
	))
}

func (r *Room) handlePeerStatus(sender domain.UserID, flags domain.StatusFlags) {
	r.mu.Lock()
	p, ok := r.participants[sender]
	if !ok {
		r.mu.Unlock()
		return
	}
	p.Flags = flags
	updated := p.clone()
	r.mu.Unlock()
	r.emit(Event{Kind: EventParticipantUpdated, Status: r.Status(), Participant: updated})
}

func (r *Room) handleChat(env signal.Envelope, p signal.ChatPayload) {
	msg := domain.ChatMessage{ID: p.ID, Sender: env.Sender(), Body: p.Body, SentAt: p.SentAt}
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
	r.emit(Event{Kind: EventChatMessage, Status: r.Status(), Message: &msg})
}

// initiateOffer opens our side of the mesh toward one remote member.
func (r *Room) initiateOffer(ctx context.Context, remote domain.UserID) {
	transport, created, err := r.reg.getOrCreate(remote, r.media.tracks())
	if err != nil {
		r.log.Error().Err(err).Str("remote", string(remote)).Msg("transport for offer")
		return
	}
	if !created {
		return
	}
	offer, err := transport.CreateOffer()
	if err != nil {
		r.log.Error().Err(err).Str("remote", string(remote)).Msg("create offer")
		return
	}
	r.mu.Lock()
	roomID := r.roomID
	r.mu.Unlock()
	r.publish(ctx, signal.New(
		signal.KindOffer, string(roomID), r.cfg.Self, remote,
		signal.OfferPayload{SDP: offer},
	))
}

func (r *Room) addParticipant(user domain.User, flags domain.StatusFlags) *Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == StatusIdle {
		return nil
	}
	if existing, ok := r.participants[user.ID]; ok {
		// Refresh display meta; an id collision is the same member.
		existing.User = user
		return nil
	}
	p := &Participant{User: user, Flags: flags, Stream: newRemoteStream(string(user.ID))}
	r.participants[user.ID] = p
	r.log.Info().Str("remote", string(user.ID)).Msg("participant joined")
	return p.clone()
}

// removeParticipant tears down exactly one member: their transport, their
// entry, nothing else. The room stays up.
func (r *Room) removeParticipant(id domain.UserID) {
	r.reg.close(id)
	r.mu.Lock()
	p, ok := r.participants[id]
	if ok {
		delete(r.participants, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.log.Info().Str("remote", string(id)).Msg("participant left")
	r.emit(Event{Kind: EventParticipantLeft, Status: r.Status(), Participant: p.clone()})
}

// --- transport callbacks ---

func (r *Room) onLocalCandidate(remote domain.UserID, cand webrtc.ICECandidateInit) {
	r.mu.Lock()
	roomID := r.roomID
	idle := r.status == StatusIdle
	r.mu.Unlock()
	if idle {
		return
	}
	r.publish(context.Background(), signal.New(
		signal.KindCandidate, string(roomID), r.cfg.Self, remote,
		signal.CandidatePayload{Candidate: cand},
	))
}

func (r *Room) onRemoteTrack(remote domain.UserID, t core.MediaTrack) {
	r.mu.Lock()
	p, ok := r.participants[remote]
	if !ok {
		r.mu.Unlock()
		return
	}
	if rs, ok := p.Stream.(*remoteStream); ok {
		rs.add(t)
	}
	updated := p.clone()
	r.mu.Unlock()
	r.emit(Event{Kind: EventParticipantUpdated, Status: r.Status(), Participant: updated})
}

func (r *Room) onPeerState(remote domain.UserID, s core.PeerState) {
	r.log.Info().Str("remote", string(remote)).Str("state", s.String()).Msg("peer state")
	if s.Terminal() {
		r.removeParticipant(remote)
	}
}

// --- lifecycle plumbing ---

func (r *Room) abort(epoch uint64, err error) {
	if !r.sameEpoch(epoch) {
		return
	}
	r.cleanup(err)
}

func (r *Room) cleanup(reason error) {
	r.mu.Lock()
	if r.status == StatusIdle {
		r.mu.Unlock()
		return
	}
	r.epoch++
	r.cancelDeadlineLocked()
	r.stopTickerLocked()
	sub := r.sub
	r.sub = nil
	r.status = StatusIdle
	r.roomID = ""
	r.participants = make(map[domain.UserID]*Participant)
	r.messages = nil
	r.joinedAt = time.Time{}
	r.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	r.reg.closeAll()
	r.media.release()

	if reason != nil {
		r.emit(Event{Kind: EventError, Status: StatusIdle, Err: reason})
	}
	r.emit(Event{Kind: EventEnded, Status: StatusIdle})
	r.emitStatus(StatusIdle)
	r.log.Info().Msg("room session cleaned up")
}

func (r *Room) armDeadlineLocked(epoch uint64) {
	r.cancelDeadlineLocked()
	r.deadline = time.AfterFunc(r.cfg.JoinTimeout, func() {
		r.mu.Lock()
		expired := r.epoch == epoch && r.status.pending()
		r.mu.Unlock()
		if !expired {
			return
		}
		r.log.Warn().Msg("join deadline expired")
		r.cleanup(ErrSignalingTimeout)
	})
}

func (r *Room) cancelDeadlineLocked() {
	if r.deadline != nil {
		r.deadline.Stop()
		r.deadline = nil
	}
}

func (r *Room) startTickerLocked() {
	stop := make(chan struct{})
	r.tickerStop = stop
	started := r.joinedAt
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				r.emit(Event{
					Kind:     EventDurationTick,
					Status:   StatusActive,
					Duration: time.Since(started).Round(time.Second),
				})
			}
		}
	}()
}

func (r *Room) stopTickerLocked() {
	if r.tickerStop != nil {
		close(r.tickerStop)
		r.tickerStop = nil
	}
}

func (r *Room) broadcastStatus(ctx context.Context, flags domain.StatusFlags) {
	r.mu.Lock()
	if local, ok := r.participants[r.cfg.Self.ID]; ok {
		local.Flags = flags
	}
	roomID := r.roomID
	idle := r.status == StatusIdle
	r.mu.Unlock()
	if idle {
		return
	}
	r.publish(ctx, signal.New(
		signal.KindStatusUpdate, string(roomID), r.cfg.Self, "",
		signal.StatusPayload{Flags: flags},
	))
}

func (r *Room) currentQuality() QualityLevel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quality
}

func (r *Room) sameEpoch(epoch uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch == epoch
}

func (r *Room) publish(ctx context.Context, env signal.Envelope) {
	r.mu.Lock()
	roomID := r.roomID
	r.mu.Unlock()
	if roomID == "" {
		return
	}
	data, err := env.Encode()
	if err != nil {
		r.log.Error().Err(err).Str("kind", string(env.Kind)).Msg("encode envelope")
		return
	}
	if err := r.cfg.Bus.Publish(ctx, signal.RoomTopic(roomID), data); err != nil {
		r.log.Warn().Err(err).Str("kind", string(env.Kind)).Msg("publish failed")
	}
}

func (r *Room) emit(e Event) {
	if r.cfg.OnEvent != nil {
		r.cfg.OnEvent(e)
	}
}

func (r *Room) emitStatus(s Status) {
	r.emit(Event{Kind: EventStatusChanged, Status: s})
}
