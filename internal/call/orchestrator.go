// Package call coordinates the signaling channel, local media source, and
// peer connection into one call session: it owns session identity, the
// negotiation role, and the published call/media state.
package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/peercall/internal/media"
	"github.com/mikeyg42/peercall/internal/peer"
	"github.com/mikeyg42/peercall/internal/session"
	"github.com/mikeyg42/peercall/internal/signal"
)

// SessionService registers sessions with the external collaborator that
// hands out session IDs. Auth is its concern; a missing token fails these
// calls before any media or signaling work begins.
type SessionService interface {
	Create(ctx context.Context, name, description string) (*session.Session, error)
	Join(ctx context.Context, sessionID string) (*session.Session, error)
}

// Signaler is the signaling transport surface the orchestrator needs.
// *signal.Channel satisfies it.
type Signaler interface {
	Open(ctx context.Context, sessionID, participantID string, h signal.Handlers) error
	Send(env signal.Envelope) error
	Close() error
}

// MediaSource is the local capture surface. *media.Manager satisfies it.
type MediaSource interface {
	Acquire(ctx context.Context) (*media.Stream, error)
	AcquireVideo(ctx context.Context) (media.Track, error)
	AcquireDisplay(ctx context.Context) (media.Track, error)
	ToggleKind(kind webrtc.RTPCodecType) (bool, bool)
	Release()
}

// PeerLink is the negotiated transport surface. *peer.Conn satisfies it.
type PeerLink interface {
	Offer() (*webrtc.SessionDescription, error)
	Answer(remote webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	SetRemoteDescription(sd webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	ReplaceVideoTrack(t media.Track) error
	SetSending(kind webrtc.RTPCodecType, enabled bool) error
	Remote() *peer.RemoteStream
	Close() error
}

// PeerFactory builds a PeerLink wired to the given local stream.
type PeerFactory func(stream *media.Stream, cb peer.Callbacks) (PeerLink, error)

// HistoryRecorder persists finished session attempts. Optional.
type HistoryRecorder interface {
	Record(ctx context.Context, rec Record) error
}

// Orchestrator is the top-level call state machine. All public operations
// are safe to call from any goroutine; asynchronous completions that
// outlive their session are detected via a generation counter and
// discarded instead of mutating state for a session that no longer exists.
type Orchestrator struct {
	log           *zap.Logger
	svc           SessionService
	media         MediaSource
	sig           Signaler
	newPeer       PeerFactory
	history       HistoryRecorder
	autoNegotiate bool
	selfID        string

	mu           sync.Mutex
	gen          uint64
	call         State
	mediaState   MediaState
	localStream  *media.Stream
	remoteStream *peer.RemoteStream
	link         PeerLink
	startedAt    time.Time
	observers    []func(Snapshot)
}

// New builds an orchestrator. history may be nil.
func New(svc SessionService, src MediaSource, sig Signaler, factory PeerFactory, history HistoryRecorder, autoNegotiate bool, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		log:           log.Named("call"),
		svc:           svc,
		media:         src,
		sig:           sig,
		newPeer:       factory,
		history:       history,
		autoNegotiate: autoNegotiate,
		selfID:        uuid.NewString(),
	}
}

// SelfID returns this participant's identifier.
func (o *Orchestrator) SelfID() string { return o.selfID }

// Observe registers a rendering-collaborator callback, fired on every
// published state change with a consistent snapshot.
func (o *Orchestrator) Observe(fn func(Snapshot)) {
	o.mu.Lock()
	o.observers = append(o.observers, fn)
	o.mu.Unlock()
}

// Snapshot returns the current published state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// LocalStream returns the borrowed local stream handle for rendering.
// Renderers must never stop its tracks.
func (o *Orchestrator) LocalStream() *media.Stream {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.localStream
}

// RemoteStream returns the borrowed remote stream handle for rendering.
func (o *Orchestrator) RemoteStream() *peer.RemoteStream {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.remoteStream
}

// CreateSession acquires local media, registers a new session with the
// session service, opens signaling, and constructs the peer connection with
// this participant as Initiator. On success the published state is
// Connected with the local user as sole participant, and the returned
// session ID routes the external UI.
func (o *Orchestrator) CreateSession(ctx context.Context, name, description string) (string, error) {
	gen := o.beginSession(RoleInitiator)

	stream, err := o.media.Acquire(ctx)
	if err != nil {
		return "", o.failSetup(gen, KindMediaAccess, msgMediaDenied, err)
	}
	if !o.current(gen) {
		stream.Stop()
		return "", ErrSessionClosed
	}

	sess, err := o.svc.Create(ctx, name, description)
	if err != nil {
		o.media.Release()
		return "", o.failSetup(gen, KindSessionService, msgCreateFailed, err)
	}
	if !o.current(gen) {
		o.media.Release()
		return "", ErrSessionClosed
	}

	if err := o.sig.Open(ctx, sess.ID, o.selfID, o.signalHandlers(gen)); err != nil {
		o.media.Release()
		return "", o.failSetup(gen, KindSignaling, msgSignaling, err)
	}

	link, err := o.newPeer(stream, o.peerCallbacks(gen))
	if err != nil {
		o.sig.Close()
		o.media.Release()
		return "", o.failSetup(gen, KindSignaling, msgConnectionSetup, err)
	}

	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		// Teardown ran while setup was suspended; everything acquired
		// since, including the channel Open produced, is discarded.
		link.Close()
		o.sig.Close()
		stream.Stop()
		return "", ErrSessionClosed
	}
	o.localStream = stream
	o.link = link
	o.remoteStream = link.Remote()
	o.call.SessionID = sess.ID
	o.call.ConnectionState = Connected
	o.call.Participants = []string{o.selfID}
	o.mediaState = MediaState{AudioEnabled: true, VideoEnabled: true, HasLocalStream: true}
	o.startedAt = time.Now()
	o.mu.Unlock()
	o.publish()

	o.log.Info("session created",
		zap.String("session", sess.ID),
		zap.String("role", RoleInitiator.String()))
	return sess.ID, nil
}

// JoinSession acquires local media, registers with an existing session as
// Responder, and opens signaling. The peer connection is deliberately not
// built yet: it is constructed lazily when the first offer arrives, so
// connection setup waits until signaling confirms a peer is present.
func (o *Orchestrator) JoinSession(ctx context.Context, sessionID string) error {
	gen := o.beginSession(RoleResponder)

	stream, err := o.media.Acquire(ctx)
	if err != nil {
		return o.failSetup(gen, KindMediaAccess, msgMediaDenied, err)
	}
	if !o.current(gen) {
		stream.Stop()
		return ErrSessionClosed
	}

	sess, err := o.svc.Join(ctx, sessionID)
	if err != nil {
		o.media.Release()
		return o.failSetup(gen, KindSessionService, msgJoinFailed, err)
	}
	if !o.current(gen) {
		o.media.Release()
		return ErrSessionClosed
	}

	if err := o.sig.Open(ctx, sess.ID, o.selfID, o.signalHandlers(gen)); err != nil {
		o.media.Release()
		return o.failSetup(gen, KindSignaling, msgSignaling, err)
	}

	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		o.sig.Close()
		stream.Stop()
		return ErrSessionClosed
	}
	o.localStream = stream
	o.call.SessionID = sess.ID
	o.call.ConnectionState = Connected
	o.call.Participants = []string{o.selfID}
	if sess.Host != "" {
		o.call.Participants = append(o.call.Participants, sess.Host)
		o.call.RemotePeerID = sess.Host
	}
	o.mediaState = MediaState{AudioEnabled: true, VideoEnabled: true, HasLocalStream: true}
	o.startedAt = time.Now()
	o.mu.Unlock()
	o.publish()

	o.log.Info("session joined",
		zap.String("session", sess.ID),
		zap.String("role", RoleResponder.String()))
	return nil
}

// InitiateCall starts negotiation explicitly: the Initiator produces an
// offer and sends it toward the remote peer. The remote peer's identity may
// still be unknown; the first inbound envelope establishes it and all
// subsequent replies are addressed to it.
func (o *Orchestrator) InitiateCall() error {
	o.mu.Lock()
	gen := o.gen
	role := o.call.Role
	link := o.link
	to := o.call.RemotePeerID
	o.mu.Unlock()

	if role != RoleInitiator {
		return &Error{Kind: KindNegotiation, Msg: "only the session creator can initiate the call"}
	}
	if link == nil {
		return &Error{Kind: KindNegotiation, Msg: "no active session"}
	}
	return o.sendOffer(gen, link, to)
}

func (o *Orchestrator) sendOffer(gen uint64, link PeerLink, to string) error {
	offer, err := link.Offer()
	if err != nil {
		o.logNegotiation(err)
		return &Error{Kind: KindNegotiation, Msg: "offer failed", Err: err}
	}
	if !o.current(gen) {
		return ErrSessionClosed
	}
	if err := o.sig.Send(signal.Envelope{
		Type: signal.TypeOffer,
		From: o.selfID,
		To:   to,
		SDP:  offer,
	}); err != nil {
		o.signalFailure(gen, err)
		return &Error{Kind: KindSignaling, Msg: msgSignaling, Err: err}
	}
	return nil
}

// ToggleAudio flips the local audio track's enabled flag and pauses or
// resumes the outgoing sender accordingly. Returns the new enabled value.
func (o *Orchestrator) ToggleAudio() bool { return o.toggleKind(webrtc.RTPCodecTypeAudio) }

// ToggleVideo flips the local video track's enabled flag.
func (o *Orchestrator) ToggleVideo() bool { return o.toggleKind(webrtc.RTPCodecTypeVideo) }

func (o *Orchestrator) toggleKind(kind webrtc.RTPCodecType) bool {
	enabled, ok := o.media.ToggleKind(kind)

	o.mu.Lock()
	if !ok {
		// No such track; report the current flag unchanged.
		var cur bool
		if kind == webrtc.RTPCodecTypeAudio {
			cur = o.mediaState.AudioEnabled
		} else {
			cur = o.mediaState.VideoEnabled
		}
		o.mu.Unlock()
		return cur
	}
	if kind == webrtc.RTPCodecTypeAudio {
		o.mediaState.AudioEnabled = enabled
	} else {
		o.mediaState.VideoEnabled = enabled
	}
	link := o.link
	o.mu.Unlock()

	if link != nil {
		if err := link.SetSending(kind, enabled); err != nil {
			o.log.Warn("failed to update outgoing sender", zap.Error(err))
		}
	}
	o.publish()
	return enabled
}

// ToggleScreenShare starts or stops screen sharing. Starting replaces the
// outgoing video track with a display-capture track in place; stopping (or
// the user revoking capture via the OS UI) reacquires a camera track and
// replaces back.
func (o *Orchestrator) ToggleScreenShare(ctx context.Context) error {
	o.mu.Lock()
	gen := o.gen
	sharing := o.mediaState.SharingScreen
	stream := o.localStream
	o.mu.Unlock()

	if stream == nil {
		return &Error{Kind: KindMediaAccess, Msg: "no active session"}
	}
	if sharing {
		return o.revertToCamera(ctx, gen)
	}
	return o.startScreenShare(ctx, gen)
}

func (o *Orchestrator) startScreenShare(ctx context.Context, gen uint64) error {
	display, err := o.media.AcquireDisplay(ctx)
	if err != nil {
		return &Error{Kind: KindMediaAccess, Msg: msgScreenDenied, Err: err}
	}
	if !o.current(gen) {
		display.Stop()
		return ErrSessionClosed
	}

	o.mu.Lock()
	link := o.link
	stream := o.localStream
	o.mu.Unlock()

	if link != nil {
		if err := link.ReplaceVideoTrack(display); err != nil {
			display.Stop()
			return &Error{Kind: KindNegotiation, Msg: "could not switch to screen share", Err: err}
		}
	}

	old := stream.SwapKind(webrtc.RTPCodecTypeVideo, display)
	if old != nil {
		old.Stop()
	}

	// OS-side revocation ends the display track without a local stop call;
	// revert to the camera automatically.
	display.OnEnded(func() {
		if err := o.revertToCamera(context.Background(), gen); err != nil {
			o.log.Warn("screen-share auto-revert failed", zap.Error(err))
		}
	})

	o.mu.Lock()
	if o.gen == gen {
		o.mediaState.SharingScreen = true
	}
	o.mu.Unlock()
	o.publish()

	o.log.Info("screen share started")
	return nil
}

func (o *Orchestrator) revertToCamera(ctx context.Context, gen uint64) error {
	o.mu.Lock()
	if o.gen != gen || !o.mediaState.SharingScreen {
		o.mu.Unlock()
		return nil
	}
	link := o.link
	stream := o.localStream
	o.mu.Unlock()

	cam, err := o.media.AcquireVideo(ctx)
	if err != nil {
		// The display track still ends; stop it and fall back to video-less.
		o.stopDisplayTrack(gen, stream, nil)
		return &Error{Kind: KindMediaAccess, Msg: msgMediaDenied, Err: err}
	}
	if !o.current(gen) {
		cam.Stop()
		return ErrSessionClosed
	}

	if link != nil {
		if err := link.ReplaceVideoTrack(cam); err != nil {
			o.log.Warn("failed to restore camera track on sender", zap.Error(err))
		}
	}

	o.stopDisplayTrack(gen, stream, cam)

	o.log.Info("screen share stopped")
	return nil
}

// stopDisplayTrack swaps repl (may be nil) in for the current video track,
// stops the displaced display track, and clears the sharing flag. Track
// stops are once-only, so racing user-stop against OS revocation cannot
// double-stop the display track.
func (o *Orchestrator) stopDisplayTrack(gen uint64, stream *media.Stream, repl media.Track) {
	var old media.Track
	if repl != nil {
		old = stream.SwapKind(webrtc.RTPCodecTypeVideo, repl)
	} else {
		old = stream.TrackByKind(webrtc.RTPCodecTypeVideo)
	}
	if old != nil {
		old.Stop()
	}

	o.mu.Lock()
	if o.gen == gen {
		o.mediaState.SharingScreen = false
	}
	o.mu.Unlock()
	o.publish()
}

// LeaveSession tears the session down: signaling closed, media released,
// peer connection closed, published state reset to initial values. Safe to
// call multiple times and from any state.
func (o *Orchestrator) LeaveSession() {
	o.mu.Lock()
	rec := o.recordLocked("left")
	o.teardownLocked()
	o.mu.Unlock()
	o.publish()

	if rec != nil && o.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.history.Record(ctx, *rec); err != nil {
			o.log.Warn("failed to record call history", zap.Error(err))
		}
	}
}

// Close runs the same teardown as LeaveSession; it is the scoped cleanup
// for process exit paths.
func (o *Orchestrator) Close() error {
	o.LeaveSession()
	return nil
}

// ---- internal ----

// beginSession resets any previous session and arms a new generation.
func (o *Orchestrator) beginSession(role Role) uint64 {
	o.mu.Lock()
	o.teardownLocked()
	gen := o.gen
	o.call = State{Role: role, ConnectionState: Connecting}
	o.mu.Unlock()
	o.publish()
	return gen
}

// teardownLocked bumps the generation (invalidating in-flight completions)
// and resets everything to the initial state. Idempotent.
func (o *Orchestrator) teardownLocked() {
	o.gen++
	link := o.link
	o.link = nil
	o.localStream = nil
	o.remoteStream = nil
	o.call = State{}
	o.mediaState = MediaState{}
	o.startedAt = time.Time{}

	// These closes are idempotent and do not call back into the
	// orchestrator for a locally initiated close.
	if err := o.sig.Close(); err != nil {
		o.log.Debug("signaling close", zap.Error(err))
	}
	if link != nil {
		if err := link.Close(); err != nil {
			o.log.Debug("peer close", zap.Error(err))
		}
	}
	o.media.Release()
}

func (o *Orchestrator) recordLocked(outcome string) *Record {
	if o.call.SessionID == "" {
		return nil
	}
	if o.call.Err != "" {
		outcome = o.call.Err
	}
	return &Record{
		SessionID: o.call.SessionID,
		Role:      o.call.Role.String(),
		StartedAt: o.startedAt,
		EndedAt:   time.Now(),
		Outcome:   outcome,
	}
}

func (o *Orchestrator) current(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gen == gen
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	snap := Snapshot{Call: o.call, Media: o.mediaState}
	if len(o.call.Participants) > 0 {
		snap.Call.Participants = append([]string(nil), o.call.Participants...)
	}
	return snap
}

func (o *Orchestrator) publish() {
	o.mu.Lock()
	snap := o.snapshotLocked()
	observers := make([]func(Snapshot), len(o.observers))
	copy(observers, o.observers)
	o.mu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
}

// failSetup maps a setup-step failure into the published error state and
// returns the typed error for the caller, unless the session was already
// torn down while the step was suspended.
func (o *Orchestrator) failSetup(gen uint64, kind ErrorKind, msg string, err error) error {
	o.mu.Lock()
	if o.gen == gen {
		o.call.ConnectionState = ConnError
		o.call.Err = msg
	}
	o.mu.Unlock()
	o.publish()

	o.log.Error("session setup failed",
		zap.String("kind", kind.String()),
		zap.Error(err))
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// signalFailure applies a non-fatal signaling failure to the published
// state. The peer connection stays up; media may still flow.
func (o *Orchestrator) signalFailure(gen uint64, err error) {
	o.mu.Lock()
	if o.gen == gen {
		o.call.ConnectionState = ConnError
		o.call.Err = msgSignaling
	}
	o.mu.Unlock()
	o.publish()
	o.log.Warn("signaling failure", zap.Error(err))
}

func (o *Orchestrator) logNegotiation(err error) {
	o.log.Warn("negotiation error (recoverable)", zap.Error(err))
}

// ---- signaling event handling ----

func (o *Orchestrator) signalHandlers(gen uint64) signal.Handlers {
	return signal.Handlers{
		OnMessage: func(env signal.Envelope) { o.handleEnvelope(gen, env) },
		OnError:   func(err error) { o.signalFailure(gen, err) },
		OnClose: func() {
			// Remote close marks the session disconnected but does not tear
			// down the peer connection; only LeaveSession does that.
			o.mu.Lock()
			if o.gen == gen {
				o.call.ConnectionState = Disconnected
			}
			o.mu.Unlock()
			o.publish()
		},
	}
}

func (o *Orchestrator) handleEnvelope(gen uint64, env signal.Envelope) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	if o.call.RemotePeerID == "" && env.From != "" {
		// The first inbound message establishes the remote peer; all
		// subsequent replies are addressed to it.
		o.call.RemotePeerID = env.From
		o.call.Participants = append(o.call.Participants, env.From)
	}
	role := o.call.Role
	link := o.link
	o.mu.Unlock()
	defer o.publish()

	switch env.Type {
	case signal.TypeOffer:
		if role != RoleResponder {
			o.log.Debug("initiator ignoring inbound offer", zap.String("from", env.From))
			return
		}
		o.handleOffer(gen, env)

	case signal.TypeAnswer:
		if role != RoleInitiator {
			o.log.Debug("responder ignoring unsolicited answer", zap.String("from", env.From))
			return
		}
		if link == nil || env.SDP == nil {
			o.logNegotiation(&Error{Kind: KindNegotiation, Msg: "answer without pending offer"})
			return
		}
		if err := link.SetRemoteDescription(*env.SDP); err != nil {
			o.logNegotiation(err)
		}

	case signal.TypeICECandidate:
		if link == nil || env.Candidate == nil {
			o.logNegotiation(&Error{Kind: KindNegotiation, Msg: "candidate before connection exists"})
			return
		}
		if err := link.AddICECandidate(*env.Candidate); err != nil {
			// A single bad or early candidate must not take the session
			// down; later candidates still apply.
			o.logNegotiation(err)
		}
	}
}

// handleOffer answers an inbound offer, lazily constructing the peer
// connection if this responder deferred it at join time.
func (o *Orchestrator) handleOffer(gen uint64, env signal.Envelope) {
	if env.SDP == nil {
		o.logNegotiation(&Error{Kind: KindNegotiation, Msg: "offer without description"})
		return
	}

	o.mu.Lock()
	link := o.link
	stream := o.localStream
	o.mu.Unlock()

	if link == nil {
		built, err := o.newPeer(stream, o.peerCallbacks(gen))
		if err != nil {
			o.logNegotiation(err)
			return
		}
		o.mu.Lock()
		if o.gen != gen {
			o.mu.Unlock()
			built.Close()
			return
		}
		o.link = built
		o.remoteStream = built.Remote()
		o.mu.Unlock()
		link = built
	}

	answer, err := link.Answer(*env.SDP)
	if err != nil {
		o.logNegotiation(err)
		return
	}
	if !o.current(gen) {
		return
	}

	if err := o.sig.Send(signal.Envelope{
		Type: signal.TypeAnswer,
		From: o.selfID,
		To:   env.From,
		SDP:  answer,
	}); err != nil {
		o.signalFailure(gen, err)
	}
}

// ---- peer event handling ----

func (o *Orchestrator) peerCallbacks(gen uint64) peer.Callbacks {
	cb := peer.Callbacks{
		OnRemoteStream: func(rs *peer.RemoteStream) {
			o.mu.Lock()
			if o.gen == gen {
				o.remoteStream = rs
				o.mediaState.HasRemoteStream = rs.HasMedia()
			}
			o.mu.Unlock()
			o.publish()
		},
		OnICECandidate: func(candidate webrtc.ICECandidateInit) {
			o.mu.Lock()
			current := o.gen == gen
			to := o.call.RemotePeerID
			o.mu.Unlock()
			if !current {
				return
			}
			cand := candidate
			if err := o.sig.Send(signal.Envelope{
				Type:      signal.TypeICECandidate,
				From:      o.selfID,
				To:        to,
				Candidate: &cand,
			}); err != nil {
				// Lost candidates are tolerated; ICE gathers several.
				o.log.Debug("dropped outbound candidate", zap.Error(err))
			}
		},
		OnStateChange: func(st peer.State) { o.handlePeerState(gen, st) },
	}

	// Auto-negotiate variant: the initiator offers whenever the transport
	// asks; the responder never originates an offer.
	if o.autoNegotiate {
		o.mu.Lock()
		isInitiator := o.call.Role == RoleInitiator
		o.mu.Unlock()
		if isInitiator {
			cb.OnNegotiationNeeded = func() {
				o.mu.Lock()
				current := o.gen == gen
				link := o.link
				to := o.call.RemotePeerID
				o.mu.Unlock()
				if !current || link == nil {
					return
				}
				if err := o.sendOffer(gen, link, to); err != nil {
					o.logNegotiation(err)
				}
			}
		}
	}
	return cb
}

func (o *Orchestrator) handlePeerState(gen uint64, st peer.State) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	switch st {
	case peer.StateConnected:
		o.call.ConnectionState = Connected
		o.call.Err = ""
	case peer.StateFailed:
		o.call.ConnectionState = ConnError
		o.call.Err = msgConnectionLost
	}
	o.mu.Unlock()
	o.publish()
}
