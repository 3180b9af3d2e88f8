// Package peer owns the negotiated media transport for a call: it wires
// local tracks in, demultiplexes remote tracks out, generates and consumes
// offers, answers, and ICE candidates, and maps transport state changes to
// the call-level connection state.
package peer

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/peercall/internal/media"
)

// State is the call-level view of the transport's connection state.
type State int

const (
	StateNew State = iota
	StateChecking
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateChecking:
		return "checking"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Callbacks are delivered from the transport's own goroutines and may
// interleave in any order relative to each other and to caller operations.
type Callbacks struct {
	OnRemoteStream func(*RemoteStream)
	OnICECandidate func(webrtc.ICECandidateInit)
	OnStateChange  func(State)
	// OnNegotiationNeeded, when set, fires whenever the transport wants a
	// fresh offer (auto-negotiate variant). Leave nil for explicit
	// initiation.
	OnNegotiationNeeded func()
}

// Conn wraps one peer connection for a two-party call.
type Conn struct {
	log *zap.Logger
	cb  Callbacks

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	remote  *RemoteStream
	senders map[webrtc.RTPCodecType]*webrtc.RTPSender
	tracks  map[webrtc.RTPCodecType]media.Track
	closed  bool
	done    chan struct{}
}

// New builds a peer connection, attaches the local stream's tracks, and
// registers the transport callbacks. selector may be nil when the stream
// carries no device-encoded tracks (tests).
func New(stream *media.Stream, selector *mediadevices.CodecSelector, iceServers []string, cb Callbacks, log *zap.Logger) (*Conn, error) {
	mediaEngine := webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}
	if selector != nil {
		selector.Populate(&mediaEngine)
	}

	registry := interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(&mediaEngine, &registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(
		5*time.Second,  // disconnected timeout
		10*time.Second, // failed timeout
		2*time.Second,  // keep-alive interval
	)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(&mediaEngine),
		webrtc.WithInterceptorRegistry(&registry),
		webrtc.WithSettingEngine(settingEngine),
	)

	servers := make([]webrtc.ICEServer, 0, 1)
	if len(iceServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: iceServers})
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         servers,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	c := &Conn{
		log:     log.Named("peer"),
		cb:      cb,
		pc:      pc,
		remote:  &RemoteStream{},
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
		tracks:  make(map[webrtc.RTPCodecType]media.Track),
		done:    make(chan struct{}),
	}

	if stream != nil {
		for _, t := range stream.Tracks() {
			if err := c.addLocalTrack(t); err != nil {
				pc.Close()
				return nil, err
			}
		}
	}

	c.setupCallbacks()
	return c, nil
}

func (c *Conn) addLocalTrack(t media.Track) error {
	local := t.Local()
	if local == nil {
		return fmt.Errorf("track %s has no transport-attachable form", t.ID())
	}
	sender, err := c.pc.AddTrack(local)
	if err != nil {
		return fmt.Errorf("add %s track: %w", t.Kind(), err)
	}
	c.senders[t.Kind()] = sender
	c.tracks[t.Kind()] = t
	go c.drainRTCP(sender)
	return nil
}

// drainRTCP consumes sender reports; interceptors only run while the
// sender's RTCP stream is being read.
func (c *Conn) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-c.done:
			return
		default:
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}
}

// drainRemote reads inbound packets off a remote track. The receive
// interceptors (NACK, receiver reports) only run while someone reads the
// track, and the counters feed the remote stream's stats.
func (c *Conn) drainRemote(track *webrtc.TrackRemote) {
	for {
		select {
		case <-c.done:
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		c.remote.recordPacket(track.Kind(), pkt)
	}
}

func (c *Conn) setupCallbacks() {
	c.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		c.log.Info("ICE connection state changed", zap.String("state", state.String()))
		mapped, ok := mapICEState(state)
		if ok && c.cb.OnStateChange != nil {
			c.cb.OnStateChange(mapped)
		}
	})

	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			// gathering complete
			return
		}
		if c.cb.OnICECandidate != nil {
			c.cb.OnICECandidate(candidate.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.log.Info("received remote track",
			zap.String("id", track.ID()),
			zap.String("kind", track.Kind().String()),
			zap.String("stream", track.StreamID()))
		if !c.remote.addTrack(track) {
			c.log.Warn("dropped remote track outside session bundle", zap.String("id", track.ID()))
			return
		}
		go c.drainRemote(track)
		if c.cb.OnRemoteStream != nil {
			c.cb.OnRemoteStream(c.remote)
		}
	})

	if c.cb.OnNegotiationNeeded != nil {
		c.pc.OnNegotiationNeeded(func() {
			if c.pc.SignalingState() != webrtc.SignalingStateStable {
				c.log.Debug("skipping negotiation, signaling state not stable")
				return
			}
			c.cb.OnNegotiationNeeded()
		})
	}
}

// mapICEState folds the transport's ICE states onto the call-level state
// machine: New -> Checking -> {Connected|Completed} is terminal success,
// {Failed|Disconnected} is terminal failure requiring leave+rejoin.
func mapICEState(state webrtc.ICEConnectionState) (State, bool) {
	switch state {
	case webrtc.ICEConnectionStateNew:
		return StateNew, true
	case webrtc.ICEConnectionStateChecking:
		return StateChecking, true
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return StateConnected, true
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected:
		return StateFailed, true
	case webrtc.ICEConnectionStateClosed:
		return StateClosed, true
	default:
		return StateNew, false
	}
}

// Offer creates an offer and installs it as the local description.
// Candidates trickle through OnICECandidate as they are gathered.
func (c *Conn) Offer() (*webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return c.pc.LocalDescription(), nil
}

// Answer applies the remote offer and produces the local answer.
func (c *Conn) Answer(remote webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.SetRemoteDescription(remote); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return c.pc.LocalDescription(), nil
}

// SetRemoteDescription validates and applies the remote description.
func (c *Conn) SetRemoteDescription(sd webrtc.SessionDescription) error {
	if err := validateSDP(&sd); err != nil {
		return err
	}
	if err := c.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// AddICECandidate applies one remote candidate. A candidate arriving before
// the remote description is set fails here; the caller logs it and moves
// on, and later candidates still apply once the description lands.
func (c *Conn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err := c.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add ICE candidate: %w", err)
	}
	return nil
}

// ReplaceVideoTrack swaps the outgoing video track in place, without
// renegotiation. Used for screen-share start/stop.
func (c *Conn) ReplaceVideoTrack(t media.Track) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sender, ok := c.senders[webrtc.RTPCodecTypeVideo]
	if !ok {
		return fmt.Errorf("no outgoing video sender")
	}
	if err := sender.ReplaceTrack(t.Local()); err != nil {
		return fmt.Errorf("replace video track: %w", err)
	}
	c.tracks[webrtc.RTPCodecTypeVideo] = t
	return nil
}

// SetSending pauses or resumes the outgoing track of a kind by detaching it
// from the sender. Detaching keeps the negotiated m-line, so resuming needs
// no renegotiation either.
func (c *Conn) SetSending(kind webrtc.RTPCodecType, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sender, ok := c.senders[kind]
	if !ok {
		return nil
	}
	if !enabled {
		if err := sender.ReplaceTrack(nil); err != nil {
			return fmt.Errorf("pause %s sender: %w", kind, err)
		}
		return nil
	}
	t, ok := c.tracks[kind]
	if !ok {
		return nil
	}
	if err := sender.ReplaceTrack(t.Local()); err != nil {
		return fmt.Errorf("resume %s sender: %w", kind, err)
	}
	return nil
}

// Remote returns the aggregated remote stream handle.
func (c *Conn) Remote() *RemoteStream { return c.remote }

// Close tears the transport down. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	return c.pc.Close()
}
