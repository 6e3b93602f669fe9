// Package mesh owns the multicast socket and the per-packet pipeline:
// decode header, check channel, dedupe, decrypt, decode the application
// message, update the node registry, publish an event. One goroutine runs
// the loop; packets are fully processed in arrival order.
package mesh

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"meshchat/internal/event"
	"meshchat/internal/meshcrypto"
	"meshchat/internal/meshproto"
	"meshchat/internal/registry"
)

// ErrBind is returned when the multicast socket cannot be set up.
var ErrBind = errors.New("bind multicast socket")

// ErrNotListening is returned by Send when the listener is not running.
var ErrNotListening = errors.New("listener is not running")

// State of the listener lifecycle.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateListening
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Profile is the slice of the active profile the core consumes: identity
// and channel credentials, nothing else.
type Profile struct {
	ID        string // profile store id, scopes the registry
	NodeID    uint32
	LongName  string
	ShortName string
	Channel   string
	Key       string // base64 channel key
	PublicKey []byte // advertised in node-info announcements
}

// Config is the externally supplied socket configuration.
type Config struct {
	Group        string // multicast group address
	Port         int
	Interface    string // bind interface name, "" for default
	DedupeWindow int    // recent-packet window capacity, 0 for default

	// Listen opens the socket; nil means ListenMulticastUDP. Tests inject
	// an in-memory pipe here.
	Listen ListenPacketFunc
}

const (
	readBufSize   = 512
	pollInterval  = 250 * time.Millisecond
	bindRetryWait = 500 * time.Millisecond
	defaultHops   = 3
)

// Stats are monotonic counters for the UI status endpoint.
type Stats struct {
	Received     uint64 `json:"received"`
	Dropped      uint64 `json:"dropped"`
	Duplicates   uint64 `json:"duplicates"`
	WrongChannel uint64 `json:"wrong_channel"`
	Sent         uint64 `json:"sent"`
}

// Listener joins the multicast group for one profile and drives the packet
// pipeline until stopped. One Listener per active profile; profile switching
// stops the old one before starting a new one.
type Listener struct {
	cfg      Config
	profile  Profile
	km       meshcrypto.KeyMaterial
	chanHash byte

	reg *registry.Registry
	pub *event.Publisher
	log *logrus.Entry

	state atomic.Int32

	mu     sync.Mutex // guards conn/stop/done across Start/Stop/Send
	conn   net.PacketConn
	group  *net.UDPAddr
	stopCh chan struct{}
	doneCh chan struct{}

	dedupe   *dedupeWindow
	packetID atomic.Uint32

	received     atomic.Uint64
	dropped      atomic.Uint64
	duplicates   atomic.Uint64
	wrongChannel atomic.Uint64
	sent         atomic.Uint64
}

// NewListener derives the profile's key material up front: a key the
// expansion rule rejects is fatal to starting this profile, not a
// per-packet condition.
func NewListener(cfg Config, profile Profile, reg *registry.Registry, pub *event.Publisher, log *logrus.Logger) (*Listener, error) {
	km, err := meshcrypto.DeriveKeyMaterialBase64(profile.Key)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", profile.ID, err)
	}
	if cfg.Listen == nil {
		cfg.Listen = ListenMulticastUDP
	}

	l := &Listener{
		cfg:      cfg,
		profile:  profile,
		km:       km,
		chanHash: meshcrypto.ChannelHash(profile.Channel, km),
		reg:      reg,
		pub:      pub,
		log:      log.WithField("component", "listener"),
		dedupe:   newDedupeWindow(cfg.DedupeWindow),
	}

	// Seed the outgoing packet id counter randomly so restarts don't reuse
	// ids inside other nodes' dedup windows.
	var seed [4]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("seed packet id: %w", err)
	}
	l.packetID.Store(binary.LittleEndian.Uint32(seed[:]))

	return l, nil
}

// State returns the current lifecycle state.
func (l *Listener) State() State { return State(l.state.Load()) }

// Stats returns a snapshot of the pipeline counters.
func (l *Listener) Stats() Stats {
	return Stats{
		Received:     l.received.Load(),
		Dropped:      l.dropped.Load(),
		Duplicates:   l.duplicates.Load(),
		WrongChannel: l.wrongChannel.Load(),
		Sent:         l.sent.Load(),
	}
}

// Start joins the multicast group and launches the receive loop. A bind
// failure gets one retry with backoff, then surfaces as ErrBind; the caller
// decides whether to keep the web server up regardless.
func (l *Listener) Start() error {
	if !l.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("start: listener is %s", l.State())
	}

	conn, group, err := l.cfg.Listen(l.cfg.Group, l.cfg.Port, l.cfg.Interface)
	if err != nil {
		l.log.WithError(err).Warnf("bind failed, retrying in %s", bindRetryWait)
		time.Sleep(bindRetryWait)
		conn, group, err = l.cfg.Listen(l.cfg.Group, l.cfg.Port, l.cfg.Interface)
	}
	if err != nil {
		l.state.Store(int32(StateStopped))
		return fmt.Errorf("%w: %v", ErrBind, err)
	}

	l.mu.Lock()
	l.conn = conn
	l.group = group
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	l.mu.Unlock()

	l.state.Store(int32(StateListening))
	l.publishStatus()
	l.log.WithFields(logrus.Fields{
		"group":   l.cfg.Group,
		"port":    l.cfg.Port,
		"node":    meshproto.FormatNodeID(l.profile.NodeID),
		"channel": l.profile.Channel,
	}).Info("listening")

	go l.run()
	return nil
}

// Stop interrupts the receive loop, leaves the group, and waits for the
// loop to exit. Safe to call from any goroutine and more than once; the
// socket is released on every exit path.
func (l *Listener) Stop() {
	if !l.state.CompareAndSwap(int32(StateListening), int32(StateStopping)) &&
		!l.state.CompareAndSwap(int32(StateError), int32(StateStopping)) {
		return
	}

	l.mu.Lock()
	stopCh, doneCh, conn := l.stopCh, l.doneCh, l.conn
	l.conn = nil
	l.mu.Unlock()

	close(stopCh)
	if conn != nil {
		_ = conn.Close() // also unblocks a pending read
	}
	<-doneCh

	l.state.Store(int32(StateStopped))
	l.publishStatus()
	l.log.Info("stopped")
}

func (l *Listener) run() {
	defer close(l.doneCh)

	buf := make([]byte, readBufSize)
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn == nil {
			return
		}

		// Bounded read so Stop never waits on the next datagram.
		_ = conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-l.stopCh:
				return
			default:
			}
			l.log.WithError(err).Error("receive failed")
			// Release the socket here, not in a later Stop: every exit
			// path leaves the port free.
			l.mu.Lock()
			if l.conn != nil {
				_ = l.conn.Close()
				l.conn = nil
			}
			l.mu.Unlock()
			l.state.Store(int32(StateError))
			l.publishStatus()
			return
		}

		// The packet is fully processed, registry update included, before
		// the next read: last-seen and counters must reflect arrival order.
		l.process(append([]byte(nil), buf[:n]...), time.Now())
	}
}

// process runs one datagram through the pipeline. Every failure is
// contained here: it becomes a PacketDropped diagnostic (or a silent drop
// for foreign channels and duplicates) and never stops the loop.
func (l *Listener) process(raw []byte, now time.Time) {
	l.received.Add(1)

	hdr, ciphertext, err := meshproto.DecodeHeader(raw)
	if err != nil {
		l.drop(0, "malformed header", err)
		return
	}

	// Wrong channel is routine multiplexing, not an error.
	if hdr.ChannelHash != l.chanHash {
		l.wrongChannel.Add(1)
		return
	}

	// Our own transmissions loop back; they were published at send time.
	if hdr.From == l.profile.NodeID {
		return
	}

	if l.dedupe.Seen(hdr.From, hdr.PacketID) {
		l.duplicates.Add(1)
		l.log.WithFields(logrus.Fields{
			"from": meshproto.FormatNodeID(hdr.From),
			"id":   hdr.PacketID,
		}).Debug("duplicate packet suppressed")
		return
	}

	plaintext, err := meshcrypto.Decrypt(l.km, hdr.From, hdr.PacketID, ciphertext)
	if err != nil {
		l.drop(hdr.From, "decrypt", err)
		return
	}

	// No auth tag on the cipher: a garbage plaintext fails here, as a
	// malformed packet, which is the protocol's only corruption signal.
	env, err := meshproto.DecodeEnvelope(plaintext)
	if err != nil {
		l.drop(hdr.From, "malformed envelope", err)
		return
	}

	msg, err := meshproto.DecodeAppMessage(env.Port, env.Payload)
	if err != nil {
		l.drop(hdr.From, fmt.Sprintf("malformed %s payload", env.Port), err)
		return
	}

	l.apply(hdr, msg, now)
}

// apply updates the registry and publishes the typed event for a decoded
// packet. Exactly one registry upsert and at most two events per packet.
func (l *Listener) apply(hdr meshproto.TransportHeader, msg meshproto.AppMessage, now time.Time) {
	obs := registry.Observed{}
	if ni, ok := msg.(meshproto.NodeInfo); ok {
		obs.LongName = ni.LongName
		obs.ShortName = ni.ShortName
		obs.HwModel = ni.HwModel
		obs.Role = ni.Role
		obs.PublicKey = ni.PublicKey
	}

	kind, node, err := l.reg.Upsert(hdr.From, obs, now)
	if err != nil {
		// Registry persistence trouble shouldn't lose the packet for the
		// UI; log and keep going with the in-memory result.
		l.log.WithError(err).Warn("registry persist failed")
	}

	evType := event.TypeNodeUpdated
	if kind == registry.Created {
		evType = event.TypeNodeDiscovered
	}
	l.pub.Publish(event.Event{
		Type: evType,
		Time: now,
		Node: &event.NodeChange{NodeID: hdr.From, Port: msg.AppPort()},
	})

	if tm, ok := msg.(meshproto.TextMessage); ok {
		if hdr.To == meshproto.Broadcast || hdr.To == l.profile.NodeID {
			l.pub.Publish(event.Event{
				Type: event.TypeNewMessage,
				Time: now,
				Message: &event.Message{
					From:      hdr.From,
					FromID:    meshproto.FormatNodeID(hdr.From),
					To:        hdr.To,
					PacketID:  hdr.PacketID,
					Text:      tm.Text,
					LongName:  node.LongName,
					ShortName: node.ShortName,
				},
			})
		}
	}
}

func (l *Listener) drop(from uint32, reason string, err error) {
	l.dropped.Add(1)
	l.log.WithError(err).WithField("reason", reason).Debug("packet dropped")
	l.pub.Publish(event.Event{
		Type: event.TypePacketDropped,
		Time: time.Now(),
		Drop: &event.Drop{Reason: reason, From: from},
	})
}

func (l *Listener) publishStatus() {
	l.pub.Publish(event.Event{
		Type:   event.TypeStatus,
		Time:   time.Now(),
		Status: &event.StatusInfo{State: l.State().String()},
	})
}

// SendText encodes, encrypts, and transmits a broadcast chat message, then
// publishes it locally so the UI shows it without waiting for loopback.
func (l *Listener) SendText(text string) error {
	id, err := l.transmit(meshproto.TextMessage{Text: text}, meshproto.Broadcast)
	if err != nil {
		return err
	}
	l.pub.Publish(event.Event{
		Type: event.TypeNewMessage,
		Time: time.Now(),
		Message: &event.Message{
			From:      l.profile.NodeID,
			FromID:    meshproto.FormatNodeID(l.profile.NodeID),
			To:        meshproto.Broadcast,
			PacketID:  id,
			Text:      text,
			LongName:  l.profile.LongName,
			ShortName: l.profile.ShortName,
			Self:      true,
		},
	})
	return nil
}

// Announce broadcasts this profile's node-info, the way devices introduce
// themselves when they join a channel.
func (l *Listener) Announce() error {
	_, err := l.transmit(meshproto.NodeInfo{
		ID:        meshproto.FormatNodeID(l.profile.NodeID),
		LongName:  l.profile.LongName,
		ShortName: l.profile.ShortName,
		PublicKey: l.profile.PublicKey,
	}, meshproto.Broadcast)
	return err
}

func (l *Listener) transmit(msg meshproto.AppMessage, to uint32) (uint32, error) {
	if l.State() != StateListening {
		return 0, ErrNotListening
	}

	payload := meshproto.EncodeAppMessage(msg)
	plaintext := meshproto.EncodeEnvelope(meshproto.Envelope{Port: msg.AppPort(), Payload: payload})
	if len(plaintext) > meshproto.MaxPayload {
		return 0, fmt.Errorf("%w: encoded message is %d bytes", meshproto.ErrMalformedPacket, len(plaintext))
	}

	id := l.packetID.Add(1)
	ciphertext, err := meshcrypto.Encrypt(l.km, l.profile.NodeID, id, plaintext)
	if err != nil {
		return 0, err
	}

	hdr := meshproto.EncodeHeader(meshproto.TransportHeader{
		From:        l.profile.NodeID,
		To:          to,
		PacketID:    id,
		HopLimit:    defaultHops,
		HopStart:    defaultHops,
		ChannelHash: l.chanHash,
	})

	l.mu.Lock()
	conn, group := l.conn, l.group
	l.mu.Unlock()
	if conn == nil {
		return 0, ErrNotListening
	}
	if _, err := conn.WriteTo(append(hdr, ciphertext...), group); err != nil {
		return 0, fmt.Errorf("transmit: %w", err)
	}
	l.sent.Add(1)
	return id, nil
}
