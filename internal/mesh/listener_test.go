package mesh

import (
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"meshchat/internal/event"
	"meshchat/internal/meshcrypto"
	"meshchat/internal/meshproto"
	"meshchat/internal/registry"
)

const (
	testChannel = "LongFast"
	testKey     = "AQ==" // well-known default
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func openTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg, err := registry.Open(db, "test-profile", testLogger())
	require.NoError(t, err)
	return reg
}

// startTestListener brings up a listener over an in-memory conn and returns
// it with its event stream and the conn for injecting datagrams.
func startTestListener(t *testing.T) (*Listener, *memConn, <-chan event.Event, *registry.Registry) {
	t.Helper()

	mc := newMemConn()
	reg := openTestRegistry(t)
	pub := event.NewPublisher()
	t.Cleanup(pub.Close)

	l, err := NewListener(Config{
		Group:  "224.0.0.69",
		Port:   4403,
		Listen: mc.listen,
	}, Profile{
		ID:        "test-profile",
		NodeID:    0x0badcafe,
		LongName:  "Test Station",
		ShortName: "TS",
		Channel:   testChannel,
		Key:       testKey,
	}, reg, pub, testLogger())
	require.NoError(t, err)

	ch, cancel := pub.Subscribe()
	t.Cleanup(cancel)

	require.NoError(t, l.Start())
	t.Cleanup(l.Stop)
	return l, mc, ch, reg
}

// buildTextDatagram encodes a broadcast text message the way a real node on
// the channel would.
func buildTextDatagram(t *testing.T, key, channel string, from, id uint32, text string) []byte {
	t.Helper()

	km, err := meshcrypto.DeriveKeyMaterialBase64(key)
	require.NoError(t, err)

	plaintext := meshproto.EncodeEnvelope(meshproto.Envelope{
		Port:    meshproto.PortTextMessage,
		Payload: []byte(text),
	})
	ciphertext, err := meshcrypto.Encrypt(km, from, id, plaintext)
	require.NoError(t, err)

	hdr := meshproto.EncodeHeader(meshproto.TransportHeader{
		From:        from,
		To:          meshproto.Broadcast,
		PacketID:    id,
		HopLimit:    3,
		HopStart:    3,
		ChannelHash: meshcrypto.ChannelHash(channel, km),
	})
	return append(hdr, ciphertext...)
}

func waitEvent(t *testing.T, ch <-chan event.Event, typ event.Type) event.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event stream closed while waiting for %s", typ)
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func TestTextMessageScenario(t *testing.T) {
	_, mc, ch, reg := startTestListener(t)

	mc.inject(buildTextDatagram(t, testKey, testChannel, 0xdeadbeef, 1, "hi"))

	disc := waitEvent(t, ch, event.TypeNodeDiscovered)
	assert.Equal(t, uint32(0xdeadbeef), disc.Node.NodeID)

	msg := waitEvent(t, ch, event.TypeNewMessage)
	assert.Equal(t, uint32(0xdeadbeef), msg.Message.From)
	assert.Equal(t, "!deadbeef", msg.Message.FromID)
	assert.Equal(t, "hi", msg.Message.Text)
	assert.False(t, msg.Message.Self)

	require.Equal(t, 1, reg.Len())
	n, ok := reg.Get(0xdeadbeef)
	require.True(t, ok)
	assert.Equal(t, uint64(1), n.PacketCount)
}

func TestDuplicateSuppression(t *testing.T) {
	l, mc, ch, reg := startTestListener(t)

	dgram := buildTextDatagram(t, testKey, testChannel, 0xdeadbeef, 7, "once")
	mc.inject(dgram)
	mc.inject(dgram)
	// A distinct packet afterwards proves the loop survived the duplicate.
	mc.inject(buildTextDatagram(t, testKey, testChannel, 0xdeadbeef, 8, "twice"))

	first := waitEvent(t, ch, event.TypeNewMessage)
	assert.Equal(t, "once", first.Message.Text)
	second := waitEvent(t, ch, event.TypeNewMessage)
	assert.Equal(t, "twice", second.Message.Text)

	n, ok := reg.Get(0xdeadbeef)
	require.True(t, ok)
	assert.Equal(t, uint64(2), n.PacketCount, "duplicate must not bump the count")
	assert.Equal(t, uint64(1), l.Stats().Duplicates)
}

func TestArrivalOrderIsPreserved(t *testing.T) {
	_, mc, ch, reg := startTestListener(t)

	for i, text := range []string{"p1", "p2", "p3"} {
		mc.inject(buildTextDatagram(t, testKey, testChannel, 0xdeadbeef, uint32(100+i), text))
	}

	var got []string
	for range 3 {
		got = append(got, waitEvent(t, ch, event.TypeNewMessage).Message.Text)
	}
	assert.Equal(t, []string{"p1", "p2", "p3"}, got)

	n, ok := reg.Get(0xdeadbeef)
	require.True(t, ok)
	assert.Equal(t, uint64(3), n.PacketCount)
	assert.False(t, n.LastSeen.Before(n.FirstSeen))
}

func TestCorruptDatagramDoesNotStopTheLoop(t *testing.T) {
	l, mc, ch, _ := startTestListener(t)

	// Truncated: shorter than the fixed header.
	mc.inject([]byte{0x01, 0x02, 0x03})
	drop := waitEvent(t, ch, event.TypePacketDropped)
	assert.Equal(t, "malformed header", drop.Drop.Reason)

	// Valid header, corrupted ciphertext: decrypts to garbage, fails at the
	// envelope, still just one drop.
	km, err := meshcrypto.DeriveKeyMaterialBase64(testKey)
	require.NoError(t, err)
	hdr := meshproto.EncodeHeader(meshproto.TransportHeader{
		From:        0x11111111,
		To:          meshproto.Broadcast,
		PacketID:    9,
		ChannelHash: meshcrypto.ChannelHash(testChannel, km),
	})
	mc.inject(append(hdr, 0xde, 0xad, 0xbe, 0xef, 0xff, 0xff, 0xff, 0xff, 0xff))
	waitEvent(t, ch, event.TypePacketDropped)

	// And the next valid datagram still goes through.
	mc.inject(buildTextDatagram(t, testKey, testChannel, 0xdeadbeef, 10, "alive"))
	msg := waitEvent(t, ch, event.TypeNewMessage)
	assert.Equal(t, "alive", msg.Message.Text)

	assert.Equal(t, StateListening, l.State())
	assert.Equal(t, uint64(2), l.Stats().Dropped)
}

func TestWrongChannelIsSilentlyDropped(t *testing.T) {
	l, mc, ch, reg := startTestListener(t)

	mc.inject(buildTextDatagram(t, testKey, "OtherChannel", 0xdeadbeef, 3, "not for us"))
	// Follow with one of ours to be sure the first was handled.
	mc.inject(buildTextDatagram(t, testKey, testChannel, 0xdeadbeef, 4, "for us"))

	msg := waitEvent(t, ch, event.TypeNewMessage)
	assert.Equal(t, "for us", msg.Message.Text)

	assert.Equal(t, uint64(1), l.Stats().WrongChannel)
	n, _ := reg.Get(0xdeadbeef)
	assert.Equal(t, uint64(1), n.PacketCount, "foreign-channel traffic must not touch the registry")
}

func TestChannelIsolation(t *testing.T) {
	// Encrypted under a different key but stamped with our channel hash: the
	// plaintext is noise and must surface as a malformed packet, not a crash.
	l, mc, ch, _ := startTestListener(t)

	otherKM, err := meshcrypto.DeriveKeyMaterial([]byte{0x02})
	require.NoError(t, err)
	ourKM, err := meshcrypto.DeriveKeyMaterialBase64(testKey)
	require.NoError(t, err)

	plaintext := meshproto.EncodeEnvelope(meshproto.Envelope{
		Port:    meshproto.PortTextMessage,
		Payload: []byte("foreign secret"),
	})
	ciphertext, err := meshcrypto.Encrypt(otherKM, 0x22222222, 5, plaintext)
	require.NoError(t, err)
	hdr := meshproto.EncodeHeader(meshproto.TransportHeader{
		From:        0x22222222,
		To:          meshproto.Broadcast,
		PacketID:    5,
		ChannelHash: meshcrypto.ChannelHash(testChannel, ourKM),
	})
	mc.inject(append(hdr, ciphertext...))

	drop := waitEvent(t, ch, event.TypePacketDropped)
	assert.Contains(t, drop.Drop.Reason, "malformed")
	assert.Equal(t, StateListening, l.State())
}

func TestNodeInfoUpdatesRegistry(t *testing.T) {
	_, mc, ch, reg := startTestListener(t)

	km, err := meshcrypto.DeriveKeyMaterialBase64(testKey)
	require.NoError(t, err)
	payload := meshproto.EncodeAppMessage(meshproto.NodeInfo{
		ID:        "!deadbeef",
		LongName:  "Ridge Repeater",
		ShortName: "RR",
		HwModel:   9,
		PublicKey: []byte{1, 2, 3},
	})
	plaintext := meshproto.EncodeEnvelope(meshproto.Envelope{Port: meshproto.PortNodeInfo, Payload: payload})
	ciphertext, err := meshcrypto.Encrypt(km, 0xdeadbeef, 11, plaintext)
	require.NoError(t, err)
	hdr := meshproto.EncodeHeader(meshproto.TransportHeader{
		From:        0xdeadbeef,
		To:          meshproto.Broadcast,
		PacketID:    11,
		ChannelHash: meshcrypto.ChannelHash(testChannel, km),
	})
	mc.inject(append(hdr, ciphertext...))

	ev := waitEvent(t, ch, event.TypeNodeDiscovered)
	assert.Equal(t, meshproto.PortNodeInfo, ev.Node.Port)

	n, ok := reg.Get(0xdeadbeef)
	require.True(t, ok)
	assert.Equal(t, "Ridge Repeater", n.LongName)
	assert.Equal(t, "RR", n.ShortName)
	assert.Equal(t, []byte{1, 2, 3}, n.PublicKey)
}

func TestUnknownPortStillRecorded(t *testing.T) {
	_, mc, ch, reg := startTestListener(t)

	km, err := meshcrypto.DeriveKeyMaterialBase64(testKey)
	require.NoError(t, err)
	plaintext := meshproto.EncodeEnvelope(meshproto.Envelope{
		Port:    meshproto.PortNum(199),
		Payload: []byte{0xaa, 0xbb},
	})
	ciphertext, err := meshcrypto.Encrypt(km, 0x33333333, 12, plaintext)
	require.NoError(t, err)
	hdr := meshproto.EncodeHeader(meshproto.TransportHeader{
		From:        0x33333333,
		To:          meshproto.Broadcast,
		PacketID:    12,
		ChannelHash: meshcrypto.ChannelHash(testChannel, km),
	})
	mc.inject(append(hdr, ciphertext...))

	ev := waitEvent(t, ch, event.TypeNodeDiscovered)
	assert.Equal(t, meshproto.PortNum(199), ev.Node.Port)

	n, ok := reg.Get(0x33333333)
	require.True(t, ok)
	assert.Equal(t, uint64(1), n.PacketCount)
}

func TestSendTextRoundTrip(t *testing.T) {
	l, mc, ch, _ := startTestListener(t)

	require.NoError(t, l.SendText("outbound"))

	self := waitEvent(t, ch, event.TypeNewMessage)
	assert.True(t, self.Message.Self)
	assert.Equal(t, "outbound", self.Message.Text)
	assert.Equal(t, uint32(0x0badcafe), self.Message.From)

	sent := mc.transmitted()
	require.Len(t, sent, 1)
}

func TestSentDatagramDecodes(t *testing.T) {
	l, mc, _, _ := startTestListener(t)
	require.NoError(t, l.SendText("wire check"))

	sent := mc.transmitted()
	require.NotEmpty(t, sent)
	raw := sent[len(sent)-1]

	hdr, ciphertext, err := meshproto.DecodeHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0badcafe), hdr.From)
	assert.Equal(t, meshproto.Broadcast, hdr.To)

	km, err := meshcrypto.DeriveKeyMaterialBase64(testKey)
	require.NoError(t, err)
	assert.Equal(t, meshcrypto.ChannelHash(testChannel, km), hdr.ChannelHash)

	plaintext, err := meshcrypto.Decrypt(km, hdr.From, hdr.PacketID, ciphertext)
	require.NoError(t, err)
	env, err := meshproto.DecodeEnvelope(plaintext)
	require.NoError(t, err)
	msg, err := meshproto.DecodeAppMessage(env.Port, env.Payload)
	require.NoError(t, err)
	assert.Equal(t, meshproto.TextMessage{Text: "wire check"}, msg)
}

func TestOwnLoopbackIgnored(t *testing.T) {
	l, mc, ch, reg := startTestListener(t)

	require.NoError(t, l.SendText("echo"))
	waitEvent(t, ch, event.TypeNewMessage) // the local publish

	// Multicast loops our own datagram back; it must not produce a second
	// message or a registry entry for ourselves.
	sent := mc.transmitted()
	require.NotEmpty(t, sent)
	mc.inject(sent[len(sent)-1])

	mc.inject(buildTextDatagram(t, testKey, testChannel, 0xdeadbeef, 20, "other"))
	msg := waitEvent(t, ch, event.TypeNewMessage)
	assert.Equal(t, "other", msg.Message.Text)

	_, ok := reg.Get(0x0badcafe)
	assert.False(t, ok)
}

func TestStopIsBoundedAndReleasesSocket(t *testing.T) {
	l, mc, _, _ := startTestListener(t)

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return in bounded time")
	}
	assert.Equal(t, StateStopped, l.State())

	select {
	case <-mc.closed:
	default:
		t.Fatal("socket was not closed on stop")
	}

	// Idempotent.
	l.Stop()
	assert.Equal(t, StateStopped, l.State())

	require.ErrorIs(t, l.SendText("late"), ErrNotListening)
}

func TestReadFailureReleasesSocket(t *testing.T) {
	l, mc, ch, _ := startTestListener(t)

	mc.failRead(errors.New("network is down"))

	for {
		ev := waitEvent(t, ch, event.TypeStatus)
		if ev.Status.State == "error" {
			break
		}
	}
	assert.Equal(t, StateError, l.State())

	select {
	case <-mc.closed:
	default:
		t.Fatal("socket was not released on the error exit")
	}

	// Stop from the error state is still clean, and sends are refused.
	l.Stop()
	assert.Equal(t, StateStopped, l.State())
	require.ErrorIs(t, l.SendText("late"), ErrNotListening)
}

func TestInvalidKeyIsFatalToStart(t *testing.T) {
	pub := event.NewPublisher()
	defer pub.Close()

	_, err := NewListener(Config{Listen: newMemConn().listen}, Profile{
		ID:      "p",
		NodeID:  1,
		Channel: testChannel,
		Key:     "AAEC", // 3 bytes: no expansion rule
	}, openTestRegistry(t), pub, testLogger())
	require.ErrorIs(t, err, meshcrypto.ErrInvalidKey)
}

func TestBindErrorSurfacesAfterOneRetry(t *testing.T) {
	pub := event.NewPublisher()
	defer pub.Close()

	attempts := 0
	l, err := NewListener(Config{
		Listen: func(group string, port int, iface string) (net.PacketConn, *net.UDPAddr, error) {
			attempts++
			return nil, nil, errors.New("address in use")
		},
	}, Profile{ID: "p", NodeID: 1, Channel: testChannel, Key: testKey},
		openTestRegistry(t), pub, testLogger())
	require.NoError(t, err)

	err = l.Start()
	require.ErrorIs(t, err, ErrBind)
	assert.Equal(t, 2, attempts, "exactly one bounded retry")
	assert.Equal(t, StateStopped, l.State())
}
