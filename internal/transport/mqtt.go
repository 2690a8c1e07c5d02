package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/voxaline/voxaline/internal/protocol"
	"github.com/voxaline/voxaline/internal/wire"
)

// Compile-time assertion that MQTT satisfies [Transport].
var _ Transport = (*MQTT)(nil)

const (
	mqttQoS            = 1
	mqttConnectTimeout = 10 * time.Second
	mqttKeepAlive      = 30 * time.Second
	udpReadBufferSize  = 2048

	// defaultLivenessTimeout bounds how long the channel may stay silent in
	// both directions before it is declared lost. The broker link has paho's
	// keepalive; the UDP path has nothing, so this monitor covers it.
	defaultLivenessTimeout = 60 * time.Second
)

// MQTTConfig configures an MQTT-signalled transport.
type MQTTConfig struct {
	// Broker is the MQTT endpoint, e.g. "ssl://broker.example.com:8883".
	Broker string

	// ClientID is the MQTT client identifier.
	ClientID string

	// Username and Password authenticate against the broker. May be empty.
	Username string
	Password string

	// PublishTopic carries outbound control messages; SubscribeTopic carries
	// inbound ones.
	PublishTopic   string
	SubscribeTopic string

	// Audio announces the client's capture format in the hello message.
	Audio protocol.AudioParams

	// Features announces optional capabilities in the hello message.
	Features protocol.Features

	// HandshakeTimeout bounds the wait for the server hello. Defaults to
	// [DefaultHandshakeTimeout] if zero.
	HandshakeTimeout time.Duration

	// LivenessTimeout is the channel-activity window checked by the monitor
	// task. No broker traffic and no decryptable audio for this long reports
	// the channel lost. Defaults to 60s if zero.
	LivenessTimeout time.Duration
}

// MQTT is the broker-signalled voice channel. Control JSON travels over the
// broker; encoded audio travels as AES-CTR encrypted datagrams over a UDP
// socket negotiated in the server hello.
type MQTT struct {
	cfg MQTTConfig

	stateVar
	*events

	mu        sync.Mutex
	client    mqtt.Client
	udpConn   *net.UDPConn
	codec     *wire.Codec
	sessionID string
	remote    protocol.AudioParams

	sendSeq     atomic.Uint32
	lastRecvSeq atomic.Uint32

	// lastActivity is the UnixNano timestamp of the most recent broker
	// message, decryptable datagram or acknowledged publish.
	lastActivity atomic.Int64

	helloCh chan *protocol.Message

	ctx    context.Context
	cancel context.CancelFunc
}

// NewMQTT creates an MQTT transport. The channel is not established until
// [MQTT.Open].
func NewMQTT(cfg MQTTConfig) *MQTT {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = defaultLivenessTimeout
	}
	return &MQTT{
		cfg:     cfg,
		events:  newEvents(),
		helloCh: make(chan *protocol.Message, 1),
	}
}

// Open connects to the broker, subscribes to the reply topic, publishes the
// client hello and waits for the server hello carrying the UDP endpoint and
// key material. On success the UDP receive loop is running.
func (m *MQTT) Open(ctx context.Context) error {
	if !m.cas(StateDisconnected, StateConnecting) {
		return ErrAlreadyOpen
	}

	runCtx, cancel := context.WithCancel(context.Background())

	opts := mqtt.NewClientOptions().
		AddBroker(m.cfg.Broker).
		SetClientID(m.cfg.ClientID).
		SetUsername(m.cfg.Username).
		SetPassword(m.cfg.Password).
		SetAutoReconnect(false).
		SetConnectTimeout(mqttConnectTimeout).
		SetKeepAlive(mqttKeepAlive).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			if m.State() == StateClosing {
				return
			}
			m.setState(StateDisconnected)
			m.signalLost(fmt.Errorf("transport: mqtt connection lost: %w", err))
		})

	client := mqtt.NewClient(opts)
	if err := waitToken(ctx, client.Connect()); err != nil {
		cancel()
		m.setState(StateDisconnected)
		return fmt.Errorf("transport: mqtt connect: %w", err)
	}

	m.mu.Lock()
	m.client = client
	m.ctx = runCtx
	m.cancel = cancel
	m.mu.Unlock()

	token := client.Subscribe(m.cfg.SubscribeTopic, mqttQoS, m.onControlMessage)
	if err := waitToken(ctx, token); err != nil {
		m.teardown()
		return fmt.Errorf("transport: mqtt subscribe %q: %w", m.cfg.SubscribeTopic, err)
	}

	m.setState(StateAwaitingHello)
	hello := protocol.NewHello(protocol.TransportUDP, m.cfg.Audio, m.cfg.Features)
	if err := m.publish(hello); err != nil {
		m.teardown()
		return fmt.Errorf("transport: send hello: %w", err)
	}

	serverHello, err := m.awaitServerHello(ctx)
	if err != nil {
		m.teardown()
		return err
	}
	if err := m.openUDP(runCtx, serverHello); err != nil {
		m.teardown()
		return err
	}

	m.setState(StateOpen)
	m.touch()
	go m.monitorLoop(runCtx)

	slog.Info("mqtt channel open",
		"broker", m.cfg.Broker,
		"session_id", m.SessionID(),
		"udp_server", serverHello.UDP.Server,
		"udp_port", serverHello.UDP.Port,
	)
	return nil
}

// touch records channel activity for the liveness monitor.
func (m *MQTT) touch() { m.lastActivity.Store(time.Now().UnixNano()) }

// monitorLoop watches the last-activity timestamp and reports the channel
// lost when the liveness window expires. The broker link already has paho's
// protocol keepalive; this catches a silently dead UDP path.
func (m *MQTT) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.LivenessTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, m.lastActivity.Load()))
			if idle < m.cfg.LivenessTimeout {
				continue
			}
			if m.State() != StateOpen {
				return
			}
			m.setState(StateDisconnected)
			m.signalLost(fmt.Errorf("transport: no channel activity for %s", idle.Round(time.Second)))
			return
		}
	}
}

// onControlMessage routes inbound broker messages. The hello reply is caught
// for the handshake; everything else flows to the control channel.
func (m *MQTT) onControlMessage(_ mqtt.Client, msg mqtt.Message) {
	data := msg.Payload()
	parsed, err := protocol.Parse(data)
	if err != nil {
		slog.Debug("discarding malformed broker message", "topic", msg.Topic(), "error", err)
		return
	}
	m.touch()
	if parsed.Type == protocol.TypeHello {
		select {
		case m.helloCh <- parsed:
		default:
		}
		return
	}

	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		return
	}
	m.deliverControl(ctx, data)
}

// awaitServerHello waits for a hello reply carrying the UDP parameters.
func (m *MQTT) awaitServerHello(ctx context.Context) (*protocol.Message, error) {
	timer := time.NewTimer(m.cfg.HandshakeTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrHandshakeTimeout
		case msg := <-m.helloCh:
			if msg.UDP == nil {
				slog.Debug("hello reply missing udp parameters, waiting for another")
				continue
			}
			return msg, nil
		}
	}
}

// openUDP derives the session keys from the server hello, connects the UDP
// socket to the announced endpoint and starts the receive loop. Connecting
// the socket pins the remote address: datagrams from any other sender are
// discarded by the kernel.
func (m *MQTT) openUDP(ctx context.Context, hello *protocol.Message) error {
	key, nonce, err := hello.UDP.KeyMaterial()
	if err != nil {
		return fmt.Errorf("transport: server hello: %w", err)
	}
	codec, err := wire.NewCodec(wire.SessionKeys{Key: key, BaseNonce: nonce})
	if err != nil {
		return fmt.Errorf("transport: server hello: %w", err)
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(hello.UDP.Server, fmt.Sprintf("%d", hello.UDP.Port)))
	if err != nil {
		return fmt.Errorf("transport: resolve udp endpoint: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("transport: dial udp: %w", err)
	}

	m.mu.Lock()
	m.udpConn = conn
	m.codec = codec
	m.sessionID = hello.SessionID
	if hello.AudioParams != nil {
		m.remote = *hello.AudioParams
	}
	m.mu.Unlock()
	m.sendSeq.Store(0)
	m.lastRecvSeq.Store(0)

	go m.udpReceiveLoop(ctx, conn, codec)
	return nil
}

// udpReceiveLoop reads datagrams, decrypts them and forwards the payloads.
// Undecryptable packets and packets with non-increasing sequence numbers are
// dropped. It owns the inbound channels and closes them on exit.
func (m *MQTT) udpReceiveLoop(ctx context.Context, conn *net.UDPConn, codec *wire.Codec) {
	defer m.closeChannels()

	buf := make([]byte, udpReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil || m.State() == StateClosing {
				return
			}
			m.setState(StateDisconnected)
			m.signalLost(fmt.Errorf("transport: udp read: %w", err))
			return
		}

		packet := buf[:n]
		_, seq, ok := wire.ParseNonce(packet)
		if !ok {
			continue
		}
		if last := m.lastRecvSeq.Load(); !seqAdvances(last, seq) {
			slog.Debug("dropping stale audio packet", "seq", seq, "last", last)
			continue
		}

		payload, err := codec.Decrypt(packet)
		if err != nil {
			slog.Debug("dropping undecryptable audio packet", "error", err)
			continue
		}
		m.lastRecvSeq.Store(seq)
		m.touch()
		m.deliverAudio(payload)
	}
}

// SendControl publishes a control message to the broker.
func (m *MQTT) SendControl(msg *protocol.Message) error {
	if m.State() != StateOpen {
		return ErrNotConnected
	}
	return m.publish(msg)
}

// SendAudio encrypts one encoded frame and writes it to the UDP socket. Each
// frame carries the next sequence number.
func (m *MQTT) SendAudio(payload []byte) error {
	if m.State() != StateOpen {
		return ErrNotConnected
	}
	m.mu.Lock()
	conn := m.udpConn
	codec := m.codec
	m.mu.Unlock()
	if conn == nil || codec == nil {
		return ErrNotConnected
	}

	seq := m.sendSeq.Add(1)
	packet := codec.Encrypt(seq, payload)
	if _, err := conn.Write(packet); err != nil {
		return fmt.Errorf("transport: udp write: %w", err)
	}
	return nil
}

func (m *MQTT) publish(msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}

	token := client.Publish(m.cfg.PublishTopic, mqttQoS, false, data)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("transport: mqtt publish: %w", err)
	}
	m.touch()
	return nil
}

// seqAdvances reports whether seq is newer than last under the wrapping
// 32-bit sequence counter. Serial-number arithmetic: half the space ahead
// counts as newer, the rest as stale or replayed.
func seqAdvances(last, seq uint32) bool { return int32(seq-last) > 0 }

// Control implements [Transport].
func (m *MQTT) Control() <-chan []byte { return m.control }

// Audio implements [Transport].
func (m *MQTT) Audio() <-chan []byte { return m.audio }

// Lost implements [Transport].
func (m *MQTT) Lost() <-chan error { return m.lost }

// SessionID implements [Transport].
func (m *MQTT) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// RemoteAudio implements [Transport].
func (m *MQTT) RemoteAudio() protocol.AudioParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// Close tears down the UDP socket and the broker connection. Idempotent.
func (m *MQTT) Close() error {
	m.setState(StateClosing)
	m.teardown()
	m.setState(StateDisconnected)
	m.closeChannels()
	return nil
}

func (m *MQTT) teardown() {
	m.mu.Lock()
	conn := m.udpConn
	client := m.client
	cancel := m.cancel
	m.udpConn = nil
	m.client = nil
	m.codec = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	if m.State() != StateClosing {
		m.setState(StateDisconnected)
	}
}

// waitToken waits for an MQTT operation to complete, honouring ctx.
func waitToken(ctx context.Context, token mqtt.Token) error {
	done := token.Done()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return token.Error()
	}
}
