package mqttbroker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Handler is invoked for each received publish message.
type Handler func(context.Context, PublishMessage)

type clientSession struct {
	conn      net.Conn
	reader    *bufio.Reader
	writeMu   sync.Mutex
	clientID  string
	keepAlive time.Duration
	closed    atomic.Bool

	subMu         sync.RWMutex
	subscriptions map[string]struct{}
}

func newSession(conn net.Conn) *clientSession {
	return &clientSession{
		conn:          conn,
		reader:        bufio.NewReader(conn),
		subscriptions: make(map[string]struct{}),
	}
}

func (c *clientSession) matches(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for filter := range c.subscriptions {
		if Match(filter, topic) {
			return true
		}
	}
	return false
}

func (c *clientSession) subscribe(filter string) {
	c.subMu.Lock()
	c.subscriptions[filter] = struct{}{}
	c.subMu.Unlock()
}

func (c *clientSession) unsubscribe(filters []string) {
	c.subMu.Lock()
	for _, f := range filters {
		delete(c.subscriptions, f)
	}
	c.subMu.Unlock()
}

func (c *clientSession) writePacket(packet []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := c.conn.Write(packet)
	return err
}

// extendDeadline applies the keep alive grace period of one and a half intervals.
func (c *clientSession) extendDeadline() {
	if c.keepAlive <= 0 {
		_ = c.conn.SetReadDeadline(time.Time{})
		return
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.keepAlive * 3 / 2))
}

// Broker is a minimal MQTT v3.1.1 broker. Clients may publish at QoS 0 or 1 and
// subscribe with '+' and '#' filters; deliveries to subscribers are QoS 0.
type Broker struct {
	logger       *slog.Logger
	listener     net.Listener
	handler      atomic.Value // stores Handler
	mu           sync.Mutex
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	clientsMu sync.RWMutex
	clients   map[*clientSession]struct{}
}

// New constructs a broker with the supplied logger.
func New(logger *slog.Logger) *Broker {
	b := &Broker{logger: logger, clients: make(map[*clientSession]struct{})}
	b.handler.Store(Handler(func(context.Context, PublishMessage) {}))
	return b
}

// Start begins listening for MQTT clients on the provided bind address.
// The returned channel is closed once the accept loop terminates; fatal errors are sent on it.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)

	b.logger.Info("mqtt broker listening", "addr", ln.Addr().String())

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					close(errCh)
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					b.logger.Warn("temporary accept error", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				close(errCh)
				return
			}

			session := newSession(conn)
			b.addClient(session)

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleConn(session)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the listener address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop shuts down the broker and releases resources.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	b.clientsMu.Lock()
	for session := range b.clients {
		session.closed.Store(true)
		_ = session.conn.Close()
	}
	b.clients = make(map[*clientSession]struct{})
	b.clientsMu.Unlock()

	b.wg.Wait()
	return nil
}

// SetPublishHandler installs the function invoked for each received publish.
func (b *Broker) SetPublishHandler(h Handler) {
	if h == nil {
		h = func(context.Context, PublishMessage) {}
	}
	b.handler.Store(h)
}

// Clients returns the number of connected clients.
func (b *Broker) Clients() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.clients)
}

// Publish sends a QoS 0 message to all clients whose filters match the topic.
func (b *Broker) Publish(topic string, payload []byte) error {
	if err := validateTopicName(topic); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	packet, err := buildPublishPacket(topic, payload)
	if err != nil {
		return err
	}
	b.deliver(topic, packet, nil)
	return nil
}

func (b *Broker) deliver(topic string, packet []byte, exclude *clientSession) {
	b.clientsMu.RLock()
	targets := make([]*clientSession, 0, len(b.clients))
	for session := range b.clients {
		if session != exclude && session.matches(topic) {
			targets = append(targets, session)
		}
	}
	b.clientsMu.RUnlock()

	for _, session := range targets {
		if err := session.writePacket(packet); err != nil {
			b.logger.Warn("publish to subscriber failed", "client", session.clientID, "topic", topic, "error", err)
		}
	}
}

func (b *Broker) addClient(session *clientSession) {
	b.clientsMu.Lock()
	b.clients[session] = struct{}{}
	b.clientsMu.Unlock()
}

func (b *Broker) removeClient(session *clientSession) {
	b.clientsMu.Lock()
	delete(b.clients, session)
	b.clientsMu.Unlock()
}

func (b *Broker) handleConn(session *clientSession) {
	defer func() {
		session.closed.Store(true)
		b.removeClient(session)
		_ = session.conn.Close()
		if session.clientID != "" {
			b.logger.Debug("mqtt client disconnected", "client", session.clientID)
		}
	}()

	ctx := context.Background()
	connected := false

	// The first packet must arrive promptly.
	_ = session.conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	for {
		header, err := session.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.logger.Debug("read header error", "client", session.clientID, "error", err)
			}
			return
		}

		remaining, err := readRemainingLength(session.reader)
		if err != nil {
			b.logger.Debug("read remaining length error", "client", session.clientID, "error", err)
			return
		}

		payload := make([]byte, remaining)
		if _, err := io.ReadFull(session.reader, payload); err != nil {
			b.logger.Debug("read packet payload error", "client", session.clientID, "error", err)
			return
		}

		packetType := header >> 4
		if !connected && packetType != packetConnect {
			b.logger.Debug("packet before connect", "type", packetType)
			return
		}
		session.extendDeadline()

		switch packetType {
		case packetConnect:
			if connected {
				b.logger.Debug("duplicate connect", "client", session.clientID)
				return
			}
			if err := b.handleConnect(session, payload); err != nil {
				b.logger.Debug("handle connect error", "error", err)
				return
			}
			connected = true
			session.extendDeadline()
		case packetPublish:
			msg, err := parsePublish(header, payload)
			if err != nil {
				b.logger.Debug("parse publish error", "client", session.clientID, "error", err)
				return
			}
			msg.ClientID = session.clientID
			if msg.QoS == 1 {
				if err := session.writePacket(buildAck(packetPubAck, msg.PacketID)); err != nil {
					b.logger.Debug("write puback error", "error", err)
					return
				}
			}
			if h, ok := b.handler.Load().(Handler); ok {
				safeInvoke(h, ctx, msg, b.logger)
			}
			b.forwardToSubscribers(msg, session)
		case packetSubscribe:
			if err := b.handleSubscribe(session, payload); err != nil {
				b.logger.Debug("handle subscribe error", "error", err)
				return
			}
		case packetUnsubscribe:
			if err := b.handleUnsubscribe(session, payload); err != nil {
				b.logger.Debug("handle unsubscribe error", "error", err)
				return
			}
		case packetPingReq:
			if err := session.writePacket([]byte{packetPingResp << 4, 0x00}); err != nil {
				b.logger.Debug("write pingresp error", "error", err)
				return
			}
		case packetDisconnect:
			return
		default:
			b.logger.Debug("unsupported packet", "type", packetType)
			return
		}
	}
}

func (b *Broker) handleConnect(session *clientSession, payload []byte) error {
	pkt, err := parseConnect(payload)
	if err != nil {
		// 0x01: unacceptable protocol version. Best effort; the connection closes anyway.
		_ = session.writePacket(connAck(0x01))
		return err
	}

	if pkt.clientID == "" {
		pkt.clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}
	session.clientID = pkt.clientID
	session.keepAlive = time.Duration(pkt.keepAlive) * time.Second

	if err := session.writePacket(connAck(0x00)); err != nil {
		return fmt.Errorf("write connack: %w", err)
	}

	b.logger.Debug("mqtt client connected", "client", pkt.clientID, "keepalive", session.keepAlive)
	return nil
}

func (b *Broker) handleSubscribe(session *clientSession, payload []byte) error {
	req, err := parseSubscribe(payload)
	if err != nil {
		return err
	}

	granted := make([]bool, len(req.filters))
	for i, filter := range req.filters {
		if err := ValidateFilter(filter); err != nil {
			b.logger.Debug("rejected topic filter", "client", session.clientID, "filter", filter)
			continue
		}
		session.subscribe(filter)
		granted[i] = true
	}

	return session.writePacket(buildSubAck(req.packetID, granted))
}

func (b *Broker) handleUnsubscribe(session *clientSession, payload []byte) error {
	req, err := parseUnsubscribe(payload)
	if err != nil {
		return err
	}
	session.unsubscribe(req.filters)
	return session.writePacket(buildAck(packetUnsubAck, req.packetID))
}

func (b *Broker) forwardToSubscribers(msg PublishMessage, from *clientSession) {
	packet, err := buildPublishPacket(msg.Topic, msg.Payload)
	if err != nil {
		return
	}
	b.deliver(msg.Topic, packet, from)
}

func safeInvoke(h Handler, ctx context.Context, msg PublishMessage, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("publish handler panic", "topic", msg.Topic, "panic", r)
		}
	}()
	h(ctx, msg)
}
