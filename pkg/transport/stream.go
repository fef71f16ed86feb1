package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
)

// Stream emulates a BLE link over a reliable byte stream (TCP). Every packet
// is prefixed with its 2-byte big-endian length. The first packet from the
// central carries the requested MTU (2 bytes); the peripheral answers with
// the negotiated MTU in the same form.

const (
	streamLengthSize = 2
	streamMTUSize    = 2
)

func writePacket(w io.Writer, data []byte) error {
	if len(data) > 0xFFFF {
		return ErrPacketTooLarge
	}
	b := make([]byte, streamLengthSize+len(data))
	binary.BigEndian.PutUint16(b, uint16(len(data)))
	copy(b[streamLengthSize:], data)
	_, err := w.Write(b)
	return err
}

func readPacket(r io.Reader, maxSize int) ([]byte, error) {
	var hdr [streamLengthSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n > maxSize {
		return nil, fmt.Errorf("%w: length %d", ErrMalformedPacket, n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func encodeMTU(mtu int) []byte {
	b := make([]byte, streamMTUSize)
	binary.BigEndian.PutUint16(b, uint16(mtu))
	return b
}

func decodeMTU(b []byte) (int, error) {
	if len(b) != streamMTUSize {
		return 0, fmt.Errorf("%w: MTU packet of %d bytes", ErrMalformedPacket, len(b))
	}
	return int(binary.BigEndian.Uint16(b)), nil
}

func negotiateMTU(local, requested int) int {
	mtu := local
	if requested < mtu {
		mtu = requested
	}
	if mtu < DefaultMTU {
		mtu = DefaultMTU
	}
	return mtu
}

// StreamConfig configures a StreamPeripheral.
type StreamConfig struct {
	// Listener is an optional pre-existing Listener to use.
	// If nil, a new listener will be created using ListenAddr.
	Listener net.Listener

	// ListenAddr is the address to listen on (e.g., ":7420").
	// Ignored if Listener is provided.
	ListenAddr string

	// MTU is the largest MTU accepted. Default: MaxMTU.
	MTU int

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// StreamPeripheral is a Peripheral that accepts centrals over TCP.
type StreamPeripheral struct {
	listener net.Listener
	maxMTU   int
	events   chan Event
	closeCh  chan struct{}
	wg       sync.WaitGroup
	log      logging.LeveledLogger

	connsMu sync.RWMutex
	conns   map[Peer]*streamConn

	mu          sync.RWMutex
	advertising *ServiceDescriptor
	closed      bool
}

type streamConn struct {
	conn net.Conn
	mtu  int
	mu   sync.Mutex // Protects writes
}

// NewStreamPeripheral creates a peripheral and starts accepting connections.
// Connections are refused until StartAdvertising is called.
func NewStreamPeripheral(config StreamConfig) (*StreamPeripheral, error) {
	p := &StreamPeripheral{
		listener: config.Listener,
		maxMTU:   config.MTU,
		events:   make(chan Event, 64),
		closeCh:  make(chan struct{}),
		conns:    make(map[Peer]*streamConn),
	}
	if p.maxMTU == 0 {
		p.maxMTU = MaxMTU
	}
	if config.LoggerFactory != nil {
		p.log = config.LoggerFactory.NewLogger("transport-stream")
	}

	if p.listener == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0"
		}
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		p.listener = listener
	}

	p.wg.Add(1)
	go p.acceptLoop()
	return p, nil
}

// Addr returns the address the peripheral listens on.
func (p *StreamPeripheral) Addr() net.Addr {
	return p.listener.Addr()
}

// StartAdvertising implements Peripheral.
func (p *StreamPeripheral) StartAdvertising(desc ServiceDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.advertising != nil {
		return ErrAlreadyAdvertising
	}
	p.advertising = &desc
	if p.log != nil {
		p.log.Infof("accepting centrals for %s on %s", desc.Name, p.listener.Addr())
	}
	return nil
}

// StopAdvertising implements Peripheral.
func (p *StreamPeripheral) StopAdvertising() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advertising = nil
	return nil
}

func (p *StreamPeripheral) isAdvertising() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.advertising != nil
}

// Events implements Peripheral.
func (p *StreamPeripheral) Events() <-chan Event { return p.events }

func (p *StreamPeripheral) emit(ev Event) {
	select {
	case p.events <- ev:
	case <-p.closeCh:
	}
}

// Send implements Peripheral.
func (p *StreamPeripheral) Send(peer Peer, data []byte) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	p.connsMu.RLock()
	sc, ok := p.conns[peer]
	p.connsMu.RUnlock()
	if !ok {
		return ErrNotConnected
	}
	if len(data) > MaxPacketSize(sc.mtu) {
		return fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, len(data), MaxPacketSize(sc.mtu))
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	return writePacket(sc.conn, data)
}

// Disconnect implements Peripheral.
func (p *StreamPeripheral) Disconnect(peer Peer) error {
	p.connsMu.RLock()
	sc, ok := p.conns[peer]
	p.connsMu.RUnlock()
	if !ok {
		return ErrNotConnected
	}
	// The read loop observes the close and emits EventDisconnected.
	return sc.conn.Close()
}

// MTU implements Peripheral.
func (p *StreamPeripheral) MTU(peer Peer) int {
	p.connsMu.RLock()
	defer p.connsMu.RUnlock()
	if sc, ok := p.conns[peer]; ok {
		return sc.mtu
	}
	return DefaultMTU
}

// AddConnection serves an existing connection as if it had been accepted.
// This is useful for testing with net.Pipe().
func (p *StreamPeripheral) AddConnection(conn net.Conn) {
	p.wg.Add(1)
	go p.handleConn(conn)
}

// Close implements Peripheral.
func (p *StreamPeripheral) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.log != nil {
		p.log.Info("stopping stream transport")
	}

	close(p.closeCh)
	err := p.listener.Close()

	p.connsMu.Lock()
	for _, sc := range p.conns {
		sc.conn.Close()
	}
	p.connsMu.Unlock()

	p.wg.Wait()
	return err
}

func (p *StreamPeripheral) acceptLoop() {
	defer p.wg.Done()

	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-p.closeCh:
				return
			default:
				continue
			}
		}

		p.wg.Add(1)
		go p.handleConn(conn)
	}
}

func (p *StreamPeripheral) handleConn(conn net.Conn) {
	defer p.wg.Done()
	defer conn.Close()

	if !p.isAdvertising() {
		if p.log != nil {
			p.log.Debugf("refusing %s: not advertising", conn.RemoteAddr())
		}
		return
	}

	req, err := readPacket(conn, streamMTUSize)
	if err != nil {
		return
	}
	requested, err := decodeMTU(req)
	if err != nil {
		return
	}
	mtu := negotiateMTU(p.maxMTU, requested)
	if err := writePacket(conn, encodeMTU(mtu)); err != nil {
		return
	}

	peer := Peer(conn.RemoteAddr().String())
	sc := &streamConn{conn: conn, mtu: mtu}

	p.connsMu.Lock()
	if _, exists := p.conns[peer]; exists {
		p.connsMu.Unlock()
		return
	}
	p.conns[peer] = sc
	p.connsMu.Unlock()

	defer func() {
		p.connsMu.Lock()
		delete(p.conns, peer)
		p.connsMu.Unlock()
		p.emit(Event{Type: EventDisconnected, Peer: peer})
	}()

	if p.log != nil {
		p.log.Debugf("%s connected, mtu=%d", peer, mtu)
	}
	p.emit(Event{Type: EventConnected, Peer: peer})
	p.emit(Event{Type: EventMTUChanged, Peer: peer, MTU: mtu})

	for {
		data, err := readPacket(conn, MaxPacketSize(mtu))
		if err != nil {
			if p.log != nil && err != io.EOF {
				select {
				case <-p.closeCh:
				default:
					p.log.Debugf("%s: %v", peer, err)
				}
			}
			return
		}
		p.emit(Event{Type: EventDataWritten, Peer: peer, Data: data})
	}
}

// StreamCentralConfig configures a StreamCentral.
type StreamCentralConfig struct {
	// Addr is the peripheral's TCP address.
	Addr string

	// MTU is the MTU to request. Default: PreferredMTU.
	MTU int

	// Dial overrides how the connection is made. Default: net.Dialer.
	Dial func(ctx context.Context, addr string) (net.Conn, error)

	LoggerFactory logging.LoggerFactory
}

// StreamCentral is a Central that connects to a StreamPeripheral.
type StreamCentral struct {
	config StreamCentralConfig
	log    logging.LeveledLogger

	mu   sync.Mutex
	conn net.Conn
	mtu  int
	recv chan []byte
	lost chan struct{}
	done chan struct{}
}

// NewStreamCentral creates an unconnected central.
func NewStreamCentral(config StreamCentralConfig) *StreamCentral {
	if config.MTU == 0 {
		config.MTU = PreferredMTU
	}
	if config.Dial == nil {
		var d net.Dialer
		config.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	c := &StreamCentral{config: config}
	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("transport-stream")
	}
	return c
}

// Connect implements Central.
func (c *StreamCentral) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.config.Dial(ctx, c.config.Addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if err := writePacket(conn, encodeMTU(c.config.MTU)); err != nil {
		conn.Close()
		return err
	}
	resp, err := readPacket(conn, streamMTUSize)
	if err != nil {
		conn.Close()
		if err == io.EOF {
			return ErrNotAdvertising
		}
		return err
	}
	mtu, err := decodeMTU(resp)
	if err != nil {
		conn.Close()
		return err
	}
	conn.SetDeadline(time.Time{})

	c.mu.Lock()
	c.conn = conn
	c.mtu = mtu
	c.recv = make(chan []byte, 64)
	c.lost = make(chan struct{})
	c.done = make(chan struct{})
	recv, lost, done := c.recv, c.lost, c.done
	c.mu.Unlock()

	if c.log != nil {
		c.log.Debugf("connected to %s, mtu=%d", c.config.Addr, mtu)
	}
	go c.readLoop(conn, mtu, recv, lost, done)
	return nil
}

func (c *StreamCentral) readLoop(conn net.Conn, mtu int, recv chan<- []byte, lost, done chan struct{}) {
	defer close(lost)
	for {
		data, err := readPacket(conn, MaxPacketSize(mtu))
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			conn.Close()
			if c.log != nil && err != io.EOF {
				c.log.Debugf("read: %v", err)
			}
			return
		}
		select {
		case recv <- data:
		case <-done:
			return
		}
	}
}

// Write implements Central.
func (c *StreamCentral) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if len(data) > MaxPacketSize(c.mtu) {
		return fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, len(data), MaxPacketSize(c.mtu))
	}
	return writePacket(c.conn, data)
}

// Receive implements Central. Packets already received are returned before
// a disconnect is reported.
func (c *StreamCentral) Receive(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	recv, lost := c.recv, c.lost
	c.mu.Unlock()
	if recv == nil {
		return nil, ErrNotConnected
	}

	select {
	case data := <-recv:
		return data, nil
	default:
	}

	select {
	case data := <-recv:
		return data, nil
	case <-lost:
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MTU implements Central.
func (c *StreamCentral) MTU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return DefaultMTU
	}
	return c.mtu
}

// Close implements Central.
func (c *StreamCentral) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if conn != nil {
		close(c.done)
	}
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

var (
	_ Peripheral = (*StreamPeripheral)(nil)
	_ Central    = (*StreamCentral)(nil)
)
