package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/test"
)

// NetworkCondition configures link behavior simulation.
// Use this to test protocol behavior under adverse radio conditions.
type NetworkCondition struct {
	// DropRate is the probability of dropping a packet (0.0 - 1.0).
	DropRate float64

	// DelayMin is the minimum delay to add to each packet.
	DelayMin time.Duration

	// DelayMax is the maximum delay to add to each packet.
	// Actual delay is uniformly distributed between DelayMin and DelayMax.
	DelayMax time.Duration

	// DuplicateRate is the probability of duplicating a packet (0.0 - 1.0).
	DuplicateRate float64
}

// PipeConfig configures a Pipe.
type PipeConfig struct {
	// AutoProcess enables automatic packet delivery in a background goroutine.
	// Default: true
	AutoProcess bool

	// ProcessInterval is how often the auto-processor checks for packets.
	// Default: 1ms
	ProcessInterval time.Duration

	// MTU is the largest MTU the peripheral accepts. Default: PreferredMTU.
	MTU int

	LoggerFactory logging.LoggerFactory
}

// DefaultPipeConfig returns the default pipe configuration.
func DefaultPipeConfig() PipeConfig {
	return PipeConfig{
		AutoProcess:     true,
		ProcessInterval: 1 * time.Millisecond,
		MTU:             PreferredMTU,
	}
}

// Pipe provides bidirectional in-memory packet communication between two
// endpoints. It wraps pion's test.Bridge and adds link condition simulation.
//
// By default, Pipe automatically delivers packets in a background goroutine.
// Use SetAutoProcess(false) for manual control with Tick and Process.
type Pipe struct {
	bridge *test.Bridge

	mu              sync.RWMutex
	condition       NetworkCondition
	closed          bool
	rng             *rand.Rand
	autoProcess     bool
	processInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// NewPipe creates a new bidirectional pipe with auto-processing enabled.
func NewPipe() *Pipe {
	return NewPipeWithConfig(DefaultPipeConfig())
}

// NewPipeWithConfig creates a new pipe with the given configuration.
func NewPipeWithConfig(config PipeConfig) *Pipe {
	p := &Pipe{
		bridge:          test.NewBridge(),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		autoProcess:     config.AutoProcess,
		processInterval: config.ProcessInterval,
		stopCh:          make(chan struct{}),
	}

	if config.ProcessInterval == 0 {
		p.processInterval = 1 * time.Millisecond
	}

	if p.autoProcess {
		p.startAutoProcess()
	}

	return p
}

func (p *Pipe) startAutoProcess() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.processInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.bridge.Tick()
			}
		}
	}()
}

// SetAutoProcess enables or disables automatic packet delivery.
func (p *Pipe) SetAutoProcess(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.autoProcess == enabled {
		return
	}
	p.autoProcess = enabled

	if enabled {
		p.stopCh = make(chan struct{})
		p.startAutoProcess()
	} else {
		close(p.stopCh)
		p.wg.Wait()
	}
}

// AutoProcess returns whether auto-processing is enabled.
func (p *Pipe) AutoProcess() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.autoProcess
}

// SetCondition configures link condition simulation for both directions.
func (p *Pipe) SetCondition(cond NetworkCondition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.condition = cond
}

// Condition returns the current link condition configuration.
func (p *Pipe) Condition() NetworkCondition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.condition
}

// DropNextWrites silently drops the next n packets written by endpoint
// fromID (0 is the peripheral, 1 the central).
func (p *Pipe) DropNextWrites(fromID, n int) {
	p.bridge.DropNextNWrites(fromID, n)
}

// Conn0 returns the connection for endpoint 0.
func (p *Pipe) Conn0() net.Conn {
	return p.bridge.GetConn0()
}

// Conn1 returns the connection for endpoint 1.
func (p *Pipe) Conn1() net.Conn {
	return p.bridge.GetConn1()
}

// Tick delivers one packet in each direction (if available).
// Returns the number of packets delivered (0, 1, or 2).
func (p *Pipe) Tick() int {
	return p.bridge.Tick()
}

// Process delivers all queued packets.
// Returns the number of packets delivered.
func (p *Pipe) Process() int {
	count := 0
	for {
		n := p.Tick()
		if n == 0 {
			break
		}
		count += n
	}
	return count
}

// write applies link conditions and writes b to conn.
func (p *Pipe) write(conn net.Conn, b []byte) error {
	p.mu.RLock()
	cond := p.condition
	rng := p.rng
	closed := p.closed
	p.mu.RUnlock()

	if closed {
		return ErrClosed
	}

	if cond.DropRate > 0 && rng.Float64() < cond.DropRate {
		return nil
	}

	if cond.DelayMax > 0 {
		delay := cond.DelayMin
		if cond.DelayMax > cond.DelayMin {
			delay += time.Duration(rng.Int63n(int64(cond.DelayMax - cond.DelayMin)))
		}
		if delay > 0 {
			time.Sleep(delay)
		}
	}

	if cond.DuplicateRate > 0 && rng.Float64() < cond.DuplicateRate {
		if _, err := conn.Write(b); err != nil {
			return err
		}
	}

	_, err := conn.Write(b)
	return err
}

// Close closes both endpoints of the pipe and stops auto-processing.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.autoProcess {
		close(p.stopCh)
	}
	p.mu.Unlock()

	p.wg.Wait()

	var errs []error
	if err := p.bridge.GetConn0().Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.bridge.GetConn1().Close(); err != nil {
		errs = append(errs, err)
	}

	// Undelivered packets are discarded so the next tick releases readers.
	p.bridge.Drop(0, 0, p.bridge.Len(0))
	p.bridge.Drop(1, 0, p.bridge.Len(1))
	p.bridge.Tick()

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Packets on the pipe carry the connection generation so that packets still
// in flight from an earlier connection are discarded after a reconnect.
const pipeGenSize = 4

func pipePacket(gen uint32, data []byte) []byte {
	b := make([]byte, pipeGenSize+len(data))
	binary.BigEndian.PutUint32(b, gen)
	copy(b[pipeGenSize:], data)
	return b
}

func parsePipePacket(b []byte) (uint32, []byte, bool) {
	if len(b) < pipeGenSize {
		return 0, nil, false
	}
	return binary.BigEndian.Uint32(b), b[pipeGenSize:], true
}

// NewPipeLink creates a peripheral and a central connected through a new
// Pipe. The peripheral uses endpoint 0, the central endpoint 1.
func NewPipeLink(config PipeConfig) (*PipePeripheral, *PipeCentral) {
	if config.MTU == 0 {
		config.MTU = PreferredMTU
	}
	pipe := NewPipeWithConfig(config)

	p := &PipePeripheral{
		pipe:    pipe,
		conn:    pipe.Conn0(),
		maxMTU:  config.MTU,
		events:  make(chan Event, 64),
		closeCh: make(chan struct{}),
	}
	c := &PipeCentral{
		pipe:       pipe,
		conn:       pipe.Conn1(),
		peripheral: p,
		wantMTU:    config.MTU,
		recv:       make(chan []byte, 64),
		closeCh:    make(chan struct{}),
	}
	if config.LoggerFactory != nil {
		p.log = config.LoggerFactory.NewLogger("transport-pipe")
	}
	p.central = c

	p.wg.Add(1)
	go p.readLoop()
	c.wg.Add(1)
	go c.readLoop()

	return p, c
}

// PipePeripheral is the peripheral end of a pipe link.
type PipePeripheral struct {
	pipe    *Pipe
	conn    net.Conn
	central *PipeCentral
	maxMTU  int

	mu          sync.Mutex
	advertising *ServiceDescriptor
	connected   bool
	gen         uint32
	mtu         int
	peerSeq     int
	peer        Peer
	closed      bool

	events  chan Event
	closeCh chan struct{}
	wg      sync.WaitGroup
	log     logging.LeveledLogger
}

// Pipe returns the underlying pipe for condition and delivery control.
func (p *PipePeripheral) Pipe() *Pipe { return p.pipe }

// StartAdvertising implements Peripheral.
func (p *PipePeripheral) StartAdvertising(desc ServiceDescriptor) error {
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
		p.log.Debugf("advertising %s (%s)", desc.Name, desc.Service)
	}
	return nil
}

// StopAdvertising implements Peripheral.
func (p *PipePeripheral) StopAdvertising() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advertising = nil
	return nil
}

// Advertising returns the advertised service, if any.
func (p *PipePeripheral) Advertising() (ServiceDescriptor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.advertising == nil {
		return ServiceDescriptor{}, false
	}
	return *p.advertising, true
}

// Events implements Peripheral.
func (p *PipePeripheral) Events() <-chan Event { return p.events }

// emit delivers an event unless the peripheral is closing.
func (p *PipePeripheral) emit(ev Event) {
	select {
	case p.events <- ev:
	case <-p.closeCh:
	}
}

// connect is called by the central.
func (p *PipePeripheral) connect(wantMTU int) (uint32, Peer, int, error) {
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return 0, "", 0, ErrClosed
	case p.advertising == nil:
		p.mu.Unlock()
		return 0, "", 0, ErrNotAdvertising
	case p.connected:
		p.mu.Unlock()
		return 0, "", 0, ErrBusy
	}

	mtu := p.maxMTU
	if wantMTU < mtu {
		mtu = wantMTU
	}
	if mtu < DefaultMTU {
		mtu = DefaultMTU
	}
	p.gen++
	p.peerSeq++
	p.connected = true
	p.mtu = mtu
	p.peer = Peer(fmt.Sprintf("pipe-central-%d", p.peerSeq))
	gen, peer := p.gen, p.peer
	p.mu.Unlock()

	if p.log != nil {
		p.log.Debugf("%s connected, mtu=%d", peer, mtu)
	}
	p.emit(Event{Type: EventConnected, Peer: peer})
	p.emit(Event{Type: EventMTUChanged, Peer: peer, MTU: mtu})
	return gen, peer, mtu, nil
}

// disconnect ends the connection of generation gen. It reports whether the
// connection was still up.
func (p *PipePeripheral) disconnect(gen uint32) bool {
	p.mu.Lock()
	if !p.connected || p.gen != gen {
		p.mu.Unlock()
		return false
	}
	p.connected = false
	peer := p.peer
	p.mu.Unlock()

	if p.log != nil {
		p.log.Debugf("%s disconnected", peer)
	}
	p.emitDetached(Event{Type: EventDisconnected, Peer: peer})
	return true
}

// emitDetached delivers ev without blocking the caller. Disconnect runs on
// the consumer's goroutine, so a full queue is drained by a helper instead.
func (p *PipePeripheral) emitDetached(ev Event) {
	select {
	case p.events <- ev:
		return
	default:
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.wg.Done()
		p.emit(ev)
	}()
}

// Send implements Peripheral.
func (p *PipePeripheral) Send(peer Peer, data []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if !p.connected || peer != p.peer {
		p.mu.Unlock()
		return ErrNotConnected
	}
	gen, mtu := p.gen, p.mtu
	p.mu.Unlock()

	if len(data) > MaxPacketSize(mtu) {
		return fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, len(data), MaxPacketSize(mtu))
	}
	return p.pipe.write(p.conn, pipePacket(gen, data))
}

// Disconnect implements Peripheral.
func (p *PipePeripheral) Disconnect(peer Peer) error {
	p.mu.Lock()
	if !p.connected || peer != p.peer {
		p.mu.Unlock()
		return ErrNotConnected
	}
	gen := p.gen
	p.mu.Unlock()

	if p.disconnect(gen) {
		p.central.remoteDisconnected(gen)
	}
	return nil
}

// MTU implements Peripheral.
func (p *PipePeripheral) MTU(peer Peer) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected || peer != p.peer {
		return DefaultMTU
	}
	return p.mtu
}

func (p *PipePeripheral) readLoop() {
	defer p.wg.Done()
	buf := make([]byte, pipeGenSize+MaxMTU)
	for {
		n, err := p.conn.Read(buf)
		if err != nil {
			return
		}
		gen, data, ok := parsePipePacket(buf[:n])
		if !ok {
			continue
		}

		p.mu.Lock()
		current := p.connected && gen == p.gen
		peer := p.peer
		p.mu.Unlock()
		if !current {
			continue
		}
		p.emit(Event{Type: EventDataWritten, Peer: peer, Data: append([]byte(nil), data...)})
	}
}

// Close implements Peripheral. It also closes the central end.
func (p *PipePeripheral) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.connected = false
	close(p.closeCh)
	p.mu.Unlock()

	p.central.shutdown()
	err := p.pipe.Close()
	p.wg.Wait()
	p.central.wg.Wait()
	return err
}

// PipeCentral is the central end of a pipe link.
type PipeCentral struct {
	pipe       *Pipe
	conn       net.Conn
	peripheral *PipePeripheral
	wantMTU    int

	mu        sync.Mutex
	connected bool
	gen       uint32
	mtu       int
	lost      chan struct{}

	recv    chan []byte
	closeCh chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// Pipe returns the underlying pipe.
func (c *PipeCentral) Pipe() *Pipe { return c.pipe }

// Connect implements Central.
func (c *PipeCentral) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	gen, _, mtu, err := c.peripheral.connect(c.wantMTU)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	c.gen = gen
	c.mtu = mtu
	c.lost = make(chan struct{})
	// Drain notifications left from an earlier connection.
	for {
		select {
		case <-c.recv:
			continue
		default:
		}
		break
	}
	return nil
}

// Write implements Central.
func (c *PipeCentral) Write(data []byte) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	gen, mtu := c.gen, c.mtu
	c.mu.Unlock()

	if len(data) > MaxPacketSize(mtu) {
		return fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, len(data), MaxPacketSize(mtu))
	}
	return c.pipe.write(c.conn, pipePacket(gen, data))
}

// Receive implements Central.
func (c *PipeCentral) Receive(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	lost := c.lost
	c.mu.Unlock()

	select {
	case data := <-c.recv:
		return data, nil
	case <-lost:
		return nil, ErrNotConnected
	case <-c.closeCh:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MTU implements Central.
func (c *PipeCentral) MTU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return DefaultMTU
	}
	return c.mtu
}

// Close implements Central by disconnecting. The pipe stays usable for a
// later Connect.
func (c *PipeCentral) Close() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	gen := c.gen
	c.markLostLocked()
	c.mu.Unlock()

	c.peripheral.disconnect(gen)
	return nil
}

func (c *PipeCentral) markLostLocked() {
	if c.connected {
		c.connected = false
		close(c.lost)
	}
}

// remoteDisconnected is called by the peripheral.
func (c *PipeCentral) remoteDisconnected(gen uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		c.markLostLocked()
	}
}

func (c *PipeCentral) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.markLostLocked()
	close(c.closeCh)
}

func (c *PipeCentral) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, pipeGenSize+MaxMTU)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			return
		}
		gen, data, ok := parsePipePacket(buf[:n])
		if !ok {
			continue
		}

		c.mu.Lock()
		current := c.connected && gen == c.gen
		c.mu.Unlock()
		if !current {
			continue
		}
		select {
		case c.recv <- append([]byte(nil), data...):
		case <-c.closeCh:
			return
		}
	}
}

var (
	_ Peripheral = (*PipePeripheral)(nil)
	_ Central    = (*PipeCentral)(nil)
)
