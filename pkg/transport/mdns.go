package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// DNS-SD parameters for the stream transport.
const (
	MDNSServiceType = "_trustagent._tcp"
	MDNSDomain      = "local."

	txtService = "svc"
	txtName    = "name"
)

// ErrServiceNotFound is returned when browsing ends without a match.
var ErrServiceNotFound = errors.New("transport: service not found")

// MDNSServer is the interface for mDNS service registration.
// This allows for dependency injection in tests.
type MDNSServer interface {
	// Shutdown stops the server.
	Shutdown()
}

// MDNSServerFactory creates MDNSServer instances.
type MDNSServerFactory interface {
	// Register creates a new mDNS server for the given service.
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)
}

// zeroconfServerFactory is the production implementation using grandcat/zeroconf.
type zeroconfServerFactory struct{}

func (z *zeroconfServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// MDNSResolver browses for DNS-SD services.
type MDNSResolver interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// NewZeroconfResolver returns a resolver using grandcat/zeroconf.
func NewZeroconfResolver() (MDNSResolver, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns: resolver: %w", err)
	}
	return r, nil
}

// Advertiser publishes a StreamPeripheral with DNS-SD so centrals can find
// it by service UUID.
type Advertiser struct {
	peripheral *StreamPeripheral
	factory    MDNSServerFactory
	ifaces     []net.Interface
	log        logging.LeveledLogger

	mu     sync.Mutex
	server MDNSServer
}

// AdvertiserConfig configures an Advertiser.
type AdvertiserConfig struct {
	// Interfaces specifies which network interfaces to advertise on.
	// If nil, all interfaces are used.
	Interfaces []net.Interface

	// ServerFactory is the factory for creating mDNS servers.
	// If nil, the default zeroconf factory is used.
	ServerFactory MDNSServerFactory

	LoggerFactory logging.LoggerFactory
}

// NewAdvertiser wraps p so that StartAdvertising also registers p's listen
// port with mDNS.
func NewAdvertiser(p *StreamPeripheral, config AdvertiserConfig) *Advertiser {
	factory := config.ServerFactory
	if factory == nil {
		factory = &zeroconfServerFactory{}
	}
	a := &Advertiser{
		peripheral: p,
		factory:    factory,
		ifaces:     config.Interfaces,
	}
	if config.LoggerFactory != nil {
		a.log = config.LoggerFactory.NewLogger("mdns")
	}
	return a
}

// Peripheral returns the advertised peripheral.
func (a *Advertiser) Peripheral() *StreamPeripheral { return a.peripheral }

// StartAdvertising starts the peripheral and registers the DNS-SD service.
func (a *Advertiser) StartAdvertising(desc ServiceDescriptor) error {
	if err := a.peripheral.StartAdvertising(desc); err != nil {
		return err
	}

	port, err := listenPort(a.peripheral.Addr())
	if err != nil {
		a.peripheral.StopAdvertising()
		return err
	}

	txt := []string{
		txtService + "=" + desc.Service.String(),
		txtName + "=" + desc.Name,
	}
	instance := desc.Name
	if instance == "" {
		instance = "trustagent-" + desc.Service.String()[:8]
	}

	server, err := a.factory.Register(instance, MDNSServiceType, MDNSDomain, port, txt, a.ifaces)
	if err != nil {
		a.peripheral.StopAdvertising()
		return fmt.Errorf("mdns: register: %w", err)
	}

	a.mu.Lock()
	a.server = server
	a.mu.Unlock()

	if a.log != nil {
		a.log.Infof("registered %s.%s port %d", instance, MDNSServiceType, port)
	}
	return nil
}

// StopAdvertising withdraws the DNS-SD service and stops advertising.
func (a *Advertiser) StopAdvertising() error {
	a.mu.Lock()
	server := a.server
	a.server = nil
	a.mu.Unlock()

	if server != nil {
		server.Shutdown()
	}
	return a.peripheral.StopAdvertising()
}

// Events implements Peripheral.
func (a *Advertiser) Events() <-chan Event { return a.peripheral.Events() }

// Send implements Peripheral.
func (a *Advertiser) Send(peer Peer, data []byte) error { return a.peripheral.Send(peer, data) }

// Disconnect implements Peripheral.
func (a *Advertiser) Disconnect(peer Peer) error { return a.peripheral.Disconnect(peer) }

// MTU implements Peripheral.
func (a *Advertiser) MTU(peer Peer) int { return a.peripheral.MTU(peer) }

// Close implements Peripheral.
func (a *Advertiser) Close() error {
	a.StopAdvertising()
	return a.peripheral.Close()
}

func listenPort(addr net.Addr) (int, error) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port, nil
	}
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}

// ResolvedService is a discovered agent.
type ResolvedService struct {
	Instance string
	Name     string
	Service  uuid.UUID
	Addr     string
}

// Browse searches for an agent advertising service and returns the first
// match. The search runs until ctx is done.
func Browse(ctx context.Context, resolver MDNSResolver, service uuid.UUID) (*ResolvedService, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := resolver.Browse(ctx, MDNSServiceType, MDNSDomain, entries); err != nil {
		return nil, fmt.Errorf("mdns: browse: %w", err)
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return nil, ErrServiceNotFound
			}
			if svc, ok := matchEntry(entry, service); ok {
				return svc, nil
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrServiceNotFound
			}
			return nil, ctx.Err()
		}
	}
}

func matchEntry(entry *zeroconf.ServiceEntry, service uuid.UUID) (*ResolvedService, bool) {
	if entry == nil {
		return nil, false
	}
	txt := parseTXT(entry.Text)
	svc, err := uuid.Parse(txt[txtService])
	if err != nil || svc != service {
		return nil, false
	}

	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return nil, false
	}

	return &ResolvedService{
		Instance: entry.Instance,
		Name:     txt[txtName],
		Service:  svc,
		Addr:     net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)),
	}, true
}

func parseTXT(records []string) map[string]string {
	m := make(map[string]string, len(records))
	for _, r := range records {
		k, v, _ := strings.Cut(r, "=")
		m[k] = v
	}
	return m
}

var _ Peripheral = (*Advertiser)(nil)
