package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"
)

type mockServer struct {
	mu       sync.Mutex
	shutdown bool
}

func (s *mockServer) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
}

type mockServerFactory struct {
	instance, service, domain string
	port                      int
	txt                       []string
	server                    *mockServer
	err                       error
}

func (f *mockServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.instance, f.service, f.domain, f.port, f.txt = instance, service, domain, port, txt
	f.server = &mockServer{}
	return f.server, nil
}

type mockResolver struct {
	entries []*zeroconf.ServiceEntry
}

func (r *mockResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	go func() {
		for _, e := range r.entries {
			select {
			case entries <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func TestAdvertiser_Register(t *testing.T) {
	p := newTestStreamPeripheral(t, 0)
	factory := &mockServerFactory{}
	a := NewAdvertiser(p, AdvertiserConfig{ServerFactory: factory})

	desc := testDescriptor()
	if err := a.StartAdvertising(desc); err != nil {
		t.Fatal(err)
	}
	if factory.service != MDNSServiceType || factory.domain != MDNSDomain {
		t.Errorf("registered %s in %s", factory.service, factory.domain)
	}
	if factory.port != p.Addr().(*net.TCPAddr).Port {
		t.Errorf("port = %d", factory.port)
	}
	txt := parseTXT(factory.txt)
	if txt["svc"] != desc.Service.String() || txt["name"] != desc.Name {
		t.Errorf("txt = %v", factory.txt)
	}

	if err := a.StopAdvertising(); err != nil {
		t.Fatal(err)
	}
	if !factory.server.shutdown {
		t.Error("server not shut down")
	}
	if p.isAdvertising() {
		t.Error("peripheral still advertising")
	}
}

func TestAdvertiser_RegisterFailure(t *testing.T) {
	p := newTestStreamPeripheral(t, 0)
	a := NewAdvertiser(p, AdvertiserConfig{ServerFactory: &mockServerFactory{err: errors.New("boom")}})

	if err := a.StartAdvertising(testDescriptor()); err == nil {
		t.Fatal("expected error")
	}
	if p.isAdvertising() {
		t.Error("peripheral left advertising after register failure")
	}
}

func TestBrowse(t *testing.T) {
	desc := testDescriptor()
	other := uuid.MustParse("00000000-0000-4000-8000-000000000099")

	resolver := &mockResolver{entries: []*zeroconf.ServiceEntry{
		{
			ServiceRecord: zeroconf.ServiceRecord{Instance: "other"},
			Port:          1000,
			Text:          []string{"svc=" + other.String()},
			AddrIPv4:      []net.IP{net.IPv4(10, 0, 0, 1)},
		},
		{
			ServiceRecord: zeroconf.ServiceRecord{Instance: "agent"},
			Port:          7420,
			Text:          []string{"svc=" + desc.Service.String(), "name=laptop"},
			AddrIPv4:      []net.IP{net.IPv4(10, 0, 0, 2)},
		},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	svc, err := Browse(ctx, resolver, desc.Service)
	if err != nil {
		t.Fatal(err)
	}
	if svc.Addr != "10.0.0.2:7420" || svc.Name != "laptop" || svc.Instance != "agent" {
		t.Errorf("resolved = %+v", svc)
	}
}

func TestBrowse_NotFound(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := Browse(ctx, &mockResolver{}, testDescriptor().Service)
	if !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("Browse = %v, want ErrServiceNotFound", err)
	}
}
