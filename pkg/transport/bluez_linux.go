//go:build linux

package transport

import (
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
	"github.com/pion/logging"
)

const (
	bluezBus             = "org.bluez"
	bluezAdapterIface    = "org.bluez.Adapter1"
	bluezDeviceIface     = "org.bluez.Device1"
	bluezGattManager     = "org.bluez.GattManager1"
	bluezAdvManager      = "org.bluez.LEAdvertisingManager1"
	bluezGattService     = "org.bluez.GattService1"
	bluezGattChar        = "org.bluez.GattCharacteristic1"
	bluezAdvIface        = "org.bluez.LEAdvertisement1"
	dbusObjectManager    = "org.freedesktop.DBus.ObjectManager"
	dbusPropertiesIface  = "org.freedesktop.DBus.Properties"
	dbusPropertiesChange = "org.freedesktop.DBus.Properties.PropertiesChanged"
)

// BlueZPeripheral is a GATT server registered with BlueZ over the system
// D-Bus. Centrals write to the write characteristic; outbound packets are
// sent as notifications on the notify characteristic.
type BlueZPeripheral struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
	appPath     dbus.ObjectPath
	servicePath dbus.ObjectPath
	writePath   dbus.ObjectPath
	notifyPath  dbus.ObjectPath
	advPath     dbus.ObjectPath
	log         logging.LeveledLogger

	events  chan Event
	signals chan *dbus.Signal
	closeCh chan struct{}
	wg      sync.WaitGroup

	mu          sync.Mutex
	props       map[dbus.ObjectPath]*prop.Properties
	registered  bool
	advertising bool
	notifying   bool
	peers       map[Peer]int
	closed      bool
}

// NewBlueZPeripheral connects to the system bus and prepares the GATT
// application. Nothing is exported until StartAdvertising.
func NewBlueZPeripheral(config BlueZConfig) (Peripheral, error) {
	config.withDefaults()

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlueZUnavailable, err)
	}

	app := dbus.ObjectPath(config.AppPath)
	p := &BlueZPeripheral{
		conn:        conn,
		adapterPath: dbus.ObjectPath("/org/bluez/" + config.Adapter),
		appPath:     app,
		servicePath: app + "/service0",
		writePath:   app + "/service0/char0",
		notifyPath:  app + "/service0/char1",
		advPath:     app + "/advertisement0",
		events:      make(chan Event, 64),
		signals:     make(chan *dbus.Signal, 16),
		closeCh:     make(chan struct{}),
		props:       make(map[dbus.ObjectPath]*prop.Properties),
		peers:       make(map[Peer]int),
	}
	if config.LoggerFactory != nil {
		p.log = config.LoggerFactory.NewLogger("transport-bluez")
	}

	var powered bool
	adapter := conn.Object(bluezBus, p.adapterPath)
	if err := adapter.StoreProperty(bluezAdapterIface+".Powered", &powered); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: adapter %s: %v", ErrBlueZUnavailable, config.Adapter, err)
	}
	if !powered {
		conn.Close()
		return nil, fmt.Errorf("%w: adapter %s is powered off", ErrBlueZUnavailable, config.Adapter)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(dbusPropertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace(p.adapterPath),
	); err != nil {
		conn.Close()
		return nil, err
	}
	conn.Signal(p.signals)

	p.wg.Add(1)
	go p.signalLoop()
	return p, nil
}

// gattObject receives method calls for one exported characteristic or
// advertisement.
type gattObject struct {
	p *BlueZPeripheral
}

// GetManagedObjects implements org.freedesktop.DBus.ObjectManager.
func (o *gattObject) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	o.p.mu.Lock()
	defer o.p.mu.Unlock()

	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	for path, iface := range map[dbus.ObjectPath]string{
		o.p.servicePath: bluezGattService,
		o.p.writePath:   bluezGattChar,
		o.p.notifyPath:  bluezGattChar,
	} {
		props, ok := o.p.props[path]
		if !ok {
			continue
		}
		all, err := props.GetAll(iface)
		if err != nil {
			return nil, err
		}
		objects[path] = map[string]map[string]dbus.Variant{iface: all}
	}
	return objects, nil
}

// WriteValue implements org.bluez.GattCharacteristic1 for the write
// characteristic.
func (o *gattObject) WriteValue(value []byte, options map[string]dbus.Variant) *dbus.Error {
	var peer Peer
	if v, ok := options["device"]; ok {
		if path, ok := v.Value().(dbus.ObjectPath); ok {
			peer = Peer(path)
		}
	}
	if peer == "" {
		return dbus.MakeFailedError(ErrNotConnected)
	}
	mtu := DefaultMTU
	if v, ok := options["mtu"]; ok {
		if m, ok := v.Value().(uint16); ok {
			mtu = int(m)
		}
	}
	o.p.written(peer, mtu, value)
	return nil
}

// ReadValue implements org.bluez.GattCharacteristic1.
func (o *gattObject) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	return []byte{}, nil
}

// StartNotify implements org.bluez.GattCharacteristic1.
func (o *gattObject) StartNotify() *dbus.Error {
	o.p.mu.Lock()
	o.p.notifying = true
	o.p.mu.Unlock()
	return nil
}

// StopNotify implements org.bluez.GattCharacteristic1.
func (o *gattObject) StopNotify() *dbus.Error {
	o.p.mu.Lock()
	o.p.notifying = false
	o.p.mu.Unlock()
	return nil
}

// Release implements org.bluez.LEAdvertisement1.
func (o *gattObject) Release() *dbus.Error {
	o.p.mu.Lock()
	o.p.advertising = false
	o.p.mu.Unlock()
	return nil
}

func (p *BlueZPeripheral) exportApp(desc ServiceDescriptor) error {
	obj := &gattObject{p: p}
	if err := p.conn.Export(obj, p.appPath, dbusObjectManager); err != nil {
		return err
	}

	objects := map[dbus.ObjectPath]prop.Map{
		p.servicePath: {bluezGattService: {
			"UUID":    {Value: desc.Service.String(), Emit: prop.EmitConst},
			"Primary": {Value: true, Emit: prop.EmitConst},
		}},
		p.writePath: {bluezGattChar: {
			"UUID":    {Value: desc.Write.String(), Emit: prop.EmitConst},
			"Service": {Value: p.servicePath, Emit: prop.EmitConst},
			"Flags":   {Value: []string{"write", "write-without-response"}, Emit: prop.EmitConst},
		}},
		p.notifyPath: {bluezGattChar: {
			"UUID":    {Value: desc.Notify.String(), Emit: prop.EmitConst},
			"Service": {Value: p.servicePath, Emit: prop.EmitConst},
			"Flags":   {Value: []string{"notify"}, Emit: prop.EmitConst},
			"Value":   {Value: []byte{}, Emit: prop.EmitFalse},
		}},
		p.advPath: {bluezAdvIface: {
			"Type":         {Value: "peripheral", Emit: prop.EmitConst},
			"ServiceUUIDs": {Value: []string{desc.Service.String()}, Emit: prop.EmitConst},
			"LocalName":    {Value: desc.Name, Emit: prop.EmitConst},
		}},
	}
	for path, m := range objects {
		props, err := prop.Export(p.conn, path, m)
		if err != nil {
			return err
		}
		p.props[path] = props
	}

	for _, path := range []dbus.ObjectPath{p.writePath, p.notifyPath} {
		if err := p.conn.Export(&gattObject{p: p}, path, bluezGattChar); err != nil {
			return err
		}
	}
	return p.conn.Export(&gattObject{p: p}, p.advPath, bluezAdvIface)
}

// StartAdvertising implements Peripheral.
func (p *BlueZPeripheral) StartAdvertising(desc ServiceDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.advertising {
		p.mu.Unlock()
		return ErrAlreadyAdvertising
	}
	needRegister := !p.registered
	if needRegister {
		if err := p.exportApp(desc); err != nil {
			p.mu.Unlock()
			return err
		}
	}
	p.mu.Unlock()

	adapter := p.conn.Object(bluezBus, p.adapterPath)
	if needRegister {
		call := adapter.Call(bluezGattManager+".RegisterApplication", 0, p.appPath, map[string]dbus.Variant{})
		if call.Err != nil {
			return fmt.Errorf("bluez: register application: %w", call.Err)
		}
	}
	call := adapter.Call(bluezAdvManager+".RegisterAdvertisement", 0, p.advPath, map[string]dbus.Variant{})
	if call.Err != nil {
		return fmt.Errorf("bluez: register advertisement: %w", call.Err)
	}

	p.mu.Lock()
	p.registered = true
	p.advertising = true
	p.mu.Unlock()

	if p.log != nil {
		p.log.Infof("advertising %s (%s) on %s", desc.Name, desc.Service, p.adapterPath)
	}
	return nil
}

// StopAdvertising implements Peripheral.
func (p *BlueZPeripheral) StopAdvertising() error {
	p.mu.Lock()
	advertising := p.advertising
	p.advertising = false
	p.mu.Unlock()
	if !advertising {
		return nil
	}

	adapter := p.conn.Object(bluezBus, p.adapterPath)
	return adapter.Call(bluezAdvManager+".UnregisterAdvertisement", 0, p.advPath).Err
}

// Events implements Peripheral.
func (p *BlueZPeripheral) Events() <-chan Event { return p.events }

func (p *BlueZPeripheral) emit(ev Event) {
	select {
	case p.events <- ev:
	case <-p.closeCh:
	}
}

func (p *BlueZPeripheral) written(peer Peer, mtu int, value []byte) {
	p.mu.Lock()
	known, ok := p.peers[peer]
	p.peers[peer] = mtu
	p.mu.Unlock()

	if !ok {
		p.emit(Event{Type: EventConnected, Peer: peer})
	}
	if !ok || known != mtu {
		p.emit(Event{Type: EventMTUChanged, Peer: peer, MTU: mtu})
	}
	p.emit(Event{Type: EventDataWritten, Peer: peer, Data: append([]byte(nil), value...)})
}

// Send implements Peripheral.
func (p *BlueZPeripheral) Send(peer Peer, data []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	mtu, ok := p.peers[peer]
	props := p.props[p.notifyPath]
	p.mu.Unlock()
	if !ok || props == nil {
		return ErrNotConnected
	}
	if len(data) > MaxPacketSize(mtu) {
		return fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, len(data), MaxPacketSize(mtu))
	}

	value := append([]byte(nil), data...)
	props.SetMust(bluezGattChar, "Value", value)
	return p.conn.Emit(p.notifyPath, dbusPropertiesChange,
		bluezGattChar, map[string]dbus.Variant{"Value": dbus.MakeVariant(value)}, []string{})
}

// Disconnect implements Peripheral.
func (p *BlueZPeripheral) Disconnect(peer Peer) error {
	p.mu.Lock()
	_, ok := p.peers[peer]
	p.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	return p.conn.Object(bluezBus, dbus.ObjectPath(peer)).Call(bluezDeviceIface+".Disconnect", 0).Err
}

// MTU implements Peripheral.
func (p *BlueZPeripheral) MTU(peer Peer) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if mtu, ok := p.peers[peer]; ok {
		return mtu
	}
	return DefaultMTU
}

// signalLoop turns Device1.Connected=false into EventDisconnected.
func (p *BlueZPeripheral) signalLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.closeCh:
			return
		case sig, ok := <-p.signals:
			if !ok {
				return
			}
			p.handleSignal(sig)
		}
	}
}

func (p *BlueZPeripheral) handleSignal(sig *dbus.Signal) {
	if sig.Name != dbusPropertiesChange || len(sig.Body) < 2 {
		return
	}
	iface, _ := sig.Body[0].(string)
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	if iface != bluezDeviceIface || changed == nil {
		return
	}
	v, ok := changed["Connected"]
	if !ok {
		return
	}
	connected, _ := v.Value().(bool)
	if connected || !strings.HasPrefix(string(sig.Path), string(p.adapterPath)) {
		return
	}

	peer := Peer(sig.Path)
	p.mu.Lock()
	_, known := p.peers[peer]
	delete(p.peers, peer)
	p.mu.Unlock()
	if known {
		if p.log != nil {
			p.log.Debugf("%s disconnected", peer)
		}
		p.emit(Event{Type: EventDisconnected, Peer: peer})
	}
}

// Close implements Peripheral.
func (p *BlueZPeripheral) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	registered := p.registered
	p.mu.Unlock()

	p.StopAdvertising()
	if registered {
		p.conn.Object(bluezBus, p.adapterPath).Call(bluezGattManager+".UnregisterApplication", 0, p.appPath)
	}

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	close(p.closeCh)
	p.conn.RemoveSignal(p.signals)
	p.wg.Wait()
	return p.conn.Close()
}

var _ Peripheral = (*BlueZPeripheral)(nil)
