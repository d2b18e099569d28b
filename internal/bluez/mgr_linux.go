//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

// New creates a new manager instance.
func New() Mgr {
	return &mgr{clients: make(map[uuid.UUID]*clientProfile)}
}

type role int

const (
	roleNone role = iota
	roleServer
	roleClient
)

var pathCounter uint64

type mgr struct {
	mu     sync.Mutex
	closed bool

	bus *dbus.Conn

	role role

	// server state
	serverExported bool
	acceptUsed     bool
	srvProf        *profile
	serverPath     dbus.ObjectPath

	// client state, one registered profile per service
	clients    map[uuid.UUID]*clientProfile
	connecting bool

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()
}

type clientProfile struct {
	prof *profile
	path dbus.ObjectPath
}

// ensureBusLocked connects to the system bus if not yet connected.
func (m *mgr) ensureBusLocked() error {
	if m.bus != nil {
		return nil
	}
	c, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("bluez: connect system bus: %w", err)
	}
	m.bus = c
	// Close the bus last during cleanup.
	m.cleanup = append(m.cleanup, func() { m.bus.Close() })
	return nil
}

// profile implements org.bluez.Profile1 and forwards NewConnection events
// to the caller currently waiting in Accept or Connect.
type profile struct {
	mu       sync.Mutex
	pending  chan acceptResult // non-nil while a caller waits
	once     bool              // server: only the first connection is delivered
	accepted bool
}

type acceptResult struct {
	fd  int
	dev Device
}

func (p *profile) await(ch chan acceptResult) {
	p.mu.Lock()
	p.pending = ch
	p.mu.Unlock()
}

// abandon stops waiting on ch. A connection delivered in the meantime is
// closed so the FD does not leak.
func (p *profile) abandon(ch chan acceptResult) {
	p.mu.Lock()
	if p.pending == ch {
		p.pending = nil
	}
	p.mu.Unlock()
	select {
	case res := <-ch:
		closeFD(res.fd)
	default:
	}
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; the FD owner decides when to close.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection delivers the RFCOMM socket FD to the waiting goroutine.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	res := acceptResult{
		fd: int(fd),
		dev: Device{
			Path: string(dev),
			MAC:  macFromPath(dev),
		},
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.once && p.accepted {
		closeFD(res.fd)
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"already accepted"}}
	}
	if p.pending == nil {
		closeFD(res.fd)
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
	}
	select {
	case p.pending <- res:
		p.pending = nil
		p.accepted = true
		return nil
	default:
		closeFD(res.fd)
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"busy"}}
	}
}

func closeFD(fd int) {
	_ = os.NewFile(uintptr(fd), "rfcomm").Close()
}

func (m *mgr) StartServer(ctx context.Context, opts ServerOptions) error {
	_ = ctx // registration is fast and not cancellable via the D-Bus API.
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("bluez: closed")
	}
	if m.role == roleClient {
		return errors.New("bluez: already used as client")
	}
	if m.serverExported {
		return errors.New("bluez: server already started")
	}
	if opts.ServiceName == "" {
		return errors.New("bluez: ServiceName required")
	}
	service := opts.Service
	if service == uuid.Nil {
		service = SPPUUID
	}
	if err := m.ensureBusLocked(); err != nil {
		return err
	}

	m.srvProf = &profile{once: true}
	id := atomic.AddUint64(&pathCounter, 1)
	m.serverPath = dbus.ObjectPath("/org/rfcomm_monitor/server/p" + strconv.FormatUint(id, 10))
	if err := m.bus.Export(m.srvProf, m.serverPath, profileInterfaceName); err != nil {
		return fmt.Errorf("bluez: export server profile: %w", err)
	}
	m.serverExported = true

	optsMap := map[string]dbus.Variant{
		"Name": dbus.MakeVariant(opts.ServiceName),
		"Role": dbus.MakeVariant("server"),
		// BlueZ expects Channel as a uint16 (not byte).
		"Channel": dbus.MakeVariant(uint16(DefaultRFCOMMChannel)),
	}
	pm := m.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, m.serverPath, service.String(), optsMap); call.Err != nil {
		return fmt.Errorf("bluez: RegisterProfile(server): %w", call.Err)
	}
	serverPath := m.serverPath
	m.cleanup = append(m.cleanup, func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, serverPath).Err
		_ = m.bus.Export(nil, serverPath, profileInterfaceName)
	})
	m.role = roleServer
	return nil
}

func (m *mgr) Accept(ctx context.Context) (fd int, remote Device, err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, Device{}, errors.New("bluez: closed")
	}
	if m.role != roleServer || !m.serverExported {
		m.mu.Unlock()
		return 0, Device{}, errors.New("bluez: server not started")
	}
	if m.acceptUsed {
		m.mu.Unlock()
		return 0, Device{}, errors.New("bluez: Accept already used")
	}
	m.acceptUsed = true
	prof := m.srvProf
	m.mu.Unlock()

	ch := make(chan acceptResult, 1)
	prof.await(ch)
	select {
	case <-ctx.Done():
		prof.abandon(ch)
		return 0, Device{}, fmt.Errorf("bluez: accept canceled: %w", ctx.Err())
	case res := <-ch:
		return res.fd, res.dev, nil
	}
}

func (m *mgr) Scan(ctx context.Context, service uuid.UUID) ([]Device, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("bluez: closed")
	}
	if err := m.ensureBusLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	bus := m.bus
	m.mu.Unlock()

	adapters, err := listAdapters(bus)
	if err != nil {
		return nil, err
	}
	// Start discovery on all adapters (best-effort); stop when done.
	for _, ap := range adapters {
		_ = bus.Object(bluezService, ap).Call(adapterIface+".StartDiscovery", 0).Err
		defer func(p dbus.ObjectPath) { _ = bus.Object(bluezService, p).Call(adapterIface+".StopDiscovery", 0).Err }(ap)
	}

	devMap, err := snapshotDevices(bus, service)
	if err != nil {
		return nil, err
	}

	// Subscribe to InterfacesAdded to catch new devices until ctx is done.
	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)
	defer bus.RemoveSignal(sigCh)
	if err := bus.AddMatchSignal(
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	); err != nil {
		return nil, fmt.Errorf("bluez: AddMatchSignal: %w", err)
	}
	defer func() {
		_ = bus.RemoveMatchSignal(
			dbus.WithMatchInterface(objManagerIface),
			dbus.WithMatchMember("InterfacesAdded"),
		)
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case sig := <-sigCh:
			if sig == nil || len(sig.Body) < 2 {
				continue
			}
			path, _ := sig.Body[0].(dbus.ObjectPath)
			ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
			if ifaces == nil {
				continue
			}
			if dev, ok := deviceFromIfaces(path, ifaces, service); ok {
				devMap[dev.Path] = dev
			}
		}
	}

	out := make([]Device, 0, len(devMap))
	for _, d := range devMap {
		out = append(out, d)
	}
	return out, nil
}

func (m *mgr) StopDiscovery(ctx context.Context, adapter string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("bluez: closed")
	}
	if err := m.ensureBusLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	bus := m.bus
	m.mu.Unlock()

	var adapters []dbus.ObjectPath
	if adapter != "" {
		adapters = []dbus.ObjectPath{dbus.ObjectPath("/org/bluez/" + adapter)}
	} else {
		var err error
		if adapters, err = listAdapters(bus); err != nil {
			return err
		}
	}

	var errs []error
	for _, ap := range adapters {
		obj := bus.Object(bluezService, ap)
		var discovering dbus.Variant
		if call := obj.CallWithContext(ctx, propsIface+".Get", 0, adapterIface, "Discovering"); call.Err == nil {
			if err := call.Store(&discovering); err == nil {
				if b, ok := discovering.Value().(bool); ok && !b {
					continue
				}
			}
		}
		if err := obj.CallWithContext(ctx, adapterIface+".StopDiscovery", 0).Err; err != nil {
			errs = append(errs, fmt.Errorf("bluez: StopDiscovery(%s): %w", ap, err))
		}
	}
	return errors.Join(errs...)
}

func (m *mgr) Connect(ctx context.Context, dev Device, service uuid.UUID) (fd int, err error) {
	if dev.Path == "" {
		return 0, errors.New("bluez: device path required")
	}
	if service == uuid.Nil {
		service = SPPUUID
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, errors.New("bluez: closed")
	}
	if m.role == roleServer {
		m.mu.Unlock()
		return 0, errors.New("bluez: already used as server")
	}
	if m.connecting {
		m.mu.Unlock()
		return 0, errors.New("bluez: Connect already in progress")
	}
	if err := m.ensureBusLocked(); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	cp, err := m.clientProfileLocked(service)
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	m.connecting = true
	m.role = roleClient
	bus := m.bus
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.connecting = false
		m.mu.Unlock()
	}()

	ch := make(chan acceptResult, 1)
	cp.prof.await(ch)

	// Ensure paired; if not, attempt Pair() via Agent.
	devObj := bus.Object(bluezService, dbus.ObjectPath(dev.Path))
	var pairedVar dbus.Variant
	if call := devObj.CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "Paired"); call.Err == nil {
		if err := call.Store(&pairedVar); err == nil {
			if b, ok := pairedVar.Value().(bool); ok && !b {
				if err := devObj.CallWithContext(ctx, deviceIface+".Pair", 0).Err; err != nil {
					cp.prof.abandon(ch)
					return 0, fmt.Errorf("bluez: Pair: %w", err)
				}
			}
		}
	}
	if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, service.String()); call.Err != nil {
		cp.prof.abandon(ch)
		return 0, fmt.Errorf("bluez: ConnectProfile: %w", call.Err)
	}

	select {
	case <-ctx.Done():
		cp.prof.abandon(ch)
		return 0, fmt.Errorf("bluez: connect canceled: %w", ctx.Err())
	case res := <-ch:
		return res.fd, nil
	}
}

// clientProfileLocked exports and registers the client profile for service
// on first use.
func (m *mgr) clientProfileLocked(service uuid.UUID) (*clientProfile, error) {
	if cp, ok := m.clients[service]; ok {
		return cp, nil
	}
	cp := &clientProfile{prof: &profile{}}
	id := atomic.AddUint64(&pathCounter, 1)
	cp.path = dbus.ObjectPath("/org/rfcomm_monitor/client/p" + strconv.FormatUint(id, 10))
	if err := m.bus.Export(cp.prof, cp.path, profileInterfaceName); err != nil {
		return nil, fmt.Errorf("bluez: export client profile: %w", err)
	}
	pm := m.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	optsMap := map[string]dbus.Variant{
		"Role": dbus.MakeVariant("client"),
	}
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, cp.path, service.String(), optsMap); call.Err != nil {
		_ = m.bus.Export(nil, cp.path, profileInterfaceName)
		return nil, fmt.Errorf("bluez: RegisterProfile(client): %w", call.Err)
	}
	m.cleanup = append(m.cleanup, func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, cp.path).Err
		_ = m.bus.Export(nil, cp.path, profileInterfaceName)
	})
	m.clients[service] = cp
	return cp, nil
}

// Close is safe for concurrent and redundant calls (idempotent).
func (m *mgr) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cleanup := m.cleanup
	m.cleanup = nil
	m.mu.Unlock()

	// Run cleanup outside the lock in reverse order of registration.
	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	return nil
}

func listAdapters(bus *dbus.Conn) ([]dbus.ObjectPath, error) {
	objs, err := managedObjects(bus)
	if err != nil {
		return nil, err
	}
	var out []dbus.ObjectPath
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			out = append(out, path)
		}
	}
	return out, nil
}

func snapshotDevices(bus *dbus.Conn, service uuid.UUID) (map[string]Device, error) {
	objs, err := managedObjects(bus)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Device)
	for path, ifaces := range objs {
		if dev, ok := deviceFromIfaces(path, ifaces, service); ok {
			out[dev.Path] = dev
		}
	}
	return out, nil
}

func managedObjects(bus *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if call := obj.Call(objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}
