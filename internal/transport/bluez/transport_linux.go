//go:build linux

package bluez

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/hashicorp/go-multierror"

	"github.com/tinoosan/mcufetch/internal/linkcfg"
	"github.com/tinoosan/mcufetch/internal/smp"
	"github.com/tinoosan/mcufetch/internal/transfer"
)

const resolvePoll = 100 * time.Millisecond

// Transport connects to peripherals known to one BlueZ adapter.
type Transport struct {
	opts Options
	log  *slog.Logger

	mu  sync.Mutex
	bus *dbus.Conn
}

var _ transfer.Transport = (*Transport)(nil)

// New creates a Transport. The system bus is connected on first Open.
func New(opts Options, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	if opts.Adapter == "" {
		opts.Adapter = "hci0"
	}
	return &Transport{opts: opts, log: log}
}

func (t *Transport) ensureBus() (*dbus.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bus != nil && t.bus.Connected() {
		return t.bus, nil
	}
	c, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w (%w)", transfer.ErrUnavailable, err)
	}
	t.bus = c
	return c, nil
}

func managed(ctx context.Context, bus *dbus.Conn) (managedObjects, error) {
	var objs managedObjects
	call := bus.Object(bluezService, "/").CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

// Open connects to the device, waits for service discovery and subscribes
// to the SMP characteristic.
func (t *Transport) Open(ctx context.Context, deviceID string) (transfer.Handle, error) {
	addr, err := transfer.NormalizeAddress(deviceID)
	if err != nil {
		return nil, err
	}
	if !transfer.IsMAC(addr) {
		return nil, fmt.Errorf("bluez: %s is not a Bluetooth address: %w", addr, transfer.ErrInvalidDevice)
	}
	bus, err := t.ensureBus()
	if err != nil {
		return nil, err
	}

	objs, err := managed(ctx, bus)
	if err != nil {
		return nil, fmt.Errorf("%w (%w)", transfer.ErrUnavailable, err)
	}
	ap := AdapterPath(t.opts.Adapter)
	if _, ok := objs[ap][adapterIface]; !ok {
		return nil, fmt.Errorf("bluez: adapter %s not found: %w", t.opts.Adapter, transfer.ErrUnavailable)
	}
	if !boolProp(objs[ap][adapterIface], "Powered") {
		return nil, fmt.Errorf("bluez: adapter %s is powered off: %w", t.opts.Adapter, transfer.ErrUnavailable)
	}
	dp := DevicePath(t.opts.Adapter, addr)
	if _, ok := objs[dp][deviceIface]; !ok {
		return nil, fmt.Errorf("bluez: device %s not known to %s: %w", addr, t.opts.Adapter, transfer.ErrUnavailable)
	}

	lg := t.log.With("device", addr)
	cctx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()

	dev := bus.Object(bluezService, dp)
	if call := dev.CallWithContext(cctx, deviceIface+".Connect", 0); call.Err != nil {
		return nil, fmt.Errorf("bluez: connect %s: %w (%w)", addr, transfer.ErrUnavailable, call.Err)
	}
	lg.Debug("bluez connected")

	if err := waitResolved(cctx, dev); err != nil {
		_ = dev.Call(deviceIface+".Disconnect", 0).Err
		return nil, fmt.Errorf("bluez: resolve services on %s: %w", addr, err)
	}

	objs, err = managed(cctx, bus)
	if err != nil {
		_ = dev.Call(deviceIface+".Disconnect", 0).Err
		return nil, err
	}
	cp, mtu, ok := findCharacteristic(objs, dp, SMPCharacteristic)
	if !ok {
		_ = dev.Call(deviceIface+".Disconnect", 0).Err
		return nil, fmt.Errorf("bluez: %s exposes no SMP characteristic", addr)
	}

	c := &Conn{
		addr:       addr,
		bus:        bus,
		dev:        dev,
		devPath:    dp,
		char:       bus.Object(bluezService, cp),
		charPath:   cp,
		mtu:        mtu,
		packetSize: linkcfg.DefaultPacketSize,
		rx:         make(chan []byte, 64),
		sig:        make(chan *dbus.Signal, 64),
		done:       make(chan struct{}),
		log:        lg,
	}
	if err := c.subscribe(cctx); err != nil {
		c.close()
		return nil, err
	}
	lg.Info("bluez link open", "characteristic", cp, "mtu", mtu)
	return c, nil
}

func waitResolved(ctx context.Context, dev dbus.BusObject) error {
	tick := time.NewTicker(resolvePoll)
	defer tick.Stop()
	for {
		v, err := dev.GetProperty(deviceIface + ".ServicesResolved")
		if err == nil {
			if b, _ := v.Value().(bool); b {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Configure applies the packet size. BlueZ offers no connection priority
// control to clients, so the priority is only logged.
func (t *Transport) Configure(ctx context.Context, h transfer.Handle, o linkcfg.Options) error {
	c, ok := h.(*Conn)
	if !ok {
		return fmt.Errorf("bluez: foreign handle %T", h)
	}
	size := o.PreferredPacketSize
	if size < linkcfg.MinPacketSize {
		size = linkcfg.MinPacketSize
	}
	c.mu.Lock()
	c.packetSize = packetLimit(size, c.mtu)
	applied := c.packetSize
	c.mu.Unlock()
	c.log.Debug("bluez link configured", "packet_size", applied, "priority", o.Priority)
	if o.Priority != linkcfg.PriorityBalanced {
		c.log.Debug("bluez ignores connection priority", "priority", o.Priority)
	}
	return nil
}

func (t *Transport) Close(h transfer.Handle) error {
	c, ok := h.(*Conn)
	if !ok {
		return fmt.Errorf("bluez: foreign handle %T", h)
	}
	return c.close()
}

// Conn is an open GATT link to the SMP characteristic. It implements smp.Link.
type Conn struct {
	addr     string
	bus      *dbus.Conn
	dev      dbus.BusObject
	devPath  dbus.ObjectPath
	char     dbus.BusObject
	charPath dbus.ObjectPath
	mtu      int
	log      *slog.Logger

	rx   chan []byte
	sig  chan *dbus.Signal
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
	err  error

	mu         sync.Mutex
	closed     bool
	packetSize int
}

var _ smp.Link = (*Conn)(nil)

func (c *Conn) DeviceID() string { return c.addr }

func (c *Conn) Recv() <-chan []byte { return c.rx }

func (c *Conn) matchChar() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchObjectPath(c.charPath),
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	}
}

func (c *Conn) matchDev() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchObjectPath(c.devPath),
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	}
}

func (c *Conn) subscribe(ctx context.Context) error {
	if err := c.bus.AddMatchSignal(c.matchChar()...); err != nil {
		return fmt.Errorf("bluez: AddMatchSignal: %w", err)
	}
	if err := c.bus.AddMatchSignal(c.matchDev()...); err != nil {
		return fmt.Errorf("bluez: AddMatchSignal: %w", err)
	}
	c.bus.Signal(c.sig)
	c.wg.Add(1)
	go c.pump()
	if call := c.char.CallWithContext(ctx, charIface+".StartNotify", 0); call.Err != nil {
		return fmt.Errorf("bluez: StartNotify: %w", call.Err)
	}
	return nil
}

// pump forwards characteristic notifications to rx until the link closes
// or the device disconnects.
func (c *Conn) pump() {
	defer c.wg.Done()
	defer close(c.rx)
	for {
		select {
		case <-c.done:
			return
		case s, ok := <-c.sig:
			if !ok {
				return
			}
			if s == nil || len(s.Body) < 2 {
				continue
			}
			iface, _ := s.Body[0].(string)
			props, _ := s.Body[1].(map[string]dbus.Variant)
			switch {
			case s.Path == c.charPath && iface == charIface:
				v, ok := props["Value"]
				if !ok {
					continue
				}
				b, _ := v.Value().([]byte)
				select {
				case c.rx <- append([]byte(nil), b...):
				case <-c.done:
					return
				}
			case s.Path == c.devPath && iface == deviceIface:
				if v, ok := props["Connected"]; ok {
					if up, _ := v.Value().(bool); !up {
						c.log.Warn("bluez device disconnected")
						return
					}
				}
			}
		}
	}
}

// Send writes frame to the characteristic in packetSize pieces.
func (c *Conn) Send(frame []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transfer.ErrClosed
	}
	size := c.packetSize
	c.mu.Unlock()

	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("command")}
	for _, p := range smp.Split(frame, size) {
		if call := c.char.Call(charIface+".WriteValue", 0, p, opts); call.Err != nil {
			return fmt.Errorf("bluez: WriteValue: %w (%w)", transfer.ErrUnavailable, call.Err)
		}
	}
	return nil
}

func (c *Conn) close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		var result *multierror.Error
		if err := c.char.Call(charIface+".StopNotify", 0).Err; err != nil {
			result = multierror.Append(result, fmt.Errorf("StopNotify: %w", err))
		}
		c.bus.RemoveSignal(c.sig)
		_ = c.bus.RemoveMatchSignal(c.matchChar()...)
		_ = c.bus.RemoveMatchSignal(c.matchDev()...)
		close(c.done)
		c.wg.Wait()
		if err := c.dev.Call(deviceIface+".Disconnect", 0).Err; err != nil {
			result = multierror.Append(result, fmt.Errorf("Disconnect: %w", err))
		}
		if err := result.ErrorOrNil(); err != nil {
			c.err = fmt.Errorf("bluez: close %s: %w", c.addr, err)
		}
		c.log.Debug("bluez link closed")
	})
	return c.err
}
