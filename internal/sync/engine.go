package sync

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/ipv4"

	grerrors "github.com/helioloureiro/greyd/internal/errors"
	"github.com/helioloureiro/greyd/internal/logging"
)

// pollInterval bounds how long Run's read blocks between checking ctx,
// since net.UDPConn has no context-aware read.
const pollInterval = 500 * time.Millisecond

// DefaultPort is the well-known sync UDP port.
const DefaultPort = 6677

// DefaultMulticastAddr is the group joined when an interface is configured.
const DefaultMulticastAddr = "224.0.1.240"

// DefaultTTL is the multicast TTL used when none is configured.
const DefaultTTL = 1

// Config controls one sync engine instance (the `sync` config block).
type Config struct {
	Enable        bool
	Port          int
	Hosts         []string // unicast peer names/addresses
	Iface         string   // multicast interface name, empty disables multicast
	MulticastAddr string
	TTL           int
	Verify        bool
	KeyPath       string
	BindAddress   string
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.MulticastAddr == "" {
		c.MulticastAddr = DefaultMulticastAddr
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	return c
}

// Receiver is how the sync engine hands verified, decoded records to the
// greylisting engine. Implementations must treat these as Sync: true and
// never rebroadcast them.
type Receiver interface {
	ReceiveGrey(ip net.IP, helo, from, to string)
	ReceiveWhite(ip net.IP, expire uint32, del bool)
	ReceiveTrapped(ip net.IP, expire uint32, del bool)
}

// Engine is the in-process sync subsystem described by spec §5: it shares
// the main process's event loop rather than running as a separate process.
type Engine struct {
	cfg        Config
	key        string
	log        *logging.Logger
	conn       *net.UDPConn
	pconn      *ipv4.PacketConn
	peers      []*net.UDPAddr
	mcast      *net.UDPAddr
	counter    uint32
	ifIndex    int
	instanceID uuid.UUID
}

// New constructs an Engine. It returns (nil, nil) when cfg.Enable is false,
// matching Sync_init's "disabled sync returns NULL, not an error".
func New(cfg Config, log *logging.Logger) (*Engine, error) {
	if !cfg.Enable {
		return nil, nil
	}
	cfg = cfg.withDefaults()

	var key string
	if cfg.Verify {
		derived, err := DeriveKey(cfg.KeyPath)
		if err != nil {
			return nil, err
		}
		key = derived
	}

	e := &Engine{cfg: cfg, key: key, log: log, instanceID: uuid.New()}

	peers := make([]*net.UDPAddr, 0, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		addr, err := resolveHost(h, cfg.Port)
		if err != nil {
			// Not a resolvable host; original treats this as an interface
			// name instead of failing startup.
			if cfg.Iface == "" {
				cfg.Iface = h
			}
			continue
		}
		peers = append(peers, addr)
	}
	e.peers = peers

	return e, nil
}

func resolveHost(name string, port int) (*net.UDPAddr, error) {
	ips, err := net.LookupIP(name)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return &net.UDPAddr{IP: v4, Port: port}, nil
		}
	}
	return nil, fmt.Errorf("sync: %s has no IPv4 address", name)
}

// Start opens the UDP socket and, if an interface is configured, joins the
// multicast group on it (spec §4.5 Transport).
func (e *Engine) Start() error {
	bind := &net.UDPAddr{Port: 0}
	if e.cfg.Iface != "" || e.cfg.BindAddress != "" {
		bind.Port = e.cfg.Port
	}

	conn, err := net.ListenUDP("udp4", bind)
	if err != nil {
		return fmt.Errorf("sync: listen: %w", err)
	}
	e.conn = conn

	if e.cfg.Iface == "" {
		return nil
	}

	iface, err := net.InterfaceByName(e.cfg.Iface)
	if err != nil {
		conn.Close()
		return fmt.Errorf("sync: interface %s: %w", e.cfg.Iface, err)
	}
	e.ifIndex = iface.Index

	groupIP := net.ParseIP(e.cfg.MulticastAddr)
	if groupIP == nil {
		conn.Close()
		return fmt.Errorf("sync: invalid multicast address %s", e.cfg.MulticastAddr)
	}
	e.mcast = &net.UDPAddr{IP: groupIP, Port: e.cfg.Port}

	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.JoinGroup(iface, &net.UDPAddr{IP: groupIP}); err != nil {
		conn.Close()
		return fmt.Errorf("sync: join multicast group %s on %s: %w", e.cfg.MulticastAddr, e.cfg.Iface, err)
	}
	if err := pconn.SetMulticastTTL(e.cfg.TTL); err != nil {
		conn.Close()
		return fmt.Errorf("sync: set multicast ttl: %w", err)
	}
	e.pconn = pconn

	e.log.Info("sync: multicast spam sync enabled",
		"instance", e.instanceID, "iface", e.cfg.Iface, "group", e.cfg.MulticastAddr, "ttl", e.cfg.TTL, "port", e.cfg.Port)
	return nil
}

// Stop closes the UDP socket.
func (e *Engine) Stop() error {
	if e.pconn != nil {
		if e.mcast != nil {
			_ = e.pconn.LeaveGroup(nil, &net.UDPAddr{IP: e.mcast.IP})
		}
	}
	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}

// nextCounter returns the next monotonic per-engine-instance packet counter
// (spec §4.5 Send: "counter is monotonic per engine instance").
func (e *Engine) nextCounter() uint32 {
	return atomic.AddUint32(&e.counter, 1)
}

func (e *Engine) send(pkt []byte) {
	SignAndFinalize(e.key, pkt)

	if e.ifIndex > 0 && e.mcast != nil {
		if _, err := e.pconn.WriteTo(pkt, nil, e.mcast); err != nil {
			e.log.Warn("sync: multicast send failed", "error", err)
		}
	}
	for _, peer := range e.peers {
		if _, err := e.conn.WriteToUDP(pkt, peer); err != nil {
			e.log.Warn("sync: send failed", "peer", peer, "error", err)
		}
	}
}

// SendGrey transmits a freshly observed tuple to every configured peer.
func (e *Engine) SendGrey(ts uint32, ip net.IP, helo, from, to string) {
	var b [4]byte
	v4 := ip.To4()
	if v4 == nil {
		return
	}
	copy(b[:], v4)
	pkt := EncodeGrey(e.nextCounter(), ts, b, from, to, helo)
	e.send(pkt)
}

// SendWhite transmits a whitelist addition (or, when del is true, removal).
func (e *Engine) SendWhite(ts uint32, ip net.IP, expire uint32, del bool) {
	e.sendAddr(ts, ip, expire, KindWhite, KindDelWhite, del)
}

// SendTrapped transmits a trap addition (or, when del is true, removal).
func (e *Engine) SendTrapped(ts uint32, ip net.IP, expire uint32, del bool) {
	e.sendAddr(ts, ip, expire, KindTrapped, KindDelTrapped, del)
}

func (e *Engine) sendAddr(ts uint32, ip net.IP, expire uint32, add, deleted RecordKind, del bool) {
	v4 := ip.To4()
	if v4 == nil {
		return
	}
	var b [4]byte
	copy(b[:], v4)
	kind := add
	if del {
		kind = deleted
	}
	pkt := EncodeAddr(e.nextCounter(), kind, ts, expire, b)
	e.send(pkt)
}

// Run blocks reading and dispatching packets to recv until ctx is
// cancelled or the socket errors.
func (e *Engine) Run(ctx context.Context, recv Receiver) error {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		e.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, src, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		e.handlePacket(buf[:n], src, recv)
	}
}

func (e *Engine) handlePacket(pkt []byte, src *net.UDPAddr, recv Receiver) {
	if e.isOwnMulticastEcho(src) {
		return
	}
	if !Verify(e.key, pkt) {
		err := grerrors.New(grerrors.KindAuth, "sync: packet failed HMAC verification")
		e.log.Debug("sync: dropping packet", "source", src, "error", err)
		return
	}

	records, err := Decode(pkt)
	if err != nil {
		e.log.Debug("sync: truncated or invalid packet", "source", src, "error", err)
		return
	}

	for _, r := range records {
		switch r.Kind {
		case KindGrey:
			recv.ReceiveGrey(net.IP(r.Grey.IP[:]), r.Grey.Helo, r.Grey.From, r.Grey.To)
		case KindWhite:
			recv.ReceiveWhite(net.IP(r.Addr.IP[:]), r.Addr.Expire, false)
		case KindDelWhite:
			recv.ReceiveWhite(net.IP(r.Addr.IP[:]), r.Addr.Expire, true)
		case KindTrapped:
			recv.ReceiveTrapped(net.IP(r.Addr.IP[:]), r.Addr.Expire, false)
		case KindDelTrapped:
			recv.ReceiveTrapped(net.IP(r.Addr.IP[:]), r.Addr.Expire, true)
		}
	}
}

// isOwnMulticastEcho drops packets received back from our own interface's
// multicast send, per spec §4.5 Receive.
func (e *Engine) isOwnMulticastEcho(src *net.UDPAddr) bool {
	if e.ifIndex == 0 {
		return false
	}
	iface, err := net.InterfaceByIndex(e.ifIndex)
	if err != nil {
		return false
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if ok && ipNet.IP.Equal(src.IP) {
			return true
		}
	}
	return false
}

