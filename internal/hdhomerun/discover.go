package hdhomerun

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"
)

// DiscoverPort is the default UDP port for HDHomeRun device discovery.
const DiscoverPort = 65001

// sendBurst is the number of probes sent per cycle, per interface or
// static address, spaced to tolerate loss.
const sendBurst = 3

var sendSpacing = 20 * time.Millisecond

// Reply pairs a parsed discovery reply with the address it arrived
// from, so the caller can tell a unicast static-address reply from a
// broadcast one, and the index of the local interface it arrived on.
type Reply struct {
	From    *net.UDPAddr
	Reply   *DiscoverReply
	IfIndex int
}

// Engine is the UDP discovery client: it probes for HDHomeRun tuners on
// every broadcast-capable IPv4 interface, optionally unicasts to a list
// of static addresses, and feeds parsed replies to a handler.
//
// Sending policy is periodic (every broadcastInterval if > 0), or
// smart-broadcast (periodic suppressed, probes only on RequestBroadcast
// demand), plus per-cycle static-address unicasts.
type Engine struct {
	port              int
	broadcastInterval time.Duration
	smartBroadcast    bool
	onReply           func(Reply)

	mu             sync.RWMutex
	staticAddrs    []string
	conn           *ipv4.PacketConn
	rawConn        *net.UDPConn
	ifaces         []net.Interface
	limiter        *rate.Limiter
	needBroadcast  atomic.Bool
	running        atomic.Bool
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

// NewEngine constructs a discovery Engine. port<=0 or port<1024 binds an
// ephemeral port instead. onReply is invoked from the receive goroutine
// for every successfully parsed discover reply; it must not block for
// long.
func NewEngine(port int, broadcastInterval time.Duration, smartBroadcast bool, onReply func(Reply)) *Engine {
	if port < 1024 {
		port = 0
	}
	return &Engine{
		port:              port,
		broadcastInterval: broadcastInterval,
		smartBroadcast:    smartBroadcast,
		onReply:           onReply,
		limiter:           rate.NewLimiter(rate.Every(250*time.Millisecond), 1),
	}
}

// SetStaticAddresses replaces the list of statically-configured tuner
// addresses unicast on every probe cycle, and requests an immediate
// broadcast.
func (e *Engine) SetStaticAddresses(addrs []string) {
	e.mu.Lock()
	e.staticAddrs = append([]string(nil), addrs...)
	e.mu.Unlock()
	e.RequestBroadcast()
}

// RequestBroadcast sets the demand-pulse flag consulted by the send
// loop in smart-broadcast mode.
func (e *Engine) RequestBroadcast() {
	e.needBroadcast.Store(true)
}

// IsRunning reflects whether the discovery socket is currently open.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// Start binds the discovery socket across every eligible IPv4 interface
// and launches the receive and send loops. It returns once the socket is
// bound; the loops run in background goroutines until Stop.
func (e *Engine) Start(ctx context.Context) error {
	if e.running.Load() {
		return fmt.Errorf("hdhomerun: engine already running")
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: e.port})
	if err != nil {
		return fmt.Errorf("hdhomerun: listen UDP: %w", err)
	}
	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		log.Printf("hdhomerun: enabling per-packet interface control failed: %v", err)
	}

	ifaces, err := broadcastCapableInterfaces()
	if err != nil {
		conn.Close()
		return fmt.Errorf("hdhomerun: enumerate interfaces: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.conn = pconn
	e.rawConn = conn
	e.ifaces = ifaces
	e.cancel = cancel
	e.mu.Unlock()
	e.running.Store(true)

	log.Printf("hdhomerun: discovery bound to UDP port %d across %d interface(s)", localPort(conn), len(ifaces))

	e.wg.Add(2)
	go e.receiveLoop(runCtx)
	go e.sendLoop(runCtx)
	return nil
}

// Stop closes the discovery socket (waking the blocked receive
// immediately) and signals the send loop to exit.
func (e *Engine) Stop() {
	e.mu.RLock()
	cancel := e.cancel
	conn := e.rawConn
	e.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	e.running.Store(false)
}

// WaitForStop blocks until the receive and send loops have both exited.
func (e *Engine) WaitForStop() {
	e.wg.Wait()
}

func localPort(conn *net.UDPConn) int {
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

func (e *Engine) receiveLoop(ctx context.Context) {
	defer e.wg.Done()
	buf := make([]byte, 4096)
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()

	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, cm, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return
		}
		ifIndex := 0
		if cm != nil {
			ifIndex = cm.IfIndex
		}
		e.handleDatagram(buf[:n], from, ifIndex)
	}
}

func (e *Engine) handleDatagram(data []byte, from net.Addr, ifIndex int) {
	pkt, err := Unmarshal(data)
	if err != nil {
		return // invalid CRC or malformed frame: silently discarded
	}
	if pkt.Type != TypeDiscoverRpy {
		return
	}
	reply, err := ParseDiscoverRpy(pkt)
	if err != nil {
		log.Printf("hdhomerun: discover: malformed reply from %s: %v", from, err)
		return
	}
	udpAddr, _ := from.(*net.UDPAddr)
	if e.onReply != nil {
		e.onReply(Reply{From: udpAddr, Reply: reply, IfIndex: ifIndex})
	}
}

func (e *Engine) sendLoop(ctx context.Context) {
	defer e.wg.Done()

	var ticker *time.Ticker
	if !e.smartBroadcast && e.broadcastInterval > 0 {
		ticker = time.NewTicker(e.broadcastInterval)
		defer ticker.Stop()
	}

	// A short poll interval lets smart-broadcast demand pulses fire
	// promptly without busy-waiting.
	pollTicker := time.NewTicker(100 * time.Millisecond)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			if e.smartBroadcast && e.needBroadcast.CompareAndSwap(true, false) {
				if e.limiter.Allow() {
					e.probeCycle(ctx)
				} else {
					e.needBroadcast.Store(true) // put the pulse back, try again next poll
				}
			}
		case <-tickerC(ticker):
			e.probeCycle(ctx)
		}
	}
}

// tickerC returns t.C, or nil (a channel that never fires) if t is nil,
// so the select above degenerates cleanly when periodic mode is off.
func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// probeCycle sends sendBurst probes, spaced by sendSpacing, to every
// broadcast-capable interface and every configured static address.
func (e *Engine) probeCycle(ctx context.Context) {
	req := NewDiscoverReq().Marshal()

	e.mu.RLock()
	conn := e.conn
	ifaces := append([]net.Interface(nil), e.ifaces...)
	statics := append([]string(nil), e.staticAddrs...)
	e.mu.RUnlock()

	if conn == nil {
		return
	}

	for i := 0; i < sendBurst; i++ {
		for _, iface := range ifaces {
			e.sendBroadcast(conn, iface, req)
		}
		for _, addr := range statics {
			e.sendUnicast(conn, addr, req)
		}
		if i < sendBurst-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(sendSpacing):
			}
		}
	}
}

func (e *Engine) sendBroadcast(conn *ipv4.PacketConn, iface net.Interface, payload []byte) {
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: DiscoverPort}
	cm := &ipv4.ControlMessage{IfIndex: iface.Index}
	if _, err := conn.WriteTo(payload, cm, dst); err != nil {
		log.Printf("hdhomerun: discover: broadcast send on %s failed: %v", iface.Name, err)
	}
}

func (e *Engine) sendUnicast(conn *ipv4.PacketConn, addr string, payload []byte) {
	dst := &net.UDPAddr{IP: net.ParseIP(addr), Port: DiscoverPort}
	if dst.IP == nil {
		log.Printf("hdhomerun: discover: invalid static address %q", addr)
		return
	}
	if _, err := conn.WriteTo(payload, nil, dst); err != nil {
		log.Printf("hdhomerun: discover: unicast send to %s failed: %v", addr, err)
	}
}

// broadcastCapableInterfaces returns every up, non-loopback,
// non-point-to-point IPv4 interface that carries a broadcast address.
func broadcastCapableInterfaces() ([]net.Interface, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []net.Interface
	for _, iface := range all {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.Flags&net.FlagPointToPoint != 0 {
			continue
		}
		if iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		hasIPv4 := false
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.To4() != nil {
				hasIPv4 = true
				break
			}
		}
		if hasIPv4 {
			out = append(out, iface)
		}
	}
	return out, nil
}
