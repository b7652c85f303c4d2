package hdhomerun

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hdhrbridge/hdhrbridge/internal/registry"
)

// fakeLossyResponder binds the well-known discovery port on loopback and
// answers only every third probe it receives, simulating a lossy LAN
// without relying on real broadcast traffic reaching the test process.
type fakeLossyResponder struct {
	conn     *net.UDPConn
	deviceID uint32
	received atomic.Int32
}

func newFakeLossyResponder(t *testing.T, deviceID uint32) *fakeLossyResponder {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: DiscoverPort})
	if err != nil {
		t.Skipf("cannot bind loopback discovery port %d: %v", DiscoverPort, err)
	}
	return &fakeLossyResponder{conn: conn, deviceID: deviceID}
}

func (r *fakeLossyResponder) close() { r.conn.Close() }

func (r *fakeLossyResponder) run() {
	buf := make([]byte, 4096)
	for {
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if _, err := Unmarshal(buf[:n]); err != nil {
			continue
		}
		count := r.received.Add(1)
		if count%3 != 0 {
			continue // simulate losing two out of every three probes
		}
		tlvs := []TLV{
			{Tag: TagDeviceType, Length: 4, Value: uint32ToBytes(DeviceTypeTuner)},
			{Tag: TagDeviceID, Length: 4, Value: uint32ToBytes(r.deviceID)},
			{Tag: TagTunerCount, Length: 1, Value: []byte{2}},
		}
		rpy := &Packet{Type: TypeDiscoverRpy, Payload: MarshalTLVs(tlvs)}
		r.conn.WriteToUDP(rpy.Marshal(), from)
	}
}

// TestEngineConvergesDespiteLostReplies exercises the discovery engine
// against a scripted UDP responder that answers one probe in three,
// asserting the registry learns the advertised DeviceID within a small
// multiple of the broadcast interval.
func TestEngineConvergesDespiteLostReplies(t *testing.T) {
	const deviceID = 0x99887766
	responder := newFakeLossyResponder(t, deviceID)
	defer responder.close()
	go responder.run()

	reg, err := registry.New(nil, nil, nil)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	const broadcastInterval = 80 * time.Millisecond
	engine := NewEngine(0, broadcastInterval, false, func(r Reply) {
		reg.HandleDiscovery(registry.DiscoveredDevice{
			DeviceID:   r.Reply.DeviceID,
			TunerCount: r.Reply.TunerCount,
			IPAddress:  r.From.IP,
			IfIndex:    r.IfIndex,
		})
	})
	engine.SetStaticAddresses([]string{"127.0.0.1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		engine.Stop()
		engine.WaitForStop()
	}()

	deadline := time.Now().Add(3*broadcastInterval + 500*time.Millisecond)
	for {
		if _, ok := reg.Device(deviceID); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("registry did not learn device 0x%08x within the bound", deviceID)
		}
		time.Sleep(5 * time.Millisecond)
	}

	devices, _, _ := reg.Count()
	if devices != 1 {
		t.Fatalf("registry has %d devices, want exactly 1 despite repeated lossy replies", devices)
	}
}
