// Package registry holds the authoritative in-memory maps of
// discovered HDHomeRun devices: physical devices, their parent
// records, and per-tuner records. Reconciliation on repeated discovery
// replies updates state in place under a lock rather than tearing down
// and recreating children.
package registry

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// PhysicalDevice is the stable record for one discovered HDHomeRun unit.
type PhysicalDevice struct {
	DeviceID   uint32
	Model      string
	TunerCount int
	IPAddress  net.IP
	BaseURL    string
}

// ParentRecord groups a PhysicalDevice's tuners under the local NIC
// address used to reach it. ParentID is a stable hash of the device's
// unique name.
type ParentRecord struct {
	ParentID   uint64
	DeviceID   uint32
	NICAddress net.IP
	TunerIDs   []uint64
}

// TunerRecord is one tuner within a parent device. It is immutable
// after creation; ParentID is a non-owning back-reference, the
// registry's maps remain the single authority.
type TunerRecord struct {
	TunerID     uint64
	ParentID    uint64
	Index       int
	Description string
}

// DiscoveredDevice is what a Discovery Engine reply is resolved into
// before being handed to the registry.
type DiscoveredDevice struct {
	DeviceID   uint32
	Model      string
	TunerCount int
	IPAddress  net.IP
	BaseURL    string
	// UniqueName identifies the device for ParentID hashing; when it is
	// empty, HandleDiscovery derives it from DeviceID ("hdhr-%08x").
	UniqueName string
	// IfIndex is the local interface the discovery reply arrived on, or
	// 0 if unknown. It is pickLocalNIC's fallback when no local network
	// directly covers the tuner's IP.
	IfIndex int
}

// ErrTunerBusy is returned by AcquireTuner when the tuner already has
// an active Consumer Engine.
var ErrTunerBusy = errors.New("registry: tuner busy")

// Registry holds DeviceID→PhysicalDevice, ParentID→ParentRecord, and
// TunerID→TunerRecord maps behind one read-write lock.
type Registry struct {
	mu      sync.RWMutex
	devices map[uint32]*PhysicalDevice
	parents map[uint64]*ParentRecord
	tuners  map[uint64]*TunerRecord
	busy    map[uint64]struct{}

	ignoreModels map[string]struct{}
	ignoreIDs    map[uint32]struct{}

	onTunerDiscovered func(TunerRecord)
}

// New constructs an empty Registry. ignoreModels and ignoreIDsHex are
// the operator's ignore list (by model name, case-insensitive, and by
// hex device ID, case-insensitive, zero-padded or not — both forms
// normalize to the same uint32). onTunerDiscovered, if non-nil, is
// called once per newly-created TunerRecord to advertise it to
// interested collaborators (e.g. a device loader).
func New(ignoreModels, ignoreIDsHex []string, onTunerDiscovered func(TunerRecord)) (*Registry, error) {
	r := &Registry{
		devices:           make(map[uint32]*PhysicalDevice),
		parents:           make(map[uint64]*ParentRecord),
		tuners:            make(map[uint64]*TunerRecord),
		busy:              make(map[uint64]struct{}),
		ignoreModels:      make(map[string]struct{}, len(ignoreModels)),
		ignoreIDs:         make(map[uint32]struct{}, len(ignoreIDsHex)),
		onTunerDiscovered: onTunerDiscovered,
	}
	for _, m := range ignoreModels {
		r.ignoreModels[strings.ToLower(strings.TrimSpace(m))] = struct{}{}
	}
	for _, idHex := range ignoreIDsHex {
		id, err := parseHexDeviceID(idHex)
		if err != nil {
			return nil, fmt.Errorf("registry: invalid ignore-list device ID %q: %w", idHex, err)
		}
		r.ignoreIDs[id] = struct{}{}
	}
	return r, nil
}

// parseHexDeviceID accepts hex device IDs with or without a "0x" prefix
// and with or without leading zeros ("0x10101010", "10101010",
// "00abcdef", "abcdef"), case-insensitively.
func parseHexDeviceID(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// Ignored reports whether a discovered device matches the ignore list
// by model or by device ID.
func (r *Registry) Ignored(d DiscoveredDevice) bool {
	if _, ok := r.ignoreModels[strings.ToLower(strings.TrimSpace(d.Model))]; ok {
		return true
	}
	_, ok := r.ignoreIDs[d.DeviceID]
	return ok
}

// HandleDiscovery reconciles a discovery reply into the registry: drop
// ignore-listed devices, update the IP in place for known devices
// without recreating children, or create a fresh PhysicalDevice,
// ParentRecord, and one TunerRecord per tuner.
func (r *Registry) HandleDiscovery(d DiscoveredDevice) {
	if r.Ignored(d) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, known := r.devices[d.DeviceID]
	if known {
		if !existing.IPAddress.Equal(d.IPAddress) {
			log.Printf("registry: device 0x%08x moved from %s to %s", d.DeviceID, existing.IPAddress, d.IPAddress)
			existing.IPAddress = d.IPAddress
		}
		existing.BaseURL = d.BaseURL
		return
	}

	phys := &PhysicalDevice{
		DeviceID:   d.DeviceID,
		Model:      d.Model,
		TunerCount: d.TunerCount,
		IPAddress:  d.IPAddress,
		BaseURL:    d.BaseURL,
	}
	r.devices[d.DeviceID] = phys

	uniqueName := d.UniqueName
	if uniqueName == "" {
		uniqueName = fmt.Sprintf("hdhr-%08x", d.DeviceID)
	}
	parentID := xxhash.Sum64String(uniqueName)
	parent := &ParentRecord{
		ParentID:   parentID,
		DeviceID:   d.DeviceID,
		NICAddress: pickLocalNIC(d.IPAddress, d.IfIndex),
	}

	for i := 0; i < d.TunerCount; i++ {
		tunerName := fmt.Sprintf("%s-tuner%d", uniqueName, i)
		tunerID := xxhash.Sum64String(tunerName)
		tuner := TunerRecord{
			TunerID:     tunerID,
			ParentID:    parentID,
			Index:       i,
			Description: tunerName,
		}
		r.tuners[tunerID] = &tuner
		parent.TunerIDs = append(parent.TunerIDs, tunerID)
		if r.onTunerDiscovered != nil {
			r.onTunerDiscovered(tuner)
		}
	}
	r.parents[parentID] = parent
}

// Device returns the PhysicalDevice for a DeviceID, if present.
func (r *Registry) Device(id uint32) (PhysicalDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return PhysicalDevice{}, false
	}
	return *d, true
}

// Devices returns a snapshot of every known PhysicalDevice.
func (r *Registry) Devices() []PhysicalDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PhysicalDevice, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	return out
}

// Tuner returns the TunerRecord for a TunerID, if present.
func (r *Registry) Tuner(id uint64) (TunerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tuners[id]
	if !ok {
		return TunerRecord{}, false
	}
	return *t, true
}

// Parent returns the ParentRecord for a ParentID, if present.
func (r *Registry) Parent(id uint64) (ParentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parents[id]
	if !ok {
		return ParentRecord{}, false
	}
	return *p, true
}

// Count returns the number of known devices, parents, and tuners.
func (r *Registry) Count() (devices, parents, tuners int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices), len(r.parents), len(r.tuners)
}

// TunerAt returns the TunerRecord at the given index on deviceID's
// parent, if both exist.
func (r *Registry) TunerAt(deviceID uint32, index int) (TunerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var parent *ParentRecord
	for _, p := range r.parents {
		if p.DeviceID == deviceID {
			parent = p
			break
		}
	}
	if parent == nil || index < 0 || index >= len(parent.TunerIDs) {
		return TunerRecord{}, false
	}
	t, ok := r.tuners[parent.TunerIDs[index]]
	if !ok {
		return TunerRecord{}, false
	}
	return *t, true
}

// AcquireTuner marks tunerID busy, handing out the tuner-busy marker a
// capture session must hold before it starts streaming. It fails if the
// tuner is unknown or already busy.
func (r *Registry) AcquireTuner(tunerID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tuners[tunerID]; !ok {
		return fmt.Errorf("registry: unknown tuner %d", tunerID)
	}
	if _, busy := r.busy[tunerID]; busy {
		return ErrTunerBusy
	}
	r.busy[tunerID] = struct{}{}
	return nil
}

// ReleaseTuner clears tunerID's busy marker. It is a no-op if the tuner
// was not marked busy.
func (r *Registry) ReleaseTuner(tunerID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.busy, tunerID)
}

// pickLocalNIC selects the local interface address whose network covers
// tunerIP. If none matches, it falls back to the address of the
// interface the discovery reply actually arrived on (ifIndex, from the
// UDP control message), and only if that is also unavailable falls back
// further to the first usable non-loopback IPv4 address found.
func pickLocalNIC(tunerIP net.IP, ifIndex int) net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var byIfIndex, fallback net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			if fallback == nil {
				fallback = ipNet.IP
			}
			if tunerIP != nil && ipNet.Contains(tunerIP) {
				return ipNet.IP
			}
			if byIfIndex == nil && ifIndex > 0 && iface.Index == ifIndex {
				byIfIndex = ipNet.IP
			}
		}
	}
	if byIfIndex != nil {
		return byIfIndex
	}
	return fallback
}
