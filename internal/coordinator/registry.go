package coordinator

import (
	"crypto/subtle"
	"sort"
	"sync"
	"time"

	"github.com/SallyKAN/device-relay/internal/types"
)

// userTopology is one user's topology and the tokens issued to its devices.
// All mutation happens under mu.
type userTopology struct {
	mu     sync.RWMutex
	topo   *types.DeviceTopology
	tokens map[string]string
}

func newUserTopology(userID string) *userTopology {
	return &userTopology{
		topo: &types.DeviceTopology{
			UserID:      userID,
			Devices:     make(map[string]*types.DeviceNode),
			LastUpdated: time.Now(),
		},
		tokens: make(map[string]string),
	}
}

// bump records a mutation of the topology.
func (ut *userTopology) bump(now time.Time) {
	ut.topo.Version++
	ut.topo.LastUpdated = now
}

// sortedNodes returns the nodes ordered by device id.
func (ut *userTopology) sortedNodes() []*types.DeviceNode {
	out := make([]*types.DeviceNode, 0, len(ut.topo.Devices))
	for _, n := range ut.topo.Devices {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info.ID < out[j].Info.ID })
	return out
}

// Registry indexes per-user topologies and maps each device to its user.
// The registry lock only guards the two maps; topology state is guarded
// by each user's own lock so different users proceed in parallel.
type Registry struct {
	mu    sync.RWMutex
	users map[string]*userTopology
	index map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		users: make(map[string]*userTopology),
		index: make(map[string]string),
	}
}

// user returns the topology of userID, creating it when create is set.
func (r *Registry) user(userID string, create bool) *userTopology {
	r.mu.RLock()
	ut, ok := r.users[userID]
	r.mu.RUnlock()
	if ok || !create {
		return ut
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ut, ok = r.users[userID]; !ok {
		ut = newUserTopology(userID)
		r.users[userID] = ut
	}
	return ut
}

// owner returns the user a device is registered under.
func (r *Registry) owner(deviceID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.index[deviceID]
	return userID, ok
}

// deviceTopology returns the topology holding deviceID.
func (r *Registry) deviceTopology(deviceID string) (*userTopology, bool) {
	userID, ok := r.owner(deviceID)
	if !ok {
		return nil, false
	}
	ut := r.user(userID, false)
	return ut, ut != nil
}

// bind records that deviceID belongs to userID. It fails if the device is
// already bound to another user.
func (r *Registry) bind(deviceID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.index[deviceID]; ok && owner != userID {
		return false
	}
	r.index[deviceID] = userID
	return true
}

func (r *Registry) unbind(deviceID string) {
	r.mu.Lock()
	delete(r.index, deviceID)
	r.mu.Unlock()
}

// userIDs returns every known user.
func (r *Registry) userIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a deep copy of a user's topology, or nil if the user
// never registered a device.
func (r *Registry) Snapshot(userID string) *types.DeviceTopology {
	ut := r.user(userID, false)
	if ut == nil {
		return nil
	}
	ut.mu.RLock()
	defer ut.mu.RUnlock()
	return ut.topo.Clone()
}

// Node returns a deep copy of a device node, or nil if not registered.
func (r *Registry) Node(deviceID string) *types.DeviceNode {
	ut, ok := r.deviceTopology(deviceID)
	if !ok {
		return nil
	}
	ut.mu.RLock()
	defer ut.mu.RUnlock()
	n, ok := ut.topo.Devices[deviceID]
	if !ok {
		return nil
	}
	return n.Clone()
}

// Counts returns the registered and reachable device totals.
func (r *Registry) Counts() (total, reachable int) {
	for _, userID := range r.userIDs() {
		ut := r.user(userID, false)
		ut.mu.RLock()
		for _, n := range ut.topo.Devices {
			total++
			if n.IsReachable {
				reachable++
			}
		}
		ut.mu.RUnlock()
	}
	return total, reachable
}

// Token returns the token issued to a device at registration.
func (r *Registry) Token(deviceID string) string {
	ut, ok := r.deviceTopology(deviceID)
	if !ok {
		return ""
	}
	ut.mu.RLock()
	defer ut.mu.RUnlock()
	return ut.tokens[deviceID]
}

// TokenDevice returns the device a token was issued to.
func (r *Registry) TokenDevice(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	for _, userID := range r.userIDs() {
		ut := r.user(userID, false)
		ut.mu.RLock()
		for deviceID, t := range ut.tokens {
			if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
				ut.mu.RUnlock()
				return deviceID, true
			}
		}
		ut.mu.RUnlock()
	}
	return "", false
}

// ValidateDeviceToken reports whether token belongs to a registered device.
func (r *Registry) ValidateDeviceToken(token string) bool {
	_, ok := r.TokenDevice(token)
	return ok
}

// hasToken reports whether deviceID currently holds an issued token.
func (r *Registry) hasToken(deviceID string) bool {
	return r.Token(deviceID) != ""
}
