package coordinator

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/SallyKAN/device-relay/internal/types"
)

// systemSender is the sender id of messages originated by the coordinator.
const systemSender = "system"

// pathFinder computes delivery paths over one user's topology. Callers
// hold the topology read lock for the lifetime of a pathFinder.
type pathFinder struct {
	topo          *types.DeviceTopology
	loadThreshold float64
	log           zerolog.Logger
}

// path dispatches on the routing strategy of msg. The returned path starts
// with the sender; it may contain only the sender when no target exists.
func (pf *pathFinder) path(msg *types.RelayMessage) ([]string, error) {
	if msg.FromDeviceID != systemSender {
		if _, ok := pf.topo.Devices[msg.FromDeviceID]; !ok {
			return nil, types.NewError(types.CodeDeviceNotFound, msg.FromDeviceID, "source device not found")
		}
	}

	from, to := msg.FromDeviceID, msg.ToDeviceID
	switch msg.Routing.Strategy {
	case types.RouteDirect:
		if _, ok := pf.topo.Devices[to]; ok {
			return []string{from, to}, nil
		}
	case types.RouteBestPerformance:
		return pf.bestPerformance(msg), nil
	case types.RouteShortestPath:
		if to != "" {
			return []string{from, to}, nil
		}
		if pf.topo.PrimaryDevice != "" {
			return []string{from, pf.topo.PrimaryDevice}, nil
		}
		return []string{from}, nil
	case types.RouteLoadBalanced:
		return pf.loadBalanced(msg), nil
	case types.RouteRedundant:
		p := pf.bestPerformance(msg)
		return append(p, msg.Routing.FallbackDevices...), nil
	}

	if to != "" {
		return []string{from, to}, nil
	}
	if pf.topo.PrimaryDevice != "" {
		return []string{from, pf.topo.PrimaryDevice}, nil
	}
	return []string{from}, nil
}

// reachable returns the reachable devices other than exclude, ordered by id.
func (pf *pathFinder) reachable(exclude string) []*types.DeviceNode {
	var out []*types.DeviceNode
	for id, n := range pf.topo.Devices {
		if id != exclude && n.IsReachable {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info.ID < out[j].Info.ID })
	return out
}

func (pf *pathFinder) bestPerformance(msg *types.RelayMessage) []string {
	if msg.ToDeviceID != "" {
		return []string{msg.FromDeviceID, msg.ToDeviceID}
	}
	if best := bestPerforming(pf.reachable(msg.FromDeviceID)); best != nil {
		return []string{msg.FromDeviceID, best.Info.ID}
	}
	return []string{msg.FromDeviceID}
}

func (pf *pathFinder) loadBalanced(msg *types.RelayMessage) []string {
	if msg.ToDeviceID != "" {
		return []string{msg.FromDeviceID, msg.ToDeviceID}
	}
	candidates := pf.reachable(msg.FromDeviceID)
	if len(candidates) == 0 {
		return []string{msg.FromDeviceID}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Performance.CPUUsage < candidates[j].Performance.CPUUsage
	})
	least := candidates[0]
	if pf.loadThreshold > 0 && least.Performance.CPUUsage > pf.loadThreshold {
		pf.log.Warn().
			Str("device_id", least.Info.ID).
			Float64("cpu", least.Performance.CPUUsage).
			Float64("threshold", pf.loadThreshold).
			Msg("Every candidate is above the load-balance threshold")
	}
	return []string{msg.FromDeviceID, least.Info.ID}
}

// bestPerforming returns the node with the highest relay performance score.
// Ties keep the earlier node.
func bestPerforming(nodes []*types.DeviceNode) *types.DeviceNode {
	var best *types.DeviceNode
	var bestScore float64
	for _, n := range nodes {
		s := PerformanceScore(n.Performance)
		if best == nil || s > bestScore {
			best, bestScore = n, s
		}
	}
	return best
}

// finalHop validates path and returns the node of its last hop.
func (pf *pathFinder) finalHop(path []string, maxHops int) (*types.DeviceNode, error) {
	if len(path) < 2 {
		return nil, types.NewError(types.CodeInvalidRoutingPath, "", "routing path must have at least source and destination")
	}
	if maxHops > 0 && len(path)-1 > maxHops {
		return nil, types.NewError(types.CodeInvalidRoutingPath, "", "routing path has %d hops, limit is %d", len(path)-1, maxHops)
	}
	target := path[len(path)-1]
	if target == "" {
		return nil, types.NewError(types.CodeInvalidRoutingPath, "", "routing path has no target device")
	}
	n, ok := pf.topo.Devices[target]
	if !ok || !n.IsReachable {
		return nil, types.NewError(types.CodeDeviceUnreachable, target, "target device unreachable")
	}
	return n, nil
}
