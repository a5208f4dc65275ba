package negotiation

import (
	"fmt"
	"math"
	"strings"

	"github.com/SallyKAN/device-relay/internal/types"
)

const (
	mb = 1024 * 1024

	// SuccessThreshold is the minimum overall score of a successful negotiation.
	SuccessThreshold = 0.70

	scoreEpsilon = 1e-9
)

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// Requirements derives the capability requirements of a negotiation context.
func Requirements(ctx types.NegotiationContext) []types.CapabilityRequirement {
	var reqs []types.CapabilityRequirement
	if ctx.RequiresFileSync {
		reqs = append(reqs, types.CapabilityRequirement{Capability: "fileSync", Required: true, MinVersion: "1.0.0", Priority: "high"})
	}
	if ctx.RequiresRealTimeComm {
		reqs = append(reqs, types.CapabilityRequirement{Capability: "realTimeComm", Required: true, MinVersion: "1.0.0", Priority: "high"})
	}
	if ctx.RequiresVideoStreaming {
		reqs = append(reqs, types.CapabilityRequirement{Capability: "videoStreaming", Required: false, MinVersion: "1.0.0", Priority: "medium"})
	}
	if ctx.RequiresVoiceCommands {
		reqs = append(reqs, types.CapabilityRequirement{Capability: "voiceCommands", Required: false, MinVersion: "1.0.0", Priority: "low"})
	}
	return reqs
}

func commonFormats(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, f := range b {
		in[f] = true
	}
	var out []string
	for _, f := range a {
		if in[f] {
			out = append(out, f)
		}
	}
	return out
}

// Score computes the compatibility of two capability sets. performance and
// security come from the quality assessor and are clamped to [0,1].
func Score(src, tgt types.DeviceCapabilities, performance, security float64) types.CapabilityScore {
	var fileSync, comm float64

	if src.SupportsFileSync && tgt.SupportsFileSync {
		fileSync += 0.5
		if min(src.MaxFileSize, tgt.MaxFileSize) >= 10*mb {
			fileSync += 0.3
		}
		if len(commonFormats(src.SupportedFormats, tgt.SupportedFormats)) >= 3 {
			fileSync += 0.2
		}
	}

	if src.SupportsNotifications && tgt.SupportsNotifications {
		comm += 0.4
	}
	if src.SupportsVoiceCommands && tgt.SupportsVoiceCommands {
		comm += 0.3
	}
	if src.SupportsVideoStreaming && tgt.SupportsVideoStreaming {
		comm += 0.3
	}

	performance = clamp01(performance)
	security = clamp01(security)
	overall := fileSync*0.3 + comm*0.3 + performance*0.2 + security*0.2

	return types.CapabilityScore{
		Overall:       clamp01(overall),
		FileSync:      clamp01(fileSync),
		Communication: clamp01(comm),
		Performance:   performance,
		Security:      security,
	}
}

// StatusFor maps an overall score to a negotiation status.
func StatusFor(overall float64) types.NegotiationStatus {
	if overall+scoreEpsilon >= SuccessThreshold {
		return types.NegotiationSuccess
	}
	return types.NegotiationFailed
}

// Matches lists per-capability compatibility. File sync only appears when
// both devices support it; voice and video appear when either does.
func Matches(src, tgt types.DeviceCapabilities) []types.CapabilityMatch {
	var out []types.CapabilityMatch

	if src.SupportsFileSync && tgt.SupportsFileSync {
		out = append(out, types.CapabilityMatch{
			Capability:      "fileSync",
			SourceSupported: true,
			TargetSupported: true,
			Compatible:      true,
			Limitations:     fileSyncLimitations(src, tgt),
		})
	}
	if src.SupportsVoiceCommands || tgt.SupportsVoiceCommands {
		out = append(out, types.CapabilityMatch{
			Capability:      "voiceCommands",
			SourceSupported: src.SupportsVoiceCommands,
			TargetSupported: tgt.SupportsVoiceCommands,
			Compatible:      src.SupportsVoiceCommands && tgt.SupportsVoiceCommands,
			Limitations:     []string{},
		})
	}
	if src.SupportsVideoStreaming || tgt.SupportsVideoStreaming {
		out = append(out, types.CapabilityMatch{
			Capability:      "videoStreaming",
			SourceSupported: src.SupportsVideoStreaming,
			TargetSupported: tgt.SupportsVideoStreaming,
			Compatible:      src.SupportsVideoStreaming && tgt.SupportsVideoStreaming,
			Limitations:     []string{},
		})
	}
	out = append(out, types.CapabilityMatch{
		Capability:      "notifications",
		SourceSupported: src.SupportsNotifications,
		TargetSupported: tgt.SupportsNotifications,
		Compatible:      src.SupportsNotifications && tgt.SupportsNotifications,
		Limitations:     []string{},
	})
	return out
}

func fileSyncLimitations(src, tgt types.DeviceCapabilities) []string {
	limits := []string{}

	if maxSize := min(src.MaxFileSize, tgt.MaxFileSize); maxSize < 100*mb {
		limits = append(limits, fmt.Sprintf("Maximum file size limited to %dMB", int64(math.Round(float64(maxSize)/mb))))
	}

	common := make(map[string]bool)
	for _, f := range commonFormats(src.SupportedFormats, tgt.SupportedFormats) {
		common[f] = true
	}
	seen := make(map[string]bool)
	var unsupported []string
	for _, f := range append(append([]string(nil), src.SupportedFormats...), tgt.SupportedFormats...) {
		if common[f] || seen[f] {
			continue
		}
		seen[f] = true
		unsupported = append(unsupported, f)
	}
	if len(unsupported) > 0 {
		limits = append(limits, "Unsupported formats: "+strings.Join(unsupported, ", "))
	}
	return limits
}

// Recommendations derives advice from the score thresholds and matches.
func Recommendations(score types.CapabilityScore, matches []types.CapabilityMatch) []string {
	var recs []string

	if score.Overall+scoreEpsilon < SuccessThreshold {
		recs = append(recs, "Overall compatibility is below recommended threshold")
	}
	if score.FileSync < 0.8 {
		recs = append(recs, "Consider upgrading file sync capabilities for better performance")
	}
	if score.Communication < 0.6 {
		recs = append(recs, "Limited communication features available between devices")
	}
	if score.Performance < 0.7 {
		recs = append(recs, "Performance may be impacted during device coordination")
	}

	var incompatible []string
	fileSyncLimited := false
	for _, m := range matches {
		if !m.Compatible {
			incompatible = append(incompatible, m.Capability)
		}
		if m.Capability == "fileSync" && len(m.Limitations) > 0 {
			fileSyncLimited = true
		}
	}
	if len(incompatible) > 0 {
		recs = append(recs, "Incompatible capabilities: "+strings.Join(incompatible, ", "))
	}
	if fileSyncLimited {
		recs = append(recs, "File sync has limitations - consider device upgrades for full compatibility")
	}

	if len(recs) == 0 {
		recs = append(recs, "Devices are fully compatible for seamless coordination")
	}
	return recs
}
