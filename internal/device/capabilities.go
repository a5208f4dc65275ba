package device

import (
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/SallyKAN/device-relay/internal/types"
)

// maxSyncFile caps the advertised file size whatever the free space.
const maxSyncFile = 4 << 30

var defaultFormats = []string{"txt", "json", "pdf", "png", "jpg"}

// DetectCapabilities gathers the local machine's capabilities. dir is the
// directory synced files land in; its free space bounds the file size.
func DetectCapabilities(dir string) types.DeviceCapabilities {
	caps := types.DeviceCapabilities{
		SupportsNotifications:  detectNotifier(),
		SupportsVoiceCommands:  anyTool("arecord", "sox", "rec"),
		SupportsVideoStreaming: anyTool("ffmpeg", "gst-launch-1.0"),
		SupportedFormats:       append([]string(nil), defaultFormats...),
	}
	if size := syncCapacity(dir); size > 0 {
		caps.SupportsFileSync = true
		caps.MaxFileSize = size
	}
	if caps.SupportsVideoStreaming {
		caps.SupportedFormats = append(caps.SupportedFormats, "mp4", "webm")
	}
	if caps.SupportsVoiceCommands {
		caps.SupportedFormats = append(caps.SupportedFormats, "wav")
	}
	return caps
}

// syncCapacity allows a tenth of the free space, up to maxSyncFile.
func syncCapacity(dir string) int64 {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return 0
		}
		dir = home
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0
	}
	return int64(min(usage.Free/10, maxSyncFile))
}

func detectNotifier() bool {
	switch runtime.GOOS {
	case "darwin":
		return anyTool("osascript")
	case "windows":
		return true
	default:
		return anyTool("notify-send")
	}
}

func anyTool(bins ...string) bool {
	for _, bin := range bins {
		if _, err := exec.LookPath(bin); err == nil {
			return true
		}
	}
	return false
}

// DetectPlatform describes the host OS, e.g. "linux/ubuntu 22.04".
func DetectPlatform() string {
	info, err := host.Info()
	if err != nil || info.Platform == "" {
		return runtime.GOOS
	}
	return strings.TrimSpace(info.OS + "/" + info.Platform + " " + info.PlatformVersion)
}
