package coordinator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/SallyKAN/device-relay/internal/types"
)

// Catalog persists the last descriptor seen for every device so capability
// lookups keep working after a device disconnects or the coordinator
// restarts. Data is stored as a JSON file on disk.
type Catalog struct {
	mu      sync.Mutex
	path    string
	devices map[string]types.DeviceInfo
}

// catalogData is the on-disk JSON structure.
type catalogData struct {
	Devices map[string]types.DeviceInfo `json:"devices"`
}

// OpenCatalog creates a catalog backed by the given file path and loads any
// existing entries. The parent directory is created if it doesn't exist.
func OpenCatalog(path string) (*Catalog, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating catalog directory: %w", err)
	}
	c := &Catalog{path: path, devices: make(map[string]types.DeviceInfo)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	var cd catalogData
	if err := json.Unmarshal(data, &cd); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	for id, info := range cd.Devices {
		c.devices[id] = info
	}
	return c, nil
}

// Get returns the stored descriptor of a device.
func (c *Catalog) Get(deviceID string) (types.DeviceInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.devices[deviceID]
	if ok {
		info.Capabilities = info.Capabilities.Clone()
	}
	return info, ok
}

// Put records info and writes the catalog to disk.
func (c *Catalog) Put(info types.DeviceInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	info.Capabilities = info.Capabilities.Clone()
	c.devices[info.ID] = info
	return c.saveLocked()
}

// Len returns the number of stored descriptors.
func (c *Catalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.devices)
}

// saveLocked writes the catalog to disk atomically.
func (c *Catalog) saveLocked() error {
	data, err := json.MarshalIndent(catalogData{Devices: c.devices}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling catalog: %w", err)
	}

	// Atomic write: write to unique temp file, fsync, then rename.
	tmp := fmt.Sprintf("%s.tmp.%d", c.path, time.Now().UnixNano())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating temp catalog: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing catalog: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing catalog: %w", err)
	}
	f.Close()

	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming catalog: %w", err)
	}
	return nil
}
