package verbs

import (
	"os"
	"sort"

	"github.com/Mellanox/rdmamap"
)

// ListDeviceNames returns the names of RDMA devices visible on this host,
// preferring rdmamap's sysfs-backed enumeration and falling back to a
// direct scan of /sys/class/infiniband if rdmamap finds nothing (e.g. in
// a container without /sys/class/infiniband populated the way rdmamap
// expects).
func ListDeviceNames() []string {
	if names := rdmamap.GetRdmaDeviceList(); len(names) > 0 {
		return names
	}
	return scanSysfsInfiniband()
}

func scanSysfsInfiniband() []string {
	entries, err := os.ReadDir("/sys/class/infiniband")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}
