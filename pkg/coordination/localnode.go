package coordination

import (
	"os"
	"runtime"
	"strconv"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"clusterd/pkg/cluster"
	"clusterd/pkg/logger"
)

// LocalNode describes this process as a cluster member. An empty id is
// replaced by "<hostname>-<random>", an empty name by the hostname.
func LocalNode(id, name, address string) cluster.DiscoveryNode {
	hostname, _ := os.Hostname()
	if id == "" {
		id = hostname + "-" + uuid.NewString()[:8]
	}
	if name == "" {
		name = hostname
	}
	return cluster.DiscoveryNode{
		ID:         id,
		Name:       name,
		Address:    address,
		Attributes: nodeAttributes(hostname),
	}
}

func nodeAttributes(hostname string) map[string]string {
	attrs := map[string]string{
		"hostname": hostname,
		"cpus":     strconv.Itoa(runtime.NumCPU()),
		"os":       runtime.GOOS,
		"arch":     runtime.GOARCH,
	}
	v, err := mem.VirtualMemory()
	if err != nil {
		logger.Named("membership").Warn("Failed to detect memory", zap.Error(err))
		return attrs
	}
	attrs["memory_mb"] = strconv.FormatUint(v.Total/1024/1024, 10)
	return attrs
}
