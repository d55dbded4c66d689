package serversets

import (
	"fmt"
	"path"
	"strings"

	"github.com/samuel/go-zookeeper/zk"

	"github.com/thinker0/go.zkdiscovery/pkg/zkconn"
)

// BaseDirectory is the default group path all members register under.
// This path must begin with '/'
var BaseDirectory = "/elasticsearch"

// nodeNameReplacer strips the characters zookeeper paths and the peer list
// format do not tolerate in a member id.
var nodeNameReplacer = strings.NewReplacer(",", "", ".", "", " ", "", "'", "", "|", "")

// SanitizeNodeName turns a human readable node name into a member id.
func SanitizeNodeName(name string) string {
	return strings.TrimSpace(nodeNameReplacer.Replace(name))
}

// JoinPath returns the path of child id under group.
func JoinPath(group, id string) string {
	if strings.HasSuffix(group, "/") {
		return group + id
	}
	return group + "/" + id
}

func splitPaths(fullPath string) []string {
	var parts []string

	var last string
	for fullPath != "/" {
		fullPath, last = path.Split(path.Clean(fullPath))
		parts = append(parts, last)
	}

	// parts are in reverse order, put back together
	// into set of subdirectory paths
	result := make([]string, 0, len(parts))
	base := ""
	for i := len(parts) - 1; i >= 0; i-- {
		base += "/" + parts[i]
		result = append(result, base)
	}

	return result
}

// CreateFullPath makes sure all the znodes are created for the group path.
// NodeSets do not create their group, run this once when setting up a cluster.
func CreateFullPath(conn zkconn.Conn, full string) error {
	if !strings.HasPrefix(full, "/") {
		return fmt.Errorf("group path %q must begin with '/'", full)
	}

	for _, key := range splitPaths(full) {
		_, err := conn.Create(key, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && err != zk.ErrNodeExists {
			return fmt.Errorf("failed to create %s for node %s, %w", full, key, err)
		}
	}

	return nil
}
