package commands

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatmesh/chatmesh/internal/cli/output"
	"github.com/chatmesh/chatmesh/pkg/config"
	"github.com/chatmesh/chatmesh/pkg/wire"
)

var statusTimeout time.Duration

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cluster status",
	Long: `Probe every replica in the cluster table and report which are alive
and which one is serving as primary.

Examples:
  # Probe the cluster from the default config
  chatmesh status

  # Probe with a shorter timeout
  chatmesh status --timeout 500ms`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 2*time.Second, "Per-replica probe timeout")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	set, err := cfg.ReplicaSet()
	if err != nil {
		return err
	}

	table := output.NewTableData("NAME", "ADDRESS", "STATE", "ROLE")
	alive := 0
	for _, replica := range set.Replicas() {
		state, role := "dead", ""
		if up, primary := probeReplica(replica.ClientAddr()); up {
			alive++
			state = "alive"
			role = "backup"
			if primary {
				role = "primary"
			}
		}
		table.AddRow(replica.Name, replica.ClientAddr(), state, role)
	}
	table.Render(os.Stdout)
	fmt.Printf("\n%d/%d replicas alive\n", alive, set.Size())
	return nil
}

// probeReplica connects to a replica's client endpoint and reads the
// greeting: reachable replicas always answer, and the greeting's success
// flag identifies the primary.
func probeReplica(addr string) (up, primary bool) {
	conn, err := net.DialTimeout("tcp", addr, statusTimeout)
	if err != nil {
		return false, false
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(statusTimeout))

	resp, err := wire.NewReader(conn).ReadResponse()
	if err != nil {
		return false, false
	}
	return true, resp.Success
}
