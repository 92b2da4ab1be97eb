// Command ip2socksd runs the SOCKS5 tunneling gateway standalone: it reads
// raw IPv4 packets from a file descriptor (a TUN device, or any fd that
// already carries a packet stream), feeds them into the userspace stack,
// and writes the stack's replies back out the same fd.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "ip2socksd",
		Short:   "Transparent SOCKS5 tunneling gateway",
		Version: Version,
		Long: `ip2socksd terminates TCP and UDP flows carried over a TUN-like
file descriptor in a userspace IP stack and relays their payloads through a
SOCKS5 proxy, with split DNS routing by domain suffix.`,
	}

	root.AddCommand(runCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	}
}
