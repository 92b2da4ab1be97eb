package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/tunbridge/ip2socks/internal/gwconfig"
	"github.com/tunbridge/ip2socks/internal/netgw"
	"github.com/tunbridge/ip2socks/internal/xlog"
)

func runCmd() *cobra.Command {
	var (
		configPath string
		tunFD      int
		mtu        int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := gwconfig.Default()
			if configPath != "" {
				loaded, err := gwconfig.Load(configPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = loaded
			}
			xlog.SetLevel(xlog.ParseLevel(cfg.LogLevel))
			xlog.I("ip2socksd: starting with config %+v", cfg.Redacted())

			return serve(cmd.Context(), cfg, tunFD, uint32(mtu))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file (defaults built in if omitted)")
	cmd.Flags().IntVar(&tunFD, "tun-fd", -1, "file descriptor of an already-open TUN device to read/write IPv4 packets on")
	cmd.Flags().IntVar(&mtu, "mtu", 1500, "MTU of the tunnel interface")
	cmd.MarkFlagRequired("tun-fd") //nolint:errcheck // cobra reports this at parse time

	return cmd
}

// serve owns the gateway's lifetime: it builds the userspace stack, pumps
// packets between the duplicated tun fd and the stack, and blocks until
// ctx is canceled or a termination signal arrives.
func serve(parent context.Context, cfg *gwconfig.Config, tunFD int, mtu uint32) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// the gateway owns its own duplicate so it may close it on teardown
	// without affecting the fd the caller (or shell redirection) handed
	// us, mirroring firestack's tunnel.dup/Tunnel ownership contract.
	dupFD, err := unix.Dup(tunFD)
	if err != nil {
		return fmt.Errorf("dup tun fd %d: %w", tunFD, err)
	}
	tun := os.NewFile(uintptr(dupFD), "tun")
	defer tun.Close()

	gw, err := netgw.New(cfg, mtu)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	defer gw.Close()

	errc := make(chan error, 2)
	go pumpInbound(ctx, tun, gw, mtu, errc)
	go pumpOutbound(ctx, tun, gw, errc)

	select {
	case <-ctx.Done():
		xlog.I("ip2socksd: shutting down")
		return nil
	case err := <-errc:
		return err
	}
}

// pumpInbound reads raw IPv4 packets off the tun file and hands them to
// the stack, the out-of-scope "IP packet ingress driver" boundary spec.md
// §1 names as an external collaborator.
func pumpInbound(ctx context.Context, tun *os.File, gw *netgw.Gateway, mtu uint32, errc chan<- error) {
	buf := make([]byte, mtu)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := tun.Read(buf)
		if err != nil {
			select {
			case errc <- fmt.Errorf("tun read: %w", err):
			default:
			}
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		gw.InjectInbound(pkt)
	}
}

// pumpOutbound writes packets the stack produces back to the tun file.
func pumpOutbound(ctx context.Context, tun *os.File, gw *netgw.Gateway, errc chan<- error) {
	for pkt := range gw.Outbound() {
		if ctx.Err() != nil {
			return
		}
		if _, err := tun.Write(pkt); err != nil {
			select {
			case errc <- fmt.Errorf("tun write: %w", err):
			default:
			}
			return
		}
	}
}
