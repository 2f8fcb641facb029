// Command tftpd is a TFTP server rooted at a single directory.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/eahydra/tftp/internal/tftp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func main() {
	var (
		addr          string
		root          string
		maxBlkSize    uint16
		maxWindowSize uint16
		allowTimeout  bool
		allowTSize    bool
		metricsAddr   string
	)

	cmd := &cobra.Command{
		Use:   "tftpd",
		Short: "TFTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if fi, err := os.Stat(root); err != nil {
				return err
			} else if !fi.IsDir() {
				return fmt.Errorf("root %q is not a directory", root)
			}
			log := tftp.NewLogger("server")

			var metrics *tftp.Metrics
			if metricsAddr != "" {
				metrics = tftp.NewMetrics()
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
				go func() {
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						log.WithError(err).Error("metrics listener exited")
					}
				}()
				log.WithField("addr", metricsAddr).Info("serving metrics")
			}

			srv, err := tftp.NewServer(addr, tftp.ServerConfig{
				Root: root,
				Limits: tftp.ServerLimits{
					MaxBlkSize:    maxBlkSize,
					MaxWindowSize: maxWindowSize,
					AllowTimeout:  allowTimeout,
					AllowTSize:    allowTSize,
				},
				Log:     log,
				Metrics: metrics,
			})
			if err != nil {
				return err
			}
			defer srv.Close()

			log.WithField("addr", srv.Addr()).Info("serving")
			return srv.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":69", "listen address, host:port")
	cmd.Flags().StringVar(&root, "root", ".", "directory served to clients")
	cmd.Flags().Uint16Var(&maxBlkSize, "max-blksize", tftp.DefaultBlkSize, "largest blksize the server will accept")
	cmd.Flags().Uint16Var(&maxWindowSize, "max-windowsize", tftp.DefaultWindowSize, "largest windowsize the server will accept")
	cmd.Flags().BoolVar(&allowTimeout, "timeout", false, "allow clients to negotiate the ack timeout")
	cmd.Flags().BoolVar(&allowTSize, "tsize", false, "allow clients to negotiate tsize")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
