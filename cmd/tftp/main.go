// Command tftp is a TFTP client: get downloads a remote file, put
// uploads a local one.
package main

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/eahydra/tftp/internal/tftp"
	"github.com/spf13/cobra"
)

func main() {
	var (
		port       uint16
		mode       string
		blksize    uint16
		timeout    uint16
		tsize      bool
		windowsize uint16
	)

	cmd := &cobra.Command{
		Use:   "tftp <HOST> <REMOTE> <LOCAL> (get|put)",
		Short: "TFTP client",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, remote, local, op := args[0], args[1], args[2], args[3]
			if op != "get" && op != "put" {
				return fmt.Errorf("last argument must be %q or %q, got %q", "get", "put", op)
			}

			cfg := tftp.ClientConfig{Mode: mode}
			if blksize != 0 {
				v := blksize
				cfg.BlkSize = &v
			}
			if timeout != 0 {
				v := timeout
				cfg.Timeout = &v
			}
			if windowsize != 0 {
				v := windowsize
				cfg.WindowSize = &v
			}

			addr := net.JoinHostPort(host, strconv.Itoa(int(port)))

			if op == "get" {
				f, err := os.OpenFile(local, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
				if err != nil {
					return err
				}
				defer f.Close()
				if tsize {
					v := tftp.DefaultTSize
					cfg.TSize = &v
				}
				return tftp.NewClient(addr, cfg).Get(cmd.Context(), remote, f)
			}

			f, err := os.OpenFile(local, os.O_RDONLY, 0)
			if err != nil {
				return err
			}
			defer f.Close()
			if tsize {
				if info, statErr := f.Stat(); statErr == nil {
					v := info.Size()
					cfg.TSize = &v
				}
			}
			return tftp.NewClient(addr, cfg).Put(cmd.Context(), remote, f)
		},
	}

	cmd.Flags().Uint16VarP(&port, "port", "p", 69, "server port")
	cmd.Flags().StringVarP(&mode, "mode", "m", tftp.ModeNetascii, "transfer mode: netascii or octet")
	cmd.Flags().Uint16VarP(&blksize, "blksize", "b", 0, "requested block size (0 = server default)")
	cmd.Flags().Uint16VarP(&timeout, "timeout", "t", 0, "requested per-ack timeout in seconds (0 = server default)")
	cmd.Flags().BoolVar(&tsize, "tsize", false, "negotiate tsize")
	cmd.Flags().Uint16VarP(&windowsize, "windowsize", "w", 0, "requested sliding-window size (0 = server default)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
