package tftp

import (
	"context"
	"net"

	"github.com/sirupsen/logrus"
)

// ClientConfig controls the options a Client offers on every request it
// issues. Zero-value fields are omitted from the request, letting the
// server apply its own defaults.
type ClientConfig struct {
	BlkSize    *uint16
	Timeout    *uint16
	WindowSize *uint16
	TSize      *int64
	Mode       string // ModeNetascii or ModeOctet; ModeOctet if empty
	Log        *logrus.Entry
	Metrics    *Metrics
}

// Client issues RRQ/WRQ requests against a single TFTP server address.
type Client struct {
	addr string
	cfg  ClientConfig
}

// NewClient returns a Client that talks to addr ("host:port").
func NewClient(addr string, cfg ClientConfig) *Client {
	if cfg.Mode == "" {
		cfg.Mode = ModeOctet
	}
	return &Client{addr: addr, cfg: cfg}
}

func (c *Client) options() Options {
	return Options{BlkSize: c.cfg.BlkSize, Timeout: c.cfg.Timeout, WindowSize: c.cfg.WindowSize, TSize: c.cfg.TSize}
}

func (c *Client) logger() *logrus.Entry {
	if c.cfg.Log != nil {
		return c.cfg.Log
	}
	return NewLogger("client")
}

// Get issues an RRQ for filename and streams the transfer into w. ctx
// cancellation aborts the transfer by closing the underlying socket.
func (c *Client) Get(ctx context.Context, filename string, w WriteSeeker) error {
	log := c.logger().WithFields(logrus.Fields{"op": "RRQ", "file": filename, "server": c.addr})
	log.Info("starting transfer")

	raddr, err := net.ResolveUDPAddr("udp", c.addr)
	if err != nil {
		return WrapAddr(err)
	}
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return WrapIO(err)
	}
	defer conn.Close()
	stop := closeOnCancel(ctx, conn)
	defer stop()

	counters := c.cfg.Metrics.ForSession("RRQ")

	s := NewSession(conn, raddr, log, counters)
	s.BindWriter(w, c.cfg.Mode)

	req := &Request{Op: OpRRQ, Filename: filename, Mode: c.cfg.Mode, Options: c.options()}
	err = RunClientTransfer(s, req)
	if counters != nil {
		if err != nil {
			counters.Done("error")
		} else {
			counters.Done("ok")
		}
	}

	if err != nil {
		if ctx.Err() != nil {
			log.WithError(ctx.Err()).Warn("transfer cancelled")
			return ctx.Err()
		}
		log.WithError(err).Warn("transfer failed")
		return err
	}
	log.Info("transfer complete")
	return nil
}

// Put issues a WRQ for filename and streams r's contents to the server.
// ctx cancellation aborts the transfer by closing the underlying socket.
func (c *Client) Put(ctx context.Context, filename string, r ReadSeeker) error {
	log := c.logger().WithFields(logrus.Fields{"op": "WRQ", "file": filename, "server": c.addr})
	log.Info("starting transfer")

	raddr, err := net.ResolveUDPAddr("udp", c.addr)
	if err != nil {
		return WrapAddr(err)
	}
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return WrapIO(err)
	}
	defer conn.Close()
	stop := closeOnCancel(ctx, conn)
	defer stop()

	counters := c.cfg.Metrics.ForSession("WRQ")

	s := NewSession(conn, raddr, log, counters)
	s.BindReader(r, c.cfg.Mode)

	req := &Request{Op: OpWRQ, Filename: filename, Mode: c.cfg.Mode, Options: c.options()}
	err = RunClientTransfer(s, req)
	if counters != nil {
		if err != nil {
			counters.Done("error")
		} else {
			counters.Done("ok")
		}
	}

	if err != nil {
		if ctx.Err() != nil {
			log.WithError(ctx.Err()).Warn("transfer cancelled")
			return ctx.Err()
		}
		log.WithError(err).Warn("transfer failed")
		return err
	}
	log.Info("transfer complete")
	return nil
}
