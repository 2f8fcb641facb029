package tftp

import (
	"context"
	"net"

	"github.com/sirupsen/logrus"
)

// ServerConfig controls the filesystem root and option-negotiation
// policy a Server applies to every incoming request.
type ServerConfig struct {
	Root    string
	Limits  ServerLimits
	Log     *logrus.Entry
	Metrics *Metrics
}

// Server accepts RRQ/WRQ requests on a single UDP socket and spawns a
// fresh ephemeral-port session for each one, exactly as RFC 1350's TID
// rule requires.
type Server struct {
	cfg  ServerConfig
	conn net.PacketConn
}

// NewServer binds addr ("host:port", or ":0" for an ephemeral port) and
// returns a Server ready to Run.
func NewServer(addr string, cfg ServerConfig) (*Server, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, WrapIO(err)
	}
	if cfg.Log == nil {
		cfg.Log = NewLogger("server")
	}
	return &Server{cfg: cfg, conn: conn}, nil
}

// Addr is the address the server's main socket is bound to.
func (s *Server) Addr() net.Addr { return s.conn.LocalAddr() }

// Close releases the main listening socket, causing Run to return.
func (s *Server) Close() error { return s.conn.Close() }

// Run accepts requests until ctx is cancelled or the main socket is
// closed. Each accepted request is serviced on its own goroutine and its
// own ephemeral-port socket.
func (s *Server) Run(ctx context.Context) error {
	stop := closeOnCancel(ctx, s.conn)
	defer stop()

	buf := make([]byte, maxDatagram)
	for {
		n, raddr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return WrapIO(err)
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		go s.handle(pkt, raddr)
	}
}

func (s *Server) handle(pkt []byte, raddr net.Addr) {
	req, err := ParseRequest(pkt)
	if err != nil {
		s.cfg.Log.WithError(err).WithField("peer", raddr).Warn("malformed request")
		return
	}

	log := s.cfg.Log.WithFields(logrus.Fields{
		"op":   opName(req.Op),
		"file": req.Filename,
		"peer": raddr,
	})

	path, perr := ResolveUnderRoot(s.cfg.Root, req.Filename)
	if perr != nil {
		log.WithError(perr).Warn("rejected request")
		s.replyError(raddr, perr)
		return
	}

	conn, cerr := net.ListenPacket("udp", ":0")
	if cerr != nil {
		log.WithError(cerr).Error("failed to open per-transfer socket")
		return
	}
	defer conn.Close()

	counters := s.cfg.Metrics.ForSession(opName(req.Op))
	sess := NewSession(conn, raddr, log, counters)

	var serr error
	switch req.Op {
	case OpRRQ:
		f, ferr := openRead(path)
		if ferr != nil {
			serr = ferr
			sess.notifyError(serr)
			break
		}
		defer f.Close()
		sess.BindReader(f, req.Mode)
		serr = RunServerTransfer(sess, req, s.cfg.Limits)
	case OpWRQ:
		f, ferr := openWrite(path)
		if ferr != nil {
			serr = ferr
			sess.notifyError(serr)
			break
		}
		defer f.Close()
		sess.BindWriter(f, req.Mode)
		serr = RunServerTransfer(sess, req, s.cfg.Limits)
	default:
		serr = ErrInvalidOpCode
	}

	if counters != nil {
		if serr != nil {
			counters.Done("error")
		} else {
			counters.Done("ok")
		}
	}
	if serr != nil {
		log.WithError(serr).Warn("transfer failed")
	} else {
		log.Info("transfer complete")
	}
}

func (s *Server) replyError(raddr net.Addr, err error) {
	te, ok := AsError(err)
	if !ok {
		te = wrapErr(KindNotDefined, err)
	}
	if _, werr := s.conn.WriteTo(SerializeErrorPacket(te.Code(), te.Error()), raddr); werr != nil {
		s.cfg.Log.WithError(werr).Warn("failed to send rejection ERROR packet")
	}
}

func opName(op uint16) string {
	if op == OpRRQ {
		return "RRQ"
	}
	return "WRQ"
}
