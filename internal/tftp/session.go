package tftp

import (
	"context"
	"io"
	"net"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// closeOnCancel closes conn as soon as ctx is done, unblocking whatever
// ReadFrom/WriteTo call is currently in flight so a cancelled transfer
// does not hang until its next protocol timeout. The returned stop func
// must be called once the transfer finishes normally, to release the
// watcher goroutine without closing conn itself.
func closeOnCancel(ctx context.Context, conn net.PacketConn) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// maxRetransmits is the number of DATA/ACK retransmissions attempted after
// the first send before a session gives up with KindTimedout.
const maxRetransmits = 10

// maxIORetries and ioRetryDelay bound the transient-socket-error retry
// policy applied underneath every read/write: a burst of EAGAIN/ECONNRESET
// is retried a handful of times before being surfaced as fatal.
const (
	maxIORetries = 10
	ioRetryDelay = 10 * time.Millisecond
)

// maxDatagram is large enough to hold the largest negotiable DATA packet
// (HeaderLen + MaxBlkSize) with room to spare.
const maxDatagram = HeaderLen + int(MaxBlkSize) + 64

// AddBlock returns n advanced by k block numbers, wrapping at 2^16 the way
// the wire format does.
func AddBlock(n, k uint16) uint16 { return n + k }

// InWindow reports whether candidate lies in the half-open interval
// (ack, ack+w] under 16-bit wraparound arithmetic — i.e. candidate is one
// of the w blocks the sender most recently emitted.
func InWindow(candidate, ack, w uint16) bool {
	if w == 0 {
		return false
	}
	diff := candidate - ack
	return diff >= 1 && diff <= w
}

// classifyBlock compares an incoming block number against the next one
// expected, returning -1 if b is older (a duplicate retransmit), 0 if it
// is exactly the expected block, and 1 if it is from further ahead than
// expected. The comparison treats the 16-bit space as split into two
// half-spaces around expect, which is exact as long as no single gap ever
// spans more than 32768 blocks — true of any window this package
// negotiates.
func classifyBlock(b, expect uint16) int {
	diff := b - expect
	if diff == 0 {
		return 0
	}
	if diff < 0x8000 {
		return 1
	}
	return -1
}

// FileBlock records one DATA payload a sender has emitted but not yet seen
// acknowledged: enough to replay it verbatim on a timeout, and enough to
// resume production of the block that would follow it.
type FileBlock struct {
	Blocknum     uint16
	Data         []byte
	ReaderPos    int64
	ReaderPosLen int
	Carry        Carry
	NextCarry    Carry
}

// Session drives one RRQ/WRQ transfer to completion over a single
// TID-bound UDP socket. A Session is single-use: construct one per
// transfer, bind a reader or a writer to it, negotiate, then run
// sendFile or recvFile.
type Session struct {
	conn       net.PacketConn
	remoteAddr net.Addr
	options    Options

	netReader *NetasciiReader
	octReader *OctetReader
	netWriter *NetasciiWriter
	octWriter *OctetWriter

	blocknumAck uint16
	rollovers   uint32
	sentBlocks  []FileBlock
	windowCount uint16

	log     *logrus.Entry
	metrics *SessionCounters
}

// NewSession constructs a Session bound to conn, addressing remoteAddr.
// log and metrics may be nil.
func NewSession(conn net.PacketConn, remoteAddr net.Addr, log *logrus.Entry, metrics *SessionCounters) *Session {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Session{conn: conn, remoteAddr: remoteAddr, log: log, metrics: metrics}
}

// RemoteAddr is the peer address the session currently addresses packets
// to — updated once, at negotiation, to the TID the peer actually replies
// from.
func (s *Session) RemoteAddr() net.Addr { return s.remoteAddr }

// Options is the negotiated option set in effect for this session.
func (s *Session) Options() Options { return s.options }

// BindReader attaches r as the source this session reads DATA payloads
// from, translating per mode.
func (s *Session) BindReader(r ReadSeeker, mode string) {
	if mode == ModeNetascii {
		s.netReader = NewNetasciiReader(r, runtime.GOOS == "windows")
		return
	}
	s.octReader = NewOctetReader(r)
}

// BindWriter attaches w as the sink this session writes DATA payloads
// into, translating per mode.
func (s *Session) BindWriter(w WriteSeeker, mode string) {
	if mode == ModeNetascii {
		s.netWriter = NewNetasciiWriter(w, runtime.GOOS == "windows")
		return
	}
	s.octWriter = NewOctetWriter(w)
}

func (s *Session) readBlock(pos int64, carry Carry) (data []byte, consumed int, newCarry Carry, err error) {
	blksize := int(s.options.BlkSizeOrDefault())
	if s.netReader != nil {
		return s.netReader.ReadBlock(pos, carry, blksize)
	}
	data, err = s.octReader.ReadBlock(pos, blksize)
	return data, len(data), carry, err
}

func (s *Session) writeBlock(payload []byte) error {
	if s.netWriter != nil {
		_, err := s.netWriter.Write(payload)
		return err
	}
	_, err := s.octWriter.Write(payload)
	return err
}

// setAck records blocknum as the highest block now acknowledged,
// incrementing the rollover counter whenever the 16-bit space wraps from
// 0xFFFF back to 0.
func (s *Session) setAck(blocknum uint16) {
	if blocknum < s.blocknumAck {
		s.rollovers++
	}
	s.blocknumAck = blocknum
}

// send writes b to remoteAddr, retrying transient socket errors up to
// maxIORetries times.
func (s *Session) send(b []byte) error {
	var lastErr error
	for attempt := 0; attempt <= maxIORetries; attempt++ {
		if attempt > 0 {
			time.Sleep(ioRetryDelay)
		}
		if _, err := s.conn.WriteTo(b, s.remoteAddr); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return WrapIO(lastErr)
}

// recvRaw reads one datagram with the given deadline (0 means no
// deadline), retrying transient socket errors up to maxIORetries times. A
// deadline expiry is returned unwrapped (satisfying net.Error.Timeout())
// so callers can distinguish it from a transient failure.
func (s *Session) recvRaw(timeout time.Duration) ([]byte, net.Addr, error) {
	buf := make([]byte, maxDatagram)
	var lastErr error
	for attempt := 0; attempt <= maxIORetries; attempt++ {
		if timeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
				return nil, nil, WrapIO(err)
			}
		}
		n, addr, err := s.conn.ReadFrom(buf)
		if err == nil {
			return buf[:n], addr, nil
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil, ne
		}
		lastErr = err
		time.Sleep(ioRetryDelay)
	}
	return nil, nil, WrapIO(lastErr)
}

func errKindForCode(code ErrorCode) Kind {
	switch code {
	case CodeFileNotFound:
		return KindFileNotFound
	case CodeAccessViolation:
		return KindAccessViolation
	case CodeDiskFull:
		return KindDiskFull
	case CodeIllegalTftpOp:
		return KindInvalidOpCode
	case CodeUnknownTID:
		return KindUnknownTID
	case CodeFileAlreadyExists:
		return KindFileAlreadyExists
	case CodeOptionNotSupport:
		return KindOptionNotSupport
	default:
		return KindNotDefined
	}
}

// rejectForeignTID tells a sender outside this transfer's negotiated TID
// that it is not a party to this session, per RFC 1350 §4. It does not
// disturb the session's own retry/timeout bookkeeping.
func (s *Session) rejectForeignTID(addr net.Addr) {
	pkt := SerializeErrorPacket(CodeUnknownTID, "unknown transfer ID")
	if _, err := s.conn.WriteTo(pkt, addr); err != nil {
		s.log.WithError(err).Debug("failed to notify foreign sender of unknown TID")
	}
}

func peerError(buf []byte) error {
	code, msg, err := ParseError(buf[2:])
	if err != nil {
		return err
	}
	return &Error{Kind: errKindForCode(ErrorCode(code)), Err: errString(msg)}
}

// emitWindow sends the sliding window of DATA packets starting just past
// the last acknowledged block. When retransmit is true it instead replays
// the packets already recorded in sentBlocks verbatim, without reading
// any further source data.
func (s *Session) emitWindow(retransmit bool) error {
	if retransmit {
		for _, fb := range s.sentBlocks {
			if err := s.send(SerializeData(fb.Blocknum, fb.Data)); err != nil {
				return err
			}
		}
		s.log.WithField("blocks", len(s.sentBlocks)).Debug("retransmitted window")
		return nil
	}

	var pos int64
	var carry Carry
	if n := len(s.sentBlocks); n > 0 {
		last := s.sentBlocks[n-1]
		pos = last.ReaderPos + int64(last.ReaderPosLen)
		carry = last.NextCarry
	}
	s.sentBlocks = s.sentBlocks[:0]

	w := s.options.WindowSizeOrDefault()
	blksize := int(s.options.BlkSizeOrDefault())
	next := s.blocknumAck
	for i := uint16(0); i < w; i++ {
		next = AddBlock(next, 1)
		data, consumed, newCarry, err := s.readBlock(pos, carry)
		if err != nil && err != io.EOF {
			return err
		}
		if err := s.send(SerializeData(next, data)); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.BytesSent(len(data))
		}
		s.sentBlocks = append(s.sentBlocks, FileBlock{
			Blocknum:     next,
			Data:         data,
			ReaderPos:    pos,
			ReaderPosLen: consumed,
			Carry:        carry,
			NextCarry:    newCarry,
		})
		pos += int64(consumed)
		carry = newCarry
		if len(data) < blksize {
			break
		}
	}
	return nil
}

// awaitWindowAck blocks for the ACK that advances the current window,
// retransmitting the whole window on each timeout up to maxRetransmits
// times. It returns done=true once the final (short) block of the
// transfer has been acknowledged.
func (s *Session) awaitWindowAck() (done bool, err error) {
	timeout := time.Duration(s.options.TimeoutOrDefault()) * time.Second
	blksize := int(s.options.BlkSizeOrDefault())
	retries := 0
	for {
		buf, addr, rerr := s.recvRaw(timeout)
		if rerr != nil {
			if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				retries++
				if retries > maxRetransmits {
					return false, ErrTimedout
				}
				s.log.Warn("ack timeout, retransmitting window")
				if s.metrics != nil {
					s.metrics.Retransmit()
				}
				if err := s.emitWindow(true); err != nil {
					return false, err
				}
				continue
			}
			return false, rerr
		}
		if addr.String() != s.remoteAddr.String() {
			s.rejectForeignTID(addr)
			continue
		}

		op, perr := ParseOpcode(buf)
		if perr != nil {
			continue
		}
		if op == OpERROR {
			return false, peerError(buf)
		}
		if op != OpACK {
			return false, ErrInvalidOpCode
		}
		blocknum, perr := ParseBlockNum(buf[2:])
		if perr != nil {
			continue
		}

		w := uint16(len(s.sentBlocks))
		if w == 0 || !InWindow(blocknum, s.blocknumAck, w) {
			continue
		}

		last := s.sentBlocks[len(s.sentBlocks)-1]
		if blocknum == last.Blocknum {
			s.setAck(blocknum)
			if len(last.Data) < blksize {
				return true, nil
			}
			// sentBlocks is kept: the next emitWindow resumes reading from
			// the end of its last entry.
			return false, nil
		}

		idx := -1
		for i, fb := range s.sentBlocks {
			if fb.Blocknum == blocknum {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		s.setAck(blocknum)
		s.sentBlocks = s.sentBlocks[idx+1:]
		if err := s.emitWindow(true); err != nil {
			return false, err
		}
	}
}

// sendFile drives the sending side of a transfer (RRQ server, WRQ
// client) to completion: emit a window, await its ack, repeat until the
// final short block is acknowledged.
func (s *Session) sendFile() error {
	for {
		if err := s.emitWindow(false); err != nil {
			return err
		}
		done, err := s.awaitWindowAck()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// resendLastAck re-sends the ACK for the highest block accepted so far,
// used on receive-side timeouts to nudge a sender that never saw it.
func (s *Session) resendLastAck() error {
	return s.send(SerializeAck(s.blocknumAck))
}

// recvFile drives the receiving side of a transfer (WRQ server, RRQ
// client) to completion. pending, if non-nil, is a DATA packet already
// read off the wire (the server's default-options reply to an RRQ, or
// the first datagram a client's negotiation step received) that should
// be processed before reading any further datagrams.
func (s *Session) recvFile(pending []byte) error {
	buf := pending
	timeout := time.Duration(s.options.TimeoutOrDefault()) * time.Second
	blksize := int(s.options.BlkSizeOrDefault())
	windowSize := s.options.WindowSizeOrDefault()
	retries := 0

	for {
		if buf == nil {
			nb, addr, rerr := s.recvRaw(timeout)
			if rerr != nil {
				if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
					retries++
					if retries > maxRetransmits {
						return ErrTimedout
					}
					s.log.Warn("data timeout, resending last ack")
					if s.metrics != nil {
						s.metrics.Retransmit()
					}
					if err := s.resendLastAck(); err != nil {
						return err
					}
					continue
				}
				return rerr
			}
			if addr.String() != s.remoteAddr.String() {
				s.rejectForeignTID(addr)
				continue
			}
			retries = 0
			buf = nb
		}

		op, perr := ParseOpcode(buf)
		if perr != nil {
			return perr
		}
		if op == OpERROR {
			return peerError(buf)
		}
		if op != OpDATA {
			return ErrInvalidOpCode
		}
		blocknum, perr := ParseBlockNum(buf[2:])
		if perr != nil {
			return perr
		}
		payload := buf[4:]
		expect := AddBlock(s.blocknumAck, 1)

		switch classifyBlock(blocknum, expect) {
		case -1:
			buf = nil
			continue
		case 1:
			if err := s.send(SerializeAck(s.blocknumAck)); err != nil {
				return err
			}
			s.windowCount = 0
			buf = nil
			continue
		}

		if err := s.writeBlock(payload); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.BytesReceived(len(payload))
		}
		s.setAck(blocknum)
		s.windowCount++

		if len(payload) < blksize {
			if err := s.send(SerializeAck(blocknum)); err != nil {
				return err
			}
			return nil
		}
		if s.windowCount >= windowSize {
			if err := s.send(SerializeAck(blocknum)); err != nil {
				return err
			}
			s.windowCount = 0
		}
		buf = nil
	}
}

// clientNegotiate sends req and processes the first reply, rebinding
// remoteAddr to the TID the peer actually answers from. The negotiated
// options are left in s.options (all defaults when the peer declined
// them). If the reply is a DATA packet
// (a server that declined options and jumped straight to the transfer),
// that datagram is returned for the caller to hand to recvFile as its
// pending argument.
func (s *Session) clientNegotiate(req *Request) (pendingData []byte, err error) {
	s.options = req.Options
	if err := s.send(SerializeRequest(req)); err != nil {
		return nil, err
	}

	timeout := time.Duration(s.options.TimeoutOrDefault()) * time.Second
	retries := 0
	for {
		buf, addr, rerr := s.recvRaw(timeout)
		if rerr != nil {
			if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				retries++
				if retries > maxRetransmits {
					return nil, ErrTimedout
				}
				if err := s.send(SerializeRequest(req)); err != nil {
					return nil, err
				}
				continue
			}
			return nil, rerr
		}
		s.remoteAddr = addr

		op, perr := ParseOpcode(buf)
		if perr != nil {
			return nil, perr
		}
		switch op {
		case OpOACK:
			opts, derr := DecodeOptions(buf[2:])
			if derr != nil {
				return nil, derr
			}
			s.options = opts
			if req.Op == OpRRQ {
				if err := s.send(SerializeAck(0)); err != nil {
					return nil, err
				}
			}
			return nil, nil
		case OpDATA:
			if req.Op != OpRRQ {
				return nil, ErrInvalidOpCode
			}
			s.options = Options{}
			return buf, nil
		case OpACK:
			if req.Op != OpWRQ {
				return nil, ErrInvalidOpCode
			}
			blocknum, perr := ParseBlockNum(buf[2:])
			if perr != nil {
				return nil, perr
			}
			if blocknum != 0 {
				return nil, ErrInvalidOpCode
			}
			s.options = Options{}
			return nil, nil
		case OpERROR:
			return nil, peerError(buf)
		default:
			return nil, ErrInvalidOpCode
		}
	}
}

// awaitOackAck blocks for the ACK(0) a client sends in reply to an OACK,
// retransmitting the OACK itself on each timeout. Used only on the RRQ
// server side: the WRQ side instead waits for the first DATA packet,
// which recvFile already handles.
func (s *Session) awaitOackAck() error {
	timeout := time.Duration(s.options.TimeoutOrDefault()) * time.Second
	oackBytes := SerializeOack(s.options)
	retries := 0
	for {
		buf, addr, rerr := s.recvRaw(timeout)
		if rerr != nil {
			if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				retries++
				if retries > maxRetransmits {
					return ErrTimedout
				}
				if err := s.send(oackBytes); err != nil {
					return err
				}
				continue
			}
			return rerr
		}
		if addr.String() != s.remoteAddr.String() {
			s.rejectForeignTID(addr)
			continue
		}

		op, perr := ParseOpcode(buf)
		if perr != nil {
			continue
		}
		if op == OpERROR {
			return peerError(buf)
		}
		if op != OpACK {
			continue
		}
		blocknum, perr := ParseBlockNum(buf[2:])
		if perr != nil || blocknum != 0 {
			continue
		}
		return nil
	}
}

// serverNegotiate applies req's options against limits and replies
// accordingly. For a WRQ whose options were all dropped it also sends
// the bare ACK(0) that lets the client start streaming DATA. For an RRQ
// that kept at least one option it blocks until the client's ACK(0)
// arrives, per the protocol's OACK handshake. Callers then invoke
// sendFile (RRQ) or recvFile(nil) (WRQ) to run the transfer proper.
func (s *Session) serverNegotiate(req *Request, limits ServerLimits) error {
	kept := ClampOptions(req.Options, limits)
	s.options = kept

	if kept.HasOption() {
		if err := s.send(SerializeOack(kept)); err != nil {
			return err
		}
		if req.Op == OpRRQ {
			return s.awaitOackAck()
		}
		return nil
	}

	if req.Op == OpWRQ {
		return s.send(SerializeAck(0))
	}
	return nil
}
