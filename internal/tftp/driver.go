package tftp

// RunClientTransfer drives one client-initiated transfer end to end:
// negotiation followed by the sending or receiving state machine,
// selected by req.Op. The reader/writer s is bound to must already be
// attached via BindReader/BindWriter before this is called.
func RunClientTransfer(s *Session, req *Request) error {
	pending, err := s.clientNegotiate(req)
	if err != nil {
		return err
	}
	if req.Op == OpWRQ {
		return s.sendFile()
	}
	return s.recvFile(pending)
}

// RunServerTransfer drives one server-accepted transfer end to end:
// option negotiation followed by the sending or receiving state machine,
// selected by req.Op. On failure it makes a best-effort attempt to
// notify the peer with an ERROR packet before returning err; a failure
// to do so is logged, not propagated, since the original err is what
// matters to the caller.
func RunServerTransfer(s *Session, req *Request, limits ServerLimits) error {
	if err := s.serverNegotiate(req, limits); err != nil {
		s.notifyError(err)
		return err
	}

	var err error
	if req.Op == OpRRQ {
		err = s.sendFile()
	} else {
		err = s.recvFile(nil)
	}
	if err != nil {
		s.notifyError(err)
	}
	return err
}

// notifyError sends a best-effort ERROR packet describing err to the
// peer. Failures to send it are logged and swallowed: the caller already
// has the real error to report.
func (s *Session) notifyError(err error) {
	te, ok := AsError(err)
	if !ok {
		te = wrapErr(KindNotDefined, err)
	}
	if sendErr := s.send(SerializeErrorPacket(te.Code(), te.Error())); sendErr != nil {
		s.log.WithError(sendErr).Warn("failed to send ERROR packet to peer")
	}
}
