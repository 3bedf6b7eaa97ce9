package smtp

import (
	"bufio"
	"bytes"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Phase is a session's position in the SMTP conversation; it determines
// which commands are currently legal.
type Phase int

const (
	PhaseFresh Phase = iota
	PhaseGreeted
	PhaseEnvelopeOpen
	PhaseCollectingRecipients
	PhaseReceivingData
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseFresh:
		return "fresh"
	case PhaseGreeted:
		return "greeted"
	case PhaseEnvelopeOpen:
		return "envelope-open"
	case PhaseCollectingRecipients:
		return "collecting-recipients"
	case PhaseReceivingData:
		return "receiving-data"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one accepted connection's state. Only its own serve
// goroutine ever touches these fields; there is no locking because there
// is no sharing.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	srv    *Server
	log    *logrus.Entry

	peerHostLiteral string
	phase           Phase
	heloSeen        bool
	mailFrom        string
	recipients      []string
}

func newSession(srv *Server, conn net.Conn) *Session {
	return &Session{
		conn:            conn,
		reader:          bufio.NewReader(conn),
		srv:             srv,
		log:             srv.logger.WithField("peer", conn.RemoteAddr().String()),
		peerHostLiteral: peerLiteral(conn.RemoteAddr()),
		phase:           PhaseFresh,
	}
}

// serve drives the session to completion: greeting, command loop, then
// socket close. It never returns an error; transport failures are logged
// and simply end the session without a farewell line.
func (s *Session) serve() {
	defer s.conn.Close()
	s.log.Info("connection accepted")

	if err := s.reply(Reply{Ready, s.srv.config.Name + " " + bannerSuffix}); err != nil {
		s.log.WithError(err).Warn("failed to write greeting")
		return
	}

	for {
		s.setDeadline()
		line, err := s.readLine()
		if err != nil {
			s.log.WithError(err).Debug("session ended")
			return
		}

		cmd := ParseCommand(line)
		if s.dispatch(cmd) {
			return
		}
	}
}

func (s *Session) setDeadline() {
	if s.srv.config.IdleTimeout > 0 {
		s.conn.SetDeadline(time.Now().Add(s.srv.config.IdleTimeout))
	}
}

// readLine returns the next CRLF-terminated command line with the
// terminator stripped. A bare LF is tolerated. Lines longer than the
// configured cap (RFC 5321 4.5.3.1 recommends 1000 octets) are rejected
// with 500 and discarded; the session continues.
func (s *Session) readLine() (string, error) {
	for {
		raw, err := s.reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		if len(raw) > s.srv.config.MaxLineLength+2 {
			s.reply(Reply{SyntaxError, "Line too long"})
			continue
		}
		return strings.TrimRight(raw, "\r\n"), nil
	}
}

// readBody reads a DATA payload up to the dot-terminated end marker,
// applying leading-dot unstuffing to each line. Line terminators are
// preserved exactly as received; only a single stuffed leading dot is
// removed.
func (s *Session) readBody() ([]byte, error) {
	var buf bytes.Buffer
	for {
		s.setDeadline()
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		if isDotTerminator(line) {
			return buf.Bytes(), nil
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		buf.WriteString(line)
	}
}

func isDotTerminator(line string) bool {
	return strings.TrimRight(line, "\r\n") == "."
}

// dispatch applies one parsed command to the session, writing exactly one
// reply, and reports whether the session should now close.
func (s *Session) dispatch(cmd Command) (shouldClose bool) {
	switch c := cmd.(type) {
	case HeloCmd:
		s.handleHelo(c)
	case NoopCmd:
		s.reply(Reply{Ok, okText})
	case QuitCmd:
		s.reply(Reply{Closing, s.srv.config.Name + " closing connection"})
		s.phase = PhaseClosed
		return true
	case RsetCmd:
		s.resetEnvelope()
		s.reply(Reply{Ok, okText})
	case MailCmd:
		s.handleMail(c)
	case RcptCmd:
		s.handleRcpt(c)
	case DataCmd:
		return s.handleData()
	case MalformedCmd:
		s.handleMalformed(c)
	case UnknownCmd:
		s.log.WithField("verb", c.Verb).Warn("unknown command")
		s.reply(unknownCommandReply(c.Verb))
	}
	return false
}

func (s *Session) handleHelo(c HeloCmd) {
	if s.heloSeen {
		s.reply(Reply{BadSequence, dupHelo})
		return
	}
	s.heloSeen = true
	s.phase = PhaseGreeted
	s.log.WithField("host", c.Host).Info("HELO")
	s.reply(Reply{Ok, s.srv.config.Name + " Hello " + s.peerHostLiteral})
}

func (s *Session) handleMail(c MailCmd) {
	if s.phase == PhaseEnvelopeOpen || s.phase == PhaseCollectingRecipients {
		s.reply(Reply{BadSequence, nestedMail})
		return
	}
	s.mailFrom = c.From
	s.recipients = nil
	s.phase = PhaseEnvelopeOpen
	s.log.WithField("from", c.From).Info("MAIL FROM")
	s.reply(Reply{Ok, okText})
}

func (s *Session) handleRcpt(c RcptCmd) {
	if s.phase != PhaseEnvelopeOpen && s.phase != PhaseCollectingRecipients {
		s.reply(Reply{BadSequence, needMail})
		return
	}
	s.recipients = append(s.recipients, c.To)
	s.phase = PhaseCollectingRecipients
	s.log.WithField("to", c.To).Info("RCPT TO")
	s.reply(Reply{Ok, okText})
}

// handleData reads and delivers the message body. It returns true only
// when a transport failure means the session must close without further
// replies.
func (s *Session) handleData() (shouldClose bool) {
	if s.phase != PhaseCollectingRecipients {
		s.reply(Reply{BadSequence, needRcpt})
		return false
	}

	if err := s.reply(Reply{StartData, dataPrompt}); err != nil {
		return true
	}
	s.phase = PhaseReceivingData

	body, err := s.readBody()
	if err != nil {
		s.log.WithError(err).Warn("DATA read failed")
		return true
	}

	if limit := s.srv.config.MaxMessageBytes; limit > 0 && len(body) > limit {
		s.log.WithField("size", len(body)).Warn("message exceeds configured size cap")
		s.reply(Reply{MessageTooLarge, "Too much mail data"})
		s.resetEnvelope()
		return false
	}

	env := Envelope{
		From: s.mailFrom,
		To:   append([]string(nil), s.recipients...),
		Data: body,
	}
	if err := s.srv.config.Sink.Deliver(env); err != nil {
		s.log.WithError(err).Warn("sink delivery failed")
		s.reply(Reply{LocalError, localErrorText})
		s.resetEnvelope()
		return false
	}

	s.log.WithFields(logrus.Fields{
		"from":       env.From,
		"recipients": len(env.To),
		"bytes":      len(env.Data),
	}).Info("message delivered")

	s.resetEnvelope()
	s.reply(Reply{Ok, okText})
	return false
}

func (s *Session) handleMalformed(c MalformedCmd) {
	var reply Reply
	switch c.Kind {
	case "helo":
		reply = Reply{SyntaxErrorParam, heloSyntax}
	case "noop":
		reply = Reply{SyntaxErrorParam, noopSyntax}
	case "rset":
		reply = Reply{SyntaxErrorParam, rsetSyntax}
	case "mail":
		reply = Reply{SyntaxErrorParam, mailSyntax}
	case "rcpt":
		reply = Reply{SyntaxErrorParam, rcptSyntax}
	case "data":
		reply = Reply{SyntaxErrorParam, dataSyntax}
	}
	s.reply(reply)
}

// resetEnvelope clears the in-flight envelope, returning to the
// pre-envelope phase for this session: GREETED if HELO has already
// succeeded, otherwise FRESH. helo_seen itself is never cleared here.
func (s *Session) resetEnvelope() {
	s.mailFrom = ""
	s.recipients = nil
	if s.heloSeen {
		s.phase = PhaseGreeted
	} else {
		s.phase = PhaseFresh
	}
}

func (s *Session) reply(r Reply) error {
	_, err := s.conn.Write([]byte(r.String() + "\r\n"))
	return err
}

// peerLiteral renders a remote address for the HELO reply: plain
// dotted-quad for IPv4, bracketed for IPv6.
func peerLiteral(addr net.Addr) string {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}
	if tcpAddr.IP.To4() != nil {
		return tcpAddr.IP.String()
	}
	return "[" + tcpAddr.IP.String() + "]"
}
