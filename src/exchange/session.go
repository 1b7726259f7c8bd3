package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	logs "github.com/danmuck/smplog"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/danmuck/dps_lobby/src/api/ledgers"
	"github.com/danmuck/dps_lobby/src/api/nodes"
	"github.com/danmuck/dps_lobby/src/api/transport"
	"github.com/danmuck/dps_lobby/src/lobby"
)

// bindAttempts is how many free UDP ports are tried before giving up on
// finding one whose TCP twin is also free.
const bindAttempts = 16

var (
	ErrNotDiscovered = errors.New("session has no participants yet")
	ErrNoMesh        = errors.New("session has no stream mesh")
)

// Session is one participant's view of a synchronized group: its sockets,
// the participants found during discovery, the stream mesh and the log of
// messages it sent.
type Session struct {
	tag  string
	self nodes.ID
	cfg  Config

	udp transport.DatagramTransport
	tcp *transport.TCPHandler

	participants *nodes.ParticipantMap
	mesh         *nodes.ConnectionTable
	log          *ledgers.MessageLog
}

// Open binds the datagram socket and the stream listener on one port, the
// port the participant then announces.
func Open(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	self, _ := nodes.ParseID(cfg.ID)

	log, err := ledgers.NewMessageLog(cfg.LogCapacity)
	if err != nil {
		return nil, err
	}

	s := &Session{
		tag:  uuid.NewString()[:8],
		self: self,
		cfg:  cfg,
		log:  log,
	}
	if err := s.bind(); err != nil {
		return nil, err
	}
	logs.Infof("session[%s]: %s bound on port %d", s.tag, s.self, s.Port())
	return s, nil
}

func (s *Session) bind() error {
	attempts := bindAttempts
	if s.cfg.Port != 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		udp, err := transport.ListenUDP(net.JoinHostPort(s.cfg.BindHost, strconv.Itoa(s.cfg.Port)))
		if err != nil {
			lastErr = err
			continue
		}
		tcp := transport.NewTCPHandler(net.JoinHostPort(s.cfg.BindHost, strconv.Itoa(udp.Port())), s.cfg.Mesh.RetryInterval)
		if err := tcp.Listen(); err != nil {
			udp.Close()
			lastErr = err
			continue
		}
		s.udp, s.tcp = udp, tcp
		return nil
	}
	return fmt.Errorf("failed to bind session sockets: %w", lastErr)
}

func (s *Session) ID() nodes.ID {
	return s.self
}

// Port is the port announced to the group, shared by both transports.
func (s *Session) Port() int {
	return s.udp.Port()
}

func (s *Session) Participants() *nodes.ParticipantMap {
	return s.participants
}

func (s *Session) Log() *ledgers.MessageLog {
	return s.log
}

// Discover runs the directory service on ch and keeps the resulting map.
// The map may hold fewer participants than configured if discovery timed out.
func (s *Session) Discover(ctx context.Context, ch lobby.Channel) (*nodes.ParticipantMap, error) {
	pmap, err := lobby.Discover(ctx, ch, s.self.Name, s.Port(), s.cfg.Lobby)
	if err != nil {
		return nil, err
	}
	s.participants = pmap
	return pmap, nil
}

// UseParticipants installs a participant map obtained elsewhere.
func (s *Session) UseParticipants(pmap *nodes.ParticipantMap) error {
	if err := pmap.Validate(); err != nil {
		return err
	}
	if pmap.Self().Name != s.self.Name {
		return fmt.Errorf("participant map belongs to %s, not %s", pmap.Self(), s.self)
	}
	s.participants = pmap
	return nil
}

// EstablishMesh connects a stream to every discovered peer.
func (s *Session) EstablishMesh(ctx context.Context) (*nodes.ConnectionTable, error) {
	if s.participants == nil {
		return nil, ErrNotDiscovered
	}
	mesh, err := nodes.EstablishMesh(ctx, s.tcp, s.participants, s.cfg.Mesh)
	if err != nil {
		return nil, err
	}
	s.mesh = mesh
	return mesh, nil
}

func (s *Session) Close() error {
	var merr *multierror.Error
	if s.mesh != nil {
		merr = multierror.Append(merr, s.mesh.Close())
	}
	merr = multierror.Append(merr, s.tcp.Close())
	merr = multierror.Append(merr, s.udp.Close())
	logs.Debugf("session[%s]: closed", s.tag)
	return merr.ErrorOrNil()
}
