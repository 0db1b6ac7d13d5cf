package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/near/borsh-go"

	"github.com/meta-node-blockchain/dicemesh/pkg/logger"
	"github.com/meta-node-blockchain/dicemesh/types"
)

const (
	// maxFrameLength bounds a single wire frame. Consensus artifacts are
	// small; anything bigger is a broken or hostile peer.
	maxFrameLength = 16 << 20
	writeTimeout   = 10 * time.Second
	dialTimeout    = 5 * time.Second
)

var ErrFrameTooLarge = errors.New("transport: frame exceeds length limit")

// tcpFrame is the wire form of one message: an 8 byte little-endian
// length prefix followed by this structure in borsh encoding. Every frame
// names its sender; authenticity is established by the signatures inside
// the payload, not by the transport.
type tcpFrame struct {
	From    [20]byte
	Kind    uint8
	Game    [16]byte
	Payload []byte
}

// TCPTransport carries messages over plain TCP. Outbound links are dialed
// lazily on first broadcast and redialed after failures; inbound traffic
// arrives through the accept loop regardless of outbound state.
type TCPTransport struct {
	self  types.PeerID
	ln    net.Listener
	inbox chan Inbound

	mu      sync.Mutex
	peers   map[types.PeerID]string
	links   map[types.PeerID]*tcpLink
	inbound map[net.Conn]struct{}
	closed  bool
}

// tcpLink is one write-only outbound connection. dialMu serializes the
// lazy dial so concurrent broadcasts share a single connection attempt.
type tcpLink struct {
	addr   string
	dialMu sync.Mutex
	conn   net.Conn
}

// ListenTCP binds address and starts accepting peers. Use ":0" to let the
// kernel pick a port and Addr to discover it.
func ListenTCP(self types.PeerID, address string) (*TCPTransport, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", address, err)
	}
	t := &TCPTransport{
		self:    self,
		ln:      ln,
		inbox:   make(chan Inbound, inboxBuffer),
		peers:   make(map[types.PeerID]string),
		links:   make(map[types.PeerID]*tcpLink),
		inbound: make(map[net.Conn]struct{}),
	}
	go t.acceptLoop()
	return t, nil
}

func (t *TCPTransport) Self() types.PeerID { return t.self }

// Addr returns the bound listen address.
func (t *TCPTransport) Addr() string { return t.ln.Addr().String() }

// AddPeer registers where a peer can be reached. Re-registering replaces
// the address and drops any live link so the next broadcast redials.
func (t *TCPTransport) AddPeer(peer types.PeerID, address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[peer] = address
	if link, ok := t.links[peer]; ok {
		link.close()
		delete(t.links, peer)
	}
}

// Broadcast sends msg to every registered peer, best effort: a peer that
// cannot be reached is skipped and its link dropped for redialing, since
// consensus tolerates missing deliveries but not a wedged sender.
func (t *TCPTransport) Broadcast(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := encodeFrame(t.self, msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	targets := make(map[types.PeerID]*tcpLink, len(t.peers))
	for peer, addr := range t.peers {
		if peer == t.self {
			continue
		}
		link, ok := t.links[peer]
		if !ok {
			link = &tcpLink{addr: addr}
			t.links[peer] = link
		}
		targets[peer] = link
	}
	t.mu.Unlock()

	for peer, link := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := link.send(ctx, frame); err != nil {
			logger.Debug("tcp transport %s: send to %s: %v", t.self.Hex(), peer.Hex(), err)
			t.dropLink(peer, link)
		}
	}
	return nil
}

func (t *TCPTransport) Events() <-chan Inbound { return t.inbox }

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	links := t.links
	t.links = make(map[types.PeerID]*tcpLink)
	accepted := make([]net.Conn, 0, len(t.inbound))
	for conn := range t.inbound {
		accepted = append(accepted, conn)
	}
	t.mu.Unlock()

	err := t.ln.Close()
	for _, link := range links {
		link.close()
	}
	// Closing accepted connections unblocks their read loops.
	for _, conn := range accepted {
		_ = conn.Close()
	}
	close(t.inbox)
	return err
}

func (t *TCPTransport) dropLink(peer types.PeerID, link *tcpLink) {
	link.close()
	t.mu.Lock()
	if t.links[peer] == link {
		delete(t.links, peer)
	}
	t.mu.Unlock()
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			return
		}
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			_ = conn.Close()
			return
		}
		t.inbound[conn] = struct{}{}
		t.mu.Unlock()
		go t.readLoop(conn)
	}
}

// readLoop decodes frames off one inbound connection until it breaks.
// A full inbox drops the oldest event, matching the in-process hub.
func (t *TCPTransport) readLoop(conn net.Conn) {
	defer func() {
		_ = conn.Close()
		t.mu.Lock()
		delete(t.inbound, conn)
		t.mu.Unlock()
	}()
	lengthBuf := make([]byte, 8)
	for {
		if _, err := io.ReadFull(conn, lengthBuf); err != nil {
			return
		}
		length := binary.LittleEndian.Uint64(lengthBuf)
		if length == 0 {
			continue
		}
		if length > maxFrameLength {
			logger.Warn("tcp transport %s: %v from %s", t.self.Hex(), ErrFrameTooLarge, conn.RemoteAddr())
			return
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(conn, data); err != nil {
			return
		}

		var frame tcpFrame
		if err := borsh.Deserialize(&frame, data); err != nil {
			logger.Warn("tcp transport %s: bad frame from %s: %v", t.self.Hex(), conn.RemoteAddr(), err)
			return
		}
		in := Inbound{
			From: types.PeerID(frame.From),
			Message: Message{
				Kind:    Kind(frame.Kind),
				Game:    types.GameID(frame.Game),
				Payload: frame.Payload,
			},
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		select {
		case t.inbox <- in:
		default:
			select {
			case <-t.inbox:
			default:
			}
			t.inbox <- in
		}
		t.mu.Unlock()
	}
}

func (l *tcpLink) send(ctx context.Context, frame []byte) error {
	l.dialMu.Lock()
	defer l.dialMu.Unlock()

	if l.conn == nil {
		dialer := net.Dialer{Timeout: dialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", l.addr)
		if err != nil {
			return fmt.Errorf("dial %s: %w", l.addr, err)
		}
		l.conn = conn
	}

	if err := l.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	defer l.conn.SetWriteDeadline(time.Time{})

	for sent := 0; sent < len(frame); {
		n, err := l.conn.Write(frame[sent:])
		if err != nil {
			return err
		}
		sent += n
	}
	return nil
}

func (l *tcpLink) close() {
	l.dialMu.Lock()
	defer l.dialMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
}

func encodeFrame(from types.PeerID, msg Message) ([]byte, error) {
	body, err := borsh.Serialize(tcpFrame{
		From:    from,
		Kind:    uint8(msg.Kind),
		Game:    msg.Game,
		Payload: msg.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: encode frame: %w", err)
	}
	if len(body) > maxFrameLength {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, 8+len(body))
	binary.LittleEndian.PutUint64(frame[:8], uint64(len(body)))
	copy(frame[8:], body)
	return frame, nil
}
