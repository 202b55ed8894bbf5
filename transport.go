package ensemble

// TCPLink carries cluster envelopes between nodes over TCP.
//
// Invariants:
//   - Each node dials its own outbound connection to every peer it sends to;
//     inbound connections are read-only. A pair of nodes therefore uses up to
//     two connections, one per direction, and never has to break ties.
//   - Connections are established lazily on the first Send.
//   - Wire format: [4-byte big-endian payload length][JSON envelope].
//   - A read or write error tears down the connection; the next Send redials.
//   - A peer whose dial failed is reported as not a member until
//     peerDownBackoff has passed, so routers stop choosing it.
//   - Peers that dial in are learned from their handshake.
//
// Handshake (dialer writes, listener reads):
//
//	[2-byte big-endian nodeID length][nodeID UTF-8 bytes]
//	[2-byte big-endian addr length][addr UTF-8 bytes]

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	transportDialTimeout      = 5 * time.Second
	transportHandshakeTimeout = 5 * time.Second
	transportWriteTimeout     = 5 * time.Second
	peerSendBuffer            = 4096
	peerDownBackoff           = 5 * time.Second
	maxFramePayload           = 16 << 20
)

// LinkHandler is called for every inbound envelope.
type LinkHandler func(fromNodeID string, env Envelope)

type tcpPeer struct {
	nodeID  string
	address string

	mu        sync.Mutex
	conn      net.Conn
	sendCh    chan []byte
	downUntil atomic.Int64
}

// TCPLink implements NodeLink and a static Membership over TCP.
type TCPLink struct {
	nodeID   string
	listener net.Listener
	handler  LinkHandler

	peersMu sync.RWMutex
	peers   map[string]*tcpPeer
	log     zerolog.Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewTCPLink listens on listenAddr. peers maps every other node id to the
// address it listens on.
func NewTCPLink(nodeID, listenAddr string, peers map[string]string, log zerolog.Logger) (*TCPLink, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport listen: %w", err)
	}
	l := &TCPLink{
		nodeID:   nodeID,
		listener: ln,
		peers:    make(map[string]*tcpPeer, len(peers)),
		log:      log.With().Str("component", "transport").Logger(),
		done:     make(chan struct{}),
	}
	for id, addr := range peers {
		if id == nodeID {
			continue
		}
		l.peers[id] = &tcpPeer{nodeID: id, address: addr}
	}
	return l, nil
}

// Addr returns the listener's address (useful when binding to ":0").
func (l *TCPLink) Addr() string {
	return l.listener.Addr().String()
}

// AddPeer registers another node. Peers already known keep their address.
func (l *TCPLink) AddPeer(nodeID, addr string) {
	if nodeID == l.nodeID {
		return
	}
	l.peersMu.Lock()
	if _, ok := l.peers[nodeID]; !ok {
		l.peers[nodeID] = &tcpPeer{nodeID: nodeID, address: addr}
	}
	l.peersMu.Unlock()
}

func (l *TCPLink) peer(nodeID string) (*tcpPeer, bool) {
	l.peersMu.RLock()
	defer l.peersMu.RUnlock()
	p, ok := l.peers[nodeID]
	return p, ok
}

// Start begins accepting inbound connections. handler receives every
// inbound envelope.
func (l *TCPLink) Start(handler LinkHandler) {
	l.handler = handler
	l.wg.Add(1)
	go l.acceptLoop()
}

// Stop closes every connection and waits for the link goroutines.
func (l *TCPLink) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
		l.listener.Close()
		l.peersMu.RLock()
		for _, p := range l.peers {
			p.mu.Lock()
			if p.conn != nil {
				p.conn.Close()
			}
			p.mu.Unlock()
		}
		l.peersMu.RUnlock()
		l.wg.Wait()
	})
}

// NodeIDs returns this node plus every peer not currently marked down,
// sorted.
func (l *TCPLink) NodeIDs() []string {
	ids := []string{l.nodeID}
	now := time.Now().UnixNano()
	l.peersMu.RLock()
	for id, p := range l.peers {
		if p.downUntil.Load() <= now {
			ids = append(ids, id)
		}
	}
	l.peersMu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (l *TCPLink) IsMember(nodeID string) bool {
	if nodeID == l.nodeID {
		return true
	}
	p, ok := l.peer(nodeID)
	return ok && p.downUntil.Load() <= time.Now().UnixNano()
}

// Send queues env for nodeID, dialing first if needed.
func (l *TCPLink) Send(nodeID string, env Envelope) error {
	p, ok := l.peer(nodeID)
	if !ok {
		return fmt.Errorf("transport: unknown node %s", nodeID)
	}
	frame, err := encodeFrame(env)
	if err != nil {
		return err
	}
	ch, err := l.getOrConnect(p)
	if err != nil {
		p.downUntil.Store(time.Now().Add(peerDownBackoff).UnixNano())
		return err
	}

	select {
	case ch <- frame:
		return nil
	case <-l.done:
		return fmt.Errorf("transport: shutting down")
	}
}

func (l *TCPLink) getOrConnect(p *tcpPeer) (chan []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		return p.sendCh, nil
	}

	conn, err := net.DialTimeout("tcp", p.address, transportDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("transport dial %s (%s): %w", p.nodeID, p.address, err)
	}
	conn.SetDeadline(time.Now().Add(transportHandshakeTimeout))
	if err := writeHandshake(conn, l.nodeID, l.Addr()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport handshake %s: %w", p.nodeID, err)
	}
	conn.SetDeadline(time.Time{})

	p.conn = conn
	p.sendCh = make(chan []byte, peerSendBuffer)
	p.downUntil.Store(0)

	l.wg.Add(1)
	go l.peerWriter(p, conn, p.sendCh)

	l.log.Info().Str("peer", p.nodeID).Str("direction", "outbound").Msg("transport peer connected")
	return p.sendCh, nil
}

// peerWriter is the only goroutine writing to conn.
func (l *TCPLink) peerWriter(p *tcpPeer, conn net.Conn, ch chan []byte) {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case frame := <-ch:
			conn.SetWriteDeadline(time.Now().Add(transportWriteTimeout))
			if _, err := conn.Write(frame); err != nil {
				l.log.Warn().Err(err).Str("peer", p.nodeID).Msg("transport write failed")
				l.closePeerConn(p, conn)
				return
			}
		}
	}
}

func (l *TCPLink) closePeerConn(p *tcpPeer, conn net.Conn) {
	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
		p.sendCh = nil
	}
	p.mu.Unlock()
	conn.Close()
}

func (l *TCPLink) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
				l.log.Error().Err(err).Msg("transport accept error")
				continue
			}
		}
		l.wg.Add(1)
		go l.handleInbound(conn)
	}
}

func (l *TCPLink) handleInbound(conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(transportHandshakeTimeout))
	remoteID, remoteAddr, err := readHandshake(conn)
	if err != nil {
		l.log.Error().Err(err).Msg("transport handshake read failed")
		return
	}
	conn.SetDeadline(time.Time{})

	// A dialer we were not configured with becomes reachable through the
	// listen address it advertised.
	if remoteAddr != "" {
		l.AddPeer(remoteID, remoteAddr)
	}

	l.log.Info().Str("peer", remoteID).Str("direction", "inbound").Msg("transport peer connected")

	go func() {
		<-l.done
		conn.Close()
	}()

	r := bufio.NewReaderSize(conn, 64<<10)
	for {
		env, err := readFrame(r)
		if err != nil {
			select {
			case <-l.done:
			default:
				if err != io.EOF {
					l.log.Warn().Err(err).Str("peer", remoteID).Msg("transport read error")
				}
			}
			return
		}
		if l.handler != nil {
			l.handler(remoteID, env)
		}
	}
}

func encodeFrame(env Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if len(body) > maxFramePayload {
		return nil, fmt.Errorf("envelope too large: %d bytes", len(body))
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

func readFrame(r io.Reader) (Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFramePayload {
		return Envelope{}, fmt.Errorf("invalid frame length %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

func writeHandshake(w io.Writer, nodeID, advertiseAddr string) error {
	id := []byte(nodeID)
	addr := []byte(advertiseAddr)
	buf := make([]byte, 2+len(id)+2+len(addr))
	binary.BigEndian.PutUint16(buf[:2], uint16(len(id)))
	copy(buf[2:], id)
	off := 2 + len(id)
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(addr)))
	copy(buf[off+2:], addr)
	_, err := w.Write(buf)
	return err
}

func readHandshake(r io.Reader) (nodeID, advertiseAddr string, err error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", "", fmt.Errorf("handshake read length: %w", err)
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if n == 0 || n > 256 {
		return "", "", fmt.Errorf("handshake: invalid node id length %d", n)
	}
	id := make([]byte, n)
	if _, err := io.ReadFull(r, id); err != nil {
		return "", "", fmt.Errorf("handshake read node id: %w", err)
	}

	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", "", fmt.Errorf("handshake read addr length: %w", err)
	}
	addrLen := binary.BigEndian.Uint16(lenBuf[:])
	var addr []byte
	if addrLen > 0 {
		addr = make([]byte, addrLen)
		if _, err := io.ReadFull(r, addr); err != nil {
			return "", "", fmt.Errorf("handshake read addr: %w", err)
		}
	}
	return string(id), string(addr), nil
}
