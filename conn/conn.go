// Package conn owns one framed duplex TCP (optionally TLS) stream, the way
// the teacher's transport/client_transport.go and server/server.go use a
// raw net.Conn directly plus protocol.Encode/Decode — generalized here into
// its own type per spec §4.2, since the new wire.Frame shape (vs. the
// teacher's fixed RPCMessage) and TLS support both want a dedicated home.
package conn

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"rap/rpcerr"
	"rap/wire"
)

// TLSConfig carries the optional client/server TLS material from spec §6:
// "client supplies CA, server supplies cert+key. No hostname check in the
// reference configuration."
type TLSConfig struct {
	CAFile   string // client: CA cert loaded into RootCAs (not used for verification; see Dial)
	CertFile string // server: certificate
	KeyFile  string // server: private key
}

// Connection wraps one net.Conn (optionally tls.Conn) with frame-level
// read/write. Write does a single serialize+flush; concurrent writes must
// be serialized by the caller (the transport), not by Connection itself,
// per spec §4.2.
type Connection struct {
	id     string
	nc     net.Conn
	dec    wire.Decoder
	frames chan *wire.Frame
	closed chan struct{}
	once   sync.Once
	errMu  sync.Mutex
	err    error
}

// Dial opens a TCP connection to addr, optionally over TLS, and starts the
// reader goroutine. Over TLS, InsecureSkipVerify is set, which skips all
// verification of the server's certificate: neither the hostname nor the
// chain against CAFile is checked.
func Dial(network, addr string, tlsCfg *TLSConfig) (*Connection, error) {
	var nc net.Conn
	var err error
	if tlsCfg != nil {
		pool, perr := loadCAPool(tlsCfg.CAFile)
		if perr != nil {
			return nil, perr
		}
		nc, err = tls.Dial(network, addr, &tls.Config{
			RootCAs:            pool,
			InsecureSkipVerify: true, // skips hostname and chain verification alike
		})
	} else {
		nc, err = net.Dial(network, addr)
	}
	if err != nil {
		return nil, err
	}
	return newConnection(nc), nil
}

// WrapServer wraps an already-accepted net.Conn (from a Listener) into a
// Connection and starts its reader goroutine, mirroring the teacher's
// handleConn taking a net.Conn directly.
func WrapServer(nc net.Conn) *Connection {
	return newConnection(nc)
}

func newConnection(nc net.Conn) *Connection {
	c := &Connection{
		nc:     nc,
		frames: make(chan *wire.Frame, 64),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// ID returns the logical connection id assigned by the server's DECLARE
// response, if any (spec §4.7's "respond with {result: true, conn_id:
// <new>}").
func (c *Connection) ID() string { return c.id }

// SetID is called once the DECLARE handshake completes.
func (c *Connection) SetID(id string) { c.id = id }

// RemoteAddr exposes the peer address, used for header annotation (host)
// and for Endpoint dial targets.
func (c *Connection) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Write serializes and writes one frame. The caller (transport) must
// serialize concurrent calls itself.
func (c *Connection) Write(f *wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	_, err = c.nc.Write(data)
	return err
}

// Frames returns the channel of decoded frames. It is closed when the
// connection terminates (EOF, I/O error, or explicit Close); Err then
// reports the reason.
func (c *Connection) Frames() <-chan *wire.Frame {
	return c.frames
}

// Closed returns a channel that is closed once the connection has
// terminated, for use in first-completed races (spec §4.3).
func (c *Connection) Closed() <-chan struct{} {
	return c.closed
}

// Err returns the reason the connection terminated, if any.
func (c *Connection) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Connection) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

func (c *Connection) readLoop() {
	defer close(c.frames)
	defer c.markClosed()

	buf := make([]byte, 64*1024)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			frames, ferr := c.dec.Feed(buf[:n])
			for _, fr := range frames {
				select {
				case c.frames <- fr:
				case <-c.closed:
					return
				}
			}
			if ferr != nil {
				c.setErr(fmt.Errorf("%w: %v", rpcerr.NewProtocolError(ferr.Error()), ferr))
				return
			}
		}
		if err != nil {
			if eofErr := c.dec.FeedEOF(); eofErr != nil {
				c.setErr(eofErr)
			} else {
				c.setErr(err)
			}
			return
		}
	}
}

func (c *Connection) markClosed() {
	c.once.Do(func() { close(c.closed) })
}

// Close is idempotent; it closes the socket and wakes any pending reader
// with rpcerr.ErrCloseConn, mirroring BaseConnection.close in
// rap/common/conn.py.
func (c *Connection) Close() error {
	c.setErr(rpcerr.ErrCloseConn)
	err := c.nc.Close()
	c.markClosed()
	return err
}
