// Package client implements the framing protocol side of the proxy: it
// dials one worker socket, serialises a single HTTP-like exchange onto
// it using netstring frames, and surfaces the response as it streams
// back in. See spec.md section 4.1.
package client

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/iobaixas/nack/frame"
	"go.uber.org/zap"
)

// Client is bound to one worker socket for the lifetime of a single
// Exchange — per spec.md section 9's open question, this module does
// not attempt to multiplex more than one in-flight exchange per
// connection.
type Client struct {
	socketPath string
	log        *zap.Logger

	dialDone chan struct{}

	mu      sync.Mutex
	conn    net.Conn
	dialErr error
}

// Dial begins connecting to socketPath in the background and returns
// immediately; Request always succeeds synchronously, with dial or I/O
// failures surfacing asynchronously on the returned Exchange.
func Dial(socketPath string, log *zap.Logger) *Client {
	c := &Client{
		socketPath: socketPath,
		log:        log.Named("client"),
		dialDone:   make(chan struct{}),
	}
	go c.dial()
	return c
}

func (c *Client) dial() {
	conn, err := net.Dial("unix", c.socketPath)
	c.mu.Lock()
	c.conn, c.dialErr = conn, err
	c.mu.Unlock()
	close(c.dialDone)
}

// Request builds the environment map from method, requestURI, header,
// and meta, and starts streaming it to the worker. It always succeeds
// synchronously; the caller writes the body via the returned Exchange
// and observes the response through Exchange.Ready/Body/Done.
func (c *Client) Request(method, requestURI string, header http.Header, meta map[string]string) *Exchange {
	ex := newExchange(func() { c.Close() })

	env, err := buildEnvironment(method, requestURI, header, meta)
	if err != nil {
		ex.fail(fmt.Errorf("%w: %v", ErrProtocolMalformed, err))
		ex.closeBody()
		return ex
	}

	payload, err := json.Marshal(env)
	if err != nil {
		ex.fail(fmt.Errorf("%w: %v", ErrProtocolMalformed, err))
		ex.closeBody()
		return ex
	}

	go c.run(ex, payload)

	return ex
}

func (c *Client) run(ex *Exchange, envFrame []byte) {
	<-c.dialDone

	c.mu.Lock()
	conn, dialErr := c.conn, c.dialErr
	c.mu.Unlock()

	if dialErr != nil {
		ex.fail(fmt.Errorf("%w: %v", ErrConnectionLost, dialErr))
		ex.closeBody()
		return
	}

	fw := frame.NewWriter(conn)
	if err := fw.WriteFrame(envFrame); err != nil {
		ex.fail(fmt.Errorf("%w: %v", ErrConnectionLost, err))
		ex.closeBody()
		return
	}

	go c.writeLoop(ex, fw)
	c.readLoop(ex, conn)
}

func (c *Client) writeLoop(ex *Exchange, fw *frame.Writer) {
	for item := range ex.writeCh {
		if item.end {
			if err := fw.WriteEnd(); err != nil {
				c.log.Debug("write end failed", zap.Error(err))
			}
			continue
		}
		if err := fw.WriteFrame(item.payload); err != nil {
			ex.fail(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}
	}
}

// readLoop is the sole sender on ex.bodyCh, and so, once started, is also
// the only place that may close it (see Exchange.closeBody) — done via defer so
// it runs exactly once, after readLoop's last send attempt, however it
// returns (normal end-of-stream, a read error, or a write error on the
// other half racing us via the doneCh guard in the send loop below).
func (c *Client) readLoop(ex *Exchange, conn net.Conn) {
	defer ex.closeBody()

	fr := frame.NewReader(conn)

	statusPayload, end, err := fr.ReadFrame()
	if err != nil {
		ex.fail(fmt.Errorf("%w: %v", ErrConnectionLost, err))
		return
	}
	if end {
		ex.fail(ErrProtocolMalformed)
		return
	}

	var status int
	if err := json.Unmarshal(statusPayload, &status); err != nil {
		ex.fail(fmt.Errorf("%w: status: %v", ErrProtocolMalformed, err))
		return
	}

	headerPayload, end, err := fr.ReadFrame()
	if err != nil {
		ex.fail(fmt.Errorf("%w: %v", ErrConnectionLost, err))
		return
	}
	if end {
		ex.fail(ErrProtocolMalformed)
		return
	}

	var rawHeader map[string]string
	if err := json.Unmarshal(headerPayload, &rawHeader); err != nil {
		ex.fail(fmt.Errorf("%w: header: %v", ErrProtocolMalformed, err))
		return
	}

	ex.setResponse(status, foldHeaders(rawHeader))

	for {
		chunk, end, err := fr.ReadFrame()
		if err != nil {
			ex.fail(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}
		if end {
			ex.stop()
			return
		}

		select {
		case ex.bodyCh <- chunk:
		case <-ex.Done():
			// the other half (writeLoop) failed and ended the exchange
			// while we were about to deliver a chunk; stop instead of
			// blocking on a body nobody will read.
			return
		}
	}
}

// Close closes the underlying connection, if any. Safe to call more
// than once.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
