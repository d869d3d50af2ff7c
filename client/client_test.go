package client_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/iobaixas/nack/client"
	"github.com/iobaixas/nack/frame"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// serveOnce accepts a single connection, drains the request, and writes
// a canned 200 "hello" response, mirroring the wire contract a real
// worker program implements.
func serveOnce(t *testing.T, sockPath string) {
	t.Helper()

	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)

	go func() {
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := frame.NewReader(conn)
		if _, _, err := r.ReadFrame(); err != nil {
			return
		}
		for {
			_, end, err := r.ReadFrame()
			if err != nil || end {
				break
			}
		}

		w := frame.NewWriter(conn)
		statusPayload, _ := json.Marshal(200)
		_ = w.WriteFrame(statusPayload)

		headerPayload, _ := json.Marshal(map[string]string{"Content-Type": "text/plain"})
		_ = w.WriteFrame(headerPayload)

		_ = w.WriteFrame([]byte("hello"))
		_ = w.WriteEnd()
	}()
}

func TestClient_ProxyRequest_HappyPath(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "worker.sock")
	serveOnce(t, sockPath)

	c := client.Dial(sockPath, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/hello", nil)
	rec := httptest.NewRecorder()

	err := c.ProxyRequest(context.Background(), req, rec)
	require.NoError(t, err)

	require.Equal(t, 200, rec.Code)
	require.Equal(t, "hello", rec.Body.String())
}

func TestClient_Request_BodyOrderingPreserved(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "worker2.sock")

	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := frame.NewReader(conn)
		if _, _, err := r.ReadFrame(); err != nil {
			return
		}

		w := frame.NewWriter(conn)
		statusPayload, _ := json.Marshal(200)
		_ = w.WriteFrame(statusPayload)
		headerPayload, _ := json.Marshal(map[string]string{})
		_ = w.WriteFrame(headerPayload)

		for {
			chunk, end, err := r.ReadFrame()
			if err != nil {
				return
			}
			if end {
				_ = w.WriteEnd()
				return
			}
			_ = w.WriteFrame(chunk)
		}
	}()

	c := client.Dial(sockPath, zap.NewNop())
	ex := c.Request(http.MethodPost, "/echo", http.Header{}, nil)

	chunks := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, chunk := range chunks {
		require.NoError(t, ex.Write(chunk))
	}
	require.NoError(t, ex.End(nil))

	select {
	case <-ex.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("exchange never became ready")
	}

	var got [][]byte
	for chunk := range ex.Body() {
		got = append(got, chunk)
	}

	require.NoError(t, ex.Err())
	require.Equal(t, chunks, got)
}

func TestClient_MalformedStatusFrameSurfacesError(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "worker3.sock")

	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := frame.NewReader(conn)
		_, _, _ = r.ReadFrame()

		w := frame.NewWriter(conn)
		_ = w.WriteFrame([]byte("not json"))
	}()

	c := client.Dial(sockPath, zap.NewNop())
	ex := c.Request(http.MethodGet, "/", http.Header{}, nil)
	require.NoError(t, ex.End(nil))

	select {
	case <-ex.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("exchange never finished")
	}

	require.ErrorIs(t, ex.Err(), client.ErrProtocolMalformed)
}
