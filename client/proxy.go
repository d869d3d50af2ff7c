package client

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest composes Request with bidirectional body pumping: it
// streams r's body to the worker, writes the worker's status and
// headers to w as soon as they're parsed, and copies the response body
// through. It blocks until the exchange completes, or until ctx is done
// if that happens before the status and headers arrive; once they have
// arrived, ctx is no longer observed while the body is copied.
func (c *Client) ProxyRequest(ctx context.Context, r *http.Request, w http.ResponseWriter) error {
	meta := map[string]string{}
	if r.RemoteAddr != "" {
		meta["REMOTE_ADDR"] = remoteHost(r.RemoteAddr)
	}

	ex := c.Request(r.Method, r.URL.RequestURI(), r.Header, meta)

	go pumpRequestBody(ex, r.Body)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ex.Done():
		if err := ex.Err(); err != nil {
			return err
		}
		// every way the exchange can end before Ready fires records an
		// error; ending without one means Ready fired first.
	case <-ex.Ready():
	}

	if err := ex.Err(); err != nil {
		return err
	}

	for k, values := range ex.Header() {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(ex.Status())

	for chunk := range ex.Body() {
		if _, err := w.Write(chunk); err != nil {
			return err
		}
	}

	<-ex.Done()
	return ex.Err()
}

func pumpRequestBody(ex *Exchange, body io.ReadCloser) {
	defer ex.End(nil)
	if body == nil {
		return
	}
	defer body.Close()

	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if werr := ex.Write(chunk); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func remoteHost(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}
