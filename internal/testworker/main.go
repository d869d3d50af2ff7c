// Command testworker is a fixture worker program used only by this
// module's own tests. It speaks the wire protocol described in spec.md
// sections 4.1 and 6: it listens on a UNIX socket, signals readiness
// over a handshake FIFO, and answers every request with a canned
// response loaded from its config file.
//
// Config file format (JSON):
//
//	{"status": 200, "body": "hello", "crash": ""}
//
// If "crash" is non-empty, the process exits immediately with that
// string written to stderr and a non-zero exit code, before ever
// opening its socket — used to exercise spec.md scenario 4
// (application error surfaces).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/iobaixas/nack/frame"
)

type fixtureConfig struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
	Crash  string `json:"crash"`
}

func main() {
	sockPath := flag.String("file", "", "socket path")
	pipePath := flag.String("pipe", "", "handshake pipe path")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "testworker: expected exactly one config path argument")
		os.Exit(2)
	}

	cfg, err := loadConfig(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	if cfg.Crash != "" {
		fmt.Fprintln(os.Stderr, cfg.Crash)
		os.Exit(1)
	}

	listener, err := net.Listen("unix", *sockPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "testworker: listen:", err)
		os.Exit(1)
	}
	defer listener.Close()

	pipe, err := os.OpenFile(*pipePath, os.O_WRONLY, os.ModeNamedPipe)
	if err != nil {
		fmt.Fprintln(os.Stderr, "testworker: open pipe:", err)
		os.Exit(1)
	}
	pipe.Close()

	if *debug {
		fmt.Fprintln(os.Stderr, "testworker: listening on", *sockPath)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGQUIT)

	done := make(chan struct{})
	go func() {
		sig := <-sigCh
		if sig == syscall.SIGTERM {
			os.Exit(0)
		}
		// SIGQUIT: let the in-flight accept loop finish the current
		// connection, then stop accepting. Closing the listener unblocks
		// an Accept that is still waiting for a connection.
		close(done)
		listener.Close()
	}()

	for {
		select {
		case <-done:
			return
		default:
		}

		conn, err := listener.Accept()
		if err != nil {
			return
		}

		handleConn(conn, cfg)

		select {
		case <-done:
			return
		default:
		}
	}
}

func loadConfig(path string) (fixtureConfig, error) {
	var cfg fixtureConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("testworker: read config: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("testworker: parse config: %w", err)
	}
	return cfg, nil
}

func handleConn(conn net.Conn, cfg fixtureConfig) {
	defer conn.Close()

	r := frame.NewReader(conn)

	// drain the request: env frame, then body frames until the sentinel.
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

	status := cfg.Status
	if status == 0 {
		status = 200
	}
	statusPayload, _ := json.Marshal(status)
	if err := w.WriteFrame(statusPayload); err != nil {
		return
	}

	headerPayload, _ := json.Marshal(map[string]string{
		"Content-Type": "text/plain",
	})
	if err := w.WriteFrame(headerPayload); err != nil {
		return
	}

	if cfg.Body != "" {
		if err := w.WriteFrame([]byte(cfg.Body)); err != nil {
			return
		}
	}

	_ = w.WriteEnd()
}
