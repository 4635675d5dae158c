// Package legacytcp implements the in-repo legacy compatibility path:
// a raw TCP, line-delimited JSON protocol that runs a single
// hard-coded playbook and pipes subprocess output back over the same
// connection. Off by default; the HTTP path is authoritative
// (spec.md §4.I).
package legacytcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"github.com/go-logr/logr"

	"github.com/ConfigButler/dispatcher/internal/procexec"
)

// request is the single line-delimited JSON message the legacy
// protocol accepts.
type request struct {
	Secret string `json:"secret"`
	Config string `json:"config"` // JSON-encoded extra-vars blob, passed through verbatim
}

// Runner runs a single invocation, streaming combined output to out.
// The default, processRunner, wraps procexec.Run; tests substitute a
// fake so no real ansible-playbook binary is required.
type Runner func(ctx context.Context, inv procexec.Invocation, out io.Writer) (procexec.ExitStatus, error)

// processRunner adapts procexec.Run to Runner, sending stdout and
// stderr to the same writer.
func processRunner(ctx context.Context, inv procexec.Invocation, out io.Writer) (procexec.ExitStatus, error) {
	return procexec.Run(ctx, inv, out, out)
}

// Server is the legacy listener. Unlike the Scheduler-backed HTTP
// path, every connection runs synchronously and one at a time per
// connection goroutine — the legacy protocol has no concept of
// per-branch queueing.
type Server struct {
	Addr      string
	Secret    string
	Playbook  string
	Inventory string
	Log       logr.Logger

	// Run defaults to invoking the real ansible-playbook subprocess;
	// tests override it.
	Run Runner
}

func (s *Server) runner() Runner {
	if s.Run != nil {
		return s.Run
	}
	return processRunner
}

// ListenAndServe accepts connections until ctx is cancelled or the
// listener errors.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("legacy tcp listen: %w", err)
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	log := s.Log.WithName("legacytcp")
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Error(err, "accept failed")
				continue
			}
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := s.Log.WithName("legacytcp")

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		log.Info("failed to read request line", "error", err.Error())
		return
	}

	var req request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		fmt.Fprintf(conn, "error: malformed request\n")
		return
	}
	if req.Secret != s.Secret {
		fmt.Fprintf(conn, "error: bad secret\n")
		return
	}

	argv := []string{"ansible-playbook", "-i", s.Inventory, s.Playbook}
	if req.Config != "" {
		argv = append(argv, "--extra-vars", req.Config)
	}

	status, err := s.runner()(ctx, procexec.Invocation{Argv: argv}, conn)
	if err != nil {
		fmt.Fprintf(conn, "error: %s\n", err.Error())
		return
	}

	code := status.Code
	if status.Signalled != "" {
		code = -1
	}
	fmt.Fprintf(conn, "exit code: %d\n", code)
}
