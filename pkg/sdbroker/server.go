package sdbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/r2northstar/ipcsd/pkg/ipc"
	"github.com/r2northstar/ipcsd/pkg/sdlog"
	"github.com/r2northstar/ipcsd/pkg/sdmetrics"
	"github.com/r2northstar/ipcsd/pkg/sdserver"
)

// Server owns the broker daemon's full stack for one process: the
// unixpacket listener and IpcServer transport, the SdServer protocol
// engine, and (optionally) a debug HTTP mux.
type Server struct {
	Logger zerolog.Logger

	addr      string
	debugAddr string

	ipcServer *ipc.Server
	sdServer  *sdserver.Server
	metrics   *sdmetrics.Metrics

	reopenLog func()
}

// NewServer configures a new Server from c, which is assumed to already
// hold default or user-supplied values (as produced by Config.UnmarshalEnv).
func NewServer(c *Config) (*Server, error) {
	logger, reopen, err := sdlog.New(sdlog.Config{
		Stdout:       c.LogStdout,
		StdoutPretty: c.LogStdoutPretty,
		StdoutLevel:  c.LogStdoutLevel,
		File:         c.LogFile,
		FileLevel:    c.LogFileLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	logger = logger.Level(c.LogLevel)

	s := &Server{
		Logger:    logger,
		addr:      c.Addr,
		debugAddr: c.DebugAddr,
		metrics:   sdmetrics.Shared(),
		reopenLog: reopen,
	}

	// sdserver.Server's handlers need an *ipc.Server to close over, and
	// ipc.ServerOptions needs the handlers up front — sd is assigned after
	// NewServer returns but before any connection can reach the callbacks.
	var sd *sdserver.Server
	s.ipcServer = ipc.NewServer(ipc.ServerOptions{
		MaxMessageSize: c.MaxMessageSize,
		Logger:         logger.With().Str("component", "ipc_server").Logger(),
		Metrics:        s.metrics,
		OnAccept:       func(h ipc.ConnectionHandle, cr ipc.Credentials) bool { return sd.HandleAccept(h, cr) },
		OnMessage:      func(h ipc.ConnectionHandle, msg []byte) { sd.HandleMessage(h, msg) },
		OnDisconnected: func(h ipc.ConnectionHandle, cause ipc.CloseCause) { sd.HandleDisconnected(h, cause) },
	})
	sd = sdserver.New(s.ipcServer, sdserver.Options{
		Logger:  logger.With().Str("component", "sd_server").Logger(),
		Metrics: s.metrics,
	})
	s.sdServer = sd

	return s, nil
}

// Run listens on the configured unixpacket socket and serves connections
// until ctx is canceled, then shuts down gracefully. It must only be called
// once.
func (s *Server) Run(ctx context.Context) error {
	os.Remove(s.addr)
	ln, err := net.Listen("unixpacket", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	defer os.Remove(s.addr)

	s.Logger.Log().Str("addr", s.addr).Msg("starting broker")

	errch := make(chan error, 2)
	go func() { errch <- s.ipcServer.Serve(ln) }()

	var dbgSrv *http.Server
	if s.debugAddr != "" {
		dbgSrv = &http.Server{Addr: s.debugAddr, Handler: s.debugMux()}
		go func() {
			s.Logger.Warn().Str("addr", s.debugAddr).Msg("running insecure debug server")
			if err := dbgSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errch <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errch:
		return err
	}

	s.Logger.Log().Msg("shutting down")

	if dbgSrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		dbgSrv.Shutdown(shutCtx)
		cancel()
	}
	return s.ipcServer.Close()
}

// HandleSIGHUP reopens the log file, if one is configured.
func (s *Server) HandleSIGHUP() {
	if s.reopenLog != nil {
		s.reopenLog()
	}
}

func (s *Server) debugMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.WritePrometheus(w)
	})
	mux.HandleFunc("/debug/sd", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.sdServer.Snapshot())
	})
	return mux
}
