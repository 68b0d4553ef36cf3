package rpc

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hexadeca/supervisor/internal/eventloop"
	"github.com/hexadeca/supervisor/internal/logging"
	"github.com/hexadeca/supervisor/internal/supervisor"
	"github.com/hexadeca/supervisor/pkg/fmtt"
	"github.com/hexadeca/supervisor/pkg/jsonx"
)

// handlerFunc is one registered RPC method. respond may be called
// synchronously, or asynchronously later from the event loop (wait=true
// parking) — it must be called exactly once.
type handlerFunc struct {
	help      string
	signature string
	fn        func(s *Server, params []json.RawMessage, respond func(Response))
}

// Server is Component H. It owns the method registry and the gin engine;
// every RPC method handler and HTML form action runs on the event loop via
// Post, so concurrent HTTP connections never mutate Supervisor/Process
// state directly (the HTML index page only reads Process.Info snapshots
// from the connection's goroutine) — grounded on cmd/zmux-server/main.go's gin.New() + explicit
// http.Server wiring, generalized from REST resources to a single RPC
// envelope endpoint plus a read-only HTML surface.
type Server struct {
	log        *zap.Logger
	loop       *eventloop.Loop
	sup        *supervisor.Supervisor
	activity   *logging.LogFile
	version    string
	username   string
	password   string
	registry   map[string]handlerFunc
	httpServer *http.Server

	sockChmod      uint32
	sockChownUser  string
	sockChownGroup string
}

// New builds a Server and its method registry. version is reported by
// supervisor.getVersion. If username is empty, no authentication is
// required (§4.H "if credentials are configured").
func New(log *zap.Logger, loop *eventloop.Loop, sup *supervisor.Supervisor, activity *logging.LogFile, version, username, password string) *Server {
	s := &Server{
		log:      log,
		loop:     loop,
		sup:      sup,
		activity: activity,
		version:  version,
		username: username,
		password: password,
		registry: make(map[string]handlerFunc),
	}
	s.registerMethods()
	return s
}

// SetUnixSocketPerms records the mode/owner to apply to the UNIX domain
// socket once Listen creates it, §6 sockchmod/sockchown. A zero mode means
// leave the listener's default (umask-applied) permissions alone.
func (s *Server) SetUnixSocketPerms(chmod uint32, chownUser, chownGroup string) {
	s.sockChmod = chmod
	s.sockChownUser = chownUser
	s.sockChownGroup = chownGroup
}

// Engine builds the gin.Engine serving this Server's two resource
// surfaces, §4.H: the control-call endpoint and the HTML surface.
// Middleware order (recovery, request id, concurrency cap, security
// headers, then auth on the route group) mirrors
// internal/http/middleware's composition in the teacher.
func (s *Server) Engine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(CapConcurrentRequests(64))
	r.Use(secure.New(secure.Config{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
	}))

	authorized := r.Group("/")
	authorized.Use(s.basicAuth())
	{
		authorized.POST("/RPC2", s.handleCall)
		authorized.GET("/", s.handleIndex)
		authorized.POST("/control", s.handleControlForm)
	}
	return r
}

// Listen binds the HTTP surface's listener on addr, transport-agnostic over
// either a UNIX domain socket (addr is an absolute filesystem path) or TCP
// (addr is "host:port"), §4.H and §6 http_port. Separated from Serve so the
// caller can bind the socket, then drop privileges, then start serving —
// §5's "privilege drop ... occurs after binding the socket ... before
// entering the main loop."
func (s *Server) Listen(addr string) (net.Listener, error) {
	if filepath.IsAbs(addr) {
		return s.listenUnix(addr)
	}
	return net.Listen("tcp", addr)
}

func (s *Server) listenUnix(path string) (net.Listener, error) {
	// A stale socket file from an unclean previous shutdown would otherwise
	// make net.Listen fail with "address already in use".
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("rpc: removing stale socket %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("rpc: listening on unix socket %s: %w", path, err)
	}
	if err := s.applyUnixSocketPerms(path); err != nil {
		ln.Close()
		return nil, err
	}
	return ln, nil
}

func (s *Server) applyUnixSocketPerms(path string) error {
	if s.sockChmod != 0 {
		if err := os.Chmod(path, os.FileMode(s.sockChmod)); err != nil {
			return fmt.Errorf("rpc: chmod %s: %w", path, err)
		}
	}
	if s.sockChownUser == "" {
		return nil
	}
	uid, err := lookupUID(s.sockChownUser)
	if err != nil {
		return fmt.Errorf("rpc: sockchown user %q: %w", s.sockChownUser, err)
	}
	gid := -1
	if s.sockChownGroup != "" {
		gid, err = lookupGID(s.sockChownGroup)
		if err != nil {
			return fmt.Errorf("rpc: sockchown group %q: %w", s.sockChownGroup, err)
		}
	}
	if err := os.Chown(path, uid, gid); err != nil {
		return fmt.Errorf("rpc: chown %s: %w", path, err)
	}
	return nil
}

func lookupUID(name string) (int, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(u.Uid)
}

func lookupGID(name string) (int, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(g.Gid)
}

// Serve runs the HTTP surface on a listener obtained from Listen. Blocks
// until the listener stops or Close is called elsewhere.
func (s *Server) Serve(ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:        s.Engine(),
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   60 * time.Second, // wait=true calls may park a while
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 16,
		ErrorLog:       zap.NewStdLog(s.log),
	}
	return s.httpServer.Serve(ln)
}

func (s *Server) Close() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

func (s *Server) handleCall(c *gin.Context) {
	var raw json.RawMessage
	if err := jsonx.ParseStrictJSONBody(c.Request, &raw); err != nil {
		c.JSON(http.StatusBadRequest, fault(FaultIncorrectParams, err.Error()))
		return
	}

	var batch []Call
	if err := json.Unmarshal(raw, &batch); err == nil {
		c.JSON(http.StatusOK, s.dispatchBatch(c, batch))
		return
	}

	var single Call
	if err := json.Unmarshal(raw, &single); err != nil {
		c.JSON(http.StatusBadRequest, fault(FaultIncorrectParams, "malformed request envelope"))
		return
	}
	c.JSON(http.StatusOK, s.dispatchOne(c, single))
}

func (s *Server) dispatchBatch(c *gin.Context, calls []Call) []Response {
	out := make([]Response, len(calls))
	for i, call := range calls {
		out[i] = s.dispatchOne(c, call)
	}
	return out
}

// dispatchOne runs call's handler on the event loop and blocks this
// connection's goroutine until it responds, or until the client
// disconnects — §5 "Waiting RPC calls... are cancelled on disconnect."
func (s *Server) dispatchOne(c *gin.Context, call Call) Response {
	h, ok := s.registry[call.Method]
	if !ok {
		return fault(FaultUnknownMethod, fmt.Sprintf("unknown method %q", call.Method))
	}

	resultCh := make(chan Response, 1)
	s.loop.Post(func() {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("rpc handler panic: %v", r)
				s.log.Error("rpc handler panicked", zap.String("method", call.Method), zap.Error(err))
				fmtt.PrintErrChainDebug(err)
				select {
				case resultCh <- fault(FaultFailed, "internal error"):
				default:
				}
			}
		}()
		h.fn(s, call.Params, func(resp Response) {
			select {
			case resultCh <- resp:
			default:
			}
		})
	})

	select {
	case resp := <-resultCh:
		return resp
	case <-c.Request.Context().Done():
		// Disconnected: the posted handler (and any waiter it parked) may
		// still fire later and will find resultCh's buffer full or
		// already drained — either way nothing is left to respond to.
		return fault(FaultFailed, "client disconnected")
	}
}
