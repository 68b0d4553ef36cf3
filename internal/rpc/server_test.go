package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hexadeca/supervisor/internal/config"
	"github.com/hexadeca/supervisor/internal/eventloop"
	"github.com/hexadeca/supervisor/internal/supervisor"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	loop := eventloop.New(zap.NewNop(), 8)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go loop.Run(ctx)

	snap := &config.Snapshot{
		Supervisord: config.SupervisordConfig{ChildLogDir: t.TempDir()},
		Programs: []config.ProgramConfig{
			{
				Name:         "webapp",
				Argv:         []string{"sleep", "5"},
				StartSeconds: 10 * time.Millisecond,
				Stdout:       config.LogDest{Mode: config.LogDestNone},
			},
		},
	}
	sup := supervisor.New(zap.NewNop(), loop, snap)
	if err := sup.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	t.Cleanup(func() { sup.StopAll() })

	// In production SIGCHLD drives this via sigdispatch; here there is no
	// real daemon process to deliver it, so poll the same way in its place.
	reapTicker := time.NewTicker(5 * time.Millisecond)
	t.Cleanup(reapTicker.Stop)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reapTicker.C:
				loop.Post(sup.Reap)
			}
		}
	}()

	s := New(zap.NewNop(), loop, sup, nil, "test", "", "")
	srv := httptest.NewServer(s.Engine())
	t.Cleanup(srv.Close)
	return s, srv
}

func postRPC(t *testing.T, srv *httptest.Server, call Call) Response {
	t.Helper()
	body, err := json.Marshal(call)
	if err != nil {
		t.Fatalf("marshal call: %v", err)
	}
	resp, err := http.Post(srv.URL+"/RPC2", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /RPC2: %v", err)
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestRPCGetVersion(t *testing.T) {
	_, srv := newTestServer(t)

	resp := postRPC(t, srv, Call{Method: "supervisor.getVersion"})
	if resp.Fault != nil {
		t.Fatalf("unexpected fault: %+v", resp.Fault)
	}
	if resp.Result != "test" {
		t.Fatalf("expected version %q, got %v", "test", resp.Result)
	}
}

func TestRPCUnknownMethodFaults(t *testing.T) {
	_, srv := newTestServer(t)

	resp := postRPC(t, srv, Call{Method: "supervisor.doesNotExist"})
	if resp.Fault == nil || resp.Fault.Code != FaultUnknownMethod {
		t.Fatalf("expected FaultUnknownMethod, got %+v", resp)
	}
}

func TestRPCGetProcessInfoBadName(t *testing.T) {
	_, srv := newTestServer(t)

	params, _ := json.Marshal("no-such-process")
	resp := postRPC(t, srv, Call{Method: "supervisor.getProcessInfo", Params: []json.RawMessage{params}})
	if resp.Fault == nil || resp.Fault.Code != FaultBadName {
		t.Fatalf("expected FaultBadName, got %+v", resp)
	}
}

func TestRPCStartAndStopProcess(t *testing.T) {
	_, srv := newTestServer(t)

	name, _ := json.Marshal("webapp")
	wait, _ := json.Marshal(true)

	startResp := postRPC(t, srv, Call{Method: "supervisor.startProcess", Params: []json.RawMessage{name, wait}})
	if startResp.Fault != nil {
		t.Fatalf("startProcess fault: %+v", startResp.Fault)
	}
	if startResp.Result != true {
		t.Fatalf("startProcess result = %v, want true", startResp.Result)
	}

	stopResp := postRPC(t, srv, Call{Method: "supervisor.stopProcess", Params: []json.RawMessage{name, wait}})
	if stopResp.Fault != nil {
		t.Fatalf("stopProcess fault: %+v", stopResp.Fault)
	}
}

func TestRPCBatchCall(t *testing.T) {
	_, srv := newTestServer(t)

	batch := []Call{
		{Method: "supervisor.getVersion"},
		{Method: "supervisor.getPID"},
	}
	body, _ := json.Marshal(batch)
	resp, err := http.Post(srv.URL+"/RPC2", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /RPC2: %v", err)
	}
	defer resp.Body.Close()

	var out []Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode batch response: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(out))
	}
	if out[0].Fault != nil || out[1].Fault != nil {
		t.Fatalf("unexpected fault in batch: %+v", out)
	}
}

func TestServerListenUnixSocket(t *testing.T) {
	loop := eventloop.New(zap.NewNop(), 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	snap := &config.Snapshot{Supervisord: config.SupervisordConfig{ChildLogDir: t.TempDir()}}
	sup := supervisor.New(zap.NewNop(), loop, snap)
	if err := sup.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	s := New(zap.NewNop(), loop, sup, nil, "test", "", "")
	s.SetUnixSocketPerms(0o640, "", "")

	sockPath := t.TempDir() + "/supervisord.sock"
	ln, err := s.Listen(sockPath)
	if err != nil {
		t.Fatalf("Listen(%q): %v", sockPath, err)
	}
	defer ln.Close()

	if ln.Addr().Network() != "unix" {
		t.Fatalf("expected a unix listener for an absolute path, got %s", ln.Addr().Network())
	}
	info, err := os.Stat(sockPath)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Fatalf("socket mode = %o, want 0640", info.Mode().Perm())
	}
}

func TestServerListenTCP(t *testing.T) {
	loop := eventloop.New(zap.NewNop(), 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	snap := &config.Snapshot{Supervisord: config.SupervisordConfig{ChildLogDir: t.TempDir()}}
	sup := supervisor.New(zap.NewNop(), loop, snap)
	if err := sup.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	s := New(zap.NewNop(), loop, sup, nil, "test", "", "")
	ln, err := s.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	if ln.Addr().Network() != "tcp" {
		t.Fatalf("expected a tcp listener for a host:port address, got %s", ln.Addr().Network())
	}
}

func TestRPCBasicAuthRequired(t *testing.T) {
	loop := eventloop.New(zap.NewNop(), 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	snap := &config.Snapshot{Supervisord: config.SupervisordConfig{ChildLogDir: t.TempDir()}}
	sup := supervisor.New(zap.NewNop(), loop, snap)
	if err := sup.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	s := New(zap.NewNop(), loop, sup, nil, "test", "admin", "secret")
	srv := httptest.NewServer(s.Engine())
	defer srv.Close()

	body, _ := json.Marshal(Call{Method: "supervisor.getVersion"})
	resp, err := http.Post(srv.URL+"/RPC2", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /RPC2: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/RPC2", bytes.NewReader(body))
	req.SetBasicAuth("admin", "secret")
	req.Header.Set("Content-Type", "application/json")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authenticated POST /RPC2: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with correct credentials, got %d", resp2.StatusCode)
	}
}
