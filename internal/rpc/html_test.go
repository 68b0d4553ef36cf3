package rpc

import (
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/hexadeca/supervisor/internal/process"
)

// TestHTMLControlFormMutatesThroughLoop exercises the browser form's
// start/stop actions and confirms they actually take effect — i.e. that
// posting onto the event loop (rather than calling Process methods directly
// on the request goroutine) still does the work, just asynchronously.
func TestHTMLControlFormMutatesThroughLoop(t *testing.T) {
	_, srv := newTestServer(t)

	form := url.Values{"name": {"webapp"}, "action": {"start"}}
	resp, err := http.PostForm(srv.URL+"/control", form)
	if err != nil {
		t.Fatalf("POST /control: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after following the redirect, got %d", resp.StatusCode)
	}

	name, _ := json.Marshal("webapp")

	deadline := time.Now().Add(time.Second)
	var state string
	for time.Now().Before(deadline) {
		infoResp := postRPC(t, srv, Call{Method: "supervisor.getProcessInfo", Params: []json.RawMessage{name}})
		if infoResp.Fault != nil {
			t.Fatalf("getProcessInfo fault: %+v", infoResp.Fault)
		}
		m, ok := infoResp.Result.(map[string]any)
		if !ok {
			t.Fatalf("unexpected result shape: %+v", infoResp.Result)
		}
		state, _ = m["state"].(string)
		if state == process.StateStarting.String() || state == process.StateRunning.String() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("process never left %s after form start, last state %q", process.StateStopped, state)
}
