// Package rpc implements Component H: the HTTP-framed control surface.
// The wire format is a JSON request/response envelope resolved from the
// spec's "tagged request envelope carrying method name in a namespace...
// and ordered arguments" (§4.H), concretely fixed in SPEC_FULL.md §4.H:
//
//	{"method": "supervisor.getProcessInfo", "params": ["webapp"]}
//	{"result": {...}}
//	{"fault": {"code": 10, "message": "webapp"}}
//
// A batch call is a JSON array of request envelopes, answered by a JSON
// array of response envelopes in the same order.
package rpc

import "encoding/json"

// Call is one request envelope.
type Call struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// Fault is an RpcFault, §7 error taxonomy: malformed request, unknown
// method, bad arguments, unknown process name, illegal state transition.
// Never crashes the server — always returned as data.
type Fault struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Response is one response envelope; exactly one of Result/Fault is set.
type Response struct {
	Result any    `json:"result,omitempty"`
	Fault  *Fault `json:"fault,omitempty"`
}

// Fault codes, loosely modeled on the source system's xmlrpc fault
// numbering since operators of the prior art expect similarly distinct
// codes per failure class, renumbered to avoid implying XML-RPC.
const (
	FaultUnknownMethod    = 1
	FaultIncorrectParams  = 2
	FaultBadName          = 10
	FaultAlreadyStarted   = 20
	FaultNotRunning       = 21
	FaultSpawnError       = 30
	FaultAbnormalTerm     = 40
	FaultBadSignal        = 50
	FaultNoFile           = 60
	FaultFailed           = 70
	FaultShutdownPending  = 80
)

func fault(code int, msg string) Response {
	return Response{Fault: &Fault{Code: code, Message: msg}}
}

func result(v any) Response {
	return Response{Result: v}
}
