// gateway-worker is the sandboxed subprocess the pool talks to over
// newline-delimited JSON on stdin/stdout. It handles one request at a
// time and answers with the same id it was given.
//
// Exit codes: 0 ok, 1 handler exception, 2 no input, 3 action not
// allowed, 4 input too large.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/intelli/agent-gateway/internal/workerpool"
)

const (
	exitOK           = 0
	exitHandlerError = 1
	exitNoInput      = 2
	exitNotAllowed   = 3
	exitTooLarge     = 4

	shellMaxTimeout = 120 * time.Second
	shellOutputCap  = 8000
)

func main() {
	allowed := allowedActions()

	reader := bufio.NewReaderSize(os.Stdin, workerpool.MaxRequestBytes+1024)
	out := bufio.NewWriter(os.Stdout)
	handled := false

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if len(line) == 0 {
				if handled {
					os.Exit(exitOK)
				}
				os.Exit(exitNoInput)
			}
			// Trailing request without newline: process it, then exit.
		}

		if len(line) > workerpool.MaxRequestBytes {
			reply(out, workerpool.Response{Error: "input too large"})
			os.Exit(exitTooLarge)
		}

		var req workerpool.Request
		if err := json.Unmarshal(line, &req); err != nil {
			reply(out, workerpool.Response{Error: fmt.Sprintf("bad request: %v", err)})
			continue
		}

		if !allowed[req.Action] {
			reply(out, workerpool.Response{ID: req.ID, Error: fmt.Sprintf("action %q not allowed", req.Action)})
			os.Exit(exitNotAllowed)
		}

		result, err := handle(req)
		if err != nil {
			reply(out, workerpool.Response{ID: req.ID, Error: err.Error()})
			os.Exit(exitHandlerError)
		}
		reply(out, workerpool.Response{ID: req.ID, Result: result})
		handled = true
	}
}

func reply(out *bufio.Writer, resp workerpool.Response) {
	data, _ := json.Marshal(resp)
	out.Write(data)
	out.WriteByte('\n')
	out.Flush()
}

func allowedActions() map[string]bool {
	raw := os.Getenv("AGENT_GATEWAY_WORKER_ACTIONS")
	if raw == "" {
		raw = "noop,echo"
	}
	allowed := make(map[string]bool)
	for _, a := range strings.Split(raw, ",") {
		if a = strings.TrimSpace(a); a != "" {
			allowed[a] = true
		}
	}
	return allowed
}

func handle(req workerpool.Request) (result map[string]interface{}, err error) {
	// A panicking handler must still produce a parseable error line.
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	switch req.Action {
	case "noop":
		return map[string]interface{}{"ok": true}, nil
	case "echo":
		return map[string]interface{}{"echo": req.Params}, nil
	case "shell":
		return runShell(req.Params)
	default:
		return nil, fmt.Errorf("unhandled action %q", req.Action)
	}
}

func runShell(params map[string]interface{}) (map[string]interface{}, error) {
	command, _ := params["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("shell: command is required")
	}

	timeout := shellMaxTimeout
	if v, ok := params["timeout_seconds"].(float64); ok && v > 0 {
		requested := time.Duration(v) * time.Second
		if requested < timeout {
			timeout = requested
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	combined, err := cmd.CombinedOutput()
	if err != nil && ctx.Err() == nil {
		if _, isExit := err.(*exec.ExitError); !isExit {
			return nil, fmt.Errorf("shell: %w", err)
		}
	}

	output := string(combined)
	truncated := false
	if len(output) > shellOutputCap {
		output = output[:shellOutputCap]
		truncated = true
	}

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	result := map[string]interface{}{
		"output":    output,
		"truncated": truncated,
		"exit_code": exitCode,
	}
	if ctx.Err() == context.DeadlineExceeded {
		result["timed_out"] = true
	}
	return result, nil
}
