package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/foremanproject/foreman/emit"
)

// Executor launches the agent CLI as a subprocess and consumes its
// line-delimited JSON event stream.
//
// The stream contract (one JSON object per stdout line):
//
//	{"type":"system","subtype":"init","session_id":"..."}
//	{"type":"assistant","message":{...}}
//	{"type":"result","subtype":"success","result":"...","usage":{...},"total_cost_usd":0.42}
//
// The session id arrives in the init event and is captured even when the
// attempt later fails, so a retry can resume. The result event carries the
// outcome; a missing result event (crash, kill) classifies from stderr.
type Executor struct {
	// Command is the agent binary. Defaults to "claude".
	Command string

	// BaseArgs precede the per-request arguments. Defaults to the
	// non-interactive streaming flags.
	BaseArgs []string

	// WorkDir is the default working directory for launched agents.
	WorkDir string

	// Emitter receives launch/exit events. Defaults to NullEmitter.
	Emitter emit.Emitter
}

// streamEvent is the subset of the CLI's stream-json schema the executor
// cares about.
type streamEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	IsError   bool   `json:"is_error"`
	Usage     struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// NewExecutor creates an executor with the default CLI wiring.
func NewExecutor() *Executor {
	return &Executor{
		Command:  "claude",
		BaseArgs: []string{"-p", "--output-format", "stream-json", "--verbose"},
		Emitter:  emit.NewNullEmitter(),
	}
}

func (e *Executor) emitter() emit.Emitter {
	if e.Emitter == nil {
		return emit.NewNullEmitter()
	}
	return e.Emitter
}

// Launch runs one agent attempt to completion, or until ctx is cancelled.
func (e *Executor) Launch(ctx context.Context, req Request) (Result, error) {
	command := e.Command
	if command == "" {
		command = "claude"
	}
	args := append([]string{}, e.BaseArgs...)
	if req.Agent != "" {
		args = append(args, "--agents", req.Agent)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	args = append(args, req.Prompt)

	cmd := exec.CommandContext(ctx, command, args...)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	} else if e.WorkDir != "" {
		cmd.Dir = e.WorkDir
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("open stdout pipe: %w", err)
	}

	res := Result{StartedAt: time.Now().UTC()}
	e.emitter().Emit(emit.Event{
		Agent: req.Agent, Msg: "agent_launch",
		Meta: map[string]interface{}{"resume": req.SessionID != ""},
	})

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start agent process: %w", err)
	}

	var sawResult bool
	scanner := bufio.NewScanner(stdout)
	// Assistant events can carry whole file contents.
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event streamEvent
		if err := json.Unmarshal(line, &event); err != nil {
			// Non-JSON noise on stdout is tolerated.
			continue
		}
		if event.SessionID != "" {
			res.SessionID = event.SessionID
		}
		if event.Type != "result" {
			continue
		}
		sawResult = true
		res.Text = event.Result
		res.Usage = Usage{
			InputTokens:  event.Usage.InputTokens,
			OutputTokens: event.Usage.OutputTokens,
			CostUSD:      event.TotalCostUSD,
		}
		if event.IsError || event.Subtype != "success" {
			res.ErrorText = event.Result
			if res.ErrorText == "" {
				res.ErrorText = event.Subtype
			}
			res.Outcome = Classify(res.ErrorText)
		} else {
			res.Outcome = OutcomeSuccess
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	res.EndedAt = time.Now().UTC()
	res.ExitCode = cmd.ProcessState.ExitCode()

	if ctx.Err() != nil {
		res.Outcome = OutcomeCancelled
		res.ErrorText = ctx.Err().Error()
		e.emitter().Emit(emit.Event{Agent: req.Agent, Msg: "agent_cancelled"})
		return res, nil
	}
	if scanErr != nil {
		return res, fmt.Errorf("read agent stream: %w", scanErr)
	}

	if !sawResult {
		// The process died without a terminal event. Classify from
		// whatever it left on stderr.
		res.ErrorText = stderr.String()
		if res.ErrorText == "" && waitErr != nil {
			res.ErrorText = waitErr.Error()
		}
		res.Outcome = Classify(res.ErrorText)
	}
	if waitErr != nil && res.Outcome == OutcomeSuccess {
		// Successful result event but nonzero exit; trust the exit code.
		res.Outcome = OutcomeUnknown
		res.ErrorText = waitErr.Error()
	}

	e.emitter().Emit(emit.Event{
		Agent: req.Agent, Msg: "agent_exit",
		Meta: map[string]interface{}{
			"outcome":   string(res.Outcome),
			"exit_code": res.ExitCode,
		},
	})

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return res, fmt.Errorf("wait for agent process: %w", waitErr)
	}
	return res, nil
}
