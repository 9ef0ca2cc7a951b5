// Package shell executes local commands as scheduler work (maintenance jobs,
// export scripts). The command runs under the attempt's context, so a task
// timeout kills it.
package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"genflow/internal/domain"
)

type Cmd struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

type Result struct {
	Output string `json:"output"`
}

type Shell struct{}

func (Shell) Handle(ctx context.Context, payload json.RawMessage, _ domain.ExecContext) (json.RawMessage, error) {
	var c Cmd
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, err
	}
	if c.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	return json.Marshal(Result{Output: string(out)})
}
