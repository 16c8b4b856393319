package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"go.uber.org/zap"

	"github.com/delegate-dev/delegate/internal/common/logger"
)

// ExecAdapter runs turns through an external agent command. The turn
// request is written to the command's stdin as JSON; the command writes
// a TurnResult as JSON to stdout. Cancelling the context kills the
// process.
type ExecAdapter struct {
	command string
	logger  *logger.Logger
}

// NewExecAdapter creates an adapter around the given shell command.
func NewExecAdapter(command string, log *logger.Logger) *ExecAdapter {
	return &ExecAdapter{
		command: command,
		logger:  log.WithFields(zap.String("component", "agent")),
	}
}

func (a *ExecAdapter) RunTurn(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode turn request: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", a.command)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.logger.Debug("Running agent turn",
		zap.String("agent", req.Member.Name),
		zap.Int("messages", len(req.Messages)))

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("agent command failed: %w: %s", err, stderr.String())
	}

	var result TurnResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("decode turn result: %w", err)
	}
	return &result, nil
}
