package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Strob0t/Runplane/internal/domain/run"
	"github.com/Strob0t/Runplane/internal/logger"
	"github.com/Strob0t/Runplane/internal/port/messagequeue"
	"github.com/Strob0t/Runplane/internal/port/toolexec"
)

// Executor forwards tool invocations to remote tool workers over core NATS
// request/reply on tools.exec.<tool>.
type Executor struct {
	nc      *nats.Conn
	timeout time.Duration
}

var _ toolexec.Executor = (*Executor)(nil)

// NewExecutor creates a remote executor. timeout bounds a single request
// when ctx carries no earlier deadline.
func NewExecutor(nc *nats.Conn, timeout time.Duration) *Executor {
	return &Executor{nc: nc, timeout: timeout}
}

// ToolSubject returns the request subject for tool.
func ToolSubject(tool string) string {
	return messagequeue.SubjectToolExecPrefix + "." + tool
}

func (e *Executor) Execute(ctx context.Context, req toolexec.Request) (*toolexec.Result, error) {
	data, err := json.Marshal(messagequeue.ToolExecRequestPayload{
		RunID:   req.RunID,
		StepID:  req.StepID,
		Attempt: req.Attempt,
		Tool:    req.Tool,
		Inputs:  req.Inputs,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal tool request: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok && e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	msg := nats.NewMsg(ToolSubject(req.Tool))
	msg.Data = data
	if id := logger.RequestID(ctx); id != "" {
		msg.Header.Set(messagequeue.HeaderRequestID, id)
	}

	resp, err := e.nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("no tool worker for %s: %w", req.Tool, toolexec.ErrUnknownTool)
		}
		return nil, fmt.Errorf("tool request %s: %w", req.Tool, err)
	}

	var reply messagequeue.ToolExecReplyPayload
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode tool reply %s: %w", req.Tool, err)
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}

	res := &toolexec.Result{Outputs: reply.Outputs}
	if res.Outputs == nil {
		res.Outputs = run.Values{}
	}
	for _, a := range reply.Artifacts {
		res.Artifacts = append(res.Artifacts, run.ArtifactSpec{Type: a.Type, Path: a.Path, Metadata: a.Metadata})
	}
	return res, nil
}
