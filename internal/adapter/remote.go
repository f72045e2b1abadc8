package adapter

import (
	"context"

	"github.com/basket/taskforge/internal/task"
)

// RemoteStub reserves the remote-execution surface. It is deliberately
// non-functional: every operation fails with a distinct unsupported
// error, proving the adapter boundary is backend-agnostic without
// shipping a network transport.
type RemoteStub struct{}

func NewRemoteStub() *RemoteStub { return &RemoteStub{} }

func (r *RemoteStub) ID() string { return "remote-stub" }

func (r *RemoteStub) Caps() Capabilities {
	// ResumeToken is declared to exercise capability reporting for a
	// flag the local adapter lacks; the operation itself still fails.
	return Capabilities{ResumeToken: true}
}

func (r *RemoteStub) Prepare(context.Context, string, *task.Task, string) (*Prepared, error) {
	return nil, NotSupported(r.ID(), "prepare (remote execution not implemented)")
}

func (r *RemoteStub) Start(context.Context, string, *task.Task, *Prepared) (*Handle, error) {
	return nil, NotSupported(r.ID(), "start (remote execution not implemented)")
}

func (r *RemoteStub) Status(context.Context, *Handle) (RunState, error) {
	return RunStateExited, NotSupported(r.ID(), "status")
}

func (r *RemoteStub) Cancel(context.Context, *Handle) error {
	return NotSupported(r.ID(), "cancel")
}

func (r *RemoteStub) Cleanup(context.Context, string, *Handle) error {
	return NotSupported(r.ID(), "cleanup")
}

func (r *RemoteStub) RequestHandoff(context.Context, *Handle) (*Handoff, error) {
	return nil, NotSupported(r.ID(), "requestHandoff")
}

func (r *RemoteStub) AttachContext(context.Context, *Handle) (*AttachContext, error) {
	return nil, NotSupported(r.ID(), "attachContext")
}

func (r *RemoteStub) ResumeFromAttach(context.Context, *Handle) error {
	return NotSupported(r.ID(), "resumeFromAttach")
}

func (r *RemoteStub) Checkpoint(context.Context, *Handle) (string, error) {
	return "", NotSupported(r.ID(), "checkpoint")
}

func (r *RemoteStub) Restore(context.Context, string, *task.Task, string) (*Handle, error) {
	return nil, NotSupported(r.ID(), "restore")
}
