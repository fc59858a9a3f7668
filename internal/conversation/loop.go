package conversation

import (
	"context"

	"github.com/matteoluc/spindle/internal/protocol"
)

// Dispatch parses one raw client payload and routes it to the right handler.
// The returned value is the outbound message to send, or nil when there is
// nothing to say.
func (o *Orchestrator) Dispatch(ctx context.Context, raw []byte) (any, error) {
	msg, err := protocol.ParseClientMessage(raw)
	if err != nil {
		return nil, err
	}
	switch m := msg.(type) {
	case protocol.UserUtterance:
		return o.HandleUtterance(ctx, m)
	case protocol.ClarificationAnswer:
		return o.HandleClarification(ctx, m)
	case protocol.CandidateSelection:
		return o.HandleSelection(ctx, m)
	case protocol.ClientControl:
		return o.HandleControl(m)
	default:
		return nil, protocol.ErrUnsupportedType
	}
}

// Run pumps one session's conversation until the context ends or inbound
// closes. Handler errors become error events on the outbound channel rather
// than terminating the loop.
func (o *Orchestrator) Run(ctx context.Context, sessionID string, inbound <-chan []byte, outbound chan<- any) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-inbound:
			if !ok {
				return
			}
			out, err := o.Dispatch(ctx, raw)
			if err != nil {
				out = protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sessionID,
					Code:      "bad_request",
					Message:   err.Error(),
				}
			}
			if out == nil {
				continue
			}
			select {
			case outbound <- out:
			case <-ctx.Done():
				return
			}
		}
	}
}
