package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/odvcencio/nodelink/pkg/bus"
	apperrors "github.com/odvcencio/nodelink/pkg/errors"
)

// ServeBus answers bus.SendRequest messages on bus.SendSubject for this node
// until ctx is done. Each request is sent with SendMessage and answered with
// a bus.SendReply.
func (c *Client) ServeBus(ctx context.Context) error {
	if c.opts.Bus == nil {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "no message bus configured")
	}
	subject := bus.SendSubject(c.opts.Identity.NodeID)
	sub, err := c.opts.Bus.Subscribe(ctx, subject, func(msg *bus.Message) []byte {
		return c.handleBusSend(ctx, msg)
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeTransport, "subscribe "+subject)
	}
	c.log.Info("serving bus sends", slog.String("subject", subject))

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil {
		c.log.Debug("bus unsubscribe", slog.String("error", err.Error()))
	}
	return nil
}

func (c *Client) handleBusSend(ctx context.Context, msg *bus.Message) []byte {
	var req bus.SendRequest
	reply := bus.SendReply{}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		reply.Error = "invalid request: " + err.Error()
		return encodeReply(reply)
	}

	sent, err := c.SendMessage(ctx, req.Text, req.SessionKey)
	reply.MessageID = sent.ID
	if err != nil {
		if coded, ok := apperrors.As(err); ok {
			reply.Error = coded.Display()
		} else {
			reply.Error = err.Error()
		}
		return encodeReply(reply)
	}
	reply.OK = true
	return encodeReply(reply)
}

func encodeReply(reply bus.SendReply) []byte {
	data, _ := json.Marshal(reply)
	return data
}
