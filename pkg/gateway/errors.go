package gateway

import (
	"context"
	"errors"

	apperrors "github.com/odvcencio/nodelink/pkg/errors"
	"github.com/odvcencio/nodelink/pkg/gateway/protocol"
	"github.com/odvcencio/nodelink/pkg/gateway/rpc"
)

// classify maps a failure from the transport or correlator onto a coded
// error. Context errors are returned unchanged.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}

	var rpcErr *protocol.RPCError
	switch {
	case errors.As(err, &rpcErr):
		return apperrors.Wrap(err, apperrors.ErrCodeProtocol, op+" rejected by gateway").
			WithContext("code", rpcErr.Code).
			WithUserMessage(rpcErr.Message)
	case errors.Is(err, rpc.ErrTimeout):
		return apperrors.Wrap(err, apperrors.ErrCodeRPCTimeout, op+" timed out").
			WithRetryable(true).
			WithUserMessage("The gateway did not answer in time.")
	case errors.Is(err, rpc.ErrConnectionClosed):
		return apperrors.Wrap(err, apperrors.ErrCodeConnectionClosed, op+" interrupted").
			WithRetryable(true).
			WithUserMessage("The connection to the gateway was lost.")
	case errors.Is(err, rpc.ErrNotConnected):
		return apperrors.Wrap(err, apperrors.ErrCodeNotConnected, op+" requires a connection").
			WithUserMessage("Not connected to the gateway.").
			WithRemediation("Run connect and wait for pairing to finish")
	case errors.Is(err, ErrClientClosed):
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, op+" on closed client")
	default:
		return apperrors.Wrap(err, apperrors.ErrCodeTransport, op+" failed").
			WithRetryable(true)
	}
}
