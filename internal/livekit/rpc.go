package livekit

import (
	"context"
	"errors"
	"fmt"
	"time"

	lksdk "github.com/livekit/server-sdk-go/v2"

	"github.com/chadiek/voice-agent/internal/dispatch"
)

// rpcPerformer is the slice of *lksdk.LocalParticipant used for task calls.
type rpcPerformer interface {
	PerformRpc(params lksdk.PerformRpcParams) (*string, error)
}

// rpcCaller performs remote calls with LiveKit RPC.
type rpcCaller struct {
	lp rpcPerformer
	// fallback names the destination when the dispatcher passes none.
	fallback func() string
}

func (c *rpcCaller) PerformRemoteCall(ctx context.Context, destination, method, payload string, timeout time.Duration) (string, error) {
	if destination == "" && c.fallback != nil {
		destination = c.fallback()
	}
	if destination == "" {
		return "", errors.New("livekit: no participant to call")
	}

	type reply struct {
		val string
		err error
	}
	done := make(chan reply, 1)
	go func() {
		res, err := c.lp.PerformRpc(lksdk.PerformRpcParams{
			DestinationIdentity: destination,
			Method:              method,
			Payload:             payload,
			ResponseTimeout:     &timeout,
		})
		var r reply
		if res != nil {
			r.val = *res
		}
		r.err = classifyRpcError(err)
		done <- r
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// classifyRpcError maps LiveKit RPC errors onto the dispatcher's vocabulary.
func classifyRpcError(err error) error {
	if err == nil {
		return nil
	}
	var re *lksdk.RpcError
	if !errors.As(err, &re) {
		return fmt.Errorf("livekit rpc: %w", err)
	}
	switch re.Code {
	case lksdk.RpcResponseTimeout:
		return fmt.Errorf("livekit rpc: %s: %w", re.Message, dispatch.ErrTimeout)
	case lksdk.RpcApplicationError:
		return &dispatch.RemoteError{Code: int(re.Code), Message: re.Message}
	}
	return fmt.Errorf("livekit rpc %d: %s", re.Code, re.Message)
}
