package livekit

import (
	"context"
	"errors"
	"testing"
	"time"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/voice-agent/internal/dispatch"
)

type performFunc func(lksdk.PerformRpcParams) (*string, error)

func (f performFunc) PerformRpc(p lksdk.PerformRpcParams) (*string, error) { return f(p) }

func TestRPCCaller_Success(t *testing.T) {
	var got lksdk.PerformRpcParams
	c := &rpcCaller{lp: performFunc(func(p lksdk.PerformRpcParams) (*string, error) {
		got = p
		v := "ok"
		return &v, nil
	})}

	val, err := c.PerformRemoteCall(context.Background(), "lune", "getAgentTask", `{"action":"a"}`, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.Equal(t, "lune", got.DestinationIdentity)
	assert.Equal(t, "getAgentTask", got.Method)
	assert.Equal(t, `{"action":"a"}`, got.Payload)
	require.NotNil(t, got.ResponseTimeout)
	assert.Equal(t, 5*time.Second, *got.ResponseTimeout)
}

func TestRPCCaller_FallbackDestination(t *testing.T) {
	var dest string
	c := &rpcCaller{
		lp: performFunc(func(p lksdk.PerformRpcParams) (*string, error) {
			dest = p.DestinationIdentity
			return nil, nil
		}),
		fallback: func() string { return "browser-user" },
	}
	_, err := c.PerformRemoteCall(context.Background(), "", "getHumanTask", "{}", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "browser-user", dest)

	c.fallback = func() string { return "" }
	_, err = c.PerformRemoteCall(context.Background(), "", "getHumanTask", "{}", time.Second)
	assert.Error(t, err)
}

func TestRPCCaller_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := &rpcCaller{lp: performFunc(func(lksdk.PerformRpcParams) (*string, error) {
		<-release
		return nil, nil
	})}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.PerformRemoteCall(ctx, "lune", "getAgentTask", "{}", time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClassifyRpcError(t *testing.T) {
	assert.NoError(t, classifyRpcError(nil))

	err := classifyRpcError(&lksdk.RpcError{Code: lksdk.RpcResponseTimeout, Message: "Response timeout"})
	assert.ErrorIs(t, err, dispatch.ErrTimeout)

	err = classifyRpcError(&lksdk.RpcError{Code: lksdk.RpcApplicationError, Message: "board locked"})
	var re *dispatch.RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "board locked", re.Message)

	err = classifyRpcError(&lksdk.RpcError{Code: lksdk.RpcRecipientDisconnected, Message: "gone"})
	assert.False(t, errors.As(err, &re))
	assert.NotErrorIs(t, err, dispatch.ErrTimeout)

	plain := errors.New("socket closed")
	assert.ErrorIs(t, classifyRpcError(plain), plain)
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{}.validate())
	assert.Error(t, Config{URL: "wss://x", APIKey: "k"}.validate())
	assert.Error(t, Config{URL: "wss://x", APIKey: "k", APISecret: "s"}.validate())
	assert.NoError(t, Config{URL: "wss://x", APIKey: "k", APISecret: "s", Room: "r"}.validate())
}

func TestWorker_RunRejectsBadConfig(t *testing.T) {
	w := NewWorker(Config{}, nil, nil)
	assert.Error(t, w.Run(context.Background()))
}
