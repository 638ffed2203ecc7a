package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/frak-labs/frame-connector/internal/product"
	"github.com/frak-labs/frame-connector/pkg/rpc"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const partnerOrigin = "https://partner.example"

func newTestBridge(t *testing.T, allowed []string, register RegisterFunc) (*Registry, *httptest.Server) {
	t.Helper()
	registry := NewRegistry()
	bridge := NewBridge(allowed, registry, register, zap.NewNop().Sugar(), nil)
	srv := httptest.NewServer(bridge)
	t.Cleanup(srv.Close)
	return registry, srv
}

func dial(t *testing.T, srv *httptest.Server, origin, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{origin}})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) rpc.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	envs, err := rpc.DecodeEnvelopes(data)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	return envs[0]
}

func TestBridgeRoundTrip(t *testing.T) {
	_, srv := newTestBridge(t, []string{partnerOrigin}, func(s *rpc.Server) {
		s.Handle("echo", func(ctx context.Context, req *rpc.Request) (any, error) {
			var params map[string]string
			if err := req.Bind(&params); err != nil {
				return nil, err
			}
			params["origin"] = req.Context.Origin
			params["productId"] = req.Context.ProductID
			return params, nil
		})
	})

	conn := dial(t, srv, partnerOrigin, "")
	require.NoError(t, conn.WriteJSON(rpc.Envelope{
		ID:     "1",
		Method: "echo",
		Params: json.RawMessage(`{"hello":"world"}`),
	}))

	env := readEnvelope(t, conn)
	assert.Equal(t, "1", env.ID)
	require.Nil(t, env.Error)

	var result map[string]string
	require.NoError(t, json.Unmarshal(env.Result, &result))
	assert.Equal(t, "world", result["hello"])
	assert.Equal(t, partnerOrigin, result["origin"])
	assert.Equal(t, product.IDFromOrigin(partnerOrigin), result["productId"])
}

func TestBridgeRefusesDisallowedOrigin(t *testing.T) {
	_, srv := newTestBridge(t, []string{partnerOrigin}, func(*rpc.Server) {})

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	if conn != nil {
		conn.Close()
	}
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestBridgeWildcardOrigin(t *testing.T) {
	_, srv := newTestBridge(t, []string{"*"}, func(s *rpc.Server) {
		s.Handle("ping", func(ctx context.Context, req *rpc.Request) (any, error) {
			return "pong", nil
		})
	})

	conn := dial(t, srv, "https://anyone.example", "")
	require.NoError(t, conn.WriteJSON(rpc.Envelope{ID: "1", Method: "ping"}))
	env := readEnvelope(t, conn)
	require.Nil(t, env.Error)
	assert.JSONEq(t, `"pong"`, string(env.Result))
}

func TestBridgeRegistersContextID(t *testing.T) {
	registry, srv := newTestBridge(t, []string{partnerOrigin}, func(*rpc.Server) {})

	conn := dial(t, srv, partnerOrigin, "?id=ctx-99")
	require.Eventually(t, func() bool {
		_, ok := registry.Find("ctx-99")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	// A notification pushed through the registry lands on the socket.
	opener, ok := registry.Find("ctx-99")
	require.True(t, ok)
	require.NoError(t, opener.Notify(context.Background(), "sso_status", map[string]string{"status": "pending"}))

	env := readEnvelope(t, conn)
	assert.Equal(t, "sso_status", env.Method)
	assert.JSONEq(t, `{"status":"pending"}`, string(env.Params))

	conn.Close()
	require.Eventually(t, func() bool {
		_, ok := registry.Find("ctx-99")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBridgeStreamTermination(t *testing.T) {
	cancelled := make(chan struct{})
	_, srv := newTestBridge(t, []string{partnerOrigin}, func(s *rpc.Server) {
		s.HandleStream("watch", func(ctx context.Context, req *rpc.Request, emit rpc.EmitFunc) error {
			if err := emit("tick"); err != nil {
				return err
			}
			<-ctx.Done()
			close(cancelled)
			return nil
		})
	})

	conn := dial(t, srv, partnerOrigin, "")
	require.NoError(t, conn.WriteJSON(rpc.Envelope{ID: "s1", Method: "watch"}))

	env := readEnvelope(t, conn)
	assert.True(t, env.Stream)
	assert.JSONEq(t, `"tick"`, string(env.Result))

	require.NoError(t, conn.WriteJSON(rpc.Envelope{ID: "s1", Method: rpc.MethodCancel}))
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel never reached the stream handler")
	}
}
