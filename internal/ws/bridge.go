package ws

import (
	"net/http"

	"github.com/frak-labs/frame-connector/internal/metrics"
	"github.com/frak-labs/frame-connector/internal/product"
	"github.com/frak-labs/frame-connector/pkg/rpc"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// RegisterFunc attaches method handlers to a freshly created per-connection
// server.
type RegisterFunc func(srv *rpc.Server)

// Bridge is the /v1/connect endpoint: each partner frame gets its own
// rpc.Server bound to the connection, with the upgrade origin as the only
// allowed message origin.
type Bridge struct {
	upgrader websocket.Upgrader
	registry *Registry
	register RegisterFunc
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics
	rpcOpts  []rpc.ServerOption
}

// NewBridge creates the bridge. Upgrades from origins outside
// allowedOrigins are refused; "*" allows any origin. Same-origin requests
// carry no Origin header and are always allowed.
func NewBridge(allowedOrigins []string, registry *Registry, register RegisterFunc, logger *zap.SugaredLogger, m *metrics.Metrics, rpcOpts ...rpc.ServerOption) *Bridge {
	allowAll := false
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = struct{}{}
	}

	b := &Bridge{
		registry: registry,
		register: register,
		logger:   logger,
		metrics:  m,
		rpcOpts:  rpcOpts,
	}
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowAll {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
	return b
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Errorw("WebSocket upgrade failed", "error", err)
		return
	}

	origin := r.Header.Get("Origin")
	transport := newConnTransport(conn, origin, b.logger)
	defer transport.Close()

	if b.metrics != nil {
		b.metrics.IncrementConnections(r.Context())
		defer b.metrics.DecrementConnections(r.Context())
	}

	if contextID := r.URL.Query().Get("id"); contextID != "" {
		remove := b.registry.Add(contextID, origin, transport)
		defer remove()
	}

	opts := append([]rpc.ServerOption{
		rpc.WithServerLogger(b.logger),
		rpc.WithContextFunc(func(rc *rpc.RequestContext) error {
			rc.SourceURL = rc.Origin
			rc.ProductID = product.IDFromOrigin(rc.Origin)
			return nil
		}),
	}, b.rpcOpts...)
	if b.metrics != nil {
		opts = append(opts, rpc.WithRecorder(b.metrics))
	}

	srv := rpc.NewServer(transport, []string{origin}, opts...)
	defer srv.Close()
	b.register(srv)

	b.logger.Debugw("Frame connected", "origin", origin)
	if err := srv.Serve(r.Context()); err != nil && r.Context().Err() == nil {
		b.logger.Debugw("Frame connection ended", "origin", origin, "error", err)
	}
	b.logger.Debugw("Frame disconnected", "origin", origin)
}
