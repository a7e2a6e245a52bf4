package mcpquic

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/quic-go/quic-go"

	"github.com/gridforge/swarm/idgen"
	"github.com/gridforge/swarm/kit"
)

// Handler turns an accepted QUIC connection into one MCP session. The
// SDK drives the JSON-RPC loop over the first bidirectional stream; the
// handler's job is the preamble check and context tagging so tools can
// see which transport called them.
type Handler struct {
	srv    *mcp.Server
	log    *slog.Logger
	nextID idgen.Generator
}

type HandlerOption func(*Handler)

// WithHandlerIDGenerator replaces the session id generator.
func WithHandlerIDGenerator(gen idgen.Generator) HandlerOption {
	return func(h *Handler) { h.nextID = gen }
}

func NewHandler(srv *mcp.Server, log *slog.Logger, opts ...HandlerOption) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{srv: srv, log: log, nextID: idgen.NanoID(8)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeConn runs the session to completion and closes the connection.
func (h *Handler) ServeConn(ctx context.Context, conn *quic.Conn) {
	peer := conn.RemoteAddr().String()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		h.log.Error("mcp stream accept", "peer", peer, "error", err)
		conn.CloseWithError(ConnErrorProtocolViolation, "stream accept failed")
		return
	}
	if err := ValidateMagicBytes(stream); err != nil {
		h.log.Error("mcp preamble rejected", "peer", peer, "error", err)
		stream.CancelWrite(StreamErrorProtocolConfusion)
		stream.CancelRead(StreamErrorProtocolConfusion)
		conn.CloseWithError(ConnErrorProtocolViolation, "invalid magic bytes")
		return
	}

	sid := "quic_" + h.nextID()
	h.log.Info("mcp session open", "session", sid, "peer", peer)

	ctx = kit.WithTransport(ctx, "mcp_quic")
	ctx = kit.WithSessionID(ctx, sid)
	ctx = kit.WithRemoteAddr(ctx, peer)

	session, err := h.srv.Connect(ctx, &streamTransport{stream: stream, sid: sid}, nil)
	if err != nil {
		h.log.Error("mcp connect", "session", sid, "error", err)
		stream.Close()
		return
	}
	if err := session.Wait(); err != nil {
		h.log.Debug("mcp session wait", "session", sid, "error", err)
	}
	h.log.Info("mcp session closed", "session", sid, "peer", peer)
}

// Listener accepts QUIC connections and hands each to the Handler.
type Listener struct {
	ql      *quic.Listener
	handler *Handler
	log     *slog.Logger
}

func NewListener(addr string, tlsCfg *tls.Config, srv *mcp.Server, log *slog.Logger, opts ...HandlerOption) (*Listener, error) {
	if log == nil {
		log = slog.Default()
	}
	ql, err := quic.ListenAddr(addr, tlsCfg, ProductionQUICConfig())
	if err != nil {
		return nil, err
	}
	log.Info("mcp quic listening", "addr", addr)
	return &Listener{ql: ql, handler: NewHandler(srv, log, opts...), log: log}, nil
}

// Serve accepts until ctx ends. Connections that negotiated the wrong
// ALPN are refused before any stream work happens.
func (l *Listener) Serve(ctx context.Context) error {
	for {
		conn, err := l.ql.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Error("quic accept", "error", err)
			continue
		}
		if proto := conn.ConnectionState().TLS.NegotiatedProtocol; proto != ALPNProtocolMCP {
			conn.CloseWithError(ConnErrorUnsupportedALPN, "unsupported ALPN: "+proto)
			continue
		}
		go l.handler.ServeConn(ctx, conn)
	}
}

func (l *Listener) Close() error { return l.ql.Close() }

// streamTransport adapts one QUIC stream to mcp.Transport. The SDK's
// ioConn leaves SessionID empty, so the returned connection carries the
// id assigned at accept time.
type streamTransport struct {
	stream *quic.Stream
	sid    string
}

func (t *streamTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	inner := &mcp.IOTransport{
		Reader: io.NopCloser(t.stream),
		Writer: streamWriteCloser{t.stream},
	}
	conn, err := inner.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &taggedConn{Connection: conn, sid: t.sid}, nil
}

type taggedConn struct {
	mcp.Connection
	sid string
}

func (c *taggedConn) SessionID() string { return c.sid }

// streamWriteCloser narrows *quic.Stream to io.WriteCloser without
// exposing its cancel methods to the SDK.
type streamWriteCloser struct{ stream *quic.Stream }

func (w streamWriteCloser) Write(p []byte) (int, error) { return w.stream.Write(p) }
func (w streamWriteCloser) Close() error                { return w.stream.Close() }
