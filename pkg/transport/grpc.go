package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jllopis/contractnet/pkg/core"
	"github.com/jllopis/contractnet/pkg/errors"
	"github.com/jllopis/contractnet/pkg/mailbox"
	"github.com/jllopis/contractnet/pkg/resilience"
	"github.com/jllopis/contractnet/pkg/telemetry"
)

const deliverMethod = "/contractnet.v1.Transport/Deliver"

// DeliveryServer is the server side of the node transport service.
type DeliveryServer interface {
	Deliver(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
}

var transportServiceDesc = grpc.ServiceDesc{
	ServiceName: "contractnet.v1.Transport",
	HandlerType: (*DeliveryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "contractnet/v1/transport.proto",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DeliveryServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DeliveryServer).Deliver(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCOption configures a GRPC transport.
type GRPCOption func(*GRPC)

// WithDialOptions replaces the dial options used for peers. The default
// dials without transport security.
func WithDialOptions(opts ...grpc.DialOption) GRPCOption {
	return func(g *GRPC) {
		g.dialOpts = opts
	}
}

// WithRetry sets the retry policy for unavailable peers.
func WithRetry(rc resilience.RetryConfig) GRPCOption {
	return func(g *GRPC) {
		g.retry = rc
	}
}

// WithSendTimeout bounds each delivery attempt.
func WithSendTimeout(d time.Duration) GRPCOption {
	return func(g *GRPC) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithBreaker enables a circuit breaker per peer. A peer whose breaker is
// open fails fast instead of being dialled.
func WithBreaker(cfg resilience.CircuitBreakerConfig) GRPCOption {
	return func(g *GRPC) {
		g.breakerCfg = &cfg
	}
}

// WithGRPCLogger sets the logger.
func WithGRPCLogger(logger *slog.Logger) GRPCOption {
	return func(g *GRPC) {
		g.logger = logger
	}
}

// GRPC is the node transport. Local peers subscribe to it, the node serves
// Deliver for them, and outbound messages are sent to the address the
// AddressBook returns for the addressee.
type GRPC struct {
	book       AddressBook
	dialOpts   []grpc.DialOption
	retry      resilience.RetryConfig
	timeout    time.Duration
	breakerCfg *resilience.CircuitBreakerConfig
	logger     *slog.Logger
	tracer     trace.Tracer

	mu       sync.Mutex
	boxes    map[string]*mailbox.Mailbox[core.Message]
	conns    map[string]*grpc.ClientConn
	breakers map[string]*resilience.CircuitBreaker
	closed   bool
}

// NewGRPC creates a node transport resolving peers through book.
func NewGRPC(book AddressBook, opts ...GRPCOption) *GRPC {
	g := &GRPC{
		book:     book,
		dialOpts: []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
		retry:    resilience.DefaultRetryConfig().WithIsRecoverable(Unavailable),
		timeout:  5 * time.Second,
		tracer:   otel.Tracer("contractnet/transport"),
		boxes:    make(map[string]*mailbox.Mailbox[core.Message]),
		conns:    make(map[string]*grpc.ClientConn),
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = telemetry.LoggerOrDefault(g.logger)
	return g
}

// Register exposes the transport service on server.
func (g *GRPC) Register(server *grpc.Server) {
	server.RegisterService(&transportServiceDesc, g)
}

// Subscribe registers a local peer and returns its inbound stream.
func (g *GRPC) Subscribe(ctx context.Context, selfID string) (<-chan core.Message, error) {
	if selfID == "" {
		return nil, errors.New(errors.CodeInvalidArgument, "subscriber id is empty", nil)
	}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, errors.New(errors.CodeTransport, "transport is closed", nil)
	}
	if _, exists := g.boxes[selfID]; exists {
		g.mu.Unlock()
		return nil, errors.Errorf(errors.CodeInvalidArgument, "peer %q already subscribed", selfID)
	}
	box := mailbox.New[core.Message]()
	g.boxes[selfID] = box
	g.mu.Unlock()

	go func() {
		<-ctx.Done()
		g.mu.Lock()
		if current, ok := g.boxes[selfID]; ok && current == box {
			delete(g.boxes, selfID)
		}
		g.mu.Unlock()
		box.Close()
	}()
	g.logger.Debug("transport.grpc.subscribe", slog.String("peer", selfID))
	return box.Pump(ctx), nil
}

// Deliver implements DeliveryServer: the message is queued for its local
// addressee, or rejected with NotFound.
func (g *GRPC) Deliver(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, incomingCarrier(ctx))
	msg, err := DecodeMessage(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	_, span := g.tracer.Start(ctx, "transport.deliver",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(telemetry.MessageAttributes(string(msg.Kind), msg.From, msg.To)...),
	)
	defer span.End()

	box := g.local(msg.To)
	if box == nil {
		return nil, status.Errorf(codes.NotFound, "peer %s is not served here", msg.To)
	}
	box.Put(msg)
	return &emptypb.Empty{}, nil
}

// Send delivers msg to a local subscriber directly, or to the addressee's
// node. An unknown addressee produces an undeliverable notice for a local
// sender; other failures are logged and the message is dropped.
func (g *GRPC) Send(ctx context.Context, msg core.Message) error {
	if msg.To == "" {
		return errors.New(errors.CodeInvalidArgument, "message has no addressee", nil)
	}
	if g.isClosed() {
		return errors.New(errors.CodeTransport, "transport is closed", nil)
	}
	if box := g.local(msg.To); box != nil {
		box.Put(msg)
		return nil
	}

	ctx, span := g.tracer.Start(ctx, "transport.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.MessageAttributes(string(msg.Kind), msg.From, msg.To)...),
	)
	defer span.End()

	addr, err := g.book.Lookup(ctx, msg.To)
	if err != nil {
		if errors.Is(err, errors.CodeNotFound) {
			return g.undeliverable(ctx, msg, "unknown peer "+msg.To)
		}
		span.RecordError(err)
		return errors.New(errors.CodeTransport, "resolve peer address", err).WithContext("peer", msg.To)
	}
	st, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	err = g.call(ctx, msg.To, addr, st)
	if errors.Is(err, errors.CodeTransport) {
		// Circuit open: the peer is treated as unreachable.
		return err
	}
	switch status.Code(err) {
	case codes.OK:
		return nil
	case codes.NotFound:
		return g.undeliverable(ctx, msg, "peer "+msg.To+" not served at "+addr)
	default:
		span.RecordError(err)
		g.logger.WarnContext(ctx, "transport.grpc.send.dropped",
			slog.String("to", msg.To),
			slog.String("addr", addr),
			slog.String("kind", string(msg.Kind)),
			slog.String("error", err.Error()),
		)
		return nil
	}
}

func (g *GRPC) call(ctx context.Context, peer, addr string, st *structpb.Struct) error {
	conn, err := g.conn(addr)
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	attempt := func() error {
		return g.retry.Do(ctx, func() error {
			callCtx, cancel := context.WithTimeout(injectTraceContext(ctx), g.timeout)
			defer cancel()
			return conn.Invoke(callCtx, deliverMethod, st, &emptypb.Empty{})
		})
	}
	breaker := g.breaker(peer)
	if breaker == nil {
		return unwrapStatus(attempt())
	}
	var callErr error
	err = breaker.Call(ctx, func() error {
		callErr = unwrapStatus(attempt())
		if status.Code(callErr) == codes.NotFound {
			// The node answered; an absent peer is not a node failure.
			return nil
		}
		return callErr
	})
	if err != nil && callErr == nil {
		return err
	}
	return callErr
}

func (g *GRPC) undeliverable(ctx context.Context, msg core.Message, reason string) error {
	box := g.local(msg.From)
	if box == nil {
		return ErrUnknownPeer
	}
	g.logger.DebugContext(ctx, "transport.grpc.undeliverable",
		slog.String("to", msg.To),
		slog.String("from", msg.From),
		slog.String("reason", reason),
	)
	box.Put(msg.Undeliverable(reason))
	return nil
}

func (g *GRPC) local(id string) *mailbox.Mailbox[core.Message] {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.boxes[id]
}

func (g *GRPC) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *GRPC) conn(addr string) (*grpc.ClientConn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if conn, ok := g.conns[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr, g.dialOpts...)
	if err != nil {
		return nil, err
	}
	g.conns[addr] = conn
	return conn, nil
}

func (g *GRPC) breaker(peer string) *resilience.CircuitBreaker {
	if g.breakerCfg == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	cb, ok := g.breakers[peer]
	if !ok {
		cfg := *g.breakerCfg
		cfg.Name = peer
		cb = resilience.NewCircuitBreaker(cfg)
		g.breakers[peer] = cb
	}
	return cb
}

// Close closes peer connections and local mailboxes.
func (g *GRPC) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	var firstErr error
	for addr, conn := range g.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(g.conns, addr)
	}
	for id, box := range g.boxes {
		box.Close()
		delete(g.boxes, id)
	}
	return firstErr
}

// Unavailable reports whether err means the peer's node could not be
// reached. It is the retry predicate for deliveries.
func Unavailable(err error) bool {
	return status.Code(unwrapStatus(err)) == codes.Unavailable
}

// unwrapStatus returns the gRPC status error inside a typed error chain, so
// status.Code sees it.
func unwrapStatus(err error) error {
	if err == nil {
		return nil
	}
	for e := err; e != nil; {
		if _, ok := status.FromError(e); ok {
			return e
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return err
}

func injectTraceContext(ctx context.Context) context.Context {
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		md = metadata.MD{}
	} else {
		md = md.Copy()
	}
	otel.GetTextMapPropagator().Inject(ctx, metadataCarrier{md: md})
	return metadata.NewOutgoingContext(ctx, md)
}

func incomingCarrier(ctx context.Context) metadataCarrier {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		md = metadata.MD{}
	}
	return metadataCarrier{md: md}
}

type metadataCarrier struct {
	md metadata.MD
}

func (c metadataCarrier) Get(key string) string {
	values := c.md.Get(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func (c metadataCarrier) Set(key, value string) {
	c.md.Set(key, value)
}

func (c metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c.md))
	for key := range c.md {
		keys = append(keys, key)
	}
	return keys
}

var _ propagation.TextMapCarrier = metadataCarrier{}
