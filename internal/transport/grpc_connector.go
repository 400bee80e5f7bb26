package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sync"

	"github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/protocol"
	"github.com/devrev/pairdb/replication/internal/service"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// FrameHandler receives every frame a replication server pushes on a session
type FrameHandler func(ctx context.Context, frame []byte) error

// GRPCConnector reaches replication servers over gRPC
type GRPCConnector struct {
	dialOpts []grpc.DialOption
	logger   *zap.Logger

	mu      sync.RWMutex
	handler FrameHandler
}

// NewGRPCConnector creates a connector; opts are appended to the default dial options
func NewGRPCConnector(logger *zap.Logger, opts ...grpc.DialOption) *GRPCConnector {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	return &GRPCConnector{
		dialOpts: append(dialOpts, opts...),
		logger:   logger,
	}
}

// OnFrame sets the handler for frames received on sessions opened afterwards
func (c *GRPCConnector) OnFrame(handler FrameHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *GRPCConnector) dial(url string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(url, c.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to replication server at %s: %w", url, err)
	}
	return conn, nil
}

// Probe sends the handshake and returns the replication server answer
func (c *GRPCConnector) Probe(ctx context.Context, url string, start *protocol.ServerStartMsg) (*protocol.ReplServerStartMsg, error) {
	conn, err := c.dial(url)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req, err := encodeFrame(start)
	if err != nil {
		return nil, err
	}
	resp := new(Frame)
	if err := conn.Invoke(ctx, probeMethod, req, resp); err != nil {
		return nil, fmt.Errorf("probe of %s failed: %w", url, err)
	}
	return decodeReply(resp.Data)
}

// Connect opens a session. ctx bounds the handshake only; the session lives until Close.
func (c *GRPCConnector) Connect(ctx context.Context, url string, start *protocol.ServerStartMsg) (service.Session, error) {
	conn, err := c.dial(url)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	fail := func(err error) (service.Session, error) {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("session with %s failed: %w", url, err)
	}

	stream, err := conn.NewStream(streamCtx, &serviceDesc.Streams[0], sessionMethod)
	if err != nil {
		return fail(err)
	}
	out, err := encodeFrame(start)
	if err != nil {
		return fail(err)
	}
	if err := stream.SendMsg(out); err != nil {
		return fail(err)
	}
	in := new(Frame)
	if err := stream.RecvMsg(in); err != nil {
		return fail(err)
	}
	reply, err := decodeReply(in.Data)
	if err != nil {
		return fail(err)
	}
	if !stop() {
		return fail(ctx.Err())
	}

	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()

	s := &grpcSession{
		url:    url,
		conn:   conn,
		stream: stream,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: c.logger.With(zap.String("url", url), zap.Uint16("rs_id", reply.ServerID)),
	}
	go s.receive(streamCtx, handler)
	return s, nil
}

type grpcSession struct {
	url    string
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
	done   chan struct{}
	logger *zap.Logger

	sendMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (s *grpcSession) receive(ctx context.Context, handler FrameHandler) {
	defer close(s.done)
	for {
		in := new(Frame)
		if err := s.stream.RecvMsg(in); err != nil {
			if !stderrors.Is(err, io.EOF) && status.Code(err) != codes.Canceled {
				s.logger.Warn("Session receive failed", zap.Error(err))
			}
			return
		}
		if handler == nil {
			continue
		}
		if err := handler(ctx, in.Data); err != nil {
			s.logger.Warn("Failed to handle frame from replication server", zap.Error(err))
		}
	}
}

// Publish implements service.Session
func (s *grpcSession) Publish(ctx context.Context, msg protocol.UpdateMsg) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.stream.SendMsg(&Frame{Data: data}); err != nil {
		return errors.Unavailable(fmt.Sprintf("send to %s failed", s.url), err)
	}
	return nil
}

// Done implements service.Session. It is closed when the receive side of the
// stream ends, whether the replication server hung up or Close was called.
func (s *grpcSession) Done() <-chan struct{} {
	return s.done
}

// Close implements service.Session
func (s *grpcSession) Close() error {
	s.closeOnce.Do(func() {
		s.sendMu.Lock()
		s.stream.CloseSend()
		s.sendMu.Unlock()
		s.cancel()
		<-s.done
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

var (
	_ service.ServerConnector = (*GRPCConnector)(nil)
	_ service.Session         = (*grpcSession)(nil)
)
