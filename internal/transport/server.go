package transport

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/protocol"
	"google.golang.org/grpc"
)

const (
	serviceName   = "pairdb.replication.ReplicationServer"
	probeMethod   = "/" + serviceName + "/Probe"
	sessionMethod = "/" + serviceName + "/Session"
)

// ReplicationServer is the replication server end of the transport.
// Probe answers the handshake; Accept owns an established session until it returns.
type ReplicationServer interface {
	Probe(ctx context.Context, start *protocol.ServerStartMsg) (*protocol.ReplServerStartMsg, error)
	Accept(start *protocol.ServerStartMsg, conn *ServerConn) error
}

// ServerConn is a session seen from the replication server
type ServerConn struct {
	stream grpc.ServerStream
}

// Context returns the session context
func (c *ServerConn) Context() context.Context {
	return c.stream.Context()
}

// Send pushes an update to the directory server
func (c *ServerConn) Send(msg protocol.UpdateMsg) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.stream.SendMsg(&Frame{Data: data})
}

// Recv waits for the next update published by the directory server
func (c *ServerConn) Recv() (protocol.UpdateMsg, error) {
	in := new(Frame)
	if err := c.stream.RecvMsg(in); err != nil {
		return nil, err
	}
	return decodeUpdate(in.Data)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ReplicationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Probe", Handler: probeHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Session", Handler: sessionHandler, ServerStreams: true, ClientStreams: true},
	},
	Metadata: "replication",
}

// RegisterReplicationServer registers srv on s
func RegisterReplicationServer(s *grpc.Server, srv ReplicationServer) {
	s.RegisterService(&serviceDesc, srv)
}

func probeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Frame)
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req any) (any, error) {
		start, err := decodeStart(req.(*Frame).Data)
		if err != nil {
			return nil, err
		}
		reply, err := srv.(ReplicationServer).Probe(ctx, start)
		if err != nil {
			return nil, toStatus(err)
		}
		return encodeFrame(reply)
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: probeMethod}
	return interceptor(ctx, in, info, handle)
}

func sessionHandler(srv any, stream grpc.ServerStream) error {
	in := new(Frame)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	start, err := decodeStart(in.Data)
	if err != nil {
		return err
	}

	rs := srv.(ReplicationServer)
	reply, err := rs.Probe(stream.Context(), start)
	if err != nil {
		return toStatus(err)
	}
	out, err := encodeFrame(reply)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(out); err != nil {
		return err
	}
	return toStatus(rs.Accept(start, &ServerConn{stream: stream}))
}

func encodeFrame(msg protocol.Message) (*Frame, error) {
	data, err := protocol.Encode(msg)
	if err != nil {
		return nil, err
	}
	return &Frame{Data: data}, nil
}

func decodeStart(data []byte) (*protocol.ServerStartMsg, error) {
	msg, err := protocol.Decode(data)
	if err != nil {
		return nil, toStatus(err)
	}
	start, ok := msg.(*protocol.ServerStartMsg)
	if !ok {
		return nil, toStatus(errors.InvalidArgument(fmt.Sprintf("expected server start, got %s", msg.Type()), nil))
	}
	return start, nil
}

func decodeReply(data []byte) (*protocol.ReplServerStartMsg, error) {
	msg, err := protocol.Decode(data)
	if err != nil {
		return nil, err
	}
	reply, ok := msg.(*protocol.ReplServerStartMsg)
	if !ok {
		return nil, errors.InvalidArgument(fmt.Sprintf("expected replication server start, got %s", msg.Type()), nil)
	}
	return reply, nil
}

func decodeUpdate(data []byte) (protocol.UpdateMsg, error) {
	msg, err := protocol.Decode(data)
	if err != nil {
		return nil, err
	}
	update, ok := msg.(protocol.UpdateMsg)
	if !ok {
		return nil, errors.InvalidArgument(fmt.Sprintf("expected an update, got %s", msg.Type()), nil)
	}
	return update, nil
}

// toStatus turns replication errors into gRPC status errors; anything else passes through
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var re *errors.ReplicationError
	if stderrors.As(err, &re) {
		return re.ToGRPCStatus().Err()
	}
	return err
}
