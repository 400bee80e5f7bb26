package transport

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/model"
	"github.com/devrev/pairdb/replication/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const target = "passthrough:///bufnet"

type fakeReplicationServer struct {
	id       uint16
	state    []string
	push     []protocol.UpdateMsg
	reject   error
	hangUp   bool
	received chan protocol.UpdateMsg

	mu     sync.Mutex
	starts []*protocol.ServerStartMsg
}

func (f *fakeReplicationServer) Probe(ctx context.Context, start *protocol.ServerStartMsg) (*protocol.ReplServerStartMsg, error) {
	if f.reject != nil {
		return nil, f.reject
	}
	f.mu.Lock()
	f.starts = append(f.starts, start)
	f.mu.Unlock()
	return &protocol.ReplServerStartMsg{ServerID: f.id, BaseDN: start.BaseDN, State: f.state}, nil
}

func (f *fakeReplicationServer) Accept(start *protocol.ServerStartMsg, conn *ServerConn) error {
	for _, msg := range f.push {
		if err := conn.Send(msg); err != nil {
			return err
		}
	}
	if f.hangUp {
		return nil
	}
	for {
		msg, err := conn.Recv()
		if stderrors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		f.received <- msg
	}
}

func startFake(t *testing.T, rs ReplicationServer) *GRPCConnector {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterReplicationServer(srv, rs)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	return NewGRPCConnector(zap.NewNop(), grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
}

func startMsg() *protocol.ServerStartMsg {
	return &protocol.ServerStartMsg{ServerID: 1, BaseDN: "dc=example,dc=com", GenerationID: 7, State: []string{model.NewChangeNumber(10, 0, 1).String()}}
}

func TestGRPCConnector_Probe(t *testing.T) {
	rs := &fakeReplicationServer{id: 20, state: []string{model.NewChangeNumber(30, 0, 1).String()}}
	connector := startFake(t, rs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := connector.Probe(ctx, target, startMsg())
	require.NoError(t, err)
	assert.Equal(t, uint16(20), reply.ServerID)
	assert.Equal(t, "dc=example,dc=com", reply.BaseDN)
	assert.Equal(t, rs.state, reply.State)

	require.Len(t, rs.starts, 1)
	assert.Equal(t, startMsg(), rs.starts[0])
}

func TestGRPCConnector_ProbeRejected(t *testing.T) {
	connector := startFake(t, &fakeReplicationServer{reject: errors.GenerationMismatch(7, 8)})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := connector.Probe(ctx, target, startMsg())
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestGRPCConnector_Session(t *testing.T) {
	pushed := &protocol.DeleteMsg{Header: protocol.UpdateHeader{
		ChangeNumber: model.NewChangeNumber(40, 0, 2),
		DN:           "cn=bob,dc=example,dc=com",
		EntryUUID:    model.NewEntryUUID(),
	}}
	rs := &fakeReplicationServer{id: 20, push: []protocol.UpdateMsg{pushed}, received: make(chan protocol.UpdateMsg, 1)}
	connector := startFake(t, rs)

	frames := make(chan []byte, 1)
	connector.OnFrame(func(ctx context.Context, frame []byte) error {
		frames <- frame
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	session, err := connector.Connect(ctx, target, startMsg())
	require.NoError(t, err)

	select {
	case frame := <-frames:
		msg, err := protocol.Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, pushed, msg)
	case <-ctx.Done():
		t.Fatal("no frame pushed by the replication server")
	}

	published := &protocol.ModifyMsg{
		Header:        protocol.UpdateHeader{ChangeNumber: model.NewChangeNumber(50, 0, 1), DN: "cn=alice,dc=example,dc=com"},
		Modifications: []model.Modification{model.NewModification(model.ModReplace, "description", "x")},
	}
	require.NoError(t, session.Publish(ctx, published))

	select {
	case msg := <-rs.received:
		assert.Equal(t, published.GetChangeNumber(), msg.GetChangeNumber())
		assert.Equal(t, published.GetDN(), msg.GetDN())
	case <-ctx.Done():
		t.Fatal("published update never reached the replication server")
	}

	assert.NoError(t, session.Close())
	assert.NoError(t, session.Close())
}

func TestGRPCConnector_SessionEndsWhenServerHangsUp(t *testing.T) {
	connector := startFake(t, &fakeReplicationServer{id: 20, hangUp: true})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	session, err := connector.Connect(ctx, target, startMsg())
	require.NoError(t, err)

	select {
	case <-session.Done():
	case <-ctx.Done():
		t.Fatal("session still open after the replication server returned")
	}
	assert.NoError(t, session.Close())
}

func TestGRPCConnector_ConnectRejected(t *testing.T) {
	connector := startFake(t, &fakeReplicationServer{reject: errors.InvalidArgument("unknown base dn", nil)})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := connector.Connect(ctx, target, startMsg())
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestFrameCodec(t *testing.T) {
	codec := frameCodec{}
	data, err := codec.Marshal(&Frame{Data: []byte{1, 2}})
	require.NoError(t, err)

	var f Frame
	require.NoError(t, codec.Unmarshal(data, &f))
	assert.Equal(t, []byte{1, 2}, f.Data)

	_, err = codec.Marshal("nope")
	assert.Error(t, err)
	assert.Error(t, codec.Unmarshal(data, new(string)))
}
