// Package grpc is the real network transport: a gRPC service (serviceDesc
// below) and client (Transport below) carrying the same raft.*/wal.*
// payloads the in-memory pkg/rpc.LocalTransport uses for tests, serialized
// with the gob codec registered in codec.go instead of generated protobuf
// code.
package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/raftlite/raftlite/pkg/node"
	"github.com/raftlite/raftlite/pkg/raft"
	"github.com/raftlite/raftlite/pkg/wal"
)

func newListener(addr string) (net.Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return lis, nil
}

const serviceName = "raftlite.Raft"

// Wire messages. Plain exported structs, gob-encoded by gobCodec — there is
// no .proto file and nothing here is generated.
type requestVoteReq struct {
	From raft.ReplicaID
	Msg  raft.RequestVote
}
type requestVoteResp struct {
	Result raft.VoteResult
}
type appendEntriesReq struct {
	From raft.ReplicaID
	Msg  raft.AppendEntries
}
type appendEntriesResp struct {
	Result raft.AppendResult
}
type installSnapshotReq struct {
	From raft.ReplicaID
	Rec  wal.SnapshotRecord
}
type installSnapshotResp struct{}

// raftService is the server-side handler set, bound to a local node.Driver.
type raftService struct {
	driver *node.Driver
}

func requestVoteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpclib.UnaryServerInterceptor) (interface{}, error) {
	var req requestVoteReq
	if err := dec(&req); err != nil {
		return nil, err
	}
	s := srv.(*raftService)
	return &requestVoteResp{Result: s.driver.HandleRequestVote(req.From, req.Msg)}, nil
}

func appendEntriesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpclib.UnaryServerInterceptor) (interface{}, error) {
	var req appendEntriesReq
	if err := dec(&req); err != nil {
		return nil, err
	}
	s := srv.(*raftService)
	return &appendEntriesResp{Result: s.driver.HandleAppendEntries(req.From, req.Msg)}, nil
}

func installSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpclib.UnaryServerInterceptor) (interface{}, error) {
	var req installSnapshotReq
	if err := dec(&req); err != nil {
		return nil, err
	}
	s := srv.(*raftService)
	if err := s.driver.HandleInstallSnapshot(req.From, req.Rec); err != nil {
		return nil, err
	}
	return &installSnapshotResp{}, nil
}

// serviceDesc is the hand-authored equivalent of what protoc-gen-go-grpc
// would emit from a .proto file.
var serviceDesc = grpclib.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpclib.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "InstallSnapshot", Handler: installSnapshotHandler},
	},
}

// Server hosts one replica's Driver on the network.
type Server struct {
	listener string
	grpc     *grpclib.Server
}

// NewServer starts a gRPC server on addr exposing driver.
func NewServer(addr string, driver *node.Driver) (*Server, func() error, error) {
	lis, err := newListener(addr)
	if err != nil {
		return nil, nil, err
	}
	gs := grpclib.NewServer()
	gs.RegisterService(&serviceDesc, &raftService{driver: driver})

	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()

	s := &Server{listener: addr, grpc: gs}
	stop := func() error {
		s.grpc.GracefulStop()
		return <-errCh
	}
	return s, stop, nil
}

// Transport is the client side, implementing node.Transport over gRPC.
type Transport struct {
	self raft.ReplicaID
	book addressBook

	mu    sync.Mutex
	conns map[raft.ReplicaID]*grpclib.ClientConn
}

// addressBook is the subset of pkg/cluster.Book the transport needs,
// kept as an interface so the transport doesn't import pkg/cluster
// directly and widen its dependency surface for no reason.
type addressBook interface {
	Address(id raft.ReplicaID) (string, error)
}

// NewTransport builds a client-side Transport for self, resolving peer
// addresses through book.
func NewTransport(self raft.ReplicaID, book addressBook) *Transport {
	return &Transport{self: self, book: book, conns: make(map[raft.ReplicaID]*grpclib.ClientConn)}
}

func (t *Transport) conn(target raft.ReplicaID) (*grpclib.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.conns[target]; ok {
		return c, nil
	}
	addr, err := t.book.Address(target)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	defer cancel()
	c, err := grpclib.DialContext(ctx, addr,
		grpclib.WithTransportCredentials(insecure.NewCredentials()),
		grpclib.WithDefaultCallOptions(grpclib.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	t.conns[target] = c
	return c, nil
}

func (t *Transport) SendRequestVote(ctx context.Context, target raft.ReplicaID, m raft.RequestVote) (raft.VoteResult, error) {
	c, err := t.conn(target)
	if err != nil {
		return raft.VoteResult{}, err
	}
	var resp requestVoteResp
	if err := c.Invoke(ctx, fullMethod("RequestVote"), &requestVoteReq{From: t.self, Msg: m}, &resp); err != nil {
		return raft.VoteResult{}, err
	}
	return resp.Result, nil
}

func (t *Transport) SendAppendEntries(ctx context.Context, target raft.ReplicaID, m raft.AppendEntries) (raft.AppendResult, error) {
	c, err := t.conn(target)
	if err != nil {
		return raft.AppendResult{}, err
	}
	var resp appendEntriesResp
	if err := c.Invoke(ctx, fullMethod("AppendEntries"), &appendEntriesReq{From: t.self, Msg: m}, &resp); err != nil {
		return raft.AppendResult{}, err
	}
	return resp.Result, nil
}

func (t *Transport) SendSnapshot(ctx context.Context, target raft.ReplicaID, rec wal.SnapshotRecord) error {
	c, err := t.conn(target)
	if err != nil {
		return err
	}
	var resp installSnapshotResp
	return c.Invoke(ctx, fullMethod("InstallSnapshot"), &installSnapshotReq{From: t.self, Rec: rec}, &resp)
}

// Close tears down every client connection.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, c := range t.conns {
		c.Close()
		delete(t.conns, id)
	}
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

// defaultDialTimeout bounds each dial to a peer the first time a connection
// to it is opened.
const defaultDialTimeout = 5 * time.Second
