// Package rpctest runs an rpc.Service in memory for tests.
package rpctest

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/Huddly/sdk-sub000/pkg/rpc"
)

// Server serves one Service over an in-memory listener.
type Server struct {
	lis *bufconn.Listener
	srv *grpc.Server
}

func NewServer(svc rpc.Service) *Server {
	s := &Server{
		lis: bufconn.Listen(1 << 20),
		srv: grpc.NewServer(),
	}
	rpc.Register(s.srv, svc)
	go s.srv.Serve(s.lis)
	return s
}

// Dial returns a client connected to the server.
func (s *Server) Dial() (*rpc.Client, error) {
	return rpc.Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return s.lis.DialContext(ctx)
	}))
}

func (s *Server) Close() {
	s.srv.Stop()
}
