package meeting

import (
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/darktower/conference-control/internal/apperr"
	"github.com/darktower/conference-control/pb"
)

// GRPCPool dials MCs lazily and caches one connection per endpoint.
// gRPC connections multiplex, so one per MC is enough.
type GRPCPool struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCPool builds an empty pool.
func NewGRPCPool() *GRPCPool {
	return &GRPCPool{conns: make(map[string]*grpc.ClientConn)}
}

// ClientFor returns a meeting-control client for the endpoint.
func (p *GRPCPool) ClientFor(endpoint string) (pb.MeetingControlClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[endpoint]; ok {
		return pb.NewMeetingControlClient(conn), nil
	}

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "meeting controller unreachable", err)
	}
	p.conns[endpoint] = conn
	return pb.NewMeetingControlClient(conn), nil
}

// Close tears down every cached connection.
func (p *GRPCPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for endpoint, conn := range p.conns {
		_ = conn.Close()
		delete(p.conns, endpoint)
	}
}
