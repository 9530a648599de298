package pb

import (
	"context"
	"sync"

	"google.golang.org/grpc"
)

// MockMeetingControlClient is a scriptable MC for tests and local runs.
// AssignFunc, when set, decides each call; otherwise every assignment is
// accepted.
type MockMeetingControlClient struct {
	mu         sync.Mutex
	AssignFunc func(ctx context.Context, in *AssignMeetingRequest) (*AssignMeetingResponse, error)
	Calls      []*AssignMeetingRequest
}

func (m *MockMeetingControlClient) AssignMeetingWithMh(ctx context.Context, in *AssignMeetingRequest, opts ...grpc.CallOption) (*AssignMeetingResponse, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, in)
	fn := m.AssignFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, in)
	}
	return &AssignMeetingResponse{Accepted: true, ControllerId: "mock-mc"}, nil
}

// CallCount reports how many assignments were attempted.
func (m *MockMeetingControlClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
