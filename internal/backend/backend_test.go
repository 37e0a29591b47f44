package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yxymit/banshee/internal/request"
)

func TestSimpleBackendFixedLatency(t *testing.T) {
	b := NewSimpleBackend(100)
	req := request.Request{LineAddr: 0x1000, Type: request.GETS, Cycle: 0}
	assert.EqualValues(t, 100, b.Access(req, PriorityCritical, 4))
	// Latency is independent of priority and beat count.
	assert.EqualValues(t, 100, b.Access(req, PriorityBackground, 64))
}

func TestSimpleBackendAddsToStartCycle(t *testing.T) {
	b := NewSimpleBackend(50)
	req := request.Request{LineAddr: 0, Type: request.GETX, Cycle: 1000}
	assert.EqualValues(t, 1050, b.Access(req, PriorityCritical, 4))
}
