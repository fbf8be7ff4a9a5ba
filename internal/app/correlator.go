/**
 * @description
 * This file implements the request/response correlator that decouples ad-hoc
 * settlement callers from the pipeline worker. Each request gets a completion
 * handle keyed by its uuid; exactly one of three things terminates a wait: a
 * matching response, a matching error, or the global safe-mode broadcast that
 * fails every outstanding wait at once. The handle is deregistered on whichever
 * happens first, so repeated invocations never leak listeners.
 */

package app

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/kudoshq/airdrop-service/internal/domain"
)

// PendingRequest is the completion handle a caller waits on. Both channels are
// buffered so the pipeline never blocks delivering an outcome to a caller that
// already gave up.
type PendingRequest struct {
	ID       uuid.UUID
	response chan *domain.SettlementResponse
	failure  chan error
}

// Correlator tracks outstanding settlement requests by id.
type Correlator struct {
	mu      sync.Mutex
	pending map[uuid.UUID]*PendingRequest
}

// NewCorrelator returns an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[uuid.UUID]*PendingRequest)}
}

// Register creates and tracks a completion handle for the given request id.
func (c *Correlator) Register(id uuid.UUID) *PendingRequest {
	handle := &PendingRequest{
		ID:       id,
		response: make(chan *domain.SettlementResponse, 1),
		failure:  make(chan error, 1),
	}
	c.mu.Lock()
	c.pending[id] = handle
	c.mu.Unlock()
	return handle
}

// Resolve delivers the response for a request id and deregisters the handle.
func (c *Correlator) Resolve(id uuid.UUID, response *domain.SettlementResponse) {
	if handle := c.take(id); handle != nil {
		handle.response <- response
	}
}

// Reject delivers an error for a request id and deregisters the handle.
func (c *Correlator) Reject(id uuid.UUID, err error) {
	if handle := c.take(id); handle != nil {
		handle.failure <- err
	}
}

// BroadcastFailure terminates every outstanding wait with err. Used when safe
// mode trips so that no caller hangs forever on a pipeline that will not answer.
func (c *Correlator) BroadcastFailure(err error) {
	c.mu.Lock()
	handles := make([]*PendingRequest, 0, len(c.pending))
	for _, handle := range c.pending {
		handles = append(handles, handle)
	}
	c.pending = make(map[uuid.UUID]*PendingRequest)
	c.mu.Unlock()

	for _, handle := range handles {
		handle.failure <- err
	}
}

// PendingCount reports the number of outstanding waits.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Await blocks until the handle completes or ctx is done. A cancelled context
// deregisters the handle so a late outcome is dropped instead of leaking.
func (c *Correlator) Await(ctx context.Context, handle *PendingRequest) (*domain.SettlementResponse, error) {
	select {
	case response := <-handle.response:
		return response, nil
	case err := <-handle.failure:
		return nil, err
	case <-ctx.Done():
		c.take(handle.ID)
		return nil, ctx.Err()
	}
}

func (c *Correlator) take(id uuid.UUID) *PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	handle, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return handle
}
