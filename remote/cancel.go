package remote

import (
	"context"
	"sync"

	"google.golang.org/genproto/googleapis/longrunning"
)

// CancellationToken implements the cooperative-cancellation capability from §3 and §4.5: once
// the server hands back an Operation name, a token guards it so that if the caller's context is
// cancelled, or the request's timeout budget elapses, the abandoned operation is cancelled on a
// best-effort basis rather than left to run to completion unobserved. A MissingDigests recovery
// disarms the token instead, since that operation has already finished server-side.
//
// A token starts armed. Disarm permanently defuses it - used once the operation reaches a
// terminal state on its own, so there is nothing left to cancel. Release fires the cancellation
// if (and only if) the token is still armed, and is idempotent.
type CancellationToken struct {
	mu     sync.Mutex
	client *Client
	opName string
	armed  bool
}

// newCancellationToken returns an armed token for opName, or nil if opName is empty (an
// Execute call that completes synchronously on its first response never gets an operation
// name, and so never needs guarding).
func (c *Client) newCancellationToken(opName string) *CancellationToken {
	if opName == "" {
		return nil
	}
	return &CancellationToken{client: c, opName: opName, armed: true}
}

// Disarm defuses the token without cancelling the operation.
func (t *CancellationToken) Disarm() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armed = false
}

// Release fires a fire-and-forget CancelOperation for the guarded operation if the token is
// still armed, then defuses it. Safe to call multiple times and safe to call on a nil token.
func (t *CancellationToken) Release() {
	if t == nil {
		return
	}
	t.mu.Lock()
	armed := t.armed
	t.armed = false
	t.mu.Unlock()
	if !armed {
		return
	}
	opName := t.opName
	client := t.client
	client.incCancellation()
	client.executor.SpawnAndForget(func() {
		ctx, cancel := context.WithTimeout(context.Background(), reqTimeout)
		defer cancel()
		if _, err := client.opsClient.CancelOperation(ctx, &longrunning.CancelOperationRequest{Name: opName}); err != nil {
			log.Debug("best-effort cancellation of operation %s failed: %s", opName, err)
		}
	})
}
