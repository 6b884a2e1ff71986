package sip

import (
	"context"
	"fmt"

	"github.com/emiago/sipgo"
	sipmsg "github.com/emiago/sipgo/sip"
)

// transactor is the engine's view of the SIP transaction layer. Tests swap in
// a scripted implementation so registration and call flows run without a
// network.
type transactor interface {
	// Do sends a request and blocks until its final response. Provisional
	// responses are delivered to onProvisional as they arrive.
	Do(ctx context.Context, req *sipmsg.Request, onProvisional func(*sipmsg.Response)) (*sipmsg.Response, error)
	// Write sends a request without waiting for any response.
	Write(req *sipmsg.Request) error
}

type clientTransactor struct {
	client *sipgo.Client
}

func (t *clientTransactor) Do(ctx context.Context, req *sipmsg.Request, onProvisional func(*sipmsg.Response)) (*sipmsg.Response, error) {
	tx, err := t.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("creating client transaction: %w", err)
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			return nil, fmt.Errorf("transaction terminated before final response")
		case resp := <-tx.Responses():
			if resp.StatusCode/100 == 1 {
				if onProvisional != nil {
					onProvisional(resp)
				}
				continue
			}
			return resp, nil
		}
	}
}

func (t *clientTransactor) Write(req *sipmsg.Request) error {
	return t.client.WriteRequest(req)
}
