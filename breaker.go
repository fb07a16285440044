package courier

import (
	"context"

	"github.com/sony/gobreaker"
)

// BreakerClient guards a Client with a circuit breaker, so a peer that
// keeps failing trips the breaker open instead of absorbing a stream of
// doomed writes. Reconnecting after the breaker closes again is still the
// caller's responsibility.
type BreakerClient struct {
	*Client
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerClient wraps client with the given breaker.
func NewBreakerClient(client *Client, breaker *gobreaker.CircuitBreaker) *BreakerClient {
	return &BreakerClient{
		Client:  client,
		breaker: breaker,
	}
}

func (c *BreakerClient) Send(m *Message) (err error) {
	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, c.Client.Send(m)
	})
	return
}

func (c *BreakerClient) Exchange(ctx context.Context, m *Message) (*Message, error) {
	reply, err := c.breaker.Execute(func() (interface{}, error) {
		return c.Client.Exchange(ctx, m)
	})
	if err != nil {
		return nil, err
	}
	return reply.(*Message), nil
}
