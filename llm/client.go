// Client - Simple wrapper around providers.

package llm

import (
	"context"
)

// Client wraps a Provider with a simple interface.
type Client struct {
	provider Provider
}

// NewClient creates a new LLM client from a provider.
func NewClient(provider Provider) *Client {
	return &Client{provider: provider}
}

// Complete sends a completion request.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	return c.provider.Complete(ctx, req)
}

// CompleteText sends a completion request and returns just the text.
func (c *Client) CompleteText(ctx context.Context, req Request) (string, error) {
	response, err := c.provider.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	return response.Text, nil
}

// Provider returns the underlying provider.
func (c *Client) Provider() Provider {
	return c.provider
}
