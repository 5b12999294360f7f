package llm

import (
	"context"

	"troop/internal/errkit"
	"troop/internal/logging"
)

// RetryingClient wraps a Client with transient-error retries so a single
// flaky HTTP call does not fail a whole agent invocation.
type RetryingClient struct {
	inner  Client
	config errkit.RetryConfig
	log    logging.Logger
}

// WithRetries wraps client with the given retry config.
func WithRetries(client Client, config errkit.RetryConfig, log logging.Logger) *RetryingClient {
	return &RetryingClient{
		inner:  client,
		config: config,
		log:    logging.OrNop(log),
	}
}

func (c *RetryingClient) Invoke(ctx context.Context, prompt string) (string, error) {
	return errkit.RetryWithResultAndLog(ctx, c.config, func(ctx context.Context) (string, error) {
		return c.inner.Invoke(ctx, prompt)
	}, c.log)
}
