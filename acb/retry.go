package acb

import (
	"context"
	"errors"
	"time"
)

// retryable tells whether resending the same request may succeed
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status >= 500
	}
	return true
}

// try runs f, resending on transient failures with a doubling delay. A
// rejected session is re-established once before resending.
func (c *Client) try(ctx context.Context, op string, f func() error) (err error) {
	retries := c.config.Retries
	delay := c.config.RetryDelay
	relogged := false
	for {
		err = f()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrUnauthorized) && !relogged && op != opLogin {
			relogged = true
			c.log.WithField("op", op).Info("Session expired, logging in again")
			if loginErr := c.Login(ctx); loginErr != nil {
				return loginErr
			}
			continue
		}
		if retries <= 0 || errors.Is(err, ErrUnauthorized) || !retryable(err) {
			return err
		}
		c.log.WithField("op", op).Warnf("Retrying due to %s. %d retries left", err, retries)
		retries--
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}
