//go:build windows

package tmux

import (
	"context"
	"errors"
)

// Attach is unsupported on Windows; tmux does not run there natively.
func (c *Client) Attach(ctx context.Context, agentID string) error {
	return errors.New("attach is not supported on windows")
}
