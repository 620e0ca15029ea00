package radio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/TFMV/classmesh/common"
	"go.uber.org/zap"
)

// Enabler switches the underlying radio on
type Enabler interface {
	Enable(ctx context.Context) error
}

// EnablerFunc adapts a function to Enabler
type EnablerFunc func(ctx context.Context) error

// Enable calls f(ctx)
func (f EnablerFunc) Enable(ctx context.Context) error {
	return f(ctx)
}

// Controller owns the on/off state of the local radio and the permission grants
// every other component checks before touching the network.
type Controller struct {
	logger  *zap.Logger
	enabler Enabler

	enabled  atomic.Bool
	enableMu sync.Mutex

	permsMu sync.RWMutex
	perms   common.Permissions
}

// NewController creates a Controller. A nil enabler treats the radio as always available.
func NewController(logger *zap.Logger, enabler Enabler, perms common.Permissions) *Controller {
	if enabler == nil {
		enabler = EnablerFunc(func(context.Context) error { return nil })
	}
	return &Controller{
		logger:  logger,
		enabler: enabler,
		perms:   perms,
	}
}

// IsEnabled reports whether the radio is on
func (c *Controller) IsEnabled() bool {
	return c.enabled.Load()
}

// Enable turns the radio on. Calls are serialized and idempotent; concurrent callers
// observe a single attempt.
func (c *Controller) Enable(ctx context.Context) (bool, error) {
	if c.enabled.Load() {
		return true, nil
	}

	c.enableMu.Lock()
	defer c.enableMu.Unlock()

	if c.enabled.Load() {
		return true, nil
	}

	if err := c.enabler.Enable(ctx); err != nil {
		c.logger.Warn("Failed to enable radio", zap.Error(err))
		return false, fmt.Errorf("%w: %w", common.ErrRadioDisabled, err)
	}

	c.enabled.Store(true)
	c.logger.Info("Radio enabled")
	return true, nil
}

// EnsureEnabled enables the radio on demand and returns ErrRadioDisabled if that fails
func (c *Controller) EnsureEnabled(ctx context.Context) error {
	_, err := c.Enable(ctx)
	return err
}

// Disable marks the radio as off
func (c *Controller) Disable() {
	c.enableMu.Lock()
	defer c.enableMu.Unlock()
	if c.enabled.Swap(false) {
		c.logger.Info("Radio disabled")
	}
}

// Permissions returns the current grants
func (c *Controller) Permissions() common.Permissions {
	c.permsMu.RLock()
	defer c.permsMu.RUnlock()
	return c.perms
}

// SetPermissions replaces the grants
func (c *Controller) SetPermissions(perms common.Permissions) {
	c.permsMu.Lock()
	c.perms = perms
	c.permsMu.Unlock()
}

// Require fails with ErrPermissionDenied when perm has not been granted
func (c *Controller) Require(perm common.Permission) error {
	if !c.Permissions().Granted(perm) {
		return fmt.Errorf("%w: %s", common.ErrPermissionDenied, perm)
	}
	return nil
}
