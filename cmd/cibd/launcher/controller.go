package launcher

import (
	"go.uber.org/zap"

	"github.com/clusterlabs/cibd/patchset"
	"github.com/clusterlabs/cibd/transition"
)

// logController reports transition decisions to the log. No graph is ever
// in flight, so every change that matters restarts the (empty) transition.
type logController struct {
	log *zap.Logger
}

var _ transition.Controller = (*logController)(nil)

func newLogController(log *zap.Logger) *logController {
	return &logController{log: log.With(zap.String("service", "controller"))}
}

func (c *logController) RestartTransition(reason string, change *patchset.Change) {
	fields := []zap.Field{zap.String("reason", reason)}
	if change != nil {
		fields = append(fields, zap.String("path", change.Path), zap.String("change", string(change.Op)))
	}
	c.log.Info("Transition aborted", fields...)
}

func (c *logController) GraphEvent(op transition.RscOp) {
	c.log.Debug("Operation result",
		zap.String("op", op.ID),
		zap.String("node", op.Node),
		zap.Int("rc", op.RC),
		zap.Int("status", op.Status),
		zap.String("transition_key", op.TransitionKey))
}

func (c *logController) GraphInFlight() bool { return false }

func (c *logController) ConfirmCancel(opKey, nodeID string) bool { return false }

func (c *logController) DownPending(nodeID string) bool { return false }
