package recovery

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/foliopay/foliopay/internal/logging"
)

// Handlers exposes the recovery scheduler's admin surface.
type Handlers struct {
	scheduler *Scheduler
}

// NewHandlers creates HTTP handlers for the scheduler.
func NewHandlers(scheduler *Scheduler) *Handlers {
	return &Handlers{scheduler: scheduler}
}

// RegisterRoutes mounts the recovery endpoints on the given router group.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/recovery/sweep", h.sweep)
	r.GET("/recovery/timeouts", h.timeouts)
}

// sweep triggers one full recovery cycle, for cron-style external
// scheduling alongside the internal timer.
func (h *Handlers) sweep(c *gin.Context) {
	result, err := h.scheduler.RunCycle(c.Request.Context())
	if err != nil {
		logging.FromContext(c.Request.Context()).Error("manual recovery cycle", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "recovery cycle failed"})
		return
	}
	if result.Results == nil {
		result.Results = []SweepOutcome{}
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) timeouts(c *gin.Context) {
	cases, err := h.scheduler.Timeouts(c.Request.Context(), 100)
	if err != nil {
		logging.FromContext(c.Request.Context()).Error("list recovery cases", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if cases == nil {
		cases = []*PaymentTimeout{}
	}
	c.JSON(http.StatusOK, gin.H{"timeouts": cases})
}
