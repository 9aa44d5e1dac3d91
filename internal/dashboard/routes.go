package dashboard

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/voyantlabs/concourse/internal/agent"
	"github.com/voyantlabs/concourse/internal/models"
	"github.com/voyantlabs/concourse/internal/orchestrator"
	"github.com/voyantlabs/concourse/internal/store"
	"gorm.io/gorm"
)

// listLimit caps record listings.
const listLimit = 100

// registerRoutes sets up all status API routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.GET("/healthz", handleHealth())

	api := router.Group("/api")
	api.GET("/agents", handleAgentList(opts.Agents))
	api.GET("/agents/:id", handleAgentDetail(opts.Agents))
	api.GET("/workflows", handleWorkflowList(opts.Engine, opts.DB))
	api.GET("/workflows/:id", handleWorkflowDetail(opts.Engine, opts.DB))
	api.GET("/payments", handlePayments(opts.DB))
	api.GET("/bookings", handleBookings(opts.DB))
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleAgentList(agents []*agent.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		snapshots := make([]agent.Snapshot, 0, len(agents))
		for _, rt := range agents {
			snapshots = append(snapshots, rt.Status())
		}
		c.JSON(http.StatusOK, gin.H{"agents": snapshots})
	}
}

func handleAgentDetail(agents []*agent.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		for _, rt := range agents {
			if rt.ID() == id {
				c.JSON(http.StatusOK, rt.Status())
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
	}
}

// handleWorkflowList merges the engine's live table with journaled runs,
// preferring the live view for entries present in both.
func handleWorkflowList(engine *orchestrator.Engine, db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		live := map[string]bool{}
		views := []orchestrator.View{}
		if engine != nil {
			views = engine.Workflows()
			for _, v := range views {
				live[v.ID] = true
			}
		}

		var runs []models.WorkflowRun
		if err := db.Order("created_at desc").Limit(listLimit).Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		for _, run := range runs {
			if live[run.ID] {
				continue
			}
			views = append(views, orchestrator.View{
				ID:             run.ID,
				Type:           run.Type,
				Status:         run.Status,
				Error:          run.Error,
				StepsTotal:     run.StepsTotal,
				StepsCompleted: run.StepsCompleted,
				CreatedAt:      run.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"workflows": views})
	}
}

func handleWorkflowDetail(engine *orchestrator.Engine, db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if engine != nil {
			if view, ok := engine.Workflow(id); ok {
				c.JSON(http.StatusOK, view)
				return
			}
		}
		var run models.WorkflowRun
		err := db.Where("id = ?", id).First(&run).Error
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, orchestrator.View{
			ID:             run.ID,
			Type:           run.Type,
			Status:         run.Status,
			Error:          run.Error,
			StepsTotal:     run.StepsTotal,
			StepsCompleted: run.StepsCompleted,
			CreatedAt:      run.CreatedAt,
		})
	}
}

func handlePayments(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		payments, err := store.ListPayments(db, listLimit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"payments": payments})
	}
}

func handleBookings(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		bookings, err := store.ListBookings(db, listLimit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"bookings": bookings})
	}
}
