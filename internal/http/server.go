package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ChrisMoss87/crmflow/pkg/engine"
)

// Server exposes the workflow engine over HTTP.
type Server struct {
	engine *gin.Engine
	srv    *http.Server
	logger engine.Logger
}

func NewServer(svc *engine.WorkflowService, logger engine.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	h := NewWorkflowHandler(svc, logger)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		workflows := api.Group("/workflows")
		{
			workflows.GET("", h.ListWorkflows)
			workflows.POST("", h.CreateWorkflow)
			workflows.GET("/:id", h.GetWorkflow)
			workflows.PUT("/:id", h.UpdateWorkflow)
			workflows.DELETE("/:id", h.DeleteWorkflow)
			workflows.POST("/:id/toggle", h.ToggleWorkflow)
			workflows.POST("/:id/clone", h.CloneWorkflow)
			workflows.POST("/:id/trigger", h.TriggerWorkflow)
			workflows.POST("/:id/reorder-steps", h.ReorderSteps)
			workflows.GET("/:id/executions", h.ListExecutions)
			workflows.GET("/:id/stats", h.WorkflowStats)
			workflows.GET("/:id/versions", h.ListVersions)
			workflows.GET("/:id/versions/diff", h.DiffVersions)
			workflows.GET("/:id/versions/:number", h.GetVersion)
			workflows.POST("/:id/versions/:number/rollback", h.RollbackWorkflow)
			workflows.POST("/:id/versions/prune", h.PruneVersions)
		}

		executions := api.Group("/executions")
		{
			executions.GET("/:id", h.GetExecution)
			executions.POST("/:id/cancel", h.CancelExecution)
		}

		templates := api.Group("/workflow-templates")
		{
			templates.GET("", h.ListTemplates)
			templates.GET("/:slug", h.GetTemplate)
			templates.POST("/:slug/instantiate", h.InstantiateTemplate)
		}

		meta := api.Group("/workflow-meta")
		{
			meta.GET("/trigger-types", h.TriggerTypes)
			meta.GET("/action-types", h.ActionTypes)
		}

		api.POST("/events", h.IngestEvent)
		api.POST("/webhooks/workflows/:id", h.ReceiveWebhook)
	}

	return &Server{engine: router, logger: logger}
}

// Handler returns the underlying handler, for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start blocks serving HTTP on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Infof("http server listening on %s", addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func requestLogger(logger engine.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Infof("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
