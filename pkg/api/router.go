package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/canopyflow/canopy/internal/crypto"
	"github.com/canopyflow/canopy/internal/dag"
	"github.com/canopyflow/canopy/internal/engine"
	"github.com/canopyflow/canopy/internal/storage"
	"github.com/canopyflow/canopy/pkg/api/dto"
	"github.com/canopyflow/canopy/pkg/api/handlers"
	"github.com/canopyflow/canopy/pkg/api/middleware"
)

// Deps carries everything the HTTP surface needs.
type Deps struct {
	DAGs     storage.DAGRepository
	Runs     storage.RunRepository
	Records  storage.TaskRecordRepository
	Workers  storage.WorkerRepository
	Settings storage.SMTPSettingsRepository

	Dispatcher *engine.Dispatcher
	Reconciler *engine.Reconciler
	Validator  *dag.Validator
	Parser     *dag.Parser
	Inspector  handlers.DeadLetterInspector
	Cipher     *crypto.Cipher

	FrontendOrigin string
}

// NewRouter builds the gin engine with all routes and middleware.
func NewRouter(deps Deps) *gin.Engine {
	router := gin.New()
	router.Use(middleware.Logger())
	router.Use(middleware.Recovery())
	router.Use(middleware.CORS(deps.FrontendOrigin))
	router.Use(middleware.NewRateLimiter(10, 20).Limit())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, dto.HealthResponse{Status: "ok"})
	})

	dagHandler := handlers.NewDAGHandler(deps.DAGs, deps.Validator, deps.Parser)
	runHandler := handlers.NewRunHandler(deps.DAGs, deps.Runs, deps.Records, deps.Dispatcher, deps.Reconciler)
	triggerHandler := handlers.NewTriggerHandler(deps.DAGs, deps.Dispatcher)
	workerHandler := handlers.NewWorkerHandler(deps.Workers)

	// Webhook triggers are authenticated by token or registered path,
	// not by session identity.
	router.Any("/hooks/path/*path", triggerHandler.ByPath)
	router.Any("/hooks/:token", triggerHandler.ByToken)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.Identity())
	{
		v1.POST("/dags", dagHandler.Create)
		v1.POST("/dags/import", dagHandler.Import)
		v1.GET("/dags", dagHandler.List)
		v1.GET("/dags/:id", dagHandler.Get)
		v1.DELETE("/dags/:id", dagHandler.Delete)
		v1.POST("/dags/:id/pause", dagHandler.Pause)
		v1.POST("/dags/:id/unpause", dagHandler.Unpause)
		v1.POST("/dags/:id/trigger", runHandler.Trigger)

		v1.GET("/runs", runHandler.List)
		v1.GET("/runs/:id", runHandler.Get)
		v1.GET("/runs/:id/records", runHandler.Records)
		v1.POST("/runs/:id/cancel", runHandler.Cancel)

		v1.GET("/workers", workerHandler.List)

		if deps.Inspector != nil {
			dlqHandler := handlers.NewDLQHandler(deps.Inspector)
			v1.GET("/dlq", dlqHandler.List)
			v1.GET("/dlq/count", dlqHandler.Count)
			v1.POST("/dlq/:index/replay", dlqHandler.Replay)
			v1.DELETE("/dlq", dlqHandler.Purge)
		}

		if deps.Cipher != nil {
			smtpHandler := handlers.NewSMTPHandler(deps.Settings, deps.Cipher)
			v1.PUT("/settings/smtp", smtpHandler.Upsert)
			v1.GET("/settings/smtp", smtpHandler.Get)
			v1.DELETE("/settings/smtp", smtpHandler.Delete)
		}
	}

	return router
}
