package main

import (
	"context"
	"log"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/md-forge/internal/archive"
	"github.com/yourusername/md-forge/internal/config"
	"github.com/yourusername/md-forge/internal/convert"
	"github.com/yourusername/md-forge/internal/jobs"
	"github.com/yourusername/md-forge/internal/storage"
)

// application は配線済みのコンポーネント一式です。
type application struct {
	registry *jobs.Registry
	pool     *jobs.Pool
	service  *convert.Service
	builder  *archive.Builder
}

// engineConvert は Engine をワーカープールの ConvertFunc に適合させます。
type engineConvert struct {
	engine convert.Engine
}

func (e *engineConvert) run(ctx context.Context, task *jobs.Task) (string, []string, error) {
	outcome, err := e.engine.Convert(ctx, convert.Request{
		SourcePath: task.SourcePath,
		OutputDir:  task.OutputDir,
		APIKey:     task.APIKey,
		BaseURL:    task.BaseURL,
		Model:      task.Model,
		Workers:    task.Workers,
	})
	if err != nil {
		return "", nil, err
	}
	return outcome.Content, outcome.Artifacts, nil
}

func setupApplication(cfg *config.Config) (*application, error) {
	store := storage.NewLocal(cfg.UploadDir, cfg.OutputDir)
	if err := store.Init(); err != nil {
		return nil, err
	}

	registry := jobs.NewRegistry()
	engine := convert.NewCommandEngine(cfg.EngineCommand)
	bridge := &engineConvert{engine: engine}

	pool, err := jobs.NewPool(registry, bridge.run, jobs.PoolOptions{
		Size:           cfg.PoolSize,
		QueueCapacity:  cfg.QueueCapacity,
		ConvertTimeout: time.Duration(cfg.ConvertTimeout) * time.Minute,
		Logger:         log.Default(),
	})
	if err != nil {
		return nil, err
	}

	service := convert.NewService(cfg, store, registry, pool, log.Default())
	builder := archive.NewBuilder(cfg.OutputDir, log.Default())

	return &application{
		registry: registry,
		pool:     pool,
		service:  service,
		builder:  builder,
	}, nil
}

// setupRoutes は API グループの配線を行います。
func setupRoutes(router *gin.Engine, app *application) {
	router.GET("/health", handleHealth)
	router.GET("/debug/jobs", convert.DebugJobsHandler(app.registry))

	api := router.Group("/api")
	{
		api.POST("/convert", convert.SubmitHandler(app.service))

		jobRoutes := api.Group("/jobs")
		{
			jobRoutes.POST("/status", convert.BatchStatusHandler(app.registry))
			// 複数ジョブのパッケージは :id より先に登録する必要がある
			jobRoutes.GET("/package", convert.BatchPackageHandler(app.registry, app.builder))
			jobRoutes.GET("/:id", convert.StatusHandler(app.registry))
			jobRoutes.GET("/:id/markdown", convert.MarkdownHandler(app.service))
			jobRoutes.GET("/:id/image/:name", convert.ArtifactHandler(app.service))
			jobRoutes.GET("/:id/package", convert.PackageHandler(app.registry, app.builder))
		}
	}
}
