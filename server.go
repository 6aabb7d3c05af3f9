package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/receiving_backend/config"
	"bitbucket.org/mmdatafocus/receiving_backend/models"
	"bitbucket.org/mmdatafocus/receiving_backend/sqlitestore"
	"bitbucket.org/mmdatafocus/receiving_backend/utils"
	"bitbucket.org/mmdatafocus/receiving_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// The listener comes up before the store; app routes answer 503 until it is ready.
	var api atomic.Pointer[qualityCheckAPI]
	r := newRouter(logger, func() *qualityCheckAPI { return api.Load() })

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	store, closeStore, err := openStore(logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "store"}).Fatal(err.Error())
	}
	defer closeStore()

	if strings.TrimSpace(os.Getenv("REDIS_ADDRESS")) != "" {
		redisCtx, cancelRedis := context.WithTimeout(sigCtx, 2*time.Minute)
		config.ConnectRedisWithRetry(redisCtx)
		cancelRedis()
	} else {
		logger.WithFields(logrus.Fields{"field": "redis"}).Warn("REDIS_ADDRESS not set; template cache and convert lock disabled")
	}

	engine := workflow.NewEngine(store, logger)
	api.Store(newQualityCheckAPI(engine, store, logger))

	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	if config.OutboxDispatchEnabled() {
		go workflow.NewOutboxDispatcher(store, logger).Run(dispatcherCtx)
	} else {
		logger.WithFields(logrus.Fields{"field": "outbox"}).Warn("outbox dispatch disabled; events stay PENDING")
	}

	logger.WithFields(logrus.Fields{
		"info":   "Connection Established",
		"driver": config.StoreDriver(),
	}).Info("listening on :", port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	config.ClosePubSub()
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// openStore connects the backend chosen by STORE_DRIVER and migrates it.
func openStore(logger *logrus.Logger) (models.Store, func(), error) {
	if config.StoreDriver() == config.StoreDriverSQLite {
		s, err := sqlitestore.Open(config.SQLiteDSN())
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	// AutoMigrate can block tables on a busy database; run it as a job instead when set.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.Migrate(db); err != nil {
			return nil, nil, err
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}
	if err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error; err != nil {
		logger.WithFields(logrus.Fields{"field": "database"}).Warn("failed to set isolation level: " + err.Error())
	}
	return models.NewGormStore(db), func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}, nil
}

func newRouter(logger *logrus.Logger, current func() *qualityCheckAPI) *gin.Engine {
	r := gin.New()
	r.Use(requestContext())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.Use(func(c *gin.Context) {
		if current() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.Use(cors.New(corsConfig()))
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	v1 := r.Group("/api/v1")
	handle := func(h func(a *qualityCheckAPI, c *gin.Context)) gin.HandlerFunc {
		return func(c *gin.Context) { h(current(), c) }
	}
	v1.GET("/quality-check-templates", handle((*qualityCheckAPI).listTemplates))
	v1.POST("/quality-checks", handle((*qualityCheckAPI).start))
	v1.GET("/quality-checks/:id", handle((*qualityCheckAPI).getSession))
	v1.GET("/quality-checks/:id/items", handle((*qualityCheckAPI).listItems))
	v1.GET("/quality-checks/:id/history", handle((*qualityCheckAPI).listHistory))
	v1.POST("/quality-checks/:id/items/:itemId/record", handle((*qualityCheckAPI).recordItem))
	v1.POST("/quality-checks/:id/items/:itemId/skip", handle((*qualityCheckAPI).skipItem))
	v1.POST("/quality-checks/:id/items/:itemId/photos", handle((*qualityCheckAPI).signPhotoUpload))
	v1.POST("/quality-checks/:id/retry-unsaved", handle((*qualityCheckAPI).retryUnsaved))
	v1.POST("/quality-checks/:id/complete", handle((*qualityCheckAPI).complete))
	v1.POST("/quality-checks/:id/proceed", handle((*qualityCheckAPI).proceed))
	v1.POST("/quality-checks/:id/close", handle((*qualityCheckAPI).closeSession))
	v1.POST("/quality-checks/:id/abandon", handle((*qualityCheckAPI).abandon))
	v1.POST("/quality-checks/:id/convert", handle((*qualityCheckAPI).convert))
	v1.GET("/quality-checks/:id/conversion", handle((*qualityCheckAPI).getConversion))
	v1.GET("/quality-checks/:id/export", handle((*qualityCheckAPI).export))
	v1.GET("/quality-checks/:id/outbox", handle((*qualityCheckAPI).outboxStatus))
	v1.GET("/purchase-orders/:poId/quality-check-summary", handle((*qualityCheckAPI).getSummary))
	// Ops tooling: put FAILED/DEAD events of a quality check back in the queue.
	r.POST("/internal/ops/outbox/requeue", handle((*qualityCheckAPI).requeueOutbox))
	r.NoRoute(customNotFoundHandler)
	return r
}

// requestContext attaches the correlation id and the caller identity forwarded by the gateway.
func requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), cid)
		if userId := strings.TrimSpace(c.GetHeader("x-user-id")); userId != "" {
			ctx = utils.SetUserIdInContext(ctx, userId)
		}
		if userName := strings.TrimSpace(c.GetHeader("x-user-name")); userName != "" {
			ctx = utils.SetUserNameInContext(ctx, userName)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Header("x-correlation-id", cid)
		c.Next()
	}
}

func corsConfig() cors.Config {
	corsConfig := cors.DefaultConfig()
	// In production require an explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Deny all cross-origin requests when nothing is configured.
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "x-correlation-id", "x-user-id", "x-user-name")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", "x-correlation-id")
	corsConfig.AllowCredentials = !corsConfig.AllowAllOrigins
	return corsConfig
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
