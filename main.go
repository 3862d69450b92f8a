package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"mail-ledger/config"
	"mail-ledger/extractor/gemini"
	"mail-ledger/models"
	"mail-ledger/services"
	"mail-ledger/storage"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	emailsUploadedCounter prometheus.Counter
	runsStartedCounter    prometheus.Counter
	staleJobsSweptCounter prometheus.Counter
)

func init() {
	emailsUploadedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_uploaded_total",
			Help: "Total number of emails accepted for extraction.",
		},
	)
	runsStartedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "extraction_runs_started_total",
			Help: "Total number of extraction runs started.",
		},
	)
	staleJobsSweptCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stale_jobs_swept_total",
			Help: "Total number of orphaned jobs marked failed by the sweeper.",
		},
	)
	prometheus.MustRegister(emailsUploadedCounter, runsStartedCounter, staleJobsSweptCounter)
}

func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APISecretKey == "" {
			c.Next()
			return
		}
		apiKey := c.GetHeader("X-API-KEY")
		if apiKey != cfg.APISecretKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid API Key"})
			return
		}
		c.Next()
	}
}

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	// Setup Database Connection
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}
	logging.Info("Successfully connected to database.")

	// Auto-Migration
	logging.Info("Running database auto-migration...")
	db.AutoMigrate(
		&models.EmailSet{},
		&models.Email{},
		&models.ExtractionRun{},
		&models.Job{},
		&models.Transaction{},
		&models.QaRun{},
		&models.QaResult{},
		&models.Account{},
		&models.Prompt{},
		&models.ModelConfig{},
		&models.EmailExtraction{},
		&models.DiscussionSummary{},
	)

	// Seeding
	seedDefaultPrompt(db, logging)
	seedDefaultModelConfigs(db, logging)

	// Setup S3 archive (optional)
	var s3Client *s3.Client
	if cfg.ArchiveS3URL != "" {
		s3Client, err = storage.NewS3Client(cfg)
		if err != nil {
			logging.Fatal("S3 client creation failed", zap.Error(err))
		}
		logging.Info("Email archive enabled", zap.String("bucket", cfg.ArchiveS3Bucket))
	} else {
		logging.Info("Email archive disabled, bodies stay in the database only")
	}

	// Setup Extraction Invoker
	invoker, err := gemini.NewFetcher(context.Background(), cfg, logging)
	if err != nil {
		logging.Fatal("Gemini client creation failed", zap.Error(err))
	}
	logging.Info("Extraction invoker loaded", zap.String("backend", invoker.Name()))

	// Setup Services
	hub := services.NewProgressHub()
	jobs := services.NewJobRegistry(db, logging)
	accounts := services.NewDBAccountResolver(db, logging)
	materializer := services.NewMaterializer(db, cfg, logging, accounts)
	orchestrator := services.NewOrchestrator(db, cfg, logging, invoker, jobs, hub, materializer)
	registry := services.NewRunRegistry(db, cfg, logging)
	qaEngine := services.NewQaEngine(db, cfg, logging, invoker)
	synthesizer := services.NewSynthesizer(db, cfg, logging)

	// Setup Router
	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(apiKeyAuthMiddleware(cfg))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Setup Routes
	setupEmailSetRoutes(router, db, cfg, s3Client, registry, logging)
	setupEmailRoutes(router, db, logging)
	setupRunRoutes(router, db, registry, orchestrator, jobs, hub, logging)
	setupQaRoutes(router, db, qaEngine, synthesizer, logging)
	setupAccountRoutes(router, db, logging)
	setupPromptRoutes(router, db, logging)
	setupModelConfigRoutes(router, db, logging)

	// Setup Cron
	cronScheduler := cron.New()
	cronScheduler.AddFunc(cfg.CronSchedule, func() {
		swept, err := jobs.SweepStale(context.Background(), cfg.JobStaleAfter)
		if err != nil {
			logging.Error("Stale job sweep failed", zap.Error(err))
			return
		}
		if swept > 0 {
			logging.Info("Swept stale jobs", zap.Int64("count", swept))
			staleJobsSweptCounter.Add(float64(swept))
		}
	})
	cronScheduler.Start()

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Fatal("Failed to run server", zap.Error(err))
	}
}

func seedDefaultPrompt(db *gorm.DB, log *zap.Logger) {
	var count int64
	db.Model(&models.Prompt{}).Count(&count)
	if count > 0 {
		return
	}
	prompt := models.Prompt{
		Name: "default-extraction",
		Text: "You are a financial email analyst. Read the email below and extract " +
			"every financial transaction it describes. Classify the email first: " +
			"a transaction notice carries concrete amounts, dates or confirmations; " +
			"an evidence email only discusses or references transactions. For " +
			"non-financial content return no transactions.",
		IsDefault: true,
	}
	if err := db.Create(&prompt).Error; err != nil {
		log.Error("Failed to seed default prompt", zap.Error(err))
		return
	}
	log.Info("Seeded default prompt", zap.Uint("prompt_id", prompt.ID))
}

func seedDefaultModelConfigs(db *gorm.DB, log *zap.Logger) {
	var count int64
	db.Model(&models.ModelConfig{}).Count(&count)
	if count > 0 {
		return
	}
	defaults := []models.ModelConfig{
		{Name: "gemini-2.0-flash", Provider: "gemini"},
		{Name: "gemini-2.5-pro", Provider: "gemini"},
	}
	for _, mc := range defaults {
		if err := db.Create(&mc).Error; err != nil {
			log.Error("Failed to seed model config", zap.String("name", mc.Name), zap.Error(err))
		}
	}
	log.Info("Seeded default model configs", zap.Int("count", len(defaults)))
}

func parseIDParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid %s", name)})
		return 0, false
	}
	return uint(id), true
}

func respondServiceError(c *gin.Context, log *zap.Logger, err error) {
	var svcErr *services.Error
	if errors.As(err, &svcErr) {
		status := http.StatusBadRequest
		switch svcErr.Code {
		case "not_found":
			status = http.StatusNotFound
		case "duplicate_run", "already_synthesized", "invalid_transition":
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error(), "code": svcErr.Code})
		return
	}
	log.Error("Unhandled service error", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func setupEmailSetRoutes(router *gin.Engine, db *gorm.DB, cfg *config.Config, s3Client *s3.Client, registry *services.RunRegistry, log *zap.Logger) {
	rg := router.Group("/email-sets")

	rg.POST("/", func(c *gin.Context) {
		var set models.EmailSet
		if err := c.ShouldBindJSON(&set); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := db.Create(&set).Error; err != nil {
			log.Error("Failed to create email set", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create email set"})
			return
		}
		c.JSON(http.StatusCreated, set)
	})

	rg.GET("/", func(c *gin.Context) {
		var sets []models.EmailSet
		if err := db.Order("created_at desc").Find(&sets).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, sets)
	})

	rg.GET("/:id", func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		var set models.EmailSet
		if err := db.First(&set, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "email set not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, set)
	})

	rg.GET("/:id/emails", func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		query := db.Where("email_set_id = ?", id)
		if status := c.Query("status"); status != "" {
			query = query.Where("extraction_status = ?", status)
		}
		var emails []models.Email
		if err := query.Order("id").Find(&emails).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, emails)
	})

	// Batch upload with content-hash dedup. Duplicates are counted and
	// skipped, never an error.
	rg.POST("/:id/emails", func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		var set models.EmailSet
		if err := db.First(&set, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "email set not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}

		type uploadEmail struct {
			Subject    string     `json:"subject"`
			Sender     string     `json:"sender"`
			ReceivedAt *time.Time `json:"received_at"`
			Content    string     `json:"content" binding:"required"`
		}
		var req struct {
			Emails []uploadEmail `json:"emails" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		created := 0
		skipped := 0
		for _, in := range req.Emails {
			sum := sha256.Sum256([]byte(in.Content))
			hash := hex.EncodeToString(sum[:])

			var existing models.Email
			err := db.Where("content_hash = ?", hash).First(&existing).Error
			if err == nil {
				skipped++
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
				return
			}

			email := models.Email{
				EmailSetID:       set.ID,
				ContentHash:      hash,
				Subject:          in.Subject,
				Sender:           in.Sender,
				ReceivedAt:       in.ReceivedAt,
				Content:          in.Content,
				ExtractionStatus: models.EmailStatusPending,
			}

			if s3Client != nil {
				link, err := storage.ArchiveEmail(c.Request.Context(), s3Client, cfg, hash, []byte(in.Content))
				if err != nil {
					log.Warn("Failed to archive email", zap.String("hash", hash), zap.Error(err))
				} else {
					email.S3Link = link
				}
			}

			if err := db.Create(&email).Error; err != nil {
				log.Error("Failed to store email", zap.String("hash", hash), zap.Error(err))
				skipped++
				continue
			}
			created++
		}

		if created > 0 {
			var total int64
			db.Model(&models.Email{}).Where("email_set_id = ?", set.ID).Count(&total)
			db.Model(&set).Update("email_count", total)
			emailsUploadedCounter.Add(float64(created))
		}

		c.JSON(http.StatusOK, gin.H{"created": created, "skipped": skipped})
	})

	rg.GET("/:id/eligibility", func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		modelID, err := strconv.ParseUint(c.Query("model_config_id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "model_config_id is required"})
			return
		}
		eligibility, err := registry.CheckEligibility(c.Request.Context(), id, uint(modelID))
		if err != nil {
			respondServiceError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, eligibility)
	})

	// Cascading delete: the set, its emails, every run over it and all
	// run-owned records go together.
	rg.DELETE("/:id", func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		var set models.EmailSet
		if err := db.First(&set, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "email set not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}

		err := db.Transaction(func(tx *gorm.DB) error {
			runIDs := tx.Model(&models.ExtractionRun{}).Select("id").Where("email_set_id = ?", id)
			qaRunIDs := tx.Model(&models.QaRun{}).Select("id").Where("email_set_id = ?", id)

			if err := tx.Where("qa_run_id IN (?)", qaRunIDs).Delete(&models.QaResult{}).Error; err != nil {
				return err
			}
			if err := tx.Where("email_set_id = ?", id).Delete(&models.QaRun{}).Error; err != nil {
				return err
			}
			if err := tx.Where("extraction_run_id IN (?)", runIDs).Delete(&models.Transaction{}).Error; err != nil {
				return err
			}
			if err := tx.Where("extraction_run_id IN (?)", runIDs).Delete(&models.EmailExtraction{}).Error; err != nil {
				return err
			}
			if err := tx.Where("extraction_run_id IN (?)", runIDs).Delete(&models.DiscussionSummary{}).Error; err != nil {
				return err
			}
			if err := tx.Where("extraction_run_id IN (?)", runIDs).Delete(&models.Job{}).Error; err != nil {
				return err
			}
			if err := tx.Where("email_set_id = ?", id).Delete(&models.ExtractionRun{}).Error; err != nil {
				return err
			}
			if err := tx.Where("email_set_id = ?", id).Delete(&models.Email{}).Error; err != nil {
				return err
			}
			return tx.Delete(&set).Error
		})
		if err != nil {
			log.Error("Cascading delete failed", zap.Uint("set_id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete email set"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": id})
	})
}

func setupEmailRoutes(router *gin.Engine, db *gorm.DB, log *zap.Logger) {
	rg := router.Group("/emails")

	rg.GET("/:id", func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		var email models.Email
		if err := db.First(&email, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "email not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, email)
	})

	// Winner designation: the reviewer picks the preferred transaction
	// among multiple runs' outputs for this email.
	rg.POST("/:id/winner", func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		var req struct {
			TransactionID uint `json:"transaction_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "transaction_id is required"})
			return
		}

		var email models.Email
		if err := db.First(&email, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "email not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}

		var transaction models.Transaction
		if err := db.First(&transaction, req.TransactionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		if transaction.SourceEmailID != email.ID {
			c.JSON(http.StatusBadRequest, gin.H{"error": "transaction does not belong to this email"})
			return
		}

		if err := db.Model(&email).Update("winner_transaction_id", transaction.ID).Error; err != nil {
			log.Error("Failed to set winner", zap.Uint("email_id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to set winner"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"email_id": email.ID, "winner_transaction_id": transaction.ID})
	})
}

func setupRunRoutes(router *gin.Engine, db *gorm.DB, registry *services.RunRegistry, orchestrator *services.Orchestrator, jobs *services.JobRegistry, hub *services.ProgressHub, log *zap.Logger) {
	rg := router.Group("/runs")

	rg.POST("/", func(c *gin.Context) {
		var req struct {
			SetID         uint   `json:"set_id" binding:"required"`
			ModelConfigID uint   `json:"model_config_id" binding:"required"`
			PromptID      *uint  `json:"prompt_id"`
			PromptText    string `json:"prompt_text"`
			Concurrency   int    `json:"concurrency"`
			SampleSize    int    `json:"sample_size"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		run, err := registry.CreateRun(c.Request.Context(), services.CreateRunInput{
			SetID:         req.SetID,
			ModelConfigID: req.ModelConfigID,
			PromptID:      req.PromptID,
			PromptText:    req.PromptText,
		})
		if err != nil {
			respondServiceError(c, log, err)
			return
		}

		opts := services.ExecuteOptions{Concurrency: req.Concurrency, SampleSize: req.SampleSize}
		go func() {
			if err := orchestrator.Execute(context.Background(), run.ID, opts); err != nil {
				log.Error("Extraction run aborted", zap.Uint("run_id", run.ID), zap.Error(err))
			}
		}()
		runsStartedCounter.Inc()

		c.JSON(http.StatusAccepted, run)
	})

	rg.GET("/", func(c *gin.Context) {
		query := db.Model(&models.ExtractionRun{})
		if setID := c.Query("set_id"); setID != "" {
			query = query.Where("email_set_id = ?", setID)
		}
		var runs []models.ExtractionRun
		if err := query.Order("created_at desc").Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, runs)
	})

	rg.GET("/:id", func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		var run models.ExtractionRun
		if err := db.First(&run, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, run)
	})

	rg.GET("/:id/transactions", func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		query := db.Where("extraction_run_id = ?", id)
		if emailID := c.Query("email_id"); emailID != "" {
			query = query.Where("source_email_id = ?", emailID)
		}
		var transactions []models.Transaction
		if err := query.Order("id").Find(&transactions).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, transactions)
	})

	// Durable progress snapshot: live job counters when this process
	// drives the run, the persisted job row otherwise.
	rg.GET("/:id/status", func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		var run models.ExtractionRun
		if err := db.First(&run, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		job, err := jobs.Snapshot(c.Request.Context(), id)
		if err != nil && !errors.Is(err, services.ErrNotFound) {
			respondServiceError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"run": run, "job": job})
	})

	// SSE progress stream for one run.
	rg.GET("/:id/progress", func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}

		ch := hub.Subscribe(id)
		defer hub.Unsubscribe(id, ch)

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
		c.Writer.Flush()

		heartbeat := time.NewTicker(30 * time.Second)
		defer heartbeat.Stop()

		for {
			select {
			case ev, open := <-ch:
				if !open {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(c.Writer, "data: %s\n\n", data)
				c.Writer.Flush()
				if ev.Stage == services.StageComplete || ev.Stage == services.StageError {
					return
				}
			case <-heartbeat.C:
				fmt.Fprintf(c.Writer, ": heartbeat\n\n")
				c.Writer.Flush()
			case <-c.Request.Context().Done():
				return
			}
		}
	})

	rg.POST("/:id/cancel", func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		var req struct {
			Notes string `json:"notes"`
		}
		c.ShouldBindJSON(&req)

		if err := orchestrator.Cancel(c.Request.Context(), id, req.Notes); err != nil {
			respondServiceError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"run_id": id, "status": models.RunStatusCancelled})
	})

	rg.POST("/:id/resume", func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		var req struct {
			Concurrency int `json:"concurrency"`
		}
		c.ShouldBindJSON(&req)

		// Validate the transition synchronously so the caller gets the
		// conflict; the work itself runs in the background.
		var run models.ExtractionRun
		if err := db.First(&run, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		if run.Status != models.RunStatusFailed {
			c.JSON(http.StatusConflict, gin.H{"error": "only failed runs can be resumed", "code": "invalid_transition"})
			return
		}

		go func() {
			opts := services.ExecuteOptions{Concurrency: req.Concurrency}
			if err := orchestrator.Resume(context.Background(), id, opts); err != nil {
				log.Error("Resume aborted", zap.Uint("run_id", id), zap.Error(err))
			}
		}()
		c.JSON(http.StatusAccepted, gin.H{"run_id": id, "status": models.RunStatusRunning})
	})

	rg.POST("/:id/reset-emails", func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		var req struct {
			EmailIDs []uint `json:"email_ids" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "email_ids is required"})
			return
		}
		reset, err := orchestrator.ResetEmails(c.Request.Context(), id, req.EmailIDs)
		if err != nil {
			respondServiceError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"reset": reset, "skipped": len(req.EmailIDs) - reset})
	})

	rg.POST("/:id/reprocess-email", func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		var req struct {
			EmailID uint `json:"email_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "email_id is required"})
			return
		}
		if err := orchestrator.ReprocessEmail(c.Request.Context(), id, req.EmailID); err != nil {
			respondServiceError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"run_id": id, "email_id": req.EmailID})
	})
}

func setupQaRoutes(router *gin.Engine, db *gorm.DB, engine *services.QaEngine, synthesizer *services.Synthesizer, log *zap.Logger) {
	rg := router.Group("/qa-runs")

	rg.POST("/", func(c *gin.Context) {
		var req struct {
			SourceRunID uint `json:"source_run_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "source_run_id is required"})
			return
		}
		qaRun, err := engine.CreateQaRun(c.Request.Context(), req.SourceRunID)
		if err != nil {
			respondServiceError(c, log, err)
			return
		}
		go func() {
			if err := engine.Execute(context.Background(), qaRun.ID); err != nil {
				log.Error("QA run aborted", zap.Uint("qa_run_id", qaRun.ID), zap.Error(err))
			}
		}()
		c.JSON(http.StatusAccepted, qaRun)
	})

	rg.GET("/:id", func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		var qaRun models.QaRun
		if err := db.First(&qaRun, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "qa run not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, qaRun)
	})

	rg.GET("/:id/results", func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		query := db.Where("qa_run_id = ?", id)
		if status := c.Query("status"); status != "" {
			query = query.Where("status = ?", status)
		}
		if c.Query("with_issues") == "true" {
			query = query.Where("has_issues = ?", true)
		}
		var results []models.QaResult
		if err := query.Order("id").Find(&results).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, results)
	})

	rg.POST("/:id/accept-field", func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		var req struct {
			Field string `json:"field" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "field is required"})
			return
		}
		affected, skipped, err := engine.AcceptFieldGroup(c.Request.Context(), id, req.Field)
		if err != nil {
			respondServiceError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"affected": affected, "skipped": skipped})
	})

	rg.POST("/:id/synthesize", func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		run, err := synthesizer.Synthesize(c.Request.Context(), id)
		if err != nil {
			respondServiceError(c, log, err)
			return
		}
		c.JSON(http.StatusCreated, run)
	})

	results := router.Group("/qa-results")
	results.POST("/:id/review", func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		var in services.ReviewInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		result, err := engine.ReviewResult(c.Request.Context(), id, in)
		if err != nil {
			respondServiceError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})
}

func setupAccountRoutes(router *gin.Engine, db *gorm.DB, log *zap.Logger) {
	rg := router.Group("/accounts")

	rg.GET("/", func(c *gin.Context) {
		var accounts []models.Account
		if err := db.Order("id").Find(&accounts).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, accounts)
	})

	rg.PUT("/:id", func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		var account models.Account
		if err := db.First(&account, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		var updateData map[string]interface{}
		if err := c.ShouldBindJSON(&updateData); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := db.Model(&account).Updates(updateData).Error; err != nil {
			log.Error("DB error updating account", zap.Uint("id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update account"})
			return
		}
		c.JSON(http.StatusOK, account)
	})
}

func setupPromptRoutes(router *gin.Engine, db *gorm.DB, log *zap.Logger) {
	rg := router.Group("/prompts")

	rg.POST("/", func(c *gin.Context) {
		var prompt models.Prompt
		if err := c.ShouldBindJSON(&prompt); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if prompt.IsDefault {
				if err := tx.Model(&models.Prompt{}).Where("is_default = ?", true).
					Update("is_default", false).Error; err != nil {
					return err
				}
			}
			return tx.Create(&prompt).Error
		})
		if err != nil {
			log.Error("Failed to create prompt", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create prompt"})
			return
		}
		c.JSON(http.StatusCreated, prompt)
	})

	rg.GET("/", func(c *gin.Context) {
		var prompts []models.Prompt
		if err := db.Order("id").Find(&prompts).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, prompts)
	})

	rg.PUT("/:id", func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		var prompt models.Prompt
		if err := db.First(&prompt, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "prompt not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		var updateData map[string]interface{}
		if err := c.ShouldBindJSON(&updateData); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if isDefault, ok := updateData["is_default"].(bool); ok && isDefault {
				if err := tx.Model(&models.Prompt{}).Where("is_default = ?", true).
					Update("is_default", false).Error; err != nil {
					return err
				}
			}
			return tx.Model(&prompt).Updates(updateData).Error
		})
		if err != nil {
			log.Error("DB error updating prompt", zap.Uint("id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update prompt"})
			return
		}
		c.JSON(http.StatusOK, prompt)
	})
}

func setupModelConfigRoutes(router *gin.Engine, db *gorm.DB, log *zap.Logger) {
	rg := router.Group("/model-configs")

	rg.POST("/", func(c *gin.Context) {
		var mc models.ModelConfig
		if err := c.ShouldBindJSON(&mc); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := db.Create(&mc).Error; err != nil {
			log.Error("Failed to create model config", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create model config"})
			return
		}
		c.JSON(http.StatusCreated, mc)
	})

	rg.GET("/", func(c *gin.Context) {
		var configs []models.ModelConfig
		if err := db.Order("id").Find(&configs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, configs)
	})
}
