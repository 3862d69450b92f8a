package services

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mail-ledger/config"
	"mail-ledger/extractor"
	"mail-ledger/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection keeps the in-memory database shared across worker
	// goroutines.
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
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
	))
	return db
}

func testConfig() *config.Config {
	return &config.Config{
		SoftwareVersion:       "v1",
		ExtractionConcurrency: 2,
		QAConcurrency:         2,
		DefaultCurrency:       "USD",
	}
}

func seedSet(t *testing.T, db *gorm.DB, name string, emailCount int) (*models.EmailSet, []models.Email) {
	t.Helper()
	set := models.EmailSet{Name: name, EmailCount: emailCount}
	require.NoError(t, db.Create(&set).Error)

	emails := make([]models.Email, 0, emailCount)
	for i := 0; i < emailCount; i++ {
		email := models.Email{
			EmailSetID:       set.ID,
			ContentHash:      fmt.Sprintf("%s-hash-%d", name, i),
			Subject:          fmt.Sprintf("%s email %d", name, i),
			Sender:           "broker@example.com",
			Content:          fmt.Sprintf("body %d", i),
			ExtractionStatus: models.EmailStatusPending,
		}
		require.NoError(t, db.Create(&email).Error)
		emails = append(emails, email)
	}
	return &set, emails
}

func seedModelConfig(t *testing.T, db *gorm.DB) *models.ModelConfig {
	t.Helper()
	mc := models.ModelConfig{Name: "gemini-2.0-flash", Provider: "gemini"}
	require.NoError(t, db.Create(&mc).Error)
	return &mc
}

func seedRun(t *testing.T, db *gorm.DB, setID, modelID uint, status string) *models.ExtractionRun {
	t.Helper()
	var maxVersion int
	require.NoError(t, db.Model(&models.ExtractionRun{}).
		Where("email_set_id = ?", setID).
		Select("COALESCE(MAX(version), 0)").
		Scan(&maxVersion).Error)
	run := models.ExtractionRun{
		EmailSetID:      setID,
		Version:         maxVersion + 1,
		ModelConfigID:   modelID,
		PromptText:      "extract transactions",
		SoftwareVersion: "v1",
		Status:          status,
	}
	require.NoError(t, db.Create(&run).Error)
	return &run
}

func reloadRun(t *testing.T, db *gorm.DB, id uint) *models.ExtractionRun {
	t.Helper()
	var run models.ExtractionRun
	require.NoError(t, db.First(&run, id).Error)
	return &run
}

func newTestOrchestrator(db *gorm.DB, invoker extractor.Invoker) (*Orchestrator, *JobRegistry, *ProgressHub) {
	log := zap.NewNop()
	cfg := testConfig()
	jobs := NewJobRegistry(db, log)
	hub := NewProgressHub()
	accounts := NewDBAccountResolver(db, log)
	materializer := NewMaterializer(db, cfg, log, accounts)
	return NewOrchestrator(db, cfg, log, invoker, jobs, hub, materializer), jobs, hub
}

// scriptedInvoker returns canned documents keyed by email subject. With
// no entry it returns a single buy transaction.
type scriptedInvoker struct {
	mu    sync.Mutex
	docs  map[string]*extractor.Document
	fails map[string]error
	calls []string
}

func (s *scriptedInvoker) Extract(ctx context.Context, email *models.Email, modelName, promptText string) (*extractor.Document, error) {
	s.mu.Lock()
	s.calls = append(s.calls, email.Subject)
	doc := s.docs[email.Subject]
	failure := s.fails[email.Subject]
	s.mu.Unlock()

	if failure != nil {
		return nil, failure
	}
	if doc != nil {
		return doc, nil
	}
	return &extractor.Document{
		IsTransactional: true,
		EmailType:       extractor.EmailTypeTransaction,
		Transactions: []extractor.Item{
			{"type": "buy", "amount": 10.0},
		},
	}, nil
}

func (s *scriptedInvoker) Name() string { return "scripted" }

func (s *scriptedInvoker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// gateInvoker blocks every call until released, so a test can cancel a
// run while work is in flight.
type gateInvoker struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	mu      sync.Mutex
	calls   int
}

func newGateInvoker() *gateInvoker {
	return &gateInvoker{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gateInvoker) Extract(ctx context.Context, email *models.Email, modelName, promptText string) (*extractor.Document, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	g.once.Do(func() { close(g.started) })
	<-g.release
	return &extractor.Document{
		IsTransactional: true,
		EmailType:       extractor.EmailTypeTransaction,
		Transactions: []extractor.Item{
			{"type": "buy", "amount": 25.0},
		},
	}, nil
}

func (g *gateInvoker) Name() string { return "gate" }

func (g *gateInvoker) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}
