package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"alin-engine/cache"
	"alin-engine/config"
	"alin-engine/database"
	"alin-engine/database/analytics"
	"alin-engine/database/cortex"
	"alin-engine/database/genome"
	models "alin-engine/database/models_pkg"
	"alin-engine/database/predictions"
	"alin-engine/database/weightmap"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Live feed event names
const (
	EventPredictionRecorded = "prediction_recorded"
	EventOutcomeRecorded    = "outcome_recorded"
	EventDomainUpdated      = "domain_updated"
	EventPatternConfirmed   = "pattern_confirmed"
	EventGeneChanged        = "gene_changed"
	EventKillSwitch         = "kill_switch"
	EventLifecycleRun       = "lifecycle_run"
	EventSnapshotImported   = "snapshot_imported"
)

// Review notification kinds
const (
	ReviewGeneProposed = "gene_proposed"
	ReviewGeneDormant  = "gene_dormant"
)

// EventPublisher fans engine events out to live subscribers
type EventPublisher interface {
	Broadcast(event string, payload interface{})
}

// ReviewNotifier tells operators that a gene needs attention
type ReviewNotifier interface {
	NotifyGene(ctx context.Context, kind string, gene *models.BehavioralGene)
}

// GeneDrafter rephrases a templated gene suggestion
type GeneDrafter interface {
	DraftGene(ctx context.Context, pattern *models.ConsequencePattern, template string) (string, error)
}

// ConfigView is the mode and vocabulary snapshot handed to callers and to
// the addendum builder. It is computed once per TTL, never read as globals.
type ConfigView struct {
	IsPrivate              bool           `json:"is_private"`
	BootstrapActive        bool           `json:"bootstrap_active"`
	BootstrapUntil         time.Time      `json:"bootstrap_until"`
	KillSwitch             bool           `json:"kill_switch"`
	Domains                []string       `json:"domains"`
	PredictionPatternCount int            `json:"prediction_pattern_count"`
	DomainKeywordCoverage  map[string]int `json:"domain_keyword_coverage"`
}

// Engine wires the repositories, caches and collaborators of the
// adaptation engine. All cross-process coordination goes through the store.
type Engine struct {
	db          *database.Database
	predictions *predictions.Repository
	weightmap   *weightmap.Repository
	cortex      *cortex.Repository
	genome      *genome.Repository
	analytics   *analytics.Repository

	cfg        config.EngineConfig
	vocabulary atomic.Pointer[config.Vocabulary]
	addenda    *cache.AddendumCache
	configView *cache.Memo[ConfigView]

	events  EventPublisher
	reviews ReviewNotifier
	drafter GeneDrafter

	background sync.WaitGroup

	origin string
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates a new engine over db. redis may be nil.
func NewEngine(db *database.Database, redis *cache.RedisClient, cfg config.EngineConfig, vocab *config.Vocabulary, logger *zap.Logger) *Engine {
	if vocab == nil {
		vocab = config.DefaultVocabulary()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	gdb := db.DB()
	e := &Engine{
		db:          db,
		predictions: predictions.NewRepository(gdb),
		weightmap:   weightmap.NewRepository(gdb),
		cortex:      cortex.NewRepository(gdb),
		genome:      genome.NewRepository(gdb),
		analytics:   analytics.NewRepository(gdb),
		cfg:         cfg,
		addenda:     cache.NewAddendumCache(redis, cfg.AddendumTTL(), logger),
		configView:  cache.NewMemo[ConfigView](cfg.ConfigTTL()),
		origin:      uuid.NewString(),
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
	e.vocabulary.Store(vocab)
	return e
}

// SetEventPublisher attaches the live feed
func (e *Engine) SetEventPublisher(p EventPublisher) { e.events = p }

// SetReviewNotifier attaches review webhooks
func (e *Engine) SetReviewNotifier(n ReviewNotifier) { e.reviews = n }

// SetGeneDrafter attaches the LLM drafter used for suggested genes
func (e *Engine) SetGeneDrafter(d GeneDrafter) { e.drafter = d }

// Origin identifies this process in invalidation notifications
func (e *Engine) Origin() string { return e.origin }

// Settings returns the engine parameters
func (e *Engine) Settings() config.EngineConfig { return e.cfg }

// Database returns the underlying store
func (e *Engine) Database() *database.Database { return e.db }

// Vocabulary returns the current domain vocabulary
func (e *Engine) Vocabulary() *config.Vocabulary { return e.vocabulary.Load() }

// SetVocabulary swaps the domain vocabulary, e.g. after a file reload
func (e *Engine) SetVocabulary(v *config.Vocabulary) {
	e.vocabulary.Store(v)
	e.configView.Invalidate()
	e.logger.Info("domain vocabulary replaced", zap.Int("domains", len(v.Domains)))
}

// Config returns the cached configuration view
func (e *Engine) Config(ctx context.Context) (ConfigView, error) {
	return e.configView.GetOrCompute(ctx, e.loadConfig)
}

func (e *Engine) loadConfig(ctx context.Context) (ConfigView, error) {
	vocab := e.Vocabulary()
	view := ConfigView{
		IsPrivate:              e.cfg.PrivateMode,
		Domains:                vocab.Names(),
		PredictionPatternCount: PatternCount(),
		DomainKeywordCoverage:  vocab.Coverage(),
	}

	until, err := e.ensureBootstrap(ctx)
	if err != nil {
		return view, err
	}
	view.BootstrapUntil = until
	view.BootstrapActive = e.now().Before(until)

	if view.KillSwitch, err = e.db.KillSwitch(ctx); err != nil {
		return view, err
	}
	return view, nil
}

// ensureBootstrap starts the observation window on first use and returns its end
func (e *Engine) ensureBootstrap(ctx context.Context) (time.Time, error) {
	until := e.now().Add(time.Duration(e.cfg.BootstrapDays) * 24 * time.Hour)
	if _, err := e.db.SetFlagIfAbsent(ctx, database.FlagBootstrapUntil, until.Format(time.RFC3339Nano)); err != nil {
		return time.Time{}, err
	}
	return e.db.GetTimeFlag(ctx, database.FlagBootstrapUntil)
}

// KillSwitch reports the global kill switch state
func (e *Engine) KillSwitch(ctx context.Context) (bool, error) {
	return e.db.KillSwitch(ctx)
}

// SetKillSwitch flips the kill switch and drops every cached addendum
func (e *Engine) SetKillSwitch(ctx context.Context, on bool) error {
	if err := e.db.SetKillSwitch(ctx, on); err != nil {
		return err
	}
	e.invalidate(ctx, "all", "")
	e.logger.Warn("kill switch changed", zap.Bool("active", on))
	e.publish(EventKillSwitch, map[string]interface{}{"active": on})
	return nil
}

// invalidate drops cached addenda (and for scope "all" the config view) in
// this process and notifies other processes sharing the store
func (e *Engine) invalidate(ctx context.Context, scope, userID string) {
	e.dropLocal(ctx, database.Invalidation{Scope: scope, UserID: userID}, true)
	inv := database.Invalidation{Scope: scope, UserID: userID, Origin: e.origin}
	if err := e.db.NotifyInvalidation(ctx, inv); err != nil {
		e.logger.Warn("invalidation notify failed", zap.String("scope", scope), zap.Error(err))
	}
}

// HandleInvalidation applies an invalidation received from another process
func (e *Engine) HandleInvalidation(inv database.Invalidation) {
	e.dropLocal(context.Background(), inv, false)
}

func (e *Engine) dropLocal(ctx context.Context, inv database.Invalidation, shared bool) {
	switch {
	case inv.Scope == "all" || inv.Scope == "config":
		e.configView.Invalidate()
		if !shared {
			e.addenda.InvalidateLocal("")
		} else {
			e.addenda.InvalidateAll(ctx)
		}
	case inv.UserID == "":
		if shared {
			e.addenda.InvalidateAll(ctx)
		} else {
			e.addenda.InvalidateLocal("")
		}
	case shared:
		e.addenda.InvalidateUser(ctx, inv.UserID)
	default:
		e.addenda.InvalidateLocal(inv.UserID)
	}
}

func (e *Engine) publish(event string, payload interface{}) {
	if e.events != nil {
		e.events.Broadcast(event, payload)
	}
}

func (e *Engine) notifyReview(ctx context.Context, kind string, g *models.BehavioralGene) {
	if e.reviews != nil {
		e.reviews.NotifyGene(ctx, kind, g)
	}
}

// detach runs fn on its own goroutine with a fresh bounded context. Errors
// are logged and never reach the caller.
func (e *Engine) detach(name string, timeout time.Duration, fn func(ctx context.Context) error) {
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("background task panicked", zap.String("task", name), zap.Any("panic", r))
			}
		}()
		if err := fn(ctx); err != nil {
			e.logger.Warn("background task failed", zap.String("task", name), zap.Error(err))
		}
	}()
}

// Wait blocks until detached background work has finished
func (e *Engine) Wait() {
	e.background.Wait()
}

func round4(v float64) float64 {
	if v < 0 {
		return -float64(int64(-v*10000+0.5)) / 10000
	}
	return float64(int64(v*10000+0.5)) / 10000
}
