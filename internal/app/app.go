package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/fedblog/internal/config"
	"github.com/hitoshi/fedblog/internal/database"
	"github.com/hitoshi/fedblog/internal/federation"
	"github.com/hitoshi/fedblog/internal/federation/dispatch"
	"github.com/hitoshi/fedblog/internal/federation/remote"
	"github.com/hitoshi/fedblog/internal/federation/syncworker"
	"github.com/hitoshi/fedblog/internal/handler"
	"github.com/hitoshi/fedblog/internal/logger"
	"github.com/hitoshi/fedblog/internal/metrics"
	"github.com/hitoshi/fedblog/internal/middleware"
	"github.com/hitoshi/fedblog/internal/model"
	"github.com/hitoshi/fedblog/internal/notify"
	"github.com/hitoshi/fedblog/internal/post"
	"github.com/hitoshi/fedblog/internal/repository"
	"github.com/hitoshi/fedblog/internal/security"
)

const (
	dbPingTimeout   = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 環境変数（.envを含む）からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		// 設定エラーも構造化ログで出力できるようにする
		logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, cfg.LogLevel)
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。SIGINTまたはSIGTERMを受信するとグレースフルシャットダウンを行う。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("site_url", cfg.SiteURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		action, ok := ParseMigrateAction(args)
		if !ok {
			return fmt.Errorf("unknown migrate action: %v (want up, down or version)", args[1:])
		}
		return runMigrate(cfg, action)
	default:
		return runServe(ctx, cfg)
	}
}

// components はserve/workerで共有する依存関係のまとまり。
type components struct {
	registry     *prometheus.Registry
	metrics      *metrics.Collector
	guard        security.SSRFGuardService
	notifier     notify.Notifier
	categories   *repository.PostgresCategoryRepo
	subscribers  *repository.PostgresSubscriberRepo
	remoteSubs   *repository.PostgresRemoteSubscriptionRepo
	posts        *repository.PostgresPostRepo
	dispatcher   *dispatch.Dispatcher
	scheduler    *syncworker.Scheduler
	federation   *federation.Service
	postService  *post.Service
	rateLimiter  *middleware.RateLimiter
	inboxLimiter *middleware.RateLimiter
}

// newComponents は設定とDB接続から全依存関係をワイヤリングする。
// withScheduler がfalseの場合、同期スケジューラは生成せず、受信イベントによる同期要求は行わない。
func newComponents(cfg *config.Config, db *sql.DB, log *slog.Logger, withScheduler bool) *components {
	c := &components{registry: prometheus.NewRegistry()}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.metrics = metrics.NewCollector(c.registry)

	// 1. リポジトリの初期化
	c.categories = repository.NewPostgresCategoryRepo(db)
	c.subscribers = repository.NewPostgresSubscriberRepo(db)
	c.remoteSubs = repository.NewPostgresRemoteSubscriptionRepo(db)
	c.posts = repository.NewPostgresPostRepo(db)

	// 2. セキュリティ・通知の初期化
	c.guard = security.NewSSRFGuard(cfg.SiteURL, cfg.FederationAllowedPorts)
	if cfg.NotifyWebhookURL != "" {
		c.notifier = notify.NewSlackNotifier(cfg.NotifyWebhookURL, &http.Client{Timeout: cfg.NotifyTimeout}, log)
	} else {
		c.notifier = notify.NopNotifier{}
	}

	// 3. 配信ディスパッチャ
	c.dispatcher = dispatch.NewDispatcher(c.subscribers, c.guard, c.metrics, log, dispatch.Config{
		SiteURL:   cfg.SiteURL,
		Workers:   cfg.DispatchWorkers,
		QueueSize: cfg.DispatchQueueSize,
		Timeout:   cfg.DispatchTimeout,
	})

	// 4. 同期ワーカー
	var trigger federation.SyncTrigger
	if withScheduler {
		client := remote.NewClient(c.guard, log, remote.Config{
			Timeout:     cfg.SyncTimeout,
			MaxBodySize: cfg.SyncMaxBodySize,
			MaxPages:    cfg.SyncMaxPages,
			PageSize:    cfg.SyncPageSize,
		})
		syncer := syncworker.NewSyncer(
			c.remoteSubs, c.posts, client, c.guard, security.NewTextSanitizer(),
			c.notifier, c.metrics, log, cfg.SyncFailureThreshold,
		)
		c.scheduler = syncworker.NewScheduler(c.remoteSubs, c.subscribers, syncer, c.notifier, c.metrics, log, syncworker.SchedulerConfig{
			Interval:                   cfg.SyncInterval,
			MaxConcurrency:             cfg.SyncMaxConcurrent,
			SubscriberFailureThreshold: cfg.SubscriberFailureThreshold,
		})
		trigger = c.scheduler
	}

	// 5. ドメインサービス
	c.federation = federation.NewService(
		c.categories, c.subscribers, c.remoteSubs, c.posts,
		c.guard, trigger, c.notifier, c.metrics, log,
		model.RemoteBlog{
			SiteURL:     cfg.SiteURL,
			DisplayName: cfg.BlogDisplayName,
			BlogTitle:   cfg.BlogTitle,
			AvatarURL:   cfg.BlogAvatarURL,
		},
	)
	c.postService = post.NewService(c.posts, c.categories, c.dispatcher, log)

	c.rateLimiter = middleware.NewRateLimiter(middleware.PerMinuteRateLimiterConfig(cfg.RateLimitSubscribe), log)
	c.inboxLimiter = middleware.NewRateLimiter(middleware.PerMinuteRateLimiterConfig(cfg.RateLimitInbox), log)
	return c
}

// stopRateLimiters はレートリミッターのクリーンアップgoroutineを停止する。
func (c *components) stopRateLimiters() {
	c.rateLimiter.Stop()
	c.inboxLimiter.Stop()
}

// router はHTTPルーターを構築する。
func (c *components) router(cfg *config.Config, db handler.Pinger, log *slog.Logger) http.Handler {
	return handler.NewRouter(&handler.RouterDeps{
		Logger:              log,
		DB:                  db,
		MetricsHandler:      metrics.Handler(c.registry),
		Federation:          c.federation,
		RateLimiter:         c.rateLimiter,
		InboxRateLimiter:    c.inboxLimiter,
		AdminToken:          cfg.AdminAPIToken,
		RemoteSubscriptions: c.federation,
		Posts:               c.postService,
	})
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// SYNC_ENABLEDがtrueの場合は同期スケジューラを同じプロセスで実行する。
// ctxがキャンセルされると、HTTPサーバー、スケジューラ、ディスパッチャの順に停止する。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("database connection established")

	c := newComponents(cfg, db, log, cfg.SyncEnabled)
	defer c.stopRateLimiters()

	c.dispatcher.Start()

	schedCtx, cancelSched := context.WithCancel(context.Background())
	defer cancelSched()
	schedDone := make(chan struct{})
	if c.scheduler != nil {
		go func() {
			defer close(schedDone)
			c.scheduler.Run(schedCtx)
		}()
	} else {
		close(schedDone)
		log.Info("sync scheduler disabled")
	}

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           c.router(cfg, db, log),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var listenErr error
	select {
	case <-ctx.Done():
	case listenErr = <-serveErr:
	}
	log.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if listenErr != nil {
		errs = append(errs, fmt.Errorf("server listen error: %w", listenErr))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown failed: %w", err))
	}

	cancelSched()
	<-schedDone

	// 受付済みの配信は期限まで待ち、期限切れの場合は打ち切る
	if err := c.dispatcher.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher shutdown failed: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	log.Info("API server stopped gracefully")
	return nil
}

// runWorker は同期スケジューラのみを起動する。
// ctxがキャンセルされるまでブロックする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("database connection established (worker)")

	c := newComponents(cfg, db, log, true)
	c.stopRateLimiters()

	log.Info("worker starting",
		slog.Duration("sync_interval", cfg.SyncInterval),
		slog.Int("max_concurrent", cfg.SyncMaxConcurrent),
	)

	// スケジューラをメインgoroutineで実行（ブロッキング）
	c.scheduler.Run(ctx)

	log.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
func runMigrate(cfg *config.Config, action MigrateAction) error {
	slog.Info("running database migrations",
		slog.String("action", string(action)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch action {
	case MigrateDown:
		if err := database.RollbackMigration(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration rollback failed: %w", err)
		}
	case MigrateVersion:
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		slog.Info("database migration version",
			slog.Int("version", int(version)),
			slog.Bool("dirty", dirty),
		)
		return nil
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	return checkHealth(fmt.Sprintf("http://localhost:%s/health", port))
}

func checkHealth(healthURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(healthURL)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	u.RawQuery = ""
	return u.String()
}
