package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/lessonbook/internal/availability"
	"github.com/hitoshi/lessonbook/internal/booking"
	"github.com/hitoshi/lessonbook/internal/calendar"
	"github.com/hitoshi/lessonbook/internal/config"
	"github.com/hitoshi/lessonbook/internal/conflict"
	"github.com/hitoshi/lessonbook/internal/database"
	"github.com/hitoshi/lessonbook/internal/document"
	"github.com/hitoshi/lessonbook/internal/effects"
	"github.com/hitoshi/lessonbook/internal/googleapi"
	"github.com/hitoshi/lessonbook/internal/handler"
	"github.com/hitoshi/lessonbook/internal/lifecycle"
	"github.com/hitoshi/lessonbook/internal/logger"
	"github.com/hitoshi/lessonbook/internal/metrics"
	"github.com/hitoshi/lessonbook/internal/middleware"
	"github.com/hitoshi/lessonbook/internal/notify"
	"github.com/hitoshi/lessonbook/internal/quota"
	"github.com/hitoshi/lessonbook/internal/repository"
	"github.com/hitoshi/lessonbook/internal/security"
	"github.com/hitoshi/lessonbook/internal/subscription"
	"github.com/hitoshi/lessonbook/internal/worker/cleanup"
	"github.com/hitoshi/lessonbook/internal/worker/reminder"
	"github.com/hitoshi/lessonbook/internal/worker/sweep"
)

// outboundTimeout は外部API呼び出し1回あたりのタイムアウト。
const outboundTimeout = 15 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再初期化する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

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
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return fmt.Errorf("unsupported command %q", cmd)
	}
}

// repositories はPostgreSQLリポジトリ一式。
type repositories struct {
	users         repository.UserRepository
	loginSessions repository.LoginSessionRepository
	subscriptions repository.SubscriptionRepository
	sessions      repository.SessionRepository
	availability  repository.AvailabilityRepository
	jobs          repository.JobRepository
}

func newRepositories(db *sqlx.DB) *repositories {
	return &repositories{
		users:         repository.NewPostgresUserRepo(db),
		loginSessions: repository.NewPostgresLoginSessionRepo(db),
		subscriptions: repository.NewPostgresSubscriptionRepo(db),
		sessions:      repository.NewPostgresSessionRepo(db),
		availability:  repository.NewPostgresAvailabilityRepo(db),
		jobs:          repository.NewPostgresJobRepo(db),
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sqlx.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// providers は副作用処理が利用する外部サービスのクライアント。
// Google連携が無効な場合、calendar と docs はnil。
type providers struct {
	calendar *calendar.GoogleCalendar
	docs     *document.GoogleDocs
	notifier *notify.Notifier
}

// newProviders は設定に応じて外部サービスのクライアントを構築する。
// Calendar・Drive・Docsは同一のトークンとレート制限を共有する。
// トークンは有効期限が切れる前に自動で再取得されるため、ctx にはプロセスの生存期間を渡す。
func newProviders(ctx context.Context, cfg *config.Config, logger *slog.Logger, mc metrics.MetricsCollector) (*providers, error) {
	p := &providers{}

	if cfg.GoogleEnabled() {
		base := security.NewOutboundClient(outboundTimeout)
		ts, err := googleapi.NewTokenSource(ctx, googleapi.CredentialsConfig{
			CredentialsFile: cfg.GoogleCredentialsFile,
			Subject:         cfg.GoogleSubject,
		}, base)
		if err != nil {
			return nil, err
		}
		limiter := googleapi.NewLimiter(cfg.GoogleAPIRate)

		p.calendar, err = calendar.NewGoogleCalendar(ctx,
			googleapi.NewHTTPClient("google_calendar", base, ts, limiter, mc),
			cfg.GoogleCalendarID,
		)
		if err != nil {
			return nil, err
		}
		if cfg.DocsTemplateID != "" {
			p.docs, err = document.NewGoogleDocs(ctx,
				googleapi.NewHTTPClient("google_drive", base, ts, limiter, mc),
				googleapi.NewHTTPClient("google_docs", base, ts, limiter, mc),
				cfg.DocsTemplateID,
			)
			if err != nil {
				return nil, err
			}
		}
	} else {
		logger.Warn("GOOGLE_CREDENTIALS_FILE / GOOGLE_USE_ADC が未設定のため、カレンダー登録と教材ドキュメント作成を行いません")
	}

	var sender notify.Sender
	if cfg.SendGridAPIKey != "" {
		sender = notify.NewSendGridSender(cfg.SendGridAPIKey, cfg.MailFromName, cfg.MailFrom)
	} else {
		logger.Warn("SENDGRID_API_KEY が未設定のため、通知メールはログ出力のみ行います")
		sender = notify.NewLogSender(logger)
	}
	notifier, err := notify.NewNotifier(sender, cfg.BaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize notifier: %w", err)
	}
	p.notifier = notifier

	return p, nil
}

// newOrchestrator は副作用オーケストレーターを構築する。
// nilのプロバイダーはインターフェースとしてもnilで渡し、そのステップを無効にする。
// ledger はキャンセル時に返却できなかったレッスン枠の再返却に使う。
func newOrchestrator(cfg *config.Config, repos *repositories, p *providers, ledger *quota.Ledger, logger *slog.Logger, mc metrics.MetricsCollector) *effects.Orchestrator {
	var cal effects.CalendarProvider
	if p.calendar != nil {
		cal = p.calendar
	}
	var docs effects.DocumentProvider
	if p.docs != nil {
		docs = p.docs
	}
	return effects.NewOrchestrator(repos.sessions, repos.users, cal, docs, p.notifier, effects.Config{
		BulkItemDelay:      cfg.BulkItemDelay,
		DocsParentFolderID: cfg.DocsParentFolderID,
		DocsIndexID:        cfg.DocsIndexID,
	}, logger, mc).WithReleaser(ledger)
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーと副作用ワーカーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	logger := slog.Default()

	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mc := metrics.NewCollector(reg)

	// 3. リポジトリ・外部サービスの初期化
	repos := newRepositories(db)
	provs, err := newProviders(context.Background(), cfg, logger, mc)
	if err != nil {
		return err
	}

	policy, err := conflict.ParseFailurePolicy(cfg.ExternalCalendarFailurePolicy)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	var calendarChecker conflict.AvailabilityChecker
	if provs.calendar != nil {
		calendarChecker = provs.calendar
	}

	// 4. 副作用キュー
	ledger := quota.NewLedger(repos.subscriptions, mc)
	queue := effects.NewQueue(repos.jobs, newOrchestrator(cfg, repos, provs, ledger, logger, mc), effects.QueueConfig{
		Workers:     cfg.EffectsWorkers,
		Size:        cfg.EffectsQueueSize,
		MaxAttempts: cfg.EffectsMaxAttempts,
	}, logger, mc)

	// 5. ドメインサービスの初期化
	checker := conflict.NewChecker(repos.sessions, calendarChecker, policy, logger)
	bookingService := booking.NewService(repos.users, repos.sessions, ledger, checker, queue,
		booking.Config{MaxSessionMinutes: cfg.MaxSessionMinutes}, logger, mc)
	lifecycleService := lifecycle.NewService(repos.sessions, ledger, queue, security.NewContentSanitizer(),
		lifecycle.Config{CancellationWindow: cfg.CancellationWindow}, logger, mc)
	subService := subscription.NewService(ledger, repos.users)
	availabilityService := availability.NewService(repos.users, repos.availability, repos.sessions)

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitBooking))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            logger,
		Metrics:           mc,
		MetricsGatherer:   reg,
		HealthChecker:     db,
		LoginSessions:     repos.loginSessions,
		Users:             repos.users,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRF: &middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter: rateLimiter,

		BookingService:      bookingService,
		SessionService:      lifecycleService,
		SubscriptionService: subService,
		AvailabilityService: availabilityService,
	})

	// 7. 副作用ワーカーとHTTPサーバーの起動
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	go queue.Start(workerCtx)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.Int("effects_workers", cfg.EffectsWorkers),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	stopWorkers()

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、副作用ジョブのスイーパー、リマインダー、クリーンアップジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	logger := slog.Default()

	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. リポジトリ・外部サービスの初期化
	// ワーカーはメトリクスを公開しないため、記録は行わない
	mc := metrics.Nop{}
	repos := newRepositories(db)
	provs, err := newProviders(context.Background(), cfg, logger, mc)
	if err != nil {
		return err
	}

	// 3. 副作用ジョブの実行系（プロセス内ワーカーは持たず、スイーパーから実行する）
	ledger := quota.NewLedger(repos.subscriptions, mc)
	queue := effects.NewQueue(repos.jobs, newOrchestrator(cfg, repos, provs, ledger, logger, mc), effects.QueueConfig{
		MaxAttempts: cfg.EffectsMaxAttempts,
	}, logger, mc)
	sweeper := sweep.NewSweeper(repos.jobs, queue, logger, cfg.EffectsWorkers, 0)

	// 4. リマインダー・クリーンアップ
	reminderCfg := reminder.DefaultConfig()
	reminderCfg.Interval = cfg.ReminderInterval
	reminderCfg.LeadTime = cfg.ReminderLeadTime
	reminderJob := reminder.NewJob(repos.sessions, repos.users, provs.notifier, logger, reminderCfg)

	cleanupJob := cleanup.NewCleanupJob(repos.subscriptions, repos.loginSessions, repos.jobs, logger)
	cleanupJob.RetentionDays = cfg.JobRetentionDays

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("sweep_interval", cfg.SweepInterval),
		slog.Duration("reminder_interval", cfg.ReminderInterval),
	)

	go reminderJob.Start(ctx)

	// クリーンアップジョブを日次でバックグラウンド実行
	go cleanupJob.Start(ctx, 24*time.Hour)

	// スイーパーをメインgoroutineで実行（ブロッキング）
	sweeper.Start(ctx, cfg.SweepInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("schema_version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
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
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
