package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"facilityops/api/internal/app"
	"facilityops/api/internal/archive"
	"facilityops/api/internal/authpw"
	"facilityops/api/internal/cache"
	"facilityops/api/internal/config"
	"facilityops/api/internal/email"
	"facilityops/api/internal/facility"
	"facilityops/api/internal/filestore"
	"facilityops/api/internal/logging"
	"facilityops/api/internal/rbac"
	"facilityops/api/internal/search"
	"facilityops/api/internal/session"
	"facilityops/api/internal/store"
	"facilityops/api/internal/workflow"
)

func main() {
	cfg := config.MustLoad()
	log, err := logging.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.ApplyMigrations(cfg.DatabaseURL); err != nil {
		log.Fatal("migrations failed", zap.Error(err))
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()
	dataStore := store.NewPostgresStore(db)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal("invalid redis url", zap.Error(err))
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}
	sessions := session.NewRedisStoreWithClient(redisClient)
	viewCache := cache.NewViewCache(redisClient, cfg.ViewCacheTTL, log.Named("cache"))

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log.Named("meili"))
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(db), log.Named("search"))
	go searchService.ReindexAll(ctx)

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailer.IsConfigured() {
		log.Info("SMTP not configured, mail notifications disabled")
	}

	visibility, err := workflow.ParseVisibility(cfg.NewRecordVisibility)
	if err != nil {
		log.Fatal("invalid record visibility", zap.Error(err))
	}
	engines := facility.NewEngines(dataStore, workflow.Options{
		Visibility: visibility,
		Logger:     log.Named("workflow"),
	})

	accounts := authpw.NewService(dataStore)
	deps := app.Deps{
		Config:   cfg,
		Store:    dataStore,
		Accounts: accounts,
		Sessions: sessions,
		Engines:  engines,
		Search:   searchService,
		Mail:     mailer,
		Cache:    viewCache,
		Logger:   log.Named("app"),
	}

	observers := []workflow.Observer{searchService, viewCache, email.NewNotifier(mailer, dataStore, log.Named("notify"))}
	if dir := strings.TrimSpace(cfg.ArchiveDir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal("create archive dir failed", zap.Error(err))
		}
		history := archive.New(dir)
		deps.Archive = history
		observers = append(observers, history)
	}
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		files, err := filestore.NewMinioStore(ctx, filestore.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatal("object storage connection failed", zap.Error(err))
		}
		deps.Files = files
	} else {
		log.Info("MINIO_ENDPOINT not set, attachments disabled")
	}

	service := app.New(deps)
	engines.Subscribe(append(observers, service)...)

	if err := bootstrap(ctx, cfg, dataStore, accounts); err != nil {
		log.Warn("bootstrap failed (will retry on next restart)", zap.Error(err))
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("facility ops API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
}

// bootstrap creates the configured tenant and its first administrator.
func bootstrap(ctx context.Context, cfg config.Config, db *store.PostgresStore, accounts *authpw.Service) error {
	tenant := strings.TrimSpace(cfg.BootstrapTenant)
	if tenant == "" || cfg.BootstrapAdminEmail == "" {
		return nil
	}
	if err := db.EnsureTenant(ctx, tenant, tenant); err != nil {
		return err
	}
	_, err := accounts.Register(ctx, authpw.RegisterRequest{
		TenantID:    tenant,
		Email:       cfg.BootstrapAdminEmail,
		Password:    cfg.BootstrapAdminPassword,
		DisplayName: "Administrator",
		Role:        string(rbac.RoleAdmin),
	})
	if errors.Is(err, store.ErrEmailTaken) {
		return nil
	}
	return err
}
