package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"postkeeper/internal/adapter/oauthclient"
	"postkeeper/internal/adapter/postapi"
	"postkeeper/internal/adapter/transport"
	"postkeeper/internal/app/session"
	"postkeeper/internal/domain/connectivity"
	"postkeeper/internal/domain/credential"
	"postkeeper/internal/domain/credential/store"
	"postkeeper/internal/domain/eventbus"
	"postkeeper/internal/domain/outbox"
	"postkeeper/internal/domain/retry"
	"postkeeper/internal/domain/token"
	platformconfig "postkeeper/internal/platform/config"
	platformerrors "postkeeper/internal/platform/errors"
	platformlogging "postkeeper/internal/platform/logging"
	"postkeeper/internal/platform/metrics"
	platformstorage "postkeeper/internal/platform/storage"
)

// Options tunes how the application is assembled.
type Options struct {
	ConfigPath string
	EnvFile    string
	// Console receives human-readable log lines. Defaults to stderr.
	Console io.Writer
	// Config, when set, skips file and environment loading.
	Config     *platformconfig.Config
	Authorizer session.AuthorizationProvider
	// Sender replaces the HTTP transport, for tests.
	Sender transport.Sender
}

type stepFn func(context.Context, *appState) error

type initStep struct {
	ID        string
	Title     string
	DependsOn []string
	Kind      platformerrors.Kind
	Execute   stepFn
}

type appState struct {
	opts       Options
	config     *platformconfig.Config
	configPath string
	logger     *platformlogging.Logger
	metrics    *metrics.Metrics
	bus        eventbus.Bus
	db         *gorm.DB
	store      store.Store
	sender     transport.Sender
	monitor    *connectivity.Monitor
	retry      *retry.Engine
	tokens     *token.Manager
	repository outbox.Repository
	session    *session.Session
}

// App is the assembled application. Close releases everything Build opened.
type App struct {
	Config  *platformconfig.Config
	Logger  *platformlogging.Logger
	Metrics *metrics.Metrics
	Bus     eventbus.Bus
	Session *session.Session

	state *appState
}

// Build runs the init graph and returns the wired application. Background
// tasks are not started.
func Build(ctx context.Context, opts Options) (*App, error) {
	state := &appState{opts: opts}
	steps := InitGraph()
	if err := executeInitSteps(ctx, steps, state); err != nil {
		state.close()
		return nil, err
	}
	logBootstrapGraph(steps, state.logger)
	return &App{
		Config:  state.config,
		Logger:  state.logger,
		Metrics: state.metrics,
		Bus:     state.bus,
		Session: state.session,
		state:   state,
	}, nil
}

// Close stops the session and releases storage handles and the logger.
func (a *App) Close() error {
	if a == nil || a.state == nil {
		return nil
	}
	a.Session.Stop()
	return a.state.close()
}

func (s *appState) close() error {
	var errs []error
	if s.repository != nil {
		errs = append(errs, s.repository.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close(context.Background()))
	}
	if s.db != nil {
		errs = append(errs, platformstorage.Close(s.db))
	}
	if s.logger != nil {
		errs = append(errs, s.logger.Close())
	}
	return errors.Join(errs...)
}

func logBootstrapGraph(steps []initStep, logger platformlogging.Interface) {
	if logger == nil {
		return
	}
	for _, step := range steps {
		logger.Debug("[Bootstrap] %s (%s)", step.Title, step.ID)
	}
}

func executeInitSteps(ctx context.Context, steps []initStep, state *appState) error {
	if state == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"execute init steps",
			"nil bootstrap state",
		)
	}
	completed := make(map[string]struct{}, len(steps))
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if _, ok := completed[dep]; !ok {
				return platformerrors.New(
					platformerrors.KindBootstrap,
					step.ID,
					fmt.Sprintf("dependency %s not satisfied", dep),
				)
			}
		}
		if step.Execute == nil {
			return platformerrors.New(
				platformerrors.KindBootstrap,
				step.ID,
				"missing execute function",
			)
		}
		if err := step.Execute(ctx, state); err != nil {
			var typed *platformerrors.Error
			if errors.As(err, &typed) {
				return err
			}

			kind := step.Kind
			if kind == "" {
				kind = platformerrors.KindBootstrap
			}
			return platformerrors.Wrap(kind, step.ID, "bootstrap step failed", err)
		}
		completed[step.ID] = struct{}{}
	}
	return nil
}

func InitGraph() []initStep {
	return []initStep{
		{
			ID:      "config:load",
			Title:   "Load configuration",
			Kind:    platformerrors.KindConfig,
			Execute: loadConfigStep,
		},
		{
			ID:        "logging:init-provider",
			Title:     "Initialise logging provider",
			DependsOn: []string{"config:load"},
			Execute:   initLoggingStep,
		},
		{
			ID:        "metrics:init-registry",
			Title:     "Initialise metrics and event bus",
			DependsOn: []string{"logging:init-provider"},
			Execute:   initMetricsStep,
		},
		{
			ID:        "storage:init-database",
			Title:     "Open database",
			DependsOn: []string{"logging:init-provider"},
			Kind:      platformerrors.KindStorage,
			Execute:   initDatabaseStep,
		},
		{
			ID:        "credentials:init-store",
			Title:     "Open credential store",
			DependsOn: []string{"storage:init-database"},
			Kind:      platformerrors.KindStorage,
			Execute:   initCredentialStoreStep,
		},
		{
			ID:        "connectivity:init-monitor",
			Title:     "Initialise connectivity monitor",
			DependsOn: []string{"metrics:init-registry"},
			Execute:   initMonitorStep,
		},
		{
			ID:        "token:init-manager",
			Title:     "Initialise token manager",
			DependsOn: []string{"credentials:init-store", "connectivity:init-monitor"},
			Kind:      platformerrors.KindAuth,
			Execute:   initTokenStep,
		},
		{
			ID:        "outbox:init-repository",
			Title:     "Open outbound queue storage",
			DependsOn: []string{"storage:init-database"},
			Kind:      platformerrors.KindQueue,
			Execute:   initOutboxStep,
		},
		{
			ID:        "session:init",
			Title:     "Assemble session",
			DependsOn: []string{"token:init-manager", "outbox:init-repository"},
			Execute:   initSessionStep,
		},
	}
}

func loadConfigStep(ctx context.Context, state *appState) error {
	if state.opts.Config != nil {
		state.config = state.opts.Config
		state.configPath = "inline"
		return nil
	}
	res, err := platformconfig.NewLoader().
		WithEnvFile(state.opts.EnvFile).
		WithPath(state.opts.ConfigPath).
		Load(ctx)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindConfig, "config:load", "failed to load configuration", err)
	}
	state.config = res.Config
	state.configPath = res.Path
	if state.configPath == "" {
		state.configPath = "defaults"
	}
	return nil
}

func initLoggingStep(_ context.Context, state *appState) error {
	console := state.opts.Console
	if console == nil {
		console = os.Stderr
	}
	logger, err := platformlogging.New(platformlogging.Config{
		Level:    state.config.Log.Level,
		Dir:      state.config.Log.Dir,
		Filename: state.config.Log.File,
		Console:  console,
	})
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "logging:init-provider", "failed to initialize logging provider", err)
	}
	state.logger = logger
	logger.InfoTag("Bootstrap", "logging ready [%s] config=%s", state.config.Log.Level, state.configPath)
	return nil
}

func initMetricsStep(_ context.Context, state *appState) error {
	state.metrics = metrics.New()
	state.bus = eventbus.New()
	return nil
}

func needsDatabase(cfg *platformconfig.Config) bool {
	return cfg.Credentials.Driver == store.DriverSQLite || cfg.Queue.Driver == "sqlite"
}

func initDatabaseStep(_ context.Context, state *appState) error {
	if !needsDatabase(state.config) {
		return nil
	}
	db, err := platformstorage.Open(state.config.Database.Path)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindStorage, "storage:init-database", "failed to open database", err)
	}
	state.db = db
	return nil
}

func initCredentialStoreStep(ctx context.Context, state *appState) error {
	cc := state.config.Credentials
	cfg := store.Config{
		Driver:        cc.Driver,
		Namespace:     cc.Namespace,
		EncryptionKey: cc.EncryptionKey,
		Redis: &store.RedisConfig{
			Addr:     cc.Redis.Addr,
			Username: cc.Redis.Username,
			Password: cc.Redis.Password,
			DB:       cc.Redis.DB,
			Prefix:   cc.Redis.Prefix,
		},
		SecretsManager: &store.SecretsManagerConfig{
			Region:     cc.SecretsManager.Region,
			SecretName: cc.SecretsManager.SecretName,
		},
	}
	deps := store.Dependencies{SQLiteDB: state.db}
	if cc.Driver == store.DriverSecretsManager {
		client, err := newSecretsClient(ctx, cc.SecretsManager.Region)
		if err != nil {
			return platformerrors.Wrap(platformerrors.KindStorage, "credentials:init-store", "failed to create secrets manager client", err)
		}
		deps.Secrets = client
	}
	s, err := store.New(cfg, deps)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindStorage, "credentials:init-store", "failed to open credential store", err)
	}
	state.store = s
	state.logger.InfoTag("Auth", "credential store ready (%s, encrypted=%t)", cfg.Driver, cfg.EncryptionKey != "")
	return nil
}

func newSecretsClient(ctx context.Context, region string) (*secretsmanager.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

func initMonitorStep(_ context.Context, state *appState) error {
	cc := state.config.Connectivity
	var probers []connectivity.Prober
	if cc.UseInterfaces {
		probers = append(probers, &connectivity.InterfaceProber{})
	}
	if len(cc.ProbeTargets) > 0 {
		probers = append(probers, &connectivity.DialProber{Targets: cc.ProbeTargets, Timeout: cc.ProbeTimeout})
	}
	var prober connectivity.Prober
	if len(probers) > 0 {
		prober = connectivity.Chain(probers...)
	}

	state.monitor = connectivity.NewMonitor(connectivity.Options{
		Prober:   prober,
		Interval: cc.ProbeInterval,
		Bus:      state.bus,
		Logger:   state.logger.Tagged("Network"),
		Metrics:  state.metrics,
	})
	state.retry = retry.NewEngine(state.monitor,
		retry.WithLogger(state.logger.Tagged("Retry")),
		retry.WithMetrics(state.metrics),
	)

	state.sender = state.opts.Sender
	if state.sender == nil {
		state.sender = transport.NewHTTP(nil, transport.Options{
			UserAgent:       state.config.API.UserAgent,
			IdleConnTimeout: state.config.API.IdleConnTimeout,
		})
	}
	return nil
}

func initTokenStep(_ context.Context, state *appState) error {
	oc := state.config.OAuth
	exchanger := oauthclient.New(oauthclient.Config{
		TokenURL:     oc.TokenURL,
		UserInfoURL:  oc.UserInfoURL,
		ClientID:     oc.ClientID,
		ClientSecret: oc.ClientSecret,
		RedirectURI:  oc.RedirectURI,
	}, state.sender, state.logger.Tagged("Auth"))

	mgr, err := token.NewManager(token.Options{
		Repository:    credential.NewRepository(state.store, state.logger.Tagged("Auth")),
		Exchanger:     exchanger,
		Retry:         state.retry,
		Bus:           state.bus,
		Logger:        state.logger.Tagged("Auth"),
		Metrics:       state.metrics,
		RefreshMargin: state.config.Token.RefreshMargin,
		PollInterval:  state.config.Token.PollInterval,
	})
	if err != nil {
		return err
	}
	state.tokens = mgr
	return nil
}

func initOutboxStep(_ context.Context, state *appState) error {
	qc := state.config.Queue
	repo, err := outbox.NewRepository(outbox.RepositoryConfig{Driver: qc.Driver, Path: qc.Path}, state.db, state.logger.Tagged("Queue"))
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindQueue, "outbox:init-repository", "failed to open queue storage", err)
	}
	state.repository = repo
	return nil
}

func initSessionStep(ctx context.Context, state *appState) error {
	qc := state.config.Queue
	mode, err := outbox.ParseMode(qc.DedupMode)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindConfig, "session:init", "invalid dedup mode", err)
	}
	var limiter *rate.Limiter
	if qc.DrainRate > 0 {
		burst := qc.DrainBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(qc.DrainRate), burst)
	}

	poster := postapi.New(postapi.Config{
		BaseURL:            state.config.API.BaseURL,
		PostPath:           state.config.API.PostPath,
		RateLimitWarnBelow: state.config.API.RateLimitWarnBelow,
	}, state.sender, state.logger.Tagged("HTTP"))

	s, err := session.New(ctx, session.Config{
		Tokens:     state.tokens,
		Monitor:    state.monitor,
		Retry:      state.retry,
		Poster:     poster,
		Authorizer: state.opts.Authorizer,
		Queue: outbox.Options{
			Repository:    state.repository,
			Dedup:         outbox.NewTracker(qc.DedupWindow, mode, nil),
			Notifications: outbox.NewCenter(qc.HistoryLimit, nil, state.metrics),
			Limiter:       limiter,
			SweepInterval: qc.SweepInterval,
			Logger:        state.logger.Tagged("Queue"),
		},
		MaxTextLength: state.config.API.MaxTextLength,
		Bus:           state.bus,
		Logger:        state.logger.Tagged("Session"),
		Metrics:       state.metrics,
	})
	if err != nil {
		return err
	}
	state.session = s
	return nil
}
