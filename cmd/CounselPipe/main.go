package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/CounselPipe/internal/api"
	"github.com/BTreeMap/CounselPipe/internal/archive"
	"github.com/BTreeMap/CounselPipe/internal/genai"
	"github.com/BTreeMap/CounselPipe/internal/lockfile"
	"github.com/BTreeMap/CounselPipe/internal/menu"
	"github.com/BTreeMap/CounselPipe/internal/messaging"
	"github.com/BTreeMap/CounselPipe/internal/metrics"
	"github.com/BTreeMap/CounselPipe/internal/models"
	"github.com/BTreeMap/CounselPipe/internal/payments"
	"github.com/BTreeMap/CounselPipe/internal/risk"
	"github.com/BTreeMap/CounselPipe/internal/session"
	"github.com/BTreeMap/CounselPipe/internal/store"
	"github.com/BTreeMap/CounselPipe/internal/synth"
	"github.com/BTreeMap/CounselPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/CounselPipe/internal/util"
	"github.com/BTreeMap/CounselPipe/internal/whatsapp"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CounselPipe state data
	DefaultStateDir = "/var/lib/counselpipe"
	// DefaultAppDBFileName is the default SQLite database filename for application data
	DefaultAppDBFileName = "counselpipe.db"
	// DefaultWhatsAppDBFileName is the default SQLite database filename for the whatsmeow device store
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultExportDirName holds the transcript and survey export files
	DefaultExportDirName = "exports"

	// Supported transports and model providers
	TransportWhatsApp = "whatsapp"
	TransportTwilio   = "twilio"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"

	shutdownTimeout = 15 * time.Second
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping CounselPipe with configured modules")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr,
		"transport", *flags.transport, "llm_provider", *flags.llmProvider)
	if err := run(ctx, config, flags); err != nil {
		slog.Error("CounselPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CounselPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	DatabaseURL      string
	WhatsAppDBDSN    string
	LLMProvider      string
	OpenAIKey        string
	OpenAIModel      string
	GeminiKey        string
	GeminiModel      string
	APIAddr          string
	Transport        string
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
	TwilioWebhookURL string
	PaymentSecret    string
	AdminToken       string
	SystemPromptFile string
	ExemplarDir      string
	RiskPromptFile   string
	ShopURL          string
	Threshold        float64
	SynthAttempts    int
	RiskDetection    bool
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	dbDSN         *string
	whatsappDSN   *string
	transport     *string
	llmProvider   *string
	apiAddr       *string
	riskDetection *bool
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         util.EnvOr("COUNSELPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		LLMProvider:      strings.ToLower(util.EnvOr("LLM_PROVIDER", ProviderOpenAI)),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		GeminiKey:        os.Getenv("GEMINI_API_KEY"),
		GeminiModel:      os.Getenv("GEMINI_MODEL"),
		APIAddr:          util.EnvOr("API_ADDR", api.DefaultAddr),
		Transport:        strings.ToLower(util.EnvOr("TRANSPORT", TransportWhatsApp)),
		TwilioSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),
		PaymentSecret:    os.Getenv("PAYMENT_WEBHOOK_SECRET"),
		AdminToken:       os.Getenv("ADMIN_TOKEN"),
		SystemPromptFile: os.Getenv("SYSTEM_PROMPT_FILE"),
		ExemplarDir:      os.Getenv("EXEMPLAR_DIR"),
		RiskPromptFile:   os.Getenv("RISK_PROMPT_FILE"),
		ShopURL:          os.Getenv("SHOP_URL"),
		Threshold:        util.ParseFloatEnv("SIMILARITY_THRESHOLD", synth.DefaultThreshold),
		SynthAttempts:    util.ParseIntEnv("SYNTH_ATTEMPTS", synth.DefaultAttempts),
		RiskDetection:    util.ParseBoolEnv("RISK_DETECTION", false),
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = defaultAppDSN(config.StateDir)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"COUNSELPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"LLM_PROVIDER", config.LLMProvider,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"GEMINI_API_KEY_SET", config.GeminiKey != "",
		"API_ADDR", config.APIAddr,
		"TRANSPORT", config.Transport,
		"PAYMENT_WEBHOOK_SECRET_SET", config.PaymentSecret != "",
		"ADMIN_TOKEN_SET", config.AdminToken != "",
		"RISK_DETECTION", config.RiskDetection)

	return config
}

func defaultAppDSN(stateDir string) string {
	return filepath.Join(stateDir, DefaultAppDBFileName)
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	fs := flag.NewFlagSet("counselpipe", flag.ContinueOnError)
	flags := Flags{
		qrOutput:      fs.String("qr-output", "", "path to write login QR code"),
		numeric:       fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:      fs.String("state-dir", config.StateDir, "state directory for CounselPipe data (overrides $COUNSELPIPE_STATE_DIR)"),
		dbDSN:         fs.String("db-dsn", config.DatabaseURL, "application database DSN (overrides $DATABASE_URL)"),
		whatsappDSN:   fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)"),
		transport:     fs.String("transport", config.Transport, "messaging transport: whatsapp or twilio (overrides $TRANSPORT)"),
		llmProvider:   fs.String("llm-provider", config.LLMProvider, "language model provider: openai or gemini (overrides $LLM_PROVIDER)"),
		apiAddr:       fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		riskDetection: fs.Bool("risk-detection", config.RiskDetection, "classify dialogues for risk (overrides $RISK_DETECTION)"),
	}
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"transport", *flags.transport,
		"llmProvider", *flags.llmProvider,
		"apiAddr", *flags.apiAddr,
		"riskDetection", *flags.riskDetection)

	// Follow a state directory override when the DSNs are still the defaults
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == defaultAppDSN(config.StateDir) {
			*flags.dbDSN = defaultAppDSN(*flags.stateDir)
			slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
		}
		if *flags.whatsappDSN == defaultWhatsAppDSN(config.StateDir) {
			*flags.whatsappDSN = defaultWhatsAppDSN(*flags.stateDir)
		}
	}

	*flags.transport = strings.ToLower(strings.TrimSpace(*flags.transport))
	if *flags.transport != TransportWhatsApp && *flags.transport != TransportTwilio {
		return Flags{}, fmt.Errorf("unknown transport %q", *flags.transport)
	}
	*flags.llmProvider = strings.ToLower(strings.TrimSpace(*flags.llmProvider))
	if *flags.llmProvider != ProviderOpenAI && *flags.llmProvider != ProviderGemini {
		return Flags{}, fmt.Errorf("unknown LLM provider %q", *flags.llmProvider)
	}
	return flags, nil
}

// run wires the modules together and blocks until ctx is cancelled or the
// HTTP server fails.
func run(ctx context.Context, config Config, flags Flags) error {
	lock, err := lockfile.Acquire(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	gen, closeGen, err := buildGenerator(ctx, config, flags, m)
	if err != nil {
		return err
	}
	defer closeGen()

	synthOpts, err := buildSynthOptions(config, m)
	if err != nil {
		return err
	}
	arch, err := archive.NewWriter(filepath.Join(*flags.stateDir, DefaultExportDirName))
	if err != nil {
		return err
	}

	svc, twilioHook, closeTransport, err := buildMessaging(ctx, config, flags)
	if err != nil {
		return err
	}
	defer closeTransport()

	ctrlOpts := []session.Option{
		session.WithSynthesizer(synth.New(gen, synthOpts...)),
		session.WithArchive(arch),
		session.WithMenu(menu.NewTextMenu(svc)),
		session.WithMetrics(m),
	}
	if config.ShopURL != "" {
		ctrlOpts = append(ctrlOpts, session.WithShopURL(config.ShopURL))
	}
	var classifier *risk.Classifier
	if *flags.riskDetection {
		riskOpts, err := buildRiskOptions(config, m)
		if err != nil {
			return err
		}
		classifier = risk.NewClassifier(gen, st, riskOpts...)
		ctrlOpts = append(ctrlOpts, session.WithRisk(classifier))
		slog.Info("Risk detection enabled")
	}
	ctrl := session.NewController(st, svc, ctrlOpts...)

	// No countdown survives a restart.
	if _, err := ctrl.ResetAll(ctx); err != nil {
		slog.Warn("Boot reset incomplete", "error", err)
	}

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dropped := session.WithDropHandler(func(ev models.InboundEvent) {
			m.ObserveDropped(string(ev.Kind))
		})
		session.NewDispatcher(ctrl, dropped).Run(ctx, svc.Events())
	}()

	promHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	srv := api.NewServer(ctrl, buildAPIOptions(config, st, ctrl, twilioHook, promHandler)...)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start(*flags.apiAddr) }()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case runErr = <-serveErr:
		if runErr != nil {
			runErr = fmt.Errorf("HTTP server failed: %w", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown failed", "error", err)
	}
	if err := svc.Stop(); err != nil {
		slog.Warn("Messaging service stop failed", "error", err)
	}
	<-dispatchDone
	stopped := ctrl.Timers().StopAll()
	slog.Info("Countdowns stopped", "count", stopped)
	if classifier != nil {
		classifier.Wait()
	}
	return runErr
}

// buildGenerator creates the language model client for the configured provider.
func buildGenerator(ctx context.Context, config Config, flags Flags, m *metrics.Metrics) (synth.Generator, func(), error) {
	switch *flags.llmProvider {
	case ProviderGemini:
		opts := []genai.Option{genai.WithMetrics(m)}
		if config.GeminiKey != "" {
			opts = append(opts, genai.WithAPIKey(config.GeminiKey))
		}
		if config.GeminiModel != "" {
			opts = append(opts, genai.WithModel(config.GeminiModel))
		}
		client, err := genai.NewGeminiClient(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		return client, func() {
			if err := client.Close(); err != nil {
				slog.Warn("Gemini client close failed", "error", err)
			}
		}, nil
	default:
		client, err := genai.NewClient(buildGenAIOptions(config, m)...)
		if err != nil {
			return nil, nil, err
		}
		return client, func() {}, nil
	}
}

// buildGenAIOptions constructs OpenAI client options
func buildGenAIOptions(config Config, m *metrics.Metrics) []genai.Option {
	genaiOpts := []genai.Option{genai.WithMetrics(m)}
	if config.OpenAIKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(config.OpenAIKey))
	}
	if config.OpenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(config.OpenAIModel))
	}
	return genaiOpts
}

// buildSynthOptions constructs synthesizer options, reading the instruction
// file and exemplar directory when configured.
func buildSynthOptions(config Config, m *metrics.Metrics) ([]synth.Option, error) {
	opts := []synth.Option{
		synth.WithAttempts(config.SynthAttempts),
		synth.WithThreshold(config.Threshold),
		synth.WithMetrics(m),
	}
	if config.SystemPromptFile != "" {
		instruction, err := readTextFile(config.SystemPromptFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, synth.WithInstruction(instruction))
	}
	if config.ExemplarDir != "" {
		exemplars, err := synth.LoadExemplars(config.ExemplarDir)
		if err != nil {
			return nil, fmt.Errorf("failed to load exemplars: %w", err)
		}
		slog.Debug("Exemplars loaded", "count", len(exemplars), "dir", config.ExemplarDir)
		opts = append(opts, synth.WithExemplars(exemplars))
	}
	return opts, nil
}

// buildRiskOptions constructs classifier options
func buildRiskOptions(config Config, m *metrics.Metrics) ([]risk.Option, error) {
	opts := []risk.Option{risk.WithMetrics(m)}
	if config.RiskPromptFile != "" {
		prompt, err := readTextFile(config.RiskPromptFile)
		if err != nil {
			return nil, err
		}
		if !strings.Contains(prompt, risk.HistoryPlaceholder) {
			slog.Warn("Risk prompt has no history placeholder", "file", config.RiskPromptFile, "placeholder", risk.HistoryPlaceholder)
		}
		opts = append(opts, risk.WithPrompt(prompt))
	}
	return opts, nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio client options
func buildTwilioOptions(config Config) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if config.TwilioSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(config.TwilioSID))
	}
	if config.TwilioToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(config.TwilioToken))
	}
	if config.TwilioFrom != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(config.TwilioFrom))
	}
	return opts
}

// buildMessaging creates the configured transport. The returned handler is
// the inbound webhook, nil for transports that do not need one.
func buildMessaging(ctx context.Context, config Config, flags Flags) (messaging.Service, http.Handler, func(), error) {
	if *flags.transport == TransportTwilio {
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions(config)...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if config.TwilioWebhookURL != "" {
			token := config.TwilioToken
			if token == "" {
				token = os.Getenv("TWILIO_AUTH_TOKEN")
			}
			opts = append(opts, messaging.WithSignatureValidation(twiliowhatsapp.NewSignatureValidator(token), config.TwilioWebhookURL))
		} else {
			slog.Warn("TWILIO_WEBHOOK_URL not set, inbound webhook signatures are not checked")
		}
		svc := messaging.NewTwilioService(client, opts...)
		return svc, http.HandlerFunc(svc.TwilioWebhookHandler), func() {}, nil
	}

	client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
	if err != nil {
		return nil, nil, nil, err
	}
	return messaging.NewWhatsAppService(client), nil, client.Disconnect, nil
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, dedup store.PaymentDedup, crediter payments.Crediter, twilioHook, metricsHandler http.Handler) []api.Option {
	apiOpts := []api.Option{api.WithMetricsHandler(metricsHandler)}
	if twilioHook != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(twilioHook))
	}
	if config.PaymentSecret != "" {
		apiOpts = append(apiOpts, api.WithPaymentWebhook(payments.NewWebhookHandler(config.PaymentSecret, dedup, crediter)))
	} else {
		slog.Warn("PAYMENT_WEBHOOK_SECRET not set, payment webhook disabled")
	}
	if config.AdminToken != "" {
		apiOpts = append(apiOpts, api.WithAdminToken(config.AdminToken))
	}
	return apiOpts
}

func readTextFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	text := strings.TrimSpace(string(b))
	if text == "" {
		return "", fmt.Errorf("%s is empty", path)
	}
	return text, nil
}
