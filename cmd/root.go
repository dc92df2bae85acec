package cmd

import (
	"context"
	"fmt"
	u "net/url"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tanq16/modelfetch/internal/config"
	mfhttp "github.com/tanq16/modelfetch/internal/downloaders/http"
	"github.com/tanq16/modelfetch/internal/downloaders/s3"
	"github.com/tanq16/modelfetch/internal/manager"
	"github.com/tanq16/modelfetch/internal/metrics"
	"github.com/tanq16/modelfetch/internal/output"
	"github.com/tanq16/modelfetch/internal/utils"
)

var (
	configPath    string
	proxyUsername string
	proxyPassword string
	kaTimeout     time.Duration
	quitTimeout   time.Duration
	cfg           config.Config
)

var ModelfetchVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "modelfetch",
	Short:   "modelfetch is a resumable, multi-connection downloader for large model files",
	Version: ModelfetchVersion,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, explicit := configPath, configPath != ""
		if !explicit {
			path = config.DefaultPath()
		}
		loaded, err := config.Load(viper.New(), path, explicit, cmd.Flags())
		if err != nil {
			return err
		}
		cfg = loaded
		utils.InitLogger(cfg.Debug)
		log.Debug().Str("op", "cmd/root").Int("connections", cfg.Connections).Int64("chunk_size", cfg.ChunkSizeBytes).Int("retries", cfg.Retries).Dur("timeout", cfg.Timeout).Int("workers", cfg.Workers).Msg("configuration loaded")
		return nil
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Config file (default $HOME/.config/modelfetch/config.yaml)")
	flags.IntP("connections", "c", 8, "Maximum connections per download")
	flags.String("chunk-size", "8MiB", "Chunk size (eg. 4MiB, 64MB)")
	flags.IntP("retries", "r", 5, "Attempts per chunk and per download pass")
	flags.DurationP("timeout", "t", 30*time.Second, "Base stall timeout (eg. 30s, 1m)")
	flags.Duration("max-timeout", 2*time.Minute, "Upper bound for the adaptive stall timeout")
	flags.DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	flags.DurationVar(&quitTimeout, "quit-timeout", 10*time.Second, "How long to wait for transfers to stop on exit")
	flags.IntP("workers", "w", 1, "Number of downloads to run in parallel (batch)")
	flags.StringP("user-agent", "a", utils.ToolUserAgent, "User agent ('randomize' picks a browser agent)")
	flags.StringP("proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	flags.StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	flags.StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	flags.StringArrayP("headers", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	flags.String("token", "", "Bearer token for protected model hosts")
	flags.String("rate-limit", "0", "Bandwidth cap per download in bytes per second (eg. 10MB), 0 for none")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address (eg. :9090)")
	flags.String("aws-profile", "default", "AWS profile for s3:// URLs")
	flags.Bool("mobile", false, "Use the conservative connection budget for constrained hosts")
	flags.Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newCleanCmd())
	rootCmd.AddCommand(newStatusCmd())
}

func httpClientConfig(c config.Config) utils.HTTPClientConfig {
	userAgent := c.UserAgent
	if userAgent == "randomize" {
		userAgent = utils.GetRandomUserAgent()
	}
	proxyURL, user, pass := c.Proxy, proxyUsername, proxyPassword
	// credentials embedded in the proxy URL are sent separately
	parsedProxy, err := u.Parse(proxyURL)
	if err == nil && parsedProxy.User != nil && user == "" {
		user = parsedProxy.User.Username()
		if password, set := parsedProxy.User.Password(); set {
			pass = password
		}
		parsedProxy.User = nil
		proxyURL = parsedProxy.String()
	}
	return utils.HTTPClientConfig{
		KATimeout:      kaTimeout,
		ProxyURL:       proxyURL,
		ProxyUsername:  user,
		ProxyPassword:  pass,
		UserAgent:      userAgent,
		Headers:        utils.ParseHeaderArgs(c.Headers),
		BearerToken:    c.Token,
		HighThreadMode: c.Connections > 8,
	}
}

func engineOptions(c config.Config, sink mfhttp.Sink, telemetry mfhttp.Telemetry) mfhttp.Options {
	return mfhttp.Options{
		MaxConcurrency: c.Connections,
		ChunkSize:      c.ChunkSizeBytes,
		Retry:          mfhttp.RetryPolicy{MaxAttempts: c.Retries},
		Health:         mfhttp.HealthConfig{BaseTimeout: c.Timeout, MaxTimeout: c.MaxTimeout},
		Strategy:       mfhttp.HostStrategy{Mobile: c.Mobile},
		RateLimit:      c.RateLimitBytes,
		Client:         utils.NewHTTPClient(httpClientConfig(c)),
		Sink:           sink,
		Telemetry:      telemetry,
		Resolver:       s3.NewResolver(s3.ClientConfig{Profile: c.AWSProfile}),
	}
}

// session wires the engine, the terminal output and the optional metrics
// endpoint for one command invocation.
type session struct {
	ctx     context.Context
	cancel  context.CancelFunc
	output  *output.Manager
	manager *manager.Manager
}

func newSession() (*session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	var telemetry mfhttp.Telemetry
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		collector, err := metrics.NewCollector(reg)
		if err != nil {
			cancel()
			return nil, err
		}
		telemetry = collector
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, reg); err != nil {
				log.Error().Str("op", "cmd/root").Err(err).Msg("metrics endpoint stopped")
			}
		}()
	}
	out := output.NewManager(os.Stdout)
	s := &session{
		ctx:     ctx,
		cancel:  cancel,
		output:  out,
		manager: manager.New(engineOptions(cfg, out, telemetry)),
	}
	return s, nil
}

// run starts the display and signal handling around fn.
func (s *session) run(fn func(ctx context.Context) error) error {
	defer s.cancel()
	stopSignals := watchSignals(s.manager, func() {
		if !s.manager.Shutdown(quitTimeout) {
			log.Warn().Str("op", "cmd/root").Msg("transfers did not stop in time")
		}
		s.cancel()
	})
	defer stopSignals()
	s.output.StartDisplay()
	err := fn(s.ctx)
	s.output.StopDisplay()
	return err
}
