package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/glimte/mmate-httpbridge"
	"github.com/glimte/mmate-httpbridge/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// flagPaths binds each override flag to its configuration path
var flagPaths = map[string]string{
	"backend-topic":    "backend_topic",
	"response-topic":   "response_topic",
	"sub-base":         "response_sub_base",
	"instance-id":      "instance_id",
	"port":             "port",
	"mode":             "mode",
	"wait-timeout":     "wait_timeout",
	"redelivery-delay": "redelivery_delay",
	"concurrent-waits": "concurrent_waits",
	"warmup":           "warmup",
	"broker":           "broker.kind",
	"broker-url":       "broker.url",
	"nats-stream":      "broker.nats_stream",
	"declare-topics":   "broker.declare_topics",
	"shutdown-budget":  "shutdown.budget",
	"log-level":        "log.level",
	"log-format":       "log.format",
}

func newRootCommand() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:   "httpbridge",
		Short: "Bridge HTTP requests to a message broker and answer with one reply",
		Long: `httpbridge holds each HTTP request open until exactly one message arrives on
a per-instance subscription to the response topic. In forward mode the request
is first published to the backend topic.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags(), envFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&envFile, "env-file", "", "Load environment variables from a dotenv file first")
	flags.String("backend-topic", "", "Topic requests are forwarded to (forward mode)")
	flags.String("response-topic", "", "Topic replies are read from")
	flags.String("sub-base", "", "Subscription name prefix")
	flags.String("instance-id", "", "Instance identifier appended to the subscription name")
	flags.IntP("port", "p", 0, "HTTP listen port")
	flags.String("mode", "", "wait or forward")
	flags.Duration("wait-timeout", 0, "Per-request wait limit, 0 waits for the client")
	flags.Duration("redelivery-delay", 0, "Delay before an unparseable reply is released for redelivery")
	flags.Bool("concurrent-waits", false, "Allow overlapping waits on the subscription")
	flags.Bool("warmup", true, "Provision the subscription at startup")
	flags.String("broker", "", "rabbitmq, nats or memory")
	flags.StringP("broker-url", "u", "", "Broker connection URL")
	flags.String("nats-stream", "", "JetStream stream holding the topics")
	flags.Bool("declare-topics", false, "Declare the topics on connect")
	flags.Duration("shutdown-budget", 0, "Time allowed for subscription cleanup on exit")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-format", "", "text or json")

	cmd.AddCommand(newConfigCommand(&envFile))
	cmd.AddCommand(newCleanupCommand(&envFile))
	return cmd
}

func newConfigCommand(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags(), *envFile)
			if err != nil {
				return err
			}
			out := struct {
				*config.Config
				Subscription string `json:"subscription"`
			}{cfg, cfg.SubscriptionName()}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func newCleanupCommand(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete the subscription of an instance that did not shut down cleanly",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags(), *envFile)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("instance-id") && os.Getenv("myPodId") == "" && os.Getenv("MY_POD_ID") == "" {
				return fmt.Errorf("cleanup needs --instance-id")
			}

			svc, err := httpbridge.New(cmd.Context(), cfg, httpbridge.WithLogger(cfg.Log.NewLogger(os.Stderr)))
			if err != nil {
				return err
			}
			return svc.Close()
		},
	}
}

func loadConfig(flags *pflag.FlagSet, envFile string) (*config.Config, error) {
	if err := config.LoadEnvFile(envFile); err != nil {
		return nil, err
	}

	overrides, err := flagOverrides(flags)
	if err != nil {
		return nil, err
	}
	return config.NewLoader().Load(overrides)
}

// flagOverrides returns the explicitly set flags keyed by configuration path
func flagOverrides(flags *pflag.FlagSet) (map[string]any, error) {
	overrides := make(map[string]any)
	var err error
	flags.Visit(func(f *pflag.Flag) {
		path, ok := flagPaths[f.Name]
		if !ok || err != nil {
			return
		}
		switch f.Value.Type() {
		case "int":
			overrides[path], err = flags.GetInt(f.Name)
		case "bool":
			overrides[path], err = flags.GetBool(f.Name)
		case "duration":
			overrides[path], err = flags.GetDuration(f.Name)
		default:
			overrides[path] = f.Value.String()
		}
	})
	return overrides, err
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := cfg.Log.NewLogger(os.Stderr)

	svc, err := httpbridge.New(ctx, cfg, httpbridge.WithLogger(logger))
	if err != nil {
		return err
	}
	defer svc.Coordinator().Recover()

	logger.Info("starting http bridge",
		"mode", svc.Bridge().Mode(),
		"subscription", svc.Bridge().SubscriptionName(),
		"responseTopic", cfg.ResponseTopic,
		"broker", cfg.Broker.Kind,
		"addr", cfg.Addr())

	runErr := svc.Run(ctx)
	code := 0
	if runErr != nil {
		code = 1
	}
	svc.Coordinator().Exit(code)
	if err := svc.Close(); err != nil {
		logger.Warn("broker close failed", "error", err)
	}
	return runErr
}
