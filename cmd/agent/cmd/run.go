package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/softcane/canary-pilot/internal/actuator"
	"github.com/softcane/canary-pilot/internal/config"
	"github.com/softcane/canary-pilot/internal/controller"
	"github.com/softcane/canary-pilot/internal/env"
	"github.com/softcane/canary-pilot/internal/history"
	"github.com/softcane/canary-pilot/internal/policy"
	"github.com/softcane/canary-pilot/internal/scenario"
	"github.com/softcane/canary-pilot/internal/telemetry"
)

var (
	runSynthetic  string
	runSeed       int64
	runtimeConfig string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one canary rollout episode",
	Long: `Run starts the pilot for a single rollout episode.

The agent will:
1. Commit the initial canary weight to the ingress
2. Observe ingress telemetry every step interval
3. Step the weight up, down, or hold it per the configured policy
4. Stop at full rollout, full rollback, or the step budget

Use --synthetic <profile> to drive the episode from the scenario
simulator instead of live telemetry. Use --dry-run to test without
touching the ingress.`,
	RunE: runEpisode,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runSynthetic, "synthetic", "",
		"Drive the episode from a simulated scenario: healthy, buggy, degrading, flaky")
	runCmd.Flags().Int64Var(&runSeed, "seed", 1,
		"Seed for the synthetic scenario")
	runCmd.Flags().StringVar(&runtimeConfig, "runtime-config", "",
		"Path to a JSON runtime override file")
}

func runEpisode(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting canary pilot",
		"dry_run", IsDryRun(),
		"version", "0.1.0",
	)

	// 1. Load Configuration
	if cfgFile == "" {
		cfgFile = "config/default.yaml"
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	runtime := config.DefaultRuntimeConfig()
	if runtimeConfig != "" {
		runtime, err = config.LoadRuntimeConfig(runtimeConfig)
		if err != nil {
			return fmt.Errorf("failed to load runtime config: %w", err)
		}
		slog.Info("runtime overrides loaded",
			"policy_mode", runtime.PolicyMode,
			"min_weight", runtime.MinWeight,
			"max_weight", runtime.MaxWeight,
			"paused", runtime.Paused,
		)
	}

	if err := validateSyntheticModePolicy(IsDryRun(), runSynthetic); err != nil {
		return err
	}

	// 2. Build the telemetry source and weight committer
	var (
		source    env.Source
		committer actuator.Committer
	)
	if runSynthetic != "" {
		mem := actuator.NewMemoryCommitter(0)
		profile, err := scenario.ParseProfile(runSynthetic)
		if err != nil {
			return err
		}
		gen, err := scenario.NewGenerator(profile, runSeed, cfg.Controller.MaxSteps, mem.Current)
		if err != nil {
			return err
		}
		source = gen
		committer = mem
		slog.Info("synthetic telemetry enabled", "profile", profile, "seed", runSeed)
	} else {
		client, err := telemetry.NewClient(telemetry.Config{
			PrometheusURL: cfg.Prometheus.URL,
			Ingress:       cfg.Ingress.Name,
			QueryTimeout:  cfg.Prometheus.Timeout(),
			Logger:        slog.Default(),
		})
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry client: %w", err)
		}
		source = client

		if IsDryRun() {
			committer = actuator.NewMemoryCommitter(0)
		} else {
			k8sClient, err := buildKubernetesClient()
			if err != nil {
				return err
			}
			committer, err = actuator.NewIngressCommitter(k8sClient, cfg.Ingress.Namespace, cfg.Ingress.Name, slog.Default())
			if err != nil {
				return fmt.Errorf("failed to create ingress committer: %w", err)
			}
		}
	}

	// 3. Build the actuator with its telemetry guardrail
	absentLimit := cfg.Actuator.AbsentTickLimit
	if runtime.AbsentTickLimit > 0 {
		absentLimit = runtime.AbsentTickLimit
	}
	guard := actuator.NewGuard(absentLimit)
	act, err := actuator.New(committer, guard, slog.Default(), actuator.Config{
		MaxRetries:   cfg.Actuator.MaxRetries,
		RetryBackoff: cfg.Actuator.RetryBackoff(),
		MinWeight:    runtime.MinWeight,
		MaxWeight:    runtime.MaxWeight,
		Frozen:       runtime.Paused,
	})
	if err != nil {
		return fmt.Errorf("failed to create actuator: %w", err)
	}

	// 4. Build the decision policy
	mode := runtime.EffectivePolicyMode(cfg.Policy.Mode)
	pol, closePolicy, err := buildPolicy(mode, cfg)
	if err != nil {
		return fmt.Errorf("failed to build %s policy: %w", mode, err)
	}
	defer closePolicy()

	// 5. Episode history store
	var recorder controller.Recorder
	if cfg.History.Path != "" {
		store, err := history.NewStore(cfg.History.Path)
		if err != nil {
			return fmt.Errorf("failed to open history store: %w", err)
		}
		defer store.Close()
		recorder = store
	}

	// 6. Build the episode controller
	initialWeight := runtime.ClampWeight(cfg.Controller.InitialWeight)
	ctrl, err := controller.New(controller.Config{
		Source:        source,
		Policy:        pol,
		Actuator:      act,
		Committer:     committer,
		Aggregator:    env.NewAggregator(cfg.Controller.SLOLatencyMS, cfg.Controller.MaxSteps),
		Logger:        slog.Default(),
		Release:       cfg.Controller.Release,
		PolicySource:  mode,
		Interval:      cfg.Controller.StepInterval(),
		MaxSteps:      cfg.Controller.MaxSteps,
		InitialWeight: initialWeight,
		Reward:        cfg.Reward,
		Recorder:      recorder,
	})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	// 7. Start Metrics Server (Non-blocking)
	if cfg.Metrics.ListenAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting metrics server", "addr", cfg.Metrics.ListenAddr)
			if err := http.ListenAndServe(cfg.Metrics.ListenAddr, mux); err != nil {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	if cfg.Controller.ResetHookURL != "" {
		fireResetHook(ctx, cfg.Controller.ResetHookURL)
	}

	slog.Info("pilot ready, starting episode",
		"release", cfg.Controller.Release,
		"policy", mode,
		"initial_weight", initialWeight,
	)

	// 8. Run the episode
	result, err := ctrl.Run(ctx)
	if err != nil {
		return fmt.Errorf("episode failed: %w", err)
	}

	slog.Info("episode finished",
		"episode_id", result.ID,
		"outcome", result.Outcome,
		"steps", result.Steps,
		"final_weight", result.FinalWeight,
		"total_reward", result.TotalReward,
	)
	return nil
}

// fireResetHook asks the service under test to clear leftover metrics
// before the episode starts. Best effort.
func fireResetHook(ctx context.Context, url string) {
	hookCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(hookCtx, http.MethodPost, url, nil)
	if err != nil {
		slog.Warn("reset hook request invalid", "url", url, "error", err)
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		slog.Warn("reset hook failed", "url", url, "error", err)
		return
	}
	resp.Body.Close()
	slog.Info("reset hook fired", "url", url, "status", resp.StatusCode)
}

// buildKubernetesClient prefers in-cluster config and falls back to the
// local kubeconfig.
func buildKubernetesClient() (kubernetes.Interface, error) {
	k8sConfig, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			kubeconfig = os.Getenv("HOME") + "/.kube/config"
		}
		k8sConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
		}
	}
	k8sClient, err := kubernetes.NewForConfig(k8sConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return k8sClient, nil
}

// buildPolicy constructs the configured decision policy. The returned
// closer releases policy resources and is always safe to call.
func buildPolicy(mode string, cfg *config.Config) (policy.Policy, func(), error) {
	noop := func() {}
	switch mode {
	case config.PolicyModeQ:
		p, err := policy.LoadQPolicy(cfg.Policy.ArtifactPath)
		if err != nil {
			return nil, noop, err
		}
		return p, noop, nil
	case config.PolicyModeONNX:
		p, err := policy.NewONNXPolicy(cfg.Policy.ModelPath, slog.Default())
		if err != nil {
			return nil, noop, err
		}
		return p, func() { p.Close() }, nil
	case config.PolicyModeRules:
		p, err := policy.NewRulePolicyWithExpressions(cfg.Policy.Thresholds,
			cfg.Policy.PromoteRulePath, cfg.Policy.RollbackRulePath, slog.Default())
		if err != nil {
			return nil, noop, err
		}
		return p, noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown policy mode %q", mode)
	}
}
