/*
Copyright 2026 The Spreadguard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/fitzek/spreadguard/pkg/config"
	"github.com/fitzek/spreadguard/pkg/logging"
	"github.com/fitzek/spreadguard/pkg/operator"
)

var (
	// Build-time variables
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configFile           = flag.String("config", "", "Path to the configuration file. Environment variables override file values.")
		namespace            = flag.String("namespace", "", "Namespace the controller runs in. Overrides the configured value.")
		enableLeaderElection = flag.Bool("leader-elect", true, "Enable leader election so only one instance applies actions.")
		workers              = flag.Int("workers", 0, "Number of reconciliation workers. Overrides the configured value.")
		metricsAddr          = flag.String("metrics-bind-address", "", "The address the metrics endpoint binds to. Overrides the configured value.")
		probeAddr            = flag.String("health-probe-bind-address", "", "The address the probe endpoint binds to. Overrides the configured value.")
		logLevel             = flag.String("log-level", "", "Log level (debug, info, warn, error). Overrides the configured value.")
		showVersion          = flag.Bool("version", false, "Show version information and exit.")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("Spreadguard Controller\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Build Date: %s\n", buildDate)
		os.Exit(0)
	}

	loader := config.NewLoader()
	if *configFile != "" {
		loader = loader.WithConfigFile(*configFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Flags win over file and environment, but only when actually passed.
	passed := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { passed[f.Name] = true })

	if *namespace != "" {
		cfg.Operator.Namespace = *namespace
	}
	if passed["leader-elect"] {
		cfg.Operator.LeaderElection.Enabled = *enableLeaderElection
	}
	if *workers > 0 {
		cfg.Controller.Workers = *workers
	}
	if *metricsAddr != "" {
		cfg.Observability.Metrics.BindAddress = *metricsAddr
	}
	if *probeAddr != "" {
		cfg.Observability.Health.BindAddress = *probeAddr
	}
	if *logLevel != "" {
		cfg.Observability.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(&logging.Config{
		Level:       cfg.Observability.Logging.Level,
		Format:      cfg.Observability.Logging.Format,
		Development: cfg.Observability.Logging.Development,
	})
	ctrl.SetLogger(logger)

	setupLog := logger.WithName("setup")
	setupLog.Info("Starting Spreadguard controller",
		"version", version,
		"commit", commit,
		"buildDate", buildDate,
		"namespace", cfg.Operator.Namespace,
		"workers", cfg.Controller.Workers,
		"metrics-addr", cfg.Observability.Metrics.BindAddress,
		"probe-addr", cfg.Observability.Health.BindAddress,
		"leader-election", cfg.Operator.LeaderElection.Enabled,
		"log-level", cfg.Observability.Logging.Level,
	)

	restConfig, err := ctrl.GetConfig()
	if err != nil {
		setupLog.Error(err, "failed to load kubeconfig")
		os.Exit(1)
	}

	op, err := operator.New(cfg, restConfig, logger)
	if err != nil {
		setupLog.Error(err, "failed to create operator")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	setupLog.Info("Starting operator")
	if err := op.Run(ctx); err != nil {
		setupLog.Error(err, "operator exited with error")
		os.Exit(1)
	}

	setupLog.Info("Operator stopped")
}
