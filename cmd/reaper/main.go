// Command reaper runs the pod/workload reaper (spec §4.8) against a
// Kubernetes cluster, restarting its watch stream on transient errors for
// as long as the process lives.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/codepr/crucible/internal/config"
	"github.com/codepr/crucible/internal/logging"
	"github.com/codepr/crucible/internal/reaper"
)

func main() {
	cfg, err := config.ParseReaperFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	logger := logging.New("reaper")

	restConfig, err := loadKubeConfig(cfg.Kubeconfig)
	if err != nil {
		logger.Fatalf("reaper: load kube config: %v", err)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		logger.Fatalf("reaper: build clientset: %v", err)
	}

	r := reaper.New(clientset, cfg.Config, logger)

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		cancel()
	}()

	if err := r.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatalf("reaper: run: %v", err)
	}
}

func loadKubeConfig(path string) (*rest.Config, error) {
	if path == "" {
		return rest.InClusterConfig()
	}
	return clientcmd.BuildConfigFromFlags("", path)
}
