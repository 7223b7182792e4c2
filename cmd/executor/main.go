// Command executor runs one sandboxed code-execution node: the HTTP
// /execute and /health surface plus the forced-cancel RPC control channel,
// following narwhal.go's flag-then-construct-then-serve shape.
package main

import (
	"flag"
	"net/http"
	"os"

	"github.com/codepr/crucible/internal/config"
	"github.com/codepr/crucible/internal/executor"
	"github.com/codepr/crucible/internal/executorctl"
	"github.com/codepr/crucible/internal/logging"
)

func main() {
	cfg, err := config.ParseExecutorFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	logger := logging.New("executor")

	engines, err := config.LoadEngines(cfg.EnginesPath)
	if err != nil {
		logger.Fatalf("executor: load engine catalog: %v", err)
	}

	svc, err := executor.NewService(engines, logger)
	if err != nil {
		logger.Fatalf("executor: init docker client: %v", err)
	}

	ctl := &executorctl.Control{}
	svc.SetControl(ctl)
	go func() {
		if err := executorctl.Serve(cfg.ControlAddr, ctl, logger); err != nil {
			logger.Printf("executor: control channel stopped: %v", err)
		}
	}()

	logger.Printf("executor: listening on %s", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, svc.Routes()); err != nil {
		logger.Fatalf("executor: http server: %v", err)
	}
}
