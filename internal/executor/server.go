package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"log"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	docker "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/codepr/crucible/internal/executorctl"
)

const tempDirPrefix = "/tmp/crucible-eval-"

// Service runs one evaluation at a time inside a Docker container and
// serves /execute and /health over HTTP, the execution half of what was
// ContainerRunner/DockerPool in core/pool.go and core/container.go --
// generalized from a round-robin test-runner pool entry to a single
// addressable executor instance the dispatcher claims explicitly.
type Service struct {
	docker  *docker.Client
	engines Engines
	logger  *log.Logger
	healthy int32 // atomic bool, mirrors core/handlers.go's handleRunnerHealth flag
	control *executorctl.Control
}

// NewService builds a Service using the host's Docker environment
// (DOCKER_HOST and friends), the same client.NewEnvClient() convention as
// core/pool.go's DockerPool.
func NewService(engines Engines, logger *log.Logger) (*Service, error) {
	cli, err := docker.NewEnvClient()
	if err != nil {
		return nil, fmt.Errorf("executor: docker client: %w", err)
	}
	return &Service{docker: cli, engines: engines, logger: logger, healthy: 1}, nil
}

// SetControl wires the executorctl.Control the forced-cancel RPC channel
// serves; handleExecute registers an Aborter against it for the duration
// of each run so a dispatcher's Stop call can reach this specific
// in-flight evaluation.
func (s *Service) SetControl(c *executorctl.Control) {
	s.control = c
}

// runAborter implements executorctl.Aborter for a single in-flight run,
// cancelling its context when asked to stop an evalID it matches.
type runAborter struct {
	evalID    string
	cancel    context.CancelFunc
	cancelled *int32
}

func (a *runAborter) Abort(evalID string) bool {
	if evalID != a.evalID {
		return false
	}
	atomic.StoreInt32(a.cancelled, 1)
	a.cancel()
	return true
}

// Routes returns a ServeMux for the two routes this service exposes. It does
// not use chi: the executor's surface is two fixed endpoints, not a resource
// tree, so a raw ServeMux (as core/server.go does for the teacher's own
// runner) is the simpler fit.
func (s *Service) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/execute", s.handleExecute)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.healthy) == 1 {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
}

func (s *Service) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed execute request", http.StatusBadRequest)
		return
	}

	cfg, ok := s.engines.Lookup(req.Engine)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown engine %q", req.Engine), http.StatusBadRequest)
		return
	}

	atomic.StoreInt32(&s.healthy, 0)
	defer atomic.StoreInt32(&s.healthy, 1)

	result, err := s.run(r.Context(), req, cfg)
	if err != nil {
		s.logger.Printf("eval %s: execution error: %v", req.EvalID, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// run builds the Dockerfile and entrypoint, builds and starts the
// container, waits for it (bounded by req.TimeoutSecs), and collects its
// logs. Grounded on backend/runner.go's runContainer: same
// pull/create/start/wait/logs sequence, generalized to build a
// per-evaluation image instead of pulling a fixed "alpine".
func (s *Service) run(ctx context.Context, req ExecuteRequest, cfg EngineConfig) (ExecuteResult, error) {
	dir, err := ioutil.TempDir("", "crucible-eval-")
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("tempdir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := writeEntrypoint(dir, cfg, req.Code); err != nil {
		return ExecuteResult{}, err
	}
	if err := writeDockerfile(dir, cfg); err != nil {
		return ExecuteResult{}, err
	}

	timeout := time.Duration(req.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadlineCtx, cancelDeadline := context.WithTimeout(ctx, timeout)
	defer cancelDeadline()
	runCtx, abort := context.WithCancel(deadlineCtx)
	defer abort()

	var cancelled int32
	if s.control != nil {
		s.control.SetAborter(&runAborter{evalID: req.EvalID, cancel: abort, cancelled: &cancelled})
		defer s.control.SetAborter(nil)
	}

	start := time.Now()

	reader, err := s.docker.ImagePull(runCtx, cfg.ImageName, types.ImagePullOptions{})
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("pull %s: %w", cfg.ImageName, err)
	}
	ioutil.ReadAll(reader)
	reader.Close()

	resp, err := s.docker.ContainerCreate(runCtx, &container.Config{
		Image: cfg.ImageName,
		Tty:   false,
	}, nil, nil, "")
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID
	defer s.docker.ContainerRemove(context.Background(), containerID, types.ContainerRemoveOptions{Force: true})

	if err := s.docker.ContainerStart(runCtx, containerID, types.ContainerStartOptions{}); err != nil {
		return ExecuteResult{}, fmt.Errorf("start container: %w", err)
	}

	result := ExecuteResult{ContainerID: containerID}

	statusCh, errCh := s.docker.ContainerWait(runCtx, containerID)
	select {
	case err := <-errCh:
		switch {
		case errors.Is(deadlineCtx.Err(), context.DeadlineExceeded):
			result.TimedOut = true
			s.docker.ContainerKill(context.Background(), containerID, "KILL")
		case atomic.LoadInt32(&cancelled) == 1:
			result.Cancelled = true
			s.docker.ContainerKill(context.Background(), containerID, "KILL")
		case err != nil:
			return ExecuteResult{}, fmt.Errorf("wait container: %w", err)
		}
	case status := <-statusCh:
		result.ExitCode = int(status.StatusCode)
	}

	out, err := s.docker.ContainerLogs(context.Background(), containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("container logs: %w", err)
	}
	defer out.Close()

	var stdout, stderr bytes.Buffer
	stdcopy.StdCopy(&stdout, &stderr, out)

	result.Output = stdout.String()
	result.Error = stderr.String()
	result.RuntimeMs = time.Since(start).Milliseconds()
	return result, nil
}
