package executor

import (
	"bufio"
	"fmt"
	"os"
	"path"
)

// EngineConfig describes how to run one language engine's code in a
// container: the base image, the filename the submitted code is written to,
// and the command used to run it.
//
// Grounded on backend/ci.go's CIConfig, narrowed from an arbitrary list of
// named build steps to the single run command an evaluation engine needs.
type EngineConfig struct {
	Name      string            `yaml:"name"`
	ImageName string            `yaml:"image"`
	Env       map[string]string `yaml:"env,omitempty"`
	Entry     string            `yaml:"entry"`
	RunCmd    string            `yaml:"run_command"`
}

// Engines is the static catalog of supported language engines, loaded from
// config at startup (see internal/config).
type Engines map[string]EngineConfig

// Lookup returns the EngineConfig for name, or false if unconfigured.
func (e Engines) Lookup(name string) (EngineConfig, bool) {
	cfg, ok := e[name]
	return cfg, ok
}

// writeDockerfile templates a single-stage Dockerfile into dir, copying the
// submitted source in and running it with the engine's RunCmd. Grounded on
// backend/runner.go's createDockerfile, generalized from a fixed
// build-then-test command to one per-engine run command and an explicit
// entry filename.
func writeDockerfile(dir string, cfg EngineConfig) error {
	f, err := os.Create(path.Join(dir, "Dockerfile"))
	if err != nil {
		return fmt.Errorf("executor: create dockerfile: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "FROM %s\n", cfg.ImageName)
	for k, v := range cfg.Env {
		fmt.Fprintf(w, "ENV %s=%s\n", k, v)
	}
	fmt.Fprintf(w, "WORKDIR /eval\n")
	fmt.Fprintf(w, "COPY %s /eval/%s\n", cfg.Entry, cfg.Entry)
	fmt.Fprintf(w, "CMD %s\n", cfg.RunCmd)
	return w.Flush()
}

// writeEntrypoint writes the submitted source code to dir/cfg.Entry.
func writeEntrypoint(dir string, cfg EngineConfig, code string) error {
	f, err := os.Create(path.Join(dir, cfg.Entry))
	if err != nil {
		return fmt.Errorf("executor: write entrypoint: %w", err)
	}
	defer f.Close()
	_, err = f.WriteString(code)
	return err
}
