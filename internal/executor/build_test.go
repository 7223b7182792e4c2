package executor

import (
	"os"
	"path"
	"strings"
	"testing"
)

func TestEnginesLookup(t *testing.T) {
	engines := Engines{
		"cpython": EngineConfig{Name: "cpython", ImageName: "python:3.12-slim", Entry: "main.py", RunCmd: "python main.py"},
	}
	cfg, ok := engines.Lookup("cpython")
	if !ok {
		t.Fatal("expected cpython engine to be found")
	}
	if cfg.ImageName != "python:3.12-slim" {
		t.Errorf("unexpected image %q", cfg.ImageName)
	}
	if _, ok := engines.Lookup("cobol"); ok {
		t.Error("did not expect an unconfigured engine to be found")
	}
}

func TestWriteEntrypointAndDockerfile(t *testing.T) {
	dir := t.TempDir()
	cfg := EngineConfig{
		ImageName: "python:3.12-slim",
		Entry:     "main.py",
		RunCmd:    "python main.py",
		Env:       map[string]string{"PYTHONUNBUFFERED": "1"},
	}

	if err := writeEntrypoint(dir, cfg, "print('hi')"); err != nil {
		t.Fatalf("writeEntrypoint: %v", err)
	}
	entryBody, err := os.ReadFile(path.Join(dir, cfg.Entry))
	if err != nil {
		t.Fatalf("read entrypoint: %v", err)
	}
	if string(entryBody) != "print('hi')" {
		t.Errorf("unexpected entrypoint contents %q", entryBody)
	}

	if err := writeDockerfile(dir, cfg); err != nil {
		t.Fatalf("writeDockerfile: %v", err)
	}
	dockerfile, err := os.ReadFile(path.Join(dir, "Dockerfile"))
	if err != nil {
		t.Fatalf("read dockerfile: %v", err)
	}
	body := string(dockerfile)
	for _, want := range []string{"FROM python:3.12-slim", "ENV PYTHONUNBUFFERED=1", "COPY main.py /eval/main.py", "CMD python main.py"} {
		if !strings.Contains(body, want) {
			t.Errorf("dockerfile missing %q, got:\n%s", want, body)
		}
	}
}
