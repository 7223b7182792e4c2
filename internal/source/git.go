// Package source implements the repository- and webhook-backed submission
// adapters: alternatives to the plain inline-code submission path that
// fetch an evaluation's entry-point file from a git ref instead.
//
// Grounded on backend/runner.go's cloneRepository (go-git v5 PlainClone
// into a tempdir) and agent/handlers.go's GitHub push-event webhook
// adapter.
package source

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// RepoRequest identifies one file to fetch from a git repository as an
// evaluation's code.
type RepoRequest struct {
	CloneURL   string
	Ref        string
	EntryPath  string
}

// FetchEntryPoint clones req.CloneURL at req.Ref into a scratch directory
// and returns the contents of req.EntryPath, mirroring
// backend/runner.go's clone-then-read flow but returning source bytes
// directly instead of handing the whole tree to a Dockerfile build step
// (the executor builds its own run environment from the engine's
// EngineConfig, not from the submitter's repository).
func FetchEntryPoint(req RepoRequest) (string, error) {
	dir, err := ioutil.TempDir("", "crucible-clone-")
	if err != nil {
		return "", fmt.Errorf("source: tempdir: %w", err)
	}
	defer os.RemoveAll(dir)

	opts := &git.CloneOptions{URL: req.CloneURL, SingleBranch: true}
	if req.Ref != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(req.Ref)
	}

	if _, err := git.PlainClone(dir, false, opts); err != nil {
		return "", fmt.Errorf("source: clone %s: %w", req.CloneURL, err)
	}

	body, err := ioutil.ReadFile(filepath.Join(dir, req.EntryPath))
	if err != nil {
		return "", fmt.Errorf("source: read entry point %s: %w", req.EntryPath, err)
	}
	return string(body), nil
}
