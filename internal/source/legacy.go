package source

import (
	"fmt"
	"io/ioutil"

	"gopkg.in/src-d/go-billy.v4/memfs"
	gitv4 "gopkg.in/src-d/go-git.v4"
	"gopkg.in/src-d/go-git.v4/plumbing"
	"gopkg.in/src-d/go-git.v4/storage/memory"
)

// FetchEntryPointLegacy is the go-git.v4 equivalent of FetchEntryPoint,
// kept for repositories hosted on a legacy git server that the v5 client's
// stricter protocol negotiation refuses to talk to. Most deployments should
// use FetchEntryPoint; this exists because the teacher lineage vendored
// both the v4 and v5 go-git client across its history and the platform
// still has to serve submitters on either.
//
// Unlike FetchEntryPoint this clones straight into an in-memory billy
// filesystem rather than a scratch directory on disk -- go-git.v4's
// in-memory storer/worktree pair makes that the natural choice, and it
// avoids a disk round trip for what is usually a single small file.
func FetchEntryPointLegacy(req RepoRequest) (string, error) {
	fs := memfs.New()
	storer := memory.NewStorage()

	opts := &gitv4.CloneOptions{URL: req.CloneURL, SingleBranch: true}
	if req.Ref != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(req.Ref)
	}

	if _, err := gitv4.Clone(storer, fs, opts); err != nil {
		return "", fmt.Errorf("source: legacy clone %s: %w", req.CloneURL, err)
	}

	f, err := fs.Open(req.EntryPath)
	if err != nil {
		return "", fmt.Errorf("source: read entry point %s: %w", req.EntryPath, err)
	}
	defer f.Close()

	body, err := ioutil.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("source: read entry point %s: %w", req.EntryPath, err)
	}
	return string(body), nil
}
