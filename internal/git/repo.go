// Package git serves source trees and file content from a Git repository.
package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"syscall"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"golang.org/x/sync/singleflight"

	"github.com/radryc/treefs/internal/cache"
	"github.com/radryc/treefs/internal/model"
)

// ErrObjectNotFound is returned when a tree or blob is missing from the
// repository.
var ErrObjectNotFound = errors.New("object not found")

// RepoStore resolves tree and blob hashes against a Git object database.
type RepoStore struct {
	repo   *git.Repository
	cache  *cache.Cache
	group  singleflight.Group
	logger *slog.Logger
}

// Open opens an existing repository on disk. Bare repositories and clones
// made with NoCheckout work, since only the object database is read.
func Open(path string, c *cache.Cache, logger *slog.Logger) (*RepoStore, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", path, err)
	}
	return NewRepoStore(repo, c, logger), nil
}

// NewRepoStore wraps an already opened repository. c may be nil.
func NewRepoStore(repo *git.Repository, c *cache.Cache, logger *slog.Logger) *RepoStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RepoStore{
		repo:   repo,
		cache:  c,
		logger: logger.With("component", "git"),
	}
}

// ResolveRevision returns the root tree of the commit named by rev.
// Branch names are tried as local branches, then as origin remote-tracking
// branches, then as any revision expression. An empty rev means HEAD.
func (s *RepoStore) ResolveRevision(rev string) (model.Hash, error) {
	if rev == "" {
		rev = "HEAD"
	}

	var commitHash plumbing.Hash
	refNames := []plumbing.ReferenceName{
		plumbing.NewBranchReferenceName(rev),
		plumbing.NewRemoteReferenceName("origin", rev),
	}
	found := false
	for _, refName := range refNames {
		ref, err := s.repo.Reference(refName, true)
		if err == nil {
			commitHash = ref.Hash()
			found = true
			break
		}
	}
	if !found {
		h, err := s.repo.ResolveRevision(plumbing.Revision(rev))
		if err != nil {
			return model.Hash{}, fmt.Errorf("failed to resolve revision %q: %w", rev, err)
		}
		commitHash = *h
	}

	commit, err := s.repo.CommitObject(commitHash)
	if err != nil {
		return model.Hash{}, fmt.Errorf("failed to get commit %s: %w", commitHash, err)
	}
	s.logger.Info("resolved revision", "rev", rev, "commit", commitHash.String(), "tree", commit.TreeHash.String())
	return model.Hash(commit.TreeHash), nil
}

// GetTree returns the listing of a tree object. Concurrent requests for
// the same tree share one decode.
func (s *RepoStore) GetTree(ctx context.Context, h model.Hash) (*model.Tree, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.cache != nil {
		if tree, err := s.cache.GetTree(h); err == nil {
			return tree, nil
		}
	}

	v, err, shared := s.group.Do(h.String(), func() (any, error) {
		return s.readTree(h)
	})
	if err != nil {
		return nil, err
	}
	tree := v.(*model.Tree)
	if !shared && s.cache != nil {
		s.cache.PutTree(tree)
	}
	return tree, nil
}

func (s *RepoStore) readTree(h model.Hash) (*model.Tree, error) {
	t, err := object.GetTree(s.repo.Storer, plumbing.Hash(h))
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, fmt.Errorf("tree %s: %w", h, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to read tree %s: %w", h, err)
	}

	tree := &model.Tree{Hash: h, Entries: make([]model.TreeEntry, 0, len(t.Entries))}
	for _, e := range t.Entries {
		mode, ok := entryMode(e.Mode)
		if !ok {
			s.logger.Debug("skipping tree entry", "tree", h.String(), "name", e.Name, "mode", e.Mode.String())
			continue
		}
		tree.Entries = append(tree.Entries, model.TreeEntry{
			Name: e.Name,
			Mode: mode,
			Hash: model.Hash(e.Hash),
		})
	}
	s.logger.Debug("read tree", "tree", h.String(), "entries", len(tree.Entries))
	return tree, nil
}

// GetBlob reads a blob from the repository by hash.
func (s *RepoStore) GetBlob(ctx context.Context, h model.Hash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	blob, err := s.blob(h)
	if err != nil {
		return nil, err
	}

	reader, err := blob.Reader()
	if err != nil {
		return nil, fmt.Errorf("failed to get blob reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// BlobSize returns the size of a blob without reading its content.
func (s *RepoStore) BlobSize(ctx context.Context, h model.Hash) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	blob, err := s.blob(h)
	if err != nil {
		return 0, err
	}
	return uint64(blob.Size), nil
}

func (s *RepoStore) blob(h model.Hash) (*object.Blob, error) {
	blob, err := object.GetBlob(s.repo.Storer, plumbing.Hash(h))
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, fmt.Errorf("blob %s: %w", h, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}
	return blob, nil
}

// entryMode maps a Git file mode to st_mode bits. Submodules have no
// objects in this repository and are skipped.
func entryMode(m filemode.FileMode) (uint32, bool) {
	switch m {
	case filemode.Dir:
		return syscall.S_IFDIR | 0755, true
	case filemode.Regular, filemode.Deprecated:
		return syscall.S_IFREG | 0644, true
	case filemode.Executable:
		return syscall.S_IFREG | 0755, true
	case filemode.Symlink:
		return syscall.S_IFLNK | 0777, true
	default:
		return 0, false
	}
}
