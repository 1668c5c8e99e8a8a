// File: internal/archive/archive.go
package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/go-github/v58/github"
	"go.uber.org/zap"

	"github.com/xkilldash9x/docfix-cli/internal/config"
)

// contentsAPI is the part of the GitHub repositories service the uploader needs.
type contentsAPI interface {
	CreateFile(ctx context.Context, owner, repo, path string, opts *github.RepositoryContentFileOptions) (*github.RepositoryContentResponse, *github.Response, error)
}

// Result lists what happened to every file of one upload.
type Result struct {
	Uploaded []string
	Existing []string
	Failed   map[string]error
}

// Uploader copies a local folder into a GitHub repository one file at a time.
type Uploader struct {
	repos  contentsAPI
	cfg    config.ArchiveConfig
	logger *zap.Logger
}

// NewUploader creates an Uploader authenticated with the configured token. A nil
// httpClient uses http.DefaultClient.
func NewUploader(cfg config.ArchiveConfig, httpClient *http.Client, logger *zap.Logger) (*Uploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := github.NewClient(httpClient).WithAuthToken(cfg.Token)
	return newUploader(client.Repositories, cfg, logger), nil
}

func newUploader(repos contentsAPI, cfg config.ArchiveConfig, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{repos: repos, cfg: cfg, logger: logger.Named("archive")}
}

// Upload walks dir and creates each regular file in the repository under its path
// relative to dir. Files that already exist are reported, not overwritten. A failed
// file does not stop the walk; only an unreadable directory or a cancelled context does.
func (u *Uploader) Upload(ctx context.Context, dir string) (*Result, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload folder: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	sort.Strings(files)

	res := &Result{Failed: make(map[string]error)}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			res.Failed[path] = err
			continue
		}
		repoPath := filepath.ToSlash(rel)

		existed, err := u.uploadFile(ctx, path, repoPath)
		switch {
		case err != nil:
			u.logger.Warn("Failed to upload file.", zap.String("path", repoPath), zap.Error(err))
			res.Failed[repoPath] = err
		case existed:
			u.logger.Info("File already exists.", zap.String("path", repoPath))
			res.Existing = append(res.Existing, repoPath)
		default:
			u.logger.Info("Uploaded file.", zap.String("path", repoPath))
			res.Uploaded = append(res.Uploaded, repoPath)
		}
	}
	return res, nil
}

func (u *Uploader) uploadFile(ctx context.Context, localPath, repoPath string) (existed bool, err error) {
	content, err := os.ReadFile(localPath)
	if err != nil {
		return false, err
	}
	opts := &github.RepositoryContentFileOptions{
		Message: github.String("Add " + repoPath),
		Content: content,
	}
	if u.cfg.Branch != "" {
		opts.Branch = github.String(u.cfg.Branch)
	}

	_, resp, err := u.repos.CreateFile(ctx, u.cfg.RepoOwner, u.cfg.RepoName, repoPath, opts)
	if err == nil {
		return false, nil
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusUnprocessableEntity {
		return true, nil
	}
	if resp != nil && resp.StatusCode == http.StatusUnprocessableEntity {
		return true, nil
	}
	return false, err
}
