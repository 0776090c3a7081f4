package integrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/foreman/internal/lock"
	yamlutil "github.com/msageha/foreman/internal/yaml"
)

// ReviewRequest is one change set waiting for a human decision.
type ReviewRequest struct {
	RunID        string   `yaml:"run_id"`
	ItemID       string   `yaml:"item_id"`
	Title        string   `yaml:"title"`
	Branch       string   `yaml:"branch"`
	ChangedPaths []string `yaml:"changed_paths,omitempty"`
	Reason       string   `yaml:"reason"`
	RequestedAt  string   `yaml:"requested_at"`
}

type reviewQueueFile struct {
	yamlutil.Header `yaml:",inline"`

	Requests []ReviewRequest `yaml:"requests"`
}

// ReviewQueue appends review requests to a YAML file. Nothing in it is merged
// automatically.
type ReviewQueue struct {
	path     string
	stateDir string
	logger   *zap.Logger
	locks    *lock.Keyed
}

func NewReviewQueue(stateDir, path string, logger *zap.Logger) *ReviewQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReviewQueue{path: path, stateDir: stateDir, logger: logger, locks: lock.NewKeyed()}
}

func (q *ReviewQueue) Path() string { return q.path }

func (q *ReviewQueue) Integrate(_ context.Context, req Request) (Outcome, error) {
	err := q.locks.Do(q.path, func() error {
		file, err := q.load()
		if err != nil {
			return err
		}
		for _, r := range file.Requests {
			if r.ItemID == req.ItemID && r.Branch == req.ChangeRef {
				return nil
			}
		}
		file.Requests = append(file.Requests, ReviewRequest{
			RunID:        req.RunID,
			ItemID:       req.ItemID,
			Title:        req.Title,
			Branch:       req.ChangeRef,
			ChangedPaths: req.ChangedPaths,
			Reason:       req.Reason,
			RequestedAt:  time.Now().UTC().Format(time.RFC3339),
		})
		file.Header = yamlutil.NewHeader(yamlutil.KindReviewQueue)
		return yamlutil.Write(q.path, file)
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("queue review for %s: %w", req.ItemID, err)
	}
	q.logger.Info("review_requested", zap.String("item", req.ItemID), zap.String("branch", req.ChangeRef), zap.String("reason", req.Reason))
	return Outcome{Queued: true}, nil
}

// Pending returns the queued requests.
func (q *ReviewQueue) Pending() ([]ReviewRequest, error) {
	var out []ReviewRequest
	err := q.locks.Do(q.path, func() error {
		file, err := q.load()
		if err != nil {
			return err
		}
		out = file.Requests
		return nil
	})
	return out, err
}

func (q *ReviewQueue) load() (*reviewQueueFile, error) {
	var file reviewQueueFile
	err := yamlutil.Read(q.path, yamlutil.KindReviewQueue, &file)
	switch {
	case err == nil:
		return &file, nil
	case errors.Is(err, os.ErrNotExist):
		return &reviewQueueFile{}, nil
	case !yamlutil.IsCorrupt(err):
		return nil, err
	}

	q.logger.Warn("review_queue_corrupt", zap.String("file", q.path), zap.Error(err))
	restored, err := yamlutil.Salvage(q.stateDir, q.path, yamlutil.KindReviewQueue)
	if err != nil {
		return nil, err
	}
	file = reviewQueueFile{}
	if restored {
		if err := yamlutil.Read(q.path, yamlutil.KindReviewQueue, &file); err != nil {
			return nil, err
		}
	}
	return &file, nil
}
