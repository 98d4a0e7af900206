// Copyright 2025 The NimbusFS Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package uploadqueue drains READY tasks from the metadata database
// and uploads the corresponding cache file content to the remote
// store. Completion is handed back to the filesystem core through the
// Core callbacks, which decide — by writeid comparison — whether the
// upload result still matches the file's state or has been superseded
// by a newer write.
package uploadqueue

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nimbusfs/nimbusfs/internal/fsid"
	"github.com/nimbusfs/nimbusfs/internal/interval"
	"github.com/nimbusfs/nimbusfs/internal/logger"
	"github.com/nimbusfs/nimbusfs/internal/metadb"
	"github.com/nimbusfs/nimbusfs/internal/remotestore"
	"golang.org/x/net/context"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Core is the slice of the filesystem core an upload needs: the
// upload lifecycle callbacks plus the commit hook that turns a
// finished task into committed metadata.
type Core interface {
	// UploadingOpenFile marks the open record for taskID as uploading.
	UploadingOpenFile(taskID int64)

	// UpdateOpenFile reports upload completion. Returns 0 if the
	// record was promoted (writeID matched), -1 if a newer write
	// superseded the upload.
	UpdateOpenFile(taskID, writeID, newFileID int64, hash uint64, size int64) int

	// GetFileWriteID returns the current writeid for taskID, from the
	// open record if present, else the task row, else -1.
	GetFileWriteID(taskID int64) int64

	// CommitUpload finalizes a promoted task: commits the file row and
	// revision, clears the overlay entry, and deletes the task.
	CommitUpload(taskID, newFileID int64, hash uint64, size int64) error
}

// pollInterval bounds how stale the queue can get when no Wake call
// arrives (e.g. READY rows left over from a previous run).
const pollInterval = 30 * time.Second

// Pool is the upload worker pool.
type Pool struct {
	db       *metadb.DB
	remote   remotestore.Store
	core     Core
	cacheDir string

	sem  *semaphore.Weighted
	wake chan struct{}
}

// NewPool creates a pool running at most workers concurrent uploads.
func NewPool(db *metadb.DB, remote remotestore.Store, core Core, cacheDir string, workers int64) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		db:       db,
		remote:   remote,
		core:     core,
		cacheDir: cacheDir,
		sem:      semaphore.NewWeighted(workers),
		wake:     make(chan struct{}, 1),
	}
}

// Wake nudges the pool to re-scan for READY tasks. Never blocks.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		tasks, err := p.db.ReadyTasks()
		if err != nil {
			logger.Errorf("uploadqueue: listing ready tasks: %v", err)
		}
		for _, task := range tasks {
			if err := p.sem.Acquire(gctx, 1); err != nil {
				return g.Wait()
			}
			if err := p.db.SetTaskStatus(task.ID, metadb.StatusUploading); err != nil {
				p.sem.Release(1)
				logger.Errorf("uploadqueue: marking task %d uploading: %v", task.ID, err)
				continue
			}
			task := task
			g.Go(func() error {
				defer p.sem.Release(1)
				p.process(gctx, task)
				return nil
			})
		}

		select {
		case <-ctx.Done():
			return g.Wait()
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

// process uploads one task and reports the result to the core. On
// failure or supersession the task goes back to READY so a later scan
// retries it.
func (p *Pool) process(ctx context.Context, task metadb.TaskRow) {
	writeID := p.core.GetFileWriteID(task.ID)
	p.core.UploadingOpenFile(task.ID)

	content, err := p.assemble(ctx, task)
	if err != nil {
		logger.Errorf("uploadqueue: assembling task %d: %v", task.ID, err)
		p.requeue(task.ID)
		return
	}

	newID, hash, size, err := p.remote.Put(ctx, task.FileID, bytes.NewReader(content))
	if err != nil {
		logger.Errorf("uploadqueue: uploading task %d: %v", task.ID, err)
		p.requeue(task.ID)
		return
	}

	if p.core.UpdateOpenFile(task.ID, writeID, newID, hash, size) != 0 {
		// Superseded by a newer write; the task must run again.
		logger.Debugf("uploadqueue: task %d superseded at writeid %d", task.ID, writeID)
		p.requeue(task.ID)
		return
	}

	if err := p.core.CommitUpload(task.ID, newID, hash, size); err != nil {
		logger.Errorf("uploadqueue: committing task %d: %v", task.ID, err)
	}
}

func (p *Pool) requeue(taskID int64) {
	if err := p.db.SetTaskStatus(taskID, metadb.StatusReady); err != nil {
		logger.Errorf("uploadqueue: requeueing task %d: %v", taskID, err)
	}
}

// assemble materializes the full content of the pending file: for a
// wholly new file the data file verbatim; for a modified file the
// base revision with the locally written ranges patched over it.
func (p *Pool) assemble(ctx context.Context, task metadb.TaskRow) ([]byte, error) {
	id := fsid.FromTaskID(task.ID)
	dataPath := filepath.Join(p.cacheDir, id.DataFileName())
	data, err := os.ReadFile(dataPath)
	if err != nil {
		return nil, fmt.Errorf("reading data file: %w", err)
	}

	if task.FileID == 0 {
		// New file: the data file is authoritative in full.
		return data, nil
	}

	idxf, err := os.Open(filepath.Join(p.cacheDir, id.IndexFileName()))
	if err != nil {
		return nil, fmt.Errorf("opening index file: %w", err)
	}
	defer idxf.Close()

	ix, copyFromOriginal, _, err := interval.LoadFromIndexFile(idxf)
	if err != nil {
		return nil, err
	}

	size := max(int64(len(data)), copyFromOriginal)
	content := make([]byte, size)

	baseLen := min(copyFromOriginal, size)
	if baseLen > 0 {
		if _, err := p.remote.ReadAt(ctx, task.FileID, uint64(task.Int2), content[:baseLen], 0); err != nil {
			return nil, fmt.Errorf("reading base revision: %w", err)
		}
	}

	ix.Intersecting(0, size, func(r interval.Range) bool {
		end := min(r.End, int64(len(data)))
		if r.Start >= end {
			return true
		}
		copy(content[r.Start:end], data[r.Start:end])
		return true
	})

	return content, nil
}
