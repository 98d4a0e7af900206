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

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/timeutil"
	"github.com/nimbusfs/nimbusfs/cfg"
	"github.com/nimbusfs/nimbusfs/fs"
	"github.com/nimbusfs/nimbusfs/internal/logger"
	"github.com/nimbusfs/nimbusfs/internal/metadb"
	"github.com/nimbusfs/nimbusfs/internal/remotestore/fakestore"
	"github.com/nimbusfs/nimbusfs/internal/settings"
	"github.com/nimbusfs/nimbusfs/internal/uploadqueue"
	"golang.org/x/net/context"
	"golang.org/x/sys/unix"
)

// Mount opens the stores, builds the filesystem, mounts it, and
// blocks until unmount or a termination signal.
func Mount(c *cfg.Config, mountPoint string) error {
	if c.Logging.FilePath != "" {
		err := logger.InitLogFile(c.Logging.FilePath, c.Logging.Format, c.Logging.Severity,
			c.Logging.MaxSizeMB, c.Logging.BackupCount, c.Logging.Compress)
		if err != nil {
			return err
		}
	} else {
		logger.SetLogFormat(c.Logging.Format)
		logger.SetLogLevel(c.Logging.Severity)
	}

	sessionID := uuid.New().String()
	logger.Infof("nimbusfs %s starting mount session %s at %q", version, sessionID, mountPoint)

	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	st, err := settings.Open(c.SettingsPath())
	if err != nil {
		return err
	}
	defer st.Close()
	if c.Quota > 0 {
		if err := st.SetInt64(settings.KeyQuota, c.Quota); err != nil {
			return err
		}
	}
	if err := st.SetString(settings.KeyFSCachePath, c.CacheDir); err != nil {
		return err
	}

	db, err := metadb.Open(c.MetaDBPath())
	if err != nil {
		return err
	}
	defer db.Close()

	// The remote transport is pluggable; until a production transport
	// is configured the mount runs against the in-process store.
	remote := fakestore.New(1)

	pool := &uploadPoolHandle{}
	core, err := fs.New(&fs.ServerConfig{
		Clock:      timeutil.RealClock(),
		MetaDB:     db,
		Settings:   st,
		Remote:     remote,
		CacheDir:   c.CacheDir,
		UploadWake: pool.Wake,
	})
	if err != nil {
		return err
	}
	pool.Pool = uploadqueue.NewPool(db, remote, core, c.CacheDir, c.Upload.Workers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := pool.Run(ctx); err != nil {
			logger.Errorf("upload pool: %v", err)
		}
	}()

	mountCfg := &fuse.MountConfig{
		FSName:                  "nimbusfs",
		Subtype:                 "nimbusfs",
		VolumeName:              "nimbusfs",
		Options:                 parseMountOptions(c.FileSystem.FuseOptions),
		DisableWritebackCaching: true,
		EnableAsyncReads:        true,
		ErrorLogger:             logger.NewLegacyLogger(logger.LevelError, "fuse: "),
	}
	mfs, err := fuse.Mount(mountPoint, fs.NewServer(core), mountCfg)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	logger.Infof("file system mounted at %q", mountPoint)

	go handleSignals(mountPoint)

	if err := mfs.Join(ctx); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	logger.Infof("file system unmounted")
	return nil
}

// uploadPoolHandle breaks the construction cycle between the core
// (which wants Wake) and the pool (which wants the core).
type uploadPoolHandle struct {
	*uploadqueue.Pool
}

func (h *uploadPoolHandle) Wake() {
	if h.Pool != nil {
		h.Pool.Wake()
	}
}

// handleSignals tries to unmount on every SIGINT/SIGTERM. A failed
// attempt (for example while the mount is busy) is logged, and the
// next signal tries again.
func handleSignals(mountPoint string) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGINT, unix.SIGTERM)
	for range ch {
		logger.Infof("received signal, unmounting %q", mountPoint)
		if err := fuse.Unmount(mountPoint); err != nil {
			logger.Errorf("unmount: %v", err)
		}
	}
}

// parseMountOptions flattens the repeated -o values ("a,b=c") into
// the option map handed to the FUSE library.
func parseMountOptions(opts []string) map[string]string {
	parsed := make(map[string]string)
	for _, o := range opts {
		for _, part := range strings.Split(o, ",") {
			if part == "" {
				continue
			}
			name, value, _ := strings.Cut(part, "=")
			parsed[name] = value
		}
	}
	return parsed
}
