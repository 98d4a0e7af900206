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

// Package metadb is the relational metadata database: the committed
// folder and file namespace, the pending-task table that backs the
// overlays, and the file-revision view used to resolve the base of a
// pending modification.
package metadb

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Task types stored in fstask.type.
const (
	TaskMkdir = iota + 1
	TaskRmdir
	TaskCreat
	TaskUnlink
	TaskModify
	TaskRenameFile
	TaskRenameFolder
)

// Task statuses stored in fstask.status.
const (
	StatusPending = iota + 1
	StatusReady
	StatusUploading
	StatusDone
)

// ErrNoRow is returned by point lookups that match nothing.
var ErrNoRow = errors.New("metadb: no matching row")

const schema = `
CREATE TABLE IF NOT EXISTS folder (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	parentid    INTEGER NOT NULL,
	name        TEXT NOT NULL,
	permissions INTEGER NOT NULL,
	ctime       INTEGER NOT NULL,
	mtime       INTEGER NOT NULL,
	subdircnt   INTEGER NOT NULL DEFAULT 0,
	UNIQUE (parentid, name)
);

CREATE TABLE IF NOT EXISTS file (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	parentid INTEGER NOT NULL,
	name     TEXT NOT NULL,
	size     INTEGER NOT NULL,
	hash     INTEGER NOT NULL,
	ctime    INTEGER NOT NULL,
	mtime    INTEGER NOT NULL,
	UNIQUE (parentid, name)
);

CREATE TABLE IF NOT EXISTS filerevision (
	fileid INTEGER NOT NULL,
	hash   INTEGER NOT NULL,
	size   INTEGER NOT NULL,
	PRIMARY KEY (fileid, hash)
);

CREATE TABLE IF NOT EXISTS fstask (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	type      INTEGER NOT NULL,
	status    INTEGER NOT NULL,
	folderid  INTEGER NOT NULL,
	sfolderid INTEGER NOT NULL DEFAULT 0,
	fileid    INTEGER NOT NULL DEFAULT 0,
	text1     TEXT NOT NULL DEFAULT '',
	text2     TEXT NOT NULL DEFAULT '',
	int1      INTEGER NOT NULL DEFAULT 0,
	int2      INTEGER NOT NULL DEFAULT 0
);
`

// FolderRow is a committed folder row.
type FolderRow struct {
	ID          int64  `db:"id"`
	ParentID    int64  `db:"parentid"`
	Name        string `db:"name"`
	Permissions uint32 `db:"permissions"`
	Ctime       int64  `db:"ctime"`
	Mtime       int64  `db:"mtime"`
	SubdirCnt   int64  `db:"subdircnt"`
}

// FileRow is a committed file row.
type FileRow struct {
	ID       int64  `db:"id"`
	ParentID int64  `db:"parentid"`
	Name     string `db:"name"`
	Size     int64  `db:"size"`
	Hash     uint64 `db:"hash"`
	Ctime    int64  `db:"ctime"`
	Mtime    int64  `db:"mtime"`
}

// TaskRow is a pending-task row. Int1 carries the writeid, Int2 the
// base revision hash.
type TaskRow struct {
	ID        int64  `db:"id"`
	Type      int    `db:"type"`
	Status    int    `db:"status"`
	FolderID  int64  `db:"folderid"`
	SFolderID int64  `db:"sfolderid"`
	FileID    int64  `db:"fileid"`
	Text1     string `db:"text1"`
	Text2     string `db:"text2"`
	Int1      int64  `db:"int1"`
	Int2      int64  `db:"int2"`
}

// DB wraps the sqlx handle. All methods are safe for concurrent use;
// callers serialize multi-statement sequences with the metadata lock.
type DB struct {
	conn *sqlx.DB
}

// Open opens (creating the schema if needed) the metadata database at
// path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("metadb: opening %s: %w", path, err)
	}
	// modernc.org/sqlite is not safe for concurrent writes on one
	// connection pool entry; a single connection serializes them.
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("metadb: creating schema: %w", err)
	}
	if _, err := conn.Exec(
		`INSERT INTO folder (id, parentid, name, permissions, ctime, mtime)
		 SELECT 0, 0, '', 15, strftime('%s','now'), strftime('%s','now')
		 WHERE NOT EXISTS (SELECT 1 FROM folder WHERE id = 0)`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("metadb: seeding root folder: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Sync flushes the database file, for fsync.
func (d *DB) Sync() error {
	if _, err := d.conn.Exec(`PRAGMA wal_checkpoint(FULL)`); err != nil {
		return fmt.Errorf("metadb: checkpoint: %w", err)
	}
	return nil
}

func noRow(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoRow
	}
	return err
}

// FolderByID returns the folder row with the given id.
func (d *DB) FolderByID(id int64) (FolderRow, error) {
	var row FolderRow
	err := d.conn.Get(&row, `SELECT * FROM folder WHERE id = ?`, id)
	return row, noRow(err)
}

// FolderByName returns the folder row named name inside parent.
func (d *DB) FolderByName(parentID int64, name string) (FolderRow, error) {
	var row FolderRow
	err := d.conn.Get(&row, `SELECT * FROM folder WHERE parentid = ? AND name = ?`, parentID, name)
	return row, noRow(err)
}

// FoldersIn returns every committed subfolder of parent, name order.
func (d *DB) FoldersIn(parentID int64) ([]FolderRow, error) {
	var rows []FolderRow
	err := d.conn.Select(&rows,
		`SELECT * FROM folder WHERE parentid = ? AND id != 0 ORDER BY name`, parentID)
	return rows, err
}

// FileByID returns the file row with the given id.
func (d *DB) FileByID(id int64) (FileRow, error) {
	var row FileRow
	err := d.conn.Get(&row, `SELECT * FROM file WHERE id = ?`, id)
	return row, noRow(err)
}

// FileByName returns the file row named name inside parent.
func (d *DB) FileByName(parentID int64, name string) (FileRow, error) {
	var row FileRow
	err := d.conn.Get(&row, `SELECT * FROM file WHERE parentid = ? AND name = ?`, parentID, name)
	return row, noRow(err)
}

// FilesIn returns every committed file in parent, name order.
func (d *DB) FilesIn(parentID int64) ([]FileRow, error) {
	var rows []FileRow
	err := d.conn.Select(&rows, `SELECT * FROM file WHERE parentid = ? ORDER BY name`, parentID)
	return rows, err
}

// TaskByID returns the task row with the given id.
func (d *DB) TaskByID(id int64) (TaskRow, error) {
	var row TaskRow
	err := d.conn.Get(&row, `SELECT * FROM fstask WHERE id = ?`, id)
	return row, noRow(err)
}

// RevisionSize returns the size of the (fileid, hash) revision.
func (d *DB) RevisionSize(fileID int64, hash uint64) (int64, error) {
	var size int64
	err := d.conn.Get(&size,
		`SELECT size FROM filerevision WHERE fileid = ? AND hash = ?`, fileID, int64(hash))
	return size, noRow(err)
}

// InsertTask inserts a pending task row and returns its id.
func (d *DB) InsertTask(t TaskRow) (int64, error) {
	res, err := d.conn.Exec(
		`INSERT INTO fstask (type, status, folderid, sfolderid, fileid, text1, text2, int1, int2)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Type, t.Status, t.FolderID, t.SFolderID, t.FileID, t.Text1, t.Text2, t.Int1, t.Int2)
	if err != nil {
		return 0, fmt.Errorf("metadb: inserting task: %w", err)
	}
	return res.LastInsertId()
}

// DeleteTask removes a task row (rollback of a failed create, or
// completion of an upload).
func (d *DB) DeleteTask(id int64) error {
	_, err := d.conn.Exec(`DELETE FROM fstask WHERE id = ?`, id)
	return err
}

// MarkTaskReady flips a pending task to READY and records writeID in
// int1. Reports whether a row was affected (false means the task is
// already READY or beyond).
func (d *DB) MarkTaskReady(id, writeID int64) (bool, error) {
	res, err := d.conn.Exec(
		`UPDATE fstask SET status = ?, int1 = ? WHERE id = ? AND status = ?`,
		StatusReady, writeID, id, StatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// BumpTaskWriteID records writeID in int1 if it is larger than the
// stored value. Best-effort follow-up to MarkTaskReady.
func (d *DB) BumpTaskWriteID(id, writeID int64) error {
	_, err := d.conn.Exec(
		`UPDATE fstask SET int1 = ? WHERE id = ? AND int1 < ?`, writeID, id, writeID)
	return err
}

// RetargetTask points a pending task at a new folder and name. Used
// when a rename moves a pending creation before it uploads.
func (d *DB) RetargetTask(id, folderID int64, name string) error {
	_, err := d.conn.Exec(
		`UPDATE fstask SET folderid = ?, text1 = ? WHERE id = ?`, folderID, name, id)
	return err
}

// SetTaskStatus overwrites a task's status.
func (d *DB) SetTaskStatus(id int64, status int) error {
	_, err := d.conn.Exec(`UPDATE fstask SET status = ? WHERE id = ?`, status, id)
	return err
}

// ReadyTasks returns every task currently in READY state, id order.
func (d *DB) ReadyTasks() ([]TaskRow, error) {
	var rows []TaskRow
	err := d.conn.Select(&rows,
		`SELECT * FROM fstask WHERE status = ? ORDER BY id`, StatusReady)
	return rows, err
}

// PendingTasks returns every live (not DONE) task, id order. Used to
// rebuild the overlays on startup.
func (d *DB) PendingTasks() ([]TaskRow, error) {
	var rows []TaskRow
	err := d.conn.Select(&rows,
		`SELECT * FROM fstask WHERE status != ? ORDER BY id`, StatusDone)
	return rows, err
}

// InsertFolder inserts a committed folder row and returns its id.
func (d *DB) InsertFolder(f FolderRow) (int64, error) {
	res, err := d.conn.Exec(
		`INSERT INTO folder (parentid, name, permissions, ctime, mtime, subdircnt)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		f.ParentID, f.Name, f.Permissions, f.Ctime, f.Mtime, f.SubdirCnt)
	if err != nil {
		return 0, fmt.Errorf("metadb: inserting folder: %w", err)
	}
	return res.LastInsertId()
}

// InsertFile inserts a committed file row and returns its id.
func (d *DB) InsertFile(f FileRow) (int64, error) {
	res, err := d.conn.Exec(
		`INSERT INTO file (parentid, name, size, hash, ctime, mtime)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		f.ParentID, f.Name, f.Size, int64(f.Hash), f.Ctime, f.Mtime)
	if err != nil {
		return 0, fmt.Errorf("metadb: inserting file: %w", err)
	}
	return res.LastInsertId()
}

// UpsertFile inserts or replaces the committed file row named name in
// parent, with a fixed id. Used when an upload commits a pending file.
func (d *DB) UpsertFile(f FileRow) error {
	_, err := d.conn.Exec(
		`INSERT OR REPLACE INTO file (id, parentid, name, size, hash, ctime, mtime)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.ParentID, f.Name, f.Size, int64(f.Hash), f.Ctime, f.Mtime)
	return err
}

// InsertRevision records a (fileid, hash) revision size.
func (d *DB) InsertRevision(fileID int64, hash uint64, size int64) error {
	_, err := d.conn.Exec(
		`INSERT OR REPLACE INTO filerevision (fileid, hash, size) VALUES (?, ?, ?)`,
		fileID, int64(hash), size)
	return err
}

// DeleteFile removes a committed file row.
func (d *DB) DeleteFile(id int64) error {
	_, err := d.conn.Exec(`DELETE FROM file WHERE id = ?`, id)
	return err
}

// DeleteFolder removes a committed folder row.
func (d *DB) DeleteFolder(id int64) error {
	_, err := d.conn.Exec(`DELETE FROM folder WHERE id = ?`, id)
	return err
}
