// Package store is the durable process-wide map sid -> Student, backed by
// Redis hashes, plus the on-disk per-student directory tree it keeps in
// sync with the keyspace.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Nickchen-PUSH/yatcc-se/internal/apierrors"
)

// keyPrefix namespaces student hashes from other keys (auth material,
// admin settings) sharing the same Redis instance.
const keyPrefix = "student:"

func key(sid string) string { return keyPrefix + sid }

const dirMode = 0o755

// LifecycleHook is the subset of the lifecycle controller that Store calls
// into during create/delete, so this package never imports pkg/controller.
type LifecycleHook interface {
	Allocate(ctx context.Context, sid string) error
	Release(ctx context.Context, sid string) error
}

// Store is the Redis-backed student record store.
type Store struct {
	rdb          *redis.Client
	studentsRoot string
	archiveRoot  string
	hook         LifecycleHook
	logger       *slog.Logger
}

// New builds a Store. hook receives the allocate/release calls create and
// delete make into the orchestrator via the lifecycle controller.
func New(rdb *redis.Client, studentsRoot, archiveRoot string, hook LifecycleHook, logger *slog.Logger) *Store {
	return &Store{rdb: rdb, studentsRoot: studentsRoot, archiveRoot: archiveRoot, hook: hook, logger: logger}
}

var hashFields = []string{
	"pwd_hash",
	"user_info.name",
	"user_info.mail",
	"codespace.status",
	"codespace.url",
	"codespace.time_quota",
	"codespace.time_used",
	"codespace.last_start",
	"codespace.last_stop",
	"codespace.last_active",
	"codespace.last_watch",
	"codespace.space_quota",
	"codespace.space_used",
}

// Read loads every named field for sid in one round trip. An absent
// pwd_hash means the record does not exist.
func (s *Store) Read(ctx context.Context, sid string) (Student, error) {
	values, err := s.rdb.HMGet(ctx, key(sid), hashFields...).Result()
	if err != nil {
		return Student{}, apierrors.ClusterErrorf(err, "reading student %s", sid)
	}

	vmap := make(map[string]string, len(hashFields))
	for i, f := range hashFields {
		if values[i] != nil {
			vmap[f] = fmt.Sprint(values[i])
		}
	}
	if vmap["pwd_hash"] == "" {
		return Student{}, apierrors.NotFound(sid)
	}

	return Student{
		SID:     sid,
		PwdHash: vmap["pwd_hash"],
		UserInfo: UserInfo{
			Name: vmap["user_info.name"],
			Mail: vmap["user_info.mail"],
		},
		Codespace: Codespace{
			Status:     Status(vmap["codespace.status"]),
			URL:        vmap["codespace.url"],
			TimeQuota:  parseInt64(vmap["codespace.time_quota"]),
			TimeUsed:   parseInt64(vmap["codespace.time_used"]),
			LastStart:  parseFloat(vmap["codespace.last_start"]),
			LastStop:   parseFloat(vmap["codespace.last_stop"]),
			LastActive: parseFloat(vmap["codespace.last_active"]),
			LastWatch:  parseFloat(vmap["codespace.last_watch"]),
			SpaceQuota: parseInt64(vmap["codespace.space_quota"]),
			SpaceUsed:  parseInt64(vmap["codespace.space_used"]),
		},
	}, nil
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// Write overwrites the flat field set as a single multi-field hash update.
func (s *Store) Write(ctx context.Context, student Student) error {
	data := map[string]any{
		"pwd_hash":              student.PwdHash,
		"user_info.name":        student.UserInfo.Name,
		"user_info.mail":        student.UserInfo.Mail,
		"codespace.status":      string(student.Codespace.Status),
		"codespace.url":         student.Codespace.URL,
		"codespace.time_quota":  student.Codespace.TimeQuota,
		"codespace.time_used":   student.Codespace.TimeUsed,
		"codespace.last_start":  strconv.FormatFloat(student.Codespace.LastStart, 'f', -1, 64),
		"codespace.last_stop":   strconv.FormatFloat(student.Codespace.LastStop, 'f', -1, 64),
		"codespace.last_active": strconv.FormatFloat(student.Codespace.LastActive, 'f', -1, 64),
		"codespace.last_watch":  strconv.FormatFloat(student.Codespace.LastWatch, 'f', -1, 64),
		"codespace.space_quota": student.Codespace.SpaceQuota,
		"codespace.space_used":  student.Codespace.SpaceUsed,
	}

	if err := s.rdb.HSet(ctx, key(student.SID), data).Err(); err != nil {
		return apierrors.ClusterErrorf(err, "writing student %s", student.SID)
	}
	return nil
}

// Create fails if sid already exists, then creates the on-disk directory
// tree, seeds timestamps, and allocates the backing workload. Allocation
// failure rolls back the directory tree.
func (s *Store) Create(ctx context.Context, student Student) error {
	exists, err := s.rdb.Exists(ctx, key(student.SID)).Result()
	if err != nil {
		return apierrors.ClusterErrorf(err, "checking existence of %s", student.SID)
	}
	if exists > 0 {
		return apierrors.AlreadyExists(student.SID)
	}

	studentDir := filepath.Join(s.studentsRoot, student.SID)
	if err := s.createTree(studentDir); err != nil {
		return fmt.Errorf("creating student directory tree: %w", err)
	}

	now := nowUnix()
	student.Codespace.LastStart = now
	student.Codespace.LastStop = now
	student.Codespace.LastActive = now
	student.Codespace.LastWatch = now
	student.Codespace.Status = StatusStopped

	if err := s.Write(ctx, student); err != nil {
		_ = os.RemoveAll(studentDir)
		return err
	}

	if err := s.hook.Allocate(ctx, student.SID); err != nil {
		_ = os.RemoveAll(studentDir)
		_ = s.rdb.Del(ctx, key(student.SID)).Err()
		return fmt.Errorf("allocating workload for %s: %w", student.SID, err)
	}

	return nil
}

func (s *Store) createTree(studentDir string) error {
	for _, sub := range []string{"code", "io", "root"} {
		if err := os.MkdirAll(filepath.Join(studentDir, sub), dirMode); err != nil {
			_ = os.RemoveAll(studentDir)
			return err
		}
	}
	return nil
}

// Delete archives the student's directory tree, releases its workload, and
// removes the record last. If archiving succeeds but release fails, the
// record is still removed; the orphaned cluster objects are cleaned up by
// the admin's list/reconcile path.
func (s *Store) Delete(ctx context.Context, sid string) error {
	if _, err := s.Read(ctx, sid); err != nil {
		return err
	}

	studentDir := filepath.Join(s.studentsRoot, sid)
	if _, err := os.Stat(studentDir); err == nil {
		archived := filepath.Join(s.archiveRoot, fmt.Sprintf("%s_archived_%s", sid, time.Now().Format(time.RFC3339)))
		if err := os.MkdirAll(s.archiveRoot, dirMode); err != nil {
			return fmt.Errorf("preparing archive root: %w", err)
		}
		if err := os.Rename(studentDir, archived); err != nil {
			return fmt.Errorf("archiving student directory: %w", err)
		}
	}

	if err := s.hook.Release(ctx, sid); err != nil {
		s.logger.Warn("release failed during delete, record removed anyway", "sid", sid, "error", err)
	}

	if err := s.rdb.Del(ctx, key(sid)).Err(); err != nil {
		return apierrors.ClusterErrorf(err, "deleting student record %s", sid)
	}
	return nil
}

// IterAll scans the key space and calls fn for each readable record.
// Per-key read failures are logged and skipped.
func (s *Store) IterAll(ctx context.Context, fn func(Student) error) error {
	iter := s.rdb.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		sid := iter.Val()[len(keyPrefix):]
		student, err := s.Read(ctx, sid)
		if err != nil {
			s.logger.Warn("skipping unreadable student during iteration", "sid", sid, "error", err)
			continue
		}
		if err := fn(student); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return apierrors.ClusterErrorf(err, "scanning student keys")
	}
	return nil
}

// AllIDs returns the full roster id list.
func (s *Store) AllIDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.rdb.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, iter.Val()[len(keyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, apierrors.ClusterErrorf(err, "scanning student keys")
	}
	return ids, nil
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
