package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestLockAcquisition(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("unexpected lock path %s", lock.Path())
	}
	holder, err := ReadHolder(lock.Path())
	if err != nil {
		t.Fatalf("ReadHolder failed: %v", err)
	}
	if holder.PID != os.Getpid() {
		t.Errorf("expected pid %d, got %d", os.Getpid(), holder.PID)
	}
	if time.Since(holder.StartedAt) > time.Minute {
		t.Errorf("unexpected started_at %v", holder.StartedAt)
	}
}

func TestLockConflict(t *testing.T) {
	dir := t.TempDir()

	lock1, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := AcquireLock(dir)
	if err == nil {
		lock2.Release()
		t.Fatal("expected second lock to fail")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %T", err)
	}
	if lockErr.Holder.PID != os.Getpid() {
		t.Errorf("conflict must report the holder, got %+v", lockErr.Holder)
	}
	if !errors.Is(err, syscall.EWOULDBLOCK) {
		t.Errorf("expected EWOULDBLOCK cause, got %v", lockErr.Cause)
	}
	if !strings.Contains(err.Error(), "running") || !strings.Contains(err.Error(), lockErr.LockPath) {
		t.Errorf("error message lacks holder details: %s", err.Error())
	}

	// The failed attempt must not clobber the holder information.
	if holder, _ := ReadHolder(lock1.Path()); holder.PID != os.Getpid() {
		t.Errorf("holder information lost after failed attempt: %+v", holder)
	}
}

func TestLockRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Error("lock file should be removed after release")
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release should be a no-op, got %v", err)
	}

	lock2, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("lock should be acquirable after release: %v", err)
	}
	lock2.Release()
}

func TestStaleLockFileIsReused(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)
	if err := os.WriteFile(path, []byte("pid=999999\nstarted_at=2020-01-01T00:00:00Z\n"), 0644); err != nil {
		t.Fatal(err)
	}

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("stale lock file without flock should not block: %v", err)
	}
	defer lock.Release()

	holder, _ := ReadHolder(path)
	if holder.PID != os.Getpid() {
		t.Errorf("stale holder not overwritten: %+v", holder)
	}
}

func TestHolderString(t *testing.T) {
	if got := (Holder{}).String(); got != "unknown process" {
		t.Errorf("got %q", got)
	}
	if got := (Holder{PID: os.Getpid()}).String(); !strings.Contains(got, "(running)") {
		t.Errorf("got %q", got)
	}
}

func TestAcquireLockCreatesStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state dir not created: %v", err)
	}
}
