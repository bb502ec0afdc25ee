package output

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"naturaljoin/internal/types"
)

// SuccessMarker is written into the destination once every partition is in place.
const SuccessMarker = "_SUCCESS"

// ErrLocked is returned when another run holds the destination lock.
var ErrLocked = errors.New("destination is locked by another run")

// DestinationConflictError reports an output path that already exists.
type DestinationConflictError struct {
	Path string
}

func (e *DestinationConflictError) Error() string {
	return fmt.Sprintf("destination %s already exists; remove it or choose another output path", e.Path)
}

// Committer stages job output next to the destination and moves it into
// place in one rename, so the destination either holds a complete run or
// does not exist.
type Committer struct {
	dest    string
	staging string
	lock    *os.File
	done    bool
}

// Prepare checks that dest does not exist, locks it against concurrent
// writers and creates a staging directory.
func Prepare(dest string) (*Committer, error) {
	if dest == "" {
		return nil, fmt.Errorf("output path is empty")
	}
	dest = filepath.Clean(dest)

	if err := checkAbsent(dest); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output parent directory: %w", err)
	}

	lock, err := acquireLock(dest + ".lock")
	if err != nil {
		return nil, err
	}

	// Checked again under the lock in case a concurrent run committed first.
	if err := checkAbsent(dest); err != nil {
		releaseLock(lock)
		return nil, err
	}

	staging := fmt.Sprintf("%s.staging-%s", dest, uuid.New().String()[:8])
	if err := os.Mkdir(staging, 0755); err != nil {
		releaseLock(lock)
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	return &Committer{dest: dest, staging: staging, lock: lock}, nil
}

// Dest returns the final output path.
func (c *Committer) Dest() string {
	return c.dest
}

// StagingDir returns the directory output is written to before Commit.
func (c *Committer) StagingDir() string {
	return c.staging
}

// PartFileName returns the file name for one reduce partition.
func PartFileName(partition int) string {
	return fmt.Sprintf("part-r-%05d", partition)
}

// WritePartition writes the results of one reduce partition.
func (c *Committer) WritePartition(partition int, results []types.JoinResult) error {
	if c.done {
		return fmt.Errorf("committer already finished")
	}

	filename := filepath.Join(c.staging, PartFileName(partition))
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create output file %s: %w", filename, err)
	}

	w := bufio.NewWriter(f)
	for _, r := range results {
		if err := WriteResult(w, r); err != nil {
			f.Close()
			return fmt.Errorf("failed to write output file %s: %w", filename, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write output file %s: %w", filename, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync output file %s: %w", filename, err)
	}
	return f.Close()
}

// WriteResult writes one key's summary line followed by its joined records.
func WriteResult(w io.Writer, r types.JoinResult) error {
	if _, err := io.WriteString(w, r.Summary()+"\n"); err != nil {
		return err
	}
	_, err := io.WriteString(w, r.Body())
	return err
}

// Commit marks the staged output complete and renames it to the destination.
func (c *Committer) Commit() error {
	if c.done {
		return fmt.Errorf("committer already finished")
	}

	if err := os.WriteFile(filepath.Join(c.staging, SuccessMarker), nil, 0644); err != nil {
		c.Abort()
		return fmt.Errorf("failed to write success marker: %w", err)
	}

	if err := checkAbsent(c.dest); err != nil {
		c.Abort()
		return err
	}

	if err := os.Rename(c.staging, c.dest); err != nil {
		c.Abort()
		return fmt.Errorf("failed to move output into place: %w", err)
	}

	c.done = true
	releaseLock(c.lock)
	return nil
}

// Abort discards the staged output. It is a no-op after Commit.
func (c *Committer) Abort() error {
	if c.done {
		return nil
	}
	c.done = true
	defer releaseLock(c.lock)

	if err := os.RemoveAll(c.staging); err != nil {
		return fmt.Errorf("failed to remove staging directory: %w", err)
	}
	return nil
}

func checkAbsent(path string) error {
	_, err := os.Lstat(path)
	if err == nil {
		return &DestinationConflictError{Path: path}
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat destination %s: %w", path, err)
	}
	return nil
}

// lockAttempts bounds how often acquireLock reopens a lock file that was
// removed by its previous holder between our open and our flock.
const lockAttempts = 5

func acquireLock(path string) (*os.File, error) {
	for attempt := 0; attempt < lockAttempts; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open lock file: %w", err)
		}

		held, err := lockFile(path, f)
		if err != nil {
			f.Close()
			return nil, err
		}
		if held {
			return f, nil
		}
		f.Close()
	}
	return nil, fmt.Errorf("%s: %w", path, ErrLocked)
}

// lockFile takes an exclusive lock on f and reports whether f is still the
// file at path. Holders unlink the lock file before unlocking, so a lock on
// an unlinked inode guards nothing and is dropped.
func lockFile(path string, f *os.File) (bool, error) {
	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return false, fmt.Errorf("%s: %w", path, ErrLocked)
		}
		return false, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	locked, err := f.Stat()
	if err != nil {
		unix.Flock(fd, unix.LOCK_UN)
		return false, fmt.Errorf("failed to stat lock file: %w", err)
	}
	current, err := os.Stat(path)
	if err != nil || !os.SameFile(locked, current) {
		unix.Flock(fd, unix.LOCK_UN)
		return false, nil
	}
	return true, nil
}

// releaseLock unlinks the lock file while still holding the lock, then
// unlocks it.
func releaseLock(f *os.File) {
	if f == nil {
		return
	}
	os.Remove(f.Name())
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
}
