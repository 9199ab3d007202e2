package state

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"crowsnest/internal/logging"
)

const (
	// maxBackups is how many roster snapshots are kept.
	maxBackups = 5

	// backupInterval is the minimum spacing between periodic snapshots.
	backupInterval = 24 * time.Hour

	backupPrefix = "roster_"
)

// BackupManager snapshots the roster file into a backups directory with
// rotation.
type BackupManager struct {
	rosterPath string
	backupDir  string
	logger     logging.Logger
}

func NewBackupManager(rosterPath, backupDir string, logger logging.Logger) *BackupManager {
	return &BackupManager{rosterPath: rosterPath, backupDir: backupDir, logger: logger}
}

// Backup copies the roster file to a timestamped snapshot and prunes old
// snapshots beyond the retention limit.
func (b *BackupManager) Backup() error {
	src, err := os.Open(b.rosterPath)
	if err != nil {
		if os.IsNotExist(err) {
			b.logger.Debug("No roster file to back up")
			return nil
		}
		return fmt.Errorf("state: opening roster for backup: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(b.backupDir, 0o755); err != nil {
		return fmt.Errorf("state: creating backup dir: %w", err)
	}

	stamp := backupPrefix + time.Now().Format("20060102_150405")
	dstPath := filepath.Join(b.backupDir, stamp+".json")
	// The timestamp has one-second granularity; a second snapshot in the
	// same second must not clobber the first.
	for n := 1; fileExists(dstPath); n++ {
		dstPath = filepath.Join(b.backupDir, fmt.Sprintf("%s_%d.json", stamp, n))
	}
	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("state: creating backup file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return fmt.Errorf("state: copying roster backup: %w", err)
	}
	if err := dst.Close(); err != nil {
		return err
	}

	b.prune()
	b.logger.WithFields(logging.Fields{"backup": filepath.Base(dstPath)}).Debug("Roster backed up")
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// BackupIfDue snapshots only when the newest snapshot is older than the
// backup interval.
func (b *BackupManager) BackupIfDue() error {
	newest, ok := b.newest()
	if ok && time.Since(newest) < backupInterval {
		return nil
	}
	return b.Backup()
}

func (b *BackupManager) newest() (time.Time, bool) {
	files := b.snapshots()
	if len(files) == 0 {
		return time.Time{}, false
	}
	info, err := os.Stat(files[0])
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// snapshots returns backup paths sorted newest first.
func (b *BackupManager) snapshots() []string {
	entries, err := os.ReadDir(b.backupDir)
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), backupPrefix) && strings.HasSuffix(e.Name(), ".json") {
			files = append(files, filepath.Join(b.backupDir, e.Name()))
		}
	}
	sort.Slice(files, func(i, j int) bool {
		fi, errI := os.Stat(files[i])
		fj, errJ := os.Stat(files[j])
		if errI != nil || errJ != nil {
			return files[i] > files[j]
		}
		return fi.ModTime().After(fj.ModTime())
	})
	return files
}

func (b *BackupManager) prune() {
	files := b.snapshots()
	for i := maxBackups; i < len(files); i++ {
		if err := os.Remove(files[i]); err != nil {
			b.logger.WithFields(logging.Fields{"file": files[i], "error": err.Error()}).Warn("Failed to prune old backup")
		}
	}
}
