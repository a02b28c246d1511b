// Package watchfolder is the Watch-Folder Poller (spec §4.H): a directory
// scan that feeds the Import Service, event-driven via fsnotify with a
// periodic poll-loop fallback. Grounded on
// db/services/watch_folder_service.py and db/workers/watch_folder_worker.py.
package watchfolder

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/dovos/conversation-archive/internal/domain"
	"github.com/dovos/conversation-archive/internal/heartbeat"
	"github.com/dovos/conversation-archive/internal/importer"
)

const (
	archiveDirName = "archive"
	failedDirName  = "failed"
	testFileName   = ".watch_folder_test"
)

// ScanResult summarizes one scan_folder pass, matching WatchFolderResult.
type ScanResult struct {
	FilesProcessed        int
	FilesSucceeded        int
	FilesFailed           int
	ConversationsImported int
	Messages              []string
	Errors                []string
}

// Scanner finds importable files in a folder and routes each through the
// Import Service, archiving or failing it afterward.
type Scanner struct {
	importService *importer.Service
	logger        *logrus.Logger
}

// NewScanner builds a Scanner.
func NewScanner(importService *importer.Service, logger *logrus.Logger) *Scanner {
	return &Scanner{importService: importService, logger: logger}
}

// ScanFolder scans folderPath for .zip/.json files (skipping the archive/
// failed subfolders) and imports each.
func (s *Scanner) ScanFolder(ctx context.Context, folderPath string) (*ScanResult, error) {
	result := &ScanResult{}

	if folderPath == "" {
		result.Errors = append(result.Errors, "no watch folder path configured")
		return result, nil
	}

	info, err := os.Stat(folderPath)
	if os.IsNotExist(err) {
		result.Errors = append(result.Errors, fmt.Sprintf("watch folder does not exist: %s", folderPath))
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("watchfolder: stat folder: %w", err)
	}
	if !info.IsDir() {
		result.Errors = append(result.Errors, fmt.Sprintf("watch folder path is not a directory: %s", folderPath))
		return result, nil
	}

	archiveDir := filepath.Join(folderPath, archiveDirName)
	failedDir := filepath.Join(folderPath, failedDirName)
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return nil, fmt.Errorf("watchfolder: create archive dir: %w", err)
	}
	if err := os.MkdirAll(failedDir, 0o755); err != nil {
		return nil, fmt.Errorf("watchfolder: create failed dir: %w", err)
	}

	entries, err := os.ReadDir(folderPath)
	if err != nil {
		return nil, fmt.Errorf("watchfolder: read dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".zip" || ext == ".json" {
			files = append(files, filepath.Join(folderPath, e.Name()))
		}
	}

	if len(files) == 0 {
		return result, nil
	}
	result.Messages = append(result.Messages, fmt.Sprintf("found %d files to process", len(files)))

	for _, path := range files {
		result.FilesProcessed++

		var importResult *domain.ImportResult
		var processErr error
		if strings.ToLower(filepath.Ext(path)) == ".zip" {
			importResult, processErr = s.processZipFile(ctx, path)
		} else {
			importResult, processErr = s.processJSONFile(ctx, path)
		}

		name := filepath.Base(path)
		if processErr == nil && importResult != nil && (importResult.Imported > 0 || importResult.Skipped > 0) {
			if err := archiveFile(path, archiveDir); err != nil {
				s.logger.WithError(err).WithField("file", name).Error("watchfolder: archive failed")
			}
			result.FilesSucceeded++
			result.ConversationsImported += importResult.Imported
			result.Messages = append(result.Messages, fmt.Sprintf("imported %d conversations from %s", importResult.Imported, name))
			continue
		}

		errMsg := "no conversations found in file"
		if processErr != nil {
			errMsg = processErr.Error()
		}
		if err := moveToFailed(path, failedDir, errMsg); err != nil {
			s.logger.WithError(err).WithField("file", name).Error("watchfolder: move to failed dir failed")
		}
		result.FilesFailed++
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", name, errMsg))
	}

	result.Messages = append(result.Messages, fmt.Sprintf(
		"processed %d files: %d succeeded, %d failed, %d conversations imported",
		result.FilesProcessed, result.FilesSucceeded, result.FilesFailed, result.ConversationsImported,
	))
	return result, nil
}

func (s *Scanner) processZipFile(ctx context.Context, zipPath string) (*domain.ImportResult, error) {
	tempDir, err := os.MkdirTemp("", "watchfolder-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	if err := extractZip(zipPath, tempDir); err != nil {
		return nil, err
	}

	jsonPath := findConversationsJSON(tempDir)
	if jsonPath == "" {
		return nil, fmt.Errorf("no conversations.json found in zip file")
	}
	return s.processJSONFile(ctx, jsonPath)
}

func (s *Scanner) processJSONFile(ctx context.Context, jsonPath string) (*domain.ImportResult, error) {
	raw, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, fmt.Errorf("read json file: %w", err)
	}

	var payload interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("invalid json in %s: %w", filepath.Base(jsonPath), err)
	}

	return s.importService.Import(ctx, payload)
}

// extractZip unpacks zipPath into destDir, rejecting entries that would
// escape destDir via path traversal.
func extractZip(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("invalid or corrupted zip file: %s", filepath.Base(zipPath))
	}
	defer r.Close()

	for _, f := range r.File {
		target := filepath.Join(destDir, f.Name)
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("zip entry escapes extraction dir: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		src, err := f.Open()
		if err != nil {
			return err
		}
		dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			src.Close()
			return err
		}
		_, copyErr := io.Copy(dst, src)
		src.Close()
		dst.Close()
		if copyErr != nil {
			return copyErr
		}
	}
	return nil
}

// findConversationsJSON looks for conversations.json at the extraction
// root, then one level of subdirectories (common in chat export zips).
func findConversationsJSON(dir string) string {
	root := filepath.Join(dir, "conversations.json")
	if _, err := os.Stat(root); err == nil {
		return root
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		nested := filepath.Join(dir, e.Name(), "conversations.json")
		if _, err := os.Stat(nested); err == nil {
			return nested
		}
	}
	return ""
}

func timestampSuffix(now time.Time) string {
	return now.UTC().Format("20060102_150405")
}

func archiveFile(path, archiveDir string) error {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	dest := filepath.Join(archiveDir, fmt.Sprintf("%s_%s%s", stem, timestampSuffix(time.Now()), ext))
	return os.Rename(path, dest)
}

func moveToFailed(path, failedDir, errMsg string) error {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	suffix := timestampSuffix(time.Now())
	dest := filepath.Join(failedDir, fmt.Sprintf("%s_%s%s", stem, suffix, ext))

	if err := os.Rename(path, dest); err != nil {
		return err
	}

	errLogPath := filepath.Join(failedDir, fmt.Sprintf("%s_%s.error.txt", stem, suffix))
	content := fmt.Sprintf("File: %s\nTimestamp: %s\nError: %s\n", base, time.Now().UTC().Format(time.RFC3339), errMsg)
	return os.WriteFile(errLogPath, []byte(content), 0o644)
}

// ValidateFolder reports whether folderPath exists, is a directory, and is
// writable, per the original service's validate_folder.
func ValidateFolder(folderPath string) (bool, string) {
	if folderPath == "" {
		return false, "folder path is empty"
	}
	info, err := os.Stat(folderPath)
	if os.IsNotExist(err) {
		return false, fmt.Sprintf("folder does not exist: %s", folderPath)
	}
	if err != nil {
		return false, fmt.Sprintf("cannot stat folder: %v", err)
	}
	if !info.IsDir() {
		return false, fmt.Sprintf("path is not a directory: %s", folderPath)
	}

	testFile := filepath.Join(folderPath, testFileName)
	if err := os.WriteFile(testFile, nil, 0o644); err != nil {
		return false, fmt.Sprintf("no write permission for folder: %s", folderPath)
	}
	os.Remove(testFile)
	return true, "folder is valid and writable"
}

// Poller drives the Scanner on a schedule: an fsnotify watch for
// responsiveness, falling back to a fixed poll interval so a scan still
// happens if an event is missed (e.g. across a network filesystem).
type Poller struct {
	scanner   *Scanner
	heartbeat *heartbeat.Monitor
	limiter   *rate.Limiter
	logger    *logrus.Logger

	defaultInterval time.Duration
	running         int32
}

// NewPoller builds a Poller. defaultInterval is used when no
// watch_folder_poll_interval setting is present.
func NewPoller(scanner *Scanner, hb *heartbeat.Monitor, limiter *rate.Limiter, logger *logrus.Logger, defaultInterval time.Duration) *Poller {
	return &Poller{scanner: scanner, heartbeat: hb, limiter: limiter, logger: logger, defaultInterval: defaultInterval}
}

// Run blocks, scanning on a timer (and on fsnotify events for the
// currently configured folder) until ctx is canceled.
func (p *Poller) Run(ctx context.Context) {
	atomic.StoreInt32(&p.running, 1)
	defer atomic.StoreInt32(&p.running, 0)

	if err := p.heartbeat.Beat(ctx); err != nil {
		p.logger.WithError(err).Warn("watchfolder: initial heartbeat failed")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.logger.WithError(err).Warn("watchfolder: fsnotify unavailable, falling back to poll-only")
	}
	if watcher != nil {
		defer watcher.Close()
	}

	lastHeartbeat := time.Now()
	watchedPath := ""
	interval := p.defaultInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	heartbeatTicker := time.NewTicker(30 * time.Second)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			p.tick(ctx, watcher, &watchedPath)
			if settings, err := p.heartbeat.ReadFolderSettings(ctx, p.defaultInterval); err == nil && settings.PollInterval != interval {
				interval = settings.PollInterval
				ticker.Reset(interval)
			}

		case <-heartbeatTicker.C:
			// Wakes the loop so the heartbeat check below runs every 30s.

		case event, ok := <-fsnotifyEvents(watcher):
			if !ok {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				p.scanIfEnabled(ctx)
			}
		}

		if time.Since(lastHeartbeat) >= 30*time.Second {
			if err := p.heartbeat.Beat(ctx); err != nil {
				p.logger.WithError(err).Warn("watchfolder: heartbeat failed")
			}
			lastHeartbeat = time.Now()
		}
	}
}

// fsnotifyEvents returns watcher.Events, or a nil channel (which blocks
// forever in a select) when fsnotify could not initialize.
func fsnotifyEvents(watcher *fsnotify.Watcher) chan fsnotify.Event {
	if watcher == nil {
		return nil
	}
	return watcher.Events
}

func (p *Poller) tick(ctx context.Context, watcher *fsnotify.Watcher, watchedPath *string) {
	settings, err := p.heartbeat.ReadFolderSettings(ctx, p.defaultInterval)
	if err != nil {
		p.logger.WithError(err).Warn("watchfolder: read settings failed")
		return
	}

	if watcher != nil && settings.Path != "" && settings.Path != *watchedPath {
		if *watchedPath != "" {
			_ = watcher.Remove(*watchedPath)
		}
		if err := watcher.Add(settings.Path); err == nil {
			*watchedPath = settings.Path
		}
	}

	if !settings.Enabled || settings.Path == "" {
		return
	}
	p.scanIfEnabled(ctx)
}

func (p *Poller) scanIfEnabled(ctx context.Context) {
	if p.limiter != nil && !p.limiter.Allow() {
		return
	}
	settings, err := p.heartbeat.ReadFolderSettings(ctx, p.defaultInterval)
	if err != nil || !settings.Enabled || settings.Path == "" {
		return
	}

	result, err := p.scanner.ScanFolder(ctx, settings.Path)
	if err != nil {
		p.logger.WithError(err).Warn("watchfolder: scan failed")
	} else if result.FilesProcessed > 0 {
		p.logger.WithFields(logrus.Fields{
			"succeeded":     result.FilesSucceeded,
			"failed":        result.FilesFailed,
			"conversations": result.ConversationsImported,
		}).Info("watchfolder: scan complete")
	}

	if err := p.heartbeat.RecordLastCheck(ctx); err != nil {
		p.logger.WithError(err).Warn("watchfolder: record last check failed")
	}
}
