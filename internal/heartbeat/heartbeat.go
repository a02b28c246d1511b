// Package heartbeat is the Heartbeat/Settings component (spec §4.I): a
// thin layer over the Settings KV used by the Watch-Folder Poller for
// liveness signaling and runtime reconfiguration.
package heartbeat

import (
	"context"
	"os"
	"time"

	"github.com/dovos/conversation-archive/internal/store"
)

// Setting keys used by the Watch-Folder Poller, matching the original
// worker's naming exactly (spec §4.H/§4.I).
const (
	KeyWatchFolderPath         = "watch_folder_path"
	KeyWatchFolderEnabled      = "watch_folder_enabled"
	KeyWatchFolderPollInterval = "watch_folder_poll_interval"
	KeyWorkerHeartbeat         = "watch_folder_worker_heartbeat"
	KeyLastCheck               = "watch_folder_last_check"
	KeyLicenseKey              = "license_key"

	categoryImport = "import"
)

// Monitor wraps SettingRepository with the specific keys the poller reads
// and writes, so the poller itself never touches raw setting ids.
type Monitor struct {
	db *store.DB
}

// New builds a Heartbeat/Settings monitor.
func New(db *store.DB) *Monitor {
	return &Monitor{db: db}
}

// Beat records the current instant under KeyWorkerHeartbeat.
func (m *Monitor) Beat(ctx context.Context) error {
	_, err := m.db.Settings().CreateOrUpdate(ctx, KeyWorkerHeartbeat, m.db.Clock().Now().Format(time.RFC3339Nano), categoryImport)
	return err
}

// RecordLastCheck records the current instant under KeyLastCheck, called
// after every scan attempt regardless of outcome.
func (m *Monitor) RecordLastCheck(ctx context.Context) error {
	_, err := m.db.Settings().CreateOrUpdate(ctx, KeyLastCheck, m.db.Clock().Now().Format(time.RFC3339Nano), categoryImport)
	return err
}

// FolderSettings is the poller's runtime configuration, read fresh on every
// loop iteration so it can be changed without restarting the process.
type FolderSettings struct {
	Path         string
	Enabled      bool
	PollInterval time.Duration
}

// ReadFolderSettings loads the watch-folder settings, defaulting to
// disabled with defaultInterval when unset.
func (m *Monitor) ReadFolderSettings(ctx context.Context, defaultInterval time.Duration) (FolderSettings, error) {
	path, err := m.db.Settings().GetValue(ctx, KeyWatchFolderPath, "")
	if err != nil {
		return FolderSettings{}, err
	}
	enabledStr, err := m.db.Settings().GetValue(ctx, KeyWatchFolderEnabled, "false")
	if err != nil {
		return FolderSettings{}, err
	}
	intervalStr, err := m.db.Settings().GetValue(ctx, KeyWatchFolderPollInterval, "")
	if err != nil {
		return FolderSettings{}, err
	}

	interval := defaultInterval
	if intervalStr != "" {
		if secs, convErr := time.ParseDuration(intervalStr + "s"); convErr == nil && secs > 0 {
			interval = secs
		}
	}

	return FolderSettings{
		Path:         path,
		Enabled:      enabledStr == "true",
		PollInterval: interval,
	}, nil
}

// LicenseKey resolves the active license key with precedence: explicit
// override (constructor arg) > DOVOS_LICENSE_KEY env var > Settings row.
// This lets an operator override a stored key at process start without a
// database write, while still persisting the common case.
func (m *Monitor) LicenseKey(ctx context.Context, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if env := os.Getenv("DOVOS_LICENSE_KEY"); env != "" {
		return env, nil
	}
	return m.db.Settings().GetValue(ctx, KeyLicenseKey, "")
}
