// Package device assigns and persists the stable device identifier every
// outbox operation is stamped with (C2).
package device

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/prabhask5/goal-planner/internal/telemetry"
)

var log = telemetry.Component("device")

const fileName = "deviceid.json"

type identity struct {
	DeviceID string `json:"device_id"`
}

// Identity owns the on-disk device id file, which lives beside (not
// inside) the main store so a store copy/restore never silently
// duplicates a device id.
type Identity struct {
	dir      string
	deviceID string
	watcher  *fsnotify.Watcher
}

// Load reads the device id from dir, generating and persisting one on
// first use. The id is read-only for the lifetime of the process once
// loaded.
func Load(dir string) (*Identity, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("device: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, fileName)

	id, err := readFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("device: read %s: %w", path, err)
		}
		id = uuid.NewString()
		if err := writeFile(path, id); err != nil {
			return nil, fmt.Errorf("device: write %s: %w", path, err)
		}
		log.Info().Str("device_id", id).Msg("generated new device identity")
	}

	return &Identity{dir: dir, deviceID: id}, nil
}

// ID returns the stable device identifier.
func (i *Identity) ID() string { return i.deviceID }

// Watch starts a background fsnotify watcher that logs a warning if the
// identity file disappears out from under a running process. It
// deliberately does not regenerate the id while the process is alive.
func (i *Identity) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("device: new watcher: %w", err)
	}
	if err := w.Add(i.dir); err != nil {
		w.Close()
		return fmt.Errorf("device: watch %s: %w", i.dir, err)
	}
	i.watcher = w

	path := filepath.Join(i.dir, fileName)
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name == path && (ev.Op&fsnotify.Remove != 0 || ev.Op&fsnotify.Rename != 0) {
					log.Warn().Str("device_id", i.deviceID).Msg("device identity file removed while running; continuing with in-memory id")
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("device identity watcher error")
			}
		}
	}()
	return nil
}

// Close stops the watcher, if running.
func (i *Identity) Close() error {
	if i.watcher != nil {
		return i.watcher.Close()
	}
	return nil
}

func readFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var id identity
	if err := json.Unmarshal(b, &id); err != nil {
		return "", fmt.Errorf("decode %s: %w", path, err)
	}
	return id.DeviceID, nil
}

func writeFile(path, id string) error {
	b, err := json.MarshalIndent(identity{DeviceID: id}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
