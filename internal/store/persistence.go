package store

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"labgate/internal/model"
)

type persistedStateFile struct {
	Version  int             `json:"version"`
	Devices  []model.Device  `json:"devices"`
	Sessions []model.Session `json:"sessions"`
	SavedAt  int64           `json:"savedAt"`

	// seq orders snapshots taken under s.mu, so a write that lost the race
	// to the file lock cannot clobber a newer snapshot. Not serialized.
	seq uint64
}

func logLoadFailure(path string, err error) {
	log.Printf("store: state load failed (%s): %v", path, err)
}

func (s *Store) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var file persistedStateFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != 1 {
		return errors.New("unsupported state file version")
	}

	now := time.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dev := range file.Devices {
		if dev.ID == "" {
			continue
		}
		// Tunnels did not survive the restart; agents will reconnect and
		// the gateway will move devices back to connected.
		dev.HealthStatus = model.HealthDisconnected
		s.devicesByID[dev.ID] = dev
	}
	for _, sess := range file.Sessions {
		if sess.ID == "" {
			continue
		}
		if !sess.Terminal() {
			sess.Status = model.SessionFailed
			sess.EndTime = now
		}
		s.sessionsByID[sess.ID] = sess
	}
	return nil
}

// snapshotLocked builds the persistable view. Caller holds s.mu.
func (s *Store) snapshotLocked() *persistedStateFile {
	if s.stateFile == "" {
		return nil
	}

	s.seq++
	file := &persistedStateFile{Version: 1, SavedAt: time.Now().UnixMilli(), seq: s.seq}
	for _, dev := range s.devicesByID {
		file.Devices = append(file.Devices, dev)
	}
	for _, sess := range s.sessionsByID {
		file.Sessions = append(file.Sessions, sess)
	}
	sort.Slice(file.Devices, func(i, j int) bool { return file.Devices[i].ID < file.Devices[j].ID })
	sort.Slice(file.Sessions, func(i, j int) bool { return file.Sessions[i].ID < file.Sessions[j].ID })
	return file
}

func (s *Store) persistSnapshot(file *persistedStateFile) {
	if file == nil {
		return
	}
	path := s.stateFile

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if file.seq <= s.lastPersisted {
		// A newer snapshot already hit the disk.
		return
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.Printf("store: mkdir failed (%s): %v", dir, err)
		return
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		log.Printf("store: marshal failed: %v", err)
		return
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		log.Printf("store: create temp failed: %v", err)
		return
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		log.Printf("store: chmod temp failed: %v", err)
		return
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		log.Printf("store: write temp failed: %v", err)
		return
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		log.Printf("store: sync temp failed: %v", err)
		return
	}
	if err := tmp.Close(); err != nil {
		log.Printf("store: close temp failed: %v", err)
		return
	}
	if err := os.Rename(tmpName, path); err != nil {
		log.Printf("store: rename failed: %v", err)
		return
	}
	s.lastPersisted = file.seq
}
