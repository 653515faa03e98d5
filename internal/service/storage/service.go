// PiFitSync - ANT-FS synchronization agent for Garmin fitness devices.
// Copyright (C) 2026  Alex Harsányi
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package storage manages the local FitSync tree: one directory per
// device serial, sub directories per FIT file kind, atomic writes and
// the per device authentication keys.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/alex-hhh/PiFitSync/internal/service/ant/message"
)

const (
	// readChunkSize and maxFileSize bound ReadFile.  FIT activity
	// files are small; anything past the cap is a corrupt read.
	readChunkSize = 10 * 1024
	maxFileSize   = 2 * 1024 * 1024
)

// Service is the local storage tree rooted at a single directory,
// $HOME/FitSync by default.  It also keeps the volatile last
// successful sync time per device.
type Service struct {
	root      string
	syncTimes map[uint32]time.Time
}

// DefaultRoot returns the standard storage location under the user's
// home directory.
func DefaultRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "home directory")
	}
	return filepath.Join(home, "FitSync"), nil
}

// NewService creates (if needed) and opens the storage tree at root.
// An empty root selects DefaultRoot.
func NewService(root string) (*Service, error) {
	if root == "" {
		var err error
		root, err = DefaultRoot()
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage root")
	}
	return &Service{root: root, syncTimes: make(map[uint32]time.Time)}, nil
}

// Root returns the storage root directory.
func (s *Service) Root() string { return s.root }

// DevicePath returns the directory for a device serial, creating it on
// first use.
func (s *Service) DevicePath(serial uint32) (string, error) {
	p := filepath.Join(s.root, fmt.Sprintf("%d", serial))
	if err := os.MkdirAll(p, 0o755); err != nil {
		return "", errors.Wrap(err, "create device directory")
	}
	return p, nil
}

// FilePath returns the directory where files of the given sub type are
// stored for a device, creating it on first use.
func (s *Service) FilePath(serial uint32, subType byte) (string, error) {
	dev, err := s.DevicePath(serial)
	if err != nil {
		return "", err
	}
	p := filepath.Join(dev, SubTypeDirectory(subType))
	if err := os.MkdirAll(p, 0o755); err != nil {
		return "", errors.Wrap(err, "create file directory")
	}
	return p, nil
}

// SubTypeDirectory maps a FIT file sub type to its directory name in
// the device tree.
func SubTypeDirectory(subType byte) string {
	switch subType {
	case message.SubTypeDevice:
		return "."
	case message.SubTypeSetting:
		return "Settings"
	case message.SubTypeSport, message.SubTypeMultisport:
		return "Sports"
	case message.SubTypeActivity, message.SubTypeActivitySummary:
		return "Activities"
	case message.SubTypeWorkout:
		return "Workouts"
	case message.SubTypeCourse:
		return "Courses"
	case message.SubTypeSchedules:
		return "Schedules"
	case message.SubTypeWeight:
		return "Weight"
	case message.SubTypeTotals:
		return "Totals"
	case message.SubTypeGoals:
		return "Goals"
	case message.SubTypeBloodPressure:
		return "Blood Pressure"
	case message.SubTypeMonitoringA, message.SubTypeMonitoringDaily,
		message.SubTypeMonitoringB:
		return "Monitoring"
	default:
		return "Unknown"
	}
}

// WriteAtomically writes data to path via a temporary file and a
// rename, so a crash mid-write never leaves a truncated file at path.
func (s *Service) WriteAtomically(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write temporary file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "rename temporary file")
	}
	return nil
}

// Exists reports whether path names an existing file.
func (s *Service) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ReadFile reads a FIT file in chunks, rejecting anything larger than
// the 2 MB cap.
func (s *Service) ReadFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}
	defer f.Close()

	var data []byte
	chunk := make([]byte, readChunkSize)
	for {
		n, err := f.Read(chunk)
		data = append(data, chunk[:n]...)
		if len(data) > maxFileSize {
			return nil, errors.Errorf("%s: larger than %d bytes", path, maxFileSize)
		}
		if err == io.EOF {
			return data, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "read")
		}
	}
}

// ScanDir walks root breadth first and invokes handler for every
// regular file with a .fit extension, case insensitive.
func (s *Service) ScanDir(root string, handler func(path string) error) error {
	pending := []string{root}
	for len(pending) > 0 {
		dir := pending[0]
		pending = pending[1:]

		entries, err := os.ReadDir(dir)
		if err != nil {
			return errors.Wrap(err, "scan directory")
		}
		for _, e := range entries {
			path := filepath.Join(dir, e.Name())
			switch {
			case e.IsDir():
				pending = append(pending, path)
			case e.Type().IsRegular() &&
				strings.EqualFold(filepath.Ext(e.Name()), ".fit"):
				if err := handler(path); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// MarkSuccessfulSync records that a device finished a full sync now.
// The record is volatile, it exists to stop a device that stays in
// range from being synced over and over.
func (s *Service) MarkSuccessfulSync(serial uint32) {
	s.syncTimes[serial] = time.Now()
}

// LastSuccessfulSync returns when the device last completed a sync, or
// the zero time if it never did in this process.
func (s *Service) LastSuccessfulSync(serial uint32) time.Time {
	return s.syncTimes[serial]
}
