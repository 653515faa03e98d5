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

// Package journal keeps the activity catalog: which files were synced
// from which device and when.  It is a convenience layer, syncing
// never depends on it; callers run with a nil journal when the
// database cannot be opened.
package journal

import (
	"path/filepath"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/alex-hhh/PiFitSync/internal/domain"
)

// Service encapsulates all database operations on the sync journal.
type Service struct {
	db *gorm.DB
}

// Open creates or opens the journal database under the storage root
// and runs migrations.
func Open(root string) (*Service, error) {
	dbPath := filepath.Join(root, "journal.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "open journal database")
	}

	// AutoMigrate creates or updates the tables from the domain
	// models.
	err = db.AutoMigrate(&domain.SyncSession{}, &domain.ActivityFile{})
	if err != nil {
		return nil, errors.Wrap(err, "journal migration")
	}
	return &Service{db: db}, nil
}

// RecordFile stores one downloaded or imported file.  A file already
// journaled at the same path for the same device is left untouched.
func (s *Service) RecordFile(f domain.ActivityFile) error {
	var existing domain.ActivityFile
	result := s.db.Where("device_serial = ? AND path = ?",
		f.DeviceSerial, f.Path).First(&existing)
	if result.Error == nil {
		return nil
	}
	if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return result.Error
	}
	return s.db.Create(&f).Error
}

// RecordSession stores one completed device sync.
func (s *Service) RecordSession(sess domain.SyncSession) error {
	return s.db.Create(&sess).Error
}

// RecentSessions returns the most recent sync sessions, newest first.
func (s *Service) RecentSessions(limit int) ([]domain.SyncSession, error) {
	var sessions []domain.SyncSession
	result := s.db.Order("finished_at desc").Limit(limit).Find(&sessions)
	return sessions, result.Error
}

// FileCount returns the number of journaled files for a device, or
// across all devices when serial is zero.
func (s *Service) FileCount(serial uint32) (int64, error) {
	var count int64
	q := s.db.Model(&domain.ActivityFile{})
	if serial != 0 {
		q = q.Where("device_serial = ?", serial)
	}
	result := q.Count(&count)
	return count, result.Error
}

// TotalBytes returns the byte total of all journaled files.
func (s *Service) TotalBytes() int64 {
	// A pointer handles the NULL that SQL aggregation returns on an
	// empty table.
	var total *int64
	result := s.db.Model(&domain.ActivityFile{}).Select("sum(size)").Scan(&total)
	if result.Error != nil || total == nil {
		return 0
	}
	return *total
}

// Close releases the underlying database connection.
func (s *Service) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
