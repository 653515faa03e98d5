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

package domain

import "time"

// DeviceInfo identifies an ANT-FS client once it has been discovered
// and authenticated.
type DeviceInfo struct {
	Serial       uint32 `json:"serial"`       // device serial number
	Name         string `json:"name"`         // friendly name reported by the device
	DeviceID     int    `json:"device_id"`    // ANT device id from the link beacon
	Manufacturer int    `json:"manufacturer"` // ANT manufacturer id from the link beacon
}

// ===============
// DATABASE MODELS
// ===============

// SyncSession records one completed synchronization with a device.
type SyncSession struct {
	ID              uint      `json:"id" gorm:"primaryKey"`
	DeviceSerial    uint32    `json:"device_serial"`
	DeviceName      string    `json:"device_name"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	FilesDownloaded int       `json:"files_downloaded"`
	BytesDownloaded int       `json:"bytes_downloaded"`
}

// ActivityFile records one FIT file stored in the local tree, either
// downloaded over the radio or filed from a USB card.
type ActivityFile struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	DeviceSerial uint32    `json:"device_serial" gorm:"index:idx_device_path,unique"`
	FileIndex    int       `json:"file_index"` // directory index, 0 for USB imports
	SubType      int       `json:"sub_type"`
	FileNumber   int       `json:"file_number"`
	Timestamp    time.Time `json:"timestamp"` // file creation time on the device
	Size         int       `json:"size"`
	Path         string    `json:"path" gorm:"index:idx_device_path,unique"`
	CreatedAt    time.Time `json:"created_at"`
}
