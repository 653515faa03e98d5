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

// KeyStore persists the authentication key negotiated with each device
// during pairing.  A missing key is returned as an empty slice.
type KeyStore interface {
	PutKey(serial uint32, key []byte) error
	GetKey(serial uint32) []byte
	RemoveKey(serial uint32) error
}

// SyncClock tracks when each device was last synchronized successfully.
// The zero time means "never".  This state is volatile, it only needs to
// survive for the lifetime of the process.
type SyncClock interface {
	MarkSuccessfulSync(serial uint32)
	LastSuccessfulSync(serial uint32) time.Time
}

// FileStore is the local storage tree where downloaded files end up.
// Paths returned by DevicePath and FilePath exist by the time the call
// returns.
type FileStore interface {
	DevicePath(serial uint32) (string, error)
	FilePath(serial uint32, subType byte) (string, error)
	WriteAtomically(path string, data []byte) error
	Exists(path string) bool
}

// Journal is the optional activity catalog.  Implementations record
// downloaded files and completed sync sessions; callers must tolerate a
// nil journal.
type Journal interface {
	RecordFile(f ActivityFile) error
	RecordSession(s SyncSession) error
}
