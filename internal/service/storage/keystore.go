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

package storage

import (
	"os"
	"path/filepath"
)

const keyFileName = "auth_key.dat"

// PutKey stores the authentication key negotiated with a device during
// pairing.  An empty key is not written.
func (s *Service) PutKey(serial uint32, key []byte) error {
	if len(key) == 0 {
		return nil
	}
	dev, err := s.DevicePath(serial)
	if err != nil {
		return err
	}
	return s.WriteAtomically(filepath.Join(dev, keyFileName), key)
}

// GetKey returns the stored key for a device, or an empty slice when
// there is none.  Read failures of any kind count as "no key"; the
// worst that happens is a re-pairing.
func (s *Service) GetKey(serial uint32) []byte {
	dev, err := s.DevicePath(serial)
	if err != nil {
		return nil
	}
	key, err := os.ReadFile(filepath.Join(dev, keyFileName))
	if err != nil {
		return nil
	}
	return key
}

// RemoveKey deletes the stored key for a device, if present.
func (s *Service) RemoveKey(serial uint32) error {
	dev, err := s.DevicePath(serial)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(dev, keyFileName))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
