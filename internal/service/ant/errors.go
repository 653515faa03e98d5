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

package ant

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrRadioNotFound is returned when no ANT USB radio is plugged in.
	ErrRadioNotFound = errors.New("USB ANT radio not found")

	// ErrBadChecksum is returned when a received frame fails the XOR
	// checksum verification.
	ErrBadChecksum = errors.New("bad frame checksum")

	// ErrBadFrame is returned when a received frame is too short or
	// otherwise malformed.
	ErrBadFrame = errors.New("malformed frame")

	// ErrWriteTimeout is returned when a bulk write does not complete
	// within its deadline.
	ErrWriteTimeout = errors.New("bulk write timed out")
)

// ChannelControlError reports a control request that the radio answered
// with a non-zero status or mismatched echo fields.
type ChannelControlError struct {
	Channel byte
	Cmd     byte
	Status  byte
}

func (e ChannelControlError) Error() string {
	return fmt.Sprintf("channel %d: control command 0x%02X failed with status %d",
		e.Channel, e.Cmd, e.Status)
}
