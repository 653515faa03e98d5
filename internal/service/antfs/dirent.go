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

package antfs

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/alex-hhh/PiFitSync/internal/service/ant/message"
	"github.com/alex-hhh/PiFitSync/internal/service/fit"
)

// DirectoryEntry is one 16 byte record from the ANT-FS directory file
// (file index 0).  All multi-byte fields are little endian on the
// wire.  The timestamp counts seconds from the FIT epoch.
type DirectoryEntry struct {
	Index     uint16
	FileType  byte
	SubType   byte
	Number    uint16
	DataFlags byte
	Flags     byte
	Size      uint32
	Timestamp uint32
}

const directoryEntrySize = 16

func parseDirectoryEntry(data []byte) DirectoryEntry {
	return DirectoryEntry{
		Index:     binary.LittleEndian.Uint16(data[0:2]),
		FileType:  data[2],
		SubType:   data[3],
		Number:    binary.LittleEndian.Uint16(data[4:6]),
		DataFlags: data[6],
		Flags:     data[7],
		Size:      binary.LittleEndian.Uint32(data[8:12]),
		Timestamp: binary.LittleEndian.Uint32(data[12:16]),
	}
}

// ParseDirectory decodes a downloaded directory file.  The 16 byte
// preamble carries version information and is skipped; anything that
// is not a whole number of entries is silently dropped, devices pad
// the file to their block size.
func ParseDirectory(data []byte) []DirectoryEntry {
	if len(data) <= directoryEntrySize {
		return nil
	}
	data = data[directoryEntrySize:]
	entries := make([]DirectoryEntry, 0, len(data)/directoryEntrySize)
	for len(data) >= directoryEntrySize {
		entries = append(entries, parseDirectoryEntry(data[:directoryEntrySize]))
		data = data[directoryEntrySize:]
	}
	return entries
}

// Readable reports whether the device allows downloading this file.
func (e DirectoryEntry) Readable() bool {
	return e.Flags&message.FlagRead != 0
}

// Time returns the entry timestamp as local time.
func (e DirectoryEntry) Time() time.Time {
	return time.Unix(int64(e.Timestamp)+fit.EpochOffset, 0)
}

// Name returns the canonical file name for this entry.  It is derived
// from the timestamp, sub type and file number alone, so the same file
// always maps to the same name and re-downloads can be skipped.
func (e DirectoryEntry) Name() string {
	return fmt.Sprintf("%s_%d_%d.FIT",
		e.Time().Format("2006-01-02_15-04-05"), e.SubType, e.Number)
}

// String formats the entry for the file_list.txt dump.
func (e DirectoryEntry) String() string {
	return fmt.Sprintf("%4d  type 0x%02X/%-2d  number %-5d  flags 0x%02X  %8d bytes  %s",
		e.Index, e.FileType, e.SubType, e.Number, e.Flags, e.Size,
		e.Time().Format("2006-01-02 15:04:05"))
}
