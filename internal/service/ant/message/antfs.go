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

package message

import "encoding/binary"

// LinkResponse builds the ANT-FS LINK command sent in reply to a link
// beacon.  It instructs the client to move to the given radio frequency
// and channel period and to address this host serial from now on.
func LinkResponse(frequency, period byte, hostSerial uint32) []byte {
	b := make([]byte, 0, 8)
	b = append(b, AntfsHeader, Link, frequency, period)
	b = binary.LittleEndian.AppendUint32(b, hostSerial)
	return b
}

// AuthRequest builds an ANT-FS AUTHENTICATE command.  The body is the
// request specific data: empty for a serial request, the friendly host
// name for pairing, the stored key for a passkey exchange.
func AuthRequest(reqType byte, hostSerial uint32, body []byte) []byte {
	b := make([]byte, 0, 8+len(body))
	b = append(b, AntfsHeader, Authenticate, reqType, byte(len(body)))
	b = binary.LittleEndian.AppendUint32(b, hostSerial)
	b = append(b, body...)
	return padTo8(b)
}

// DisconnectRequest builds an ANT-FS DISCONNECT command.
func DisconnectRequest(reqType, duration, appDuration byte) []byte {
	b := []byte{AntfsHeader, Disconnect, reqType, duration, appDuration}
	return padTo8(b)
}

// DownloadRequestCommand builds an ANT-FS DOWNLOAD_REQUEST command for a
// chunk of the given file starting at offset.  The crcSeed must be the
// seed returned with the previous chunk, or zero on the initial request.
// A maxBlock of zero lets the client pick the block size.
func DownloadRequestCommand(fileIndex uint16, offset uint32, initial bool, crcSeed uint16, maxBlock uint32) []byte {
	b := make([]byte, 0, 16)
	b = append(b, AntfsHeader, DownloadRequest)
	b = binary.LittleEndian.AppendUint16(b, fileIndex)
	b = binary.LittleEndian.AppendUint32(b, offset)
	b = append(b, 0) // padding
	if initial {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	b = binary.LittleEndian.AppendUint16(b, crcSeed)
	b = binary.LittleEndian.AppendUint32(b, maxBlock)
	return padTo8(b)
}
