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

// Package fit reads FIT activity files: the chunked envelope with its
// CRC-16, the self-describing record stream and the two message types
// this application cares about, FileId and FileCreator.
//
// A FIT file carries its own schema.  Definition records bind a local
// message id (0 to 15) to a global message number and a field list;
// data records then reference the local id.  Fields are decoded with
// the endianness declared by their definition, never the host's.
package fit

import "encoding/binary"

// Global message numbers decoded semantically.  Everything else is
// skipped field by field, tracking only the timestamp.
const (
	GlobalFileId      = 0
	GlobalFileCreator = 49
)

// TimestampField is the field number FIT reserves for the message
// timestamp in every message type.
const TimestampField = 253

// FileId identifies a FIT file: what kind of file it is and which
// device produced it.  TimeCreated is in Unix seconds, already shifted
// from the FIT epoch.
type FileId struct {
	Type         Enum
	Manufacturer Uint16
	Product      Uint16
	SerialNumber Uint32z
	TimeCreated  Uint32
	Number       Uint16
}

// FileCreator names the software and hardware revisions that wrote the
// file.
type FileCreator struct {
	SoftwareVersion Uint16
	HardwareVersion Uint8
}

// Verdict is returned by visitor callbacks; Stop ends decoding cleanly
// after the current message.
type Verdict int

const (
	Continue Verdict = iota
	Stop
)

// Visitor receives decoded messages.  MessageDone fires for every data
// record, semantically decoded or not, with the raw FIT timestamp in
// effect for that record (zero if none was seen yet).
type Visitor interface {
	FileId(id FileId) Verdict
	FileCreator(fc FileCreator) Verdict
	MessageDone(global uint16, timestamp uint32) Verdict
}

type fieldDef struct {
	num      byte
	size     byte
	baseType BaseType
}

type definition struct {
	arch      byte // 0 little endian, 1 big endian
	global    uint16
	fields    []fieldDef
	devFields []fieldDef
}

// dataSize is the wire size of one data record body for this
// definition.
func (d *definition) dataSize() int {
	n := 0
	for _, f := range d.fields {
		n += int(f.size)
	}
	for _, f := range d.devFields {
		n += int(f.size)
	}
	return n
}

type decoder struct {
	defs          [16]*definition
	lastTimestamp uint32
	visitor       Visitor
	stopped       bool
}

// Decode parses one FIT file, possibly made of several concatenated
// chunks, and feeds its messages to the visitor.  Each chunk is an
// independent message stream with its own definition table.
func Decode(data []byte, v Visitor) error {
	for len(data) > 0 {
		d := &decoder{visitor: v}
		rest, err := d.decodeChunk(data)
		if err != nil {
			return err
		}
		if d.stopped {
			return nil
		}
		data = rest
	}
	return nil
}

// decodeChunk validates one envelope and parses its record stream,
// returning the bytes that follow it.
func (d *decoder) decodeChunk(data []byte) ([]byte, error) {
	if len(data) < 1 {
		return nil, FileError{ShortData}
	}
	hlen := int(data[0])
	if hlen != 12 && hlen != 14 {
		return nil, FileError{BadHeaderLen}
	}
	if len(data) < hlen {
		return nil, FileError{ShortData}
	}
	if hlen == 14 && (data[12] != 0 || data[13] != 0) {
		// Running the CRC over the header including its stored CRC
		// must come out zero.
		if Checksum(data[:14]) != 0 {
			return nil, FileError{BadHeaderCRC}
		}
	}
	if string(data[8:12]) != ".FIT" {
		return nil, FileError{BadSignature}
	}
	payload := int(binary.LittleEndian.Uint32(data[4:8]))
	total := hlen + payload + 2
	if len(data) < total {
		return nil, FileError{ShortData}
	}
	if data[total-2] != 0 || data[total-1] != 0 {
		if Checksum(data[:total]) != 0 {
			return nil, FileError{BadCRC}
		}
	}
	if err := d.decodeRecords(data[hlen : hlen+payload]); err != nil {
		return nil, err
	}
	return data[total:], nil
}

func (d *decoder) decodeRecords(data []byte) error {
	for len(data) > 0 && !d.stopped {
		header := data[0]
		data = data[1:]

		var err error
		switch {
		case header&0x40 != 0:
			data, err = d.decodeDefinition(header, data)
		case header&0x80 != 0:
			// Compressed timestamp header: local id in bits 5-6,
			// 5 bit offset from the last full timestamp.
			local := (header >> 5) & 0x03
			offset := uint32(header & 0x1F)
			data, err = d.decodeData(local, d.lastTimestamp+offset, data)
		default:
			data, err = d.decodeData(header&0x0F, 0, data)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *decoder) decodeDefinition(header byte, data []byte) ([]byte, error) {
	if len(data) < 5 {
		return nil, FileError{ShortData}
	}
	def := &definition{arch: data[1]}
	if def.arch == 1 {
		def.global = binary.BigEndian.Uint16(data[2:4])
	} else {
		def.global = binary.LittleEndian.Uint16(data[2:4])
	}
	count := int(data[4])
	data = data[5:]

	var err error
	def.fields, data, err = readFieldDefs(count, data, true)
	if err != nil {
		return nil, err
	}

	if header&0x20 != 0 {
		if len(data) < 1 {
			return nil, FileError{ShortData}
		}
		count = int(data[0])
		// Developer field sizes are honoured but the values are never
		// interpreted, so unknown developer types are acceptable.
		def.devFields, data, err = readFieldDefs(count, data[1:], false)
		if err != nil {
			return nil, err
		}
	}

	d.defs[header&0x0F] = def
	return data, nil
}

func readFieldDefs(count int, data []byte, checkType bool) ([]fieldDef, []byte, error) {
	if len(data) < 3*count {
		return nil, nil, FileError{ShortData}
	}
	fields := make([]fieldDef, 0, count)
	for i := 0; i < count; i++ {
		f := fieldDef{
			num:      data[3*i],
			size:     data[3*i+1],
			baseType: BaseType(data[3*i+2]),
		}
		if checkType && !f.baseType.Valid() {
			return nil, nil, FileError{BadTypeId}
		}
		fields = append(fields, f)
	}
	return fields, data[3*count:], nil
}

// decodeData reads one data record using the stored definition.  A
// non-zero compressed timestamp overrides field 253 for this record.
func (d *decoder) decodeData(local byte, compressed uint32, data []byte) ([]byte, error) {
	def := d.defs[local]
	if def == nil {
		return nil, FileError{BadLocalMessageId}
	}
	if len(data) < def.dataSize() {
		return nil, FileError{ShortData}
	}

	var order binary.ByteOrder = binary.LittleEndian
	if def.arch == 1 {
		order = binary.BigEndian
	}

	var fileId FileId
	var creator FileCreator
	timestamp := compressed

	for _, f := range def.fields {
		raw := data[:f.size]
		data = data[f.size:]

		// Only scalar fields participate in the decoded messages;
		// array fields (size a multiple of the base width) are stepped
		// over element by element and ignored.
		if int(f.size) != f.baseType.Size() {
			continue
		}
		value := readScalar(order, f.baseType, raw)

		if f.num == TimestampField {
			d.lastTimestamp = uint32(value)
			timestamp = uint32(value)
			continue
		}
		switch def.global {
		case GlobalFileId:
			fileId.set(f.num, value)
		case GlobalFileCreator:
			creator.set(f.num, value)
		}
	}
	for _, f := range def.devFields {
		data = data[f.size:]
	}

	verdict := Continue
	switch def.global {
	case GlobalFileId:
		verdict = d.visitor.FileId(fileId)
	case GlobalFileCreator:
		verdict = d.visitor.FileCreator(creator)
	}
	if verdict == Continue {
		verdict = d.visitor.MessageDone(def.global, timestamp)
	}
	if verdict == Stop {
		d.stopped = true
	}
	return data, nil
}

func readScalar(order binary.ByteOrder, t BaseType, raw []byte) uint64 {
	switch t.Size() {
	case 1:
		return uint64(raw[0])
	case 2:
		return uint64(order.Uint16(raw))
	case 4:
		return uint64(order.Uint32(raw))
	case 8:
		return order.Uint64(raw)
	}
	return 0
}

func (id *FileId) set(field byte, value uint64) {
	switch field {
	case 0:
		id.Type = Enum(value)
	case 1:
		id.Manufacturer = Uint16(value)
	case 2:
		id.Product = Uint16(value)
	case 3:
		id.SerialNumber = Uint32z(value)
	case 4:
		if Uint32(value).IsNA() {
			id.TimeCreated = Uint32(value)
		} else {
			id.TimeCreated = Uint32(value) + EpochOffset
		}
	case 5:
		id.Number = Uint16(value)
	}
}

func (fc *FileCreator) set(field byte, value uint64) {
	switch field {
	case 0:
		fc.SoftwareVersion = Uint16(value)
	case 1:
		fc.HardwareVersion = Uint8(value)
	}
}
