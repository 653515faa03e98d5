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

package fit

// EpochOffset converts FIT timestamps (seconds since 1989-12-31
// 00:00:00 UTC) to Unix seconds.
const EpochOffset = 631065600

// BaseType identifies the wire encoding of a FIT field, as it appears
// in a definition record.  Bit 7 marks multi-byte types.
type BaseType byte

const (
	BaseEnum    BaseType = 0x00
	BaseSint8   BaseType = 0x01
	BaseUint8   BaseType = 0x02
	BaseSint16  BaseType = 0x83
	BaseUint16  BaseType = 0x84
	BaseSint32  BaseType = 0x85
	BaseUint32  BaseType = 0x86
	BaseString  BaseType = 0x07
	BaseFloat32 BaseType = 0x88
	BaseFloat64 BaseType = 0x89
	BaseUint8z  BaseType = 0x0A
	BaseUint16z BaseType = 0x8B
	BaseUint32z BaseType = 0x8C
	BaseByte    BaseType = 0x0D
)

// baseTypeInfo carries width and the "value not available" sentinel of
// each base type.
type baseTypeInfo struct {
	size    int
	invalid uint64
}

var baseTypes = map[BaseType]baseTypeInfo{
	BaseEnum:    {1, 0xFF},
	BaseSint8:   {1, 0x7F},
	BaseUint8:   {1, 0xFF},
	BaseSint16:  {2, 0x7FFF},
	BaseUint16:  {2, 0xFFFF},
	BaseSint32:  {4, 0x7FFFFFFF},
	BaseUint32:  {4, 0xFFFFFFFF},
	BaseString:  {1, 0x00},
	BaseFloat32: {4, 0xFFFFFFFF},
	BaseFloat64: {8, 0xFFFFFFFFFFFFFFFF},
	BaseUint8z:  {1, 0x00},
	BaseUint16z: {2, 0x00},
	BaseUint32z: {4, 0x00},
	BaseByte:    {1, 0xFF},
}

// Size returns the width in bytes of one value of this base type.
func (t BaseType) Size() int { return baseTypes[t].size }

// Valid reports whether t is a known FIT base type.
func (t BaseType) Valid() bool {
	_, ok := baseTypes[t]
	return ok
}

// Invalid returns the sentinel encoding "no value" for this base type.
func (t BaseType) Invalid() uint64 { return baseTypes[t].invalid }

// Typed wrappers over the FIT scalar encodings.  IsNA reports whether
// the value is the type's "not available" sentinel.

type Enum byte

func (v Enum) IsNA() bool { return v == 0xFF }

type Sint8 int8

func (v Sint8) IsNA() bool { return v == 0x7F }

type Uint8 uint8

func (v Uint8) IsNA() bool { return v == 0xFF }

type Sint16 int16

func (v Sint16) IsNA() bool { return v == 0x7FFF }

type Uint16 uint16

func (v Uint16) IsNA() bool { return v == 0xFFFF }

type Sint32 int32

func (v Sint32) IsNA() bool { return v == 0x7FFFFFFF }

type Uint32 uint32

func (v Uint32) IsNA() bool { return v == 0xFFFFFFFF }

type Uint8z uint8

func (v Uint8z) IsNA() bool { return v == 0 }

type Uint16z uint16

func (v Uint16z) IsNA() bool { return v == 0 }

type Uint32z uint32

func (v Uint32z) IsNA() bool { return v == 0 }

type Byte byte

func (v Byte) IsNA() bool { return v == 0xFF }
