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

// SyncByte starts every ANT frame on the serial link.
const SyncByte = 0xA4

// ANT message IDs.
const (
	Invalid = 0x00

	// Configuration messages
	UnassignChannel             = 0x41
	AssignChannel               = 0x42
	SetChannelID                = 0x51
	SetChannelPeriod            = 0x43
	SetChannelSearchTimeout     = 0x44
	SetChannelRfFreq            = 0x45
	SetNetworkKey               = 0x46
	SetTransmitPower            = 0x47
	SetSearchWaveform           = 0x49 // not in official docs
	AddChannelID                = 0x59
	ConfigList                  = 0x5A
	SetChannelTxPower           = 0x60
	LowPriorityChannelSearchTimeout = 0x63
	SerialNumberSetChannel      = 0x65
	EnableExtRxMesgs            = 0x66
	EnableLed                   = 0x68
	EnableCrystal               = 0x6D
	LibConfig                   = 0x6E
	FrequencyAgility            = 0x70
	ProximitySearch             = 0x71
	ChannelSearchPriority       = 0x75

	// Notifications
	StartupMessage     = 0x6F
	SerialErrorMessage = 0xAE

	// Control messages
	ResetSystem    = 0x4A
	OpenChannel    = 0x4B
	CloseChannel   = 0x4C
	OpenRxScanMode = 0x5B
	RequestMessage = 0x4D
	SleepMessage   = 0xC5

	// Data messages
	BroadcastData     = 0x4E
	AcknowledgeData   = 0x4F
	BurstTransferData = 0x50

	// Responses (from channel)
	ResponseChannel = 0x40

	// Responses (from RequestMessage, 0x4D)
	ResponseChannelStatus = 0x52
	ResponseChannelID     = 0x51
	ResponseVersion       = 0x3E
	ResponseCapabilities  = 0x54
	ResponseSerialNumber  = 0x61
)

// Channel assignment types.
const (
	BidirectionalReceive  = 0x00
	BidirectionalTransmit = 0x10

	SharedBidirectionalReceive  = 0x20
	SharedBidirectionalTransmit = 0x30

	UnidirectionalReceiveOnly  = 0x40
	UnidirectionalTransmitOnly = 0x50
)

// Channel events, delivered as ResponseChannel with message id 0x01.
const (
	EventRxSearchTimeout     = 1
	EventRxFail              = 2
	EventTx                  = 3
	EventTransferRxFailed    = 4
	EventTransferTxCompleted = 5
	EventTransferTxFailed    = 6
	EventChannelClosed       = 7
	EventRxFailGoToSearch    = 8
	EventChannelCollision    = 9
	EventTransferTxStart     = 10
)

// ANT-FS beacon layout.
const (
	BeaconID = 0x43

	BeaconDataAvailableFlag  = 0x20
	BeaconUploadEnabledFlag  = 0x10
	BeaconPairingEnabledFlag = 0x08

	BeaconChannelPeriodMask = 0x07
	BeaconStateMask         = 0x0F

	BeaconStateLink = 0x00
	BeaconStateAuth = 0x01
	BeaconStateTran = 0x02
	BeaconStateBusy = 0x03
)

// ANT-FS commands.  Responses have bit 7 set.
const (
	AntfsHeader = 0x44

	Link            = 0x02
	Disconnect      = 0x03
	Authenticate    = 0x04
	Ping            = 0x05
	DownloadRequest = 0x09
	UploadRequest   = 0x0A
	EraseRequest    = 0x0B
	UploadData      = 0x0C

	AuthenticateResponse = 0x84
	DownloadResponse     = 0x89
	UploadResponse       = 0x8A
	EraseResponse        = 0x8B
	UploadDataResponse   = 0x8C
)

// Authentication request types.
const (
	AuthReqPassThrough     = 0
	AuthReqSerial          = 1
	AuthReqPairing         = 2
	AuthReqPasskeyExchange = 3
)

// Authentication response types.
const (
	AuthRespNotAvailable = 0
	AuthRespAccept       = 1
	AuthRespReject       = 2
)

// Download response result codes.
const (
	DownloadOK             = 0
	DownloadNotFound       = 1
	DownloadNotReadable    = 2
	DownloadNotReady       = 3
	DownloadInvalidRequest = 4
	DownloadBadCRC         = 5
)

// FileTypeFit is the only file type exposed over ANT-FS by fitness devices.
const FileTypeFit = 0x80

// FIT file sub types, as they appear in directory entries.
const (
	SubTypeDevice          = 1
	SubTypeSetting         = 2
	SubTypeSport           = 3
	SubTypeActivity        = 4
	SubTypeWorkout         = 5
	SubTypeCourse          = 6
	SubTypeSchedules       = 7
	SubTypeWeight          = 9
	SubTypeTotals          = 10
	SubTypeGoals           = 11
	SubTypeBloodPressure   = 14
	SubTypeMonitoringA     = 15
	SubTypeActivitySummary = 20
	SubTypeMonitoringDaily = 28
	SubTypeMonitoringB     = 32
	SubTypeMultisport      = 33
)

// Directory entry flag bits.
const (
	FlagRead       = 0x80
	FlagWrite      = 0x40
	FlagErase      = 0x20
	FlagArchived   = 0x10
	FlagAppendOnly = 0x08
)
