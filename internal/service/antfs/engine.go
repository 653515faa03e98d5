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

// Package antfs implements the host side of the ANT-FS file share
// protocol: the beacon driven state machine that links to a device,
// authenticates against it, downloads its file directory and fetches
// every activity file not already stored locally.
package antfs

import (
	"encoding/binary"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/alex-hhh/PiFitSync/internal/domain"
	"github.com/alex-hhh/PiFitSync/internal/service/ant"
	"github.com/alex-hhh/PiFitSync/internal/service/ant/message"
)

// NetworkKey is the ANT-FS managed network key, programmed on network
// zero before the channel is opened.
var NetworkKey = [8]byte{0xA8, 0xA4, 0x23, 0xB9, 0xF5, 0x5E, 0x63, 0xC1}

// SearchConfig is the channel configuration used while searching for
// devices beaconing in link state.
var SearchConfig = ant.ChannelConfig{Period: 4096, SearchTimeout: 0xFF, RfFreq: 50}

// transportConfig is applied once the link request went through; the
// device moves to the ANT-FS transport frequency at the same time.
var transportConfig = ant.ChannelConfig{Period: 4096, SearchTimeout: 4, RfFreq: 19}

const (
	// Link command parameters matching transportConfig: frequency 19,
	// channel period code 4 (8 Hz).
	transportFreq       = 19
	transportPeriodCode = 4

	// pairingName is the friendly host name shown on the device's
	// pairing screen.
	pairingName = "Antfs-Sync\x00"

	// recentSyncWindow suppresses re-syncing a device that stays in
	// range after a completed sync.
	recentSyncWindow = 30 * time.Minute
)

// ErrSerialMismatch is returned when an authentication reply claims a
// different device serial than the one observed earlier in the
// session.
var ErrSerialMismatch = errors.New("device serial changed mid-session")

// deviceBlacklist lists (manufacturer, device) pairs that advertise
// ANT-FS but cannot be synced; linking to them would only waste air
// time.
var deviceBlacklist = [][2]int{{1, 1381}, {1, 2161}}

func blacklisted(manufacturer, device int) bool {
	for _, b := range deviceBlacklist {
		if b[0] == manufacturer && b[1] == device {
			return true
		}
	}
	return false
}

// State of the ANT-FS session, driven by the beacons the device
// broadcasts.
type State int

const (
	StateEmpty State = iota
	StateLinkReqSent
	StateSerialReqSent
	StatePairReqSent
	StateKeySent
	StateAuthRejected
	StateDownloading
	StateSyncFinished
	StateClosed
)

// Special values of the current file index.
const (
	fileIndexDirectory     = 0
	fileIndexDisconnect    = -2
	fileIndexDisconnecting = -3
)

// Link is the channel capability the engine drives.  *ant.Channel
// satisfies it; tests substitute a recording fake.
type Link interface {
	Number() byte
	WriteFrame(frame []byte) error
	Configure(cfg ant.ChannelConfig) error
	RequestClose() error
}

// Store combines the persistence the engine needs: auth keys, the
// volatile sync clock and the local file tree.
type Store interface {
	domain.KeyStore
	domain.SyncClock
	domain.FileStore
}

// Engine runs one ANT-FS session over one channel.  It is the
// channel's message handler: beacons drive the state machine, burst
// transfers deliver directory and file contents.
type Engine struct {
	channel Link
	store   Store
	journal domain.Journal
	logger  *log.Logger

	hostSerial uint32

	state        State
	deviceID     int
	manufacturer int
	deviceSerial uint32
	deviceName   string
	serialKnown  bool

	retry       bool
	lastCommand []byte
	burst       []byte

	backlog      []DirectoryEntry
	current      DirectoryEntry
	fileIndex    int
	offset       uint32
	crcSeed      uint16
	fileData     []byte
	requestChunk bool

	seenTransport   bool
	startedAt       time.Time
	filesDownloaded int
	bytesDownloaded int

	err     error
	closing bool
	closed  bool
}

// NewEngine builds an engine for one sync session.  The channel is
// attached separately because the engine must exist before the channel
// that routes messages to it.  The journal may be nil.
func NewEngine(store Store, journal domain.Journal, hostSerial uint32, logger *log.Logger) *Engine {
	return &Engine{
		store:      store,
		journal:    journal,
		hostSerial: hostSerial,
		logger:     logger,
		state:      StateEmpty,
	}
}

// Attach wires the engine to the channel it runs on.
func (e *Engine) Attach(channel Link) { e.channel = channel }

// Closed reports whether the session's channel has closed; the engine
// is finished, successfully or not.
func (e *Engine) Closed() bool { return e.closed }

// Err returns the error that aborted the session, if any.
func (e *Engine) Err() error { return e.err }

// State returns the current session state.
func (e *Engine) State() State { return e.state }

// Device describes the device this session talked to.
func (e *Engine) Device() domain.DeviceInfo {
	return domain.DeviceInfo{
		Serial:       e.deviceSerial,
		Name:         e.deviceName,
		DeviceID:     e.deviceID,
		Manufacturer: e.manufacturer,
	}
}

// HandleMessage classifies one inbound frame.  Part of ant.Handler.
func (e *Engine) HandleMessage(frame []byte) {
	if len(frame) < 5 {
		return
	}
	switch frame[2] {
	case message.BroadcastData:
		if e.retry && len(e.lastCommand) > 0 {
			e.retry = false
			e.send(e.lastCommand)
			return
		}
		payload := frame[4 : len(frame)-1]
		if len(payload) >= 8 && payload[0] == message.BeaconID {
			e.handleBeacon(payload)
		}
	case message.ResponseChannel:
		e.handleResponse(frame)
	case message.BurstTransferData:
		e.handleBurst(frame)
	}
}

// ChannelClosed marks the session finished.  Part of ant.Handler.
func (e *Engine) ChannelClosed() {
	if e.filesDownloaded > 0 {
		e.logger.Printf("device %d (%s): downloaded %d files, %d bytes in %s",
			e.deviceSerial, e.deviceName, e.filesDownloaded, e.bytesDownloaded,
			time.Since(e.startedAt).Round(time.Second))
	}
	e.state = StateClosed
	e.closed = true
}

func (e *Engine) handleResponse(frame []byte) {
	if len(frame) < 6 {
		return
	}
	if frame[4] == 0x01 {
		switch frame[5] {
		case message.EventTransferTxCompleted:
			e.retry = false
		case message.EventTransferTxFailed, message.EventTransferRxFailed,
			message.EventRxFail:
			e.retry = true
		case message.EventRxFailGoToSearch:
			// The device dropped off the air: after a disconnect this
			// is the expected end of the session, otherwise the device
			// went out of range mid-sync.  Either way forget it and
			// free the channel for a new search.
			e.deviceID = 0
			e.manufacturer = 0
			e.deviceSerial = 0
			e.deviceName = ""
			e.serialKnown = false
			e.requestClose()
		}
		return
	}
	// Reply to an outgoing acknowledged or burst write.  Once the link
	// request got through, the device retunes to the transport
	// frequency; follow it there.
	if frame[4] == message.AcknowledgeData || frame[4] == message.BurstTransferData {
		if e.state == StateLinkReqSent {
			if err := e.channel.Configure(transportConfig); err != nil {
				e.fail(err)
			}
		}
	}
}

// handleBurst reassembles a burst sequence.  The sequence number lives
// in the top three bits of the channel byte; the 0x04 end marker shows
// up either there or on the raw channel byte depending on the sender,
// so both spellings are accepted.
func (e *Engine) handleBurst(frame []byte) {
	seq := frame[3] >> 5
	if seq == 0 {
		e.burst = e.burst[:0]
	}
	e.burst = append(e.burst, frame[4:len(frame)-1]...)
	if seq&0x04 != 0 || frame[3]&0x04 != 0 {
		if len(e.burst) >= 8 && e.burst[0] == message.BeaconID {
			e.handleBeacon(e.burst)
		}
	}
}

func (e *Engine) handleBeacon(payload []byte) {
	if e.closing {
		// A close is underway; do not start new exchanges with the
		// device.
		return
	}
	switch payload[2] & message.BeaconStateMask {
	case message.BeaconStateLink:
		e.onLinkBeacon(payload)
	case message.BeaconStateAuth:
		e.onAuthBeacon()
	case message.BeaconStateTran:
		e.onTransportBeacon()
	case message.BeaconStateBusy:
		// Device is busy, keep waiting.
	}
	// A beacon may carry an ANT-FS command response in the same burst.
	if len(payload) > 8 && payload[8] == message.AntfsHeader {
		e.handleCommand(payload[8:])
	}
}

func (e *Engine) onLinkBeacon(payload []byte) {
	device := int(binary.LittleEndian.Uint16(payload[4:6]))
	manufacturer := int(binary.LittleEndian.Uint16(payload[6:8]))

	if e.deviceID == 0 && e.manufacturer == 0 {
		e.deviceID = device
		e.manufacturer = manufacturer
		e.logger.Printf("found device %d, manufacturer %d", device, manufacturer)
	} else if device != e.deviceID || manufacturer != e.manufacturer {
		// A second device beaconing on the channel mid-session; stay
		// with the one we started with.
		return
	}

	if blacklisted(manufacturer, device) {
		e.logger.Printf("device %d, manufacturer %d is blacklisted, skipping",
			device, manufacturer)
		e.requestClose()
		return
	}
	e.send(message.LinkResponse(transportFreq, transportPeriodCode, e.hostSerial))
	e.state = StateLinkReqSent
}

func (e *Engine) onAuthBeacon() {
	switch {
	case e.state == StateAuthRejected:
		e.requestClose()
	case !e.serialKnown:
		if e.state != StateSerialReqSent {
			e.send(message.AuthRequest(message.AuthReqSerial, e.hostSerial, nil))
			e.state = StateSerialReqSent
		}
	default:
		key := e.store.GetKey(e.deviceSerial)
		if len(key) == 0 {
			if e.state != StatePairReqSent {
				e.logger.Printf("device %d: no stored key, requesting pairing",
					e.deviceSerial)
				e.send(message.AuthRequest(message.AuthReqPairing, e.hostSerial,
					[]byte(pairingName)))
				e.state = StatePairReqSent
			}
		} else if e.state != StateKeySent {
			e.send(message.AuthRequest(message.AuthReqPasskeyExchange,
				e.hostSerial, key))
			e.state = StateKeySent
		}
	}
}

func (e *Engine) onTransportBeacon() {
	if !e.seenTransport {
		e.seenTransport = true
		e.startedAt = time.Now()
		e.state = StateDownloading
		e.startDownload(fileIndexDirectory)
	}
	if e.fileIndex == fileIndexDisconnect {
		e.send(message.DisconnectRequest(1, 0, 0))
		e.fileIndex = fileIndexDisconnecting
		e.state = StateSyncFinished
		return
	}
	if e.requestChunk {
		e.requestChunk = false
		e.send(message.DownloadRequestCommand(uint16(e.fileIndex), e.offset,
			true, e.crcSeed, 0))
	}
}

func (e *Engine) startDownload(index int) {
	e.fileIndex = index
	e.offset = 0
	e.crcSeed = 0
	e.fileData = nil
	e.requestChunk = true
}

func (e *Engine) handleCommand(cmd []byte) {
	switch cmd[1] {
	case message.AuthenticateResponse:
		e.onAuthResponse(cmd)
	case message.DownloadResponse:
		e.onDownloadResponse(cmd)
	}
}

func (e *Engine) onAuthResponse(cmd []byte) {
	if len(cmd) < 8 {
		return
	}
	respType := cmd[2]
	dataLen := int(cmd[3])
	body := cmd[8:]
	if dataLen < len(body) {
		body = body[:dataLen]
	}

	switch respType {
	case message.AuthRespNotAvailable:
		if e.state != StateSerialReqSent || len(body) < 4 {
			return
		}
		serial := binary.LittleEndian.Uint32(body[:4])
		if serial != 0 && e.deviceSerial != 0 && serial != e.deviceSerial {
			e.fail(ErrSerialMismatch)
			return
		}
		e.deviceSerial = serial
		e.deviceName = cString(body[4:])
		e.serialKnown = true
		e.logger.Printf("device serial %d, name %q", e.deviceSerial, e.deviceName)
		last := e.store.LastSuccessfulSync(e.deviceSerial)
		if !last.IsZero() && time.Since(last) < recentSyncWindow {
			e.logger.Printf("device %d synced %s ago, skipping",
				e.deviceSerial, time.Since(last).Round(time.Minute))
			e.requestClose()
		}
	case message.AuthRespAccept:
		if e.state == StatePairReqSent {
			if err := e.store.PutKey(e.deviceSerial, body); err != nil {
				e.logger.Printf("device %d: cannot store key: %v",
					e.deviceSerial, err)
			}
		}
	case message.AuthRespReject:
		if e.state == StatePairReqSent || e.state == StateKeySent {
			if e.state == StateKeySent {
				// The stored key no longer works; drop it so the next
				// session pairs again.
				_ = e.store.RemoveKey(e.deviceSerial)
			}
			e.logger.Printf("device %d rejected authentication", e.deviceSerial)
			e.state = StateAuthRejected
		}
	}
}

func (e *Engine) onDownloadResponse(cmd []byte) {
	if len(cmd) < 16 {
		return
	}
	result := cmd[2]
	chunkLen := binary.LittleEndian.Uint32(cmd[4:8])
	chunkOffset := binary.LittleEndian.Uint32(cmd[8:12])
	total := binary.LittleEndian.Uint32(cmd[12:16])

	if chunkOffset != e.offset {
		// A stale or reordered chunk; re-request from our offset on
		// the next beacon.
		e.retry = true
		return
	}

	ok := result == message.DownloadOK
	done := !ok
	if ok {
		if 16+int(chunkLen) > len(cmd)-2 {
			e.logger.Printf("download response short by %d bytes",
				16+int(chunkLen)-(len(cmd)-2))
			done = true
			ok = false
		} else {
			e.fileData = append(e.fileData, cmd[16:16+chunkLen]...)
			e.offset += chunkLen
			e.crcSeed = binary.LittleEndian.Uint16(cmd[len(cmd)-2:])
			if e.offset >= total {
				done = true
			} else {
				e.requestChunk = true
			}
		}
	} else {
		e.logger.Printf("download of file %d failed, result %d", e.fileIndex, result)
	}

	if done {
		e.finishDownload(ok)
	}
}

func (e *Engine) finishDownload(ok bool) {
	if ok {
		if e.fileIndex == fileIndexDirectory {
			e.processDirectory()
		} else {
			e.writeCurrentFile()
		}
	}
	e.scheduleNext()
}

// processDirectory turns the downloaded directory file into the
// download backlog, skipping anything already stored locally, and
// refreshes the human readable file_list.txt dump.
func (e *Engine) processDirectory() {
	entries := ParseDirectory(e.fileData)
	e.writeFileList(entries)

	for _, entry := range entries {
		if entry.FileType != message.FileTypeFit || !entry.Readable() {
			continue
		}
		dir, err := e.store.FilePath(e.deviceSerial, entry.SubType)
		if err != nil {
			e.logger.Printf("device %d: %v", e.deviceSerial, err)
			continue
		}
		if e.store.Exists(filepath.Join(dir, entry.Name())) {
			continue
		}
		e.backlog = append(e.backlog, entry)
	}
	e.logger.Printf("device %d: %d files in directory, %d to download",
		e.deviceSerial, len(entries), len(e.backlog))
}

func (e *Engine) writeFileList(entries []DirectoryEntry) {
	dev, err := e.store.DevicePath(e.deviceSerial)
	if err != nil {
		e.logger.Printf("device %d: %v", e.deviceSerial, err)
		return
	}
	var total uint32
	text := fmt.Sprintf("Device %d (%s)\n\n", e.deviceSerial, e.deviceName)
	for _, entry := range entries {
		text += entry.String() + "\n"
		total += entry.Size
	}
	text += fmt.Sprintf("\n%d files, %d bytes\n", len(entries), total)
	if err := e.store.WriteAtomically(filepath.Join(dev, "file_list.txt"),
		[]byte(text)); err != nil {
		e.logger.Printf("device %d: cannot write file list: %v", e.deviceSerial, err)
	}
}

func (e *Engine) writeCurrentFile() {
	dir, err := e.store.FilePath(e.deviceSerial, e.current.SubType)
	if err != nil {
		e.logger.Printf("device %d: %v", e.deviceSerial, err)
		return
	}
	path := filepath.Join(dir, e.current.Name())
	if err := e.store.WriteAtomically(path, e.fileData); err != nil {
		e.logger.Printf("device %d: cannot write %s: %v", e.deviceSerial, path, err)
		return
	}
	e.filesDownloaded++
	e.bytesDownloaded += len(e.fileData)
	e.logger.Printf("device %d: downloaded %s, %d bytes",
		e.deviceSerial, e.current.Name(), len(e.fileData))

	if e.journal != nil {
		err := e.journal.RecordFile(domain.ActivityFile{
			DeviceSerial: e.deviceSerial,
			FileIndex:    int(e.current.Index),
			SubType:      int(e.current.SubType),
			FileNumber:   int(e.current.Number),
			Timestamp:    e.current.Time(),
			Size:         len(e.fileData),
			Path:         path,
		})
		if err != nil {
			e.logger.Printf("journal: %v", err)
		}
	}
}

// scheduleNext moves to the next backlog entry, or wraps up the sync
// when there is none left.
func (e *Engine) scheduleNext() {
	if len(e.backlog) == 0 {
		e.store.MarkSuccessfulSync(e.deviceSerial)
		if e.journal != nil {
			err := e.journal.RecordSession(domain.SyncSession{
				DeviceSerial:    e.deviceSerial,
				DeviceName:      e.deviceName,
				StartedAt:       e.startedAt,
				FinishedAt:      time.Now(),
				FilesDownloaded: e.filesDownloaded,
				BytesDownloaded: e.bytesDownloaded,
			})
			if err != nil {
				e.logger.Printf("journal: %v", err)
			}
		}
		e.fileIndex = fileIndexDisconnect
		return
	}
	e.current = e.backlog[0]
	e.backlog = e.backlog[1:]
	e.startDownload(int(e.current.Index))
}

// send transmits one logical ANT-FS command, as a single acknowledged
// packet when it fits in eight bytes, as a burst sequence otherwise.
// A copy is kept so a failed transfer can be replayed.
func (e *Engine) send(data []byte) {
	if len(data) == 0 || len(data)%8 != 0 {
		e.fail(errors.Errorf("command length %d is not a multiple of 8", len(data)))
		return
	}
	e.lastCommand = append([]byte(nil), data...)

	channel := e.channel.Number()
	if len(data) == 8 {
		if err := e.channel.WriteFrame(
			message.MakeData(message.AcknowledgeData, channel, data)); err != nil {
			e.fail(err)
		}
		return
	}

	// Burst sequence numbers run 0, 1, 2, 3, 1, 2, 3, ... in the top
	// three bits of the channel byte; bit 2 marks the final packet.
	seq := byte(0)
	for off := 0; off < len(data); off += 8 {
		n := seq
		if off+8 >= len(data) {
			n |= 0x04
		}
		frame := message.MakeData(message.BurstTransferData,
			channel|n<<5, data[off:off+8])
		if err := e.channel.WriteFrame(frame); err != nil {
			e.fail(err)
			return
		}
		seq++
		if seq > 3 {
			seq = 1
		}
	}
}

// fail aborts the session: record the error and close the channel.
// The outer driver loop starts a fresh session afterwards.
func (e *Engine) fail(err error) {
	if e.err == nil {
		e.err = err
	}
	e.logger.Printf("session aborted: %v", err)
	e.requestClose()
}

func (e *Engine) requestClose() {
	e.closing = true
	if err := e.channel.RequestClose(); err != nil {
		e.logger.Printf("close request failed: %v", err)
	}
}

// cString cuts a NUL terminated string out of b.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
