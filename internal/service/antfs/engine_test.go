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
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/alex-hhh/PiFitSync/internal/service/ant"
	"github.com/alex-hhh/PiFitSync/internal/service/ant/message"
)

const testHostSerial = 42

type fakeChannel struct {
	frames      [][]byte
	configs     []ant.ChannelConfig
	closeCalled bool
}

func (c *fakeChannel) Number() byte { return 0 }

func (c *fakeChannel) WriteFrame(frame []byte) error {
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

func (c *fakeChannel) Configure(cfg ant.ChannelConfig) error {
	c.configs = append(c.configs, cfg)
	return nil
}

func (c *fakeChannel) RequestClose() error {
	c.closeCalled = true
	return nil
}

// command returns the ANT-FS command bytes of frame i, concatenating
// the payloads of a burst sequence starting there.
func (c *fakeChannel) command(i int) []byte {
	var cmd []byte
	for ; i < len(c.frames); i++ {
		frame := c.frames[i]
		cmd = append(cmd, frame[4:len(frame)-1]...)
		if frame[2] == message.AcknowledgeData ||
			frame[3]&0xE0 >= 0x80 || frame[3]&0x04 != 0 {
			break
		}
	}
	return cmd
}

type fakeStore struct {
	keys      map[uint32][]byte
	syncTimes map[uint32]time.Time
	files     map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		keys:      make(map[uint32][]byte),
		syncTimes: make(map[uint32]time.Time),
		files:     make(map[string][]byte),
	}
}

func (s *fakeStore) PutKey(serial uint32, key []byte) error {
	s.keys[serial] = append([]byte(nil), key...)
	return nil
}

func (s *fakeStore) GetKey(serial uint32) []byte { return s.keys[serial] }

func (s *fakeStore) RemoveKey(serial uint32) error {
	delete(s.keys, serial)
	return nil
}

func (s *fakeStore) MarkSuccessfulSync(serial uint32) { s.syncTimes[serial] = time.Now() }

func (s *fakeStore) LastSuccessfulSync(serial uint32) time.Time { return s.syncTimes[serial] }

func (s *fakeStore) DevicePath(serial uint32) (string, error) {
	return fmt.Sprintf("dev/%d", serial), nil
}

func (s *fakeStore) FilePath(serial uint32, subType byte) (string, error) {
	return fmt.Sprintf("dev/%d/%d", serial, subType), nil
}

func (s *fakeStore) WriteAtomically(path string, data []byte) error {
	s.files[path] = append([]byte(nil), data...)
	return nil
}

func (s *fakeStore) Exists(path string) bool {
	_, ok := s.files[path]
	return ok
}

func newTestEngine(t *testing.T) (*Engine, *fakeChannel, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	channel := &fakeChannel{}
	engine := NewEngine(store, nil, testHostSerial, log.New(io.Discard, "", 0))
	engine.Attach(channel)
	return engine, channel, store
}

func beacon(state byte, device, manufacturer uint16) []byte {
	b := make([]byte, 8)
	b[0] = message.BeaconID
	b[1] = message.BeaconDataAvailableFlag | message.BeaconPairingEnabledFlag
	b[2] = state
	binary.LittleEndian.PutUint16(b[4:6], device)
	binary.LittleEndian.PutUint16(b[6:8], manufacturer)
	return b
}

func broadcastBeacon(e *Engine, state byte, device, manufacturer uint16) {
	e.HandleMessage(message.MakeData(message.BroadcastData, 0,
		beacon(state, device, manufacturer)))
}

// deliverBurst splits payload into burst frames the way a device would,
// with the sequence number in the top bits of the channel byte and the
// end marker on the last packet.
func deliverBurst(e *Engine, payload []byte) {
	seq := byte(0)
	for off := 0; off < len(payload); off += 8 {
		n := seq
		if off+8 >= len(payload) {
			n |= 0x04
		}
		e.HandleMessage(message.MakeData(message.BurstTransferData,
			n<<5, payload[off:off+8]))
		seq++
		if seq > 3 {
			seq = 1
		}
	}
}

func authResponse(respType byte, body []byte) []byte {
	cmd := []byte{message.AntfsHeader, message.AuthenticateResponse,
		respType, byte(len(body)), 0, 0, 0, 0}
	cmd = append(cmd, body...)
	for len(cmd)%8 != 0 {
		cmd = append(cmd, 0)
	}
	return cmd
}

func downloadResponse(result byte, data []byte, offset, total uint32, seed uint16) []byte {
	cmd := make([]byte, 16)
	cmd[0] = message.AntfsHeader
	cmd[1] = message.DownloadResponse
	cmd[2] = result
	binary.LittleEndian.PutUint32(cmd[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint32(cmd[8:12], offset)
	binary.LittleEndian.PutUint32(cmd[12:16], total)
	cmd = append(cmd, data...)
	for len(cmd)%8 != 0 {
		cmd = append(cmd, 0)
	}
	footer := make([]byte, 8)
	binary.LittleEndian.PutUint16(footer[6:], seed)
	return append(cmd, footer...)
}

func deviceSerialBody(serial uint32, name string) []byte {
	body := binary.LittleEndian.AppendUint32(nil, serial)
	return append(body, append([]byte(name), 0)...)
}

func TestLinkHandshake(t *testing.T) {
	engine, channel, _ := newTestEngine(t)

	broadcastBeacon(engine, message.BeaconStateLink, 55, 1)
	if engine.State() != StateLinkReqSent {
		t.Fatalf("state %d, want StateLinkReqSent", engine.State())
	}
	if len(channel.frames) != 1 {
		t.Fatalf("%d frames written, want 1", len(channel.frames))
	}
	cmd := channel.command(0)
	want := message.LinkResponse(19, 4, testHostSerial)
	if !bytes.Equal(cmd, want) {
		t.Errorf("link command % X, want % X", cmd, want)
	}

	// The acknowledged transfer reply moves the channel to the
	// transport frequency.
	engine.HandleMessage(message.Make(message.ResponseChannel, 0,
		message.AcknowledgeData, 0))
	if len(channel.configs) != 1 {
		t.Fatalf("%d reconfigurations, want 1", len(channel.configs))
	}
	if cfg := channel.configs[0]; cfg.RfFreq != 19 || cfg.SearchTimeout != 4 {
		t.Errorf("transport config %+v", cfg)
	}
}

func TestBlacklistedDeviceIsSkipped(t *testing.T) {
	engine, channel, _ := newTestEngine(t)

	broadcastBeacon(engine, message.BeaconStateLink, 1381, 1)
	if !channel.closeCalled {
		t.Error("channel not closed for blacklisted device")
	}
	if len(channel.frames) != 0 {
		t.Errorf("%d frames written to blacklisted device, want 0", len(channel.frames))
	}
}

func TestSecondDeviceIsIgnored(t *testing.T) {
	engine, channel, _ := newTestEngine(t)

	broadcastBeacon(engine, message.BeaconStateLink, 55, 1)
	written := len(channel.frames)

	// Another device starts beaconing mid-session; no link request must
	// go out to it.
	broadcastBeacon(engine, message.BeaconStateLink, 99, 1)
	if len(channel.frames) != written {
		t.Errorf("frames written to a second device")
	}
	if dev := engine.Device(); dev.DeviceID != 55 {
		t.Errorf("device id %d, want 55", dev.DeviceID)
	}
}

func TestAuthSerialThenPairing(t *testing.T) {
	engine, channel, store := newTestEngine(t)
	broadcastBeacon(engine, message.BeaconStateLink, 55, 1)

	// First auth beacon asks for the device serial, and only once.
	broadcastBeacon(engine, message.BeaconStateAuth, 55, 1)
	broadcastBeacon(engine, message.BeaconStateAuth, 55, 1)
	if engine.State() != StateSerialReqSent {
		t.Fatalf("state %d, want StateSerialReqSent", engine.State())
	}
	if len(channel.frames) != 2 {
		t.Fatalf("%d frames written, want 2", len(channel.frames))
	}
	cmd := channel.command(1)
	if cmd[1] != message.Authenticate || cmd[2] != message.AuthReqSerial {
		t.Errorf("auth command % X", cmd[:4])
	}

	// The device identifies itself in a burst: beacon plus response.
	payload := append(beacon(message.BeaconStateAuth, 55, 1),
		authResponse(message.AuthRespNotAvailable,
			deviceSerialBody(0xDEADBEEF, "WATCH"))...)
	deliverBurst(engine, payload)

	dev := engine.Device()
	if dev.Serial != 0xDEADBEEF || dev.Name != "WATCH" {
		t.Fatalf("device %+v", dev)
	}

	// No stored key: the next auth beacon requests pairing with the
	// friendly host name.
	broadcastBeacon(engine, message.BeaconStateAuth, 55, 1)
	if engine.State() != StatePairReqSent {
		t.Fatalf("state %d, want StatePairReqSent", engine.State())
	}
	pairing := channel.command(2)
	if pairing[2] != message.AuthReqPairing {
		t.Errorf("auth request type %d, want pairing", pairing[2])
	}
	if !bytes.Contains(pairing, []byte("Antfs-Sync")) {
		t.Errorf("pairing command % X does not carry the host name", pairing)
	}

	// Acceptance delivers the passkey; it must be stored.
	key := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	payload = append(beacon(message.BeaconStateAuth, 55, 1),
		authResponse(message.AuthRespAccept, key)...)
	deliverBurst(engine, payload)
	if !bytes.Equal(store.GetKey(0xDEADBEEF), key) {
		t.Errorf("stored key % X, want % X", store.GetKey(0xDEADBEEF), key)
	}
}

func TestAuthWithStoredKey(t *testing.T) {
	engine, channel, store := newTestEngine(t)
	key := []byte{9, 9, 9, 9, 8, 8, 8, 8}
	store.PutKey(0xDEADBEEF, key)

	broadcastBeacon(engine, message.BeaconStateLink, 55, 1)
	payload := append(beacon(message.BeaconStateAuth, 55, 1),
		authResponse(message.AuthRespNotAvailable,
			deviceSerialBody(0xDEADBEEF, "WATCH"))...)
	deliverBurst(engine, payload)

	broadcastBeacon(engine, message.BeaconStateAuth, 55, 1)
	if engine.State() != StateKeySent {
		t.Fatalf("state %d, want StateKeySent", engine.State())
	}
	cmd := channel.command(len(channel.frames) - 2)
	if cmd[2] != message.AuthReqPasskeyExchange {
		t.Errorf("auth request type %d, want passkey exchange", cmd[2])
	}
	if !bytes.Contains(cmd, key) {
		t.Errorf("passkey command % X does not carry the key", cmd)
	}
}

func TestRejectedKeyIsDropped(t *testing.T) {
	engine, channel, store := newTestEngine(t)
	store.PutKey(0xDEADBEEF, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	broadcastBeacon(engine, message.BeaconStateLink, 55, 1)
	payload := append(beacon(message.BeaconStateAuth, 55, 1),
		authResponse(message.AuthRespNotAvailable,
			deviceSerialBody(0xDEADBEEF, "WATCH"))...)
	deliverBurst(engine, payload)
	broadcastBeacon(engine, message.BeaconStateAuth, 55, 1)

	payload = append(beacon(message.BeaconStateAuth, 55, 1),
		authResponse(message.AuthRespReject, nil)...)
	deliverBurst(engine, payload)
	if engine.State() != StateAuthRejected {
		t.Fatalf("state %d, want StateAuthRejected", engine.State())
	}
	if store.GetKey(0xDEADBEEF) != nil {
		t.Error("rejected key not removed")
	}

	// The next auth beacon gives up on the device.
	broadcastBeacon(engine, message.BeaconStateAuth, 55, 1)
	if !channel.closeCalled {
		t.Error("channel not closed after authentication rejection")
	}
}

func TestRecentlySyncedDeviceIsSkipped(t *testing.T) {
	engine, channel, store := newTestEngine(t)
	store.syncTimes[0xDEADBEEF] = time.Now().Add(-29 * time.Minute)

	broadcastBeacon(engine, message.BeaconStateLink, 55, 1)
	payload := append(beacon(message.BeaconStateAuth, 55, 1),
		authResponse(message.AuthRespNotAvailable,
			deviceSerialBody(0xDEADBEEF, "WATCH"))...)
	deliverBurst(engine, payload)

	if !channel.closeCalled {
		t.Fatal("channel not closed for a recently synced device")
	}

	// No new exchange may start while the close is pending.
	written := len(channel.frames)
	broadcastBeacon(engine, message.BeaconStateAuth, 55, 1)
	if len(channel.frames) != written {
		t.Error("frames written after close was requested")
	}
}

func TestSerialMismatchAborts(t *testing.T) {
	engine, channel, _ := newTestEngine(t)
	engine.deviceSerial = 111
	engine.state = StateSerialReqSent

	payload := append(beacon(message.BeaconStateAuth, 55, 1),
		authResponse(message.AuthRespNotAvailable,
			deviceSerialBody(222, "OTHER"))...)
	deliverBurst(engine, payload)

	if engine.Err() == nil {
		t.Fatal("no error recorded for a serial mismatch")
	}
	if !channel.closeCalled {
		t.Error("channel not closed after a serial mismatch")
	}
}

func TestTransportStartsDirectoryDownload(t *testing.T) {
	engine, channel, _ := newTestEngine(t)
	engine.deviceSerial = 0xDEADBEEF
	engine.serialKnown = true

	broadcastBeacon(engine, message.BeaconStateTran, 55, 1)
	if engine.State() != StateDownloading {
		t.Fatalf("state %d, want StateDownloading", engine.State())
	}
	cmd := channel.command(0)
	if cmd[1] != message.DownloadRequest {
		t.Fatalf("command 0x%02X, want DOWNLOAD_REQUEST", cmd[1])
	}
	if idx := binary.LittleEndian.Uint16(cmd[2:4]); idx != 0 {
		t.Errorf("file index %d, want 0 (directory)", idx)
	}
	if off := binary.LittleEndian.Uint32(cmd[4:8]); off != 0 {
		t.Errorf("offset %d, want 0", off)
	}
}

func TestDownloadOffsetMismatchRetries(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	engine.deviceSerial = 0xDEADBEEF
	engine.serialKnown = true
	engine.seenTransport = true
	engine.state = StateDownloading
	engine.fileIndex = 3

	// A chunk for the wrong offset must be rejected without consuming
	// it, and the request replayed.
	stale := downloadResponse(message.DownloadOK,
		bytes.Repeat([]byte{0xAA}, 8), 256, 512, 0x1234)
	payload := append(beacon(message.BeaconStateTran, 55, 1), stale...)
	deliverBurst(engine, payload)

	if engine.offset != 0 || len(engine.fileData) != 0 {
		t.Fatalf("stale chunk consumed: offset %d, %d bytes",
			engine.offset, len(engine.fileData))
	}
	if !engine.retry {
		t.Fatal("retry not scheduled after an offset mismatch")
	}

	// The chunk for the right offset advances the download.
	data := bytes.Repeat([]byte{0xBB}, 8)
	good := downloadResponse(message.DownloadOK, data, 0, 512, 0xBEEF)
	payload = append(beacon(message.BeaconStateTran, 55, 1), good...)
	deliverBurst(engine, payload)

	if engine.offset != 8 || !bytes.Equal(engine.fileData, data) {
		t.Errorf("offset %d, data % X", engine.offset, engine.fileData)
	}
	if engine.crcSeed != 0xBEEF {
		t.Errorf("crc seed 0x%04X, want 0xBEEF", engine.crcSeed)
	}
	if !engine.requestChunk {
		t.Error("next chunk not requested")
	}
}

func dirEntryBytes(index uint16, fileType, subType byte, number uint16,
	flags byte, size, timestamp uint32) []byte {
	b := make([]byte, directoryEntrySize)
	binary.LittleEndian.PutUint16(b[0:2], index)
	b[2] = fileType
	b[3] = subType
	binary.LittleEndian.PutUint16(b[4:6], number)
	b[7] = flags
	binary.LittleEndian.PutUint32(b[8:12], size)
	binary.LittleEndian.PutUint32(b[12:16], timestamp)
	return b
}

func TestDirectoryBuildsBacklog(t *testing.T) {
	engine, channel, store := newTestEngine(t)
	engine.deviceSerial = 0xDEADBEEF
	engine.deviceName = "WATCH"
	engine.serialKnown = true
	engine.seenTransport = true
	engine.state = StateDownloading
	engine.fileIndex = fileIndexDirectory

	existing := dirEntryBytes(1, message.FileTypeFit, message.SubTypeActivity,
		1, message.FlagRead, 100, 1000)
	missing := dirEntryBytes(2, message.FileTypeFit, message.SubTypeActivity,
		2, message.FlagRead, 200, 2000)
	locked := dirEntryBytes(3, message.FileTypeFit, message.SubTypeActivity,
		3, 0, 300, 3000)
	foreign := dirEntryBytes(4, 0x01, message.SubTypeActivity,
		4, message.FlagRead, 400, 4000)

	// Pre-seed the store with the first entry so it is skipped.
	dir, _ := store.FilePath(0xDEADBEEF, message.SubTypeActivity)
	store.files[filepath.Join(dir, parseDirectoryEntry(existing).Name())] = nil

	directory := make([]byte, directoryEntrySize) // preamble
	for _, entry := range [][]byte{existing, missing, locked, foreign} {
		directory = append(directory, entry...)
	}

	resp := downloadResponse(message.DownloadOK, directory,
		0, uint32(len(directory)), 0)
	payload := append(beacon(message.BeaconStateTran, 55, 1), resp...)
	deliverBurst(engine, payload)

	// Only the missing readable FIT file goes on the backlog, and its
	// download is requested on the next beacon.
	if engine.fileIndex != 2 {
		t.Errorf("file index %d, want 2", engine.fileIndex)
	}
	if len(engine.backlog) != 0 {
		t.Errorf("%d entries left on the backlog, want 0", len(engine.backlog))
	}
	broadcastBeacon(engine, message.BeaconStateTran, 55, 1)
	cmd := channel.command(len(channel.frames) - 2)
	if cmd[1] != message.DownloadRequest ||
		binary.LittleEndian.Uint16(cmd[2:4]) != 2 {
		t.Errorf("download command % X", cmd)
	}

	// The human readable listing covers every entry.
	list, ok := store.files["dev/3735928559/file_list.txt"]
	if !ok {
		t.Fatal("file_list.txt not written")
	}
	if !bytes.Contains(list, []byte("4 files")) {
		t.Errorf("file list %q does not count 4 files", list)
	}
}

func TestFileDownloadAndSyncFinish(t *testing.T) {
	engine, channel, store := newTestEngine(t)
	engine.deviceSerial = 0xDEADBEEF
	engine.deviceName = "WATCH"
	engine.serialKnown = true
	engine.seenTransport = true
	engine.state = StateDownloading
	engine.startedAt = time.Now()

	entry := parseDirectoryEntry(dirEntryBytes(5, message.FileTypeFit,
		message.SubTypeActivity, 7, message.FlagRead, 16, 5000))
	engine.current = entry
	engine.fileIndex = int(entry.Index)

	content := bytes.Repeat([]byte{0xC3}, 16)
	resp := downloadResponse(message.DownloadOK, content,
		0, uint32(len(content)), 0)
	payload := append(beacon(message.BeaconStateTran, 55, 1), resp...)
	deliverBurst(engine, payload)

	dir, _ := store.FilePath(0xDEADBEEF, message.SubTypeActivity)
	saved, ok := store.files[filepath.Join(dir, entry.Name())]
	if !ok {
		t.Fatal("downloaded file not stored")
	}
	if !bytes.Equal(saved, content) {
		t.Errorf("stored % X, want % X", saved, content)
	}

	// The backlog is empty: the sync is recorded and the device told to
	// disconnect on the next beacon.
	if store.LastSuccessfulSync(0xDEADBEEF).IsZero() {
		t.Error("successful sync not recorded")
	}
	broadcastBeacon(engine, message.BeaconStateTran, 55, 1)
	if engine.State() != StateSyncFinished {
		t.Fatalf("state %d, want StateSyncFinished", engine.State())
	}
	cmd := channel.command(len(channel.frames) - 1)
	if cmd[1] != message.Disconnect {
		t.Errorf("command 0x%02X, want DISCONNECT", cmd[1])
	}

	// The device dropping off the air ends the session.
	engine.HandleMessage(message.Make(message.ResponseChannel, 0,
		0x01, message.EventRxFailGoToSearch))
	if !channel.closeCalled {
		t.Error("channel not closed after the device disconnected")
	}
	engine.ChannelClosed()
	if !engine.Closed() {
		t.Error("engine not closed")
	}
}

func TestBurstReassemblyEndMarkerSpellings(t *testing.T) {
	// Fragments carry the sequence in the top bits of the channel byte;
	// the end marker appears either shifted with the sequence or as the
	// raw 0x04 bit.  Channel bytes 0x00, 0x20, 0x44 must reassemble.
	engine, _, _ := newTestEngine(t)
	engine.state = StateSerialReqSent

	payload := append(beacon(message.BeaconStateAuth, 55, 1),
		authResponse(message.AuthRespNotAvailable,
			deviceSerialBody(0xCAFE, "AB"))...)
	if len(payload) != 24 {
		t.Fatalf("payload length %d, want 24", len(payload))
	}
	for i, ch := range []byte{0x00, 0x20, 0x44} {
		engine.HandleMessage(message.MakeData(message.BurstTransferData,
			ch, payload[i*8:(i+1)*8]))
	}

	if engine.Device().Serial != 0xCAFE {
		t.Errorf("serial %d, want 0xCAFE", engine.Device().Serial)
	}
	if engine.Device().Name != "AB" {
		t.Errorf("name %q, want AB", engine.Device().Name)
	}
}

func TestFailedTransferIsReplayed(t *testing.T) {
	engine, channel, _ := newTestEngine(t)
	broadcastBeacon(engine, message.BeaconStateLink, 55, 1)
	sent := channel.frames[len(channel.frames)-1]

	engine.HandleMessage(message.Make(message.ResponseChannel, 0,
		0x01, message.EventTransferTxFailed))
	// The replay happens on the next broadcast slot.
	broadcastBeacon(engine, message.BeaconStateLink, 55, 1)

	replayed := channel.frames[len(channel.frames)-1]
	if !bytes.Equal(replayed, sent) {
		t.Errorf("replayed % X, want % X", replayed, sent)
	}
}

func TestLongCommandGoesOutAsBurst(t *testing.T) {
	engine, channel, _ := newTestEngine(t)
	engine.send(message.AuthRequest(message.AuthReqPairing, testHostSerial,
		[]byte(pairingName)))

	if len(channel.frames) != 3 {
		t.Fatalf("%d frames written, want 3", len(channel.frames))
	}
	for i, frame := range channel.frames {
		if frame[2] != message.BurstTransferData {
			t.Errorf("frame %d is 0x%02X, not burst", i, frame[2])
		}
		seq := frame[3] >> 5
		last := i == len(channel.frames)-1
		if last && seq&0x04 == 0 {
			t.Error("last burst frame has no end marker")
		}
		if !last && seq&0x04 != 0 {
			t.Errorf("frame %d carries the end marker early", i)
		}
	}
}
