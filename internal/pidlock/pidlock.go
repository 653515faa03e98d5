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

// Package pidlock prevents two instances of the same program from
// running at once, using a pid file created with O_EXCL.
package pidlock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// Lock is a held pid file.
type Lock struct {
	path string
}

// DefaultPath returns the standard pid file location for the named
// program.
func DefaultPath(name string) string {
	return filepath.Join("/run/fit-sync", name+".pid")
}

// Acquire takes the pid lock at path.  If the file exists and the
// process it names is still alive, the lock is refused; a stale file
// left behind by a dead process is removed and the lock retried.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "pid file directory")
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o444)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, errors.Wrap(err, "create pid file")
		}
		pid, err := readPid(path)
		if err == nil && processAlive(pid) {
			return nil, errors.Errorf("already running as pid %d", pid)
		}
		// Stale lock from a dead process, or garbage in the file.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "remove stale pid file")
		}
	}
	return nil, errors.New("cannot acquire pid lock")
}

// Release drops the lock.
func (l *Lock) Release() {
	_ = os.Remove(l.path)
}

func readPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// processAlive probes a pid with signal zero.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	// EPERM means the process exists but belongs to someone else.
	return err == nil || err == syscall.EPERM
}
