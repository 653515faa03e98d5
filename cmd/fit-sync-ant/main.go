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

// fit-sync-ant waits for ANT-FS devices to come into range of the USB
// radio and downloads their new activity files into the local FitSync
// tree.
package main

import (
	"flag"
	"io"
	"log"
	"log/syslog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/alex-hhh/PiFitSync/internal/domain"
	"github.com/alex-hhh/PiFitSync/internal/pidlock"
	"github.com/alex-hhh/PiFitSync/internal/service/ant"
	"github.com/alex-hhh/PiFitSync/internal/service/antfs"
	"github.com/alex-hhh/PiFitSync/internal/service/journal"
	"github.com/alex-hhh/PiFitSync/internal/service/storage"
)

func main() {
	daemon := flag.Bool("d", false, "run as a daemon, logging to syslog")
	root := flag.String("root", "", "storage root (default $HOME/FitSync)")
	pidFile := flag.String("p", pidlock.DefaultPath("fit-sync-ant"), "pid file path")
	flag.Parse()

	logger := log.New(os.Stderr, "", log.LstdFlags)
	if err := run(logger, *daemon, *root, *pidFile); err != nil {
		logger.Printf("fatal: %v", err)
		os.Exit(1)
	}
}

func run(logger *log.Logger, daemon bool, root, pidFile string) error {
	lock, err := pidlock.Acquire(pidFile)
	if err != nil {
		return err
	}
	defer lock.Release()

	store, err := storage.NewService(root)
	if err != nil {
		return err
	}

	if daemon {
		w, err := daemonLog(store.Root())
		if err != nil {
			return err
		}
		logger.SetOutput(w)
		logger.SetFlags(log.LstdFlags)
	}

	// The journal is best effort: a broken database must not stop the
	// sync.
	var jnl domain.Journal
	if j, err := journal.Open(store.Root()); err != nil {
		logger.Printf("journal disabled: %v", err)
	} else {
		jnl = j
		defer j.Close()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	for {
		err := syncLoop(logger, store, jnl, stop)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ant.ErrRadioNotFound):
			return err
		default:
			// USB trouble mid-run; re-enumerate the radio and carry
			// on.
			logger.Printf("radio error: %v, reopening", err)
			if !sleepOrStop(5*time.Second, stop) {
				return nil
			}
		}
	}
}

// daemonLog returns a writer that feeds both syslog and the append
// mode log file under the storage root.
func daemonLog(root string) (io.Writer, error) {
	sys, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, "fit-sync-ant")
	if err != nil {
		return nil, errors.Wrap(err, "syslog")
	}
	f, err := os.OpenFile(filepath.Join(root, "fit-sync-ant.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "log file")
	}
	return io.MultiWriter(sys, f), nil
}

// syncLoop opens the radio and runs ANT-FS sessions on channel zero
// until the radio fails or a signal arrives.  Each session handles one
// device; when its channel closes, a new session starts searching.
func syncLoop(logger *log.Logger, store *storage.Service, jnl domain.Journal, stop chan os.Signal) error {
	radio, err := ant.Open(logger)
	if err != nil {
		return err
	}
	defer radio.Close()

	logger.Printf("radio serial %d, version %s, %d channels, %d networks",
		radio.SerialNumber(), radio.Version(), radio.MaxChannels(), radio.MaxNetworks())

	if err := radio.SetNetworkKey(antfs.NetworkKey); err != nil {
		return err
	}

	for {
		engine := antfs.NewEngine(store, jnl, radio.SerialNumber(), logger)
		channel, err := ant.NewChannel(radio, 0, 0, 0, antfs.SearchConfig, engine)
		if err != nil {
			return err
		}
		engine.Attach(channel)

		for !engine.Closed() {
			select {
			case <-stop:
				logger.Printf("shutting down")
				channel.Close()
				return nil
			default:
			}
			if err := radio.Tick(); err != nil {
				channel.Close()
				return err
			}
		}
		if err := engine.Err(); err != nil {
			logger.Printf("session ended: %v", err)
		}
	}
}

func sleepOrStop(d time.Duration, stop chan os.Signal) bool {
	select {
	case <-stop:
		return false
	case <-time.After(d):
		return true
	}
}
