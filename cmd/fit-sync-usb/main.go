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

// fit-sync-usb scans a mounted USB mass storage device for FIT files
// and files them into the local FitSync tree, one directory per device
// serial, named by creation time.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/syslog"
	"os"
	"path/filepath"
	"time"

	"github.com/alex-hhh/PiFitSync/internal/domain"
	"github.com/alex-hhh/PiFitSync/internal/pidlock"
	"github.com/alex-hhh/PiFitSync/internal/service/ant/message"
	"github.com/alex-hhh/PiFitSync/internal/service/fit"
	"github.com/alex-hhh/PiFitSync/internal/service/journal"
	"github.com/alex-hhh/PiFitSync/internal/service/storage"
)

func main() {
	pidFile := flag.String("p", pidlock.DefaultPath("fit-sync-usb"), "pid file path")
	allTypes := flag.Bool("a", false, "copy all FIT file types, not just activities")
	daemon := flag.Bool("d", false, "log to syslog")
	root := flag.String("root", "", "storage root (default $HOME/FitSync)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [-p PIDFILE] [-a] [-d] DIR\n", os.Args[0])
		os.Exit(1)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	if *daemon {
		w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, "fit-sync-usb")
		if err != nil {
			logger.Printf("fatal: %v", err)
			os.Exit(1)
		}
		logger.SetOutput(w)
	}

	if err := run(logger, *pidFile, *root, flag.Arg(0), *allTypes); err != nil {
		logger.Printf("fatal: %v", err)
		os.Exit(1)
	}
}

func run(logger *log.Logger, pidFile, root, dir string, allTypes bool) error {
	lock, err := pidlock.Acquire(pidFile)
	if err != nil {
		return err
	}
	defer lock.Release()

	store, err := storage.NewService(root)
	if err != nil {
		return err
	}

	var jnl domain.Journal
	if j, err := journal.Open(store.Root()); err != nil {
		logger.Printf("journal disabled: %v", err)
	} else {
		jnl = j
		defer j.Close()
	}

	imp := &importer{
		logger:   logger,
		store:    store,
		journal:  jnl,
		allTypes: allTypes,
	}
	if err := store.ScanDir(dir, imp.importFile); err != nil {
		return err
	}
	logger.Printf("%d files imported, %d skipped", imp.imported, imp.skipped)
	return nil
}

type importer struct {
	logger   *log.Logger
	store    *storage.Service
	journal  domain.Journal
	allTypes bool

	imported int
	skipped  int
}

// fileIdVisitor stops decoding as soon as the FileId message is seen;
// nothing past it matters for filing the file.
type fileIdVisitor struct {
	id    fit.FileId
	found bool
}

func (v *fileIdVisitor) FileId(id fit.FileId) fit.Verdict {
	v.id = id
	v.found = true
	return fit.Stop
}

func (v *fileIdVisitor) FileCreator(fit.FileCreator) fit.Verdict { return fit.Continue }

func (v *fileIdVisitor) MessageDone(uint16, uint32) fit.Verdict { return fit.Continue }

// importFile files one FIT file from the card into the storage tree.
// Malformed files are logged and skipped, they never stop the scan.
func (imp *importer) importFile(path string) error {
	data, err := imp.store.ReadFile(path)
	if err != nil {
		imp.logger.Printf("%s: %v", path, err)
		imp.skipped++
		return nil
	}

	var v fileIdVisitor
	if err := fit.Decode(data, &v); err != nil {
		imp.logger.Printf("%s: %v", path, err)
		imp.skipped++
		return nil
	}
	if !v.found {
		imp.logger.Printf("%s: no file id message", path)
		imp.skipped++
		return nil
	}
	if !imp.allTypes && byte(v.id.Type) != message.SubTypeActivity {
		imp.skipped++
		return nil
	}

	serial := uint32(v.id.SerialNumber)
	dir, err := imp.store.FilePath(serial, byte(v.id.Type))
	if err != nil {
		return err
	}
	dest := filepath.Join(dir, filepath.Base(path))
	if imp.store.Exists(dest) {
		imp.skipped++
		return nil
	}
	if err := imp.store.WriteAtomically(dest, data); err != nil {
		return err
	}

	// Stamp the copy with the device's creation time, so sorting by
	// mtime matches sorting by activity.
	if !v.id.TimeCreated.IsNA() {
		created := time.Unix(int64(v.id.TimeCreated), 0)
		if err := os.Chtimes(dest, created, created); err != nil {
			imp.logger.Printf("%s: cannot set times: %v", dest, err)
		}
	}

	imp.imported++
	imp.logger.Printf("imported %s", dest)

	if imp.journal != nil {
		err := imp.journal.RecordFile(domain.ActivityFile{
			DeviceSerial: serial,
			SubType:      int(v.id.Type),
			FileNumber:   int(v.id.Number),
			Timestamp:    time.Unix(int64(v.id.TimeCreated), 0),
			Size:         len(data),
			Path:         dest,
		})
		if err != nil {
			imp.logger.Printf("journal: %v", err)
		}
	}
	return nil
}
