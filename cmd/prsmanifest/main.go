// prsmanifest checksums every file of a catalog release directory and writes
// the manifest.tsv that prsupdate fetches first.
package main

import (
	"bufio"
	"flag"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/carbocation/pfx"
	"github.com/carbocation/polyrisk/compileinfo"
	"github.com/carbocation/polyrisk/fetch"
	"github.com/carbocation/polyrisk/prsparser"
)

var (
	BufferSize = 4096
	STDOUT     = bufio.NewWriterSize(os.Stdout, BufferSize)
)

func main() {
	defer STDOUT.Flush()
	compileinfo.PrintToStdErr()

	var (
		path     string
		version  string
		released string
		layout   string
		stdout   bool
	)
	flag.StringVar(&path, "path", "./", "Release directory holding the unit files.")
	flag.StringVar(&version, "version", "", "Release version id, e.g. 2024-06.")
	flag.StringVar(&released, "released", "", "Optional: release date. Defaults to today.")
	flag.StringVar(&layout, "layout", "", "Optional: scoring-file layout recorded for every weights unit. Defaults to PGSCATALOG.")
	flag.BoolVar(&stdout, "stdout", false, "Optional: print the manifest instead of writing it into the release directory.")
	flag.Parse()

	if version == "" {
		flag.PrintDefaults()
		log.Fatalln("Please provide --version")
	}

	if layout != "" {
		if _, err := prsparser.New(layout); err != nil {
			log.Fatalln(err)
		}
	}

	m := fetch.Manifest{Version: version, Released: time.Now().UTC().Truncate(24 * time.Hour)}
	if released != "" {
		t, err := dateparse.ParseIn(released, time.UTC)
		if err != nil {
			log.Fatalln(err)
		}
		m.Released = t.UTC()
	}

	units, err := ManifestForRelease(path, layout)
	if err != nil {
		log.Fatalln(err)
	}
	m.Units = units

	if err := m.Validate(); err != nil {
		log.Fatalln(err)
	}

	if stdout {
		if err := fetch.WriteManifest(STDOUT, m); err != nil {
			log.Fatalln(err)
		}
		return
	}

	if err := writeManifest(filepath.Join(path, fetch.ManifestName), m); err != nil {
		log.Fatalln(err)
	}
	log.Printf("Wrote %s: %d units, %d bytes, checksum %s\n", filepath.Join(path, fetch.ManifestName), len(m.Units), m.TotalSize(), m.Checksum())
}

// ManifestForRelease checksums every regular file in path, in parallel, and
// returns the units ordered by id.
func ManifestForRelease(path, layout string) ([]fetch.Unit, error) {
	files, err := os.ReadDir(path)
	if err != nil {
		return nil, pfx.Err(err)
	}

	concurrency := 4 * runtime.NumCPU()

	type result struct {
		unit fetch.Unit
		err  error
	}

	results := make(chan result, concurrency)
	var units []fetch.Unit
	var firstErr error
	doneListening := make(chan struct{})
	go func() {
		defer func() { doneListening <- struct{}{} }()
		for res := range results {
			if res.err != nil {
				log.Println(res.err)
				if firstErr == nil {
					firstErr = res.err
				}
				continue
			}
			units = append(units, res.unit)
		}
	}()

	semaphore := make(chan struct{}, concurrency)

	for _, file := range files {
		if file.IsDir() || file.Name() == fetch.ManifestName || strings.HasPrefix(file.Name(), ".") {
			continue
		}

		// Will block after `concurrency` simultaneous goroutines are running
		semaphore <- struct{}{}

		go func(name string) {
			defer func() { <-semaphore }()

			u, err := classify(name, layout)
			if err != nil {
				results <- result{err: err}
				return
			}

			info, err := os.Stat(filepath.Join(path, name))
			if err != nil {
				results <- result{err: pfx.Err(err)}
				return
			}
			u.Size = info.Size()

			if u.Checksum, err = fetch.ChecksumFile(filepath.Join(path, name)); err != nil {
				results <- result{err: err}
				return
			}

			results <- result{unit: u}
		}(file.Name())
	}

	// Wait for every checksum before closing the results channel
	for i := 0; i < cap(semaphore); i++ {
		semaphore <- struct{}{}
	}

	close(results)
	<-doneListening

	if firstErr != nil {
		return nil, firstErr
	}

	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })

	return units, nil
}

func writeManifest(path string, m fetch.Manifest) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return pfx.Err(err)
	}

	w := bufio.NewWriter(f)
	if err := fetch.WriteManifest(w, m); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return pfx.Err(err)
	}
	if err := f.Close(); err != nil {
		return pfx.Err(err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return pfx.Err(err)
	}
	return nil
}
