package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/benbjohnson/clock"
)

const (
	maxEntries  = 500
	journalFile = "keepnick.log"
	timeFormat  = "Mon Jan 02, 2006 at 15:04:05 GMT"
)

// Journal is a bounded, file-backed history of timestamped entries.
// The file stores the oldest entry first.
type Journal struct {
	path  string
	clock clock.Clock

	mu      sync.Mutex
	entries []string
}

// OpenJournal loads the journal from dataDir, starting empty if no file exists
func OpenJournal(dataDir string, clk clock.Clock) (*Journal, error) {
	path := filepath.Join(dataDir, journalFile)
	lines, err := readLines(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	if len(lines) > maxEntries {
		lines = lines[len(lines)-maxEntries:]
	}
	return &Journal{path: path, clock: clk, entries: lines}, nil
}

// Record appends a timestamped entry and saves the journal (max 500 entries)
func (j *Journal) Record(entry string) error {
	timestamp := j.clock.Now().UTC().Format(timeFormat)

	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries = addEntry(j.entries, fmt.Sprintf("%s: %s", timestamp, entry))
	return writeLines(j.path, j.entries)
}

// Last returns up to n of the newest entries, oldest first
func (j *Journal) Last(n int) []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	if n <= 0 {
		return nil
	}
	if n > len(j.entries) {
		n = len(j.entries)
	}
	out := make([]string, n)
	copy(out, j.entries[len(j.entries)-n:])
	return out
}

// addEntry appends a new entry, dropping the oldest past maxEntries
func addEntry(entries []string, entry string) []string {
	entries = append(entries, entry)
	if len(entries) > maxEntries {
		entries = entries[1:]
	}
	return entries
}

func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

func writeLines(path string, lines []string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return w.Flush()
}
