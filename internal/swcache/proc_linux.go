//go:build linux

package swcache

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
	"strings"
)

// processRSSBytes returns the resident set size of the process. It is
// best-effort: ok is false when /proc is unavailable.
func processRSSBytes() (rssBytes uint64, ok bool) {
	b, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, false
	}
	fields := bytes.Fields(b)
	if len(fields) < 2 {
		return 0, false
	}
	rssPages, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0, false
	}
	return rssPages * uint64(os.Getpagesize()), true
}

// processAnonBytes returns the anonymous share of the RSS from
// /proc/self/smaps_rollup, which separates heap growth from the file-backed
// mmaps leveldb keeps open.
func processAnonBytes() (uint64, bool) {
	f, err := os.Open("/proc/self/smaps_rollup")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		key, rest, found := strings.Cut(line, ":")
		if !found || strings.TrimSpace(key) != "Anonymous" {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return 0, false
		}
		n, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return 0, false
		}
		return n * 1024, true
	}
	return 0, false
}
