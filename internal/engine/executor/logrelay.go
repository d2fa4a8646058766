// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package executor

import (
	"bufio"
	"io"
	"strings"
	"time"
)

// relayLogs reads lines from r and hands them to sink in batches: a batch
// flushes at batchLines lines or after interval, whichever comes first.
// Returns when r is exhausted or closed.
func relayLogs(r io.Reader, sink func(chunk string), batchLines int, interval time.Duration) {
	if batchLines <= 0 {
		batchLines = 10
	}
	if interval <= 0 {
		interval = time.Second
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	var batch strings.Builder
	count := 0
	flush := func() {
		if count == 0 {
			return
		}
		sink(batch.String())
		batch.Reset()
		count = 0
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				flush()
				return
			}
			batch.WriteString(line)
			batch.WriteByte('\n')
			count++
			if count >= batchLines {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
