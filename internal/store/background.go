package store

import (
	"time"

	"github.com/cuemby/mvstore/internal/log"
)

// startBackgroundWriter launches the goroutine that periodically flushes
// dirty-but-uncommitted pages to disk (spec.md §4.7), so an application
// that never calls Commit still bounds how much work a crash can lose.
// Each flush writes a chunk tagged rollbackOnOpen; only an explicit
// Commit (or Close, which commits) clears that tag.
func (s *Store) startBackgroundWriter() {
	s.writerStop = make(chan struct{})
	s.writerDone = make(chan struct{})
	go s.backgroundWriterLoop()
}

func (s *Store) backgroundWriterLoop() {
	defer close(s.writerDone)

	ticker := time.NewTicker(s.writeDelay)
	defer ticker.Stop()

	for {
		select {
		case <-s.writerStop:
			return
		case <-ticker.C:
			s.mu.Lock()
			dirty := len(s.dirtyMaps) > 0
			s.mu.Unlock()
			if !dirty {
				continue
			}
			if _, err := s.store(true); err != nil {
				log.WithComponent("store").Error().Err(err).Msg("background flush failed")
				if s.backgroundHandler != nil {
					s.backgroundHandler(err)
				}
			}
		}
	}
}
