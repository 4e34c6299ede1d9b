package main

import (
	"fmt"
	"log"
	"sync"
)

// auditFunc records one executed operation. outcome is the reply op-code
// actually produced (OP_OK or an error code). nil disables auditing.
type auditFunc func(op Op, sender, receiver string, outcome Op)

// Server ties the reactor together: configuration, counter block,
// registries, ready queue, self-pipe, and file store, built once at startup
// and handed to every actor. There is no package-level mutable state.
type Server struct {
	cfg   *Config
	st    *stats
	reg   *registry
	queue *fdQueue
	pipe  *selfPipe
	files *FileStore
	audit auditFunc

	// fatalCh carries the first unrecoverable error from any actor to the
	// signal handler, which runs the one teardown path.
	fatalCh chan error

	listenerWG sync.WaitGroup
	workerWG   sync.WaitGroup
}

// NewServer builds the server state from a validated configuration.
func NewServer(cfg *Config, audit auditFunc) (*Server, error) {
	pipe, err := newSelfPipe()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:     cfg,
		st:      &stats{},
		reg:     newRegistry(cfg.MaxConnections),
		queue:   newFDQueue(),
		pipe:    pipe,
		files:   newFileStore(cfg.DirName),
		audit:   audit,
		fatalCh: make(chan error, 1),
	}, nil
}

// fatalf escalates an unrecoverable error to the signal handler. Only the
// first error wins; later ones are logged and dropped.
func (s *Server) fatalf(format string, args ...any) {
	err := fmt.Errorf(format, args...)
	select {
	case s.fatalCh <- err:
	default:
		log.Printf("[server] additional fatal error: %v", err)
	}
}

// Start launches the listener and the worker pool.
func (s *Server) Start() error {
	ln, err := newListener(s)
	if err != nil {
		return err
	}

	s.listenerWG.Add(1)
	go func() {
		defer s.listenerWG.Done()
		if err := ln.run(); err != nil {
			log.Printf("[listener] %v", err)
			s.fatalf("listener: %w", err)
		}
	}()

	for i := 0; i < s.cfg.ThreadsInPool; i++ {
		s.workerWG.Add(1)
		go func(id int) {
			defer s.workerWG.Done()
			if err := s.runWorker(id); err != nil {
				log.Printf("[worker %d] %v", id, err)
				s.fatalf("worker %d: %w", id, err)
			}
		}(i)
	}

	log.Printf("[server] listening on %s, %d workers", s.cfg.UnixPath, s.cfg.ThreadsInPool)
	return nil
}

// Shutdown runs the cooperative teardown: stop the listener via TERMINATE,
// poison one queue slot per worker, join everything, then purge uploaded
// files. Safe to call exactly once.
func (s *Server) Shutdown() {
	if err := s.pipe.write(queuePoison, pipeTerminate); err != nil {
		log.Printf("[server] terminate write: %v", err)
	}
	s.listenerWG.Wait()

	for i := 0; i < s.cfg.ThreadsInPool; i++ {
		s.queue.push(queuePoison)
	}
	s.workerWG.Wait()

	if err := s.files.Purge(); err != nil {
		log.Printf("[server] %v", err)
	}
	s.pipe.close()
	log.Printf("[server] shutdown complete")
}
