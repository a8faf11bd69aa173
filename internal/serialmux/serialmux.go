// Package serialmux multiplexes the sensor bridge's serial link: many
// readers receive every line the bridge emits and commands from any caller
// are written one at a time.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"tailscale.com/tsweb"

	"github.com/banshee-data/fallwatch/internal/monitoring"
)

var (
	ErrWriteFailed = errors.New("failed to write to bridge port")
	ErrClosed      = errors.New("bridge link closed")
)

// DefaultElevation is the sensor tilt, in degrees, requested on start.
const DefaultElevation = 8

// subscriberBuffer is the number of lines a slow subscriber may fall
// behind before lines are dropped for it.
const subscriberBuffer = 64

// maxLineSize bounds a single bridge message. Colour frames are sent as
// one base64 line.
const maxLineSize = 4 << 20

// Link is the bridge connection as seen by the rest of the program.
type Link interface {
	// Subscribe returns a channel receiving every line read from the
	// bridge and an ID for Unsubscribe.
	Subscribe() (string, <-chan string)
	Unsubscribe(id string)
	// SendCommand writes one command line to the bridge.
	SendCommand(command string) error
	// Monitor reads lines until ctx is cancelled or the port fails.
	Monitor(ctx context.Context) error
	// Initialize puts the bridge in a known state.
	Initialize() error
	Close() error
	// AttachAdminRoutes adds debug pages under /debug/.
	AttachAdminRoutes(mux *http.ServeMux)
}

// SerialMux is a Link over any Port.
type SerialMux[T Port] struct {
	port      T
	elevation int

	subscriberMu sync.Mutex
	subscribers  map[string]chan string
	dropped      uint64

	commandMu sync.Mutex

	closingMu sync.Mutex
	closing   bool
}

// NewSerialMux wraps port.
func NewSerialMux[T Port](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		elevation:   DefaultElevation,
		subscribers: make(map[string]chan string),
	}
}

// SetElevation changes the tilt sent by Initialize.
func (s *SerialMux[T]) SetElevation(deg int) { s.elevation = deg }

func randomID() string {
	b := make([]byte, 8)
	_, _ = crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, <-chan string) {
	id := randomID()
	ch := make(chan string, subscriberBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.isClosing() {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Dropped returns the number of lines dropped for slow subscribers.
func (s *SerialMux[T]) Dropped() uint64 {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	return s.dropped
}

// Initialize stops any recogniser left running by a previous session and
// sets the sensor tilt.
func (s *SerialMux[T]) Initialize() error {
	if err := s.SendCommand("UNLISTEN"); err != nil {
		return fmt.Errorf("failed to reset recogniser: %w", err)
	}
	if err := s.SendCommand(fmt.Sprintf("ELEVATION %d", s.elevation)); err != nil {
		return fmt.Errorf("failed to set elevation: %w", err)
	}
	return nil
}

// SendCommand writes command followed by a newline. Commands may not span
// lines.
func (s *SerialMux[T]) SendCommand(command string) error {
	command = strings.TrimRight(command, "\r\n")
	if strings.ContainsAny(command, "\r\n") {
		return fmt.Errorf("command %q spans multiple lines", command)
	}
	if s.isClosing() {
		return ErrClosed
	}
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	line := command + "\n"
	n, err := s.port.Write([]byte(line))
	if err != nil {
		return err
	}
	if n != len(line) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor scans lines from the port and fans them out to subscribers. A
// subscriber whose buffer is full misses the line.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)
	scan.Buffer(make([]byte, 64*1024), maxLineSize)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			if s.isClosing() {
				return nil
			}
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					if !s.isClosing() {
						return err
					}
				default:
				}
				return nil
			}
			if s.isClosing() {
				return nil
			}
			s.broadcast(line)
		}
	}
}

func (s *SerialMux[T]) broadcast(line string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
			s.dropped++
		}
	}
}

func (s *SerialMux[T]) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

// Close closes every subscriber channel and the port. Calling it again is
// a no-op.
func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	if s.closing {
		s.closingMu.Unlock()
		return nil
	}
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("bridge-command", "send a command line to the sensor bridge", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			monitoring.Logf("serialmux: debug command %q failed: %v", command, err)
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Wrote command %q to bridge\n", command)
	})

	// Server-sent events, one per bridge line.
	debug.HandleSilentFunc("bridge-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		io.WriteString(w, ": ping\n\n")
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
