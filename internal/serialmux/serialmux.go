// Package serialmux provides an abstraction over a serial telemetry device
// (an ELM327-compatible OBD-II adapter or a line-oriented data logger) with
// the ability for multiple clients to subscribe to its lines and send
// commands to the single port.
package serialmux

import (
	"bufio"
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"tailscale.com/tsweb"
)

var ErrWriteFailed = fmt.Errorf("failed to write to serial port")

// ELM327InitCommands put an ELM327 adapter into a known state: reset, echo
// off, linefeeds off, spaces on, headers off, automatic protocol.
var ELM327InitCommands = []string{"ATZ", "ATE0", "ATL0", "ATS1", "ATH0", "ATSP0"}

// subscriberBuffer is the per-subscriber line backlog. Lines beyond it are
// dropped for that subscriber only.
const subscriberBuffer = 64

var sendCommandTemplate = template.Must(template.New("send-command").Parse(`<!doctype html>
<html><head><title>serial: send command</title></head>
<body>
<form method="POST" action="send-command-api">
  <input name="command" placeholder="010C" autofocus>
  <button type="submit">Send</button>
</form>
<pre id="tail"></pre>
<script>
const tail = document.getElementById("tail");
new EventSource("tail").onmessage = (e) => { tail.textContent = e.data + "\n" + tail.textContent.slice(0, 20000); };
</script>
</body></html>
`))

// SerialMux fans lines from one serial port out to many subscribers.
type SerialMux[T SerialPorter] struct {
	port         T
	initCommands []string
	terminator   string

	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      atomic.Bool

	lines   atomic.Uint64
	dropped atomic.Uint64
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving lines from the serial
	// port. The channel ID is used when unsubscribing.
	Subscribe() (string, chan string)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// SendCommand writes the provided command to the serial port.
	SendCommand(string) error
	// Monitor reads lines from the serial port and sends them to the
	// subscribers until ctx is done or the port reaches EOF.
	Monitor(context.Context) error
	// Close closes all subscribed channels and closes the serial port.
	Close() error
	// Initialize sends the device initialisation commands.
	Initialize() error
	// AttachAdminRoutes attaches admin debugging endpoints to the given
	// HTTP mux served at /debug/. These routes are accessible only over
	// localhost/via Tailscale.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux creates a SerialMux for an ELM327 adapter on port. Use
// SetInitCommands for other devices.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:         port,
		initCommands: ELM327InitCommands,
		terminator:   "\r",
		subscribers:  make(map[string]chan string),
	}
}

// SetInitCommands replaces the commands sent by Initialize. Pass nil for
// devices that stream without configuration.
func (s *SerialMux[T]) SetInitCommands(cmds []string) {
	s.initCommands = append([]string(nil), cmds...)
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, subscriberBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.closing.Load() {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Initialize sends the configured init commands in order.
func (s *SerialMux[T]) Initialize() error {
	for _, command := range s.initCommands {
		if err := s.SendCommand(command); err != nil {
			return fmt.Errorf("failed to send init command %q: %w", command, err)
		}
	}
	return nil
}

// SendCommand sends a command to the serial port, adding the line
// terminator if it is missing.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, s.terminator) {
		command += s.terminator
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// scanDeviceLines is a bufio.SplitFunc splitting on CR or LF. ELM327
// adapters end responses with CR and print a '>' prompt; prompts and blank
// lines are skipped.
func scanDeviceLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for {
		if atEOF && len(data) == 0 {
			return advance, nil, nil
		}
		i := bytes.IndexAny(data, "\r\n")
		var line []byte
		switch {
		case i >= 0:
			line, data, advance = data[:i], data[i+1:], advance+i+1
		case atEOF:
			line, advance, data = data, advance+len(data), nil
		default:
			return advance, nil, nil
		}
		line = bytes.TrimSpace(bytes.TrimLeft(line, "> "))
		if len(line) > 0 {
			return advance, line, nil
		}
	}
}

// Monitor reads lines from the serial port and sends them to subscribers.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)
	scan.Split(scanDeviceLines)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking scan.Scan runs in its own goroutine so the loop below
	// can still observe cancellation.
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
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return err
				default:
					return nil
				}
			}
			if s.closing.Load() {
				return nil
			}
			s.lines.Add(1)
			s.subscriberMu.Lock()
			for _, ch := range s.subscribers {
				select {
				case ch <- line:
				default:
					s.dropped.Add(1)
				}
			}
			s.subscriberMu.Unlock()
		}
	}
}

// Stats returns the number of lines read and the number of subscriber
// deliveries dropped because a subscriber was full.
func (s *SerialMux[T]) Stats() (lines, dropped uint64) {
	return s.lines.Load(), s.dropped.Load()
}

func (s *SerialMux[T]) Close() error {
	if s.closing.Swap(true) {
		return nil
	}
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

	debug.HandleFunc("send-command", "send a command to the serial device", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := sendCommandTemplate.Execute(buf, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
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
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Wrote command %q to serial port", command)
	})

	// Server-sent events carrying every line read from the device.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
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
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()
		for {
			select {
			case line, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
