package serialmux

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// TestableSerialPort implements SerialPorter with scripted reads and
// captured writes. Reads block until data is added or the port is closed;
// Close makes pending and later reads return io.EOF.
type TestableSerialPort struct {
	mu       sync.Mutex
	cond     *sync.Cond
	read     bytes.Buffer
	written  bytes.Buffer
	closed   bool
	eof      bool
	writeErr error

	// Responder, when set, is called for every write and its return value
	// is queued as device output. It emulates an adapter answering
	// commands.
	Responder func(command string) string
}

// NewTestableSerialPort returns an open port with no pending data.
func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.read.Len() == 0 && !p.closed && !p.eof {
		p.cond.Wait()
	}
	if p.read.Len() == 0 {
		return 0, io.EOF
	}
	return p.read.Read(b)
}

func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("serial port closed")
	}
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.written.Write(b)
	if p.Responder != nil {
		if resp := p.Responder(string(b)); resp != "" {
			p.read.WriteString(resp)
			p.cond.Broadcast()
		}
	}
	return len(b), nil
}

func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

// AddReadData queues device output.
func (p *TestableSerialPort) AddReadData(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.read.WriteString(data)
	p.cond.Broadcast()
}

// EndOfData makes reads return io.EOF once queued data is consumed.
func (p *TestableSerialPort) EndOfData() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eof = true
	p.cond.Broadcast()
}

// SetWriteError makes every later write fail with err.
func (p *TestableSerialPort) SetWriteError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// Written returns everything written to the port.
func (p *TestableSerialPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}
