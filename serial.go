// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package virtmem

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/spin"
	"go.bug.st/serial"
)

// Wire protocol: every command starts with the 0xFF sentinel followed by
// a one-byte opcode; 32-bit integers travel little-endian.
const cmdStart byte = 0xFF

const (
	cmdInit byte = iota
	cmdInitPool
	cmdRead
	cmdWrite
	cmdInputAvailable
	cmdInputRequest
	cmdInputPeek
	cmdPing
)

const (
	initRetryInterval  = 50 * time.Millisecond
	pingTimeout        = 1000 * time.Millisecond
	defaultDataTimeout = 5 * time.Second
)

// SerialStream is the transport a SerialStore runs over: a byte stream
// with a settable read timeout. Real ports are adapted by OpenSerialPort;
// tests can supply an in-memory implementation.
type SerialStream interface {
	io.ReadWriter
	SetReadTimeout(d time.Duration) error
}

// OpenSerialPort opens the named serial port at the given baud rate and
// returns it as a SerialStream for NewSerialStore. A go.bug.st/serial
// port satisfies SerialStream as-is.
func OpenSerialPort(name string, baud int) (SerialStream, error) {
	port, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("virtmem: open serial port %s: %w", name, err)
	}
	return port, nil
}

// SerialStore serves the pool from RAM on a serial-attached host running
// the bridge script. This is the device side of the wire protocol: it
// initiates every exchange and the host answers.
//
// The store also forwards host-side keyboard input through Input.
type SerialStore struct {
	// HandshakeTimeout bounds the INIT exchange at Start. Zero retries
	// forever, matching a device waiting for its host to come up.
	HandshakeTimeout time.Duration

	// DataTimeout bounds each payload transfer. Zero selects a default
	// of 5 seconds.
	DataTimeout time.Duration

	stream SerialStream
	input  SerialInput
}

// NewSerialStore returns an unstarted serial store over stream.
func NewSerialStore(stream SerialStream) *SerialStore {
	s := &SerialStore{stream: stream}
	s.input.s = s
	return s
}

// Input returns the host input passthrough channel.
func (s *SerialStore) Input() *SerialInput { return &s.input }

// Start performs the INIT handshake and announces the pool size to the
// host, which allocates and zero-fills the pool.
func (s *SerialStore) Start(poolSize int) (int, error) {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}

	var deadline time.Time
	if s.HandshakeTimeout > 0 {
		deadline = time.Now().Add(s.HandshakeTimeout)
	}
	var aw iox.Backoff
	for {
		if err := s.sendCommand(cmdInit); err != nil {
			return 0, err
		}
		ok, err := s.waitForCommand(cmdInit, initRetryInterval)
		if err != nil {
			return 0, err
		}
		if ok {
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return 0, ErrHandshakeTimeout
		}
		aw.Wait()
	}

	if err := s.sendCommand(cmdInitPool); err != nil {
		return 0, err
	}
	if err := s.writeUint32(uint32(poolSize)); err != nil {
		return 0, err
	}
	return poolSize, nil
}

// Stop quiesces the store. The serial line is left open; closing the
// underlying port is the caller's business since it may be shared.
func (s *SerialStore) Stop() error { return nil }

// ReadAt requests len(p) pool bytes at offset off from the host.
func (s *SerialStore) ReadAt(p []byte, off int64) (int, error) {
	if err := s.sendReadCommand(cmdRead); err != nil {
		return 0, err
	}
	if err := s.writeUint32(uint32(off)); err != nil {
		return 0, err
	}
	if err := s.writeUint32(uint32(len(p))); err != nil {
		return 0, err
	}
	if err := s.readBlock(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt sends len(p) pool bytes at offset off to the host.
func (s *SerialStore) WriteAt(p []byte, off int64) (int, error) {
	if err := s.sendCommand(cmdWrite); err != nil {
		return 0, err
	}
	if err := s.writeUint32(uint32(off)); err != nil {
		return 0, err
	}
	if err := s.writeUint32(uint32(len(p))); err != nil {
		return 0, err
	}
	if _, err := s.stream.Write(p); err != nil {
		return 0, fmt.Errorf("virtmem: serial write: %w", err)
	}
	return len(p), nil
}

// Ping checks that the host bridge is alive, waiting up to one second
// for the echo. Returns ErrHandshakeTimeout when the host stays silent.
func (s *SerialStore) Ping() error {
	if err := s.sendReadCommand(cmdPing); err != nil {
		return err
	}
	ok, err := s.waitForCommand(cmdPing, pingTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return ErrHandshakeTimeout
	}
	return nil
}

func (s *SerialStore) dataTimeout() time.Duration {
	if s.DataTimeout > 0 {
		return s.DataTimeout
	}
	return defaultDataTimeout
}

func (s *SerialStore) sendCommand(cmd byte) error {
	if _, err := s.stream.Write([]byte{cmdStart, cmd}); err != nil {
		return fmt.Errorf("virtmem: serial command %d: %w", cmd, err)
	}
	return nil
}

// sendReadCommand purges stale input before a command that expects an
// answer, so leftover payload bytes cannot be mistaken for the reply.
func (s *SerialStore) sendReadCommand(cmd byte) error {
	if err := s.purge(); err != nil {
		return err
	}
	return s.sendCommand(cmd)
}

func (s *SerialStore) purge() error {
	if err := s.stream.SetReadTimeout(time.Millisecond); err != nil {
		return err
	}
	var buf [64]byte
	for {
		n, err := s.stream.Read(buf[:])
		if err != nil && err != io.EOF {
			return fmt.Errorf("virtmem: serial purge: %w", err)
		}
		if n == 0 {
			return nil
		}
	}
}

// waitForCommand scans the stream for the sentinel followed by cmd,
// giving up after timeout.
func (s *SerialStore) waitForCommand(cmd byte, timeout time.Duration) (bool, error) {
	if err := s.stream.SetReadTimeout(time.Millisecond); err != nil {
		return false, err
	}
	deadline := time.Now().Add(timeout)
	gotStart := false
	sw := spin.Wait{}
	var b [1]byte
	for time.Now().Before(deadline) {
		n, err := s.stream.Read(b[:])
		if err != nil && err != io.EOF {
			return false, fmt.Errorf("virtmem: serial wait: %w", err)
		}
		if n == 0 {
			sw.Once()
			continue
		}
		switch {
		case !gotStart && b[0] == cmdStart:
			gotStart = true
		case gotStart && b[0] == cmd:
			return true, nil
		default:
			gotStart = false
		}
	}
	return false, nil
}

func (s *SerialStore) writeUint32(v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	if _, err := s.stream.Write(b[:]); err != nil {
		return fmt.Errorf("virtmem: serial write u32: %w", err)
	}
	return nil
}

func (s *SerialStore) readUint32() (uint32, error) {
	var b [4]byte
	if err := s.readBlock(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (s *SerialStore) readByte() (byte, error) {
	var b [1]byte
	if err := s.readBlock(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// readBlock fills p from the stream, spinning through short reads until
// the data timeout expires.
func (s *SerialStore) readBlock(p []byte) error {
	if err := s.stream.SetReadTimeout(10 * time.Millisecond); err != nil {
		return err
	}
	deadline := time.Now().Add(s.dataTimeout())
	sw := spin.Wait{}
	for len(p) > 0 {
		n, err := s.stream.Read(p)
		if err != nil && err != io.EOF {
			return fmt.Errorf("virtmem: serial read: %w", err)
		}
		if n == 0 {
			if time.Now().After(deadline) {
				return fmt.Errorf("virtmem: serial read: %w", ErrHandshakeTimeout)
			}
			sw.Once()
			continue
		}
		p = p[n:]
	}
	return nil
}

// SerialInput forwards keyboard input typed on the host side of the
// bridge. Reads are non-blocking: when the host has nothing buffered,
// Read and Peek return iox.ErrWouldBlock.
type SerialInput struct {
	s            *SerialStore
	availableMin uint32
}

// Available asks the host how many input bytes are buffered.
func (in *SerialInput) Available() (int, error) {
	if err := in.s.sendReadCommand(cmdInputAvailable); err != nil {
		return 0, err
	}
	n, err := in.s.readUint32()
	return int(n), err
}

// AvailableAtLeast returns a cached lower bound of the buffered input
// count, asking the host only when the cache is empty. Cheaper than
// Available when polling in a tight loop.
func (in *SerialInput) AvailableAtLeast() (int, error) {
	if in.availableMin == 0 {
		n, err := in.Available()
		if err != nil {
			return 0, err
		}
		in.availableMin = uint32(n)
	}
	return int(in.availableMin), nil
}

// Read fetches one input byte. Returns iox.ErrWouldBlock when the host
// has none.
func (in *SerialInput) Read() (byte, error) {
	if err := in.s.sendReadCommand(cmdInputRequest); err != nil {
		return 0, err
	}
	if err := in.s.writeUint32(1); err != nil {
		return 0, err
	}
	n, err := in.s.readUint32()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, iox.ErrWouldBlock
	}
	if in.availableMin > 0 {
		in.availableMin--
	}
	return in.s.readByte()
}

// ReadBytes fetches up to len(buf) input bytes and returns how many
// arrived.
func (in *SerialInput) ReadBytes(buf []byte) (int, error) {
	if err := in.s.sendReadCommand(cmdInputRequest); err != nil {
		return 0, err
	}
	if err := in.s.writeUint32(uint32(len(buf))); err != nil {
		return 0, err
	}
	n, err := in.s.readUint32()
	if err != nil {
		return 0, err
	}
	if err := in.s.readBlock(buf[:n]); err != nil {
		return 0, err
	}
	if in.availableMin > n {
		in.availableMin -= n
	} else {
		in.availableMin = 0
	}
	return int(n), nil
}

// Peek looks at the next input byte without consuming it. Returns
// iox.ErrWouldBlock when the host has none.
func (in *SerialInput) Peek() (byte, error) {
	if err := in.s.sendReadCommand(cmdInputPeek); err != nil {
		return 0, err
	}
	flag, err := in.s.readByte()
	if err != nil {
		return 0, err
	}
	if flag == 0 {
		return 0, iox.ErrWouldBlock
	}
	return in.s.readByte()
}
