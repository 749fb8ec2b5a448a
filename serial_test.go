// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package virtmem_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/virtmem"
)

// chanBuf is one direction of the in-memory serial line.
type chanBuf struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *chanBuf) write(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Write(p)
}

func (c *chanBuf) read(p []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, _ := c.buf.Read(p)
	return n
}

// testStream is the device end of a simulated serial line.
type testStream struct {
	toHost   *chanBuf
	fromHost *chanBuf
	timeout  time.Duration
}

func (s *testStream) Read(p []byte) (int, error) {
	deadline := time.Now().Add(s.timeout)
	for {
		if n := s.fromHost.read(p); n > 0 {
			return n, nil
		}
		if !time.Now().Before(deadline) {
			return 0, nil
		}
		time.Sleep(100 * time.Microsecond)
	}
}

func (s *testStream) Write(p []byte) (int, error) {
	s.toHost.write(p)
	return len(p), nil
}

func (s *testStream) SetReadTimeout(d time.Duration) error {
	s.timeout = d
	return nil
}

// serialHost simulates the bridge script on the RAM host: it answers the
// INIT handshake, allocates the announced pool, and serves READ, WRITE,
// PING and input requests until stopped.
type serialHost struct {
	fromDev *chanBuf
	toDev   *chanBuf
	input   []byte

	stop chan struct{}
	done chan struct{}

	mu   sync.Mutex
	pool []byte
}

func startSerialHost(input []byte) (*serialHost, *testStream) {
	h := &serialHost{
		fromDev: &chanBuf{},
		toDev:   &chanBuf{},
		input:   input,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	stream := &testStream{toHost: h.fromDev, fromHost: h.toDev, timeout: time.Millisecond}
	go h.run()
	return h, stream
}

func (h *serialHost) close() {
	close(h.stop)
	<-h.done
}

func (h *serialHost) poolBytes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte(nil), h.pool...)
}

func (h *serialHost) readByte() (byte, bool) {
	var b [1]byte
	for {
		if n := h.fromDev.read(b[:]); n == 1 {
			return b[0], true
		}
		select {
		case <-h.stop:
			return 0, false
		default:
			time.Sleep(100 * time.Microsecond)
		}
	}
}

func (h *serialHost) readBlock(p []byte) bool {
	for off := 0; off < len(p); {
		n := h.fromDev.read(p[off:])
		if n == 0 {
			select {
			case <-h.stop:
				return false
			default:
				time.Sleep(100 * time.Microsecond)
				continue
			}
		}
		off += n
	}
	return true
}

func (h *serialHost) readUint32() (uint32, bool) {
	var b [4]byte
	if !h.readBlock(b[:]) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b[:]), true
}

func (h *serialHost) writeUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	h.toDev.write(b[:])
}

func (h *serialHost) run() {
	defer close(h.done)
	const cmdStart = 0xFF
	for {
		b, ok := h.readByte()
		if !ok {
			return
		}
		if b != cmdStart {
			continue
		}
		cmd, ok := h.readByte()
		if !ok {
			return
		}
		switch cmd {
		case 0: // INIT
			h.toDev.write([]byte{cmdStart, 0})
		case 1: // INITPOOL
			size, ok := h.readUint32()
			if !ok {
				return
			}
			h.mu.Lock()
			h.pool = make([]byte, size)
			h.mu.Unlock()
		case 2: // READ
			off, ok := h.readUint32()
			if !ok {
				return
			}
			size, ok := h.readUint32()
			if !ok {
				return
			}
			h.mu.Lock()
			h.toDev.write(h.pool[off : off+size])
			h.mu.Unlock()
		case 3: // WRITE
			off, ok := h.readUint32()
			if !ok {
				return
			}
			size, ok := h.readUint32()
			if !ok {
				return
			}
			data := make([]byte, size)
			if !h.readBlock(data) {
				return
			}
			h.mu.Lock()
			copy(h.pool[off:], data)
			h.mu.Unlock()
		case 4: // INPUT_AVAILABLE
			h.writeUint32(uint32(len(h.input)))
		case 5: // INPUT_REQUEST
			n, ok := h.readUint32()
			if !ok {
				return
			}
			if int(n) > len(h.input) {
				n = uint32(len(h.input))
			}
			h.writeUint32(n)
			h.toDev.write(h.input[:n])
			h.input = h.input[n:]
		case 6: // INPUT_PEEK
			if len(h.input) == 0 {
				h.toDev.write([]byte{0})
			} else {
				h.toDev.write([]byte{1, h.input[0]})
			}
		case 7: // PING
			h.toDev.write([]byte{cmdStart, 7})
		}
	}
}

func TestSerialStore_HandshakeAndPool(t *testing.T) {
	host, stream := startSerialHost(nil)
	defer host.close()

	store := virtmem.NewSerialStore(stream)
	store.HandshakeTimeout = 5 * time.Second

	size, err := store.Start(4096)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if size != 4096 {
		t.Fatalf("pool size = %d, want 4096", size)
	}

	if err := store.Ping(); err != nil {
		t.Errorf("Ping failed: %v", err)
	}

	payload := []byte("serial pool payload")
	if _, err := store.WriteAt(payload, 100); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := store.ReadAt(got, 100); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("ReadAt = %q, want %q", got, payload)
	}

	if pool := host.poolBytes(); !bytes.Equal(pool[100:100+len(payload)], payload) {
		t.Error("host pool does not hold the written bytes")
	}
	if err := store.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestSerialStore_HandshakeTimeout(t *testing.T) {
	// No host on the line at all.
	stream := &testStream{toHost: &chanBuf{}, fromHost: &chanBuf{}, timeout: time.Millisecond}
	store := virtmem.NewSerialStore(stream)
	store.HandshakeTimeout = 100 * time.Millisecond

	if _, err := store.Start(1024); !errors.Is(err, virtmem.ErrHandshakeTimeout) {
		t.Errorf("Start = %v, want ErrHandshakeTimeout", err)
	}
}

func TestSerialStore_AllocatorEndToEnd(t *testing.T) {
	host, stream := startSerialHost(nil)
	defer host.close()

	store := virtmem.NewSerialStore(stream)
	store.HandshakeTimeout = 5 * time.Second

	cfg := testConfig(8 * 1024)
	a := virtmem.New(store, cfg)
	if err := a.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { a.Stop() })

	p, err := a.Alloc(300)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i * 3)
	}
	if err := a.Write(p, data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := a.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := a.ClearPages(); err != nil {
		t.Fatal(err)
	}
	got, err := a.Read(p, 300)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("data corrupted across the serial pool")
	}

	if pool := host.poolBytes(); !bytes.Equal(pool[p:int(p)+300], data) {
		t.Error("host pool misses flushed data")
	}
}

func TestSerialInput_Passthrough(t *testing.T) {
	host, stream := startSerialHost([]byte("hi"))
	defer host.close()

	store := virtmem.NewSerialStore(stream)
	store.HandshakeTimeout = 5 * time.Second
	if _, err := store.Start(1024); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	in := store.Input()

	n, err := in.Available()
	if err != nil {
		t.Fatalf("Available failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Available = %d, want 2", n)
	}

	b, err := in.Peek()
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if b != 'h' {
		t.Errorf("Peek = %q, want 'h'", b)
	}

	b, err = in.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if b != 'h' {
		t.Errorf("Read = %q, want 'h'", b)
	}

	buf := make([]byte, 8)
	rn, err := in.ReadBytes(buf)
	if err != nil {
		t.Fatalf("ReadBytes failed: %v", err)
	}
	if rn != 1 || buf[0] != 'i' {
		t.Errorf("ReadBytes = %d %q, want the trailing 'i'", rn, buf[:rn])
	}

	if _, err := in.Read(); err != iox.ErrWouldBlock {
		t.Errorf("Read on empty input = %v, want iox.ErrWouldBlock", err)
	}
	if _, err := in.Peek(); err != iox.ErrWouldBlock {
		t.Errorf("Peek on empty input = %v, want iox.ErrWouldBlock", err)
	}
}
