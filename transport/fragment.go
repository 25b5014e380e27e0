package transport

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

const (
	// DefaultMaxPayload is the largest chunk a link carries by default.
	DefaultMaxPayload = 256 * 1024

	// DefaultReassemblyTimeout bounds how long a partial message is kept.
	DefaultReassemblyTimeout = 30 * time.Second

	fragmentMagic  = 0xcb
	fragmentHeader = 9
)

// Fragmenter compresses payloads and splits them into chunks no larger
// than MaxPayload, and puts received chunks back together.
//
// Each chunk starts with a 9 byte header: a magic byte, a 4 byte message
// id, then the 2 byte chunk index and chunk count, all big endian.
type Fragmenter struct {
	MaxPayload int
	Timeout    time.Duration
	Clock      clock.Clock

	mu      sync.Mutex
	nextID  uint32
	pending map[pendingKey]*pendingMessage
}

type pendingKey struct {
	from string
	id   uint32
}

type pendingMessage struct {
	chunks   [][]byte
	received int
	started  time.Time
}

// NewFragmenter returns a Fragmenter with the default limits.
func NewFragmenter() *Fragmenter {
	return &Fragmenter{
		MaxPayload: DefaultMaxPayload,
		Timeout:    DefaultReassemblyTimeout,
		Clock:      clock.New(),
	}
}

// Split compresses payload and returns the chunks to send, in order.
func (f *Fragmenter) Split(payload []byte) ([][]byte, error) {
	room := f.MaxPayload - fragmentHeader
	if room <= 0 {
		return nil, errors.Errorf("max payload %d leaves no room for data", f.MaxPayload)
	}

	compressed := snappy.Encode(nil, payload)
	total := (len(compressed) + room - 1) / room
	if total == 0 {
		total = 1
	}
	if total > 0xffff {
		return nil, errors.Errorf("payload of %d bytes needs %d chunks", len(payload), total)
	}

	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.mu.Unlock()

	out := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		lo := i * room
		hi := lo + room
		if hi > len(compressed) {
			hi = len(compressed)
		}
		chunk := make([]byte, fragmentHeader+hi-lo)
		chunk[0] = fragmentMagic
		binary.BigEndian.PutUint32(chunk[1:5], id)
		binary.BigEndian.PutUint16(chunk[5:7], uint16(i))
		binary.BigEndian.PutUint16(chunk[7:9], uint16(total))
		copy(chunk[fragmentHeader:], compressed[lo:hi])
		out = append(out, chunk)
	}
	return out, nil
}

// Reassemble records a chunk received from a peer. Once every chunk of the
// message has arrived it returns the decompressed payload and true.
// Partial messages older than Timeout are discarded.
func (f *Fragmenter) Reassemble(from string, chunk []byte) ([]byte, bool, error) {
	if len(chunk) < fragmentHeader || chunk[0] != fragmentMagic {
		return nil, false, errors.New("malformed fragment header")
	}
	id := binary.BigEndian.Uint32(chunk[1:5])
	index := int(binary.BigEndian.Uint16(chunk[5:7]))
	total := int(binary.BigEndian.Uint16(chunk[7:9]))
	if total == 0 || index >= total {
		return nil, false, errors.Errorf("fragment %d of %d is out of range", index, total)
	}
	data := append([]byte(nil), chunk[fragmentHeader:]...)

	if total == 1 {
		return decompress(data)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.Clock.Now()
	f.expire(now)

	if f.pending == nil {
		f.pending = make(map[pendingKey]*pendingMessage)
	}
	key := pendingKey{from: from, id: id}
	m, ok := f.pending[key]
	if !ok {
		m = &pendingMessage{chunks: make([][]byte, total), started: now}
		f.pending[key] = m
	}
	if len(m.chunks) != total {
		delete(f.pending, key)
		return nil, false, errors.Errorf("fragment count changed from %d to %d", len(m.chunks), total)
	}
	if m.chunks[index] == nil {
		m.chunks[index] = data
		m.received++
	}
	if m.received < total {
		return nil, false, nil
	}

	delete(f.pending, key)
	var size int
	for _, c := range m.chunks {
		size += len(c)
	}
	whole := make([]byte, 0, size)
	for _, c := range m.chunks {
		whole = append(whole, c...)
	}
	return decompress(whole)
}

// Pending returns the number of partially received messages.
func (f *Fragmenter) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expire(f.Clock.Now())
	return len(f.pending)
}

// Forget drops the partial messages of a peer that went away.
func (f *Fragmenter) Forget(from string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.pending {
		if k.from == from {
			delete(f.pending, k)
		}
	}
}

func (f *Fragmenter) expire(now time.Time) {
	for k, m := range f.pending {
		if now.Sub(m.started) > f.Timeout {
			delete(f.pending, k)
		}
	}
}

func decompress(b []byte) ([]byte, bool, error) {
	out, err := snappy.Decode(nil, b)
	if err != nil {
		return nil, false, errors.Wrap(err, "decompressing fragment payload")
	}
	return out, true, nil
}
