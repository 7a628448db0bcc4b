package hash

import (
	"io"
	"sync"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/blake3"
)

// DigestPrefix starts every string rendered digest.
const DigestPrefix = "blake3.33B-"

// Blake3 is a keyed blake3 hasher whose extendable
// output (XOF) doubles as a pseudo random byte stream.
// It is goroutine safe.
type Blake3 struct {
	mut        sync.Mutex
	hasher     *blake3.Hasher
	readOffset int64
}

// NewBlake3 creates an un-keyed Blake3.
func NewBlake3() *Blake3 {
	return &Blake3{
		hasher: blake3.New(64, nil),
	}
}

// NewBlake3WithKey creates a keyed Blake3. Two instances
// with the same key produce the same XOF byte stream.
func NewBlake3WithKey(key [32]byte) *Blake3 {
	return &Blake3{
		hasher: blake3.New(64, key[:]),
	}
}

func (b *Blake3) Write(by []byte) {
	b.mut.Lock()
	b.hasher.Write(by)
	b.mut.Unlock()
}

// Reset forgets everything written and read, keeping
// the key, so the XOF starts over from its first byte.
func (b *Blake3) Reset() {
	b.mut.Lock()
	b.hasher.Reset()
	b.readOffset = 0
	b.mut.Unlock()
}

// ReadXOF reads the next len(p) pseudo random bytes
// from the XOF. Successive calls continue where the
// last one left off.
func (b *Blake3) ReadXOF(p []byte) (n int, err error) {
	b.mut.Lock()
	defer b.mut.Unlock()
	r := b.hasher.XOF()

	nr := int64(len(p))
	_, err = r.Seek(b.readOffset, io.SeekStart)
	if err != nil {
		return 0, err
	}
	b.readOffset += nr

	n, err = r.Read(p)
	if n != len(p) {
		panic("short read from blake3 XOF")
	}
	return
}

// Offset reports how many XOF bytes have been consumed.
func (b *Blake3) Offset() int64 {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.readOffset
}

func (b *Blake3) SumString() string {
	b.mut.Lock()
	sum := b.hasher.Sum(nil)
	b.mut.Unlock()
	return DigestPrefix + cristalbase64.URLEncoding.EncodeToString(sum[:33])
}

// DeriveKey returns the 32 byte key that a child stream
// labeled by label uses. The derivation only depends on
// (key, label), never on how much of the parent's stream
// has been read.
func DeriveKey(key [32]byte, label string) (child [32]byte) {
	h := blake3.New(32, key[:])
	h.Write([]byte("derive/"))
	h.Write([]byte(label))
	sum := h.Sum(nil)
	copy(child[:], sum)
	return
}

// Blake3OfBytes is goroutine safe and lock free, since
// it creates a new hasher every time.
func Blake3OfBytes(by []byte) []byte {
	h := blake3.New(64, nil)
	h.Write(by)
	return h.Sum(nil)
}

// Blake3OfBytesString calls Blake3OfBytes and renders
// the first 33 bytes with the "blake3.33B-" prefix.
func Blake3OfBytesString(by []byte) string {
	sum := Blake3OfBytes(by)
	return RawSumBytesToString(sum)
}

// if you already have the Hasher.Sum() output:
func RawSumBytesToString(by []byte) string {
	return DigestPrefix + cristalbase64.URLEncoding.EncodeToString(by[:33])
}
