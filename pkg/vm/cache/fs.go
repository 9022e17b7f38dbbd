package cache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/fortiblox/wasmvm/internal/types"
)

// Artifact file layout:
//
//	magic[4] | version u8 | len(fingerprint) u16 | fingerprint |
//	checksum[32] | len(code) u32 | blake3(payload)[32] | payload
//
// payload is the zstd compressed instrumented bytecode. Integers are big
// endian.
var artifactMagic = []byte("WVMA")

const (
	artifactVersion = 1
	digestSize      = 32

	// maxPrealloc bounds the buffer allocated from an untrusted length.
	maxPrealloc = 64 << 20
)

// fsTier stores compiled artifacts under <dir>/<fingerprint>/<checksum>.
type fsTier struct {
	dir         string
	fingerprint string
	noSync      bool

	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newFSTier(dir, fingerprint string, noSync bool) (*fsTier, error) {
	full := filepath.Join(dir, fingerprint)
	if err := os.MkdirAll(full, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &fsTier{dir: full, fingerprint: fingerprint, noSync: noSync, enc: enc, dec: dec}, nil
}

func (t *fsTier) path(checksum types.Checksum) string {
	return filepath.Join(t.dir, checksum.String())
}

// store writes the artifact through a temporary file and a rename, so
// readers never observe a partial file.
func (t *fsTier) store(checksum types.Checksum, code []byte) error {
	payload := t.enc.EncodeAll(code, nil)
	digest := blake3.Sum256(payload)

	var buf bytes.Buffer
	buf.Grow(len(payload) + 128)
	buf.Write(artifactMagic)
	buf.WriteByte(artifactVersion)
	binary.Write(&buf, binary.BigEndian, uint16(len(t.fingerprint)))
	buf.WriteString(t.fingerprint)
	buf.Write(checksum[:])
	binary.Write(&buf, binary.BigEndian, uint32(len(code)))
	buf.Write(digest[:])
	buf.Write(payload)

	tmp, err := os.CreateTemp(t.dir, checksum.String()+".tmp-*")
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write artifact: %w", err)
	}
	if !t.noSync {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return fmt.Errorf("sync artifact: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), t.path(checksum)); err != nil {
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}

// load reads and verifies the artifact of checksum. An artifact built
// under another fingerprint is reported as not found.
func (t *fsTier) load(checksum types.Checksum) ([]byte, error) {
	data, err := os.ReadFile(t.path(checksum))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: artifact %s", ErrNotFound, checksum)
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return t.decode(checksum, data)
}

func (t *fsTier) decode(checksum types.Checksum, data []byte) ([]byte, error) {
	r := bytes.NewReader(data)
	corrupted := func(detail string) error {
		return fmt.Errorf("%w: artifact %s: %s", ErrCorrupted, checksum, detail)
	}

	header := make([]byte, len(artifactMagic)+1)
	if _, err := io.ReadFull(r, header); err != nil || !bytes.Equal(header[:len(artifactMagic)], artifactMagic) {
		return nil, corrupted("bad magic")
	}
	if header[len(artifactMagic)] != artifactVersion {
		return nil, fmt.Errorf("%w: artifact %s has format version %d", ErrNotFound, checksum, header[len(artifactMagic)])
	}

	var fpLen uint16
	if err := binary.Read(r, binary.BigEndian, &fpLen); err != nil {
		return nil, corrupted("truncated header")
	}
	fp := make([]byte, fpLen)
	if _, err := io.ReadFull(r, fp); err != nil {
		return nil, corrupted("truncated fingerprint")
	}
	if string(fp) != t.fingerprint {
		return nil, fmt.Errorf("%w: artifact %s built for %q", ErrNotFound, checksum, fp)
	}

	var stored types.Checksum
	if _, err := io.ReadFull(r, stored[:]); err != nil {
		return nil, corrupted("truncated checksum")
	}
	if stored != checksum {
		return nil, corrupted("checksum mismatch")
	}
	var codeLen uint32
	if err := binary.Read(r, binary.BigEndian, &codeLen); err != nil {
		return nil, corrupted("truncated length")
	}
	var digest [digestSize]byte
	if _, err := io.ReadFull(r, digest[:]); err != nil {
		return nil, corrupted("truncated digest")
	}

	payload := data[len(data)-r.Len():]
	if blake3.Sum256(payload) != digest {
		return nil, corrupted("digest mismatch")
	}
	code, err := t.dec.DecodeAll(payload, make([]byte, 0, min(int(codeLen), maxPrealloc)))
	if err != nil {
		return nil, corrupted(err.Error())
	}
	if uint32(len(code)) != codeLen {
		return nil, corrupted("length mismatch")
	}
	return code, nil
}

// remove deletes the artifact. A missing artifact is not an error.
func (t *fsTier) remove(checksum types.Checksum) error {
	err := os.Remove(t.path(checksum))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (t *fsTier) close() {
	t.enc.Close()
	t.dec.Close()
}
