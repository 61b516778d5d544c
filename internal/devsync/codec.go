package devsync

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
)

// Checksum returns the lowercase hex SHA-256 of data.
func Checksum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// canonicalJSON encodes r with sorted keys.
func canonicalJSON(r Record) ([]byte, error) {
	if r == nil {
		r = Record{}
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return b, nil
}

// encodeRecord produces the stored bytes and metadata for r. Compression is
// applied before encryption.
func encodeRecord(r Record, compress bool, enc Encryptor) ([]byte, OfflineMetadata, error) {
	plain, err := canonicalJSON(r)
	if err != nil {
		return nil, OfflineMetadata{}, err
	}
	meta := OfflineMetadata{Checksum: Checksum(plain)}
	data := plain
	if compress {
		data = snappy.Encode(nil, data)
		meta.Compressed = true
	}
	if enc != nil {
		var buf bytes.Buffer
		if err := enc.Encrypt(bytes.NewReader(data), &buf); err != nil {
			return nil, OfflineMetadata{}, fmt.Errorf("encrypting record: %w", err)
		}
		data = buf.Bytes()
		meta.Encrypted = true
	}
	meta.Size = int64(len(data))
	return data, meta, nil
}

// decodeRecord reverses encodeRecord and verifies the checksum.
func decodeRecord(entry *OfflineData, dc DecryptionContext) (Record, error) {
	data := entry.Data
	if entry.Metadata.Encrypted {
		if dc == nil {
			return nil, ErrLocked
		}
		var buf bytes.Buffer
		if err := dc.Decrypt(bytes.NewReader(data), &buf); err != nil {
			return nil, fmt.Errorf("decrypting offline entry %s: %w", entry.ID, err)
		}
		data = buf.Bytes()
	}
	if entry.Metadata.Compressed {
		var err error
		data, err = snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("decompressing offline entry %s: %w", entry.ID, err)
		}
	}
	if got := Checksum(data); got != entry.Metadata.Checksum {
		return nil, &IntegrityError{EntryID: entry.ID, Want: entry.Metadata.Checksum, Got: got}
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding offline entry %s: %w", entry.ID, err)
	}
	return r, nil
}
