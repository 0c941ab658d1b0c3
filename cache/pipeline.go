package cache

import (
	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/telcobill/go-cache/compress"
	"github.com/telcobill/go-cache/crypto"
)

// pipeline is the shared compress-then-encrypt processing applied to values
// on the way into a layer, and reversed (decrypt, then decompress) on the
// way out. L1 and L2 configure their own instance independently.
type pipeline struct {
	compressionEnabled   bool
	compressionThreshold int
	codec                compress.Codec
	encryptionKey        []byte // nil when encryption is disabled
	metrics              *metrics
}

func newPipeline(compressionEnabled bool, threshold int, codec compress.Codec, encryptionKey string, m *metrics) (*pipeline, error) {
	p := &pipeline{
		compressionEnabled:   compressionEnabled,
		compressionThreshold: threshold,
		codec:                codec,
		metrics:              m,
	}
	if encryptionKey != "" {
		key, err := crypto.ParseKey(encryptionKey)
		if err != nil {
			return nil, configErrorf("invalid encryption key: %v", err)
		}
		p.encryptionKey = key
	}
	return p, nil
}

// pack serializes a value and runs it through the processing pipeline,
// returning a populated Entry (CreatedAt, TTL, Tags, AccessCount are left
// for the caller).
func (p *pipeline) pack(val any) (data []byte, compressed, encrypted bool, err error) {
	data, err = msgpack.Marshal(val)
	if err != nil {
		return nil, false, false, err
	}
	if p.compressionEnabled && len(data) > p.compressionThreshold {
		data, err = compress.Compress(p.codec, data)
		if err != nil {
			return nil, false, false, err
		}
		compressed = true
		p.metrics.compressions.Add(1)
	}
	if p.encryptionKey != nil {
		data, err = crypto.Encrypt(p.encryptionKey, data)
		if err != nil {
			return nil, false, false, err
		}
		encrypted = true
		p.metrics.encryptions.Add(1)
	}
	return data, compressed, encrypted, nil
}

// unpack reverses pack. Failures here mean the stored bytes or the key are
// wrong, so they surface as corruption errors rather than misses.
func (p *pipeline) unpack(e *Entry) (any, error) {
	data := e.Value
	var err error
	if e.Encrypted {
		if p.encryptionKey == nil {
			return nil, errors.Mark(errors.New("entry is encrypted but no encryption key is configured"), ErrCorrupted)
		}
		data, err = crypto.Decrypt(p.encryptionKey, data)
		if err != nil {
			return nil, corruptedError(err, "decrypt")
		}
	}
	if e.Compressed {
		data, err = compress.Decompress(p.codec, data)
		if err != nil {
			return nil, corruptedError(err, "decompress")
		}
	}
	var out any
	if err := msgpack.Unmarshal(data, &out); err != nil {
		return nil, corruptedError(err, "unmarshal")
	}
	return out, nil
}
