package cache

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telcobill/go-cache/compress"
)

func TestPipelinePlain(t *testing.T) {
	p, err := newPipeline(false, 0, "", "", &metrics{})
	require.NoError(t, err)

	data, compressed, encrypted, err := p.pack(map[string]any{"a": "b"})
	require.NoError(t, err)
	assert.False(t, compressed)
	assert.False(t, encrypted)

	val, err := p.unpack(&Entry{Value: data})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"a": "b"}, val)
}

func TestPipelineCompressionThreshold(t *testing.T) {
	m := &metrics{}
	p, err := newPipeline(true, 100, compress.CodecGzip, "", m)
	require.NoError(t, err)

	_, compressed, _, err := p.pack("short")
	require.NoError(t, err)
	assert.False(t, compressed)
	assert.Equal(t, int64(0), m.compressions.Load())

	big := strings.Repeat("billing cycle 42 ", 64)
	data, compressed, _, err := p.pack(big)
	require.NoError(t, err)
	assert.True(t, compressed)
	assert.Less(t, len(data), len(big))
	assert.Equal(t, int64(1), m.compressions.Load())

	val, err := p.unpack(&Entry{Value: data, Compressed: true})
	require.NoError(t, err)
	assert.Equal(t, big, val)
}

func TestPipelineZstd(t *testing.T) {
	p, err := newPipeline(true, 10, compress.CodecZstd, "", &metrics{})
	require.NoError(t, err)

	big := strings.Repeat("subscriber 7 ", 32)
	data, compressed, _, err := p.pack(big)
	require.NoError(t, err)
	assert.True(t, compressed)

	val, err := p.unpack(&Entry{Value: data, Compressed: true})
	require.NoError(t, err)
	assert.Equal(t, big, val)
}

func TestPipelineEncryption(t *testing.T) {
	m := &metrics{}
	p, err := newPipeline(false, 0, "", "passphrase", m)
	require.NoError(t, err)

	data, _, encrypted, err := p.pack("secret")
	require.NoError(t, err)
	assert.True(t, encrypted)
	assert.Equal(t, int64(1), m.encryptions.Load())

	val, err := p.unpack(&Entry{Value: data, Encrypted: true})
	require.NoError(t, err)
	assert.Equal(t, "secret", val)
}

func TestPipelineWrongKey(t *testing.T) {
	writer, err := newPipeline(false, 0, "", "key-one", &metrics{})
	require.NoError(t, err)
	reader, err := newPipeline(false, 0, "", "key-two", &metrics{})
	require.NoError(t, err)

	data, _, _, err := writer.pack("secret")
	require.NoError(t, err)

	_, err = reader.unpack(&Entry{Value: data, Encrypted: true})
	require.Error(t, err)
	assert.True(t, IsCorrupted(err))
}

func TestPipelineEncryptedWithoutKey(t *testing.T) {
	p, err := newPipeline(false, 0, "", "", &metrics{})
	require.NoError(t, err)

	_, err = p.unpack(&Entry{Value: []byte{1, 2, 3}, Encrypted: true})
	require.Error(t, err)
	assert.True(t, IsCorrupted(err))
}

func TestPipelineGarbage(t *testing.T) {
	p, err := newPipeline(false, 0, "", "", &metrics{})
	require.NoError(t, err)

	_, err = p.unpack(&Entry{Value: []byte{0xc1}, Compressed: false})
	require.Error(t, err)
	assert.True(t, IsCorrupted(err))

	_, err = p.unpack(&Entry{Value: []byte("not gzip"), Compressed: true})
	require.Error(t, err)
	assert.True(t, IsCorrupted(err))
}

func TestEntryExpired(t *testing.T) {
	now := time.Now()
	e := Entry{CreatedAt: now, TTL: time.Minute}
	assert.False(t, e.Expired(now))
	assert.False(t, e.Expired(now.Add(59*time.Second)))
	assert.True(t, e.Expired(now.Add(61*time.Second)))
}

func TestNormalizeTags(t *testing.T) {
	assert.Equal(t, []string{"general"}, normalizeTags(nil))
	assert.Equal(t, []string{"general"}, normalizeTags([]string{"", ""}))
	assert.Equal(t, []string{"a", "b"}, normalizeTags([]string{"a", "b", "a", ""}))
}

func TestApplySetOptions(t *testing.T) {
	o := applySetOptions(5*time.Minute, nil)
	assert.Equal(t, 5*time.Minute, o.ttl)
	assert.Equal(t, []string{"general"}, o.tags)

	o = applySetOptions(5*time.Minute, []SetOption{WithTTL(time.Second), WithTags("x")})
	assert.Equal(t, time.Second, o.ttl)
	assert.Equal(t, []string{"x"}, o.tags)

	// Non-positive TTLs fall back to the default.
	o = applySetOptions(5*time.Minute, []SetOption{WithTTL(-1)})
	assert.Equal(t, 5*time.Minute, o.ttl)
}
