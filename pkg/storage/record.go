// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// entryHeaderSize is the size in bytes of the fixed entry header that
// precedes every RecordBatch's payload on disk.
const entryHeaderSize = 40

const entryMagic = uint32(0x434c4231) // "CLB1"

// RecordBatch is one on-disk entry: either one or more uncompressed records
// (Compression == CompressionNone) or a compressed container holding
// multiple inner records sharing one codec.
//
// BaseOffset is the absolute offset of the first record. Inner records are
// addressed by OffsetDelta relative to BaseOffset, matching the spec's
// "inner relative offsets" requirement — recompaction recomputes these
// deltas relative to the first retained offset rather than carrying them
// forward unchanged.
type RecordBatch struct {
	BaseOffset      int64
	LastOffsetDelta int32
	FirstTimestamp  int64
	Compression     Compression
	TimestampType   TimestampType
	Records         []Record
}

// MessageCount returns the number of logical records this entry carries.
func (b *RecordBatch) MessageCount() int32 {
	return int32(len(b.Records))
}

// PatchBaseOffset overwrites BaseOffset and every record's absolute Offset,
// keeping their relative spacing. Used by the log when assigning offsets to
// a freshly appended entry.
func PatchBaseOffset(b *RecordBatch, baseOffset int64) {
	delta := baseOffset - b.BaseOffset
	b.BaseOffset = baseOffset
	for i := range b.Records {
		b.Records[i].Offset += delta
	}
}

// EncodeRecordBatch serializes b to its on-disk representation: a fixed
// 40-byte header followed by a payload. For CompressionNone the payload is
// the concatenation of every record's encoded bytes; otherwise it is the
// gzip-compressed form of that concatenation.
func EncodeRecordBatch(b *RecordBatch) ([]byte, error) {
	if len(b.Records) == 0 {
		return nil, fmt.Errorf("encode record batch: no records")
	}
	inner := make([]byte, 0, 64*len(b.Records))
	for _, rec := range b.Records {
		inner = append(inner, encodeInnerRecord(rec, b.BaseOffset, b.FirstTimestamp)...)
	}

	var payload []byte
	switch b.Compression {
	case CompressionNone:
		payload = inner
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(inner); err != nil {
			return nil, fmt.Errorf("gzip record batch: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip record batch: %w", err)
		}
		payload = buf.Bytes()
	default:
		return nil, fmt.Errorf("encode record batch: unknown compression %d", b.Compression)
	}

	header := make([]byte, entryHeaderSize)
	binary.BigEndian.PutUint32(header[0:4], entryMagic)
	binary.BigEndian.PutUint64(header[4:12], uint64(b.BaseOffset))
	binary.BigEndian.PutUint32(header[12:16], uint32(b.LastOffsetDelta))
	binary.BigEndian.PutUint32(header[16:20], uint32(len(b.Records)))
	binary.BigEndian.PutUint64(header[20:28], uint64(b.FirstTimestamp))
	header[28] = byte(b.Compression)
	header[29] = byte(b.TimestampType)
	binary.BigEndian.PutUint32(header[32:36], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[36:40], crc32.ChecksumIEEE(payload))

	return append(header, payload...), nil
}

// DecodeRecordBatch reads one entry starting at the beginning of data.
// Returns the decoded batch and the number of bytes consumed. If data holds
// less than a full entry, ok is false and the caller should read more bytes.
func DecodeRecordBatch(data []byte) (batch *RecordBatch, consumed int, ok bool, err error) {
	if len(data) < entryHeaderSize {
		return nil, 0, false, nil
	}
	magic := binary.BigEndian.Uint32(data[0:4])
	if magic != entryMagic {
		return nil, 0, false, fmt.Errorf("decode record batch: bad magic %x", magic)
	}
	baseOffset := int64(binary.BigEndian.Uint64(data[4:12]))
	lastOffsetDelta := int32(binary.BigEndian.Uint32(data[12:16]))
	messageCount := binary.BigEndian.Uint32(data[16:20])
	firstTimestamp := int64(binary.BigEndian.Uint64(data[20:28]))
	compression := Compression(data[28])
	timestampType := TimestampType(data[29])
	payloadLen := binary.BigEndian.Uint32(data[32:36])
	crc := binary.BigEndian.Uint32(data[36:40])

	total := entryHeaderSize + int(payloadLen)
	if len(data) < total {
		return nil, 0, false, nil
	}
	payload := data[entryHeaderSize:total]
	if crc32.ChecksumIEEE(payload) != crc {
		return nil, 0, false, fmt.Errorf("decode record batch: crc mismatch at offset %d", baseOffset)
	}

	var inner []byte
	switch compression {
	case CompressionNone:
		inner = payload
	case CompressionGzip:
		r, gzErr := gzip.NewReader(bytes.NewReader(payload))
		if gzErr != nil {
			return nil, 0, false, fmt.Errorf("decode record batch: %w", gzErr)
		}
		inner, gzErr = io.ReadAll(r)
		if gzErr != nil {
			return nil, 0, false, fmt.Errorf("decode record batch: %w", gzErr)
		}
	default:
		return nil, 0, false, fmt.Errorf("decode record batch: unknown compression %d", compression)
	}

	records := make([]Record, 0, messageCount)
	rest := inner
	for i := uint32(0); i < messageCount; i++ {
		rec, n, decErr := decodeInnerRecord(rest, baseOffset)
		if decErr != nil {
			return nil, 0, false, fmt.Errorf("decode record batch: inner record %d: %w", i, decErr)
		}
		rec.Timestamp += firstTimestamp
		records = append(records, rec)
		rest = rest[n:]
	}

	return &RecordBatch{
		BaseOffset:      baseOffset,
		LastOffsetDelta: lastOffsetDelta,
		FirstTimestamp:  firstTimestamp,
		Compression:     compression,
		TimestampType:   timestampType,
		Records:         records,
	}, total, true, nil
}

// encodeInnerRecord serializes one record as offsetDelta/timestampDelta
// relative to the container's base, followed by optional key and value.
func encodeInnerRecord(r Record, baseOffset, firstTimestamp int64) []byte {
	buf := make([]byte, 0, 32+len(r.Key)+len(r.Value))
	tmp4 := make([]byte, 4)
	tmp8 := make([]byte, 8)

	binary.BigEndian.PutUint32(tmp4, uint32(r.Offset-baseOffset))
	buf = append(buf, tmp4...)

	binary.BigEndian.PutUint64(tmp8, uint64(r.Timestamp-firstTimestamp))
	buf = append(buf, tmp8...)

	buf = appendLengthPrefixed(buf, r.Key)
	buf = appendLengthPrefixed(buf, r.Value)
	return buf
}

func appendLengthPrefixed(buf, data []byte) []byte {
	tmp4 := make([]byte, 4)
	if data == nil {
		binary.BigEndian.PutUint32(tmp4, 0xFFFFFFFF) // -1 as uint32, i.e. null marker
		return append(buf, tmp4...)
	}
	binary.BigEndian.PutUint32(tmp4, uint32(len(data)))
	buf = append(buf, tmp4...)
	return append(buf, data...)
}

func decodeInnerRecord(data []byte, baseOffset int64) (Record, int, error) {
	if len(data) < 12 {
		return Record{}, 0, fmt.Errorf("truncated inner record header")
	}
	offsetDelta := int32(binary.BigEndian.Uint32(data[0:4]))
	timestampDelta := int64(binary.BigEndian.Uint64(data[4:12]))
	pos := 12

	key, n, err := readLengthPrefixed(data[pos:])
	if err != nil {
		return Record{}, 0, fmt.Errorf("key: %w", err)
	}
	pos += n

	value, n, err := readLengthPrefixed(data[pos:])
	if err != nil {
		return Record{}, 0, fmt.Errorf("value: %w", err)
	}
	pos += n

	return Record{
		Offset:    baseOffset + int64(offsetDelta),
		Timestamp: timestampDelta, // caller rebases against FirstTimestamp
		Key:       key,
		Value:     value,
	}, pos, nil
}

func readLengthPrefixed(data []byte) ([]byte, int, error) {
	if len(data) < 4 {
		return nil, 0, fmt.Errorf("truncated length prefix")
	}
	raw := binary.BigEndian.Uint32(data[0:4])
	if raw == 0xFFFFFFFF {
		return nil, 4, nil
	}
	length := int(raw)
	if len(data) < 4+length {
		return nil, 0, fmt.Errorf("truncated payload: need %d have %d", length, len(data)-4)
	}
	out := append([]byte(nil), data[4:4+length]...)
	return out, 4 + length, nil
}
