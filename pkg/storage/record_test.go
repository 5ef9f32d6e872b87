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

import "testing"

func TestEncodeDecodeShallowRecord(t *testing.T) {
	batch := &RecordBatch{
		BaseOffset:      5,
		LastOffsetDelta: 0,
		FirstTimestamp:  1000,
		Compression:     CompressionNone,
		Records: []Record{
			{Offset: 5, Timestamp: 1000, Key: []byte("a"), Value: []byte("v1")},
		},
	}
	data, err := EncodeRecordBatch(batch)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, consumed, ok, err := DecodeRecordBatch(data)
	if err != nil || !ok {
		t.Fatalf("decode: ok=%v err=%v", ok, err)
	}
	if consumed != len(data) {
		t.Fatalf("consumed %d, want %d", consumed, len(data))
	}
	if len(decoded.Records) != 1 || decoded.Records[0].Offset != 5 {
		t.Fatalf("unexpected records: %#v", decoded.Records)
	}
	if string(decoded.Records[0].Value) != "v1" {
		t.Fatalf("value mismatch: %s", decoded.Records[0].Value)
	}
}

func TestEncodeDecodeCompressedContainer(t *testing.T) {
	batch := &RecordBatch{
		BaseOffset:      10,
		LastOffsetDelta: 2,
		FirstTimestamp:  5000,
		Compression:     CompressionGzip,
		Records: []Record{
			{Offset: 10, Timestamp: 5000, Key: []byte("a"), Value: []byte("v1")},
			{Offset: 11, Timestamp: 5010, Key: []byte("b"), Value: nil}, // tombstone
			{Offset: 12, Timestamp: 5020, Key: []byte("c"), Value: []byte("v3")},
		},
	}
	data, err := EncodeRecordBatch(batch)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, _, ok, err := DecodeRecordBatch(data)
	if err != nil || !ok {
		t.Fatalf("decode: ok=%v err=%v", ok, err)
	}
	if len(decoded.Records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(decoded.Records))
	}
	if !decoded.Records[1].IsTombstone() {
		t.Fatalf("expected record 1 to be a tombstone")
	}
	if decoded.Records[2].Timestamp != 5020 {
		t.Fatalf("timestamp mismatch: %d", decoded.Records[2].Timestamp)
	}
}

func TestDecodeRecordBatchIncomplete(t *testing.T) {
	batch := &RecordBatch{
		BaseOffset: 0, FirstTimestamp: 0, Compression: CompressionNone,
		Records: []Record{{Offset: 0, Timestamp: 0, Key: []byte("a"), Value: []byte("v")}},
	}
	data, _ := EncodeRecordBatch(batch)
	_, _, ok, err := DecodeRecordBatch(data[:len(data)-1])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for truncated entry")
	}
}

func TestPatchBaseOffset(t *testing.T) {
	batch := &RecordBatch{
		BaseOffset: 0,
		Records: []Record{
			{Offset: 0, Key: []byte("a")},
			{Offset: 1, Key: []byte("b")},
		},
	}
	PatchBaseOffset(batch, 100)
	if batch.BaseOffset != 100 || batch.Records[0].Offset != 100 || batch.Records[1].Offset != 101 {
		t.Fatalf("unexpected offsets after patch: %#v", batch)
	}
}
