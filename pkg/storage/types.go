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

// Compression identifies the codec a RecordBatch's payload was written with.
// Preserved across compaction: cleanInto never upgrades or changes codec.
type Compression byte

const (
	CompressionNone Compression = 0
	CompressionGzip Compression = 1
)

// TimestampType distinguishes records timestamped by the producer from
// records timestamped on append by the broker. Preserved across compaction.
type TimestampType byte

const (
	TimestampCreateTime     TimestampType = 0
	TimestampLogAppendTime  TimestampType = 1
)

// Record is a single logical message. A Record with Value == nil is a
// tombstone: a compaction marker meaning "delete this key".
type Record struct {
	Offset    int64
	Timestamp int64
	Key       []byte // nil means no key (always retained by the cleaner, never deduplicated)
	Value     []byte // nil means tombstone
}

// IsTombstone reports whether this record signals deletion of its key.
func (r Record) IsTombstone() bool {
	return r.Value == nil
}

// ByteRange is an inclusive byte range used for range-read requests against
// the archive tier.
type ByteRange struct {
	Start int64
	End   int64
}
