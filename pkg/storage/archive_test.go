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
	"context"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeS3API struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3API() *fakeS3API {
	return &fakeS3API{objects: make(map[string][]byte)}
}

func (f *fakeS3API) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects[*params.Key] = data
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3API) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	data, ok := f.objects[*params.Key]
	f.mu.Unlock()
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestArchiverUploadAndDownload(t *testing.T) {
	api := newFakeS3API()
	a := newArchiverWithAPI(api, "corelog-archive", 2, nil)

	payload := []byte("segment-bytes")
	if err := a.Upload(context.Background(), "orders", 0, 100, payload); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	got, err := a.Download(context.Background(), "orders", 0, 100, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Download() = %q, want %q", got, payload)
	}
}

func TestArchiverEnqueueCompletesAsynchronously(t *testing.T) {
	api := newFakeS3API()
	a := newArchiverWithAPI(api, "corelog-archive", 2, nil)

	a.Enqueue("orders", 1, 0, []byte("a"))
	a.Enqueue("orders", 1, 1, []byte("b"))
	if err := a.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if _, err := a.Download(context.Background(), "orders", 1, 0, nil); err != nil {
		t.Fatalf("expected first enqueued upload to have landed: %v", err)
	}
}

func TestArchiverUploadBatch(t *testing.T) {
	api := newFakeS3API()
	a := newArchiverWithAPI(api, "corelog-archive", 4, nil)

	uploads := []struct {
		Topic      string
		Partition  int32
		BaseOffset int64
		Data       []byte
	}{
		{Topic: "orders", Partition: 0, BaseOffset: 0, Data: []byte("x")},
		{Topic: "orders", Partition: 0, BaseOffset: 10, Data: []byte("y")},
	}
	if err := a.UploadBatch(context.Background(), uploads); err != nil {
		t.Fatalf("UploadBatch: %v", err)
	}
	for _, u := range uploads {
		if _, err := a.Download(context.Background(), u.Topic, u.Partition, u.BaseOffset, nil); err != nil {
			t.Fatalf("download after batch upload: %v", err)
		}
	}
}
