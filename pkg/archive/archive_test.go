package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

type apiError struct {
	code string
}

func (e *apiError) Error() string                 { return e.code }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return e.code }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

type mockS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (m *mockS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[*in.Key]
	if !ok {
		return nil, &apiError{code: "NoSuchKey"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[*in.Key] = data
	m.types[*in.Key] = *in.ContentType
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[*in.Key]; !ok {
		return nil, &apiError{code: "NotFound"}
	}
	return &s3.HeadObjectOutput{}, nil
}

func TestAudioName(t *testing.T) {
	ts := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	if got, want := AudioName(ts, "0123456789abcdef"), "command_audio_20240309_140507_01234567.wav"; got != want {
		t.Errorf("AudioName = %q, want %q", got, want)
	}
	if got, want := AudioName(ts, "ab"), "command_audio_20240309_140507_ab.wav"; got != want {
		t.Errorf("short id = %q, want %q", got, want)
	}
}

func testStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	name, err := SaveAudio(ctx, s, time.Now(), "deadbeef-0000", []byte("RIFF"))
	if err != nil {
		t.Fatalf("SaveAudio: %v", err)
	}
	ok, err := s.Exists(ctx, name)
	if err != nil || !ok {
		t.Fatalf("Exists(%s) = %v, %v", name, ok, err)
	}
	r, err := s.Get(ctx, name)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if string(got) != "RIFF" {
		t.Errorf("got %q", got)
	}

	if ok, err := s.Exists(ctx, "missing.wav"); err != nil || ok {
		t.Errorf("Exists(missing) = %v, %v", ok, err)
	}
	if _, err := s.Get(ctx, "missing.wav"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Get(missing) err = %v", err)
	}
}

func TestLocal(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLocal(filepath.Join(dir, "audio"))
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	testStore(t, l)

	entries, err := os.ReadDir(l.Root())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("%d entries left in archive dir, want 1", len(entries))
	}
}

func TestS3(t *testing.T) {
	m := newMockS3()
	s := NewS3(m, "bucket", "captures")
	testStore(t, s)
	for k, ct := range m.types {
		if filepath.Dir(k) != "captures" {
			t.Errorf("key %q not under prefix", k)
		}
		if ct != "audio/wav" {
			t.Errorf("content type = %q", ct)
		}
	}
}

func TestS3PutError(t *testing.T) {
	m := newMockS3()
	m.putErr = errors.New("boom")
	if _, err := SaveAudio(context.Background(), NewS3(m, "b", ""), time.Now(), "id", nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestEnvCredentials(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "")
	if _, err := envCredentials(context.Background()); err == nil {
		t.Fatal("empty credentials accepted")
	}
	t.Setenv("AWS_ACCESS_KEY_ID", "AKID")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")
	c, err := envCredentials(context.Background())
	if err != nil {
		t.Fatalf("envCredentials: %v", err)
	}
	if c.AccessKeyID != "AKID" || c.SecretAccessKey != "secret" {
		t.Errorf("credentials = %+v", c)
	}
}

func TestNewS3Client(t *testing.T) {
	c := NewS3Client(S3Options{Region: "us-east-1", Endpoint: "http://127.0.0.1:9000", PathStyle: true})
	o := c.Options()
	if o.Region != "us-east-1" || !o.UsePathStyle || o.BaseEndpoint == nil || *o.BaseEndpoint != "http://127.0.0.1:9000" {
		t.Errorf("options = region %q path style %v", o.Region, o.UsePathStyle)
	}
}
