package files

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tincan-im/tincan/internal/store"
)

func TestValidateFile(t *testing.T) {
	cases := []struct {
		name string
		file string
		size int64
		mime string
		want error
	}{
		{"ok image", "photo.png", 1024, "image/png", nil},
		{"ok unknown type", "notes.unknown", 1024, "", nil},
		{"too large", "big.bin", MaxFileSize + 1, "application/pdf", ErrFileTooLarge},
		{"empty", "empty.txt", 0, "text/plain", ErrFileEmpty},
		{"type blocked", "page.html", 10, "text/html", ErrTypeBlocked},
		{"extension blocked", "setup.exe", 10, "", ErrExtBlocked},
		{"extension blocked uppercase", "SETUP.EXE", 10, "", ErrExtBlocked},
		{"script blocked", "run.sh", 10, "", ErrExtBlocked},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ValidateFile(c.file, c.size, c.mime); !errors.Is(got, c.want) {
				t.Fatalf("ValidateFile = %v, want %v", got, c.want)
			}
		})
	}
}

func TestValidateVoiceNote(t *testing.T) {
	if err := ValidateVoiceNote(1024, 60); err != nil {
		t.Fatalf("valid note rejected: %v", err)
	}
	if err := ValidateVoiceNote(MaxVoiceNoteSize+1, 60); !errors.Is(err, ErrVoiceTooLarge) {
		t.Fatalf("err = %v", err)
	}
	if err := ValidateVoiceNote(1024, MaxVoiceNoteSecs+1); !errors.Is(err, ErrVoiceTooLong) {
		t.Fatalf("err = %v", err)
	}
}

func TestFormatFileSize(t *testing.T) {
	cases := map[int64]string{
		0:       "0 Bytes",
		512:     "512 Bytes",
		1536:    "1.50 KB",
		5 << 20: "5.00 MB",
		3 << 30: "3.00 GB",
	}
	for in, want := range cases {
		if got := FormatFileSize(in); got != want {
			t.Errorf("FormatFileSize(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestLimiterWindows(t *testing.T) {
	l := NewLimiter()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		if ok, _ := l.Check(ActionVoiceNote); !ok {
			t.Fatalf("attempt %d denied", i+1)
		}
	}
	ok, retry := l.Check(ActionVoiceNote)
	if ok {
		t.Fatalf("6th voice note allowed")
	}
	if retry <= 0 || retry > time.Minute {
		t.Fatalf("retry = %v", retry)
	}

	// A fresh window resets the count.
	now = now.Add(61 * time.Second)
	if ok, _ := l.Check(ActionVoiceNote); !ok {
		t.Fatalf("denied after window reset")
	}

	// Unlisted actions are unlimited.
	for i := 0; i < 1000; i++ {
		if ok, _ := l.Check("file_upload"); !ok {
			t.Fatalf("unlimited action denied")
		}
	}
}

// ─── uploader ────────────────────────────────────────────────────────────────

type uploadCall struct {
	bucket, path, contentType string
	size                      int
}

type fakeBlobs struct {
	mu    sync.Mutex
	calls []uploadCall
}

func (f *fakeBlobs) Upload(_ context.Context, bucket, path, contentType string, data io.Reader) error {
	b, _ := io.ReadAll(data)
	f.mu.Lock()
	f.calls = append(f.calls, uploadCall{bucket, path, contentType, len(b)})
	f.mu.Unlock()
	return nil
}

func (f *fakeBlobs) PublicURL(bucket, path string) string {
	return "https://backend.test/storage/v1/object/public/" + bucket + "/" + path
}

type fakeSender struct {
	mu   sync.Mutex
	sent []store.Message
}

func (f *fakeSender) SendFile(_ context.Context, conversationID, fileURL, fileName string, fileSize int64, voice bool) (store.Message, error) {
	kind := "file"
	if voice {
		kind = "voice"
	}
	msg := store.Message{
		ID:             "m1",
		ConversationID: conversationID,
		FileURL:        fileURL,
		FileName:       fileName,
		FileSize:       fileSize,
		MessageType:    kind,
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return msg, nil
}

func TestSendAttachment(t *testing.T) {
	blobs := &fakeBlobs{}
	sender := &fakeSender{}
	u := NewUploader(blobs, sender, NewLimiter())

	msg, err := u.SendAttachment(context.Background(), "conv-1", "report.pdf", []byte("pdf-bytes"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(blobs.calls) != 1 {
		t.Fatalf("uploads = %d", len(blobs.calls))
	}
	call := blobs.calls[0]
	if call.bucket != BucketName || call.contentType != "application/pdf" {
		t.Fatalf("upload = %+v", call)
	}
	if !strings.HasPrefix(call.path, "conv-1/") || !strings.HasSuffix(call.path, "-report.pdf") {
		t.Fatalf("object path = %s", call.path)
	}
	if msg.MessageType != "file" || msg.FileName != "report.pdf" {
		t.Fatalf("message = %+v", msg)
	}

	if _, err := u.SendAttachment(context.Background(), "conv-1", "setup.exe", []byte("x")); !errors.Is(err, ErrExtBlocked) {
		t.Fatalf("blocked extension sent: %v", err)
	}
}

func TestSendVoiceNote(t *testing.T) {
	blobs := &fakeBlobs{}
	sender := &fakeSender{}
	u := NewUploader(blobs, sender, NewLimiter())

	msg, err := u.SendVoiceNote(context.Background(), "conv-1", []byte("opus"), 12)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.MessageType != "voice" {
		t.Fatalf("message type = %s", msg.MessageType)
	}
	if blobs.calls[0].contentType != "audio/webm" {
		t.Fatalf("content type = %s", blobs.calls[0].contentType)
	}

	if _, err := u.SendVoiceNote(context.Background(), "conv-1", []byte("opus"), MaxVoiceNoteSecs+1); !errors.Is(err, ErrVoiceTooLong) {
		t.Fatalf("overlong note sent: %v", err)
	}
}

func TestOutboxDeliversDroppedFile(t *testing.T) {
	blobs := &fakeBlobs{}
	sender := &fakeSender{}
	u := NewUploader(blobs, sender, NewLimiter())

	root := filepath.Join(t.TempDir(), "outbox")

	var notified sync.WaitGroup
	notified.Add(1)
	o, err := NewOutbox(root, u, func(store.Message) { notified.Done() })
	if err != nil {
		t.Fatalf("new outbox: %v", err)
	}
	defer o.Close()

	convDir := filepath.Join(root, "conv-1")
	if err := os.MkdirAll(convDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// The directory-create event must land before the file write.
	time.Sleep(200 * time.Millisecond)

	target := filepath.Join(convDir, "notes.txt")
	if err := os.WriteFile(target, []byte("hello from the outbox"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	done := make(chan struct{})
	go func() { notified.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("outbox never delivered the file")
	}

	sender.mu.Lock()
	sent := append([]store.Message(nil), sender.sent...)
	sender.mu.Unlock()
	if len(sent) != 1 || sent[0].ConversationID != "conv-1" || sent[0].FileName != "notes.txt" {
		t.Fatalf("sent = %+v", sent)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("delivered file was not removed")
}
