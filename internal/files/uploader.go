package files

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/tincan-im/tincan/internal/store"
)

// BucketName is the storage bucket holding chat attachments.
const BucketName = "chat-files"

type blobStore interface {
	Upload(ctx context.Context, bucket, path, contentType string, data io.Reader) error
	PublicURL(bucket, path string) string
}

type messageSender interface {
	SendFile(ctx context.Context, conversationID, fileURL, fileName string, fileSize int64, voice bool) (store.Message, error)
}

// Uploader pushes validated attachments into the chat-files bucket and
// inserts the pointing message.
type Uploader struct {
	blobs    blobStore
	messages messageSender
	limiter  *Limiter
}

func NewUploader(blobs blobStore, messages messageSender, limiter *Limiter) *Uploader {
	return &Uploader{blobs: blobs, messages: messages, limiter: limiter}
}

// SendAttachment validates, uploads, and announces one file attachment.
func (u *Uploader) SendAttachment(ctx context.Context, conversationID, fileName string, data []byte) (store.Message, error) {
	mimeType := mime.TypeByExtension(filepath.Ext(fileName))
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = mt
	}
	if err := ValidateFile(fileName, int64(len(data)), mimeType); err != nil {
		return store.Message{}, err
	}
	if ok, retry := u.limiter.Check(ActionMessage); !ok {
		return store.Message{}, u.limiter.Err(ActionMessage, retry)
	}
	return u.send(ctx, conversationID, fileName, mimeType, data, false)
}

// SendVoiceNote validates and uploads a recorded voice note (webm/opus).
func (u *Uploader) SendVoiceNote(ctx context.Context, conversationID string, data []byte, durationSecs int) (store.Message, error) {
	if err := ValidateVoiceNote(int64(len(data)), durationSecs); err != nil {
		return store.Message{}, err
	}
	if ok, retry := u.limiter.Check(ActionVoiceNote); !ok {
		return store.Message{}, u.limiter.Err(ActionVoiceNote, retry)
	}
	name := fmt.Sprintf("voice-%ds.webm", durationSecs)
	return u.send(ctx, conversationID, name, "audio/webm", data, true)
}

func (u *Uploader) send(ctx context.Context, conversationID, fileName, mimeType string, data []byte, voice bool) (store.Message, error) {
	// Random object prefix keeps colliding filenames apart.
	path := conversationID + "/" + uuid.NewString() + "-" + filepath.Base(fileName)
	if err := u.blobs.Upload(ctx, BucketName, path, mimeType, bytes.NewReader(data)); err != nil {
		return store.Message{}, fmt.Errorf("upload attachment: %w", err)
	}
	url := u.blobs.PublicURL(BucketName, path)
	return u.messages.SendFile(ctx, conversationID, url, filepath.Base(fileName), int64(len(data)), voice)
}
