// Package upload validates chat attachments and stores them as blobs.
package upload

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
	"github.com/rs/zerolog/log"

	"evalchat-backend/internal/conversation"
)

const (
	MaxImageSize    = 10 << 20
	MaxDocumentSize = 50 << 20
	MaxVoiceSize    = 50 << 20
)

var (
	ErrWrongType   = errors.New("unsupported file type")
	ErrTooLarge    = errors.New("file too large")
	ErrStorage     = errors.New("storage error")
	ErrNotFound    = errors.New("file not found")
	ErrBadDuration = errors.New("duration is not a finite number")
)

// Error carries a reason that can be shown to the user as is.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string { return e.Reason }
func (e *Error) Unwrap() error { return e.Err }

// AllowedDocumentTypes are the MIME types accepted as documents.
var AllowedDocumentTypes = []string{
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.ms-powerpoint",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"text/plain",
	"text/csv",
	"application/json",
	"application/xml",
	"text/xml",
}

// File is a raw upload. Size may be -1 when unknown; the limit is then
// enforced while streaming.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Uploader validates files and writes them to a BlobStore.
type Uploader struct {
	blobs BlobStore
	newID func() string
}

func NewUploader(blobs BlobStore) *Uploader {
	return &Uploader{blobs: blobs, newID: uuid.NewString}
}

// Image accepts image/* files up to MaxImageSize.
func (u *Uploader) Image(ctx context.Context, f File) (conversation.Image, error) {
	head, body, err := peek(f.Body)
	if err != nil {
		return conversation.Image{}, storageError(err)
	}
	mt := resolveType(f.ContentType, head)
	if !strings.HasPrefix(mt, "image/") || knownNonImage(head) {
		return conversation.Image{}, &Error{Reason: "Please select an image file", Err: ErrWrongType}
	}
	if f.Size > MaxImageSize {
		return conversation.Image{}, &Error{Reason: "Image size must be less than 10MB", Err: ErrTooLarge}
	}
	key := "uploads/" + u.newID() + extension(f.Name, head)
	url, size, err := u.put(ctx, key, body, MaxImageSize, "Image size must be less than 10MB")
	if err != nil {
		return conversation.Image{}, err
	}
	return conversation.Image{URL: url, Filename: f.Name, Size: size}, nil
}

// Document accepts the AllowedDocumentTypes up to MaxDocumentSize.
func (u *Uploader) Document(ctx context.Context, f File) (conversation.Document, error) {
	head, body, err := peek(f.Body)
	if err != nil {
		return conversation.Document{}, storageError(err)
	}
	mt := resolveType(f.ContentType, head)
	if !allowedDocument(mt) || !sniffedDocument(mt, head) {
		return conversation.Document{}, &Error{
			Reason: "Please select a valid document file (PDF, DOC, DOCX, XLS, XLSX, PPT, PPTX, TXT, CSV, JSON, XML)",
			Err:    ErrWrongType,
		}
	}
	if f.Size > MaxDocumentSize {
		return conversation.Document{}, &Error{Reason: "Document size must be less than 50MB", Err: ErrTooLarge}
	}
	key := "uploads/" + u.newID() + extension(f.Name, head)
	url, size, err := u.put(ctx, key, body, MaxDocumentSize, "Document size must be less than 50MB")
	if err != nil {
		return conversation.Document{}, err
	}
	return conversation.Document{URL: url, Filename: f.Name, Size: size, MimeType: mt}, nil
}

// Voice accepts recorded audio up to MaxVoiceSize. The recording is stored
// under a generated voice-*.webm name, which is also the descriptor filename.
func (u *Uploader) Voice(ctx context.Context, f File, duration float64) (conversation.Voice, error) {
	head, body, err := peek(f.Body)
	if err != nil {
		return conversation.Voice{}, storageError(err)
	}
	mt := resolveType(f.ContentType, head)
	if !strings.HasPrefix(mt, "audio/") && mt != "video/webm" && !filetype.IsAudio(head) {
		return conversation.Voice{}, &Error{Reason: "Please record or select an audio file", Err: ErrWrongType}
	}
	if !sniffedVoice(head) {
		return conversation.Voice{}, &Error{Reason: "Please record or select an audio file", Err: ErrWrongType}
	}
	if math.IsNaN(duration) || math.IsInf(duration, 0) {
		return conversation.Voice{}, &Error{Reason: "Invalid voice message duration", Err: ErrBadDuration}
	}
	if f.Size > MaxVoiceSize {
		return conversation.Voice{}, &Error{Reason: "Voice message size must be less than 50MB", Err: ErrTooLarge}
	}
	if duration < 0 {
		duration = 0
	}
	name := "voice-" + u.newID() + ".webm"
	url, size, err := u.put(ctx, "uploads/"+name, body, MaxVoiceSize, "Voice message size must be less than 50MB")
	if err != nil {
		return conversation.Voice{}, err
	}
	return conversation.Voice{URL: url, Filename: name, Size: size, Duration: duration}, nil
}

// Delete removes a stored upload by its file name, the last element of the
// URL returned when it was stored.
func (u *Uploader) Delete(ctx context.Context, name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return &Error{Reason: "Invalid file name", Err: ErrNotFound}
	}
	err := u.blobs.Delete(ctx, "uploads/"+name)
	if errors.Is(err, ErrNotFound) {
		return &Error{Reason: "File not found", Err: ErrNotFound}
	}
	if err != nil {
		log.Error().Err(err).Str("component", "upload").Str("name", name).Msg("blob delete failed")
		return storageError(err)
	}
	return nil
}

func (u *Uploader) put(ctx context.Context, key string, body io.Reader, limit int64, tooLarge string) (string, int64, error) {
	cr := &capReader{r: body, remaining: limit}
	url, err := u.blobs.Put(ctx, key, cr)
	if errors.Is(err, ErrTooLarge) {
		return "", 0, &Error{Reason: tooLarge, Err: ErrTooLarge}
	}
	if err != nil {
		log.Error().Err(err).Str("component", "upload").Str("key", key).Msg("blob write failed")
		return "", 0, storageError(err)
	}
	return url, cr.read, nil
}

func storageError(err error) error {
	return &Error{Reason: fmt.Sprintf("Upload failed: %v", err), Err: fmt.Errorf("%w: %w", ErrStorage, err)}
}

// peek returns the leading bytes used for type sniffing along with a reader
// that still yields the whole body.
func peek(r io.Reader) ([]byte, io.Reader, error) {
	br := bufio.NewReaderSize(r, 512)
	head, err := br.Peek(261)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, nil, err
	}
	return head, br, nil
}

// resolveType prefers the declared content type and falls back to sniffing.
func resolveType(declared string, head []byte) string {
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown {
		return kind.MIME.Value
	}
	return ""
}

// knownNonImage reports whether the sniffed bytes positively identify some
// other kind of file.
func knownNonImage(head []byte) bool {
	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown {
		return false
	}
	return !filetype.IsImage(head)
}

// sniffedDocument checks the magic number against the declared document type.
// Unrecognised bytes pass, since the text formats carry no signature. OOXML
// files may only be recognised as their zip container from the header.
func sniffedDocument(declared string, head []byte) bool {
	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown {
		return true
	}
	if kind.MIME.Value == "application/zip" {
		return strings.HasPrefix(declared, "application/vnd.openxmlformats-officedocument.")
	}
	return allowedDocument(kind.MIME.Value)
}

// sniffedVoice rejects recordings whose bytes are positively identified as
// something other than audio. Browsers record into webm or mp4 containers.
func sniffedVoice(head []byte) bool {
	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown || filetype.IsAudio(head) {
		return true
	}
	switch kind.MIME.Value {
	case "video/webm", "video/mp4":
		return true
	}
	return false
}

func allowedDocument(mt string) bool {
	for _, t := range AllowedDocumentTypes {
		if t == mt {
			return true
		}
	}
	return false
}

func extension(name string, head []byte) string {
	if ext := strings.ToLower(filepath.Ext(name)); ext != "" {
		return ext
	}
	if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown {
		return "." + kind.Extension
	}
	return ""
}

// capReader fails with ErrTooLarge once more than remaining bytes are read.
type capReader struct {
	r         io.Reader
	remaining int64
	read      int64
}

func (c *capReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	c.remaining -= int64(n)
	if c.remaining < 0 {
		return n, ErrTooLarge
	}
	return n, err
}
