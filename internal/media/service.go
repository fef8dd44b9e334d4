package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/angelmondragon/vehiclehealth-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/vehiclehealth-backend/pkg/errors"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/logger"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/types"
)

const defaultMaxBytes = 200 << 20

var mimeTypesByModality = map[enums.Modality][]string{
	enums.ModalityAudio: {"audio/wav", "audio/x-wav", "audio/mpeg", "audio/mp4", "audio/x-m4a", "audio/aac", "audio/ogg", "audio/webm", "audio/flac"},
	enums.ModalityVideo: {"video/mp4", "video/quicktime", "video/webm", "video/x-matroska", "video/3gpp"},
}

// Params configure the local media store.
type Params struct {
	DataDir   string
	MaxBytes  int64
	ZstdLevel int
	Logger    *logger.Logger
}

// Store keeps captured media on local disk and prepares it for upload.
type Store struct {
	dir      string
	maxBytes int64
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
	logg     *logger.Logger
}

// NewStore builds a media store rooted at params.DataDir.
func NewStore(params Params) (*Store, error) {
	if strings.TrimSpace(params.DataDir) == "" {
		return nil, fmt.Errorf("media data dir required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if err := os.MkdirAll(params.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	maxBytes := params.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	level := params.ZstdLevel
	if level <= 0 {
		level = 3
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Store{dir: params.DataDir, maxBytes: maxBytes, encoder: encoder, decoder: decoder, logg: params.Logger}, nil
}

// Close releases the decoder's background goroutines.
func (s *Store) Close() {
	s.decoder.Close()
}

// Save writes captured media for a record and returns its reference. The
// content type is sniffed from the bytes; the declared fileName only
// contributes a readable suffix.
func (s *Store) Save(ctx context.Context, modality enums.Modality, ownerID, recordID uuid.UUID, fileName string, r io.Reader) (types.MediaRef, error) {
	data, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return types.MediaRef{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read media")
	}
	if len(data) == 0 {
		return types.MediaRef{}, pkgerrors.New(pkgerrors.CodeValidation, "media is empty")
	}
	if int64(len(data)) > s.maxBytes {
		return types.MediaRef{}, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("media must be <= %d bytes", s.maxBytes))
	}

	detected := mimetype.Detect(data)
	if !isAllowedMime(modality, detected) {
		return types.MediaRef{}, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("media type %s not allowed for %s capture", detected.String(), modality))
	}

	ownerDir := filepath.Join(s.dir, ownerID.String())
	if err := os.MkdirAll(ownerDir, 0o750); err != nil {
		return types.MediaRef{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create owner media dir")
	}
	localPath := filepath.Join(ownerDir, buildFileName(recordID, fileName, detected.Extension()))
	if err := writeFileAtomic(localPath, data); err != nil {
		return types.MediaRef{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "write media")
	}

	ref := types.MediaRef{
		LocalPath:   localPath,
		ContentHash: ContentHash(data),
		MimeType:    baseMime(detected.String()),
		SizeBytes:   int64(len(data)),
	}
	s.logg.Debug(s.logg.WithFields(ctx, map[string]any{
		"record_id": recordID.String(),
		"mime_type": ref.MimeType,
		"bytes":     ref.SizeBytes,
	}), "media stored locally")
	return ref, nil
}

// Load reads the local file behind ref and verifies it against the recorded
// content hash.
func (s *Store) Load(ref types.MediaRef) ([]byte, error) {
	if !ref.HasLocalFile() {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "record has no local media")
	}
	data, err := os.ReadFile(ref.LocalPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "local media missing")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "read local media")
	}
	if actual := ContentHash(data); ref.ContentHash != "" && actual != ref.ContentHash {
		return nil, pkgerrors.Integrity(ref.ContentHash, actual)
	}
	return data, nil
}

// Delete removes the local file behind ref. A missing file is not an error.
func (s *Store) Delete(ref types.MediaRef) error {
	if !ref.HasLocalFile() {
		return nil
	}
	if err := os.Remove(ref.LocalPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Compress encodes media for transfer.
func (s *Store) Compress(data []byte) []byte {
	return s.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

// Decompress reverses Compress.
func (s *Store) Decompress(data []byte) ([]byte, error) {
	out, err := s.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeIntegrity, err, "decode compressed media")
	}
	return out, nil
}

// ContentHash is the hex sha256 of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ObjectKey is the id-addressed remote object name for a record's media.
func ObjectKey(prefix string, ownerID, recordID uuid.UUID) string {
	prefix = strings.Trim(prefix, "/")
	key := fmt.Sprintf("%s/%s.zst", ownerID.String(), recordID.String())
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

func isAllowedMime(modality enums.Modality, detected *mimetype.MIME) bool {
	allowed, ok := mimeTypesByModality[modality]
	if !ok {
		return false
	}
	for m := detected; m != nil; m = m.Parent() {
		for _, candidate := range allowed {
			if m.Is(candidate) {
				return true
			}
		}
	}
	return false
}

func baseMime(value string) string {
	if i := strings.IndexByte(value, ';'); i >= 0 {
		return strings.TrimSpace(value[:i])
	}
	return value
}

func buildFileName(id uuid.UUID, fileName, ext string) string {
	cleanName := sanitizeFileName(strings.TrimSuffix(fileName, path.Ext(fileName)))
	if cleanName == "" {
		return id.String() + ext
	}
	return fmt.Sprintf("%s-%s%s", id.String(), cleanName, ext)
}

func sanitizeFileName(name string) string {
	if name == "" {
		return ""
	}
	clean := path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if clean == "" || clean == "." || clean == "/" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(clean))
	for _, r := range clean {
		switch {
		case r == '/' || r == '\\' || unicode.IsControl(r):
			continue
		case unicode.IsSpace(r):
			b.WriteRune('-')
		default:
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "-_.")
}

func writeFileAtomic(dst string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".media-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
