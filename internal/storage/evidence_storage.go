package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Типы файлов, принимаемые как доказательства по работам и спорам.
var allowedEvidenceMIME = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/webp":      true,
	"application/pdf": true,
	"application/zip": true,
}

// Options параметры подключения к объектному хранилищу.
type Options struct {
	Endpoint    string
	AccessKey   string
	SecretKey   string
	Bucket      string
	UseSSL      bool
	MaxUploadMB int64
}

// UploadResult описание загруженного файла.
type UploadResult struct {
	URL       string `json:"url"`
	FileID    string `json:"file_id"`
	SizeBytes int64  `json:"size_bytes"`
}

// EvidenceStorage объектное хранилище доказательств (MinIO).
// Файлы неизменяемы после загрузки: ссылка, однажды приложенная к
// сдаче работы или спору, должна оставаться валидной.
type EvidenceStorage struct {
	client         *minio.Client
	bucket         string
	useSSL         bool
	endpoint       string
	maxUploadBytes int64
}

// NewEvidenceStorage подключается к хранилищу и создаёт bucket, если
// его ещё нет.
func NewEvidenceStorage(ctx context.Context, opts Options) (*EvidenceStorage, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: не удалось подключиться к MinIO: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: не удалось проверить bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: не удалось создать bucket %s: %w", opts.Bucket, err)
		}
	}

	return &EvidenceStorage{
		client:         client,
		bucket:         opts.Bucket,
		useSSL:         opts.UseSSL,
		endpoint:       opts.Endpoint,
		maxUploadBytes: opts.MaxUploadMB * 1024 * 1024,
	}, nil
}

// Upload сохраняет файл доказательства и возвращает постоянную ссылку.
// Тип проверяется по магическим байтам, а не по расширению; usageTag
// разводит файлы сдач и споров по префиксам.
func (s *EvidenceStorage) Upload(ctx context.Context, ownerID uuid.UUID, originalName string, r io.Reader, size int64, usageTag string) (*UploadResult, error) {
	if size <= 0 {
		return nil, fmt.Errorf("storage: файл не может быть пустым")
	}
	if size > s.maxUploadBytes {
		return nil, fmt.Errorf("storage: размер файла превышает лимит %d байт", s.maxUploadBytes)
	}
	if usageTag == "" {
		usageTag = "misc"
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("storage: не удалось прочитать файл: %w", err)
	}
	head = head[:n]

	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown {
		return nil, fmt.Errorf("storage: не удалось определить тип файла")
	}
	if !allowedEvidenceMIME[kind.MIME.Value] {
		return nil, fmt.Errorf("storage: тип файла %s не принимается как доказательство", kind.MIME.Value)
	}

	fileID := uuid.New()
	objectName := fmt.Sprintf("%s/%s/%s.%s", usageTag, ownerID.String(), fileID.String(), kind.Extension)

	body := io.MultiReader(bytes.NewReader(head), r)
	info, err := s.client.PutObject(ctx, s.bucket, objectName, body, size, minio.PutObjectOptions{
		ContentType: kind.MIME.Value,
		UserMetadata: map[string]string{
			"owner-id":      ownerID.String(),
			"usage-tag":     usageTag,
			"original-name": sanitizeFilename(originalName),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: не удалось сохранить файл: %w", err)
	}

	return &UploadResult{
		URL:       s.objectURL(objectName),
		FileID:    fileID.String(),
		SizeBytes: info.Size,
	}, nil
}

func (s *EvidenceStorage) objectURL(objectName string) string {
	scheme := "http"
	if s.useSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, s.endpoint, s.bucket, objectName)
}

// sanitizeFilename удаляет потенциально опасные символы из имени.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "..", "")
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	if name == "" {
		name = "evidence"
	}
	return name
}
