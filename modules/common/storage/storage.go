package storage

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // JPEG 디코더 등록
	_ "image/png"  // PNG 디코더 등록
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/kolesa-team/go-webp/decoder" // WebP 디코더 등록
	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"
	"github.com/rs/zerolog"

	"quel-fitting-server/modules/common/database"
	"quel-fitting-server/modules/common/logger"
	"quel-fitting-server/modules/common/model"
)

// AttachLookup - quel_attach 조회
type AttachLookup interface {
	FetchAttachInfo(ctx context.Context, attachID int64) (*model.Attach, error)
}

// AttachRecorder - 업로드한 파일을 quel_attach 에 등록
type AttachRecorder interface {
	CreateAttachRecord(ctx context.Context, filePath string, fileSize int64, mimeType string) (int64, error)
}

// Encoder - 업로드 전 변환 (변환된 바이트와 content type)
type Encoder func(data []byte) ([]byte, string, error)

// Options - Storage 클라이언트 설정
type Options struct {
	SupabaseURL    string
	ServiceKey     string
	StorageBaseURL string // 공개 다운로드 기준 주소 (attach 경로 앞에 붙는다)
	Bucket         string
	Attaches       AttachLookup
	Recorder       AttachRecorder
	HTTPClient     *http.Client
	Encoder        Encoder
	Logger         *zerolog.Logger
}

type Client struct {
	supabaseURL    string
	serviceKey     string
	storageBaseURL string
	bucket         string
	attaches       AttachLookup
	recorder       AttachRecorder
	httpClient     *http.Client
	encode         Encoder
	log            *zerolog.Logger
}

// NewClient - Storage 클라이언트 생성
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	bucket := opts.Bucket
	if bucket == "" {
		bucket = "attachments"
	}
	encode := opts.Encoder
	if encode == nil {
		encode = func(data []byte) ([]byte, string, error) {
			out, err := ConvertToWebP(data, 90)
			return out, "image/webp", err
		}
	}
	return &Client{
		supabaseURL:    strings.TrimRight(opts.SupabaseURL, "/"),
		serviceKey:     opts.ServiceKey,
		storageBaseURL: opts.StorageBaseURL,
		bucket:         bucket,
		attaches:       opts.Attaches,
		recorder:       opts.Recorder,
		httpClient:     httpClient,
		encode:         encode,
		log:            logger.OrNop(opts.Logger),
	}
}

// Download - URL 에서 바이트를 받아온다
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("failed to download image: status %d, body: %s", resp.StatusCode, string(body))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	return data, nil
}

// DownloadAttach - quel_attach 경로로 Storage 에서 이미지 다운로드
func (c *Client) DownloadAttach(ctx context.Context, attachID int64) ([]byte, error) {
	if c.attaches == nil {
		return nil, fmt.Errorf("attach lookup not configured")
	}
	attach, err := c.attaches.FetchAttachInfo(ctx, attachID)
	if err != nil {
		return nil, err
	}

	// attach_file_path 우선, 없으면 attach_directory
	var filePath string
	switch {
	case attach.AttachFilePath != nil && *attach.AttachFilePath != "":
		filePath = *attach.AttachFilePath
	case attach.AttachDirectory != nil && *attach.AttachDirectory != "":
		filePath = *attach.AttachDirectory
	default:
		return nil, fmt.Errorf("no file path found for attach_id: %d", attachID)
	}

	// uploads/ 폴더가 누락된 경우 자동 추가
	if strings.HasPrefix(filePath, "upload-") {
		filePath = "uploads/" + filePath
	}

	fullURL := c.storageBaseURL + filePath
	c.log.Debug().Int64("attach_id", attachID).Str("url", fullURL).Msg("downloading attach")
	return c.Download(ctx, fullURL)
}

// LoadInputs - 큐 작업의 입력 참조를 실제 이미지 바이트로 변환
func (c *Client) LoadInputs(ctx context.Context, refs []database.InputRef) ([]model.InputImage, error) {
	inputs := make([]model.InputImage, 0, len(refs))
	for _, ref := range refs {
		data, err := c.DownloadAttach(ctx, ref.AttachID)
		if err != nil {
			return nil, fmt.Errorf("load input %s: %w", ref.Name, err)
		}
		mimeType := ref.MimeType
		if mimeType == "" {
			mimeType = http.DetectContentType(data)
		}
		inputs = append(inputs, model.InputImage{Name: ref.Name, MimeType: mimeType, Data: data})
	}
	return inputs, nil
}

// Upload - Storage 에 올라간 파일
type Upload struct {
	Path        string
	Size        int64
	ContentType string
}

// UploadResult - 결과 이미지를 변환(WebP) 후 Supabase Storage 에 업로드
func (c *Client) UploadResult(ctx context.Context, jobID string, data []byte) (Upload, error) {
	encoded, contentType, err := c.encode(data)
	if err != nil {
		return Upload{}, fmt.Errorf("failed to convert result: %w", err)
	}

	ext := "bin"
	if i := strings.LastIndex(contentType, "/"); i >= 0 {
		ext = contentType[i+1:]
	}
	filePath := fmt.Sprintf("fitting-results/%s/%s.%s", jobID, uuid.NewString(), ext)
	uploadURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", c.supabaseURL, c.bucket, filePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(encoded))
	if err != nil {
		return Upload{}, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Upload{}, fmt.Errorf("failed to upload image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Upload{}, fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, string(body))
	}

	up := Upload{Path: filePath, Size: int64(len(encoded)), ContentType: contentType}
	c.log.Info().Str("job_id", jobID).Str("path", filePath).Int64("bytes", up.Size).Msg("result uploaded")
	return up, nil
}

// Archive - 프로바이더 결과 URL 을 받아 Storage 에 보관하고 quel_attach 에 등록한다.
// 등록 실패는 로그만 남기고 업로드 경로는 그대로 돌려준다.
func (c *Client) Archive(ctx context.Context, jobID, imageURL string) (model.ArchivedResult, error) {
	data, err := c.Download(ctx, imageURL)
	if err != nil {
		return model.ArchivedResult{}, err
	}
	up, err := c.UploadResult(ctx, jobID, data)
	if err != nil {
		return model.ArchivedResult{}, err
	}
	out := model.ArchivedResult{Path: up.Path}
	if c.recorder == nil {
		return out, nil
	}
	attachID, err := c.recorder.CreateAttachRecord(ctx, up.Path, up.Size, up.ContentType)
	if err != nil {
		c.log.Warn().Err(err).Str("job_id", jobID).Str("path", up.Path).Msg("attach record failed")
		return out, nil
	}
	out.AttachID = attachID
	c.log.Debug().Str("job_id", jobID).Int64("attach_id", attachID).Msg("result attach recorded")
	return out, nil
}

// ConvertToWebP - PNG/JPEG/WebP 바이너리를 손실 WebP 로 변환
func ConvertToWebP(data []byte, quality float32) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	options, err := encoder.NewLossyEncoderOptions(encoder.PresetDefault, quality)
	if err != nil {
		return nil, fmt.Errorf("failed to create WebP encoder options: %w", err)
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, options); err != nil {
		return nil, fmt.Errorf("failed to encode WebP: %w", err)
	}
	return buf.Bytes(), nil
}
