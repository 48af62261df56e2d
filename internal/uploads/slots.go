// Package uploads issues pre-authorized direct upload slots. Clients send the
// bytes straight to the blob store and pass the public reference back as a
// message attachment.
package uploads

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/oklog/ulid/v2"

	"dm-service/internal/models"
)

var (
	ErrUploadsDisabled = errors.New("uploads are not configured")
	ErrInvalidFile     = errors.New("invalid file")
)

const maxFileNameLen = 255

// UploadSlot is everything a client needs for one direct upload.
type UploadSlot struct {
	UploadTarget    string            `json:"upload_target"`
	Fields          map[string]string `json:"fields"`
	PublicReference string            `json:"public_reference"`
	Kind            string            `json:"kind"`
	FileName        string            `json:"file_name"`
}

// SlotIssuer hands out upload slots.
type SlotIssuer interface {
	RequestUploadSlot(ctx context.Context, fileName, mimeType string) (UploadSlot, error)
}

// NewSlotIssuer returns a Cloudinary issuer, or a disabled one when no
// Cloudinary URL is configured.
func NewSlotIssuer(cloudinaryURL, folder string) (SlotIssuer, error) {
	if strings.TrimSpace(cloudinaryURL) == "" {
		return disabledIssuer{}, nil
	}
	return NewCloudinaryIssuer(cloudinaryURL, folder)
}

type disabledIssuer struct{}

func (disabledIssuer) RequestUploadSlot(ctx context.Context, fileName, mimeType string) (UploadSlot, error) {
	return UploadSlot{}, ErrUploadsDisabled
}

// CloudinaryIssuer signs direct uploads against a Cloudinary account.
type CloudinaryIssuer struct {
	cld    *cloudinary.Cloudinary
	folder string
	now    func() time.Time
}

func NewCloudinaryIssuer(cloudinaryURL, folder string) (*CloudinaryIssuer, error) {
	cld, err := cloudinary.NewFromURL(cloudinaryURL)
	if err != nil {
		return nil, fmt.Errorf("init cloudinary: %w", err)
	}
	if cld.Config.Cloud.APISecret == "" {
		return nil, errors.New("cloudinary url has no api secret")
	}
	return &CloudinaryIssuer{
		cld:    cld,
		folder: strings.Trim(folder, "/"),
		now:    time.Now,
	}, nil
}

// RequestUploadSlot signs folder, public_id and timestamp for a single upload.
// image/* mime types go to the image pipeline, everything else is stored raw.
func (i *CloudinaryIssuer) RequestUploadSlot(ctx context.Context, fileName, mimeType string) (UploadSlot, error) {
	if err := ctx.Err(); err != nil {
		return UploadSlot{}, err
	}
	name := strings.TrimSpace(path.Base(strings.ReplaceAll(fileName, "\\", "/")))
	if name == "" || name == "." || name == "/" || len(name) > maxFileNameLen {
		return UploadSlot{}, fmt.Errorf("%w: file name %q", ErrInvalidFile, fileName)
	}

	kind := KindForMime(mimeType)
	resource := "image"
	publicID := ulid.MustNew(ulid.Timestamp(i.now()), rand.Reader).String()
	if kind == models.AttachmentFile {
		resource = "raw"
		publicID += strings.ToLower(path.Ext(name))
	}

	params, err := api.StructToParams(uploader.UploadParams{
		Folder:   i.folder,
		PublicID: publicID,
	})
	if err != nil {
		return UploadSlot{}, fmt.Errorf("prepare upload params: %w", err)
	}
	timestamp := strconv.FormatInt(i.now().Unix(), 10)
	params.Set("timestamp", timestamp)

	signature, err := api.SignParameters(params, i.cld.Config.Cloud.APISecret)
	if err != nil {
		return UploadSlot{}, fmt.Errorf("sign upload params: %w", err)
	}

	ref, err := i.publicReference(resource, publicID)
	if err != nil {
		return UploadSlot{}, err
	}

	return UploadSlot{
		UploadTarget: fmt.Sprintf("https://api.cloudinary.com/v1_1/%s/%s/upload", i.cld.Config.Cloud.CloudName, resource),
		Fields: map[string]string{
			"api_key":   i.cld.Config.Cloud.APIKey,
			"folder":    i.folder,
			"public_id": publicID,
			"timestamp": timestamp,
			"signature": signature,
		},
		PublicReference: ref,
		Kind:            kind,
		FileName:        name,
	}, nil
}

func (i *CloudinaryIssuer) publicReference(resource, publicID string) (string, error) {
	fullID := publicID
	if i.folder != "" {
		fullID = i.folder + "/" + publicID
	}
	if resource == "raw" {
		return fmt.Sprintf("https://res.cloudinary.com/%s/raw/upload/%s", i.cld.Config.Cloud.CloudName, fullID), nil
	}
	img, err := i.cld.Image(fullID)
	if err != nil {
		return "", fmt.Errorf("build image reference: %w", err)
	}
	ref, err := img.String()
	if err != nil {
		return "", fmt.Errorf("build image reference: %w", err)
	}
	return ref, nil
}

// KindForMime maps a mime type onto an attachment kind.
func KindForMime(mimeType string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(mimeType)), "image/") {
		return models.AttachmentImage
	}
	return models.AttachmentFile
}
