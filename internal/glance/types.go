package glance

import (
	"context"
	"io"
)

// Image is the remote metadata for one image as reported by a store.
// The ID is assigned by the store and is not stable across stores; the
// Name is the human key used to correlate the same logical image between
// a master and its slaves. Checksum may be empty (the store computes it
// after upload and some images never get one).
type Image struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Size            int64    `json:"size"`
	Checksum        string   `json:"checksum"`
	ContainerFormat string   `json:"container_format"`
	DiskFormat      string   `json:"disk_format"`
	Visibility      string   `json:"visibility"`
	Protected       bool     `json:"protected"`
	MinRAM          int      `json:"min_ram"`
	MinDisk         int      `json:"min_disk"`
	Status          string   `json:"status"`
	Tags            []string `json:"tags"`
}

// CreateImageRequest enumerates the metadata fields that transfer from a
// master image to a newly created slave image. ID and Checksum are
// deliberately absent: both are assigned by the receiving store.
type CreateImageRequest struct {
	Name            string   `json:"name"`
	Tags            []string `json:"tags,omitempty"`
	ContainerFormat string   `json:"container_format,omitempty"`
	DiskFormat      string   `json:"disk_format,omitempty"`
	Visibility      string   `json:"visibility,omitempty"`
	Protected       bool     `json:"protected"`
	MinRAM          int      `json:"min_ram"`
	MinDisk         int      `json:"min_disk"`
}

// CreateRequestFrom builds the create request that replicates an image's
// transferable metadata onto another store.
func CreateRequestFrom(img *Image) CreateImageRequest {
	return CreateImageRequest{
		Name:            img.Name,
		Tags:            img.Tags,
		ContainerFormat: img.ContainerFormat,
		DiskFormat:      img.DiskFormat,
		Visibility:      img.Visibility,
		Protected:       img.Protected,
		MinRAM:          img.MinRAM,
		MinDisk:         img.MinDisk,
	}
}

// Store is the narrow interface the sync machinery consumes. Client
// implements it against a real glance endpoint; tests implement it in
// memory.
type Store interface {
	// Name returns the configured store name (used in logs and reports).
	Name() string

	// ListImages returns the store's full current catalog.
	ListImages(ctx context.Context) ([]Image, error)

	// GetImage fetches current metadata for one image.
	GetImage(ctx context.Context, id string) (*Image, error)

	// DownloadImage streams an image's content. The returned reader is a
	// finite, non-restartable stream; the caller must fully drain or close it.
	DownloadImage(ctx context.Context, id string) (io.ReadCloser, error)

	// CreateImage registers a new image record; the store assigns its ID.
	CreateImage(ctx context.Context, req CreateImageRequest) (*Image, error)

	// UploadImage replaces the content of a previously created image.
	UploadImage(ctx context.Context, id string, r io.Reader) error

	// RenameImage changes an image's name in place.
	RenameImage(ctx context.Context, id, newName string) error

	// DeleteImage removes an image.
	DeleteImage(ctx context.Context, id string) error
}
