// Package media uploads avatar images to an external host.
package media

import (
	"context"
	"errors"
	"io"
)

var ErrUploadFailed = errors.New("media upload failed")

// File is an uploaded file handed over by the transport layer.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Asset is a stored file: a public URL and the reference used to delete it.
type Asset struct {
	URL string
	Ref string
}

// Host is the media host contract.
type Host interface {
	Upload(ctx context.Context, f File) (*Asset, error)
	Delete(ctx context.Context, ref string) error
}
