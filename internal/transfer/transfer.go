package transfer

import (
	"fmt"
	"path"

	"github.com/fleetmaint/dispatchd/internal/app"
)

// Endpoint is a file transfer destination handed to a device.
type Endpoint struct {
	Protocol string `json:"protocol"`
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// UploadEndpoint is the server-generated destination a device must push
// its diagnostic log archive to.
type UploadEndpoint struct {
	Endpoint
	Type     string `json:"type"`
	Filename string `json:"filename"`
}

// Builder constructs package download and log upload endpoints. Builders
// are pure and perform no network I/O of their own.
type Builder struct {
	opts *app.TransferOptions
}

func NewBuilder(opts *app.TransferOptions) *Builder {
	return &Builder{opts: opts}
}

// DownloadURL returns the endpoint a device downloads the given firmware
// package from.
func (b *Builder) DownloadURL(packageName string) Endpoint {
	return Endpoint{
		Protocol: b.opts.DownloadProtocol,
		URL: fmt.Sprintf(
			"%s://%s%s",
			b.opts.DownloadProtocol,
			b.opts.DownloadHost,
			path.Join("/", b.opts.DownloadBasePath, packageName),
		),
		Username: b.opts.DownloadUsername,
		Password: b.opts.DownloadPassword,
	}
}

// UploadURL returns the endpoint a device pushes its diagnostic log
// archive to, scoped by taskID with filename "{typeID}-{assetID}.tar.gz".
func (b *Builder) UploadURL(taskID, typeID, assetID string) UploadEndpoint {
	filename := UploadFilename(typeID, assetID)

	return UploadEndpoint{
		Endpoint: Endpoint{
			Protocol: b.opts.UploadProtocol,
			URL: fmt.Sprintf(
				"%s://%s%s",
				b.opts.UploadProtocol,
				b.opts.UploadHost,
				path.Join("/", b.opts.UploadBasePath, taskID, filename),
			),
			Username: b.opts.UploadUsername,
			Password: b.opts.UploadPassword,
		},
		Type:     "log",
		Filename: filename,
	}
}

// UploadPath returns the store-relative file path of an expected log artifact.
func (b *Builder) UploadPath(taskID, typeID, assetID string) string {
	return path.Join("/", b.opts.UploadBasePath, taskID, UploadFilename(typeID, assetID))
}

// UploadFilename returns the archive name a device uploads its logs under.
func UploadFilename(typeID, assetID string) string {
	return fmt.Sprintf("%s-%s.tar.gz", typeID, assetID)
}
