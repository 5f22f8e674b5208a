// Package media removes stored images (user and chat avatars) from the asset host.
package media

import (
	"context"
	"errors"
	"fmt"
	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/cloudinary/cloudinary-go/v2/config"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// ErrAssetNotFound is returned when the asset host does not know the asset
var ErrAssetNotFound = errors.New("asset not found")

// ErrNotAssetURL is returned for URLs that do not point to an uploaded asset
var ErrNotAssetURL = errors.New("url does not reference an uploaded asset")

// Discard ignores asset deletions, used when no asset host is configured
type Discard struct{}

func (Discard) DeleteAsset(context.Context, string) error { return nil }

// CloudinaryConfig defines fields used for parsing Cloudinary credentials from environment variables
type CloudinaryConfig struct {
	CloudName string `env:"CLOUDINARY_CLOUD_NAME"`
	APIKey    string `env:"CLOUDINARY_API_KEY"`
	APISecret string `env:"CLOUDINARY_API_SECRET"`
	BaseURL   string `env:"CLOUDINARY_BASE_URL" envDefault:"https://api.cloudinary.com"`
}

// Enabled reports whether credentials are present
func (c CloudinaryConfig) Enabled() bool {
	return c.CloudName != "" && c.APIKey != "" && c.APISecret != ""
}

// Cloudinary deletes images through the upload API
type Cloudinary struct {
	cld *cloudinary.Cloudinary
}

// NewCloudinary returns Cloudinary client for the configured account
func NewCloudinary(cfg CloudinaryConfig) (*Cloudinary, error) {
	conf, err := config.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("cloudinary config: %w", err)
	}
	if cfg.BaseURL != "" {
		conf.API.UploadPrefix = strings.TrimRight(cfg.BaseURL, "/")
	}

	cld, err := cloudinary.NewFromConfiguration(*conf)
	if err != nil {
		return nil, fmt.Errorf("cloudinary.NewFromConfiguration: %w", err)
	}

	return &Cloudinary{cld: cld}, nil
}

var versionSegment = regexp.MustCompile(`^v\d+$`)

// PublicID extracts asset public id from a delivery URL such as
// https://res.cloudinary.com/demo/image/upload/c_fill,w_100/v1712/avatars/abc.png -> avatars/abc
func PublicID(assetURL string) (string, error) {
	u, err := url.Parse(assetURL)
	if err != nil {
		return "", err
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	upload := -1
	for i, s := range segments {
		if s == "upload" {
			upload = i
			break
		}
	}
	if upload == -1 || upload == len(segments)-1 {
		return "", ErrNotAssetURL
	}

	rest := segments[upload+1:]
	// transformations come before the version, version comes before the public id
	for i, s := range rest {
		if versionSegment.MatchString(s) {
			rest = rest[i+1:]
			break
		}
	}
	if len(rest) == 0 {
		return "", ErrNotAssetURL
	}

	id := strings.Join(rest, "/")
	return strings.TrimSuffix(id, path.Ext(id)), nil
}

// DeleteAsset destroys the image referenced by assetURL
func (c *Cloudinary) DeleteAsset(ctx context.Context, assetURL string) error {
	publicID, err := PublicID(assetURL)
	if err != nil {
		return fmt.Errorf("asset %s: %w", assetURL, err)
	}

	res, err := c.cld.Upload.Destroy(ctx, uploader.DestroyParams{PublicID: publicID})
	if err != nil {
		return fmt.Errorf("cloudinary destroy %s: %w", publicID, err)
	}

	if res.Error.Message != "" {
		return fmt.Errorf("cloudinary destroy %s: %s", publicID, res.Error.Message)
	}

	switch res.Result {
	case "ok":
		return nil
	case "not found":
		return fmt.Errorf("%s: %w", publicID, ErrAssetNotFound)
	default:
		return fmt.Errorf("cloudinary destroy %s: unexpected result %q", publicID, res.Result)
	}
}
