package themeapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/imroc/req/v3"

	"github.com/openmined/themesync/internal/theme"
	"github.com/openmined/themesync/internal/version"
)

const (
	HeaderAccessToken = "X-Shopify-Access-Token"
	HeaderRequestID   = "X-Request-Id"
)

type assetPayload struct {
	Key         string `json:"key"`
	Checksum    string `json:"checksum,omitempty"`
	Value       string `json:"value,omitempty"`
	Attachment  string `json:"attachment,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// uploadPayload always carries exactly one of value or attachment, even
// when the body is empty.
type uploadPayload struct {
	Key        string  `json:"key"`
	Value      *string `json:"value,omitempty"`
	Attachment *string `json:"attachment,omitempty"`
}

type assetsResponse struct {
	Assets []assetPayload `json:"assets"`
}

type assetResponse struct {
	Asset assetPayload `json:"asset"`
}

type uploadRequest struct {
	Asset uploadPayload `json:"asset"`
}

// Client is the admin REST asset api of a store.
type Client struct {
	client *req.Client
}

func NewClient(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	interval := cfg.RetryInterval
	if interval <= 0 {
		interval = DefaultRetryInterval
	}

	client := req.C().
		SetBaseURL(cfg.adminURL()).
		SetCommonRetryCount(cfg.RetryCount).
		SetCommonRetryFixedInterval(interval).
		AddCommonRetryCondition(func(resp *req.Response, err error) bool {
			if err != nil || resp == nil || resp.Response == nil {
				return true
			}
			return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
		}).
		SetUserAgent(version.UserAgent()).
		SetCommonHeader(HeaderAccessToken, cfg.Password).
		SetCommonErrorResult(&errorBody{}).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal)

	return &Client{client: client}, nil
}

func assetsPath(themeID string) string {
	return fmt.Sprintf("/themes/%s/assets.json", themeID)
}

func (c *Client) request(ctx context.Context) *req.Request {
	return c.client.R().
		SetContext(ctx).
		SetHeader(HeaderRequestID, uuid.NewString())
}

func (c *Client) ListChecksums(ctx context.Context, themeID string) ([]theme.Checksum, error) {
	var resp assetsResponse

	res, err := c.request(ctx).
		SetQueryParam("fields", "key,checksum").
		SetSuccessResult(&resp).
		Get(assetsPath(themeID))
	if err := handleAPIError(res, err, "list assets"); err != nil {
		return nil, err
	}

	checksums := make([]theme.Checksum, 0, len(resp.Assets))
	for _, a := range resp.Assets {
		checksums = append(checksums, theme.Checksum{Key: a.Key, Checksum: a.Checksum})
	}
	slices.SortFunc(checksums, func(a, b theme.Checksum) int {
		return strings.Compare(a.Key, b.Key)
	})
	return checksums, nil
}

func (c *Client) FetchAsset(ctx context.Context, themeID, key string) (*theme.Asset, error) {
	var resp assetResponse

	res, err := c.request(ctx).
		SetQueryParam("asset[key]", key).
		SetSuccessResult(&resp).
		Get(assetsPath(themeID))
	if err := handleAPIError(res, err, "fetch asset"); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if resp.Asset.Key == "" {
		resp.Asset.Key = key
	}
	return resp.Asset.toAsset()
}

func (c *Client) DeleteAsset(ctx context.Context, themeID, key string) error {
	res, err := c.request(ctx).
		SetQueryParam("asset[key]", key).
		Delete(assetsPath(themeID))
	if err := handleAPIError(res, err, "delete asset"); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

func (c *Client) UploadAsset(ctx context.Context, themeID string, asset *theme.Asset) (*theme.Checksum, error) {
	payload := uploadPayload{Key: asset.Key}
	if asset.Attachment != nil {
		encoded := base64.StdEncoding.EncodeToString(asset.Attachment)
		payload.Attachment = &encoded
	} else {
		value := asset.Value
		payload.Value = &value
	}

	var resp assetResponse
	res, err := c.request(ctx).
		SetBody(&uploadRequest{Asset: payload}).
		SetSuccessResult(&resp).
		Put(assetsPath(themeID))
	if err := handleAPIError(res, err, "upload asset"); err != nil {
		return nil, err
	}

	checksum := resp.Asset.Checksum
	if checksum == "" {
		checksum = theme.ComputeChecksum(asset.Body())
	}
	return &theme.Checksum{Key: asset.Key, Checksum: checksum}, nil
}

func (p *assetPayload) toAsset() (*theme.Asset, error) {
	a := &theme.Asset{Key: p.Key, Checksum: p.Checksum}
	if p.Attachment != "" {
		body, err := base64.StdEncoding.DecodeString(p.Attachment)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidBody, p.Key, err)
		}
		a.Attachment = body
	} else {
		a.Value = p.Value
	}
	if a.Checksum == "" {
		a.Checksum = theme.ComputeChecksum(a.Body())
	}
	return a, nil
}
