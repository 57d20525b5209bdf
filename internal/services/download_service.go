package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	"github.com/oklog/ulid/v2"

	"github.com/darmolhimon/api/internal/platform/storage"
)

// signedURLWindow bounds each redeemed storage URL. The token itself
// carries the longer access window; a fresh URL is signed per redeem.
const signedURLWindow = 10 * time.Minute

var (
	// ErrDownloadInvalidInput signals the caller provided invalid data.
	ErrDownloadInvalidInput = errors.New("download: invalid input")
	// ErrDownloadTokenInvalid indicates the token failed validation or expired.
	ErrDownloadTokenInvalid = errors.New("download: invalid token")
)

// downloadClaims scope one token to a single purchased item.
type downloadClaims struct {
	jwt.RegisteredClaims
	OrderID   string `json:"ord"`
	ItemID    string `json:"itm"`
	AssetPath string `json:"ast"`
}

// DownloadServiceDeps bundles collaborators required to construct the download service.
type DownloadServiceDeps struct {
	Storage     *storage.Client
	Bucket      string
	TokenSecret []byte
	BaseURL     string
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type downloadService struct {
	storage *storage.Client
	bucket  string
	secret  []byte
	baseURL string
	clock   func() time.Time
	newID   func() string
	logger  func(context.Context, string, map[string]any)
}

// NewDownloadService wires dependencies into a concrete DownloadService implementation.
func NewDownloadService(deps DownloadServiceDeps) (DownloadService, error) {
	if deps.Storage == nil {
		return nil, errors.New("download service: storage client is required")
	}
	if strings.TrimSpace(deps.Bucket) == "" {
		return nil, errors.New("download service: bucket is required")
	}
	if len(deps.TokenSecret) == 0 {
		return nil, errors.New("download service: token secret is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &downloadService{
		storage: deps.Storage,
		bucket:  strings.TrimSpace(deps.Bucket),
		secret:  deps.TokenSecret,
		baseURL: strings.TrimRight(strings.TrimSpace(deps.BaseURL), "/"),
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// IssueDownloadLink mints a signed token scoped to one purchased item.
// The returned URL points at the download endpoint, which redeems the
// token for a fresh storage URL on every request during the window.
func (s *downloadService) IssueDownloadLink(ctx context.Context, cmd DownloadLinkCommand) (DownloadLink, error) {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return DownloadLink{}, fmt.Errorf("%w: order id is required", ErrDownloadInvalidInput)
	}
	if strings.TrimSpace(cmd.AssetPath) == "" {
		return DownloadLink{}, fmt.Errorf("%w: asset path is required", ErrDownloadInvalidInput)
	}
	expiry := cmd.Expiry
	if expiry <= 0 {
		return DownloadLink{}, fmt.Errorf("%w: expiry must be > 0", ErrDownloadInvalidInput)
	}

	now := s.clock()
	expiresAt := now.Add(expiry)
	claims := downloadClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strings.TrimSpace(cmd.UserID),
			ID:        s.newID(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		OrderID:   cmd.OrderID,
		ItemID:    cmd.OrderItem.ID,
		AssetPath: cmd.AssetPath,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return DownloadLink{}, fmt.Errorf("download service: sign token: %w", err)
	}

	link := DownloadLink{
		Token:     token,
		ExpiresAt: expiresAt,
		URL:       token,
	}
	if s.baseURL != "" {
		link.URL = s.baseURL + "/v1/downloads/" + token
	}
	s.logger(ctx, "download.link.issued", map[string]any{
		"orderId":   cmd.OrderID,
		"itemId":    cmd.OrderItem.ID,
		"expiresAt": expiresAt,
	})
	return link, nil
}

// RedeemDownloadToken validates a token and signs a short-lived storage
// URL for its asset.
func (s *downloadService) RedeemDownloadToken(ctx context.Context, token string) (DownloadLink, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return DownloadLink{}, fmt.Errorf("%w: token is required", ErrDownloadInvalidInput)
	}

	claims := &downloadClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return DownloadLink{}, fmt.Errorf("%w: %v", ErrDownloadTokenInvalid, err)
	}
	if strings.TrimSpace(claims.AssetPath) == "" {
		return DownloadLink{}, fmt.Errorf("%w: missing asset claim", ErrDownloadTokenInvalid)
	}

	result, err := s.storage.SignedURL(ctx, s.bucket, claims.AssetPath, storage.SignedURLOptions{
		Download: &storage.DownloadOptions{
			ExpiresIn:      signedURLWindow,
			Disposition:    "attachment",
			AllowAnonymous: true,
		},
	})
	if err != nil {
		return DownloadLink{}, fmt.Errorf("download service: sign url: %w", err)
	}

	s.logger(ctx, "download.token.redeemed", map[string]any{
		"orderId": claims.OrderID,
		"itemId":  claims.ItemID,
	})
	return DownloadLink{
		URL:       result.URL,
		Token:     token,
		ExpiresAt: result.ExpiresAt,
	}, nil
}
