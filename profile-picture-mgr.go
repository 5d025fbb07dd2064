package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"slices"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/chai2010/webp"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/nfnt/resize"
	"go.uber.org/zap"
	"golang.org/x/image/draw"

	_ "golang.org/x/image/webp"
)

const avatarSize = 512

var allowedAvatarTypes = []string{"image/jpeg", "image/jpg", "image/png", "image/webp", "image/gif"}

// avatarSetter applies a stored avatar to an account. *Hub implements it.
type avatarSetter interface {
	SetAvatar(ctx context.Context, accountID, ref string) error
}

// AvatarService handles avatar uploads: decode, square crop, resize, WebP
// encode, write to disk, then apply through the hub.
type AvatarService struct {
	dir     string
	baseURL string
	maxSize int64
	target  avatarSetter
	logger  *zap.Logger
}

func NewAvatarService(cfg UploadsConfig, target avatarSetter, logger *zap.Logger) (*AvatarService, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &AvatarService{
		dir:     cfg.Dir,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		maxSize: cfg.MaxSize,
		target:  target,
		logger:  logger.With(zap.String("component", "avatars")),
	}, nil
}

// Upload is the POST /api/avatar handler. It must run behind the jwt
// middleware.
func (s *AvatarService) Upload(c *fiber.Ctx) error {
	accountID, ok := tokenSubject(c)
	if !ok {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	file, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).SendString("missing file!")
	}
	if file.Size > s.maxSize {
		return c.Status(fiber.StatusRequestEntityTooLarge).SendString("file too large!")
	}
	if !slices.Contains(allowedAvatarTypes, file.Header.Get("Content-Type")) {
		return c.Status(fiber.StatusUnsupportedMediaType).SendString("file type not supported!")
	}

	fileData, err := file.Open()
	if err != nil {
		return fmt.Errorf("failed to open uploaded file: %w", err)
	}
	defer fileData.Close()

	img, _, err := image.Decode(fileData)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).SendString("could not decode image!")
	}

	ref, err := s.store(resizeAndCrop(img, avatarSize, avatarSize))
	if err != nil {
		s.logger.Error("failed to store avatar", zap.String("account", accountID), zap.Error(err))
		return c.SendStatus(fiber.StatusInternalServerError)
	}

	if err := s.target.SetAvatar(c.UserContext(), accountID, ref); err != nil {
		if errors.Is(err, ErrUnknownAccount) {
			return c.Status(fiber.StatusNotFound).SendString("account does not exist!")
		}
		return fmt.Errorf("apply avatar: %w", err)
	}
	return c.JSON(fiber.Map{"avatar": ref})
}

// store encodes img as WebP under a fresh name and returns its public URL.
func (s *AvatarService) store(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Quality: 80}); err != nil {
		return "", fmt.Errorf("failed to encode image to WebP: %w", err)
	}
	fileName := uuid.NewString() + ".webp"
	if err := os.WriteFile(filepath.Join(s.dir, fileName), buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to save WebP image: %w", err)
	}
	return s.baseURL + "/" + fileName, nil
}

// resizeAndCrop cuts the centered square out of img and scales it to
// width x height.
func resizeAndCrop(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	side := min(b.Dx(), b.Dy())
	origin := image.Pt(b.Min.X+(b.Dx()-side)/2, b.Min.Y+(b.Dy()-side)/2)

	square := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.Draw(square, square.Bounds(), img, origin, draw.Src)

	return resize.Resize(uint(width), uint(height), square, resize.Lanczos3)
}
