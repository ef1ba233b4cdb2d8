package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"strconv"

	"github.com/aleksclark/badgerlink/internal/badge"
	"github.com/aleksclark/badgerlink/internal/codec"
	"github.com/aleksclark/badgerlink/internal/packer"
	"github.com/aleksclark/badgerlink/internal/protocol"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

var errMalformed = errors.New("malformed request")

var validate = validator.New(validator.WithRequiredStructEnabled())

// ImageRequest is the body of every image route. Width and Height, when
// set, are the output size; the pipeline result is resized to match.
type ImageRequest struct {
	Image      string         `json:"image" validate:"required"`
	Operations codec.Pipeline `json:"operations"`
	Width      int            `json:"width" validate:"gte=0,lte=4096"`
	Height     int            `json:"height" validate:"gte=0,lte=4096"`
}

type previewResponse struct {
	Port  string `json:"port"`
	Bytes int    `json:"bytes"`
}

func decodeRequest(r *http.Request) (*ImageRequest, error) {
	var req ImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if errors.Is(err, codec.ErrInvalidOperation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", errMalformed, err)
	}
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	return &req, nil
}

// transform decodes the request image and runs its pipeline.
func transform(req *ImageRequest) (*image.Gray, error) {
	img, err := codec.Decode(req.Image)
	if err != nil {
		return nil, err
	}
	out, err := req.Operations.Apply(img)
	if err != nil {
		return nil, err
	}
	if req.Width == 0 && req.Height == 0 {
		return out, nil
	}
	w, h := req.Width, req.Height
	if w == 0 {
		w = out.Bounds().Dx()
	}
	if h == 0 {
		h = out.Bounds().Dy()
	}
	return codec.Resize(out, w, h)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"badge":  s.sender != nil,
	})
}

func (s *Server) handleImageBin(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	img, err := transform(req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	bm, err := codec.ToBinary(img, codec.DefaultThreshold)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	data, err := packer.Compress(packer.Pack(bm))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Image-Width", strconv.Itoa(bm.Width()))
	w.Header().Set("X-Image-Height", strconv.Itoa(bm.Height()))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		log.Debug().Err(err).Msg("writing bin response")
	}
}

func (s *Server) handleImagePNG(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	img, err := transform(req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	if err := png.Encode(w, img); err != nil {
		log.Debug().Err(err).Msg("writing png response")
	}
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if s.sender == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no badge configured"))
		return
	}
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if req.Width == 0 && req.Height == 0 {
		req.Width, req.Height = codec.Width, codec.Height
	}
	img, err := transform(req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if b := img.Bounds(); b.Dx() != codec.Width || b.Dy() != codec.Height {
		err := fmt.Errorf("%w: badge needs %dx%d, got %dx%d",
			codec.ErrInvalidDimensions, codec.Width, codec.Height, b.Dx(), b.Dy())
		writeError(w, statusFor(err), err)
		return
	}
	bm, err := codec.ToBinary(img, codec.DefaultThreshold)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	encoded, err := packer.EncodeBitmap(bm)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	res := s.sender.SendPayload(r.Context(), protocol.Preview(encoded, s.cfg.DebugCommand))
	if !res.OK() {
		writeError(w, statusFor(res.Err), res.Err)
		return
	}
	writeJSON(w, http.StatusOK, previewResponse{Port: res.Port, Bytes: res.BytesWritten})
}

// statusFor maps every error the handlers produce to an HTTP status.
func statusFor(err error) int {
	var (
		maxErr *http.MaxBytesError
		verrs  validator.ValidationErrors
	)
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, codec.ErrDecode), errors.Is(err, errMalformed):
		return http.StatusBadRequest
	case errors.Is(err, codec.ErrInvalidDimensions),
		errors.Is(err, codec.ErrInvalidOperation),
		errors.As(err, &verrs):
		return http.StatusUnprocessableEntity
	case errors.Is(err, badge.ErrDeviceNotFound),
		errors.Is(err, badge.ErrPermissionDenied),
		errors.Is(err, badge.ErrPortConfiguration),
		errors.Is(err, badge.ErrWriteFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("writing json response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
