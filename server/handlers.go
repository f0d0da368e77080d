package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/labstack/echo/v4"

	"github.com/meigma/srcset"
	"github.com/meigma/srcset/blobid"
	"github.com/meigma/srcset/blobstore"
)

const encodingZstd = "zstd"

// statusBody is the JSON body for non-200 outcomes.
type statusBody struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// srcsetLine is one NDJSON line of a /srcset response.
type srcsetLine struct {
	srcset.Derivative
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, statusBody{Status: "ok"})
}

// resize handles GET /resize?id=&size=&format=
func (s *Server) resize(c echo.Context) error {
	size, err := strconv.Atoi(c.QueryParam("size"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, statusBody{
			Status: string(srcset.ReasonInvalidInput),
			Error:  "size must be an integer",
		})
	}
	format := s.format(c)

	d, err := s.svc.Resize(c.Request().Context(), c.QueryParam("id"), size, format)
	if err != nil {
		return c.JSON(statusFor(err), errorBody(err))
	}
	return c.JSON(http.StatusOK, d)
}

// srcset handles GET /srcset?id=&sizes=300,600&format=
// Results are streamed as NDJSON in completion order.
func (s *Server) srcset(c echo.Context) error {
	sizes := s.svc.Sizes()
	if raw := c.QueryParam("sizes"); raw != "" {
		parsed, err := parseSizes(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, statusBody{
				Status: string(srcset.ReasonInvalidInput),
				Error:  err.Error(),
			})
		}
		sizes = parsed
	}

	results := s.svc.MakeSrcSet(c.Request().Context(), c.QueryParam("id"), sizes, s.format(c))

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	res.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(res)
	for r := range results {
		line := srcsetLine{Derivative: r.Derivative, Status: "ok"}
		if r.Err != nil {
			line.Status = string(srcset.ReasonOf(r.Err))
			line.Error = r.Err.Error()
		}
		if err := enc.Encode(line); err != nil {
			// Client went away; drain so producers are not left blocked.
			for range results {
			}
			return nil
		}
		res.Flush()
	}
	return nil
}

// process handles POST /process with a raw JSON record.
func (s *Server) process(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, statusBody{Status: string(srcset.ReasonInvalidInput), Error: err.Error()})
	}
	if !json.Valid(body) {
		return c.JSON(http.StatusBadRequest, statusBody{Status: string(srcset.ReasonInvalidInput), Error: "body is not JSON"})
	}
	if !s.svc.Submit(body) {
		return c.JSON(http.StatusServiceUnavailable, statusBody{Status: "closing"})
	}
	return c.JSON(http.StatusAccepted, statusBody{Status: "accepted"})
}

// metadata handles GET /metadata?id=
func (s *Server) metadata(c echo.Context) error {
	md, err := s.svc.BlobMetadata(c.Request().Context(), c.QueryParam("id"))
	if err != nil {
		return c.JSON(statusFor(err), errorBody(err))
	}
	return c.JSON(http.StatusOK, md)
}

// derivative handles GET /derivatives/:name
func (s *Server) derivative(c echo.Context) error {
	path, err := s.dir.Path(c.Param("name"))
	if err != nil {
		return echo.ErrNotFound
	}
	return c.File(path)
}

// blob handles GET /blobs/get?id=, serving raw blob bytes to peers.
func (s *Server) blob(c echo.Context) error {
	id, err := blobid.Parse(c.QueryParam("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid blob id")
	}
	f, err := s.blobs.Open(id)
	if errors.Is(err, blobstore.ErrNotFound) {
		return echo.ErrNotFound
	}
	if err != nil {
		s.logger.Error("failed to open blob", "blob", id.String(), "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to open blob")
	}
	defer f.Close()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, echo.MIMEOctetStream)
	res.Header().Add(echo.HeaderVary, echo.HeaderAcceptEncoding)
	if !acceptsZstd(c.Request().Header.Get(echo.HeaderAcceptEncoding)) {
		if info, err := f.Stat(); err == nil {
			res.Header().Set(echo.HeaderContentLength, strconv.FormatInt(info.Size(), 10))
		}
		res.WriteHeader(http.StatusOK)
		_, err := io.Copy(res, f)
		return err
	}

	res.Header().Set(echo.HeaderContentEncoding, encodingZstd)
	res.WriteHeader(http.StatusOK)
	zw, err := zstd.NewWriter(res)
	if err != nil {
		return err
	}
	if _, err := io.Copy(zw, f); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func (s *Server) format(c echo.Context) srcset.Format {
	if f := c.QueryParam("format"); f != "" {
		return srcset.Format(f)
	}
	return s.svc.Format()
}

// statusFor maps a failure reason to an HTTP status.
func statusFor(err error) int {
	switch srcset.ReasonOf(err) {
	case srcset.ReasonInvalidInput:
		return http.StatusBadRequest
	case srcset.ReasonBlobNotAvailable:
		return http.StatusAccepted
	case srcset.ReasonFetchFailed:
		return http.StatusBadGateway
	case srcset.ReasonTransformFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) statusBody {
	reason := srcset.ReasonOf(err)
	if reason == srcset.ReasonBlobNotAvailable {
		return statusBody{Status: string(reason)}
	}
	return statusBody{Status: string(reason), Error: err.Error()}
}

func parseSizes(raw string) ([]int, error) {
	var sizes []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n <= 0 {
			return nil, errors.New("sizes must be positive integers separated by commas")
		}
		sizes = append(sizes, n)
	}
	if len(sizes) == 0 {
		return nil, errors.New("sizes must not be empty")
	}
	return sizes, nil
}

func acceptsZstd(header string) bool {
	for _, part := range strings.Split(header, ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(coding), encodingZstd) {
			continue
		}
		// Honour an explicit refusal such as "zstd;q=0".
		params = strings.ReplaceAll(params, " ", "")
		return params != "q=0" && params != "q=0.0"
	}
	return false
}
