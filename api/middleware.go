package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// DefaultBodyLimit caps a decoded request body.
const DefaultBodyLimit int64 = 1 << 20

// RequestBodyMiddleware hands handlers a plain body of at most limit bytes
// after decoding. Command batches from browsers are often gzip-compressed,
// so gzip is decoded here and the limit applies to the decompressed bytes.
// Bodies with any other content coding are refused with 415 and invalid
// gzip payloads with 400. Reading past the limit fails with
// *http.MaxBytesError.
func RequestBodyMiddleware(limit int64) echo.MiddlewareFunc {
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			gz, err := contentCoding(req.Header.Get(echo.HeaderContentEncoding))
			if err != nil {
				_ = req.Body.Close()
				return err
			}
			if gz {
				gr, err := gzip.NewReader(req.Body)
				if err != nil {
					_ = req.Body.Close()
					return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
				}
				req.Body = &gzipReadCloser{Reader: gr, body: req.Body}
				req.ContentLength = -1
				req.Header.Del(echo.HeaderContentEncoding)
				req.Header.Del(echo.HeaderContentLength)
			}
			req.Body = http.MaxBytesReader(c.Response(), req.Body, limit)
			return next(c)
		}
	}
}

// contentCoding reports whether header asks for gzip. identity is ignored.
func contentCoding(header string) (bool, error) {
	gz := false
	for _, enc := range strings.Split(header, ",") {
		switch enc = strings.ToLower(strings.TrimSpace(enc)); enc {
		case "", "identity":
		case "gzip", "x-gzip":
			if gz {
				return false, echo.NewHTTPError(http.StatusUnsupportedMediaType, "gzip applied more than once")
			}
			gz = true
		default:
			return false, echo.NewHTTPError(http.StatusUnsupportedMediaType, "unsupported content encoding "+enc)
		}
	}
	return gz, nil
}

type gzipReadCloser struct {
	*gzip.Reader
	body io.Closer
}

func (g *gzipReadCloser) Close() error {
	err := g.Reader.Close()
	if cerr := g.body.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
