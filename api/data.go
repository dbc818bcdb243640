package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/labstack/echo/v4"
	"github.com/pbudner/pulselog/query"
	"github.com/pbudner/pulselog/storage"
)

// FetchIndex serves GET /data?s=<start>&e=<end>[&r=<width>] with the raw
// index entries of the bars between start and end. The resolution defaults
// to the smallest configured width.
func FetchIndex(engine *query.Engine, catalog storage.Catalog) echo.HandlerFunc {
	return func(c echo.Context) error {
		start, err := strconv.ParseUint(c.QueryParam("s"), 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, JSON{"error": "invalid start"})
		}

		end, err := strconv.ParseUint(c.QueryParam("e"), 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, JSON{"error": "invalid end"})
		}

		resolution := catalog.Min()
		if r := c.QueryParam("r"); r != "" {
			if resolution, err = strconv.ParseUint(r, 10, 64); err != nil {
				return c.JSON(http.StatusBadRequest, JSON{"error": "invalid resolution"})
			}
		}

		data, bounds, err := engine.IndexRange(resolution, start, end)
		switch {
		case errors.Is(err, storage.ErrNoData):
			data = []byte{}
		case errors.Is(err, query.ErrMalformedRequest):
			return c.JSON(http.StatusBadRequest, JSON{"error": err.Error()})
		case err != nil:
			return c.JSON(http.StatusInternalServerError, JSON{"error": err.Error()})
		default:
			c.Response().Header().Set("X-Range-Start", strconv.FormatUint(bounds.Start, 10))
			c.Response().Header().Set("X-Range-End", strconv.FormatUint(bounds.End, 10))
		}

		etag := fmt.Sprintf(`"%016x"`, xxhash.Sum64(data))
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set("ETag", etag)
		if c.Request().Header.Get("If-None-Match") == etag {
			return c.NoContent(http.StatusNotModified)
		}

		return c.Blob(http.StatusOK, echo.MIMEOctetStream, data)
	}
}
