package patient

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	defaultLabelSize = 256
	minLabelSize     = 128
	maxLabelSize     = 1024
)

// LabelContent is the text encoded in a wristband QR code.
func LabelContent(p *Patient) string {
	parts := []string{
		"MRN:" + p.MRN,
		"NAME:" + p.DisplayName(),
	}
	if p.BirthDate != nil {
		parts = append(parts, "DOB:"+p.BirthDate.String())
	}
	parts = append(parts, "EHR:"+p.EHRID)
	return strings.Join(parts, "|")
}

// LabelPNG renders the wristband QR code for p, size pixels square.
func LabelPNG(p *Patient, size int) ([]byte, error) {
	qr, err := qrcode.New(LabelContent(p), qrcode.Medium)
	if err != nil {
		return nil, err
	}
	return qr.PNG(size)
}

// GetLabel serves GET /patients/:id/label.png?size=N.
func (h *Handler) GetLabel(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	size := defaultLabelSize
	if raw := c.QueryParam("size"); raw != "" {
		size, err = strconv.Atoi(raw)
		if err != nil || size < minLabelSize || size > maxLabelSize {
			return echo.NewHTTPError(http.StatusBadRequest, echo.Map{
				"field":   "size",
				"message": "must be between " + strconv.Itoa(minLabelSize) + " and " + strconv.Itoa(maxLabelSize),
			})
		}
	}

	p, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	png, err := LabelPNG(p, size)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "render label").SetInternal(err)
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.Blob(http.StatusOK, "image/png", png)
}
