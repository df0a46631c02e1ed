package vitalsigns

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/opencis/cis/internal/openehr"
	"github.com/opencis/cis/internal/openehr/ehrbase"
	"github.com/opencis/cis/internal/platform/auth"
)

// TemplateCatalog lists and describes the templates registered in the repository.
type TemplateCatalog interface {
	ListTemplates(ctx context.Context) ([]ehrbase.Template, error)
	TemplateExample(ctx context.Context, templateID string, format ehrbase.Format) (map[string]any, error)
}

// TransparencyHandler serves the read-only endpoints that show how readings
// are stored: templates, raw compositions, paths and archetypes.
type TransparencyHandler struct {
	svc     *Service
	catalog TemplateCatalog
	logger  zerolog.Logger
}

func NewTransparencyHandler(svc *Service, catalog TemplateCatalog, logger zerolog.Logger) *TransparencyHandler {
	return &TransparencyHandler{svc: svc, catalog: catalog, logger: logger}
}

func (h *TransparencyHandler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/openehr", auth.RequireRole(auth.ClinicalRoles...))
	g.GET("/templates", h.ListTemplates)
	g.GET("/templates/:template_id", h.TemplateExample)
	g.GET("/templates/:template_id/paths", h.TemplatePaths)
	g.GET("/compositions/:uid", h.RawComposition)
	g.GET("/compositions/:uid/paths", h.CompositionPaths)
	g.GET("/archetypes/:archetype_id", h.Archetype)
}

type templateList struct {
	Templates []ehrbase.Template `json:"templates"`
}

func (h *TransparencyHandler) ListTemplates(c echo.Context) error {
	ts, err := h.catalog.ListTemplates(c.Request().Context())
	if err != nil {
		return httpError(h.logger, c, err)
	}
	if ts == nil {
		ts = []ehrbase.Template{}
	}
	return c.JSON(http.StatusOK, templateList{Templates: ts})
}

type templateExample struct {
	TemplateID string         `json:"template_id"`
	Format     ehrbase.Format `json:"format"`
	Example    map[string]any `json:"example"`
}

func (h *TransparencyHandler) TemplateExample(c echo.Context) error {
	id := c.Param("template_id")
	ex, err := h.catalog.TemplateExample(c.Request().Context(), id, ehrbase.FormatFlat)
	if ehrbase.IsStatus(err, http.StatusNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "template "+id+" not found")
	}
	if err != nil {
		return httpError(h.logger, c, err)
	}
	return c.JSON(http.StatusOK, templateExample{TemplateID: id, Format: ehrbase.FormatFlat, Example: ex})
}

// pathEntry is the JSON view of a table entry, with the kind spelled out.
type pathEntry struct {
	openehr.TemplatePathEntry
	ValueKind string `json:"value_kind"`
	FlatPath  string `json:"flat_path"`
}

type templatePaths struct {
	TemplateID string      `json:"template_id"`
	Entries    []pathEntry `json:"entries"`
}

// TemplatePaths returns the local path table. Only the configured template
// has one; any other id is a 404.
func (h *TransparencyHandler) TemplatePaths(c echo.Context) error {
	id := c.Param("template_id")
	entries, err := h.svc.Table().EntriesForTemplate(id)
	var ut *openehr.UnknownTemplateError
	if errors.As(err, &ut) {
		return echo.NewHTTPError(http.StatusNotFound, "no path table for template "+id)
	}
	if err != nil {
		return httpError(h.logger, c, err)
	}
	out := templatePaths{TemplateID: id, Entries: make([]pathEntry, 0, len(entries))}
	for _, e := range entries {
		out.Entries = append(out.Entries, pathEntry{
			TemplatePathEntry: e,
			ValueKind:         e.Kind.String(),
			FlatPath:          e.ValueKey(0),
		})
	}
	return c.JSON(http.StatusOK, out)
}

type rawComposition struct {
	CompositionUID string         `json:"composition_uid"`
	Format         ehrbase.Format `json:"format"`
	TemplateID     string         `json:"template_id"`
	Composition    map[string]any `json:"composition"`
}

func (h *TransparencyHandler) RawComposition(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	format := ehrbase.FormatFlat
	if raw := c.QueryParam("format"); raw != "" {
		if format, err = ehrbase.ParseFormat(raw); err != nil {
			return fieldError("format", "must be FLAT or STRUCTURED")
		}
	}
	uid := c.Param("uid")
	doc, err := h.svc.RawComposition(c.Request().Context(), pid, uid, format)
	if err != nil {
		return httpError(h.logger, c, err)
	}
	return c.JSON(http.StatusOK, rawComposition{
		CompositionUID: uid,
		Format:         format,
		TemplateID:     h.svc.Table().TemplateID(),
		Composition:    doc,
	})
}

type compositionPath struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
	Type  string `json:"type"`
	// Field is the reading field the path maps to, if any.
	Field string `json:"field,omitempty"`
}

type compositionPaths struct {
	CompositionUID string            `json:"composition_uid"`
	TemplateID     string            `json:"template_id"`
	Paths          []compositionPath `json:"paths"`
}

// CompositionPaths lists every FLAT key of a composition sorted by path.
func (h *TransparencyHandler) CompositionPaths(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	uid := c.Param("uid")
	doc, err := h.svc.RawComposition(c.Request().Context(), pid, uid, ehrbase.FormatFlat)
	if err != nil {
		return httpError(h.logger, c, err)
	}
	table := h.svc.Table()
	paths := make([]compositionPath, 0, len(doc))
	for k, v := range doc {
		field, _ := table.FieldForPath(k)
		paths = append(paths, compositionPath{Path: k, Value: v, Type: jsonType(v), Field: field})
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i].Path < paths[j].Path })
	return c.JSON(http.StatusOK, compositionPaths{CompositionUID: uid, TemplateID: table.TemplateID(), Paths: paths})
}

func (h *TransparencyHandler) Archetype(c echo.Context) error {
	id := strings.TrimSpace(c.Param("archetype_id"))
	if id == "" {
		return fieldError("archetype_id", "is required")
	}
	return c.JSON(http.StatusOK, openehr.DescribeArchetype(id))
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return "number"
	}
}
