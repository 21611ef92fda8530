package dedup

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/clinicroster/patient-dedup/internal/platform/auth"
	"github.com/clinicroster/patient-dedup/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, registrar, physician, nurse
	readGroup := api.Group("", auth.RequireRole("admin", "registrar", "physician", "nurse"))
	readGroup.GET("/duplicates", h.ListDuplicates)
	readGroup.GET("/duplicates/preview", h.PreviewMerge)

	// Write endpoints – admin, registrar
	writeGroup := api.Group("", auth.RequireRole("admin", "registrar"))
	writeGroup.POST("/duplicates/merge", h.MergeGroup)
	writeGroup.POST("/duplicates/merge-all", h.MergeAll)
}

func (h *Handler) threshold(c echo.Context) (int, error) {
	raw := c.QueryParam("similarity")
	if raw == "" {
		return h.svc.DefaultThreshold(), nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "similarity must be an integer between 0 and 100")
	}
	return v, nil
}

func (h *Handler) ListDuplicates(c echo.Context) error {
	threshold, err := h.threshold(c)
	if err != nil {
		return err
	}
	groups, err := h.svc.Scan(c.Request().Context(), threshold)
	if err != nil {
		return scanError(err)
	}

	reports := BuildReport(groups)
	pg := pagination.FromContext(c)
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(reports, pg), len(reports), pg.Limit, pg.Offset))
}

type previewGroup struct {
	MainPatientID    PatientID       `json:"mainPatientId"`
	MergedIDs        []PatientID     `json:"mergedIds"`
	BackfilledFields []string        `json:"backfilledFields"`
	Dependents       DependentCounts `json:"dependents"`
	Result           PatientSummary  `json:"result"`
}

// PreviewMerge is the API's dry run: what merge-all would do right now.
func (h *Handler) PreviewMerge(c echo.Context) error {
	threshold, err := h.threshold(c)
	if err != nil {
		return err
	}
	groups, err := h.svc.Scan(c.Request().Context(), threshold)
	if err != nil {
		return scanError(err)
	}
	plans, err := h.svc.Preview(groups)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	out := make([]previewGroup, len(plans))
	for i, p := range plans {
		out[i] = previewGroup{
			MainPatientID:    p.Canonical.ID,
			MergedIDs:        p.DuplicateIDs,
			BackfilledFields: p.BackfilledFields,
			Dependents:       p.Dependents,
			Result:           Summary(p.Canonical),
		}
	}
	pg := pagination.FromContext(c)
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(out, pg), len(out), pg.Limit, pg.Offset))
}

type mergeRequest struct {
	GroupIDs      []PatientID `json:"groupIds"`
	MainPatientID PatientID   `json:"mainPatientId"`
}

type mergeResponse struct {
	UnifiedGroups int          `json:"unifiedGroups"`
	FailedGroups  int          `json:"failedGroups"`
	Result        GroupOutcome `json:"result"`
}

// MergeGroup merges exactly the group in the request body. A group that
// fails inside its transaction is still a 200 with failedGroups=1; only an
// invalid request (400) or a group whose patients are gone (404) change the
// status.
func (h *Handler) MergeGroup(c echo.Context) error {
	var req mergeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	res := h.svc.Merge(c.Request().Context(), req.MainPatientID, req.GroupIDs)
	if errors.Is(res.Err, ErrValidation) {
		return echo.NewHTTPError(http.StatusBadRequest, res.Err.Error())
	}

	body := mergeResponse{Result: Outcome(res)}
	if res.Committed() {
		body.UnifiedGroups = 1
	} else {
		body.FailedGroups = 1
	}
	status := http.StatusOK
	if errors.Is(res.Err, ErrNotFound) {
		status = http.StatusNotFound
	}
	return c.JSON(status, body)
}

type mergeAllRequest struct {
	Similarity *int `json:"similarity"`
}

// MergeAll rescans and merges every group into its suggested canonical
// record without confirmation.
func (h *Handler) MergeAll(c echo.Context) error {
	var req mergeAllRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	threshold := h.svc.DefaultThreshold()
	if req.Similarity != nil {
		threshold = *req.Similarity
	}

	ctx := c.Request().Context()
	groups, err := h.svc.Scan(ctx, threshold)
	if err != nil {
		return scanError(err)
	}
	return c.JSON(http.StatusOK, Summarize(h.svc.MergeAll(ctx, groups)))
}

func scanError(err error) error {
	if errors.Is(err, ErrValidation) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
