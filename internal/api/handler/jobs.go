package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"

	mw "github.com/derril-tech/researchflow/internal/api/middleware"
	"github.com/derril-tech/researchflow/internal/api/response"
	"github.com/derril-tech/researchflow/internal/jobs"
	"github.com/derril-tech/researchflow/internal/store"
	"github.com/derril-tech/researchflow/internal/workflow"
	"github.com/derril-tech/researchflow/pkg/models"
	"github.com/google/uuid"
)

const maxBodyBytes = 4 << 20

// JobService is the job lifecycle the handlers drive.
type JobService interface {
	Create(ctx context.Context, req jobs.CreateRequest) (*models.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	List(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error)
	Update(ctx context.Context, id uuid.UUID, req jobs.UpdateRequest) (*models.Job, error)
	Stats(ctx context.Context, ownerID uuid.UUID) (*jobs.JobStats, error)
	Start(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Retry(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Progress(ctx context.Context, id uuid.UUID) (*jobs.ProgressView, error)
	Results(ctx context.Context, id uuid.UUID) (*jobs.Results, error)
	Checkpoints(ctx context.Context, id uuid.UUID) ([]*models.Checkpoint, error)
	ReviewDecisions(ctx context.Context, id uuid.UUID) ([]*models.ReviewDecision, error)
	Subscribe(ctx context.Context, id uuid.UUID) (*jobs.Feed, error)
	RecentEvents(ctx context.Context, id uuid.UUID, limit int) ([]models.ProgressEvent, error)
}

// ReviewSubmitter accepts human review decisions.
type ReviewSubmitter interface {
	Submit(ctx context.Context, jobID uuid.UUID, reviewer string, action models.ReviewAction, instructions string) (*models.ReviewDecision, error)
}

// Jobs serves the /api/v1/jobs endpoints. Callers only see their own jobs;
// admin keys see every job.
type Jobs struct {
	svc    JobService
	review ReviewSubmitter
}

func NewJobs(svc JobService, review ReviewSubmitter) *Jobs {
	return &Jobs{svc: svc, review: review}
}

type createJobRequest struct {
	Query        string              `json:"query"`
	Constraints  models.Constraints  `json:"constraints"`
	OutputConfig models.OutputConfig `json:"output_config"`
	HILConfig    models.HILConfig    `json:"hil_config"`
	Start        bool                `json:"start"`
}

// Create handles POST /api/v1/jobs. With "start": true the job is queued
// right away.
func (h *Jobs) Create(w http.ResponseWriter, r *http.Request) {
	owner, ok := mw.GetOwnerID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
		return
	}

	var req createJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}

	job, err := h.svc.Create(r.Context(), jobs.CreateRequest{
		OwnerID:      owner,
		Query:        req.Query,
		Constraints:  req.Constraints,
		OutputConfig: req.OutputConfig,
		HILConfig:    req.HILConfig,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.Start {
		if job, err = h.svc.Start(r.Context(), job.ID); err != nil {
			writeError(w, r, err)
			return
		}
	}
	response.Created(w, job)
}

// List handles GET /api/v1/jobs?status=&page=&limit=.
func (h *Jobs) List(w http.ResponseWriter, r *http.Request) {
	owner, ok := mw.GetOwnerID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
		return
	}

	status := models.JobStatus(r.URL.Query().Get("status"))
	if status != "" && !slices.Contains(workflow.AllStatuses(), status) {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Unknown status filter", nil)
		return
	}
	filter := store.JobFilter{
		OwnerID: owner,
		Status:  status,
		Page:    intQuery(r, "page", 1),
		Limit:   intQuery(r, "limit", 20),
	}
	list, total, err := h.svc.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Job{}
	}

	// mirror the store's clamping so meta matches the page served
	page, limit := filter.Page, filter.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	response.Collection(w, list, response.PaginationMeta{
		Page:    page,
		Limit:   limit,
		Total:   total,
		HasNext: page*limit < total,
	})
}

// Stats handles GET /api/v1/jobs/stats: the caller's job counts by status.
func (h *Jobs) Stats(w http.ResponseWriter, r *http.Request) {
	owner, ok := mw.GetOwnerID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
		return
	}
	stats, err := h.svc.Stats(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, stats)
}

type updateJobRequest struct {
	Query        *string              `json:"query"`
	Constraints  *models.Constraints  `json:"constraints"`
	OutputConfig *models.OutputConfig `json:"output_config"`
	HILConfig    *models.HILConfig    `json:"hil_config"`
}

// Update handles PUT /api/v1/jobs/{jobID}. Only jobs that have not been
// started can be edited; omitted fields keep their values.
func (h *Jobs) Update(w http.ResponseWriter, r *http.Request) {
	job, ok := h.job(w, r)
	if !ok {
		return
	}
	var req updateJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	updated, err := h.svc.Update(r.Context(), job.ID, jobs.UpdateRequest{
		Query:        req.Query,
		Constraints:  req.Constraints,
		OutputConfig: req.OutputConfig,
		HILConfig:    req.HILConfig,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, updated)
}

// job loads the job named in the URL and checks that the caller may see it.
// Someone else's job is reported as missing.
func (h *Jobs) job(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	id, ok := uuidParam(w, r, "jobID")
	if !ok {
		return nil, false
	}
	job, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	owner, _ := mw.GetOwnerID(r)
	if job.OwnerID != owner && !mw.HasScope(r, models.ScopeAdmin) {
		response.NotFound(w)
		return nil, false
	}
	return job, true
}

func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	if job, ok := h.job(w, r); ok {
		response.JSON(w, job)
	}
}

func (h *Jobs) Delete(w http.ResponseWriter, r *http.Request) {
	job, ok := h.job(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), job.ID); err != nil {
		writeError(w, r, err)
		return
	}
	response.NoContent(w)
}

func (h *Jobs) Start(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.svc.Start)
}

func (h *Jobs) Cancel(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.svc.Cancel)
}

func (h *Jobs) Retry(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.svc.Retry)
}

func (h *Jobs) lifecycle(w http.ResponseWriter, r *http.Request, op func(context.Context, uuid.UUID) (*models.Job, error)) {
	job, ok := h.job(w, r)
	if !ok {
		return
	}
	updated, err := op(r.Context(), job.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Accepted(w, updated)
}

type reviewRequest struct {
	Action       models.ReviewAction `json:"action"`
	Instructions string              `json:"instructions"`
	Reviewer     string              `json:"reviewer"`
}

// Review handles POST /api/v1/jobs/{jobID}/review. The reviewer defaults to
// "owner:<owner id>" of the calling key.
func (h *Jobs) Review(w http.ResponseWriter, r *http.Request) {
	job, ok := h.job(w, r)
	if !ok {
		return
	}
	var req reviewRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	reviewer := req.Reviewer
	if reviewer == "" {
		owner, _ := mw.GetOwnerID(r)
		reviewer = "owner:" + owner.String()
	}

	decision, err := h.review.Submit(r.Context(), job.ID, reviewer, req.Action, req.Instructions)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Created(w, decision)
}

func (h *Jobs) Progress(w http.ResponseWriter, r *http.Request) {
	job, ok := h.job(w, r)
	if !ok {
		return
	}
	view, err := h.svc.Progress(r.Context(), job.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, view)
}

// Events handles GET /api/v1/jobs/{jobID}/events?limit=.
func (h *Jobs) Events(w http.ResponseWriter, r *http.Request) {
	job, ok := h.job(w, r)
	if !ok {
		return
	}
	list, err := h.svc.RecentEvents(r.Context(), job.ID, intQuery(r, "limit", 100))
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, list)
}

// Results handles the sources, claims, citations and artifacts endpoints:
// each returns one part of the latest checkpoint.
func (h *Jobs) Results(part string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := h.job(w, r)
		if !ok {
			return
		}
		res, err := h.svc.Results(r.Context(), job.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		var data any
		switch part {
		case "sources":
			data = res.Sources
		case "claims":
			data = res.Claims
		case "citations":
			data = res.Citations
		case "artifacts":
			data = res.Artifacts
		default:
			data = res
		}
		response.JSON(w, data)
	}
}

func (h *Jobs) Checkpoints(w http.ResponseWriter, r *http.Request) {
	job, ok := h.job(w, r)
	if !ok {
		return
	}
	list, err := h.svc.Checkpoints(r.Context(), job.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, list)
}

func (h *Jobs) Reviews(w http.ResponseWriter, r *http.Request) {
	job, ok := h.job(w, r)
	if !ok {
		return
	}
	list, err := h.svc.ReviewDecisions(r.Context(), job.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, list)
}
