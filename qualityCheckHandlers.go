package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/receiving_backend/config"
	"bitbucket.org/mmdatafocus/receiving_backend/models"
	"bitbucket.org/mmdatafocus/receiving_backend/models/reports"
	"bitbucket.org/mmdatafocus/receiving_backend/utils"
	"bitbucket.org/mmdatafocus/receiving_backend/workflow"
	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const convertLockTTL = 2 * time.Minute

type qualityCheckAPI struct {
	engine   *workflow.Engine
	store    models.Store
	logger   *logrus.Logger
	sessions *sessionRegistry

	// locker serializes convert across instances; nil when redis is not connected.
	locker    func() *redislock.Client
	signPhoto func(ctx context.Context, qualityCheckId, itemId, contentType string) (*utils.SignedUpload, error)
}

func newQualityCheckAPI(engine *workflow.Engine, store models.Store, logger *logrus.Logger) *qualityCheckAPI {
	return &qualityCheckAPI{
		engine:    engine,
		store:     store,
		logger:    logger,
		sessions:  newSessionRegistry(engine),
		locker:    config.GetRedisLock,
		signPhoto: utils.SignInspectionPhotoUpload,
	}
}

// sessionRegistry keeps sessions whose verdicts failed to save so they survive between
// requests. Every other request works on a session freshly loaded from the store.
type sessionRegistry struct {
	engine *workflow.Engine
	mu     sync.Mutex
	live   map[string]*workflow.Session
}

func newSessionRegistry(engine *workflow.Engine) *sessionRegistry {
	return &sessionRegistry{engine: engine, live: map[string]*workflow.Session{}}
}

func (r *sessionRegistry) get(ctx context.Context, id string) (*workflow.Session, error) {
	r.mu.Lock()
	s, ok := r.live[id]
	r.mu.Unlock()
	if ok {
		return s, nil
	}
	return r.engine.Resume(ctx, id)
}

// settle keeps s only while it holds unsaved verdicts.
func (r *sessionRegistry) settle(s *workflow.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(s.UnsavedItemIds()) > 0 {
		r.live[s.ID()] = s
		return
	}
	delete(r.live, s.ID())
}

func (r *sessionRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

type sessionResponse struct {
	QualityCheck   models.QualityCheck        `json:"quality_check"`
	Summary        models.QualityCheckSummary `json:"summary"`
	UnsavedItemIds []string                   `json:"unsaved_item_ids"`
}

func sessionView(s *workflow.Session) sessionResponse {
	return sessionResponse{
		QualityCheck:   s.QualityCheck(),
		Summary:        s.Summary(),
		UnsavedItemIds: s.UnsavedItemIds(),
	}
}

func (a *qualityCheckAPI) session(c *gin.Context) (*workflow.Session, bool) {
	s, err := a.sessions.get(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return nil, false
	}
	return s, true
}

func (a *qualityCheckAPI) listTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, a.engine.Catalog().List(c.Request.Context()))
}

func (a *qualityCheckAPI) start(c *gin.Context) {
	var req workflow.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.InspectorId == "" {
		req.InspectorId, _ = utils.GetUserIdFromContext(c.Request.Context())
	}
	s, err := a.engine.Start(c.Request.Context(), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	a.sessions.settle(s)
	c.JSON(http.StatusCreated, gin.H{
		"quality_check": s.QualityCheck(),
		"items":         s.Items(),
	})
}

func (a *qualityCheckAPI) getSession(c *gin.Context) {
	s, ok := a.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sessionView(s))
}

func (a *qualityCheckAPI) listItems(c *gin.Context) {
	s, ok := a.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": s.Items()})
}

func (a *qualityCheckAPI) listHistory(c *gin.Context) {
	id := c.Param("id")
	if err := utils.ValidateId("quality_check_id", id); err != nil {
		a.writeError(c, err)
		return
	}
	rows, err := a.store.ListHistory(c.Request.Context(), id)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": rows})
}

func (a *qualityCheckAPI) recordItem(c *gin.Context) {
	s, ok := a.session(c)
	if !ok {
		return
	}
	var verdict models.ItemVerdict
	if err := c.ShouldBindJSON(&verdict); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	for _, ref := range verdict.ImageReferences {
		if strings.HasPrefix(ref, "https://") || utils.IsInspectionPhotoKey(s.ID(), c.Param("itemId"), ref) {
			continue
		}
		a.writeError(c, utils.NewValidationError("image_references", "%q is not a photo of this item", ref))
		return
	}
	item, err := s.RecordItem(c.Request.Context(), c.Param("itemId"), verdict)
	a.respondItem(c, s, item, err)
}

func (a *qualityCheckAPI) skipItem(c *gin.Context) {
	s, ok := a.session(c)
	if !ok {
		return
	}
	item, err := s.SkipItem(c.Request.Context(), c.Param("itemId"))
	a.respondItem(c, s, item, err)
}

func (a *qualityCheckAPI) respondItem(c *gin.Context, s *workflow.Session, item *models.QualityCheckItem, err error) {
	a.sessions.settle(s)
	if err != nil && !(item != nil && errors.Is(err, workflow.ErrCompletionPending)) {
		a.writeError(c, err)
		return
	}
	status := http.StatusOK
	body := gin.H{"item": item, "session": sessionView(s)}
	if err != nil {
		status = http.StatusAccepted
		body["warning"] = err.Error()
	}
	c.JSON(status, body)
}

type photoUploadRequest struct {
	ContentType string `json:"content_type" binding:"required"`
}

func (a *qualityCheckAPI) signPhotoUpload(c *gin.Context) {
	s, ok := a.session(c)
	if !ok {
		return
	}
	var req photoUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content_type is required"})
		return
	}
	itemId := c.Param("itemId")
	found := false
	for _, item := range s.Items() {
		if item.ID == itemId {
			found = true
			break
		}
	}
	if !found {
		a.writeError(c, fmt.Errorf("%w: %s", workflow.ErrItemNotFound, itemId))
		return
	}
	upload, err := a.signPhoto(c.Request.Context(), s.ID(), itemId, req.ContentType)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, upload)
}

func (a *qualityCheckAPI) retryUnsaved(c *gin.Context) {
	s, ok := a.session(c)
	if !ok {
		return
	}
	err := s.RetryUnsaved(c.Request.Context())
	a.sessions.settle(s)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionView(s))
}

type completeRequest struct {
	Notes string `json:"notes"`
}

func (a *qualityCheckAPI) complete(c *gin.Context) {
	s, ok := a.session(c)
	if !ok {
		return
	}
	var req completeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}
	outcome, err := s.Complete(c.Request.Context(), req.Notes)
	if err != nil {
		a.writeError(c, err)
		return
	}
	a.sessions.settle(s)
	c.JSON(http.StatusOK, gin.H{"outcome": outcome, "session": sessionView(s)})
}

type proceedRequest struct {
	AcceptPartial bool `json:"accept_partial"`
}

func (a *qualityCheckAPI) proceed(c *gin.Context) {
	s, ok := a.session(c)
	if !ok {
		return
	}
	var req proceedRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}
	if err := s.ProceedToIntake(c.Request.Context(), req.AcceptPartial); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionView(s))
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (a *qualityCheckAPI) closeSession(c *gin.Context) {
	a.endSession(c, (*workflow.Session).Close)
}

func (a *qualityCheckAPI) abandon(c *gin.Context) {
	a.endSession(c, (*workflow.Session).Abandon)
}

func (a *qualityCheckAPI) endSession(c *gin.Context, end func(*workflow.Session, context.Context, string) error) {
	s, ok := a.session(c)
	if !ok {
		return
	}
	var req reasonRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}
	if err := end(s, c.Request.Context(), strings.TrimSpace(req.Reason)); err != nil {
		a.writeError(c, err)
		return
	}
	a.sessions.settle(s)
	c.JSON(http.StatusOK, sessionView(s))
}

func (a *qualityCheckAPI) convert(c *gin.Context) {
	s, ok := a.session(c)
	if !ok {
		return
	}
	var req workflow.ConversionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	ctx := c.Request.Context()
	if req.ActorId == "" {
		req.ActorId, _ = utils.GetUserIdFromContext(ctx)
	}

	if locker := a.lockClient(); locker != nil {
		lock, err := locker.Obtain(ctx, "qc-convert:"+s.ID(), convertLockTTL, nil)
		if err != nil {
			a.writeError(c, err)
			return
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				config.LogError(a.logger, "QualityCheckAPI", "convert", "releasing convert lock", s.ID(), err)
			}
		}()
	}

	result, err := s.Convert(ctx, req)
	if err != nil {
		var ce *workflow.ConversionError
		if errors.As(err, &ce) && len(ce.Items) > 0 {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "result": result})
			return
		}
		a.writeError(c, err)
		return
	}
	a.sessions.settle(s)
	c.JSON(http.StatusOK, result)
}

func (a *qualityCheckAPI) lockClient() *redislock.Client {
	if a.locker == nil {
		return nil
	}
	return a.locker()
}

func (a *qualityCheckAPI) getConversion(c *gin.Context) {
	id := c.Param("id")
	if err := utils.ValidateId("quality_check_id", id); err != nil {
		a.writeError(c, err)
		return
	}
	marker, err := a.store.GetInventoryConversion(c.Request.Context(), id)
	if err != nil {
		a.writeError(c, err)
		return
	}
	if marker == nil {
		a.writeError(c, utils.ErrorRecordNotFound)
		return
	}
	stocks, err := a.store.ListInventoryStocks(c.Request.Context(), id)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversion": marker, "stocks": stocks})
}

func (a *qualityCheckAPI) getSummary(c *gin.Context) {
	summary, err := a.engine.GetSummary(c.Request.Context(), c.Param("poId"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (a *qualityCheckAPI) export(c *gin.Context) {
	s, ok := a.session(c)
	if !ok {
		return
	}
	stocks, err := a.store.ListInventoryStocks(c.Request.Context(), s.ID())
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=quality-check-%s.xlsx", s.ID()))
	if err := reports.ExportQualityCheck(c.Writer, s.Summary(), s.Items(), stocks); err != nil {
		config.LogError(a.logger, "QualityCheckAPI", "export", "writing workbook", s.ID(), err)
		_ = c.Error(err)
	}
}

func (a *qualityCheckAPI) outboxStatus(c *gin.Context) {
	id := c.Param("id")
	if err := utils.ValidateId("quality_check_id", id); err != nil {
		a.writeError(c, err)
		return
	}
	rec, err := a.store.LatestOutboxEvent(c.Request.Context(), id)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec.Status())
}

type requeueRequest struct {
	QualityCheckId string `json:"quality_check_id" binding:"required"`
}

func (a *qualityCheckAPI) requeueOutbox(c *gin.Context) {
	var req requeueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "quality_check_id is required"})
		return
	}
	if err := utils.ValidateId("quality_check_id", req.QualityCheckId); err != nil {
		a.writeError(c, err)
		return
	}
	n, err := a.store.RequeueOutboxEvents(c.Request.Context(), req.QualityCheckId)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quality_check_id": req.QualityCheckId, "requeued": n})
}

// writeError maps engine errors onto HTTP statuses.
func (a *qualityCheckAPI) writeError(c *gin.Context, err error) {
	var (
		ve *utils.ValidationError
		te *workflow.TransitionError
		ce *workflow.ConversionError
		pe *workflow.PersistError
	)
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error(), "field": ve.Field})
	case workflow.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &te):
		c.JSON(http.StatusConflict, gin.H{"error": te.Error(), "step": te.From})
	case errors.Is(err, workflow.ErrActionInFlight),
		errors.Is(err, models.ErrPurchaseOrderLocked),
		errors.Is(err, redislock.ErrNotObtained):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "retryable": true})
	case errors.Is(err, workflow.ErrItemsPending),
		errors.Is(err, workflow.ErrUnsavedVerdicts),
		errors.Is(err, workflow.ErrPartialIntakeNotAccepted):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, workflow.ErrNoLineItems):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.As(err, &ce) && len(ce.Items) > 0:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": ce.Error(), "items": ce.Items})
	case errors.As(err, &pe), errors.As(err, &ce):
		_ = c.Error(err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "retryable": true})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
