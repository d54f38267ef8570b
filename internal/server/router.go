package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/curatehq/roundkeeper/internal/faults"
	"github.com/curatehq/roundkeeper/internal/orchestrator"
	"github.com/curatehq/roundkeeper/internal/rounds"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const capabilitiesContextKey = "roundkeeper_capabilities"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingRoundsService    = errors.New("rounds service dependency required")
	errMissingWorkflows        = errors.New("workflows dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

// SessionSource validates bearer tokens into caller capabilities.
type SessionSource interface {
	ValidateToken(token string) (Capabilities, error)
}

// Workflows is the slice of the orchestrator the router drives.
type Workflows interface {
	OpenRound(ctx context.Context, roundID int64, postingOrder []string) (orchestrator.OpenReport, error)
	CloseRound(ctx context.Context, roundID int64) (orchestrator.CloseReport, error)
}

type Dependencies struct {
	Sessions      SessionSource
	RoundsService *rounds.Service
	Workflows     Workflows
	Logger        *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.RoundsService == nil {
		return nil, errMissingRoundsService
	}
	if deps.Workflows == nil {
		return nil, errMissingWorkflows
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:      deps.Sessions,
		roundsService: deps.RoundsService,
		workflows:     deps.Workflows,
		logger:        logger,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/rounds/:id", handler.handleGetRound)
	protected.POST("/rounds/:id/open", handler.requireAdmin, handler.handleOpenRound)
	protected.POST("/rounds/:id/close", handler.requireAdmin, handler.handleCloseRound)

	return router, nil
}

type httpHandler struct {
	sessions      SessionSource
	roundsService *rounds.Service
	workflows     Workflows
	logger        *zap.Logger
}

type categoryPayload struct {
	Category        string  `json:"category"`
	VotingThreshold float64 `json:"voting_threshold"`
	Locked          bool    `json:"locked"`
	MainTopicID     *int64  `json:"main_topic_id,omitempty"`
	ResultsPostID   *int64  `json:"results_post_id,omitempty"`
}

type pollPayload struct {
	ID          int64      `json:"id"`
	Category    string     `json:"category"`
	ItemID      int64      `json:"item_id"`
	TopicID     int64      `json:"topic_id"`
	OpenedAt    time.Time  `json:"opened_at"`
	EndedAt     time.Time  `json:"ended_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	ResultYes   *int64     `json:"result_yes,omitempty"`
	ResultNo    *int64     `json:"result_no,omitempty"`
}

type roundPayload struct {
	ID         int64             `json:"id"`
	Name       string            `json:"name"`
	PostedAt   time.Time         `json:"posted_at"`
	Done       bool              `json:"done"`
	Categories []categoryPayload `json:"categories"`
	Polls      []pollPayload     `json:"polls"`
}

func (h *httpHandler) handleGetRound(c *gin.Context) {
	roundID, ok := parseRoundID(c)
	if !ok {
		return
	}

	round, err := h.roundsService.Round(c.Request.Context(), roundID)
	if err != nil {
		h.renderFault(c, err)
		return
	}
	configs, err := h.roundsService.CategoryConfigs(c.Request.Context(), roundID)
	if err != nil {
		h.renderFault(c, err)
		return
	}
	polls, err := h.roundsService.PollsForRound(c.Request.Context(), roundID)
	if err != nil {
		h.renderFault(c, err)
		return
	}

	payload := roundPayload{
		ID:         round.ID,
		Name:       round.Name,
		PostedAt:   round.PostedAt,
		Done:       round.Done,
		Categories: make([]categoryPayload, 0, len(configs)),
		Polls:      make([]pollPayload, 0, len(polls)),
	}
	for _, config := range configs {
		payload.Categories = append(payload.Categories, categoryPayload{
			Category:        config.Category,
			VotingThreshold: config.VotingThreshold,
			Locked:          config.Locked,
			MainTopicID:     config.MainTopicID,
			ResultsPostID:   config.ResultsPostID,
		})
	}
	for _, poll := range polls {
		payload.Polls = append(payload.Polls, pollPayload{
			ID:        poll.ID,
			Category:  poll.Category,
			ItemID:    poll.ItemID,
			TopicID:   poll.TopicID,
			OpenedAt:  poll.OpenedAt,
			EndedAt:   poll.EndedAt,
			ClosedAt:  poll.ClosedAt,
			ResultYes: poll.ResultYes,
			ResultNo:  poll.ResultNo,
		})
	}

	c.JSON(http.StatusOK, payload)
}

type openRequestPayload struct {
	PostingOrder []string `json:"posting_order"`
}

type openResponsePayload struct {
	RoundID      int64            `json:"round_id"`
	CreatedItems []int64          `json:"created_items"`
	SkippedItems []int64          `json:"skipped_items"`
	MainTopics   map[string]int64 `json:"main_topics"`
}

func (h *httpHandler) handleOpenRound(c *gin.Context) {
	roundID, ok := parseRoundID(c)
	if !ok {
		return
	}

	var request openRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	report, err := h.workflows.OpenRound(c.Request.Context(), roundID, request.PostingOrder)
	if err != nil {
		h.renderFault(c, err)
		return
	}

	c.JSON(http.StatusOK, openResponsePayload{
		RoundID:      report.RoundID,
		CreatedItems: report.CreatedItems,
		SkippedItems: report.SkippedItems,
		MainTopics:   report.MainTopics,
	})
}

type closeResponsePayload struct {
	RoundID      int64            `json:"round_id"`
	PassedItems  []int64          `json:"passed_items"`
	FailedItems  []int64          `json:"failed_items"`
	SummaryPosts map[string]int64 `json:"summary_posts"`
}

func (h *httpHandler) handleCloseRound(c *gin.Context) {
	roundID, ok := parseRoundID(c)
	if !ok {
		return
	}

	report, err := h.workflows.CloseRound(c.Request.Context(), roundID)
	if err != nil {
		h.renderFault(c, err)
		return
	}

	c.JSON(http.StatusOK, closeResponsePayload{
		RoundID:      report.RoundID,
		PassedItems:  report.PassedItems,
		FailedItems:  report.FailedItems,
		SummaryPosts: report.SummaryPosts,
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	capabilities, err := h.sessions.ValidateToken(token)
	if err != nil {
		h.logger.Warn("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(capabilitiesContextKey, capabilities)
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	value, exists := c.Get(capabilitiesContextKey)
	capabilities, ok := value.(Capabilities)
	if !exists || !ok || !capabilities.IsAdmin {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func parseRoundID(c *gin.Context) (int64, bool) {
	roundID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || roundID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_round_id"})
		return 0, false
	}
	return roundID, true
}

type faultPayload struct {
	Error     string   `json:"error"`
	Message   string   `json:"message"`
	EntityIDs []string `json:"entity_ids,omitempty"`
}

// renderFault maps the engine's fault taxonomy onto HTTP statuses. Transport
// and credential failures surface as 502 because the upstream platform, not
// this service, is the failing party.
func (h *httpHandler) renderFault(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch faults.KindOf(err) {
	case faults.KindValidation:
		status = http.StatusBadRequest
	case faults.KindNotFound:
		status = http.StatusNotFound
	case faults.KindConflict:
		status = http.StatusConflict
	case faults.KindTransport, faults.KindCredentialExpired:
		status = http.StatusBadGateway
	}

	payload := faultPayload{Error: faults.CodeOf(err), Message: err.Error()}
	var fault *faults.Error
	if errors.As(err, &fault) {
		payload.EntityIDs = fault.EntityIDs()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		payload.Message = "internal error"
	}
	c.JSON(status, payload)
}
