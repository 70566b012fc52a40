package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/normalize"
	"github.com/zulandar/switchboard/internal/session"
	"github.com/zulandar/switchboard/internal/webhook"
)

type api struct {
	opts RouterOpts
}

// registerRoutes sets up all API routes on the gin router.
func registerRoutes(router *gin.Engine, a *api) {
	router.GET("/api/health", a.handleHealth)
	router.GET("/api/agents", a.handleAgents)
	router.GET("/api/config", a.handleClientConfig)

	sessions := router.Group("/api/sessions")
	sessions.POST("", a.handleCreateSession)
	sessions.GET("/:id", a.handleGetSession)
	sessions.GET("/:id/transcript", a.handleTranscript)
	sessions.GET("/:id/staged-transcript", a.handleStagedTranscript)
	sessions.GET("/:id/call-summary", a.handleCallSummary)
	sessions.GET("/:id/events", a.handleEvents)

	router.GET("/api/webhooks/recent", a.handleRecentDeliveries)
	router.POST("/webhook", a.handleWebhook)
	router.GET("/ws", gin.WrapH(a.opts.Realtime))

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}

func (a *api) handleHealth(c *gin.Context) {
	active := a.opts.Store.ListCandidates(session.Filter{Statuses: []session.Status{session.StatusActive}})
	total, _ := a.opts.Store.Count()
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"sessions_active": len(active),
		"sessions_total":  total,
	})
}

func (a *api) handleAgents(c *gin.Context) {
	agents := make([]gin.H, 0, len(a.opts.Config.Agents))
	for _, ag := range a.opts.Config.Agents {
		agents = append(agents, gin.H{
			"key":      ag.Key,
			"name":     ag.Name,
			"role":     ag.Role,
			"agent_id": ag.AgentID,
		})
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (a *api) handleClientConfig(c *gin.Context) {
	body := gin.H{"websocket_url": a.opts.Config.Server.PublicURL}
	if key := a.opts.Config.ProviderAPIKey; key != "" {
		body["provider_api_key"] = key
	}
	c.JSON(http.StatusOK, body)
}

type createSessionRequest struct {
	AgentKey string `json:"agent_key"`
}

func (a *api) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	agent, ok := a.opts.Config.Agent(req.AgentKey)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid agent key"})
		return
	}

	rec := a.opts.Store.Create(agent.AgentID, map[string]string{
		"agent_name": agent.Name,
		"agent_role": agent.Role,
		"client_ip":  c.ClientIP(),
	})
	log.Printf("httpapi: created session %s for agent %s", rec.ID, agent.Key)

	c.JSON(http.StatusOK, gin.H{
		"session_id":    rec.ID,
		"agent":         gin.H{"name": agent.Name, "role": agent.Role},
		"websocket_url": a.opts.Config.Server.PublicURL,
		"status":        rec.Status,
	})
}

// lookup fetches the session named by the :id parameter, writing a 404 when
// it does not exist.
func (a *api) lookup(c *gin.Context) (session.Record, bool) {
	rec, err := a.opts.Store.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		}
		return session.Record{}, false
	}
	return rec, true
}

func (a *api) handleGetSession(c *gin.Context) {
	rec, ok := a.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":      rec.ID,
		"status":          rec.Status,
		"agent_id":        rec.AgentID,
		"conversation_id": nullable(rec.CallID),
		"created_at":      rec.CreatedAt,
		"updated_at":      rec.UpdatedAt,
		"metadata":        rec.Metadata,
		"webhook_count":   len(rec.RawEvents),
		"processed_data":  rec.Derived,
	})
}

func (a *api) handleTranscript(c *gin.Context) {
	rec, ok := a.lookup(c)
	if !ok {
		return
	}
	if d := rec.Derived; d != nil && !d.Failed() && d.Transcript != nil {
		c.JSON(http.StatusOK, gin.H{
			"session_id":    rec.ID,
			"transcript":    d.Transcript.Entries,
			"message_count": d.Transcript.MessageCount,
		})
		return
	}
	entries := rawTranscript(rec.RawEvents)
	c.JSON(http.StatusOK, gin.H{
		"session_id":    rec.ID,
		"transcript":    entries,
		"message_count": len(entries),
	})
}

// rawTranscript concatenates the transcript arrays carried by in-call update
// events, in receipt order. Entries are passed through as received.
func rawTranscript(events []session.RawEvent) []json.RawMessage {
	out := []json.RawMessage{}
	for _, ev := range events {
		if ev.Type != webhook.TypeConversationUpdate {
			continue
		}
		var data struct {
			Transcript []json.RawMessage `json:"transcript"`
		}
		if err := json.Unmarshal(ev.Payload, &data); err != nil {
			continue
		}
		out = append(out, data.Transcript...)
	}
	return out
}

func (a *api) handleStagedTranscript(c *gin.Context) {
	rec, ok := a.lookup(c)
	if !ok {
		return
	}
	if d := rec.Derived; d != nil && d.Classified != nil {
		c.JSON(http.StatusOK, gin.H{
			"session_id":    rec.ID,
			"transcript":    d.Classified.Entries,
			"message_count": d.Classified.MessageCount,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":    rec.ID,
		"transcript":    []any{},
		"message_count": 0,
	})
}

func (a *api) handleCallSummary(c *gin.Context) {
	rec, ok := a.lookup(c)
	if !ok {
		return
	}
	d := rec.Derived
	if d == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No processed data available yet"})
		return
	}
	c.JSON(http.StatusOK, callSummary(rec))
}

// callSummary flattens the derived data of rec into the call-summary view.
// A failed derivation yields empty blocks plus its error.
func callSummary(rec session.Record) gin.H {
	d := rec.Derived
	transcript := gin.H{"message_count": 0, "agent_id": nullable(d.AgentID)}
	stats := gin.H{
		"duration":           nil,
		"start_time":         nil,
		"termination_reason": nil,
		"costs":              gin.H{},
		"features_used":      []string{},
	}
	analysis := gin.H{"summary": nil, "call_successful": nil, "collected_data_count": 0}

	if d.Transcript != nil {
		transcript["message_count"] = d.Transcript.MessageCount
	}
	if st := d.Statistics; st != nil {
		stats["duration"] = st.CallDurationFormatted
		stats["start_time"] = st.StartTime
		stats["termination_reason"] = st.TerminationReason
		stats["costs"] = st.Costs
		stats["features_used"] = st.FeaturesUsed
	}

	out := gin.H{
		"session_id":         rec.ID,
		"conversation_id":    nullable(rec.CallID),
		"status":             rec.Status,
		"timestamp":          d.ProcessedAt,
		"transcript_summary": transcript,
		"call_statistics":    stats,
		"analysis":           analysis,
	}
	if an := d.Analysis; an != nil {
		analysis["summary"] = an.Summary
		analysis["call_successful"] = an.CallSuccessful
		analysis["collected_data_count"] = len(an.CollectedData)
		out["patient_info"] = normalize.KeyPatientInfo(an.CollectedData)
	}
	if d.Failed() {
		out["error"] = d.Error
	}
	return out
}

func (a *api) handleWebhook(c *gin.Context) {
	limit := a.opts.Config.Webhook.MaxBodyBytes
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Payload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	out, err := a.opts.Webhooks.Handle(c.Request.Context(), body, c.GetHeader(a.opts.Config.Webhook.SignatureHeader))
	if errors.Is(err, webhook.ErrUnauthorized) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}
	if err != nil {
		log.Printf("httpapi: webhook: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Processing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": out.Status})
}

// deliveryView is the JSON shape of an audited delivery.
type deliveryView struct {
	ID         uint      `json:"id"`
	Seq        uint64    `json:"seq"`
	Type       string    `json:"type"`
	CallID     string    `json:"conversation_id"`
	AgentID    string    `json:"agent_id"`
	SessionID  string    `json:"session_id"`
	Method     string    `json:"method"`
	ReceivedAt time.Time `json:"received_at"`
}

func (a *api) handleRecentDeliveries(c *gin.Context) {
	if a.opts.Deliveries == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Audit log disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	rows, err := a.opts.Deliveries.Recent(c.Request.Context(), limit)
	if err != nil {
		log.Printf("httpapi: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	views := make([]deliveryView, 0, len(rows))
	for _, r := range rows {
		views = append(views, deliveryView{
			ID:         r.ID,
			Seq:        r.Seq,
			Type:       r.Type,
			CallID:     r.CallID,
			AgentID:    r.AgentID,
			SessionID:  r.SessionID,
			Method:     r.Method,
			ReceivedAt: r.ReceivedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": views})
}

// nullable renders an empty string as JSON null.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
