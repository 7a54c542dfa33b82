package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"warm-transfer-platform/internal/agents"
	"warm-transfer-platform/internal/auth"
	"warm-transfer-platform/internal/calls"
	"warm-transfer-platform/internal/gateway"
	"warm-transfer-platform/internal/transfer"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Agents    *agents.Service
	Calls     *calls.Service
	Transfers *transfer.Orchestrator
	Provider  gateway.Provider
	Rooms     *gateway.SnapshotCache
}

// noStore marks responses that mirror live coordination state.
func noStore(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
}

// --- Auth ---

type tokenRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
}

// IssueToken exchanges a registered agent id for a JWT pair.
//
// NOTE: skeleton credential model; production deployments should front this
// with SSO or a password check.
func (h Handlers) IssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "agent_id required"})
		return
	}
	agent, err := h.Agents.Get(c.Request.Context(), req.AgentID)
	if err != nil {
		writeError(c, err)
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), agent.ID, agent.Email)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Agents ---

func (h Handlers) CreateAgent(c *gin.Context) {
	var req agents.CreateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	agent, err := h.Agents.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (h Handlers) ListAgents(c *gin.Context) {
	noStore(c)
	list, err := h.Agents.List(c.Request.Context(), agents.Status(c.Query("status")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": list, "count": len(list)})
}

func (h Handlers) GetAgent(c *gin.Context) {
	noStore(c)
	agent, err := h.Agents.Get(c.Request.Context(), c.Param("agent_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h Handlers) UpdateAgent(c *gin.Context) {
	var req agents.UpdateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	agent, err := h.Agents.Update(c.Request.Context(), c.Param("agent_id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

type agentStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h Handlers) SetAgentStatus(c *gin.Context) {
	var req agentStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "status required"})
		return
	}
	agent, err := h.Agents.SetStatus(c.Request.Context(), c.Param("agent_id"), agents.Status(req.Status))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h Handlers) DeleteAgent(c *gin.Context) {
	if err := h.Agents.Delete(c.Request.Context(), c.Param("agent_id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Calls ---

func (h Handlers) CreateCall(c *gin.Context) {
	var req calls.CreateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	res, err := h.Calls.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h Handlers) ListCalls(c *gin.Context) {
	noStore(c)
	list, err := h.Calls.List(c.Request.Context(), calls.Status(c.Query("status")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": list, "count": len(list)})
}

// ListWaitingCalls returns the full queue by default; stale entries carry a
// stale marker so dashboards can de-emphasize them. include_stale=false trims
// the view to calls the dispatcher still auto-assigns.
func (h Handlers) ListWaitingCalls(c *gin.Context) {
	noStore(c)
	includeStale := c.Query("include_stale") != "false"
	list, err := h.Calls.ListWaiting(c.Request.Context(), includeStale)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"waiting": list, "count": len(list)})
}

func (h Handlers) GetCall(c *gin.Context) {
	noStore(c)
	call, err := h.Calls.Get(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

type joinCallRequest struct {
	CallID  string `json:"call_id"`
	RoomID  string `json:"room_id"`
	AgentID string `json:"agent_id"`

	// Identity mirrors the media-provider naming: a joining agent may send
	// participant_identity "agent_<id>" instead of a bare agent_id.
	Identity string `json:"participant_identity"`
	Name     string `json:"participant_name"`
}

// JoinCall issues a room token. The call is addressed by id or by its room.
func (h Handlers) JoinCall(c *gin.Context) {
	var req joinCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	callID := req.CallID
	if callID == "" && req.RoomID != "" {
		call, err := h.Calls.GetByRoom(c.Request.Context(), req.RoomID)
		if err != nil {
			writeError(c, err)
			return
		}
		callID = call.ID
	}
	if callID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id or room_id required"})
		return
	}
	agentID := req.AgentID
	if agentID == "" {
		if id, ok := strings.CutPrefix(req.Identity, "agent_"); ok {
			agentID = id
		}
	}
	res, err := h.Calls.Join(c.Request.Context(), callID, agentID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type callStatusRequest struct {
	Status     string `json:"status" binding:"required"`
	Transcript string `json:"transcript"`
}

func (h Handlers) UpdateCallStatus(c *gin.Context) {
	var req callStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "status required"})
		return
	}
	callID := c.Param("call_id")
	if req.Transcript != "" {
		if _, err := h.Calls.AppendTranscript(c.Request.Context(), callID, req.Transcript); err != nil {
			writeError(c, err)
			return
		}
	}
	call, err := h.Calls.UpdateStatus(c.Request.Context(), callID, calls.Status(req.Status))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

type transcriptRequest struct {
	Line string `json:"line" binding:"required"`
}

func (h Handlers) AppendTranscript(c *gin.Context) {
	var req transcriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "line required"})
		return
	}
	call, err := h.Calls.AppendTranscript(c.Request.Context(), c.Param("call_id"), req.Line)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) DeleteCall(c *gin.Context) {
	if err := h.Calls.Delete(c.Request.Context(), c.Param("call_id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h Handlers) ListCallTransfers(c *gin.Context) {
	noStore(c)
	list, err := h.Transfers.ByCall(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfers": list, "count": len(list)})
}

// --- Transfers ---

func (h Handlers) InitiateTransfer(c *gin.Context) {
	var req transfer.InitiateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	// The initiator is whoever holds the bearer token.
	if agentID, err := auth.AgentID(c.Request.Context()); err == nil && req.FromAgentID == "" {
		req.FromAgentID = agentID
	}
	res, err := h.Transfers.Initiate(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h Handlers) CompleteTransfer(c *gin.Context) {
	res, err := h.Transfers.Complete(c.Request.Context(), c.Param("transfer_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type cancelTransferRequest struct {
	Reason string `json:"reason"`
}

func (h Handlers) CancelTransfer(c *gin.Context) {
	var req cancelTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	t, err := h.Transfers.Cancel(c.Request.Context(), c.Param("transfer_id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h Handlers) TransferStatus(c *gin.Context) {
	noStore(c)
	view, err := h.Transfers.Status(c.Request.Context(), c.Param("transfer_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h Handlers) ActiveTransfers(c *gin.Context) {
	noStore(c)
	list, err := h.Transfers.Active(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfers": list, "count": len(list)})
}

func (h Handlers) AvailableAgents(c *gin.Context) {
	noStore(c)
	exclude := c.Query("exclude")
	if exclude == "" {
		exclude, _ = auth.AgentID(c.Request.Context())
	}
	list, err := h.Transfers.AvailableAgents(c.Request.Context(), exclude)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": list, "count": len(list)})
}

// --- Rooms ---

func (h Handlers) RoomInfo(c *gin.Context) {
	noStore(c)
	room, ok, err := h.Provider.GetRoom(c.Request.Context(), c.Param("room_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		writeError(c, gateway.ErrRoomNotFound)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h Handlers) CloseRoom(c *gin.Context) {
	roomID := c.Param("room_id")
	if err := h.Provider.CloseRoom(c.Request.Context(), roomID); err != nil {
		writeError(c, err)
		return
	}
	if h.Rooms != nil {
		h.Rooms.Invalidate(c.Request.Context(), roomID)
	}
	c.Status(http.StatusNoContent)
}

func (h Handlers) RoomStats(c *gin.Context) {
	noStore(c)
	stats, err := gateway.Stats(c.Request.Context(), h.Provider, c.Param("room_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h Handlers) RoomParticipants(c *gin.Context) {
	noStore(c)
	roomID := c.Param("room_id")
	var parts []gateway.Participant
	var err error
	if h.Rooms != nil {
		parts, err = h.Rooms.Participants(c.Request.Context(), h.Provider, roomID)
	} else {
		parts, err = h.Provider.ListParticipants(c.Request.Context(), roomID)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": parts, "count": len(parts)})
}

func (h Handlers) RemoveParticipant(c *gin.Context) {
	roomID := c.Param("room_id")
	if err := h.Provider.RemoveParticipant(c.Request.Context(), roomID, c.Param("identity")); err != nil {
		writeError(c, err)
		return
	}
	if h.Rooms != nil {
		h.Rooms.Invalidate(c.Request.Context(), roomID)
	}
	c.Status(http.StatusNoContent)
}

type muteRequest struct {
	Identity string `json:"identity" binding:"required"`
	Track    string `json:"track"`
}

func (h Handlers) MuteParticipant(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "identity required"})
		return
	}
	kind := gateway.TrackKind(req.Track)
	if kind == "" {
		kind = gateway.TrackAudio
	}
	if err := h.Provider.MuteParticipant(c.Request.Context(), c.Param("room_id"), req.Identity, kind); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type sendDataRequest struct {
	Data       json.RawMessage `json:"data" binding:"required"`
	Identities []string        `json:"identities"`
}

// SendData relays an application payload to room participants over the
// provider's data channel. Empty identities means broadcast.
func (h Handlers) SendData(c *gin.Context) {
	var req sendDataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "data required"})
		return
	}
	if err := h.Provider.SendData(c.Request.Context(), c.Param("room_id"), req.Data, req.Identities...); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}
