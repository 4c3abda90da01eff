package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"hivematrix/native/matrix"
)

var (
	errEngineRequired  = errors.New("server: engine required")
	errStorageRequired = errors.New("server: storage required")
)

type registerRequest struct {
	Member  string `json:"member"`
	Sponsor string `json:"sponsor"`
}

type purchaseRequest struct {
	Member string `json:"member"`
	Level  int    `json:"level"`
}

type claimRequest struct {
	Claimer string `json:"claimer"`
}

type slotResponse struct {
	Member            string `json:"member"`
	DirectSponsor     string `json:"directSponsor"`
	PlacementAncestor string `json:"placementAncestor"`
	PositionIndex     int    `json:"positionIndex"`
	Placement         string `json:"placement"`
	JoinedAt          int64  `json:"joinedAt"`
}

type layerResponse struct {
	Layer       int      `json:"layer"`
	MemberCount int      `json:"memberCount"`
	Members     []string `json:"members"`
}

type rewardResponse struct {
	ID              string `json:"id"`
	Recipient       string `json:"recipient"`
	SourceMember    string `json:"sourceMember"`
	TriggerLevel    int    `json:"triggerLevel"`
	RequiredLevel   int    `json:"requiredLevel"`
	AmountCents     int64  `json:"amountCents"`
	Status          string `json:"status"`
	PendingUntil    int64  `json:"pendingUntil,omitempty"`
	RedistributedTo string `json:"redistributedTo,omitempty"`
	CreatedAt       int64  `json:"createdAt"`
}

func slotPayload(slot *matrix.MatrixSlot) slotResponse {
	return slotResponse{
		Member:            slot.Member,
		DirectSponsor:     slot.DirectSponsor,
		PlacementAncestor: slot.PlacementAncestor,
		PositionIndex:     slot.PositionIndex,
		Placement:         string(slot.Placement),
		JoinedAt:          slot.JoinedAt.Unix(),
	}
}

func rewardPayload(rec matrix.RewardRecord) rewardResponse {
	resp := rewardResponse{
		ID:              rec.ID,
		Recipient:       rec.Recipient,
		SourceMember:    rec.SourceMember,
		TriggerLevel:    rec.TriggerLevel,
		RequiredLevel:   rec.RequiredLevel,
		AmountCents:     rec.AmountCents,
		Status:          string(rec.Status),
		RedistributedTo: rec.RedistributedTo,
		CreatedAt:       rec.CreatedAt.Unix(),
	}
	if !rec.PendingUntil.IsZero() {
		resp.PendingUntil = rec.PendingUntil.Unix()
	}
	return resp
}

// handleRegisterMember registers the member in the directory, places them in
// the matrix, and refreshes the sponsor's cached layers.
func (s *Server) handleRegisterMember(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Member == "" || req.Sponsor == "" {
		writeError(w, http.StatusBadRequest, "member and sponsor required")
		return
	}
	ctx := r.Context()
	if err := s.store.RegisterMember(ctx, req.Member, req.Sponsor, s.now()); err != nil {
		s.writeEngineError(w, err)
		return
	}
	slot, err := s.engine.Place(ctx, req.Member, req.Sponsor)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if _, err := s.engine.DeriveLayers(ctx, req.Sponsor); err != nil {
		s.logger.Warn("refresh sponsor layers", "sponsor", req.Sponsor, "error", err)
	}
	writeJSON(w, http.StatusCreated, slotPayload(slot))
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Member == "" {
		writeError(w, http.StatusBadRequest, "member required")
		return
	}
	rewards, err := s.engine.OnLevelPurchase(r.Context(), req.Member, req.Level)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	payload := make([]rewardResponse, 0, len(rewards))
	for _, rec := range rewards {
		payload = append(payload, rewardPayload(rec))
	}
	writeJSON(w, http.StatusCreated, map[string]any{"rewards": payload})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Sweep(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"reallocated": result.Reallocated,
		"promoted":    result.Promoted,
		"forfeited":   result.Forfeited,
	})
}

func (s *Server) handleSlot(w http.ResponseWriter, r *http.Request) {
	slot, err := s.engine.Slot(r.Context(), chi.URLParam(r, "member"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, slotPayload(slot))
}

func (s *Server) handleLayers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	member := chi.URLParam(r, "member")
	var (
		layers []matrix.LayerSnapshot
		err    error
	)
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		layers, err = s.engine.DeriveLayers(ctx, member)
	} else {
		layers, err = s.engine.Layers(ctx, member)
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	payload := make([]layerResponse, 0, len(layers))
	for _, layer := range layers {
		payload = append(payload, layerResponse{
			Layer:       layer.Layer,
			MemberCount: layer.Count(),
			Members:     layer.Members,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"member": matrix.NormalizeKey(member), "layers": payload})
}

func (s *Server) handleTeam(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.TeamStats(r.Context(), chi.URLParam(r, "member"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"member":          stats.Member,
		"totalTeamSize":   stats.TotalTeamSize,
		"directReferrals": stats.DirectReferrals,
		"layerCounts":     stats.LayerCounts,
	})
}

func (s *Server) handleRewards(w http.ResponseWriter, r *http.Request) {
	status := matrix.RewardStatus(r.URL.Query().Get("status"))
	rewards, err := s.engine.Rewards(r.Context(), chi.URLParam(r, "recipient"), status)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	payload := make([]rewardResponse, 0, len(rewards))
	for _, rec := range rewards {
		payload = append(payload, rewardPayload(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rewards": payload})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rec, err := s.engine.Claim(r.Context(), chi.URLParam(r, "id"), req.Claimer)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rewardPayload(*rec))
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, matrix.ErrUnknownMember),
		errors.Is(err, matrix.ErrUnknownSponsor),
		errors.Is(err, matrix.ErrRewardNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, matrix.ErrAlreadyPlaced),
		errors.Is(err, matrix.ErrNotClaimable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, matrix.ErrNotRecipient):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, matrix.ErrInvalidLevel):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("engine call failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
