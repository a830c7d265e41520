package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/phenomenon0/prophetia/pkg/eth"
	"github.com/phenomenon0/prophetia/pkg/oracle/participants"
	"github.com/phenomenon0/prophetia/pkg/oracle/prediction"
	"github.com/phenomenon0/prophetia/pkg/oracle/rewards"
	"github.com/phenomenon0/prophetia/pkg/oracle/validate"
	"github.com/shopspring/decimal"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// health returns 503 when any registered check fails.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "unhealthy"
	}
	respondJSON(w, status, map[string]any{
		"status":    state,
		"service":   "prophetia-oracle",
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

type previewRequest struct {
	TotalProfit     decimal.Decimal  `json:"total_profit"`
	DataReputation  *decimal.Decimal `json:"data_reputation,omitempty"`
	ModelReputation *decimal.Decimal `json:"model_reputation,omitempty"`
	Mode            string           `json:"mode,omitempty"`
}

// previewDistribution computes a payout without touching any state.
func (s *Server) previewDistribution(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	initial := s.svc.Participants().Config().InitialReputation
	dataRep, modelRep := initial, initial
	if req.DataReputation != nil {
		dataRep = *req.DataReputation
	}
	if req.ModelReputation != nil {
		modelRep = *req.ModelReputation
	}

	mode := s.svc.Config().BonusMode
	if req.Mode != "" {
		m, err := rewards.ParseBonusMode(req.Mode)
		if err != nil {
			respondErr(w, err)
			return
		}
		mode = m
	}

	payout, err := s.svc.Splitter().Payout(req.TotalProfit, dataRep, modelRep, mode)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payout)
}

// bonus reports the reputation bonus percentage.
func (s *Server) bonus(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("reputation")
	if raw == "" {
		respondError(w, http.StatusBadRequest, CodeValidation, "reputation is required")
		return
	}
	rep, err := decimal.NewFromString(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, CodeValidation, "reputation must be a number")
		return
	}
	pct, err := rewards.ComputeBonus(rep)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"reputation": rep,
		"bonus_pct":  pct,
	})
}

type validateRequest struct {
	QualityScore  *float64 `json:"quality_score,omitempty"`
	DepositAmount *float64 `json:"deposit_amount,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty"`
	FileHash      *string  `json:"file_hash,omitempty"`
}

// validateInputs runs the validators on whichever fields are present.
func (s *Server) validateInputs(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	out := make(map[string]bool, 4)
	if req.QualityScore != nil {
		out["quality_score"] = validate.QualityScore(*req.QualityScore)
	}
	if req.DepositAmount != nil {
		out["deposit_amount"] = validate.DepositAmount(*req.DepositAmount)
	}
	if req.Confidence != nil {
		out["confidence"] = validate.Confidence(*req.Confidence)
	}
	if req.FileHash != nil {
		out["file_hash"] = validate.FileHash(*req.FileHash)
	}
	respondJSON(w, http.StatusOK, out)
}

type datasetRequest struct {
	Provider     string          `json:"provider"`
	Name         string          `json:"name"`
	FileHash     string          `json:"file_hash"`
	QualityScore decimal.Decimal `json:"quality_score"`
}

func (s *Server) submitDataset(w http.ResponseWriter, r *http.Request) {
	var req datasetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ds, err := s.svc.SubmitDataset(req.Provider, req.Name, req.FileHash, req.QualityScore)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, ds)
}

func (s *Server) getDataset(w http.ResponseWriter, r *http.Request) {
	ds, err := s.svc.Registry().Dataset(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ds)
}

func (s *Server) listDatasets(w http.ResponseWriter, r *http.Request) {
	ds := s.svc.Registry().Datasets()
	respondJSON(w, http.StatusOK, map[string]any{"datasets": ds, "count": len(ds)})
}

type modelRequest struct {
	Creator   string `json:"creator"`
	Name      string `json:"name"`
	DatasetID string `json:"dataset_id"`
}

func (s *Server) registerModel(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := s.svc.RegisterModel(req.Creator, req.Name, req.DatasetID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, m)
}

func (s *Server) getModel(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.Registry().Model(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	ms := s.svc.Registry().Models()
	respondJSON(w, http.StatusOK, map[string]any{"models": ms, "count": len(ms)})
}

func (s *Server) placePrediction(w http.ResponseWriter, r *http.Request) {
	var req prediction.CreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	// Owners always come from the registry.
	req.DataProvider, req.ModelCreator = "", ""

	p, err := s.svc.Place(r.Context(), req)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

// listPredictions supports status, model_id and limit query parameters.
func (s *Server) listPredictions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := prediction.Filter{
		Status:  prediction.Status(strings.ToLower(q.Get("status"))),
		ModelID: q.Get("model_id"),
		Limit:   defaultListLimit,
	}
	if f.Status != "" && !f.Status.Valid() {
		respondError(w, http.StatusBadRequest, CodeValidation, "status must be pending, won or lost")
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, CodeValidation, "limit must be a positive integer")
			return
		}
		f.Limit = min(n, maxListLimit)
	}

	ps, err := s.svc.Ledger().List(r.Context(), f)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"predictions": ps,
		"count":       len(ps),
		"limit":       f.Limit,
	})
}

func (s *Server) getPrediction(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Ledger().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

type resolveRequest struct {
	Won         bool                `json:"won"`
	Profit      decimal.Decimal     `json:"profit"`
	ActualValue decimal.NullDecimal `json:"actual_value"`
	Attestation *eth.Attestation    `json:"attestation,omitempty"`
}

func (s *Server) resolvePrediction(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := s.svc.Resolve(r.Context(), prediction.Outcome{
		PredictionID: chi.URLParam(r, "id"),
		Won:          req.Won,
		Profit:       req.Profit,
		ActualValue:  req.ActualValue,
	}, req.Attestation)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) getParticipant(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.svc.Participants().Info(chi.URLParam(r, "address")))
}

type stakeRequest struct {
	Owner  string          `json:"owner"`
	Role   string          `json:"role"`
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) depositStake(w http.ResponseWriter, r *http.Request) {
	var req stakeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	role, err := participants.ParseRole(req.Role)
	if err != nil {
		respondErr(w, err)
		return
	}
	st, err := s.svc.DepositStake(req.Owner, role, req.Amount)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, st)
}

func (s *Server) withdrawStake(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	amount, err := s.svc.WithdrawStake(owner)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"owner": owner, "amount": amount})
}

func (s *Server) poolStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.svc.Pool().Stats())
}

type depositRequest struct {
	Owner  string          `json:"owner"`
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) depositLiquidity(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Owner) == "" {
		respondError(w, http.StatusBadRequest, CodeValidation, "owner is required")
		return
	}
	share, err := s.svc.DepositLiquidity(req.Owner, req.Amount)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, share)
}

func (s *Server) withdrawLiquidity(w http.ResponseWriter, r *http.Request) {
	wd, err := s.svc.WithdrawLiquidity(chi.URLParam(r, "shareID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, wd)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	ls, err := s.svc.Ledger().Stats(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"predictions":  ls,
		"distribution": s.svc.Participants().Totals(),
		"pool":         s.svc.Pool().Stats(),
		"total_staked": s.svc.Participants().TotalStaked(),
		"bonus_mode":   s.svc.Config().BonusMode,
		"split":        s.svc.Splitter().Split(),
	})
}

func (s *Server) policyStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.svc.Policy().Status())
}
