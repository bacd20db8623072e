package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/0xmhha/coinstack-go/pkg/txhistory"
)

const maxBodyBytes = 1 << 20

type txHistoryParams struct {
	Cursor   string `query:"cursor"`
	PageSize *int64 `query:"pageSize" validate:"omitempty,min=1,max=100"`
	From     *int64 `query:"from" validate:"omitempty,min=0"`
	To       *int64 `query:"to" validate:"omitempty,min=0"`
}

type estimateParams struct {
	From  string `query:"from" validate:"omitempty,eth_addr"`
	To    string `query:"to" validate:"omitempty,eth_addr"`
	Data  string `query:"data" validate:"omitempty,hexadecimal"`
	Value string `query:"value" validate:"omitempty,number"`
}

// SendRequest is the body of POST /send
type SendRequest struct {
	Hex string `json:"hex" validate:"required,hexadecimal"`
}

// EstimateResponse is the body of GET /gas/estimate
type EstimateResponse struct {
	GasLimit string `json:"gasLimit"`
}

func intParam(q url.Values, name string) (*int64, error) {
	raw := q.Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be an integer", ErrBadRequest, name)
	}
	return &v, nil
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.accounts.Account(r.Context(), chi.URLParam(r, "pubkey"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (s *Server) handleTxHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := txHistoryParams{Cursor: q.Get("cursor")}

	var err error
	if params.PageSize, err = intParam(q, "pageSize"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if params.From, err = intParam(q, "from"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if params.To, err = intParam(q, "to"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.validator.Check(params); err != nil {
		s.writeError(w, r, err)
		return
	}

	query := txhistory.Query{Cursor: params.Cursor, From: params.From, To: params.To}
	if params.PageSize != nil {
		query.PageSize = int(*params.PageSize)
	}

	history, err := s.txHistory.GetTxHistory(r.Context(), chi.URLParam(r, "pubkey"), query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.txHistory.GetTransaction(r.Context(), chi.URLParam(r, "txid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleGasFees(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fees.GasFees())
}

func (s *Server) handleEstimateGas(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := estimateParams{
		From:  q.Get("from"),
		To:    q.Get("to"),
		Data:  q.Get("data"),
		Value: q.Get("value"),
	}
	if err := s.validator.Check(params); err != nil {
		s.writeError(w, r, err)
		return
	}

	gas, err := s.node.EstimateGas(r.Context(), params.From, params.To, params.Data, params.Value)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EstimateResponse{GasLimit: strconv.FormatUint(gas, 10)})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: invalid request body", ErrBadRequest))
		return
	}
	if err := s.validator.Check(req); err != nil {
		s.writeError(w, r, err)
		return
	}

	txid, err := s.node.SendRawTransaction(r.Context(), req.Hex)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txid)
}
