// Package rpcserver mounts the outer client/peer RPC surface on a
// github.com/go-chi/chi/v5 router: the nine handlers of the
// synchronization core's provided interface, translating HTTP/JSON
// requests into internal/protocol.Engine calls and mapping merrors kinds
// to HTTP status codes.
package rpcserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"merkleverse/internal/bitindex"
	"merkleverse/internal/innerprovider"
	"merkleverse/internal/merrors"
	"merkleverse/internal/protocol"
	"merkleverse/internal/topology"
	"merkleverse/internal/txpool"
	"merkleverse/internal/wire"
)

// Server wires an Engine and an inner-provider client to a chi.Router.
type Server struct {
	Engine *protocol.Engine
	Self   *topology.MerkleVerseServer
	Inner  innerprovider.Client
	Log    *log.Entry

	router chi.Router
}

// New builds a Server and mounts every handler.
func New(engine *protocol.Engine, self *topology.MerkleVerseServer, inner innerprovider.Client, logger *log.Entry) *Server {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	s := &Server{Engine: engine, Self: self, Inner: inner, Log: logger}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Post("/client_transaction", s.handleClientTransaction)
	r.Post("/peer_transaction", s.handlePeerTransaction)
	r.Post("/peer_prepare", s.handlePeerPrepare)
	r.Post("/peer_commit", s.handlePeerCommit)
	r.Get("/get_server_information", s.handleServerInformation)
	r.Get("/look_up_latest", s.handleLookUpLatest)
	r.Get("/look_up_history", s.handleLookUpHistory)
	r.Get("/get_current_root", s.handleCurrentRoot)
	r.Get("/get_root", s.handleRoot)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func statusFor(kind merrors.Kind) int {
	switch kind {
	case merrors.StaleEpoch, merrors.RootMismatch, merrors.SignatureInvalid, merrors.PeerUnknown:
		return http.StatusConflict
	case merrors.MissingField:
		return http.StatusBadRequest
	case merrors.CommitFailure, merrors.CommitNotificationLost:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind, ok := merrors.KindOf(err)
	status := http.StatusInternalServerError
	if ok {
		status = statusFor(kind)
	} else {
		kind = merrors.MissingField
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(wire.ErrorResponse{Kind: string(kind), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func fromWireTransaction(tw wire.TransactionWire) (txpool.TransactionRequest, error) {
	idx, err := bitindex.DecodeBase64(tw.Index, tw.Len)
	if err != nil {
		return txpool.TransactionRequest{}, merrors.Wrap(merrors.MissingField, err)
	}
	var op txpool.OpKind
	switch tw.Type {
	case wire.OpUpdate:
		op = txpool.OpUpdate
	case wire.OpDelete:
		op = txpool.OpDelete
	case wire.OpRegister:
		op = txpool.OpRegister
	default:
		return txpool.TransactionRequest{}, merrors.Wrap(merrors.MissingField, errUnknownOp(tw.Type))
	}
	return txpool.TransactionRequest{
		Type:      op,
		Index:     idx,
		Value:     tw.Value,
		HasValue:  op != txpool.OpDelete,
		Auxiliary: tw.Auxiliary,
	}, nil
}

type errUnknownOp string

func (e errUnknownOp) Error() string { return "rpcserver: unknown operation type " + string(e) }

func statusString(result txpool.InsertResult) string {
	if result == txpool.Duplicate {
		return "duplicate"
	}
	return "ok"
}

func (s *Server) handleClientTransaction(w http.ResponseWriter, r *http.Request) {
	var req wire.ClientTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, merrors.Wrap(merrors.MissingField, err))
		return
	}
	txReq, err := fromWireTransaction(req.Transaction)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.Engine.ReceiveClientTransaction(r.Context(), txReq, req.Wait)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.TransactionResponse{Status: statusString(result)})
}

func (s *Server) handlePeerTransaction(w http.ResponseWriter, r *http.Request) {
	var req wire.PeerTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, merrors.Wrap(merrors.MissingField, err))
		return
	}
	if req.ServerID == "" {
		writeError(w, merrors.New(merrors.MissingField))
		return
	}
	txReq, err := fromWireTransaction(req.Transaction)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.Engine.ReceivePeerTransaction(txReq, topology.ServerId(req.ServerID), req.Epoch, req.Signature)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.TransactionResponse{Status: statusString(result)})
}

func (s *Server) handlePeerPrepare(w http.ResponseWriter, r *http.Request) {
	var req wire.PeerPrepareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, merrors.Wrap(merrors.MissingField, err))
		return
	}
	if req.PeerIdentity == "" {
		writeError(w, merrors.New(merrors.MissingField))
		return
	}
	// receive_prepare may recursively fan out broadcast_prepare to this
	// server's own parallel peers; run it in the background so a slow
	// cluster never stalls the caller's HTTP round trip.
	go s.Engine.ReceivePrepare(context.Background(), topology.ServerId(req.PeerIdentity), req.Epoch)
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handlePeerCommit(w http.ResponseWriter, r *http.Request) {
	var req wire.PeerCommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, merrors.Wrap(merrors.MissingField, err))
		return
	}
	if req.PeerIdentity == "" {
		writeError(w, merrors.New(merrors.MissingField))
		return
	}
	if err := s.Engine.ReceiveSignatures(req.Epoch, req.Head, topology.ServerId(req.PeerIdentity), req.Signature); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleServerInformation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, wire.ServerInformationResponse{
		ServerName: string(s.Self.ID),
		ServerID:   string(s.Self.ID),
	})
}

func (s *Server) handleLookUpLatest(w http.ResponseWriter, r *http.Request) {
	idx, err := indexFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	value, found, err := s.Inner.LookUpLatest(r.Context(), idx)
	if err != nil {
		writeError(w, merrors.Wrap(merrors.CommitFailure, err))
		return
	}
	writeJSON(w, http.StatusOK, wire.LookupResponse{Found: found, Value: value})
}

func (s *Server) handleLookUpHistory(w http.ResponseWriter, r *http.Request) {
	idx, err := indexFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	epoch, err := epochFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	value, found, err := s.Inner.LookUpHistory(r.Context(), idx, epoch)
	if err != nil {
		writeError(w, merrors.Wrap(merrors.CommitFailure, err))
		return
	}
	writeJSON(w, http.StatusOK, wire.LookupResponse{Found: found, Value: value})
}

func (s *Server) handleCurrentRoot(w http.ResponseWriter, r *http.Request) {
	root, err := s.Inner.CurrentRoot(r.Context())
	if err != nil {
		writeError(w, merrors.Wrap(merrors.CommitFailure, err))
		return
	}
	writeJSON(w, http.StatusOK, wire.RootResponse{Root: root})
}

func indexFromQuery(r *http.Request) (bitindex.Index, error) {
	length, err := strconv.Atoi(r.URL.Query().Get("len"))
	if err != nil {
		return bitindex.Index{}, merrors.Wrap(merrors.MissingField, err)
	}
	idx, err := bitindex.DecodeBase64(r.URL.Query().Get("index"), length)
	if err != nil {
		return bitindex.Index{}, merrors.Wrap(merrors.MissingField, err)
	}
	return idx, nil
}

func epochFromQuery(r *http.Request) (uint64, error) {
	epoch, err := strconv.ParseUint(r.URL.Query().Get("epoch"), 10, 64)
	if err != nil {
		return 0, merrors.Wrap(merrors.MissingField, err)
	}
	return epoch, nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	epoch, err := epochFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	root, err := s.Inner.RootAt(r.Context(), epoch)
	if err != nil {
		writeError(w, merrors.Wrap(merrors.CommitFailure, err))
		return
	}
	writeJSON(w, http.StatusOK, wire.RootResponse{Root: root})
}
