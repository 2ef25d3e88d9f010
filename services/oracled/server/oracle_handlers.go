package server

import (
	"context"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"feedoracle/crypto"
	"feedoracle/native/datanode"
	"feedoracle/native/feed"
	"feedoracle/native/oracle"
)

// feedReader is the free read surface of the open oracle.
type feedReader interface {
	Address() common.Address
	IsFeedAvailable(ctx context.Context, from common.Address, feedID uint32) (bool, error)
	IsPackFeedAvailable(ctx context.Context, from common.Address, feedID uint32) (bool, error)
	GetFeed(ctx context.Context, from common.Address, feedID uint32) (uint64, *big.Int, error)
	GetPackFeed(ctx context.Context, from common.Address, feedID uint32) (uint64, []byte, error)
	Verify(ctx context.Context, from common.Address, rec *feed.DataFeed) (bool, error)
	VerifyPack(ctx context.Context, from common.Address, rec *feed.PackedDataFeed) (bool, error)
}

type valueResponse struct {
	Oracle     string `json:"oracle"`
	FeedID     uint32 `json:"feedId"`
	LastUpdate uint64 `json:"lastUpdate,omitempty"`
	Value      string `json:"value"`
}

type packResponse struct {
	Oracle     string        `json:"oracle"`
	FeedID     uint32        `json:"feedId"`
	LastUpdate uint64        `json:"lastUpdate,omitempty"`
	Value      hexutil.Bytes `json:"value"`
}

type requestResponse struct {
	ID          string `json:"id"`
	Oracle      string `json:"oracle"`
	FeedID      uint32 `json:"feedId"`
	Consumer    string `json:"consumer"`
	Paid        string `json:"paid"`
	RequestedAt uint64 `json:"requestedAt"`
	Status      string `json:"status"`
}

func newRequestResponse(o common.Address, req *oracle.PendingRequest) requestResponse {
	paid := "0"
	if req.Paid != nil {
		paid = req.Paid.String()
	}
	return requestResponse{
		ID:          req.ID,
		Oracle:      hexAddr(o),
		FeedID:      req.FeedID,
		Consumer:    hexAddr(req.Consumer),
		Paid:        paid,
		RequestedAt: req.RequestedAt,
		Status:      req.Status.String(),
	}
}

func (s *Server) readerRoutes(r chi.Router, o feedReader) {
	r.Get("/feeds/{feedId}", func(w http.ResponseWriter, r *http.Request) {
		feedID, ok := pathID(w, r, "feedId")
		if !ok {
			return
		}
		lastUpdate, value, err := o.GetFeed(r.Context(), caller(r), feedID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, valueResponse{Oracle: hexAddr(o.Address()), FeedID: feedID, LastUpdate: lastUpdate, Value: value.String()})
	})
	r.Get("/feeds/{feedId}/pack", func(w http.ResponseWriter, r *http.Request) {
		feedID, ok := pathID(w, r, "feedId")
		if !ok {
			return
		}
		lastUpdate, value, err := o.GetPackFeed(r.Context(), caller(r), feedID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, packResponse{Oracle: hexAddr(o.Address()), FeedID: feedID, LastUpdate: lastUpdate, Value: value})
	})
	r.Get("/feeds/{feedId}/available", func(w http.ResponseWriter, r *http.Request) {
		s.writeAvailability(w, r, o.IsFeedAvailable, o.IsPackFeedAvailable)
	})
	r.Post("/verify", func(w http.ResponseWriter, r *http.Request) {
		var rec feed.DataFeed
		if err := decodeJSON(r, &rec); err != nil {
			badRequest(w, "%v", err)
			return
		}
		valid, err := o.Verify(r.Context(), caller(r), &rec)
		writeVerification(w, rec.FeedID, valid, err)
	})
	r.Post("/verify-pack", func(w http.ResponseWriter, r *http.Request) {
		var rec feed.PackedDataFeed
		if err := decodeJSON(r, &rec); err != nil {
			badRequest(w, "%v", err)
			return
		}
		valid, err := o.VerifyPack(r.Context(), caller(r), &rec)
		writeVerification(w, rec.FeedID, valid, err)
	})
}

// subscriptionRoutes mounts the paid reads of the subscription oracle. The
// payment travels in PaymentHeader like pay-per-use reads.
func (s *Server) subscriptionRoutes(r chi.Router) {
	o := s.deployment.Subscription
	r.Post("/oracles/subscription/feeds/{feedId}", func(w http.ResponseWriter, r *http.Request) {
		feedID, ok := pathID(w, r, "feedId")
		if !ok {
			return
		}
		call, err := paidCall(r)
		if err != nil {
			writeError(w, err)
			return
		}
		lastUpdate, value, err := o.GetFeed(r.Context(), call, feedID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, valueResponse{Oracle: hexAddr(o.Address()), FeedID: feedID, LastUpdate: lastUpdate, Value: value.String()})
	})
	r.Post("/oracles/subscription/feeds/{feedId}/pack", func(w http.ResponseWriter, r *http.Request) {
		feedID, ok := pathID(w, r, "feedId")
		if !ok {
			return
		}
		call, err := paidCall(r)
		if err != nil {
			writeError(w, err)
			return
		}
		lastUpdate, value, err := o.GetPackFeed(r.Context(), call, feedID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, packResponse{Oracle: hexAddr(o.Address()), FeedID: feedID, LastUpdate: lastUpdate, Value: value})
	})
	r.Post("/oracles/subscription/verify", func(w http.ResponseWriter, r *http.Request) {
		var rec feed.DataFeed
		if err := decodeJSON(r, &rec); err != nil {
			badRequest(w, "%v", err)
			return
		}
		call, err := paidCall(r)
		if err != nil {
			writeError(w, err)
			return
		}
		valid, err := o.Verify(r.Context(), call, &rec)
		writeVerification(w, rec.FeedID, valid, err)
	})
	r.Post("/oracles/subscription/verify-pack", func(w http.ResponseWriter, r *http.Request) {
		var rec feed.PackedDataFeed
		if err := decodeJSON(r, &rec); err != nil {
			badRequest(w, "%v", err)
			return
		}
		call, err := paidCall(r)
		if err != nil {
			writeError(w, err)
			return
		}
		valid, err := o.VerifyPack(r.Context(), call, &rec)
		writeVerification(w, rec.FeedID, valid, err)
	})
}

func (s *Server) subscriptionAvailable(w http.ResponseWriter, r *http.Request) {
	o := s.deployment.Subscription
	s.writeAvailability(w, r, o.IsFeedAvailable, o.IsPackFeedAvailable)
}

type availabilityFunc func(ctx context.Context, from common.Address, feedID uint32) (bool, error)

// writeAvailability answers for the numeric value, or the packed value when
// ?packed=true.
func (s *Server) writeAvailability(w http.ResponseWriter, r *http.Request, numeric, packed availabilityFunc) {
	feedID, ok := pathID(w, r, "feedId")
	if !ok {
		return
	}
	check := numeric
	if r.URL.Query().Get("packed") == "true" {
		check = packed
	}
	available, err := check(r.Context(), caller(r), feedID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"feedId": feedID, "available": available})
}

func writeVerification(w http.ResponseWriter, feedID uint32, valid bool, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"feedId": feedID, "valid": valid})
}

type priceFunc func(ctx context.Context, feedID uint32) (*big.Int, error)

func (s *Server) checkPrice(check priceFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		feedID, ok := pathID(w, r, "feedId")
		if !ok {
			return
		}
		price, err := check(r.Context(), feedID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"feedId": feedID, "price": price.String()})
	}
}

func (s *Server) payPerUseAvailable(w http.ResponseWriter, r *http.Request) {
	o := s.deployment.PayPerUse
	s.writeAvailability(w, r, o.IsFeedAvailable, o.IsPackFeedAvailable)
}

func (s *Server) payPerUseValue(w http.ResponseWriter, r *http.Request) {
	feedID, ok := pathID(w, r, "feedId")
	if !ok {
		return
	}
	call, err := paidCall(r)
	if err != nil {
		writeError(w, err)
		return
	}
	value, err := s.deployment.PayPerUse.GetValue(r.Context(), call, feedID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, valueResponse{Oracle: hexAddr(s.deployment.PayPerUse.Address()), FeedID: feedID, Value: value.String()})
}

func (s *Server) payPerUsePack(w http.ResponseWriter, r *http.Request) {
	feedID, ok := pathID(w, r, "feedId")
	if !ok {
		return
	}
	call, err := paidCall(r)
	if err != nil {
		writeError(w, err)
		return
	}
	value, err := s.deployment.PayPerUse.GetPackValue(r.Context(), call, feedID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, packResponse{Oracle: hexAddr(s.deployment.PayPerUse.Address()), FeedID: feedID, Value: value})
}

func (s *Server) payPerUseVerify(w http.ResponseWriter, r *http.Request) {
	var rec feed.DataFeed
	if err := decodeJSON(r, &rec); err != nil {
		badRequest(w, "%v", err)
		return
	}
	call, err := paidCall(r)
	if err != nil {
		writeError(w, err)
		return
	}
	valid, err := s.deployment.PayPerUse.Verify(r.Context(), call, &rec)
	writeVerification(w, rec.FeedID, valid, err)
}

func (s *Server) payPerUseVerifyPack(w http.ResponseWriter, r *http.Request) {
	var rec feed.PackedDataFeed
	if err := decodeJSON(r, &rec); err != nil {
		badRequest(w, "%v", err)
		return
	}
	call, err := paidCall(r)
	if err != nil {
		writeError(w, err)
		return
	}
	valid, err := s.deployment.PayPerUse.VerifyPack(r.Context(), call, &rec)
	writeVerification(w, rec.FeedID, valid, err)
}

// createRequest opens an asynchronous request from the caller itself. Only
// programs can receive the response; a request made by a plain account stays
// pending.
func (s *Server) createRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FeedID uint32 `json:"feedId"`
	}
	if err := decodeJSON(r, &body); err != nil {
		badRequest(w, "%v", err)
		return
	}
	call, err := paidCall(r)
	if err != nil {
		writeError(w, err)
		return
	}
	req, err := s.deployment.PayPerUse.Request(r.Context(), call, body.FeedID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newRequestResponse(s.deployment.PayPerUse.Address(), req))
}

func (s *Server) pendingRequest(w http.ResponseWriter, r *http.Request) {
	feedID, ok := pathID(w, r, "feedId")
	if !ok {
		return
	}
	consumerAddr, ok := pathAddress(w, r, "consumer")
	if !ok {
		return
	}
	req, pending, err := s.deployment.PayPerUse.Pending(r.Context(), feedID, consumerAddr)
	if err != nil {
		writeError(w, err)
		return
	}
	if !pending {
		writeError(w, oracle.ErrNoPendingRequest)
		return
	}
	writeJSON(w, http.StatusOK, newRequestResponse(s.deployment.PayPerUse.Address(), req))
}

func (s *Server) deliverResponse(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FeedID   uint32 `json:"feedId"`
		Consumer string `json:"consumer"`
		Value    string `json:"value"`
	}
	if err := decodeJSON(r, &body); err != nil {
		badRequest(w, "%v", err)
		return
	}
	consumerAddr, err := crypto.ParseAddress(body.Consumer)
	if err != nil {
		badRequest(w, "consumer: %v", err)
		return
	}
	value, ok := new(big.Int).SetString(body.Value, 10)
	if !ok {
		badRequest(w, "invalid value %q", body.Value)
		return
	}
	mutate(w, r, func(from common.Address) error {
		return s.deployment.PayPerUse.Response(r.Context(), from, body.FeedID, consumerAddr, value)
	})
}

// nodeFor resolves the data node the controller routes feedID to. Unassigned
// feeds go to the default node, which rejects the write.
func (s *Server) nodeFor(ctx context.Context, feedID uint32) (*datanode.DataNode, error) {
	d := s.deployment
	addr, err := d.Controller.GetDataNodeFeed(ctx, feedID)
	if err != nil {
		return nil, err
	}
	if addr == (common.Address{}) || addr == d.DataNode.Address() {
		return d.DataNode, nil
	}
	return datanode.Attach(ctx, d.Host(), addr)
}

func (s *Server) storeFeed(w http.ResponseWriter, r *http.Request) {
	var rec feed.DataFeed
	if err := decodeJSON(r, &rec); err != nil {
		badRequest(w, "%v", err)
		return
	}
	mutate(w, r, func(from common.Address) error {
		node, err := s.nodeFor(r.Context(), rec.FeedID)
		if err != nil {
			return err
		}
		return node.Store(r.Context(), from, &rec)
	})
}

func (s *Server) storePack(w http.ResponseWriter, r *http.Request) {
	var rec feed.PackedDataFeed
	if err := decodeJSON(r, &rec); err != nil {
		badRequest(w, "%v", err)
		return
	}
	mutate(w, r, func(from common.Address) error {
		node, err := s.nodeFor(r.Context(), rec.FeedID)
		if err != nil {
			return err
		}
		return node.StorePack(r.Context(), from, &rec)
	})
}
