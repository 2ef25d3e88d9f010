package server

import (
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"feedoracle/native/consumer"
	"feedoracle/native/feed"
)

type consumerResponse struct {
	Address string        `json:"address"`
	Oracle  string        `json:"oracle"`
	Value   string        `json:"value"`
	Pack    hexutil.Bytes `json:"pack"`
}

func (s *Server) describeConsumer(r *http.Request, c *consumer.Consumer) (consumerResponse, error) {
	value, err := c.Value(r.Context())
	if err != nil {
		return consumerResponse{}, err
	}
	pack, err := c.ValuePack(r.Context())
	if err != nil {
		return consumerResponse{}, err
	}
	return consumerResponse{
		Address: hexAddr(c.Address()),
		Oracle:  hexAddr(c.Oracle()),
		Value:   value.String(),
		Pack:    pack,
	}, nil
}

// lookupConsumer resolves the {address} path parameter to a consumer of the
// deployment, writing the error response when it cannot.
func (s *Server) lookupConsumer(w http.ResponseWriter, r *http.Request) (*consumer.Consumer, bool) {
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return nil, false
	}
	c, ok := s.deployment.Consumer(addr)
	if !ok {
		writeError(w, fmt.Errorf("%w: %s", consumer.ErrNotConsumer, hexAddr(addr)))
		return nil, false
	}
	return c, true
}

func (s *Server) deployConsumer(w http.ResponseWriter, r *http.Request) {
	c, err := s.deployment.DeployConsumer(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("oracled: consumer deployed", "consumer", hexAddr(c.Address()))
	resp, err := s.describeConsumer(r, c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) listConsumers(w http.ResponseWriter, r *http.Request) {
	consumers := s.deployment.Consumers()
	out := make([]consumerResponse, 0, len(consumers))
	for _, c := range consumers {
		resp, err := s.describeConsumer(r, c)
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getConsumer(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupConsumer(w, r)
	if !ok {
		return
	}
	resp, err := s.describeConsumer(r, c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// consumerGet has the consumer pay for a synchronous read and cache it.
func (s *Server) consumerGet(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupConsumer(w, r)
	if !ok {
		return
	}
	var body struct {
		FeedID uint32 `json:"feedId"`
		Packed bool   `json:"packed"`
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
	if body.Packed {
		err = c.GetPack(r.Context(), call, body.FeedID)
	} else {
		err = c.Get(r.Context(), call, body.FeedID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.describeConsumer(r, c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) consumerRequest(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupConsumer(w, r)
	if !ok {
		return
	}
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
	req, err := c.Request(r.Context(), call, body.FeedID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newRequestResponse(c.Oracle(), req))
}

func (s *Server) consumerVerify(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupConsumer(w, r)
	if !ok {
		return
	}
	var body struct {
		Feed   *feed.DataFeed       `json:"feed"`
		Packed *feed.PackedDataFeed `json:"packed"`
	}
	if err := decodeJSON(r, &body); err != nil {
		badRequest(w, "%v", err)
		return
	}
	if (body.Feed == nil) == (body.Packed == nil) {
		badRequest(w, "exactly one of feed or packed required")
		return
	}
	call, err := paidCall(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var (
		valid  bool
		feedID uint32
	)
	if body.Feed != nil {
		feedID = body.Feed.FeedID
		valid, err = c.Verify(r.Context(), call, body.Feed)
	} else {
		feedID = body.Packed.FeedID
		valid, err = c.VerifyPack(r.Context(), call, body.Packed)
	}
	writeVerification(w, feedID, valid, err)
}

func (s *Server) consumerReset(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupConsumer(w, r)
	if !ok {
		return
	}
	if err := c.Reset(r.Context(), caller(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	balance, err := s.deployment.Host().Balance(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": hexAddr(addr), "balance": balance.String()})
}
