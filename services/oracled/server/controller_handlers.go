package server

import (
	"context"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"feedoracle/crypto"
	nativecommon "feedoracle/native/common"
	"feedoracle/native/feed"
)

type addressRequest struct {
	Address string `json:"address"`
}

type idAddressRequest struct {
	ID      uint32 `json:"id"`
	Address string `json:"address"`
}

type idRequest struct {
	ID uint32 `json:"id"`
}

func (s *Server) controllerRoutes(r chi.Router) {
	r.Get("/", s.getController)

	r.Post("/managers", s.addManager)
	r.Get("/managers/{address}", s.getManager)
	r.Delete("/managers/{address}", s.dropManager)

	r.Post("/nodes", s.addNode)
	r.Get("/nodes/{id}", s.getNode)
	r.Delete("/nodes/{id}", s.dropNode)

	r.Post("/signers", s.addSigner)
	r.Get("/signers/{id}", s.getSigner)
	r.Delete("/signers/{id}", s.revokeSigner)

	r.Put("/feeds/{feedId}/node", s.assignFeedNode)
	r.Get("/feeds/{feedId}/node", s.getFeedNode)
	r.Delete("/feeds/{feedId}/node", s.unlinkFeedNode)

	r.Put("/feeds/{feedId}/signer", s.grantFeedSigner)
	r.Get("/feeds/{feedId}/signer", s.getFeedSigner)
	r.Delete("/feeds/{feedId}/signer", s.revokeFeedSigner)

	r.Put("/feeds/{feedId}/licenses/{license}", s.addLicense)
	r.Get("/feeds/{feedId}/licenses/{license}", s.getLicense)
	r.Delete("/feeds/{feedId}/licenses/{license}", s.dropLicense)

	r.Post("/oracles", s.addOracle)
	r.Get("/oracles/{address}", s.getOracle)
	r.Delete("/oracles/{address}", s.dropOracle)

	r.Put("/pauses/{module}", s.setPaused)
	r.Get("/pauses/{module}", s.getPaused)
}

func (s *Server) getController(w http.ResponseWriter, r *http.Request) {
	d := s.deployment
	writeJSON(w, http.StatusOK, map[string]any{
		"address":      hexAddr(d.Controller.Address()),
		"owner":        hexAddr(d.Controller.Owner()),
		"seed":         d.Controller.Seed(),
		"dataNode":     hexAddr(d.DataNode.Address()),
		"open":         hexAddr(d.Open.Address()),
		"subscription": hexAddr(d.Subscription.Address()),
		"payPerUse":    hexAddr(d.PayPerUse.Address()),
	})
}

// decodeAddressBody reads {"address": ...} from the request body.
func decodeAddressBody(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	var req addressRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "%v", err)
		return common.Address{}, false
	}
	addr, err := crypto.ParseAddress(req.Address)
	if err != nil {
		badRequest(w, "address: %v", err)
		return common.Address{}, false
	}
	return addr, true
}

func decodeIDAddressBody(w http.ResponseWriter, r *http.Request) (uint32, common.Address, bool) {
	var req idAddressRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "%v", err)
		return 0, common.Address{}, false
	}
	addr, err := crypto.ParseAddress(req.Address)
	if err != nil {
		badRequest(w, "address: %v", err)
		return 0, common.Address{}, false
	}
	return req.ID, addr, true
}

func decodeIDBody(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	var req idRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "%v", err)
		return 0, false
	}
	return req.ID, true
}

func pathAddress(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	addr, err := urlAddress(r, name)
	if err != nil {
		badRequest(w, "%s: %v", name, err)
		return common.Address{}, false
	}
	return addr, true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uint32, bool) {
	id, err := urlUint32(r, name)
	if err != nil {
		badRequest(w, "%s: %v", name, err)
		return 0, false
	}
	return id, true
}

func pathLicense(w http.ResponseWriter, r *http.Request) (feed.LicenseType, bool) {
	license, err := feed.ParseLicenseType(chi.URLParam(r, "license"))
	if err != nil {
		writeError(w, err)
		return feed.LicenseNone, false
	}
	return license, true
}

// mutate runs fn as the authenticated caller and answers 204 on success.
func mutate(w http.ResponseWriter, r *http.Request, fn func(from common.Address) error) {
	from, err := requireCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := fn(from); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) addManager(w http.ResponseWriter, r *http.Request) {
	addr, ok := decodeAddressBody(w, r)
	if !ok {
		return
	}
	mutate(w, r, func(from common.Address) error {
		return s.deployment.Controller.AddManager(r.Context(), from, addr)
	})
}

func (s *Server) dropManager(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	mutate(w, r, func(from common.Address) error {
		return s.deployment.Controller.DropManager(r.Context(), from, addr)
	})
}

func (s *Server) getManager(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	manager, err := s.deployment.Controller.IsManager(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writer, err := s.deployment.Controller.IsWriter(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": hexAddr(addr), "manager": manager, "writer": writer})
}

func (s *Server) addNode(w http.ResponseWriter, r *http.Request) {
	id, addr, ok := decodeIDAddressBody(w, r)
	if !ok {
		return
	}
	mutate(w, r, func(from common.Address) error {
		return s.deployment.Controller.AddNode(r.Context(), from, id, addr)
	})
}

func (s *Server) dropNode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	mutate(w, r, func(from common.Address) error {
		return s.deployment.Controller.DropNode(r.Context(), from, id)
	})
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	addr, err := s.deployment.Controller.GetNode(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "address": hexAddr(addr), "registered": addr != (common.Address{})})
}

func (s *Server) addSigner(w http.ResponseWriter, r *http.Request) {
	id, addr, ok := decodeIDAddressBody(w, r)
	if !ok {
		return
	}
	mutate(w, r, func(from common.Address) error {
		return s.deployment.Controller.AddSignerPubKey(r.Context(), from, id, addr)
	})
}

func (s *Server) revokeSigner(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	mutate(w, r, func(from common.Address) error {
		return s.deployment.Controller.RevokeSignerPubKey(r.Context(), from, id)
	})
}

func (s *Server) getSigner(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	addr, err := s.deployment.Controller.GetSigner(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "address": hexAddr(addr)})
}

func (s *Server) assignFeedNode(w http.ResponseWriter, r *http.Request) {
	feedID, ok := pathID(w, r, "feedId")
	if !ok {
		return
	}
	nodeID, ok := decodeIDBody(w, r)
	if !ok {
		return
	}
	mutate(w, r, func(from common.Address) error {
		return s.deployment.Controller.AssignFeedNode(r.Context(), from, feedID, nodeID)
	})
}

func (s *Server) unlinkFeedNode(w http.ResponseWriter, r *http.Request) {
	feedID, ok := pathID(w, r, "feedId")
	if !ok {
		return
	}
	mutate(w, r, func(from common.Address) error {
		return s.deployment.Controller.UnlinkFeedNode(r.Context(), from, feedID)
	})
}

func (s *Server) getFeedNode(w http.ResponseWriter, r *http.Request) {
	feedID, ok := pathID(w, r, "feedId")
	if !ok {
		return
	}
	addr, err := s.deployment.Controller.GetDataNodeFeed(r.Context(), feedID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"feedId":   feedID,
		"node":     hexAddr(addr),
		"assigned": addr != (common.Address{}),
	})
}

func (s *Server) grantFeedSigner(w http.ResponseWriter, r *http.Request) {
	feedID, ok := pathID(w, r, "feedId")
	if !ok {
		return
	}
	signerID, ok := decodeIDBody(w, r)
	if !ok {
		return
	}
	mutate(w, r, func(from common.Address) error {
		return s.deployment.Controller.GrantFeedSigner(r.Context(), from, feedID, signerID)
	})
}

func (s *Server) revokeFeedSigner(w http.ResponseWriter, r *http.Request) {
	feedID, ok := pathID(w, r, "feedId")
	if !ok {
		return
	}
	mutate(w, r, func(from common.Address) error {
		return s.deployment.Controller.RevokeFeedSigner(r.Context(), from, feedID)
	})
}

func (s *Server) getFeedSigner(w http.ResponseWriter, r *http.Request) {
	feedID, ok := pathID(w, r, "feedId")
	if !ok {
		return
	}
	addr, registered, err := s.deployment.Controller.FeedSigner(r.Context(), feedID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"feedId": feedID, "signer": hexAddr(addr), "registered": registered})
}

func (s *Server) addLicense(w http.ResponseWriter, r *http.Request) {
	feedID, ok := pathID(w, r, "feedId")
	if !ok {
		return
	}
	license, ok := pathLicense(w, r)
	if !ok {
		return
	}
	var req struct {
		Price string `json:"price"`
	}
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	price, err := parseAmount(req.Price)
	if err != nil {
		badRequest(w, "price: %v", err)
		return
	}
	mutate(w, r, func(from common.Address) error {
		return s.deployment.Controller.AddLicense(r.Context(), from, feedID, license, price)
	})
}

func (s *Server) dropLicense(w http.ResponseWriter, r *http.Request) {
	feedID, ok := pathID(w, r, "feedId")
	if !ok {
		return
	}
	license, ok := pathLicense(w, r)
	if !ok {
		return
	}
	mutate(w, r, func(from common.Address) error {
		return s.deployment.Controller.DropLicense(r.Context(), from, feedID, license)
	})
}

func (s *Server) getLicense(w http.ResponseWriter, r *http.Request) {
	feedID, ok := pathID(w, r, "feedId")
	if !ok {
		return
	}
	license, ok := pathLicense(w, r)
	if !ok {
		return
	}
	active, price, err := s.deployment.Controller.VerifyLicense(r.Context(), feedID, license)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{"feedId": feedID, "license": license.String(), "active": active}
	if price != nil {
		resp["price"] = price.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) addOracle(w http.ResponseWriter, r *http.Request) {
	addr, ok := decodeAddressBody(w, r)
	if !ok {
		return
	}
	mutate(w, r, func(from common.Address) error {
		return s.deployment.Controller.AddOracle(r.Context(), from, addr)
	})
}

func (s *Server) dropOracle(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	mutate(w, r, func(from common.Address) error {
		return s.deployment.Controller.DropOracle(r.Context(), from, addr)
	})
}

func (s *Server) getOracle(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	registered, err := s.deployment.Controller.IsOracle(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": hexAddr(addr), "oracle": registered})
}

func (s *Server) setPaused(w http.ResponseWriter, r *http.Request) {
	module := chi.URLParam(r, "module")
	var req struct {
		Paused bool `json:"paused"`
	}
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	mutate(w, r, func(from common.Address) error {
		return s.deployment.Controller.SetPaused(r.Context(), from, module, req.Paused)
	})
}

func (s *Server) getPaused(w http.ResponseWriter, r *http.Request) {
	module := chi.URLParam(r, "module")
	paused, err := s.deployment.Controller.Paused(r.Context(), module)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"module": module, "paused": paused})
}

func (s *Server) setQuota(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxRequestsPerEpoch uint32 `json:"maxRequestsPerEpoch"`
		EpochSeconds        uint32 `json:"epochSeconds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	if req.MaxRequestsPerEpoch == 0 && req.EpochSeconds != 0 {
		badRequest(w, "epochSeconds set without maxRequestsPerEpoch")
		return
	}
	quota := nativecommon.Quota{MaxRequestsPerEpoch: req.MaxRequestsPerEpoch, EpochSeconds: req.EpochSeconds}
	mutate(w, r, func(from common.Address) error {
		return s.deployment.PayPerUse.SetRequestQuota(r.Context(), from, quota)
	})
}

func (s *Server) addResponder(w http.ResponseWriter, r *http.Request) {
	addr, ok := decodeAddressBody(w, r)
	if !ok {
		return
	}
	mutate(w, r, func(from common.Address) error {
		return s.deployment.PayPerUse.AddResponder(r.Context(), from, addr)
	})
}

func (s *Server) dropResponder(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	mutate(w, r, func(from common.Address) error {
		return s.deployment.PayPerUse.DropResponder(r.Context(), from, addr)
	})
}

type withdrawFunc func(ctx context.Context, from, to common.Address, amount *big.Int) error

// withdraw moves collected payments out of an oracle.
func (s *Server) withdraw(fn withdrawFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			To     string `json:"to"`
			Amount string `json:"amount"`
		}
		if err := decodeJSON(r, &req); err != nil {
			badRequest(w, "%v", err)
			return
		}
		to, err := crypto.ParseAddress(req.To)
		if err != nil {
			badRequest(w, "to: %v", err)
			return
		}
		amount, err := parseAmount(req.Amount)
		if err != nil {
			badRequest(w, "%v", err)
			return
		}
		mutate(w, r, func(from common.Address) error {
			return fn(r.Context(), from, to, amount)
		})
	}
}
