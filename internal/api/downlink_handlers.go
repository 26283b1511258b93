package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sim/internal/events"
	"github.com/lorawan-server/lorawan-sim/internal/network"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

// maxDownlinkPayload is the largest application payload accepted, the EU868 DR7 maximum
const maxDownlinkPayload = 242

// liveNetwork returns the live network server or answers 503
func (s *RESTServer) liveNetwork(w http.ResponseWriter) (Network, bool) {
	if s.deps.Network == nil {
		s.respondError(w, http.StatusServiceUnavailable, "no simulation is running")
		return nil, false
	}
	return s.deps.Network, true
}

// HandleNetworkSummary returns the live network server counters
func (s *RESTServer) HandleNetworkSummary(w http.ResponseWriter, r *http.Request) {
	ns, ok := s.liveNetwork(w)
	if !ok {
		return
	}
	devices, totals := ns.Summary()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"totals":  totals,
	})
}

// HandleListSessions lists the device sessions of the network server
func (s *RESTServer) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	ns, ok := s.liveNetwork(w)
	if !ok {
		return
	}
	sessions := ns.Sessions()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// HandleGetSession gets one device session
func (s *RESTServer) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	ns, ok := s.liveNetwork(w)
	if !ok {
		return
	}

	addr, err := lorawan.ParseDevAddr(chi.URLParam(r, "dev_addr"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid dev_addr")
		return
	}

	session, err := ns.Session(addr)
	if errors.Is(err, network.ErrUnknownDevice) {
		s.respondError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, session)
}

// HandleSendDownlink queues a downlink for a device. It is sent in the
// device's next receive window or ping slot.
func (s *RESTServer) HandleSendDownlink(w http.ResponseWriter, r *http.Request) {
	ns, ok := s.liveNetwork(w)
	if !ok {
		return
	}

	var req events.DownlinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.DevAddr = chi.URLParam(r, "dev_addr")

	// Check data length
	if len(req.Data)/2 > maxDownlinkPayload {
		s.respondError(w, http.StatusBadRequest, "data too large (max 242 bytes)")
		return
	}

	err := req.Enqueue(ns)
	switch {
	case errors.Is(err, network.ErrUnknownDevice):
		s.respondError(w, http.StatusNotFound, "device not found")
		return
	case err != nil:
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	log.Info().
		Str("devAddr", req.DevAddr).
		Uint8("fPort", req.FPort).
		Bool("confirmed", req.Confirmed).
		Bool("classB", req.ClassB).
		Msg("Downlink queued via API")

	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"devAddr": req.DevAddr,
		"queued":  true,
	})
}
