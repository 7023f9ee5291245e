package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"ubisys-bridge/internal/ncp"
	"ubisys-bridge/internal/store"
	"ubisys-bridge/internal/ubisys"
	"ubisys-bridge/internal/zcl"
)

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.coord.Devices().ListDevices()
	if err != nil {
		s.logger.Error("list devices", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")
	dev, err := s.coord.Devices().GetDevice(ieee)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

type renameDeviceRequest struct {
	FriendlyName string `json:"friendly_name"`
}

func (s *Server) handleAPIRenameDevice(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")
	dev, err := s.coord.Devices().GetDevice(ieee)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}

	var req renameDeviceRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	dev.FriendlyName = req.FriendlyName
	if err := s.coord.Devices().SaveDevice(dev); err != nil {
		s.logger.Error("rename device", "err", err, "ieee", ieee)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "friendly_name": dev.FriendlyName})
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")
	if err := s.coord.Devices().RemoveDevice(ieee); err != nil {
		s.logger.Error("delete device", "err", err, "ieee", ieee)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type readAttributesRequest struct {
	Endpoint     uint8    `json:"endpoint"`
	ClusterID    uint16   `json:"cluster_id"`
	AttrIDs      []uint16 `json:"attr_ids"`
	Manufacturer uint16   `json:"manufacturer,omitempty"`
}

func (s *Server) handleAPIReadAttributes(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")

	var req readAttributesRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(req.AttrIDs) == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "attr_ids must not be empty"})
		return
	}
	if len(req.AttrIDs) > 50 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "attr_ids limited to 50"})
		return
	}

	results, err := s.coord.ReadAttributes(r.Context(), ieee, req.Endpoint, req.ClusterID, req.AttrIDs, req.Manufacturer)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
			return
		}
		s.logger.Error("read attributes", "err", err, "ieee", ieee)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	s.writeJSON(w, http.StatusOK, results)
}

type writeAttributeRequest struct {
	Endpoint     uint8       `json:"endpoint"`
	ClusterID    uint16      `json:"cluster_id"`
	AttrID       uint16      `json:"attr_id"`
	DataType     uint8       `json:"data_type"`
	Value        interface{} `json:"value"`
	Manufacturer uint16      `json:"manufacturer,omitempty"`
}

func (s *Server) handleAPIWriteAttribute(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")

	var req writeAttributeRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	encoded, err := zcl.EncodeValue(req.DataType, req.Value)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	records := []ncp.WriteRecord{{AttrID: req.AttrID, DataType: req.DataType, Value: encoded}}
	statuses, err := s.coord.WriteAttributes(r.Context(), ieee, req.Endpoint, req.ClusterID, records, req.Manufacturer)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
			return
		}
		s.logger.Error("write attribute", "err", err, "ieee", ieee)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	for _, st := range statuses {
		if st.Status != 0 {
			s.writeJSON(w, http.StatusBadGateway, map[string]string{
				"error": fmt.Sprintf("device refused write with status 0x%02X", st.Status),
			})
			return
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sendCommandRequest struct {
	Endpoint  uint8  `json:"endpoint"`
	ClusterID uint16 `json:"cluster_id"`
	CommandID uint8  `json:"command_id"`
	Payload   []byte `json:"payload,omitempty"`
}

func (s *Server) handleAPISendCommand(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")

	var req sendCommandRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(req.Payload) > 128 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payload limited to 128 bytes"})
		return
	}

	if err := s.coord.SendCommand(r.Context(), ieee, req.Endpoint, req.ClusterID, req.CommandID, req.Payload); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
			return
		}
		s.logger.Error("send command", "err", err, "ieee", ieee)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type setCoveringRequest struct {
	Kind string `json:"kind"`
}

func (s *Server) handleAPISetCoveringKind(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")

	var req setCoveringRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Kind != "" {
		if _, err := ubisys.ParseCoveringKind(req.Kind); err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}

	// Changing the kind invalidates a stored calibration.
	err := s.coord.Store().UpdateDevice(ieee, func(dev *store.Device) error {
		dev.SetCoveringKind(req.Kind)
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
			return
		}
		s.logger.Error("set covering kind", "err", err, "ieee", ieee)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "kind": req.Kind})
}

func (s *Server) handleAPIApplyTuning(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")

	var tuning ubisys.Tuning
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&tuning); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := s.engine.ApplyTuning(r.Context(), ieee, tuning); err != nil {
		var verr *ubisys.VerificationError
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		case errors.As(err, &verr):
			s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		default:
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type calibrateRequest struct {
	Test bool `json:"test"`
}

func (s *Server) handleAPICalibrate(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")

	req := calibrateRequest{}
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}

	result, err := s.engine.Calibrate(r.Context(), ieee, req.Test)
	if err != nil {
		switch {
		case errors.Is(err, ubisys.ErrAlreadyInProgress):
			s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		case errors.Is(err, store.ErrNotFound):
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		default:
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAPICalibrationStatus(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")
	dev, err := s.coord.Devices().GetDevice(ieee)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ieee":          dev.IEEEAddress,
		"covering_kind": dev.CoveringKind,
		"calibrated":    dev.Calibrated(),
		"calibration":   dev.Calibration,
		"in_progress":   s.engine.Locks().Locked(ieee),
	})
}

type calibrateBatchRequest struct {
	IEEEs []string `json:"ieees"`
	Test  bool     `json:"test"`
}

func (s *Server) handleAPICalibrateBatch(w http.ResponseWriter, r *http.Request) {
	var req calibrateBatchRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	// An empty list means every device with a configured covering kind.
	if len(req.IEEEs) == 0 {
		devices, err := s.coord.Devices().ListDevices()
		if err != nil {
			s.logger.Error("list devices for batch calibration", "err", err)
			s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			return
		}
		for _, dev := range devices {
			if dev.CoveringKind != "" {
				req.IEEEs = append(req.IEEEs, dev.IEEEAddress)
			}
		}
	}
	if len(req.IEEEs) == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no covering devices configured"})
		return
	}

	results := s.engine.CalibrateAll(r.Context(), req.IEEEs, req.Test)
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleAPINetworkInfo(w http.ResponseWriter, r *http.Request) {
	info := s.coord.NetworkInfo()
	s.writeJSON(w, http.StatusOK, info)
}

type permitJoinRequest struct {
	Duration uint8 `json:"duration"`
}

func (s *Server) handleAPIPermitJoin(w http.ResponseWriter, r *http.Request) {
	var req permitJoinRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := s.coord.PermitJoin(r.Context(), req.Duration); err != nil {
		s.logger.Error("permit join", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"duration": fmt.Sprintf("%d", req.Duration),
	})
}

func (s *Server) handleAPIListClusters(w http.ResponseWriter, r *http.Request) {
	clusters := s.coord.Registry().All()
	s.writeJSON(w, http.StatusOK, clusters)
}
