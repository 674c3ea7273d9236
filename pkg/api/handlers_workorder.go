package api

import (
	"net/http"

	"github.com/settld-labs/settld/pkg/artifact"
	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/workorder"
)

type orderCreateRequest struct {
	Description     string `json:"description"`
	BaseAmountCents int64  `json:"baseAmountCents"`
	MaxCostCents    int64  `json:"maxCostCents"`
	Currency        string `json:"currency"`
	X402GateID      string `json:"x402GateId,omitempty"`
	X402RunID       string `json:"x402RunId,omitempty"`
}

func (s *Server) handleOrderCreate(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantFor(r)
	if err != nil {
		WriteFault(w, err)
		return
	}
	var req orderCreateRequest
	if err := decodeBody(r, &req); err != nil {
		WriteFault(w, err)
		return
	}
	o, err := workorder.New(tenantID, req.Description, req.BaseAmountCents, req.MaxCostCents, req.Currency, s.now())
	if err != nil {
		WriteFault(w, err)
		return
	}
	o.X402GateID = req.X402GateID
	o.X402RunID = req.X402RunID
	if err := s.putRecord(r.Context(), tenantID, recWorkOrder, o.WorkOrderID, o); err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, o)
}

type orderTransitionRequest struct {
	State        string   `json:"state"`
	EvidenceRefs []string `json:"evidenceRefs,omitempty"`
}

// handleOrderTransition moves the order through its state machine. Landing
// on completed seals and publishes the completion receipt.
func (s *Server) handleOrderTransition(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantFor(r)
	if err != nil {
		WriteFault(w, err)
		return
	}
	var o workorder.Order
	if err := s.getRecord(r.Context(), tenantID, recWorkOrder, r.PathValue("orderId"), &o); err != nil {
		WriteFault(w, err)
		return
	}
	var req orderTransitionRequest
	if err := decodeBody(r, &req); err != nil {
		WriteFault(w, err)
		return
	}
	if err := o.Transition(req.State, s.now()); err != nil {
		WriteFault(w, err)
		return
	}
	if err := s.putRecord(r.Context(), tenantID, recWorkOrder, o.WorkOrderID, &o); err != nil {
		WriteFault(w, err)
		return
	}
	resp := map[string]any{"workOrder": &o}
	if o.State == workorder.StateCompleted {
		receipt, err := workorder.BuildCompletionReceipt(&o, req.EvidenceRefs, contracts.FormatTime(s.now()))
		if err != nil {
			WriteFault(w, err)
			return
		}
		id := receipt.ReceiptCore.ReceiptID
		if err := s.publish(r.Context(), tenantID, artifact.SchemaCompletionReceipt, id, receipt); err != nil {
			WriteFault(w, err)
			return
		}
		resp["completionReceipt"] = receipt
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOrderTopUp(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantFor(r)
	if err != nil {
		WriteFault(w, err)
		return
	}
	var o workorder.Order
	if err := s.getRecord(r.Context(), tenantID, recWorkOrder, r.PathValue("orderId"), &o); err != nil {
		WriteFault(w, err)
		return
	}
	var tu workorder.TopUp
	if err := decodeBody(r, &tu); err != nil {
		WriteFault(w, err)
		return
	}
	if err := o.ApplyTopUp(tu); err != nil {
		WriteFault(w, err)
		return
	}
	if err := s.putRecord(r.Context(), tenantID, recWorkOrder, o.WorkOrderID, &o); err != nil {
		WriteFault(w, err)
		return
	}
	metering, err := o.Metering()
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"workOrder": &o, "metering": metering})
}

type orderSettleRequest struct {
	ReleasedAmountCents int64 `json:"releasedAmountCents"`
}

func (s *Server) handleOrderSettle(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantFor(r)
	if err != nil {
		WriteFault(w, err)
		return
	}
	var o workorder.Order
	if err := s.getRecord(r.Context(), tenantID, recWorkOrder, r.PathValue("orderId"), &o); err != nil {
		WriteFault(w, err)
		return
	}
	var req orderSettleRequest
	if err := decodeBody(r, &req); err != nil {
		WriteFault(w, err)
		return
	}
	if err := o.Settle(req.ReleasedAmountCents, s.now()); err != nil {
		WriteFault(w, err)
		return
	}
	if err := s.putRecord(r.Context(), tenantID, recWorkOrder, o.WorkOrderID, &o); err != nil {
		WriteFault(w, err)
		return
	}
	s.audit(r.Context(), tenantID, actorFor(r), "workorder.settle", o.WorkOrderID,
		map[string]any{"releasedAmountCents": req.ReleasedAmountCents})
	WriteJSON(w, http.StatusOK, &o)
}

// handleOrderMetering seals and publishes a point-in-time metering snapshot.
func (s *Server) handleOrderMetering(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantFor(r)
	if err != nil {
		WriteFault(w, err)
		return
	}
	var o workorder.Order
	if err := s.getRecord(r.Context(), tenantID, recWorkOrder, r.PathValue("orderId"), &o); err != nil {
		WriteFault(w, err)
		return
	}
	snap, err := workorder.BuildMeteringSnapshot(&o, contracts.FormatTime(s.now()))
	if err != nil {
		WriteFault(w, err)
		return
	}
	id := o.WorkOrderID + ".metering"
	if err := s.publish(r.Context(), tenantID, artifact.SchemaMeteringSnapshot, id, snap); err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}
