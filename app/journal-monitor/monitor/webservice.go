package monitor

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/opendrivejournal/tripcast/business/data/journal"
)

//maxWebhookBodyBytes caps the accepted webhook payload size
const maxWebhookBodyBytes = 1 << 20

//defaultHttpHandler simple default http handler for default route
type defaultHttpHandler struct {
}

//ServeHTTP implements defaultHttpHandler http.Handler interface
func (h *defaultHttpHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Add("Application-Status", "OK")
}

//webhookHandler accepts raw telemetry pushes and appends them to the event store
type webhookHandler struct {
	svc *Service
}

//webhookResponse is the json body returned to the telemetry pusher
type webhookResponse struct {
	Accepted bool   `json:"accepted"`
	EventId  string `json:"eventId,omitempty"`
}

//ServeHTTP implements webhookHandler's http.Handler interface
func (h *webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.svc.log.Printf("webhook: unable to read request body. error:%v", err)
		writeJson(h.svc.log, w, webhookResponse{Accepted: false})
		return
	}
	event, err := parseTelemetryPayload(body, time.Now())
	if err != nil {
		//unparseable payloads are acknowledged with accepted=false so the
		//pusher doesn't retry them
		h.svc.log.Printf("webhook: rejected payload. error:%v", err)
		writeJson(h.svc.log, w, webhookResponse{Accepted: false})
		return
	}

	conn, err := journal.GetConnectionByVin(h.svc.db, event.Vin)
	if err != nil {
		h.svc.log.Printf("webhook: unable to look up connection for vin %s. error:%v", event.Vin, err)
		http.Error(w, "error serving request", http.StatusInternalServerError)
		return
	}
	if conn == nil || !conn.Active {
		//accept and drop so the pusher doesn't retry a vin we will never track
		h.svc.log.Printf("webhook: discarding event for vin %s with no active connection", event.Vin)
		writeJson(h.svc.log, w, webhookResponse{Accepted: false})
		return
	}
	event.UserId = conn.UserId

	if err = journal.RecordTelemetryEvent(event, h.svc.db); err != nil {
		h.svc.log.Printf("webhook: unable to record event for vin %s. error:%v", event.Vin, err)
		http.Error(w, "error serving request", http.StatusInternalServerError)
		return
	}
	writeJson(h.svc.log, w, webhookResponse{Accepted: true, EventId: event.Id})
}

//authorized checks the shared-secret bearer token when one is configured
func (h *webhookHandler) authorized(r *http.Request) bool {
	if h.svc.cfg.WebhookToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ") == h.svc.cfg.WebhookToken
}

//reconstructHandler runs the offline trip reconstructor over a vin's recent events
type reconstructHandler struct {
	svc *Service
}

//ServeHTTP implements reconstructHandler's http.Handler interface
func (h *reconstructHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	vin := r.FormValue("vin")
	if vin == "" {
		http.Error(w, "vin parameter is required", http.StatusBadRequest)
		return
	}
	hours := 0
	if hoursParam := r.FormValue("hours"); hoursParam != "" {
		parsed, err := strconv.Atoi(hoursParam)
		if err != nil || parsed < 0 {
			http.Error(w, "hours must be a positive integer", http.StatusBadRequest)
			return
		}
		hours = parsed
	}
	result, err := h.svc.rebuildTrips(vin, hours)
	if err != nil {
		h.svc.log.Printf("reconstruct: vin %s failed. error:%v", vin, err)
		http.Error(w, "error serving request", http.StatusInternalServerError)
		return
	}
	writeJson(h.svc.log, w, result)
}

//refreshHandler pulls current vehicle data from the upstream provider and
//feeds it through the normal pipeline as an auto_fetch event
type refreshHandler struct {
	svc *Service
}

//ServeHTTP implements refreshHandler's http.Handler interface
func (h *refreshHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.svc.provider == nil {
		http.Error(w, "no vehicle data provider configured", http.StatusServiceUnavailable)
		return
	}
	conn, err := lookupConnection(h.svc, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if conn == nil || !conn.Active {
		http.Error(w, "no active connection", http.StatusNotFound)
		return
	}

	data, err := h.svc.fetchVehicleData(conn.Vin)
	if err != nil {
		h.svc.log.Printf("refresh: provider fetch for vin %s failed. error:%v", conn.Vin, err)
		http.Error(w, "provider fetch failed", http.StatusBadGateway)
		return
	}
	event := &journal.TelemetryEvent{
		Id:           uuid.NewString(),
		UserId:       conn.UserId,
		Vin:          conn.Vin,
		CreatedAt:    time.Now(),
		Source:       journal.SourceAutoFetch,
		ShiftState:   data.ShiftState,
		Speed:        data.Speed,
		SpeedUnit:    data.SpeedUnit,
		OdometerKm:   data.OdometerKm,
		Latitude:     data.Latitude,
		Longitude:    data.Longitude,
		BatteryLevel: data.BatteryLevel,
		VehicleState: data.VehicleState,
	}
	if err = journal.RecordTelemetryEvent(event, h.svc.db); err != nil {
		h.svc.log.Printf("refresh: unable to record event for vin %s. error:%v", conn.Vin, err)
		http.Error(w, "error serving request", http.StatusInternalServerError)
		return
	}
	writeJson(h.svc.log, w, webhookResponse{Accepted: true, EventId: event.Id})
}

//disconnectHandler deactivates a vehicle connection so its events stop being tracked
type disconnectHandler struct {
	svc *Service
}

//ServeHTTP implements disconnectHandler's http.Handler interface
func (h *disconnectHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := lookupConnection(h.svc, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if conn == nil {
		http.Error(w, "no such connection", http.StatusNotFound)
		return
	}
	if err = journal.DeactivateConnection(h.svc.db, conn.Id); err != nil {
		h.svc.log.Printf("disconnect: unable to deactivate vin %s. error:%v", conn.Vin, err)
		http.Error(w, "error serving request", http.StatusInternalServerError)
		return
	}
	h.svc.log.Printf("deactivated connection for vin %s", conn.Vin)
	w.WriteHeader(http.StatusNoContent)
}

//lookupConnection resolves the connection an operator request targets, by
//connection id or by vin
func lookupConnection(svc *Service, r *http.Request) (*journal.VehicleConnection, error) {
	if id := r.FormValue("connectionId"); id != "" {
		return journal.GetConnectionById(svc.db, id)
	}
	if vin := r.FormValue("vin"); vin != "" {
		return journal.GetConnectionByVin(svc.db, vin)
	}
	return nil, fmt.Errorf("connectionId or vin parameter is required")
}

//writeJson marshals v to the response with an application/json content type
func writeJson(log interface{ Printf(string, ...interface{}) }, w http.ResponseWriter, v interface{}) {
	jsonData, err := json.Marshal(v)
	if err != nil {
		log.Printf("error marshaling json response. error:%v", err)
		http.Error(w, "error serving request", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err = w.Write(jsonData); err != nil {
		log.Printf("error writing json response. error:%v", err)
	}
}

//createServer creates configured http.Server for the telemetry webhook and
//operator endpoints
func (s *Service) createServer() *http.Server {
	r := mux.NewRouter()
	r.Handle("/", &defaultHttpHandler{})
	r.Handle("/webhook", &webhookHandler{svc: s}).Methods(http.MethodPost)
	r.Handle("/ops/reconstruct", &reconstructHandler{svc: s}).Methods(http.MethodPost)
	r.Handle("/ops/refresh", &refreshHandler{svc: s}).Methods(http.MethodPost)
	r.Handle("/ops/disconnect", &disconnectHandler{svc: s}).Methods(http.MethodPost)

	srv := &http.Server{
		Addr: strings.Join([]string{"0.0.0.0", strconv.Itoa(s.cfg.HttpPort)}, ":"),
		// Good practice to set timeouts to avoid Slowloris attacks.
		WriteTimeout: time.Second * 15,
		ReadTimeout:  time.Second * 15,
		IdleTimeout:  time.Second * 60,
		Handler:      r,
	}
	return srv
}
