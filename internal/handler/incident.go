package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gangaguard/backend/internal/apperror"
	"github.com/gangaguard/backend/internal/model"
	"github.com/gangaguard/backend/internal/service"
)

// IncidentHandler serves the incident lifecycle under /api/incidents.
type IncidentHandler struct {
	incidents *service.IncidentService
	users     *service.UserService
	logger    *slog.Logger
}

func NewIncidentHandler(incidents *service.IncidentService, users *service.UserService, logger *slog.Logger) *IncidentHandler {
	return &IncidentHandler{incidents: incidents, users: users, logger: logger}
}

type createIncidentRequest struct {
	Image        string    `json:"image"`
	Lat          flexFloat `json:"lat"`
	Lng          flexFloat `json:"lng"`
	LocationText string    `json:"locationText" validate:"max=500"`
}

// HandleCreate records a detection from the ML pipeline.
//
// HTTP: POST /api/incidents and POST /api/incidents/ml
// REQUEST BODY: {"image": "<base64 or URL>", "lat": 25.28, "lng": 82.79, "locationText": "Assi Ghat"}
func (h *IncidentHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createIncidentRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	incident, err := h.incidents.Submit(r.Context(), service.SubmitInput{
		Image:        req.Image,
		Lat:          req.Lat.Value,
		Lng:          req.Lng.Value,
		LocationText: req.LocationText,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, incidentJSON(r, *incident))
}

// HandleNearby lists PENDING incidents around the caller, nearest first.
//
// HTTP: GET /api/incidents/nearby?lat=25.28&lng=82.79&radiusKm=40
func (h *IncidentHandler) HandleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("lat") == "" || q.Get("lng") == "" {
		writeError(w, apperror.ValidationFailed("location", "lat and lng are required"))
		return
	}
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	if errLat != nil || errLng != nil {
		writeError(w, apperror.ValidationFailed("location", "lat and lng must be numbers"))
		return
	}
	in := service.NearbyInput{Lat: lat, Lng: lng}
	if s := q.Get("radiusKm"); s != "" {
		radius, err := strconv.ParseFloat(s, 64)
		if err != nil {
			writeError(w, apperror.ValidationFailed("radiusKm", "radiusKm must be a number"))
			return
		}
		in.RadiusKm = radius
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 1 {
			writeError(w, apperror.ValidationFailed("limit", "limit must be a positive integer"))
			return
		}
		in.Limit = limit
	}

	incidents, err := h.incidents.FindNearby(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, incidentsJSON(r, incidents))
}

// HandleAccept claims a PENDING incident for the caller.
//
// HTTP: POST /api/incidents/{id}/accept
func (h *IncidentHandler) HandleAccept(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r, h.users)
	if !ok {
		return
	}
	incident, err := h.incidents.Claim(r.Context(), r.PathValue("id"), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, incidentJSON(r, *incident))
}

type completeIncidentRequest struct {
	ImageAfterURL string `json:"imageAfterUrl" validate:"omitempty,max=2048"`
}

type completeIncidentResponse struct {
	Incident     model.Incident `json:"incident"`
	PointsEarned int64          `json:"pointsEarned"`
}

// HandleComplete finishes the caller's claim with after-cleanup evidence.
//
// HTTP: POST /api/incidents/{id}/complete
// BODY: multipart with an "imageAfter" file, or {"imageAfterUrl": "..."}
func (h *IncidentHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r, h.users)
	if !ok {
		return
	}

	var req completeIncidentRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	in := service.CompleteInput{ImageAfterURL: req.ImageAfterURL}
	if in.ImageAfterURL == "" {
		file, contentType, err := formFile(r, "imageAfter")
		if err != nil {
			writeError(w, err)
			return
		}
		if file != nil {
			defer file.Close()
			in.Image = file
			in.ContentType = contentType
		}
	}

	done, err := h.incidents.Complete(r.Context(), r.PathValue("id"), user.ID, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, completeIncidentResponse{
		Incident:     incidentJSON(r, *done.Incident),
		PointsEarned: done.PointsEarned,
	})
}

// HandleDecline acknowledges a skip. The incident is left untouched.
//
// HTTP: POST /api/incidents/{id}/decline
func (h *IncidentHandler) HandleDecline(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r, h.users)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := h.incidents.Decline(r.Context(), id, user.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Incident declined", IncidentID: id})
}

// HandleMine lists the incidents the caller has claimed, newest first.
//
// HTTP: GET /api/incidents/my
func (h *IncidentHandler) HandleMine(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r, h.users)
	if !ok {
		return
	}
	incidents, err := h.incidents.ListClaimedBy(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, incidentsJSON(r, incidents))
}

func incidentJSON(r *http.Request, inc model.Incident) model.Incident {
	return inc.WithAbsoluteURLs(func(ref string) string { return absolute(r, ref) })
}

func incidentsJSON(r *http.Request, incidents []model.Incident) []model.Incident {
	out := make([]model.Incident, len(incidents))
	for i, inc := range incidents {
		out[i] = incidentJSON(r, inc)
	}
	return out
}
