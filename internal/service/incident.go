package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gangaguard/backend/internal/apperror"
	"github.com/gangaguard/backend/internal/geo"
	"github.com/gangaguard/backend/internal/metrics"
	"github.com/gangaguard/backend/internal/model"
	"github.com/gangaguard/backend/internal/realtime"
	"github.com/gangaguard/backend/internal/repository"
	"github.com/gangaguard/backend/internal/storage"
)

const (
	DefaultRadiusKm = 40.0
	MaxRadiusKm     = 500.0

	// MaxImageBytes bounds a decoded evidence image.
	MaxImageBytes = 5 << 20
)

// User-facing reasons for failed transitions.
const (
	msgClaimConflict     = "Incident not found or already claimed/cleaned"
	msgCompleteConflict  = "Incident not found, not claimed by you, or already cleaned"
	msgNotClaimed        = "No claim found for this incident. Accept it before completing."
	msgClaimedByOther    = "Incident is claimed by another user"
	msgAlreadyCleaned    = "Incident is already cleaned"
	msgIncidentNotFound  = "Incident not found"
	msgImageRequired     = "image is required (base64 or URL)"
	msgAfterImageMissing = "imageAfter file (multipart) or imageAfterUrl is required"
	msgImageTooLarge     = "image exceeds 5 MiB"
	msgImageEmpty        = "image is empty"
	msgImageUnreadable   = "image could not be read"
)

// Transition names used in metrics.
const (
	transitionClaim    = "claim"
	transitionComplete = "complete"
)

// IncidentConfig carries the collaborators of an IncidentService. Store,
// Notifier and Metrics are optional.
type IncidentConfig struct {
	Incidents repository.IncidentRepository
	Store     storage.Store
	Notifier  realtime.Notifier
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// DefaultLocation is used for submissions without usable coordinates.
	DefaultLocation geo.Point
	// BaseURL makes evidence URLs in realtime payloads absolute.
	BaseURL string
	Clock   Clock
}

// IncidentService runs the incident lifecycle PENDING -> CLAIMED -> CLEANED.
type IncidentService struct {
	incidents       repository.IncidentRepository
	store           storage.Store
	notifier        realtime.Notifier
	metrics         *metrics.Metrics
	logger          *slog.Logger
	defaultLocation geo.Point
	baseURL         string
	now             Clock
}

func NewIncidentService(cfg IncidentConfig) *IncidentService {
	s := &IncidentService{
		incidents:       cfg.Incidents,
		store:           cfg.Store,
		notifier:        cfg.Notifier,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		defaultLocation: cfg.DefaultLocation,
		baseURL:         cfg.BaseURL,
		now:             cfg.Clock,
	}
	if s.notifier == nil {
		s.notifier = realtime.Discard
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = systemClock
	}
	return s
}

// SubmitInput is a detection reported by the ML pipeline.
type SubmitInput struct {
	// Image is either an http(s) URL, used as-is, or base64 image data
	// (optionally a data: URI) that is stored as new evidence.
	Image        string
	Lat, Lng     *float64
	LocationText string
}

// Submit creates a PENDING incident. Missing or NaN coordinates fall back to
// the configured default location.
func (s *IncidentService) Submit(ctx context.Context, in SubmitInput) (_ *model.Incident, err error) {
	ctx, span := startSpan(ctx, "Submit")
	defer func() { endSpan(span, err) }()

	image := strings.TrimSpace(in.Image)
	if image == "" {
		return nil, apperror.ValidationFailed("image", msgImageRequired)
	}

	location, defaulted, err := s.resolveLocation(in.Lat, in.Lng)
	if err != nil {
		return nil, err
	}

	imageURL := image
	if !strings.HasPrefix(image, "http") {
		imageURL, err = s.storeBase64(ctx, storage.PrefixIncidentBefore, image)
		if err != nil {
			return nil, err
		}
	}

	incident := &model.Incident{
		ImageBeforeURL: imageURL,
		Location:       &location,
		AddressText:    strings.TrimSpace(in.LocationText),
	}
	if err := s.incidents.Create(ctx, incident); err != nil {
		return nil, fmt.Errorf("creating incident: %w", err)
	}

	span.SetAttributes(attribute.String("incident.id", incident.ID), attribute.Bool("location.default", defaulted))
	s.metrics.IncidentSubmitted(defaulted)
	s.logger.Info("incident submitted",
		"id", incident.ID,
		"location", location.String(),
		"defaultLocation", defaulted,
	)
	s.publish(ctx, realtime.EventIncidentNew, incident)
	return incident, nil
}

func (s *IncidentService) resolveLocation(lat, lng *float64) (geo.Point, bool, error) {
	if lat == nil || lng == nil || math.IsNaN(*lat) || math.IsNaN(*lng) {
		return s.defaultLocation, true, nil
	}
	p, err := geo.NewPoint(*lng, *lat)
	if err != nil {
		return geo.Point{}, false, apperror.ValidationFailed("location", err.Error())
	}
	return p, false, nil
}

// storeBase64 decodes data and saves it as evidence under prefix.
func (s *IncidentService) storeBase64(ctx context.Context, prefix, data string) (string, error) {
	raw, err := decodeBase64Image(data)
	if err != nil {
		return "", apperror.ValidationFailed("image", err.Error())
	}
	return s.save(ctx, prefix, bytes.NewReader(raw), http.DetectContentType(raw))
}

func (s *IncidentService) save(ctx context.Context, prefix string, r io.Reader, contentType string) (string, error) {
	if s.store == nil {
		return "", apperror.Unavailable("evidence storage is not configured")
	}
	url, err := s.store.Save(ctx, prefix, r, contentType)
	if err != nil {
		return "", apperror.Storage("could not store evidence image", err)
	}
	return url, nil
}

// discard removes evidence stored for a transition that did not commit.
// Stores without storage.Remover keep the blob.
func (s *IncidentService) discard(ctx context.Context, url string) {
	rm, ok := s.store.(storage.Remover)
	if !ok {
		return
	}
	if err := rm.Remove(context.WithoutCancel(ctx), url); err != nil {
		s.logger.Warn("could not remove orphaned evidence", "url", url, "error", err)
	}
}

// readImage reads an uploaded image in full. Uploads over MaxImageBytes are
// rejected, never truncated.
func readImage(r io.Reader, field string) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r, MaxImageBytes+1))
	if err != nil {
		return nil, apperror.ValidationFailed(field, msgImageUnreadable)
	}
	switch {
	case len(raw) > MaxImageBytes:
		return nil, apperror.ValidationFailed(field, msgImageTooLarge)
	case len(raw) == 0:
		return nil, apperror.ValidationFailed(field, msgImageEmpty)
	}
	return raw, nil
}

func imageContentType(declared string, raw []byte) string {
	if declared != "" {
		return declared
	}
	return http.DetectContentType(raw)
}

// decodeBase64Image accepts raw standard or URL-safe base64, padded or not,
// with or without a "data:<type>;base64," prefix.
func decodeBase64Image(data string) ([]byte, error) {
	if rest, ok := strings.CutPrefix(data, "data:"); ok {
		_, payload, found := strings.Cut(rest, ",")
		if !found {
			return nil, errors.New("image data URI has no payload")
		}
		data = payload
	}
	data = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' {
			return -1
		}
		return r
	}, data)

	if base64.StdEncoding.DecodedLen(len(data)) > MaxImageBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", MaxImageBytes)
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if raw, err := enc.DecodeString(data); err == nil && len(raw) > 0 {
			return raw, nil
		}
	}
	return nil, errors.New("image is neither a URL nor valid base64")
}

// NearbyInput describes a discovery query. RadiusKm <= 0 means
// DefaultRadiusKm.
type NearbyInput struct {
	Lat, Lng float64
	RadiusKm float64
	Limit    int
}

// FindNearby returns PENDING incidents within the radius, nearest first.
// Incidents whose before-image has disappeared from storage are skipped.
func (s *IncidentService) FindNearby(ctx context.Context, in NearbyInput) (_ []model.Incident, err error) {
	ctx, span := startSpan(ctx, "FindNearby")
	defer func() { endSpan(span, err) }()

	center, err := geo.NewPoint(in.Lng, in.Lat)
	if err != nil {
		return nil, apperror.ValidationFailed("location", err.Error())
	}
	radius := in.RadiusKm
	if radius <= 0 || math.IsNaN(radius) {
		radius = DefaultRadiusKm
	}
	if radius > MaxRadiusKm {
		return nil, apperror.ValidationFailed("radiusKm", fmt.Sprintf("radiusKm must be at most %g", MaxRadiusKm))
	}

	found, err := s.incidents.FindNearby(ctx, repository.NearbyQuery{
		Center:       center,
		RadiusMeters: radius * 1000,
		Status:       model.StatusPending,
		Limit:        in.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("finding nearby incidents: %w", err)
	}

	if checker, ok := s.store.(storage.ExistenceChecker); ok {
		kept := found[:0]
		for _, inc := range found {
			if checker.Exists(ctx, inc.ImageBeforeURL) {
				kept = append(kept, inc)
			}
		}
		found = kept
	}

	span.SetAttributes(attribute.Int("incidents.returned", len(found)))
	s.metrics.NearbyReturned(len(found))
	return found, nil
}

// Claim moves a PENDING incident to CLAIMED by userID. Exactly one of any
// number of concurrent claimants succeeds; the others get apperror.ErrConflict.
func (s *IncidentService) Claim(ctx context.Context, incidentID, userID string) (_ *model.Incident, err error) {
	ctx, span := startSpan(ctx, "Claim")
	span.SetAttributes(attribute.String("incident.id", incidentID), attribute.String("user.id", userID))
	defer func() { endSpan(span, err) }()

	incident, err := s.incidents.Claim(ctx, incidentID, userID, s.now())
	if err != nil {
		if errors.Is(err, repository.ErrNotMatched) {
			s.metrics.Transition(transitionClaim, metrics.ResultConflict)
			s.logger.Info("claim rejected", "incident", incidentID, "user", userID)
			return nil, apperror.Conflict(msgClaimConflict)
		}
		s.metrics.Transition(transitionClaim, metrics.ResultError)
		return nil, fmt.Errorf("claiming incident: %w", err)
	}

	s.metrics.Transition(transitionClaim, metrics.ResultOK)
	s.logger.Info("incident claimed", "incident", incidentID, "user", userID)
	s.publish(ctx, realtime.EventIncidentUpdated, incident)
	return incident, nil
}

// CompleteInput is the after-cleanup evidence. Exactly one of ImageAfterURL
// or Image is expected; ImageAfterURL wins when both are set.
type CompleteInput struct {
	ImageAfterURL string
	Image         io.Reader
	ContentType   string
}

// Completion is the result of a successful Complete.
type Completion struct {
	Incident     *model.Incident
	Reward       *model.RewardTransaction
	PointsEarned int64
}

// Complete moves an incident CLAIMED by userID to CLEANED and awards
// model.CleaningPoints. The transition, the ledger entry and the user's
// totals are written together or not at all.
func (s *IncidentService) Complete(ctx context.Context, incidentID, userID string, in CompleteInput) (_ *Completion, err error) {
	ctx, span := startSpan(ctx, "Complete")
	span.SetAttributes(attribute.String("incident.id", incidentID), attribute.String("user.id", userID))
	defer func() { endSpan(span, err) }()

	afterURL := strings.TrimSpace(in.ImageAfterURL)
	uploaded := false
	switch {
	case afterURL != "":
	case in.Image != nil:
		raw, err := readImage(in.Image, "imageAfter")
		if err != nil {
			return nil, err
		}
		afterURL, err = s.save(ctx, storage.PrefixIncidentAfter, bytes.NewReader(raw), imageContentType(in.ContentType, raw))
		if err != nil {
			return nil, err
		}
		uploaded = true
	default:
		return nil, apperror.ValidationFailed("imageAfter", msgAfterImageMissing)
	}

	incident, reward, err := s.incidents.Complete(ctx, repository.CompleteParams{
		IncidentID:    incidentID,
		UserID:        userID,
		ImageAfterURL: afterURL,
		Points:        model.CleaningPoints,
		At:            s.now(),
	})
	if err != nil {
		if uploaded {
			s.discard(ctx, afterURL)
		}
		if errors.Is(err, repository.ErrNotMatched) || errors.Is(err, apperror.ErrConflict) {
			s.metrics.Transition(transitionComplete, metrics.ResultConflict)
			s.logger.Info("completion rejected", "incident", incidentID, "user", userID)
			return nil, s.explainCompleteFailure(ctx, incidentID, userID)
		}
		s.metrics.Transition(transitionComplete, metrics.ResultError)
		return nil, fmt.Errorf("completing incident: %w", err)
	}

	s.metrics.Transition(transitionComplete, metrics.ResultOK)
	s.metrics.PointsAwarded(reward.PointsEarned)
	s.logger.Info("incident completed",
		"incident", incidentID,
		"user", userID,
		"points", reward.PointsEarned,
	)
	s.publish(ctx, realtime.EventIncidentUpdated, incident)
	return &Completion{Incident: incident, Reward: reward, PointsEarned: reward.PointsEarned}, nil
}

// explainCompleteFailure reads the incident after a failed conditional
// transition to tell the caller why. The read never decides anything; the
// transition already failed.
func (s *IncidentService) explainCompleteFailure(ctx context.Context, incidentID, userID string) error {
	current, err := s.incidents.GetByID(ctx, incidentID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return apperror.Conflict(msgIncidentNotFound)
		}
		return apperror.Conflict(msgCompleteConflict)
	}
	switch {
	case current.Status == model.StatusPending:
		return apperror.NotFoundMessage(msgNotClaimed)
	case current.Status == model.StatusCleaned:
		return apperror.Conflict(msgAlreadyCleaned)
	case current.ClaimedBy != userID:
		return apperror.Conflict(msgClaimedByOther)
	}
	return apperror.Conflict(msgCompleteConflict)
}

// Decline acknowledges that userID skipped an incident. Nothing is stored:
// the incident stays PENDING and visible to everyone.
func (s *IncidentService) Decline(ctx context.Context, incidentID, userID string) error {
	s.logger.Debug("incident declined", "incident", incidentID, "user", userID)
	return nil
}

// ListClaimedBy returns the incidents userID has claimed, CLAIMED and
// CLEANED alike, newest first.
func (s *IncidentService) ListClaimedBy(ctx context.Context, userID string) (_ []model.Incident, err error) {
	ctx, span := startSpan(ctx, "ListClaimedBy")
	defer func() { endSpan(span, err) }()

	incidents, err := s.incidents.ListClaimedBy(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing claimed incidents: %w", err)
	}
	return incidents, nil
}

// publish notifies observers. Failures are logged and counted, never returned.
func (s *IncidentService) publish(ctx context.Context, event string, incident *model.Incident) {
	payload := incident.WithAbsoluteURLs(func(ref string) string {
		return storage.AbsoluteURL(s.baseURL, ref)
	})
	if err := s.notifier.Publish(ctx, event, payload); err != nil {
		s.metrics.PublishFailed(event)
		s.logger.Warn("publishing incident event failed", "event", event, "incident", incident.ID, "error", err)
	}
}
