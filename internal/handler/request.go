package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"mime/multipart"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/gangaguard/backend/internal/apperror"
	"github.com/gangaguard/backend/internal/storage"
)

const (
	// MaxJSONBody covers a base64-encoded 5MB image plus the envelope.
	MaxJSONBody = 8 << 20
	// MaxUploadBody bounds multipart evidence uploads.
	MaxUploadBody = 10 << 20
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report fields by their JSON names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationError turns validator output into a single client-facing
// apperror naming the first offending field.
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return apperror.ValidationFailed("", "invalid request")
	}
	fe := fieldErrs[0]
	field := fe.Field()

	var msg string
	switch fe.Tag() {
	case "required":
		msg = field + " is required"
	case "oneof":
		msg = fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "max":
		msg = fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "gte", "lte", "gt", "lt":
		msg = field + " is out of range"
	default:
		msg = field + " is invalid"
	}
	return apperror.ValidationFailed(field, msg)
}

// decodeBody fills dst from a JSON, urlencoded or multipart body and runs
// struct validation. Form values are mapped onto the JSON field names, so one
// request type serves every encoding the mobile client and ML service use.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "multipart/form-data":
		r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBody)
		if err := r.ParseMultipartForm(MaxUploadBody); err != nil {
			return apperror.ValidationFailed("", "invalid multipart body")
		}
		if err := formInto(r.MultipartForm.Value, dst); err != nil {
			return err
		}
	case "application/x-www-form-urlencoded":
		r.Body = http.MaxBytesReader(w, r.Body, MaxJSONBody)
		if err := r.ParseForm(); err != nil {
			return apperror.ValidationFailed("", "invalid form body")
		}
		if err := formInto(r.PostForm, dst); err != nil {
			return err
		}
	default:
		r.Body = http.MaxBytesReader(w, r.Body, MaxJSONBody)
		if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return apperror.ValidationFailed("", "request body too large")
			}
			return apperror.ValidationFailed("", "Invalid JSON body")
		}
	}

	if err := validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func formInto(values map[string][]string, dst any) error {
	flat := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			flat[k] = v[0]
		}
	}
	raw, err := json.Marshal(flat)
	if err != nil {
		return fmt.Errorf("re-encoding form: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperror.ValidationFailed("", "invalid form values")
	}
	return nil
}

// formFile returns the uploaded file named field from an already parsed
// multipart form, or nil when there is none. The caller closes it.
func formFile(r *http.Request, field string) (multipart.File, string, error) {
	if r.MultipartForm == nil {
		return nil, "", nil
	}
	f, hdr, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", apperror.ValidationFailed(field, "invalid "+field+" upload")
	}
	return f, hdr.Header.Get("Content-Type"), nil
}

// flexFloat accepts a JSON number, a numeric string or null, since detectors
// and form posts send coordinates either way. Unparseable strings become NaN
// and are treated like missing values downstream.
type flexFloat struct {
	Value *float64
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		f.Value = nil
		return nil
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unquoted)
		if s == "" {
			f.Value = nil
			return nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		nan := math.NaN()
		f.Value = &nan
		return nil
	}
	f.Value = &v
	return nil
}

// baseURL is the scheme and host the client used to reach us.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

// absolute resolves a stored evidence reference for the requesting client.
func absolute(r *http.Request, ref string) string {
	return storage.AbsoluteURL(baseURL(r), ref)
}
