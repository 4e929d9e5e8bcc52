package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/zenazn/goji/web"
	"github.com/zenazn/goji/web/middleware"

	"github.com/janelia-flyem/voxflow/array5d"
	"github.com/janelia-flyem/voxflow/voxflow"
)

const (
	// WebAPIPath is the prefix of all HTTP API calls.
	WebAPIPath = "/api/"

	// ArrowStreamType selects an arrow IPC stream reply for feature requests.
	ArrowStreamType = "application/vnd.apache.arrow.stream"

	// Headers describing raw array replies and uploads.
	IntervalHeader = "X-Voxflow-Interval"
	DTypeHeader    = "X-Voxflow-Dtype"
)

func (s *Service) initRoutes() {
	mux := web.New()
	mux.Use(middleware.RequestID)
	mux.Use(logHTTPRequests)
	mux.Use(middleware.Recoverer)

	mux.Get("/api/status", s.statusHandler)
	mux.Get("/metrics", promhttp.Handler())

	mux.Post("/api/volume/:name", s.putVolumeHandler)
	mux.Get("/api/volume/:name/info", s.volumeInfoHandler)
	mux.Get("/api/volume/:name/roi/:slice", s.getVolumeHandler)
	mux.Post("/api/volume/:name/freeze", s.freezeHandler)

	mux.Post("/api/labels/:name", s.createLabelsHandler)
	mux.Get("/api/labels/:name/roi/:slice", s.getLabelsHandler)
	mux.Post("/api/labels/:name/roi/:slice", s.writeLabelsHandler)
	mux.Post("/api/labels/:name/save/:alias", s.saveLabelsHandler)
	mux.Post("/api/labels/:name/load/:alias", s.loadLabelsHandler)

	mux.Post("/api/rag/:labels/:values/features", s.featuresHandler)
	mux.Post("/api/rag/:labels/:values/save/:alias", s.saveRagHandler)

	mux.NotFound(notFound)
	mux.Compile()

	s.handler = cors.Default().Handler(mux)
}

// ServeHTTP serves the API, allowing cross-origin requests.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Serve listens on the configured address until the server fails.
func (s *Service) Serve() error {
	addr := s.cfg.Server.HTTPAddress
	if addr == "" {
		addr = DefaultWebAddress
	}
	voxflow.Infof("Web server listening at %s ...\n", addr)
	return http.ListenAndServe(addr, s)
}

// logHTTPRequests logs the elapsed time of each request.
func logHTTPRequests(c *web.C, h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		timedLog := voxflow.NewTimeLog()
		h.ServeHTTP(w, r)
		timedLog.Debugf("HTTP %s %s [%s]", r.Method, r.URL.Path, middleware.GetReqID(*c))
	}
	return http.HandlerFunc(fn)
}

func notFound(w http.ResponseWriter, r *http.Request) {
	errorMsg := fmt.Sprintf("could not find the URL: %s", r.URL.Path)
	voxflow.Infof("%s\n", errorMsg)
	http.Error(w, errorMsg, http.StatusNotFound)
}

// BadRequest writes an error message with a status chosen from the error kind, e.g.,
// 404 for unknown data and 400 for malformed requests.
func BadRequest(w http.ResponseWriter, r *http.Request, format interface{}, args ...interface{}) {
	var message string
	status := http.StatusBadRequest
	switch v := format.(type) {
	case string:
		message = fmt.Sprintf(v, args...)
	case error:
		message = v.Error()
		status = errorStatus(v)
	default:
		message = fmt.Sprintf("%v", v)
	}
	errorMsg := fmt.Sprintf("%s (%s).", message, r.URL.Path)
	voxflow.Errorf("%s\n", errorMsg)
	http.Error(w, errorMsg, status)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnknownData):
		return http.StatusNotFound
	case errors.Is(err, ErrDataExists), errors.Is(err, voxflow.ErrFrozen):
		return http.StatusConflict
	case errors.Is(err, voxflow.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, voxflow.ErrCancelled):
		return http.StatusRequestTimeout
	case errors.Is(err, voxflow.ErrBadFeatureName),
		errors.Is(err, voxflow.ErrUnsupportedFeature),
		errors.Is(err, voxflow.ErrShapeMismatch),
		errors.Is(err, voxflow.ErrAxisConstraint),
		errors.Is(err, voxflow.ErrOutOfBounds),
		errors.Is(err, voxflow.ErrEmptyIntersection),
		errors.Is(err, voxflow.ErrIncompatibleSlotType):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		voxflow.Errorf("Writing JSON reply to %s: %v\n", r.URL.Path, err)
	}
}

// writeArray replies with the raw little-endian buffer of an array.
func writeArray(w http.ResponseWriter, a *array5d.Array5D) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(IntervalHeader, a.Interval().String())
	w.Header().Set(DTypeHeader, a.DType().String())
	if _, err := w.Write(a.Data()); err != nil {
		voxflow.Errorf("Writing %s: %v\n", a, err)
	}
}

// decodeRequest validates a JSON body against a schema and decodes it into v.
func decodeRequest(r *http.Request, schema requestSchema, v interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if err := schema.validate(body); err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func (s *Service) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, s.Status())
}

func (s *Service) putVolumeHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	name := c.URLParams["name"]
	data, err := array5d.DecodeImage(r.Body)
	if err != nil {
		BadRequest(w, r, "unable to decode image for volume %q: %v", name, err)
		return
	}
	if err := s.PutVolume(name, data); err != nil {
		BadRequest(w, r, err)
		return
	}
	info, err := s.VolumeInfo(name)
	if err != nil {
		BadRequest(w, r, err)
		return
	}
	writeJSON(w, r, info)
}

func (s *Service) volumeInfoHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	info, err := s.VolumeInfo(c.URLParams["name"])
	if err != nil {
		BadRequest(w, r, err)
		return
	}
	writeJSON(w, r, info)
}

func (s *Service) getVolumeHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	roi, err := voxflow.ParseSlice5D(c.URLParams["slice"])
	if err != nil {
		BadRequest(w, r, "bad region %q: %v", c.URLParams["slice"], err)
		return
	}
	a, err := s.GetVolume(r.Context(), c.URLParams["name"], roi)
	if err != nil {
		BadRequest(w, r, err)
		return
	}
	writeArray(w, a)
}

func (s *Service) freezeHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	var req struct {
		Frozen bool `json:"frozen"`
	}
	if err := decodeRequest(r, freezeSchema, &req); err != nil {
		BadRequest(w, r, "bad freeze request: %v", err)
		return
	}
	name := c.URLParams["name"]
	if err := s.Freeze(name, req.Frozen); err != nil {
		BadRequest(w, r, err)
		return
	}
	info, err := s.VolumeInfo(name)
	if err != nil {
		BadRequest(w, r, err)
		return
	}
	writeJSON(w, r, info)
}

func (s *Service) createLabelsHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	var req struct {
		Volume string        `json:"volume"`
		DType  array5d.DType `json:"dtype"`
	}
	req.DType = array5d.Uint32
	if err := decodeRequest(r, labelsSchema, &req); err != nil {
		BadRequest(w, r, "bad label array request: %v", err)
		return
	}
	if err := s.CreateLabels(c.URLParams["name"], req.Volume, req.DType); err != nil {
		BadRequest(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Service) getLabelsHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	roi, err := voxflow.ParseSlice5D(c.URLParams["slice"])
	if err != nil {
		BadRequest(w, r, "bad region %q: %v", c.URLParams["slice"], err)
		return
	}
	a, err := s.GetLabels(r.Context(), c.URLParams["name"], roi)
	if err != nil {
		BadRequest(w, r, err)
		return
	}
	writeArray(w, a)
}

// writeLabelsHandler takes the raw buffer of the region in the URL.  Its dtype is given by
// the dtype header, defaulting to the label array's.
func (s *Service) writeLabelsHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	name := c.URLParams["name"]
	roi, err := voxflow.ParseSlice5D(c.URLParams["slice"])
	if err != nil || !roi.IsDefined() {
		BadRequest(w, r, "label writes need a fully defined region, got %q", c.URLParams["slice"])
		return
	}
	dtype, err := s.LabelDType(name)
	if err != nil {
		BadRequest(w, r, err)
		return
	}
	if h := r.Header.Get(DTypeHeader); h != "" {
		if dtype, err = array5d.ParseDType(h); err != nil {
			BadRequest(w, r, err)
			return
		}
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		BadRequest(w, r, err)
		return
	}
	data, err := array5d.FromBytes(body, dtype, roi)
	if err != nil {
		BadRequest(w, r, err)
		return
	}
	if err := s.WriteLabels(r.Context(), name, data); err != nil {
		BadRequest(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Service) saveLabelsHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	if err := s.SaveLabels(r.Context(), c.URLParams["name"], c.URLParams["alias"]); err != nil {
		BadRequest(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Service) loadLabelsHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	if err := s.LoadLabels(r.Context(), c.URLParams["name"], c.URLParams["alias"]); err != nil {
		BadRequest(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// featureReply is the JSON form of a feature table.
type featureReply struct {
	Columns []string    `json:"columns"`
	Rows    [][]float64 `json:"rows"`
}

func (s *Service) featuresHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	var req struct {
		Features []string `json:"features"`
	}
	if err := decodeRequest(r, featuresSchema, &req); err != nil {
		BadRequest(w, r, "bad feature request: %v", err)
		return
	}
	table, err := s.Features(r.Context(), c.URLParams["labels"], c.URLParams["values"], req.Features)
	if err != nil {
		BadRequest(w, r, err)
		return
	}
	if strings.Contains(r.Header.Get("Accept"), ArrowStreamType) {
		w.Header().Set("Content-Type", ArrowStreamType)
		if err := table.WriteArrowIPC(w); err != nil {
			voxflow.Errorf("Writing feature table to %s: %v\n", r.URL.Path, err)
		}
		return
	}
	reply := featureReply{
		Columns: append([]string{"sp1", "sp2"}, table.Columns...),
		Rows:    make([][]float64, table.NumRows()),
	}
	for i := range reply.Rows {
		reply.Rows[i] = append([]float64{float64(table.SP1[i]), float64(table.SP2[i])}, table.Row(i)...)
	}
	writeJSON(w, r, reply)
}

func (s *Service) saveRagHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	n, err := s.SaveRag(r.Context(), c.URLParams["labels"], c.URLParams["values"], c.URLParams["alias"])
	if err != nil {
		BadRequest(w, r, err)
		return
	}
	writeJSON(w, r, map[string]int{"edges": n})
}
