package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"

	"github.com/SimplyPrint/pcsc-agent/internal/core"
	"github.com/SimplyPrint/pcsc-agent/internal/logging"
	"github.com/SimplyPrint/pcsc-agent/internal/service"
	"github.com/SimplyPrint/pcsc-agent/internal/settings"
	"github.com/SimplyPrint/pcsc-agent/pkg/pcsc"
)

// Version information (set via ldflags in production builds)
var (
	Version   = ""
	BuildTime = ""
	GitCommit = ""
)

func init() {
	// If version wasn't set via ldflags, this is a dev build
	if Version == "" {
		Version = "dev"
		if info, ok := debug.ReadBuildInfo(); ok {
			var vcsRevision, vcsTime string
			var vcsModified bool
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs.revision":
					vcsRevision = setting.Value
				case "vcs.time":
					vcsTime = setting.Value
				case "vcs.modified":
					vcsModified = setting.Value == "true"
				}
			}
			if vcsRevision != "" {
				shortCommit := vcsRevision
				if len(shortCommit) > 7 {
					shortCommit = shortCommit[:7]
				}
				GitCommit = vcsRevision
				Version = "dev-" + shortCommit
				if vcsModified {
					Version += "-dirty"
				}
			}
			if vcsTime != "" {
				BuildTime = vcsTime
			}
		}
	}
}

// Server serves the HTTP and WebSocket API on top of a core.Service.
type Server struct {
	svc      *core.Service
	origins  []string
	hub      *WSHub
	shutdown func()

	// Autostart manages the login item; nil disables /v1/autostart.
	Autostart service.Service
}

// NewServer creates a server for svc. origins lists the browser origins
// allowed to call the API; "*" allows any.
func NewServer(svc *core.Service, origins []string) *Server {
	s := &Server{
		svc:       svc,
		origins:   origins,
		Autostart: service.New(),
	}
	s.hub = NewWSHub()
	go s.hub.Run()
	return s
}

// SetShutdownHandler sets the callback for shutdown requests
func (s *Server) SetShutdownHandler(handler func()) {
	s.shutdown = handler
}

// Hub is the server's WebSocket hub.
func (s *Server) Hub() *WSHub { return s.hub }

// NewMux constructs and returns the HTTP mux for the API.
func (s *Server) NewMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/ws", s.handleWebSocket)
	mux.HandleFunc("/v1/readers", s.corsMiddleware(s.handleListReaders))
	mux.HandleFunc("/v1/readers/", s.corsMiddleware(s.handleReaderRoutes))
	mux.HandleFunc("/v1/version", s.corsMiddleware(handleVersion))
	mux.HandleFunc("/v1/health", s.corsMiddleware(s.handleHealth))
	mux.HandleFunc("/v1/logs", s.corsMiddleware(handleLogs))
	mux.HandleFunc("/v1/crashes", s.corsMiddleware(handleCrashes))
	mux.HandleFunc("/v1/settings", s.corsMiddleware(handleSettings))
	mux.HandleFunc("/v1/shutdown", s.corsMiddleware(s.handleShutdown))
	mux.HandleFunc("/v1/autostart", s.corsMiddleware(s.handleAutostart))
	return mux
}

// recoveryMiddleware catches panics and logs them to crash files.
func recoveryMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				context := fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path)

				logging.CapturePanic(rec, stack, context)
				logging.Error(logging.CatHTTP, fmt.Sprintf("PANIC in %s: %v", context, rec), map[string]any{
					"panic":  fmt.Sprintf("%v", rec),
					"stack":  string(stack),
					"method": r.Method,
					"path":   r.URL.Path,
				})

				crashFile, err := logging.WriteCrashLog(rec, stack)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
					crashFile = ""
				}
				fmt.Fprintf(os.Stderr, "\n=== PANIC in %s ===\n%v\n\nStack trace:\n%s\n", context, rec, string(stack))

				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error":     "internal server error",
					"crashFile": crashFile,
				})
			}
		}()
		next(w, r)
	}
}

// originAllowed reports whether a browser origin may use the API. Requests
// without an Origin header come from local tools and are always allowed.
func originAllowed(allowed []string, origin string) bool {
	if origin == "" || slices.Contains(allowed, "*") {
		return true
	}
	return slices.Contains(allowed, origin)
}

// corsMiddleware adds CORS headers for the configured origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if !originAllowed(s.origins, origin) {
			logging.Warn(logging.CatHTTP, "Request from disallowed origin", map[string]any{
				"origin": origin,
				"path":   r.URL.Path,
			})
			respondJSON(w, http.StatusForbidden, map[string]string{
				"error": "origin not allowed",
			})
			return
		}

		if slices.Contains(s.origins, "*") {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		recoveryMiddleware(next)(w, r)
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // Error logged but not returned (header already sent)
}

// errorBody is the JSON shape of a failed request.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Code  string `json:"code,omitempty"`
}

func newErrorBody(err error) errorBody {
	body := errorBody{Error: err.Error()}
	var pe *pcsc.Error
	if errors.As(err, &pe) {
		body.Kind = pe.Kind().String()
		body.Code = pe.Code().String()
	}
	return body
}

// statusFor maps a service error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrReaderNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidAPDU):
		return http.StatusBadRequest
	}

	kind, ok := pcsc.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case pcsc.KindNoSmartcard, pcsc.KindRemovedCard, pcsc.KindUnknownReader, pcsc.KindReaderUnavailable:
		return http.StatusNotFound
	case pcsc.KindSharingViolation, pcsc.KindResetCard, pcsc.KindNotTransacted:
		return http.StatusConflict
	case pcsc.KindInvalidParameter, pcsc.KindInvalidValue, pcsc.KindProtoMismatch:
		return http.StatusBadRequest
	case pcsc.KindUnsupportedFeature, pcsc.KindReaderUnsupported, pcsc.KindUnsupportedCard:
		return http.StatusNotImplemented
	case pcsc.KindTimeout:
		return http.StatusGatewayTimeout
	case pcsc.KindNoService, pcsc.KindServiceStopped, pcsc.KindNoReadersAvailable, pcsc.KindShutdown:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, statusFor(err), newErrorBody(err))
}

func (s *Server) handleListReaders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	readers, err := s.svc.ListReaders()
	if err != nil {
		logging.Warn(logging.CatHTTP, "Listing readers failed", map[string]any{"error": err.Error()})
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, readers)
}

func (s *Server) handleReaderRoutes(w http.ResponseWriter, r *http.Request) {
	// Parse path: /v1/readers/{index}/...
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid path",
		})
		return
	}

	readerIndex, err := strconv.Atoi(parts[2])
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid reader index",
		})
		return
	}

	readerName, err := s.svc.ReaderName(readerIndex)
	if err != nil {
		respondError(w, err)
		return
	}

	if len(parts) < 4 {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "missing endpoint (e.g., /card, /transmit, /control)",
		})
		return
	}

	switch parts[3] {
	case "card":
		s.handleReaderCard(w, r, readerName)
	case "transmit":
		s.handleTransmit(w, r, readerName)
	case "control":
		s.handleControl(w, r, readerName)
	case "attributes":
		s.handleAttribute(w, r, readerName, parts)
	default:
		respondJSON(w, http.StatusNotFound, map[string]string{
			"error": "unknown endpoint",
		})
	}
}

func (s *Server) handleReaderCard(w http.ResponseWriter, r *http.Request, readerName string) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	card, err := s.svc.CardInfo(readerName)
	if err != nil {
		logging.Debug(logging.CatHTTP, "Card read failed", map[string]any{
			"reader": readerName,
			"error":  err.Error(),
		})
		respondError(w, err)
		return
	}
	logging.Info(logging.CatCard, "Card read", map[string]any{
		"reader": readerName,
		"uid":    card.UID,
		"atr":    card.ATR,
	})
	respondJSON(w, http.StatusOK, card)
}

// hexRequest is the body of the transmit and control endpoints.
type hexRequest struct {
	Data string `json:"data"`
	Code uint32 `json:"code,omitempty"`
}

func decodeHexRequest(r *http.Request) (hexRequest, []byte, error) {
	var req hexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, nil, errors.New("invalid request body")
	}
	data, err := hex.DecodeString(strings.ReplaceAll(req.Data, " ", ""))
	if err != nil {
		return req, nil, errors.New("data must be a hex string")
	}
	return req, data, nil
}

func (s *Server) handleTransmit(w http.ResponseWriter, r *http.Request, readerName string) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	_, apdu, err := decodeHexRequest(r)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	rsp, err := s.svc.Transmit(readerName, apdu)
	if err != nil {
		logging.Debug(logging.CatHTTP, "Transmit failed", map[string]any{
			"reader": readerName,
			"error":  err.Error(),
		})
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, core.NewResponse(rsp))
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request, readerName string) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	req, data, err := decodeHexRequest(r)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	out, err := s.svc.Control(readerName, req.Code, data)
	if err != nil {
		respondError(w, err)
		return
	}
	logging.Info(logging.CatReader, "Control command sent", map[string]any{
		"reader": readerName,
		"code":   req.Code,
	})
	respondJSON(w, http.StatusOK, map[string]string{
		"data": hex.EncodeToString(out),
	})
}

// handleAttribute serves GET /v1/readers/{n}/attributes/{name}.
func (s *Server) handleAttribute(w http.ResponseWriter, r *http.Request, readerName string, parts []string) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if len(parts) < 5 {
		names := pcsc.AttributeNames()
		slices.Sort(names)
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"attributes": names,
		})
		return
	}

	attr, ok := pcsc.ParseAttribute(parts[4])
	if !ok {
		respondJSON(w, http.StatusNotFound, map[string]string{
			"error": "unknown attribute: " + parts[4],
		})
		return
	}

	val, err := s.svc.Attribute(readerName, attr)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"name": attr.String(),
		"data": hex.EncodeToString(val),
	})
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	})
}

// health reports whether the context is usable and how many readers are
// visible. cardLocking turns false once the driver refused a transaction.
func (s *Server) health() (int, map[string]interface{}) {
	body := map[string]interface{}{
		"status":         "ok",
		"driver":         s.svc.DriverName(),
		"cardLocking":    s.svc.CardLocking(),
		"crashReporting": logging.SentryEnabled(),
	}
	if err := s.svc.Healthy(); err != nil {
		body["status"] = "unavailable"
		body["error"] = err.Error()
		return http.StatusServiceUnavailable, body
	}
	names, err := s.svc.ReaderNames()
	if err != nil {
		body["status"] = "degraded"
		body["error"] = err.Error()
		return http.StatusOK, body
	}
	body["readerCount"] = len(names)
	return http.StatusOK, body
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	status, body := s.health()
	respondJSON(w, status, body)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	if s.shutdown == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "shutdown not available",
		})
		return
	}

	logging.Info(logging.CatSystem, "Shutdown requested via API", nil)
	respondJSON(w, http.StatusOK, map[string]string{
		"success": "shutting down",
	})

	// Trigger shutdown after response is sent
	go s.shutdown()
}

func (s *Server) handleAutostart(w http.ResponseWriter, r *http.Request) {
	svc := s.Autostart
	if svc == nil {
		respondJSON(w, http.StatusNotImplemented, map[string]string{
			"error": "auto-start not available",
		})
		return
	}

	switch r.Method {
	case http.MethodGet:
		installed := svc.IsInstalled()
		status, _ := svc.Status()

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"enabled": installed,
			"status":  status,
		})

	case http.MethodPost:
		if svc.IsInstalled() {
			respondJSON(w, http.StatusOK, map[string]string{
				"success": "auto-start already enabled",
			})
			return
		}

		if err := svc.Install(); err != nil {
			logging.Error(logging.CatSystem, "Failed to enable auto-start", map[string]any{
				"error": err.Error(),
			})
			respondJSON(w, http.StatusInternalServerError, map[string]string{
				"error": err.Error(),
			})
			return
		}

		logging.Info(logging.CatSystem, "Auto-start enabled via API", nil)
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "auto-start enabled",
		})

	case http.MethodDelete:
		if !svc.IsInstalled() {
			respondJSON(w, http.StatusOK, map[string]string{
				"success": "auto-start already disabled",
			})
			return
		}

		if err := svc.Uninstall(); err != nil {
			logging.Error(logging.CatSystem, "Failed to disable auto-start", map[string]any{
				"error": err.Error(),
			})
			respondJSON(w, http.StatusInternalServerError, map[string]string{
				"error": err.Error(),
			})
			return
		}

		logging.Info(logging.CatSystem, "Auto-start disabled via API", nil)
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "auto-start disabled",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func handleLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()

		// Limit (default 100, max 1000)
		limit := 100
		if limitStr := query.Get("limit"); limitStr != "" {
			if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
				limit = min(l, 1000)
			}
		}

		var minLevel *logging.Level
		if l, ok := logging.ParseLevel(query.Get("level")); ok {
			minLevel = &l
		}

		var category *logging.Category
		if catStr := query.Get("category"); catStr != "" {
			c := logging.Category(catStr)
			category = &c
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"entries": logging.Get().GetEntries(limit, minLevel, category),
			"stats":   logging.Get().Stats(),
		})

	case http.MethodDelete:
		logging.Get().Clear()
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "logs cleared",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func handleCrashes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()

	if filename := query.Get("file"); filename != "" {
		content, err := logging.ReadCrashLog(filename)
		if err != nil {
			respondJSON(w, http.StatusNotFound, map[string]string{
				"error": "crash log not found: " + err.Error(),
			})
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"filename": filename,
			"content":  content,
		})
		return
	}

	limit := 20
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = min(l, 100)
		}
	}

	logs, err := logging.GetCrashLogs(limit)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list crash logs: " + err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"crashes":  logs,
		"crashDir": logging.CrashLogDir(),
	})
}

// handleSettings handles GET and POST requests for user settings.
func handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		respondJSON(w, http.StatusOK, settings.Get())

	case http.MethodPost:
		var req struct {
			CrashReporting *bool     `json:"crashReporting"`
			HiddenReaders  *[]string `json:"hiddenReaders"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid request body: " + err.Error(),
			})
			return
		}

		if req.CrashReporting != nil {
			if err := settings.SetCrashReporting(*req.CrashReporting); err != nil {
				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error": "failed to save settings: " + err.Error(),
				})
				return
			}
		}
		if req.HiddenReaders != nil {
			if err := settings.SetHiddenReaders(*req.HiddenReaders); err != nil {
				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error": "failed to save settings: " + err.Error(),
				})
				return
			}
		}

		s := settings.Get()
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"crashReporting": s.CrashReporting,
			"hiddenReaders":  s.HiddenReaders,
			"message":        "Settings updated. Crash reporting changes take effect after a restart.",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}
