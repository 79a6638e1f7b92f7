// Package api is the import service's HTTP surface: import submission and
// status reads, the pub/sub push handler, and health.
package api

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	"google.golang.org/api/idtoken"

	"github.com/databiosphere/import-service/internal/admission"
	"github.com/databiosphere/import-service/internal/imperr"
	"github.com/databiosphere/import-service/internal/model"
	"github.com/databiosphere/import-service/internal/repo"
	"github.com/databiosphere/import-service/jsonrs"
	authsvc "github.com/databiosphere/import-service/services/auth"
	"github.com/databiosphere/import-service/services/bus"
	metasvc "github.com/databiosphere/import-service/services/meta"
)

type importStore interface {
	Create(ctx context.Context, imp *model.Import) error
	Get(ctx context.Context, id string) (model.Import, error)
	List(ctx context.Context, namespace, name string, runningOnly bool) ([]model.Import, error)
}

type userResolver interface {
	UserInfo(ctx context.Context, bearer string) (authsvc.UserInfo, error)
	Status(ctx context.Context) error
}

type workspaceResolver interface {
	Workspace(ctx context.Context, bearer, namespace, name string) (metasvc.Workspace, error)
	Status(ctx context.Context) error
}

type selfPublisher interface {
	PublishSelf(ctx context.Context, attrs bus.Attributes) error
}

type messageDispatcher interface {
	Dispatch(ctx context.Context, attrs bus.Attributes) int
}

// idTokenValidator verifies the push handler's bearer; a seam for tests.
type idTokenValidator func(ctx context.Context, token, audience string) (*idtoken.Payload, error)

// manifestFetcher retrieves a TDR manifest for the protected-source check.
type manifestFetcher func(ctx context.Context, url string) (*model.TDRManifest, error)

type Handler struct {
	logger logger.Logger
	stats  stats.Stats

	db         *sql.DB
	store      importStore
	admission  *admission.Policy
	auth       userResolver
	meta       workspaceResolver
	publisher  selfPublisher
	dispatcher messageDispatcher

	validateIDToken idTokenValidator
	fetchManifest   manifestFetcher
	now             func() time.Time

	pushToken    string
	pushAudience string
	pushAccount  string
}

func NewHandler(
	conf *config.Config,
	log logger.Logger,
	stat stats.Stats,
	db *sql.DB,
	store importStore,
	policy *admission.Policy,
	auth userResolver,
	meta workspaceResolver,
	publisher selfPublisher,
	dispatcher messageDispatcher,
) *Handler {
	return &Handler{
		logger:          log.Child("api"),
		stats:           stat,
		db:              db,
		store:           store,
		admission:       policy,
		auth:            auth,
		meta:            meta,
		publisher:       publisher,
		dispatcher:      dispatcher,
		validateIDToken: idtoken.Validate,
		fetchManifest:   fetchManifestHTTP,
		now:             time.Now,
		pushToken:       conf.GetString("ImportService.pubsub.pushToken", ""),
		pushAudience:    conf.GetString("ImportService.pubsub.pushAudience", ""),
		pushAccount:     conf.GetString("ImportService.pubsub.pushAccount", ""),
	}
}

// Router wires up the HTTP surface.
func (h *Handler) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Get("/health", h.healthHandler)
	mux.Post("/_ah/push-handlers/receive_messages", h.pushHandler)
	mux.Route("/{namespace}/{name}/imports", func(r chi.Router) {
		r.Post("/", h.submitHandler)
		r.Get("/", h.listHandler)
		r.Get("/{id}", h.getHandler)
	})
	return mux
}

type importRequest struct {
	Path     string `json:"path"`
	Filetype string `json:"filetype"`
	IsUpsert *bool  `json:"isUpsert"`
	Options  struct {
		TDRSyncPermissions bool `json:"tdrSyncPermissions"`
	} `json:"options"`
}

type importResponse struct {
	JobID    string `json:"jobId"`
	Filetype string `json:"filetype"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
}

func toResponse(imp model.Import) importResponse {
	return importResponse{
		JobID:    imp.ID,
		Filetype: imp.Filetype.String(),
		Status:   imp.Status.String(),
		Message:  imp.ErrorMessage,
	}
}

func (h *Handler) submitHandler(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()
	ctx := r.Context()
	namespace := chi.URLParam(r, "namespace")
	name := chi.URLParam(r, "name")
	bearer := r.Header.Get("Authorization")

	var payload importRequest
	if err := jsonrs.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, imperr.Wrap(imperr.BadJson, err, "request body is not a valid import request"))
		return
	}
	if payload.Path == "" {
		h.writeError(w, imperr.New(imperr.BadJson, "path is required"))
		return
	}
	filetype, ok := model.ParseFiletype(payload.Filetype)
	if !ok {
		h.writeError(w, imperr.New(imperr.InvalidFiletype, "filetype %q is not supported", payload.Filetype))
		return
	}

	user, err := h.auth.UserInfo(ctx, bearer)
	if err != nil {
		h.writeError(w, err)
		return
	}

	workspace, err := h.meta.Workspace(ctx, bearer, namespace, name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !workspace.CanWrite() {
		h.writeError(w, imperr.New(imperr.Authorization,
			"%s may not write to workspace %s/%s", user.Email, namespace, name))
		return
	}

	host, err := h.admission.AdmitURL(admission.User{Subject: user.Subject, Email: user.Email}, payload.Path, filetype)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if err := h.refuseProtectedMismatch(ctx, payload.Path, host, filetype, workspace); err != nil {
		h.writeError(w, err)
		return
	}

	isUpsert := true
	if payload.IsUpsert != nil {
		isUpsert = *payload.IsUpsert
	}

	imp := model.Import{
		ID:                     uuid.NewString(),
		WorkspaceNamespace:     namespace,
		WorkspaceName:          name,
		WorkspaceUUID:          workspace.UUID,
		WorkspaceGoogleProject: workspace.GoogleProject,
		Submitter:              user.Email,
		ImportURL:              payload.Path,
		Filetype:               filetype,
		IsUpsert:               isUpsert,
		IsTDRSyncRequired:      payload.Options.TDRSyncPermissions,
		Status:                 model.ImportStatusPending,
		SubmitTime:             h.now().UTC(),
	}
	if err := h.store.Create(ctx, &imp); err != nil {
		h.writeError(w, imperr.Wrap(imperr.System, err, "persisting import"))
		return
	}

	err = h.publisher.PublishSelf(ctx, bus.Attributes{
		"action":   "translate",
		"importId": imp.ID,
	})
	if err != nil {
		h.writeError(w, imperr.Wrap(imperr.System, err, "scheduling translation for import %s", imp.ID))
		return
	}

	h.stats.NewTaggedStat("imports_submitted", stats.CountType, stats.Tags{
		"filetype": filetype.String(),
	}).Increment()
	h.writeJSON(w, http.StatusCreated, toResponse(imp))
}

// refuseProtectedMismatch rejects protected sources headed for workspaces
// that cannot hold protected data.
func (h *Handler) refuseProtectedMismatch(ctx context.Context, path, host string, filetype model.Filetype, workspace metasvc.Workspace) error {
	if h.admission.WorkspaceProtected(workspace.AuthorizationDomains, workspace.BucketName) {
		return nil
	}

	switch filetype {
	case model.FiletypePFB:
		if h.admission.ProtectedHost(host) {
			return admission.RefuseProtected(host)
		}
	case model.FiletypeTDRExport:
		if strings.HasPrefix(path, "gs://") {
			// Object-storage manifests are reachable only through bucket IAM,
			// which already gates protected data.
			return nil
		}
		manifest, err := h.fetchManifest(ctx, path)
		if err != nil {
			return imperr.Wrap(imperr.InvalidPath, err, "fetching manifest to vet source")
		}
		for _, table := range manifest.Format.Parquet.Location.Tables {
			for _, parquetURL := range table.Paths {
				if h.admission.ProtectedParquetURL(parquetURL) {
					return admission.RefuseProtected(host)
				}
			}
		}
	}
	return nil
}

func (h *Handler) getHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := h.auth.UserInfo(ctx, r.Header.Get("Authorization")); err != nil {
		h.writeError(w, err)
		return
	}

	imp, err := h.store.Get(ctx, chi.URLParam(r, "id"))
	if errors.Is(err, repo.ErrNotFound) {
		h.writeError(w, imperr.New(imperr.NotFound, "import %s not found", chi.URLParam(r, "id")))
		return
	}
	if err != nil {
		h.writeError(w, imperr.Wrap(imperr.System, err, "reading import"))
		return
	}
	h.writeJSON(w, http.StatusOK, toResponse(imp))
}

func (h *Handler) listHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := h.auth.UserInfo(ctx, r.Header.Get("Authorization")); err != nil {
		h.writeError(w, err)
		return
	}

	_, runningOnly := r.URL.Query()["running_only"]
	imports, err := h.store.List(ctx, chi.URLParam(r, "namespace"), chi.URLParam(r, "name"), runningOnly)
	if err != nil {
		h.writeError(w, imperr.Wrap(imperr.System, err, "listing imports"))
		return
	}

	responses := make([]importResponse, 0, len(imports))
	for _, imp := range imports {
		responses = append(responses, toResponse(imp))
	}
	h.writeJSON(w, http.StatusOK, responses)
}

// pushEnvelope is the pub/sub push delivery body; only attributes matter.
type pushEnvelope struct {
	Message struct {
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
}

func (h *Handler) pushHandler(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()
	ctx := r.Context()

	if err := h.authenticatePush(ctx, r); err != nil {
		h.writeError(w, err)
		return
	}

	var envelope pushEnvelope
	if err := jsonrs.NewDecoder(r.Body).Decode(&envelope); err != nil {
		h.writeError(w, imperr.Wrap(imperr.BadJson, err, "push body is not a message envelope"))
		return
	}

	status := h.dispatcher.Dispatch(ctx, envelope.Message.Attributes)
	h.writeJSON(w, status, map[string]string{"status": http.StatusText(status)})
}

// authenticatePush verifies the shared token and the caller's Google ID
// token. Failures are deliberately vague: this endpoint is internet-facing.
func (h *Handler) authenticatePush(ctx context.Context, r *http.Request) error {
	badToken := imperr.New(imperr.BadPubSubToken, "request could not be authenticated")

	token := r.URL.Query().Get("token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.pushToken)) != 1 {
		return badToken
	}

	bearer := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(bearer) <= len(prefix) {
		return badToken
	}
	payload, err := h.validateIDToken(ctx, bearer[len(prefix):], h.pushAudience)
	if err != nil {
		h.logger.Warnf("push handler id token rejected: %v", err)
		return badToken
	}
	if payload.Issuer != "accounts.google.com" && payload.Issuer != "https://accounts.google.com" {
		return badToken
	}
	if email, _ := payload.Claims["email"].(string); email != h.pushAccount {
		return badToken
	}
	return nil
}

type healthResponse struct {
	OK         bool            `json:"ok"`
	Subsystems map[string]bool `json:"subsystems"`
}

func (h *Handler) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	health := healthResponse{Subsystems: map[string]bool{
		"db":   h.db.PingContext(ctx) == nil,
		"auth": h.auth.Status(ctx) == nil,
		"meta": h.meta.Status(ctx) == nil,
	}}
	health.OK = health.Subsystems["db"] && health.Subsystems["auth"] && health.Subsystems["meta"]

	h.writeJSON(w, http.StatusOK, health)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsonrs.NewEncoder(w).Encode(v); err != nil {
		h.logger.Errorf("writing response: %v", err)
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	ErrorID string `json:"errorId,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if e, ok := imperr.As(err); ok {
		if e.Kind == imperr.System {
			h.logger.Errorf("request failed (error id %s): %v", e.ErrorID, err)
		}
		h.writeJSON(w, e.HTTPStatus(), errorResponse{Error: e.Message, ErrorID: e.ErrorID})
		return
	}
	errorID := uuid.NewString()
	h.logger.Errorf("request failed with untyped error (error id %s): %v", errorID, err)
	h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", ErrorID: errorID})
}

// fetchManifestHTTP pulls a snapshot manifest over plain HTTP.
func fetchManifestHTTP(ctx context.Context, url string) (*model.TDRManifest, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("manifest fetch returned " + resp.Status)
	}

	var manifest model.TDRManifest
	if err := jsonrs.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return nil, err
	}
	return &manifest, nil
}
