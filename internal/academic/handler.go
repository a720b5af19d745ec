package academic

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/acadledger/acadledger/internal/aggregator"
	"github.com/acadledger/acadledger/internal/contracts"
	"github.com/acadledger/acadledger/internal/platform/httpx"
	"github.com/acadledger/acadledger/internal/shared"
)

// Handler exposes the academic operations as a JSON API.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers the API routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	// Every attempt runs a full key derivation.
	loginLimiter := httprate.Limit(20, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "too many sign-in attempts")
		}),
	)

	r.Group(func(gr chi.Router) {
		gr.Use(loginLimiter)
		gr.Post("/sessions", h.handleLogin)
		gr.Post("/universities", h.handleRegisterUniversity)
		gr.Post("/employers", h.handleRegisterEmployer)
	})
	r.Post("/accounts/predict", h.handlePredict)
	r.Get("/students/{student}/access/{counterpart}", h.handleVerify)

	r.Group(func(gr chi.Router) {
		gr.Use(h.requireSession)
		gr.Get("/sessions/current", h.handleCurrentSession)
		gr.Delete("/sessions/current", h.handleLogout)
		gr.Post("/students", h.handleRegisterStudent)

		gr.Post("/students/{student}/access-requests", h.handleRequestAccess)
		gr.Get("/permissions", h.handlePermissions)
		gr.Post("/permissions/grants", h.handleGrant)
		gr.Post("/permissions/denials", h.handleDeny)
		gr.Delete("/permissions/grants/{counterpart}", h.handleRevoke)

		gr.Post("/students/{student}/enrollments", h.handleEnroll)
		gr.Post("/students/{student}/evaluations", h.handleEvaluate)
		gr.Get("/students/{student}/profile", h.handleStudentInfo)
		gr.Get("/students/{student}/results", h.handleResults)
	})
}

func (h *Handler) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			httpx.RespondError(w, &Error{Op: "authenticate", Message: "please sign in", cause: shared.ErrUnauthenticated})
			return
		}
		sess, err := h.service.Sessions().Get(token)
		if err != nil {
			httpx.RespondError(w, &Error{Op: "authenticate", Message: "please sign in again", cause: err})
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), sess)))
	})
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpx.Status(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger.Error("academic: request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func invalid(op, message string) error {
	return &Error{Op: op, Message: "invalid input: " + message, cause: shared.ErrValidation}
}

func addressParam(r *http.Request, name string) (common.Address, error) {
	raw := chi.URLParam(r, name)
	if !common.IsHexAddress(raw) {
		return common.Address{}, invalid("parse request", name+" must be a hex address")
	}
	return common.HexToAddress(raw), nil
}

type sessionResponse struct {
	Token     string    `json:"token"`
	Kind      string    `json:"kind"`
	Account   string    `json:"account"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func toSessionResponse(sess *Session) sessionResponse {
	return sessionResponse{
		Token:     sess.Token,
		Kind:      sess.Kind.String(),
		Account:   sess.Account.Hex(),
		Owner:     sess.Identity.Address().Hex(),
		ExpiresAt: sess.ExpiresAt,
	}
}

type loginRequest struct {
	Credentials
	Kind string `json:"kind"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, invalid("login", "malformed request body"))
		return
	}
	kind := KindAuto
	if strings.TrimSpace(req.Kind) != "" && req.Kind != "auto" {
		parsed, err := contracts.ParseKind(req.Kind)
		if err != nil {
			h.respondError(w, r, invalid("login", err.Error()))
			return
		}
		kind = parsed
	}
	sess, err := h.service.Login(r.Context(), req.Credentials, kind)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toSessionResponse(sess))
}

func (h *Handler) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, toSessionResponse(SessionFromContext(r.Context())))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.service.Logout(SessionFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

type registerUniversityRequest struct {
	Credentials
	UniversityProfile
}

func (h *Handler) handleRegisterUniversity(w http.ResponseWriter, r *http.Request) {
	var req registerUniversityRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, invalid("register university", "malformed request body"))
		return
	}
	sess, err := h.service.RegisterUniversity(r.Context(), req.Credentials, req.UniversityProfile)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toSessionResponse(sess))
}

type registerEmployerRequest struct {
	Credentials
	EmployerProfile
}

func (h *Handler) handleRegisterEmployer(w http.ResponseWriter, r *http.Request) {
	var req registerEmployerRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, invalid("register employer", "malformed request body"))
		return
	}
	sess, err := h.service.RegisterEmployer(r.Context(), req.Credentials, req.EmployerProfile)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toSessionResponse(sess))
}

type registerStudentRequest struct {
	Credentials
	StudentProfile
}

type accountResponse struct {
	Account string `json:"account"`
}

func (h *Handler) handleRegisterStudent(w http.ResponseWriter, r *http.Request) {
	var req registerStudentRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, invalid("register student", "malformed request body"))
		return
	}
	student, err := h.service.RegisterStudent(r.Context(), SessionFromContext(r.Context()), req.Credentials, req.StudentProfile)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, accountResponse{Account: student.Hex()})
}

type predictRequest struct {
	Kind    string   `json:"kind"`
	Owner   string   `json:"owner"`
	Profile []string `json:"profile"`
}

func (h *Handler) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, invalid("predict address", "malformed request body"))
		return
	}
	kind, err := contracts.ParseKind(req.Kind)
	if err != nil {
		h.respondError(w, r, invalid("predict address", err.Error()))
		return
	}
	if !common.IsHexAddress(req.Owner) {
		h.respondError(w, r, invalid("predict address", "owner must be a hex address"))
		return
	}
	if len(req.Profile) != kind.ProfileFields() {
		h.respondError(w, r, invalid("predict address", "profile needs "+strconv.Itoa(kind.ProfileFields())+" fields"))
		return
	}
	addr := contracts.PredictAddress(kind, common.HexToAddress(req.Owner), req.Profile, [32]byte{})
	httpx.JSON(w, http.StatusOK, accountResponse{Account: addr.Hex()})
}

type roleRequest struct {
	Counterpart string `json:"counterpart"`
	Role        string `json:"role"`
}

func parseRoleRequest(op string, req roleRequest) (common.Address, contracts.Role, error) {
	if !common.IsHexAddress(req.Counterpart) {
		return common.Address{}, contracts.RoleNone, invalid(op, "counterpart must be a hex address")
	}
	role, err := contracts.ParseRole(req.Role)
	if err != nil {
		return common.Address{}, contracts.RoleNone, invalid(op, err.Error())
	}
	return common.HexToAddress(req.Counterpart), role, nil
}

func (h *Handler) handleRequestAccess(w http.ResponseWriter, r *http.Request) {
	student, err := addressParam(r, "student")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req struct {
		Role string `json:"role"`
	}
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, invalid("request access", "malformed request body"))
		return
	}
	role, err := contracts.ParseRole(req.Role)
	if err != nil {
		h.respondError(w, r, invalid("request access", err.Error()))
		return
	}
	if err := h.service.RequestAccess(r.Context(), SessionFromContext(r.Context()), student, role); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type permissionView struct {
	Counterpart string `json:"counterpart"`
	Role        string `json:"role"`
}

func toPermissionViews(entries []Permission) []permissionView {
	out := make([]permissionView, len(entries))
	for i, e := range entries {
		out[i] = permissionView{Counterpart: e.Counterpart.Hex(), Role: e.Role.String()}
	}
	return out
}

func (h *Handler) handlePermissions(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.RefreshPermissions(r.Context(), SessionFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string][]permissionView{
		"pending": toPermissionViews(state.Pending),
		"granted": toPermissionViews(state.Granted),
	})
}

func (h *Handler) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, invalid("grant access", "malformed request body"))
		return
	}
	counterpart, role, err := parseRoleRequest("grant access", req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.service.Grant(r.Context(), SessionFromContext(r.Context()), counterpart, role); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDeny(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, invalid("deny access", "malformed request body"))
		return
	}
	counterpart, role, err := parseRoleRequest("deny access", req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.service.Deny(r.Context(), SessionFromContext(r.Context()), counterpart, role); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	counterpart, err := addressParam(r, "counterpart")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.service.Revoke(r.Context(), SessionFromContext(r.Context()), counterpart); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	student, err := addressParam(r, "student")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	counterpart, err := addressParam(r, "counterpart")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	role, err := h.service.Verify(r.Context(), student, counterpart)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"role": role.String()})
}

type batchFailureView struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type batchResponse struct {
	Succeeded int                `json:"succeeded"`
	Failures  []batchFailureView `json:"failures"`
}

func toBatchResponse[T any](res BatchResult[T]) batchResponse {
	out := batchResponse{Succeeded: len(res.Successes), Failures: make([]batchFailureView, len(res.Failures))}
	for i, f := range res.Failures {
		out.Failures[i] = batchFailureView{Index: f.Index, Error: f.Err.Error()}
	}
	return out
}

func batchStatus(succeeded, failed int) int {
	switch {
	case failed == 0:
		return http.StatusOK
	case succeeded == 0:
		return http.StatusUnprocessableEntity
	}
	return http.StatusMultiStatus
}

func (h *Handler) handleEnroll(w http.ResponseWriter, r *http.Request) {
	student, err := addressParam(r, "student")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req struct {
		Enrollments []Enrollment `json:"enrollments"`
	}
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, invalid("enroll", "malformed request body"))
		return
	}
	res, err := h.service.EnrollMany(r.Context(), SessionFromContext(r.Context()), student, req.Enrollments)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, batchStatus(len(res.Successes), len(res.Failures)), toBatchResponse(res))
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	student, err := addressParam(r, "student")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req struct {
		Evaluations []Evaluation `json:"evaluations"`
	}
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, invalid("evaluate", "malformed request body"))
		return
	}
	res, err := h.service.EvaluateMany(r.Context(), SessionFromContext(r.Context()), student, req.Evaluations)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, batchStatus(len(res.Successes), len(res.Failures)), toBatchResponse(res))
}

func (h *Handler) handleStudentInfo(w http.ResponseWriter, r *http.Request) {
	student, err := addressParam(r, "student")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	profile, err := h.service.StudentInfo(r.Context(), SessionFromContext(r.Context()), student)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, profile)
}

type resultsResponse struct {
	Results    []aggregator.DisplayResult `json:"results"`
	Unresolved []batchFailureView         `json:"unresolved,omitempty"`
}

func (h *Handler) handleResults(w http.ResponseWriter, r *http.Request) {
	student, err := addressParam(r, "student")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	opts := aggregator.Options{RequireComplete: r.URL.Query().Get("complete") == "true"}
	results, failures, err := h.service.HydratedResults(r.Context(), SessionFromContext(r.Context()), student, opts)
	if err != nil {
		var failure aggregator.Failure
		if errors.As(err, &failure) {
			h.respondError(w, r, &Error{Op: "read results", Message: "some results reference an unknown university", cause: err})
			return
		}
		h.respondError(w, r, err)
		return
	}
	resp := resultsResponse{Results: results}
	for _, f := range failures {
		resp.Unresolved = append(resp.Unresolved, batchFailureView{Index: f.Index, Error: "unknown university " + f.Result.University.Hex()})
	}
	httpx.JSON(w, http.StatusOK, resp)
}
