package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/auth"
	"identity-service/internal/models"
	"identity-service/internal/service"
	"identity-service/internal/util"
)

// AccountHandler serves the /users endpoints.
type AccountHandler struct {
	accounts *service.AccountService
	logger   *zap.Logger
}

func NewAccountHandler(accounts *service.AccountService, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{
		accounts: accounts,
		logger:   logger,
	}
}

// RegisterRoutes mounts the account routes. OptionalAuth must already be
// installed on router.
func (h *AccountHandler) RegisterRoutes(router chi.Router) {
	router.Route("/users", func(r chi.Router) {
		// Public routes
		r.Get("/check-email", h.CheckEmail)
		r.Post("/register", h.Register)
		r.Post("/verify-otp", h.VerifyOTP)
		r.Post("/resend-otp", h.ResendOTP)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(RequireAuth(h.logger))

			r.Get("/me", h.GetMe)
			r.Patch("/me", h.UpdateMe)
			r.Post("/change-password", h.ChangePassword)

			// Administrative operations
			r.Group(func(r chi.Router) {
				r.Use(AllowRoles(h.logger, models.RoleAdmin))
				r.Get("/{id}", h.GetByID)
				r.Patch("/{id}", h.AdminUpdate)
			})
		})
	})
}

func (h *AccountHandler) CheckEmail(w http.ResponseWriter, r *http.Request) {
	result, err := h.accounts.CheckEmailAvailability(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}
	respondSuccess(w, r, http.StatusOK, result.Message, result)
}

func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req service.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}

	result, err := h.accounts.Register(r.Context(), req)
	if err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}

	respondSuccess(w, r, http.StatusCreated,
		"Registration successful. Please check your email for the verification code.", result)
	h.logger.Info("Registration accepted via HTTP",
		util.Email("email", result.Email),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Register"),
	)
}

func (h *AccountHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req service.VerifyOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}

	result, err := h.accounts.VerifyOTP(r.Context(), req)
	if err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}
	respondSuccess(w, r, http.StatusOK, "Email verified successfully", result)
}

func (h *AccountHandler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	var req service.ResendOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}

	result, err := h.accounts.ResendOTP(r.Context(), req)
	if err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}
	respondSuccess(w, r, http.StatusOK, "A new verification code has been sent to your email", result)
}

func (h *AccountHandler) Login(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req service.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}

	result, err := h.accounts.Login(r.Context(), req)
	if err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}

	respondSuccess(w, r, http.StatusOK, "Login successful", result)
	h.logger.Info("User logged in via HTTP",
		util.String("user_id", result.User.ID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Login"),
	)
}

func (h *AccountHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	account, err := h.accounts.GetByID(r.Context(), id.AccountID)
	if err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}
	respondSuccess(w, r, http.StatusOK, "User fetched successfully", account)
}

// UpdateMe decodes into a ProfilePatch, which drops email, password, role
// and verification fields sent by the client.
func (h *AccountHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var patch models.ProfilePatch
	if err := decodeJSON(w, r, &patch); err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}

	account, err := h.accounts.UpdateProfile(r.Context(), id.AccountID, patch)
	if err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}
	respondSuccess(w, r, http.StatusOK, "Profile updated successfully", account)
}

func (h *AccountHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var req service.ChangePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}

	if err := h.accounts.ChangePassword(r.Context(), id.AccountID, req); err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}
	respondSuccess(w, r, http.StatusOK, "Password changed successfully", nil)
}

func (h *AccountHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	accountID, err := pathAccountID(r)
	if err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}

	account, err := h.accounts.GetByID(r.Context(), accountID)
	if err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}
	respondSuccess(w, r, http.StatusOK, "User fetched successfully", account)
}

func (h *AccountHandler) AdminUpdate(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())
	accountID, err := pathAccountID(r)
	if err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}

	var patch models.AdminPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}

	account, err := h.accounts.AdminUpdate(r.Context(), actor.AccountID, accountID, patch)
	if err != nil {
		respondWithError(w, r, h.logger, err)
		return
	}
	respondSuccess(w, r, http.StatusOK, "User updated successfully", account)
}

func pathAccountID(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", service.Validation(map[string]string{"id": "Invalid user ID format"})
	}
	return id.String(), nil
}
