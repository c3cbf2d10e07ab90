package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/labstack/echo/v4"

	"github.com/phelinki/smor-ting-sub004/internal/errs"
	"github.com/phelinki/smor-ting-sub004/internal/model"
)

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// writeError maps service errors onto stable wire codes. Auth-terminal codes
// (expired, revoked, reused) are distinguishable so clients can pick the
// right recovery path.
func writeError(c echo.Context, err error) error {
	var status int
	var code string
	switch {
	case errors.Is(err, errs.ErrTokenReused):
		status, code = http.StatusUnauthorized, "token_reused"
	case errors.Is(err, errs.ErrSessionRevoked):
		status, code = http.StatusUnauthorized, "session_revoked"
	case errors.Is(err, errs.ErrTokenExpired):
		status, code = http.StatusUnauthorized, "token_expired"
	case errors.Is(err, errs.ErrMalformedToken):
		status, code = http.StatusBadRequest, "malformed_token"
	case errors.Is(err, errs.ErrUnauthorized):
		status, code = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, errs.ErrRateLimited):
		status, code = http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, errs.ErrAlreadyExists):
		status, code = http.StatusConflict, "already_exists"
	case errors.Is(err, errs.ErrVersionConflict):
		status, code = http.StatusConflict, "version_conflict"
	case errors.Is(err, errs.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	default:
		status, code = http.StatusInternalServerError, "internal"
	}
	return c.JSON(status, errorResponse{Error: code})
}

type tokenPairResponse struct {
	Success          bool      `json:"success"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	SessionID        string    `json:"session_id"`
	TokenExpiresAt   time.Time `json:"token_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func pairResponse(pair model.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		Success:          true,
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		SessionID:        pair.SessionID.String(),
		TokenExpiresAt:   pair.TokenExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

func (s *Server) handleRegister(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	userID, err := s.auth.Register(c.Request().Context(), req.Email, req.Password, req.Role)
	if err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			return writeError(c, err)
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"user_id": userID})
}

type loginRequest struct {
	Email    string           `json:"email"`
	Password string           `json:"password"`
	Device   model.DeviceInfo `json:"device"`
	Remember bool             `json:"remember,omitempty"`
}

func (s *Server) handleLogin(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	pair, _, err := s.auth.LoginWithIP(
		c.Request().Context(), req.Email, req.Password, c.RealIP(), req.Device, req.Remember)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, pairResponse(pair))
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	SessionID    string `json:"session_id"`
}

func (s *Server) handleRefresh(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	sid, err := uuid.FromString(req.SessionID)
	if err != nil {
		return writeError(c, errs.ErrMalformedToken)
	}
	pair, err := s.auth.Refresh(c.Request().Context(), sid, req.RefreshToken)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, pairResponse(pair))
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
	SessionID    string `json:"session_id"`
}

func (s *Server) handleLogout(c echo.Context) error {
	var req logoutRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	sid, err := uuid.FromString(req.SessionID)
	if err != nil {
		return writeError(c, errs.ErrMalformedToken)
	}
	if err := s.auth.Logout(c.Request().Context(), sid, req.RefreshToken); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

type biometricLoginRequest struct {
	SessionID string `json:"session_id"`
	DeviceID  string `json:"device_id"`
	Secret    []byte `json:"secret"`
}

func (s *Server) handleBiometricLogin(c echo.Context) error {
	var req biometricLoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	sid, err := uuid.FromString(req.SessionID)
	if err != nil {
		return writeError(c, errs.ErrMalformedToken)
	}
	pair, err := s.auth.BiometricLogin(c.Request().Context(), sid, req.DeviceID, req.Secret)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, pairResponse(pair))
}

type biometricEnrollRequest struct {
	Secret []byte `json:"secret"`
}

func (s *Server) handleBiometricEnroll(c echo.Context) error {
	var req biometricEnrollRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	claims := claimsFrom(c)
	if err := s.auth.EnrollBiometric(c.Request().Context(), claims.SessionID, req.Secret); err != nil {
		if errors.Is(err, errs.ErrSessionRevoked) || errors.Is(err, errs.ErrNotFound) {
			return writeError(c, err)
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

type sessionView struct {
	SessionID    string    `json:"session_id"`
	DeviceID     string    `json:"device_id"`
	DeviceName   string    `json:"device_name,omitempty"`
	Platform     string    `json:"platform,omitempty"`
	Remembered   bool      `json:"remembered"`
	Current      bool      `json:"current"`
	IssuedAt     time.Time `json:"issued_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (s *Server) handleSessions(c echo.Context) error {
	claims := claimsFrom(c)
	sessions, err := s.auth.Sessions(c.Request().Context(), claims.UserID)
	if err != nil {
		return writeError(c, err)
	}
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, sessionView{
			SessionID:    sess.ID.String(),
			DeviceID:     sess.DeviceID,
			DeviceName:   sess.DeviceName,
			Platform:     sess.Platform,
			Remembered:   sess.Remembered,
			Current:      sess.ID == claims.SessionID,
			IssuedAt:     sess.IssuedAt,
			LastActivity: sess.LastActivity,
			ExpiresAt:    sess.ExpiresAt,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": views})
}

func (s *Server) handleRevokeAll(c echo.Context) error {
	claims := claimsFrom(c)
	if err := s.auth.RevokeAll(c.Request().Context(), claims.UserID); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}
