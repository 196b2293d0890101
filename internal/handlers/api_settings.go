package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"

	"gorm.io/gorm"

	"github.com/flakeguard/flakeguard/internal/api"
	"github.com/flakeguard/flakeguard/internal/database"
)

// handleGetNotifySettings handles GET /api/settings/notify
func (h *APIHandler) handleGetNotifySettings(w http.ResponseWriter, r *http.Request) {
	settings, err := database.GetNotifySettings(h.db)
	if err != nil {
		api.RespondError(w, http.StatusNotFound, "Settings not found")
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"id":            settings.ID,
		"bot_token":     maskToken(settings.BotToken),
		"channel":       settings.Channel,
		"enabled":       settings.Enabled,
		"is_configured": settings.IsConfigured(),
		"updated_at":    settings.UpdatedAt,
	})
}

// handleUpdateNotifySettings handles PUT /api/settings/notify
func (h *APIHandler) handleUpdateNotifySettings(w http.ResponseWriter, r *http.Request) {
	var req api.UpdateNotifySettingsRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	settings, err := database.GetNotifySettings(h.db)
	if err != nil {
		api.RespondError(w, http.StatusNotFound, "Settings not found")
		return
	}

	if req.BotToken != nil {
		settings.BotToken = *req.BotToken
	}
	if req.Channel != nil {
		settings.Channel = *req.Channel
	}
	if req.Enabled != nil {
		settings.Enabled = *req.Enabled
	}

	if err := database.UpdateNotifySettings(h.db, settings); err != nil {
		api.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if h.notifier != nil {
		if err := h.notifier.Reload(); err != nil {
			api.RespondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	api.RespondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// handleListIngestKeys handles GET /api/settings/ingest-keys
func (h *APIHandler) handleListIngestKeys(w http.ResponseWriter, r *http.Request) {
	var keys []database.IngestKey
	if err := h.db.Order("id asc").Find(&keys).Error; err != nil {
		api.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type keyResponse struct {
		ID        uint   `json:"id"`
		Name      string `json:"name"`
		KeyPrefix string `json:"key_prefix"`
		Enabled   bool   `json:"enabled"`
	}
	response := make([]keyResponse, 0, len(keys))
	for _, k := range keys {
		response = append(response, keyResponse{
			ID:        k.ID,
			Name:      k.Name,
			KeyPrefix: maskToken(k.Key),
			Enabled:   k.Enabled,
		})
	}
	api.RespondJSON(w, http.StatusOK, response)
}

// handleCreateIngestKey handles POST /api/settings/ingest-keys.
// The full key is returned exactly once, at creation time.
func (h *APIHandler) handleCreateIngestKey(w http.ResponseWriter, r *http.Request) {
	var req api.CreateIngestKeyRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fieldErrors := api.Validate(req); fieldErrors != nil {
		api.RespondValidationError(w, fieldErrors)
		return
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		api.RespondError(w, http.StatusInternalServerError, "failed to generate key")
		return
	}
	key := database.IngestKey{
		Name: req.Name,
		Key:  "fgk_" + hex.EncodeToString(raw),
	}
	if err := h.db.Create(&key).Error; err != nil {
		api.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.reloadIngestKeys()
	api.RespondJSON(w, http.StatusCreated, key)
}

// handleDeleteIngestKey handles DELETE /api/settings/ingest-keys/{id}
func (h *APIHandler) handleDeleteIngestKey(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, "invalid key id")
		return
	}

	var key database.IngestKey
	if err := h.db.First(&key, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			api.RespondError(w, http.StatusNotFound, "ingest key not found")
			return
		}
		api.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.db.Delete(&key).Error; err != nil {
		api.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.reloadIngestKeys()
	api.RespondNoContent(w)
}

func (h *APIHandler) reloadIngestKeys() {
	if h.keysReload != nil {
		h.keysReload()
	}
}

// maskToken hides all but the first few characters of a secret.
func maskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return "****"
	}
	return token[:8] + "****"
}
