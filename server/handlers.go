package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/boubamga9/Pattyly-sub002/bind"
	"github.com/boubamga9/Pattyly-sub002/catalog"
	"github.com/boubamga9/Pattyly-sub002/ratelimit"
	"github.com/boubamga9/Pattyly-sub002/wrapper"
)

type handlers struct {
	catalogs Catalogs
	limiter  *ratelimit.Limiter
	health   Pinger
	logger   *zap.Logger
}

type invalidateResponse struct {
	ShopID  string `json:"shop_id"`
	Version int64  `json:"version"`
}

type statsRequest struct {
	Client string `query:"client" validate:"required,max=256"`
	Route  string `query:"route" validate:"required,startswith=/"`
}

type statsResponse struct {
	Client string `json:"client"`
	Route  string `json:"route"`
	Count  int64  `json:"count"`
	TTLMS  int64  `json:"ttl_ms"`
}

type resetRequest struct {
	Client string `json:"client" validate:"required,max=256"`
	Route  string `json:"route" validate:"required,startswith=/"`
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			wrapper.SetError(r, wrapper.ErrServiceUnavailable)
			return
		}
	}
	wrapper.SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
}

// shopID reads and checks the {shopID} URL parameter. It sets a 400 and
// returns false when the id is not a UUID.
func shopID(r *http.Request) (string, bool) {
	id := chi.URLParam(r, "shopID")
	if _, err := uuid.Parse(id); err != nil {
		wrapper.SetError(r, wrapper.ErrBadRequest.WithParam("Invalid shop id", "shopID"))
		return "", false
	}
	return id, true
}

func (h *handlers) catalogError(r *http.Request, id string, err error) {
	if errors.Is(err, catalog.ErrShopNotFound) {
		wrapper.SetError(r, wrapper.ErrShopNotFound)
		return
	}
	h.logger.Error("catalog unavailable", zap.String("shop_id", id), zap.Error(err))
	wrapper.SetError(r, wrapper.ErrCatalogUnavailable)
}

func (h *handlers) getCatalog(w http.ResponseWriter, r *http.Request) {
	id, ok := shopID(r)
	if !ok {
		return
	}

	cat, err := h.catalogs.Load(r.Context(), id)
	if err != nil {
		h.catalogError(r, id, err)
		return
	}

	etag := `"v` + strconv.FormatInt(cat.Version, 10) + `"`
	wrapper.SetHeader(r, "ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		wrapper.SetResponse(r, http.StatusNotModified, nil)
		return
	}
	wrapper.SetResponse(r, http.StatusOK, cat)
}

func (h *handlers) invalidate(w http.ResponseWriter, r *http.Request) {
	id, ok := shopID(r)
	if !ok {
		return
	}

	version, err := h.catalogs.Invalidate(r.Context(), id)
	if err != nil {
		h.catalogError(r, id, err)
		return
	}
	wrapper.SetResponse(r, http.StatusOK, invalidateResponse{ShopID: id, Version: version})
}

func (h *handlers) rateLimitStats(w http.ResponseWriter, r *http.Request) {
	var req statsRequest
	if !bind.Query(r, &req) {
		return
	}

	st := h.limiter.Stats(r.Context(), req.Client, req.Route)
	wrapper.SetResponse(r, http.StatusOK, statsResponse{
		Client: req.Client,
		Route:  req.Route,
		Count:  st.Count,
		TTLMS:  st.TTL.Milliseconds(),
	})
}

func (h *handlers) rateLimitReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !bind.JSON(r, &req) {
		return
	}

	h.limiter.Reset(r.Context(), req.Client, req.Route)
	h.logger.Info("rate limit reset", zap.String("client", req.Client), zap.String("route", req.Route))
	wrapper.SetResponse(r, http.StatusNoContent, nil)
}
