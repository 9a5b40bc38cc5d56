package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"listen-engine/internal/engine"
	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/pipeline"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	p, err := s.service.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	pipelines, err := s.service.List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pipelines": pipelines,
		"limit":     opts.Limit,
		"offset":    opts.Offset,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.service.Stats(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetStep(w http.ResponseWriter, r *http.Request) {
	step, err := s.service.StepStatus(r.Context(), r.PathValue("id"), r.PathValue("step"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (s *Server) handleCancelPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := s.service.CancelPipeline(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCancelStep(w http.ResponseWriter, r *http.Request) {
	p, err := s.service.CancelStep(r.Context(), r.PathValue("id"), r.PathValue("step"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// parseListOptions 解析 user_id、status（逗号分隔或重复参数）、limit、offset、order 与
// updated_since / updated_until（Unix 秒）。
func parseListOptions(r *http.Request) (engine.ListOptions, error) {
	q := r.URL.Query()
	opts := []engine.ListOption{engine.WithUser(q.Get("user_id"))}

	var statuses []pipeline.Status
	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			status := pipeline.Status(strings.ToLower(part))
			if !pipeline.IsValidStatus(status) {
				return engine.ListOptions{}, invalidQuery("status", part)
			}
			statuses = append(statuses, status)
		}
	}
	if len(statuses) > 0 {
		opts = append(opts, engine.WithStatuses(statuses...))
	}

	for _, field := range []struct {
		name  string
		apply func(int) engine.ListOption
	}{
		{"limit", engine.WithLimit},
		{"offset", engine.WithOffset},
	} {
		if raw := q.Get(field.name); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return engine.ListOptions{}, invalidQuery(field.name, raw)
			}
			opts = append(opts, field.apply(n))
		}
	}

	for _, field := range []struct {
		name  string
		apply func(time.Time) engine.ListOption
	}{
		{"updated_since", engine.WithUpdatedSince},
		{"updated_until", engine.WithUpdatedUntil},
	} {
		if raw := q.Get(field.name); raw != "" {
			sec, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return engine.ListOptions{}, invalidQuery(field.name, raw)
			}
			opts = append(opts, field.apply(time.Unix(sec, 0).UTC()))
		}
	}

	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, engine.WithSortOrder(engine.SortByUpdatedAsc))
	default:
		return engine.ListOptions{}, invalidQuery("order", q.Get("order"))
	}
	return engine.NewListOptions(opts...), nil
}

func invalidQuery(name, value string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, "查询参数无效: "+name,
		xerrors.WithMetadata("parameter", name),
		xerrors.WithMetadata("value", value))
}
