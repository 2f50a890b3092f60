package http

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"strings"

	robot "ot2-driver/internal/robot/domain"
	"ot2-driver/internal/robot/infrastructure/ot2api"
	"ot2-driver/internal/robot/interfaces/report"
)

const runsPrefix = "/api/v1/runs/"

// RunReader fetches runs and their command logs.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (robot.Run, error)
	GetCommands(ctx context.Context, runID string) ([]robot.Command, error)
}

// RunHandler serves run records and rendered run reports.
type RunHandler struct {
	reader RunReader
}

// NewRunHandler constructs a run handler.
func NewRunHandler(reader RunReader) (*RunHandler, error) {
	if reader == nil {
		return nil, errors.New("run handler: nil reader")
	}
	return &RunHandler{reader: reader}, nil
}

// ServeHTTP handles GET /api/v1/runs/{id} and /api/v1/runs/{id}/report.{pdf,xlsx}.
func (h *RunHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, runsPrefix), "/"), "/")
	if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	runID := parts[0]
	format := ""
	if len(parts) == 2 {
		switch parts[1] {
		case "report.pdf":
			format = "pdf"
		case "report.xlsx":
			format = "xlsx"
		default:
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
	}

	record, err := h.load(r.Context(), runID)
	if err != nil {
		if ot2api.StatusCode(err) == http.StatusNotFound {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	switch format {
	case "pdf":
		data, err := report.BuildRunPDF(record)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", attachment(runID+".pdf"))
		_, _ = w.Write(data)
	case "xlsx":
		data, err := report.BuildRunXLSX(record)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", attachment(runID+".xlsx"))
		_, _ = w.Write(data)
	default:
		writeJSON(w, http.StatusOK, record)
	}
}

func (h *RunHandler) load(ctx context.Context, runID string) (robot.RunRecord, error) {
	run, err := h.reader.GetRun(ctx, runID)
	if err != nil {
		return robot.RunRecord{}, err
	}
	commands, err := h.reader.GetCommands(ctx, runID)
	if err != nil {
		return robot.RunRecord{}, err
	}
	return robot.RunRecord{Run: run, Commands: commands, Error: run.ErrorMessage()}, nil
}

func attachment(filename string) string {
	return mime.FormatMediaType("attachment", map[string]string{"filename": filename})
}
