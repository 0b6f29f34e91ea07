package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/beamdrop/beamdrop/internal/session"
	"github.com/beamdrop/beamdrop/pkg/proto"
)

// handleCapabilities serves protocol discovery. It never requires the secret
// so a sender can probe before pairing.
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodOptions {
		s.jsonError(w, proto.CodeValidation, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	caps := s.opts.Engine.Capabilities()
	caps.PINRequired = s.opts.Gate.Enabled()
	s.writeJSON(w, http.StatusOK, caps)
}

// handleUploads serves the collection route: create a session, or list the
// resumable ones.
func (s *Server) handleUploads(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.withGate("CreateUpload", s.handleCreateUpload)(w, r)
	case http.MethodGet:
		s.handleListUploads(w, r)
	default:
		s.jsonError(w, proto.CodeValidation, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	var req proto.CreateUploadRequest
	// An empty body is fine; the request may be described by headers alone.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.jsonError(w, proto.CodeValidation, "invalid request body", http.StatusBadRequest)
		return
	}
	// Upload-Length may carry the size instead of the body.
	if req.Size == 0 {
		if v := r.Header.Get(proto.HeaderLength); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				req.Size = n
			}
		}
	}

	sess, err := s.opts.Engine.Create(req)
	if err != nil {
		s.opts.Audit.LogUploadOp("CreateUpload", "", req.FileName, "denied", err.Error(), remoteIP(r))
		s.writeEngineError(w, err)
		return
	}
	s.opts.Audit.LogUploadOp("CreateUpload", sess.ID, sess.FileName, "allowed", "", remoteIP(r))

	location := "/api/v1/uploads/" + sess.ID
	w.Header().Set("Location", location)
	s.writeJSON(w, http.StatusCreated, proto.CreateUploadResponse{
		ID:       sess.ID,
		Offset:   0,
		Location: location,
	})
}

func (s *Server) handleListUploads(w http.ResponseWriter, _ *http.Request) {
	sessions := s.opts.Engine.ListIncomplete()
	resp := proto.UploadListResponse{Uploads: make([]proto.UploadInfo, 0, len(sessions))}
	for _, sess := range sessions {
		resp.Uploads = append(resp.Uploads, uploadInfo(sess))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleUploadByID serves the per-session routes: offset query, chunk append,
// cancel, and metadata.
func (s *Server) handleUploadByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/uploads/")
	if id == "" || strings.Contains(id, "/") {
		s.jsonError(w, proto.CodeNotFound, "upload not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodHead:
		s.handleOffset(w, r, id)
	case http.MethodGet:
		s.handleUploadInfo(w, r, id)
	case http.MethodPatch:
		s.withGate("AppendChunk", func(w http.ResponseWriter, r *http.Request) {
			s.handleAppend(w, r, id)
		})(w, r)
	case http.MethodDelete:
		s.withGate("CancelUpload", func(w http.ResponseWriter, r *http.Request) {
			s.handleCancel(w, r, id)
		})(w, r)
	default:
		s.jsonError(w, proto.CodeValidation, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleOffset reports the durable offset in the Upload-Offset header. The
// figure comes from storage, so a sender can trust it immediately after the
// receiver restarts.
func (s *Server) handleOffset(w http.ResponseWriter, _ *http.Request, id string) {
	offset, err := s.opts.Engine.Offset(id)
	if err != nil {
		// HEAD has no body; the status code carries the outcome.
		w.WriteHeader(engineErrorStatus(err))
		return
	}

	w.Header().Set(proto.HeaderOffset, strconv.FormatInt(offset, 10))
	if sess, err := s.opts.Engine.Info(id); err == nil {
		w.Header().Set(proto.HeaderLength, strconv.FormatInt(sess.ExpectedSize, 10))
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUploadInfo(w http.ResponseWriter, _ *http.Request, id string) {
	sess, err := s.opts.Engine.Info(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, uploadInfo(sess))
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request, id string) {
	offsetHdr := r.Header.Get(proto.HeaderOffset)
	if offsetHdr == "" {
		s.jsonError(w, proto.CodeValidation, proto.HeaderOffset+" header required", http.StatusBadRequest)
		return
	}
	offset, err := strconv.ParseInt(offsetHdr, 10, 64)
	if err != nil || offset < 0 {
		s.jsonError(w, proto.CodeValidation, "invalid "+proto.HeaderOffset+" header", http.StatusBadRequest)
		return
	}

	// A stalled sender must not hold the transfer slot forever.
	if s.opts.ChunkReadTimeout > 0 {
		rc := http.NewResponseController(w)
		_ = rc.SetReadDeadline(time.Now().Add(s.opts.ChunkReadTimeout))
	}

	newOffset, completed, err := s.opts.Engine.Append(id, offset, r.Body)
	if err != nil {
		s.opts.Audit.LogUploadOp("AppendChunk", id, "", "denied", err.Error(), remoteIP(r))
		s.writeEngineError(w, err)
		return
	}

	w.Header().Set(proto.HeaderOffset, strconv.FormatInt(newOffset, 10))
	s.writeJSON(w, http.StatusOK, proto.AppendResponse{
		Offset:    newOffset,
		Completed: completed,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.opts.Engine.Cancel(id); err != nil {
		s.opts.Audit.LogUploadOp("CancelUpload", id, "", "denied", err.Error(), remoteIP(r))
		s.writeEngineError(w, err)
		return
	}
	s.opts.Audit.LogUploadOp("CancelUpload", id, "", "allowed", "", remoteIP(r))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, proto.CodeValidation, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := proto.ServerStatus{
		Running:       true,
		Version:       s.opts.Version,
		Protocol:      proto.ProtocolVersion,
		Port:          s.port,
		ActiveUploads: s.opts.Engine.ActiveCount(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}
	if s.opts.Free != nil {
		if free, ok := s.opts.Free.FreeBytes(); ok {
			status.StorageAvailable = true
			status.FreeBytes = free
		}
	}
	s.writeJSON(w, http.StatusOK, status)
}

func uploadInfo(sess *session.Session) proto.UploadInfo {
	return proto.UploadInfo{
		ID:            sess.ID,
		FileName:      sess.FileName,
		MimeType:      sess.MimeType,
		Size:          sess.ExpectedSize,
		BytesReceived: sess.BytesReceived,
		Status:        string(sess.Status),
		CreatedAt:     sess.CreatedAt,
		LastUpdatedAt: sess.LastUpdatedAt,
	}
}
