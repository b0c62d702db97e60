package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"evalchat-backend/internal/conversation"
	"evalchat-backend/internal/dispatch"
	"evalchat-backend/internal/search"
	"evalchat-backend/internal/types"
	"evalchat-backend/internal/upload"
)

// maxUploadMemory is how much of a multipart body is kept in memory; the rest
// spills to temporary files.
const maxUploadMemory = 32 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := types.HealthResponse{Status: "ok", Time: s.deps.Now().UTC()}
	if s.deps.Database != nil {
		resp.Database = "ok"
		if err := s.deps.Database.HealthCheck(r.Context()); err != nil {
			log.Warn().Err(err).Str("component", "health").Msg("database ping failed")
			resp.Status = "degraded"
			resp.Database = "unreachable"
			s.writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if sid := getSessionID(r); sid != "" {
		s.deps.Registry.Forget(sid)
	}
	ClearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	cs, sid, ok := s.sessionStore(w, r)
	if !ok {
		return
	}
	s.writeChats(w, http.StatusOK, sid, cs)
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req types.CreateChatRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	cs, _, ok := s.sessionStore(w, r)
	if !ok {
		return
	}
	chat, err := cs.CreateChat(r.Context(), req.Name)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, chat)
}

func (s *Server) handleRenameChat(w http.ResponseWriter, r *http.Request) {
	var req types.RenameChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	cs, _, ok := s.sessionStore(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := cs.RenameChat(r.Context(), id, req.Name); err != nil {
		s.writeStoreError(w, err)
		return
	}
	chat, _ := cs.Chat(id)
	s.writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	cs, sid, ok := s.sessionStore(w, r)
	if !ok {
		return
	}
	if err := cs.DeleteChat(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeChats(w, http.StatusOK, sid, cs)
}

func (s *Server) handleSelectChat(w http.ResponseWriter, r *http.Request) {
	cs, sid, ok := s.sessionStore(w, r)
	if !ok {
		return
	}
	if err := cs.SelectChat(chi.URLParam(r, "id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeChats(w, http.StatusOK, sid, cs)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req types.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	att, err := conversation.JoinAttachment(req.Image, req.Document, req.Voice)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cs, _, ok := s.sessionStore(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Pipeline.Send(r.Context(), cs, dispatch.SendRequest{Text: req.Text, Attachment: att})
	switch {
	case errors.Is(err, dispatch.ErrEmptyMessage):
		s.writeError(w, http.StatusBadRequest, "message is required")
		return
	case errors.Is(err, dispatch.ErrBusy):
		s.writeError(w, http.StatusConflict, "a message is already being sent")
		return
	case errors.Is(err, dispatch.ErrNoActiveChat):
		s.writeError(w, http.StatusConflict, "no active chat")
		return
	case err != nil:
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, types.SendResponse{
		ChatID:           res.ChatID,
		UserMessage:      res.UserMessage,
		AssistantMessage: res.AssistantMessage,
		Failed:           res.Failed,
		Dropped:          res.Dropped,
		Notice:           res.Notice,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	kind := conversation.AttachmentKind(chi.URLParam(r, "kind"))
	limit, ok := uploadLimits[kind]
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown upload kind")
		return
	}
	getOrCreateSessionID(r, w)
	r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) || strings.Contains(err.Error(), "request body too large") {
			s.writeError(w, http.StatusRequestEntityTooLarge, tooLargeReasons[kind])
			return
		}
		s.writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "file is required (field 'file')")
		return
	}
	defer file.Close()

	in := upload.File{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var out any
	switch kind {
	case conversation.KindImage:
		out, err = s.deps.Uploader.Image(ctx, in)
	case conversation.KindDocument:
		out, err = s.deps.Uploader.Document(ctx, in)
	case conversation.KindVoice:
		duration, perr := parseDuration(r.FormValue("duration"))
		if perr != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid voice message duration")
			return
		}
		out, err = s.deps.Uploader.Voice(ctx, in, duration)
	}
	if err != nil {
		var ue *upload.Error
		if !errors.As(err, &ue) {
			s.writeError(w, http.StatusInternalServerError, "upload failed")
			return
		}
		code := http.StatusBadRequest
		switch {
		case errors.Is(err, upload.ErrTooLarge):
			code = http.StatusRequestEntityTooLarge
		case errors.Is(err, upload.ErrStorage):
			code = http.StatusInternalServerError
		}
		s.writeError(w, code, ue.Reason)
		return
	}
	s.writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleDeleteUpload(w http.ResponseWriter, r *http.Request) {
	if _, ok := uploadLimits[conversation.AttachmentKind(chi.URLParam(r, "kind"))]; !ok {
		s.writeError(w, http.StatusNotFound, "unknown upload kind")
		return
	}
	err := s.deps.Uploader.Delete(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		var ue *upload.Error
		switch {
		case errors.Is(err, upload.ErrNotFound) && errors.As(err, &ue):
			s.writeError(w, http.StatusNotFound, ue.Reason)
		case errors.As(err, &ue):
			s.writeError(w, http.StatusInternalServerError, ue.Reason)
		default:
			s.writeError(w, http.StatusInternalServerError, "delete failed")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseDuration reads the recorded length in seconds. A missing value is 0.
func parseDuration(v string) (float64, error) {
	if strings.TrimSpace(v) == "" {
		return 0, nil
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return 0, upload.ErrBadDuration
	}
	return d, nil
}

var uploadLimits = map[conversation.AttachmentKind]int64{
	conversation.KindImage:    upload.MaxImageSize,
	conversation.KindDocument: upload.MaxDocumentSize,
	conversation.KindVoice:    upload.MaxVoiceSize,
}

var tooLargeReasons = map[conversation.AttachmentKind]string{
	conversation.KindImage:    "Image size must be less than 10MB",
	conversation.KindDocument: "Document size must be less than 50MB",
	conversation.KindVoice:    "Voice message size must be less than 50MB",
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	cs, _, ok := s.sessionStore(w, r)
	if !ok {
		return
	}
	q := r.URL.Query().Get("q")
	results := search.Search(cs.Chats(), q)
	resp := types.SearchResponse{Query: q, Results: make([]types.SearchResult, 0, len(results))}
	for _, res := range results {
		resp.Results = append(resp.Results, types.SearchResult{
			ChatID:   res.ChatID,
			ChatName: res.ChatName,
			Message:  res.Message,
			Position: res.Position,
			Segments: search.Segments(res.Message.Text, q),
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSearchSelect(w http.ResponseWriter, r *http.Request) {
	var req types.SearchSelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	cs, _, ok := s.sessionStore(w, r)
	if !ok {
		return
	}
	h, err := search.Select(cs, req.ChatID, req.MessageID, s.deps.Now())
	if errors.Is(err, search.ErrMessageNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, h)
}

func (s *Server) writeChats(w http.ResponseWriter, code int, sid string, cs *conversation.Store) {
	s.writeJSON(w, code, types.ChatListResponse{
		SessionID:    sid,
		Chats:        cs.Chats(),
		ActiveChatID: cs.ActiveChatID(),
	})
}

// writeStoreError maps conversation store errors to HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversation.ErrChatNotFound):
		s.writeError(w, http.StatusNotFound, "chat not found")
	case errors.Is(err, conversation.ErrClosed):
		s.writeError(w, http.StatusConflict, "session has ended")
	case errors.Is(err, conversation.ErrLastChat):
		s.writeError(w, http.StatusConflict, "cannot delete the only remaining chat")
	case errors.Is(err, conversation.ErrEmptyMessage), errors.Is(err, conversation.ErrInvalidSender):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, conversation.ErrPersist):
		log.Error().Err(err).Str("component", "http").Msg("persist failed")
		s.writeError(w, http.StatusInternalServerError, "failed to save changes, please try again")
	default:
		log.Error().Err(err).Str("component", "http").Msg("request failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeOptional decodes a JSON body when one is present.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, types.ErrorResponse{Error: strings.TrimSpace(msg)})
}
