package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wamator/internal/middleware"
	"wamator/internal/model"
	"wamator/internal/store"
)

type MessageStore interface {
	UserOwned(ctx context.Context, tenantID, userID int64) (bool, error)
	HasActiveSubscription(ctx context.Context, userID int64) (bool, error)
	AuthorizedContacts(ctx context.Context, tenantID, userID int64, numbers []string) (map[string]bool, error)
	InsertPendingJob(ctx context.Context, j store.PendingJob) error
	ListBatch(ctx context.Context, tenantID int64, batchID string) ([]model.JobRow, error)
}

type JobPublisher interface {
	Publish(ctx context.Context, messageID string, body []byte) error
}

type MessagesHandler struct {
	Store     MessageStore
	Publisher JobPublisher
	Log       zerolog.Logger
}

type sendRequest struct {
	Contacts   json.RawMessage `json:"contacts"`
	Message    string          `json:"message"`
	TemplateID any             `json:"template_id"`
	UserID     model.ID        `json:"user_id"`
	FileURL    string          `json:"file_url"`
	Caption    string          `json:"caption"`
}

// contact is one recipient object; every field other than number is available
// to {{placeholders}}.
type contact map[string]any

func (c contact) number() string {
	switch v := c["number"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

type failure struct {
	Number string `json:"number"`
	Error  string `json:"error"`
}

var (
	nonDigits   = regexp.MustCompile(`\D`)
	placeholder = regexp.MustCompile(`\{\{(.*?)\}\}`)
)

func digitsOnly(s string) string { return nonDigits.ReplaceAllString(s, "") }

// fillTemplate substitutes {{key}} with the contact's value for key, or nothing.
func fillTemplate(template string, c contact) string {
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		key := strings.TrimSpace(placeholder.FindStringSubmatch(m)[1])
		switch v := c[key].(type) {
		case nil:
			return ""
		case string:
			return v
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			if !v {
				return ""
			}
			return "true"
		default:
			return fmt.Sprint(v)
		}
	})
}

var extensionTypes = map[string]model.MessageType{
	".jpg": model.MessageImage, ".jpeg": model.MessageImage, ".png": model.MessageImage,
	".gif": model.MessageImage, ".webp": model.MessageImage,
	".mp4": model.MessageVideo, ".3gp": model.MessageVideo, ".mov": model.MessageVideo,
	".avi": model.MessageVideo, ".mkv": model.MessageVideo, ".webm": model.MessageVideo,
	".mp3": model.MessageAudio, ".ogg": model.MessageAudio, ".oga": model.MessageAudio,
	".wav": model.MessageAudio, ".m4a": model.MessageAudio, ".aac": model.MessageAudio, ".opus": model.MessageAudio,
	".pdf": model.MessageDocument, ".doc": model.MessageDocument, ".docx": model.MessageDocument,
	".xls": model.MessageDocument, ".xlsx": model.MessageDocument,
	".ppt": model.MessageDocument, ".pptx": model.MessageDocument,
}

// messageTypeFromURL infers the send type from the file extension in url.
// Extensions outside the table fall back to the system MIME registry.
func messageTypeFromURL(url string) model.MessageType {
	if url == "" {
		return model.MessageText
	}
	ext := strings.ToLower(path.Ext(mediaFilename(url)))
	if ext == "" {
		return model.MessageText
	}
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	ct := mime.TypeByExtension(ext)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return model.MessageImage
	case strings.HasPrefix(ct, "video/"):
		return model.MessageVideo
	case strings.HasPrefix(ct, "audio/"):
		return model.MessageAudio
	case ct == "application/pdf", strings.Contains(ct, "word"), strings.Contains(ct, "excel"), strings.Contains(ct, "powerpoint"):
		return model.MessageDocument
	}
	return model.MessageText
}

// mediaFilename is the last path segment of url without its query string.
func mediaFilename(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	if i := strings.LastIndex(url, "/"); i >= 0 {
		url = url[i+1:]
	}
	return url
}

func (h *MessagesHandler) Send(c *gin.Context) {
	tenantID, ok := middleware.TenantIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "API Key required"})
		return
	}

	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if len(req.Contacts) == 0 || string(req.Contacts) == "null" || req.UserID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields: contacts or user_id"})
		return
	}
	if req.Message == "" && req.FileURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Either message or file_url must be provided"})
		return
	}
	var contacts []contact
	if err := json.Unmarshal(req.Contacts, &contacts); err != nil || len(contacts) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Contacts must be a non-empty array"})
		return
	}

	ctx := c.Request.Context()
	userID := int64(req.UserID)

	owned, err := h.Store.UserOwned(ctx, tenantID, userID)
	if err != nil {
		h.internalError(c, err)
		return
	}
	if !owned {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found or not associated with this API consumer"})
		return
	}

	subscribed, err := h.Store.HasActiveSubscription(ctx, userID)
	if err != nil {
		h.internalError(c, err)
		return
	}
	if !subscribed {
		c.JSON(http.StatusForbidden, gin.H{
			"error": "No active subscription found for this user",
			"code":  "NO_ACTIVE_SUBSCRIPTION",
		})
		return
	}

	numbers := make([]string, len(contacts))
	for i, ct := range contacts {
		numbers[i] = digitsOnly(ct.number())
	}
	authorized, err := h.Store.AuthorizedContacts(ctx, tenantID, userID, numbers)
	if err != nil {
		h.internalError(c, err)
		return
	}
	invalid := []string{}
	for i, ct := range contacts {
		if !authorized[numbers[i]] {
			invalid = append(invalid, ct.number())
		}
	}
	if len(invalid) > 0 {
		allowed := make([]string, 0, len(authorized))
		for n := range authorized {
			allowed = append(allowed, n)
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":           "Some numbers are not authorized for messaging",
			"code":            "UNAUTHORIZED_NUMBERS",
			"invalidContacts": invalid,
			"allowedNumbers":  allowed,
		})
		return
	}

	batchID := uuid.NewString()
	msgType := messageTypeFromURL(req.FileURL)
	var filename string
	if req.FileURL != "" {
		filename = mediaFilename(req.FileURL)
	}
	log := h.Log.With().Str("batch_id", batchID).Int64("tenant_id", tenantID).Int64("user_id", userID).Logger()

	succeeded := 0
	failures := []failure{}
	for i, ct := range contacts {
		text := req.Message
		if text == "" && msgType.IsMedia() {
			text = req.Caption
		}
		job := model.Job{
			BatchID:       batchID,
			Number:        numbers[i],
			Message:       fillTemplate(text, ct),
			UserID:        req.UserID,
			Type:          msgType,
			MediaURL:      req.FileURL,
			MediaFilename: filename,
			APIConsumerID: model.ID(tenantID),
			Metadata:      metadataFor(ct, req.TemplateID),
		}
		if err := h.enqueue(ctx, job); err != nil {
			log.Error().Err(err).Str("number", ct.number()).Msg("failed to queue message")
			failures = append(failures, failure{Number: ct.number(), Error: err.Error()})
			continue
		}
		succeeded++
	}

	switch {
	case len(failures) == 0:
		log.Info().Int("count", succeeded).Msg("batch queued")
		c.JSON(http.StatusOK, gin.H{"status": "queued", "batch_id": batchID, "count": succeeded})
	case succeeded == 0:
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":   "failed",
			"error":    "All messages failed to queue",
			"failures": failures,
		})
	default:
		c.JSON(http.StatusMultiStatus, gin.H{
			"status":        "partial_success",
			"batch_id":      batchID,
			"success_count": succeeded,
			"failed_count":  len(failures),
			"failures":      failures,
		})
	}
}

// enqueue records the pending row before publishing so a consumer never sees a
// job without its row.
func (h *MessagesHandler) enqueue(ctx context.Context, job model.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	err = h.Store.InsertPendingJob(ctx, store.PendingJob{
		BatchID:   job.BatchID,
		TenantID:  int64(job.APIConsumerID),
		UserID:    int64(job.UserID),
		Recipient: job.Number,
		Message:   job.Message,
		Type:      job.Type,
		MediaURL:  job.MediaURL,
	})
	if err != nil {
		return fmt.Errorf("record job: %w", err)
	}
	if err := h.Publisher.Publish(ctx, job.BatchID+":"+job.Number, body); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

func metadataFor(c contact, templateID any) map[string]any {
	out := map[string]any{}
	if md, ok := c["metadata"].(map[string]any); ok {
		for k, v := range md {
			out[k] = v
		}
	}
	if templateID != nil {
		out["template_id"] = templateID
	}
	return out
}

func (h *MessagesHandler) internalError(c *gin.Context, err error) {
	h.Log.Error().Err(err).Msg("send messages")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error", "details": err.Error()})
}

type batchEntry struct {
	Recipient    string            `json:"recipient"`
	Status       model.JobStatus   `json:"status"`
	Type         model.MessageType `json:"message_type"`
	ErrorMessage string            `json:"error_message,omitempty"`
	SentAt       int64             `json:"sent_at,omitempty"`
	DeliveredAt  int64             `json:"delivered_at,omitempty"`
}

func (h *MessagesHandler) Batch(c *gin.Context) {
	tenantID, ok := middleware.TenantIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "API Key required"})
		return
	}
	batchID := c.Param("batchId")
	rows, err := h.Store.ListBatch(c.Request.Context(), tenantID, batchID)
	if err != nil {
		h.Log.Error().Err(err).Str("batch_id", batchID).Msg("list batch")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if len(rows) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Batch not found"})
		return
	}

	counts := map[model.JobStatus]int{}
	entries := make([]batchEntry, len(rows))
	for i, r := range rows {
		counts[r.Status]++
		entries[i] = batchEntry{
			Recipient:    r.Recipient,
			Status:       r.Status,
			Type:         r.MessageType,
			ErrorMessage: r.ErrorMessage,
			SentAt:       r.SentAt,
			DeliveredAt:  r.DeliveredAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"batch_id": batchID,
		"total":    len(rows),
		"counts":   counts,
		"messages": entries,
	})
}
