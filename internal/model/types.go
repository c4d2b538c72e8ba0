package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID accepts both JSON numbers and numeric strings; publishers are not consistent.
type ID int64

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q", s)
		}
		*id = ID(v)
		return nil
	}
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*id = ID(v)
	return nil
}

func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobSent      JobStatus = "sent"
	JobDelivered JobStatus = "delivered"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether a job can no longer change status.
func (s JobStatus) Terminal() bool {
	return s == JobDelivered || s == JobFailed
}

type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageAudio    MessageType = "audio"
	MessageDocument MessageType = "document"
)

func (t MessageType) IsMedia() bool {
	switch t {
	case MessageImage, MessageVideo, MessageAudio, MessageDocument:
		return true
	}
	return false
}

// DefaultMime is the content type announced for a fetched attachment.
func (t MessageType) DefaultMime() string {
	switch t {
	case MessageImage:
		return "image/jpeg"
	case MessageVideo:
		return "video/mp4"
	case MessageAudio:
		return "audio/mpeg"
	case MessageDocument:
		return "application/pdf"
	}
	return "application/octet-stream"
}

// Job is the queue body of one outbound message.
type Job struct {
	BatchID       string         `json:"batch_id"`
	Number        string         `json:"number"`
	Message       string         `json:"message,omitempty"`
	UserID        ID             `json:"user_id"`
	Type          MessageType    `json:"type"`
	MediaURL      string         `json:"media_url,omitempty"`
	MediaFilename string         `json:"media_filename,omitempty"`
	APIConsumerID ID             `json:"api_consumer_id"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// JobRow is the persisted status of one (batch, recipient) pair.
type JobRow struct {
	BatchID      string
	Recipient    string
	Status       JobStatus
	MessageType  MessageType
	ErrorMessage string
	SentAt       int64
	DeliveredAt  int64
}

// SessionRecord mirrors one whatsapp_numbers row that claims a live session.
type SessionRecord struct {
	TenantID   int64
	UserID     int64
	Address    string
	SessionKey string
}

// Admission is everything Connect needs to decide whether a number may pair.
type Admission struct {
	WhatsAppNumberID int64
	AppUserID        int64
	IsActive         bool
	HasSubscription  bool
	MaxPhoneNumbers  int
	ActiveNumbers    int
	// ActiveAddresses lists the owner's numbers persisted as active.
	ActiveAddresses []string
}

type Consumer struct {
	ID   int64
	Name string
}

func SessionKey(tenantID, userID int64, address string) string {
	return fmt.Sprintf("%d-%d-%s", tenantID, userID, address)
}
