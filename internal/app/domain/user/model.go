package user

import "time"

// User represents a billed customer of the video platform. ExternalID is the
// identity-provider subject the webhook payloads reference.
type User struct {
	ID          string            `json:"id"`
	ExternalID  string            `json:"external_id,omitempty"`
	Email       string            `json:"email"`
	DisplayName string            `json:"display_name,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}
