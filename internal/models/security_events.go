package models

import "time"

type EventType string

const (
	EventRegistered           EventType = "user.registered"
	EventRegistrationRollback EventType = "user.registration_rolled_back"
	EventOTPResent            EventType = "user.otp_resent"
	EventVerified             EventType = "user.verified"
	EventLoginSucceeded       EventType = "user.login_succeeded"
	EventLoginFailed          EventType = "user.login_failed"
	EventPasswordChanged      EventType = "user.password_changed"
	EventProfileUpdated       EventType = "user.profile_updated"
	EventAdminUpdated         EventType = "user.admin_updated"
)

// SecurityEvent is an append-only audit record of one account lifecycle step.
type SecurityEvent struct {
	EventID     string            `json:"event_id" db:"event_id"`
	EventBucket int               `json:"event_bucket" db:"event_bucket"`
	EventDate   string            `json:"event_date" db:"event_date"`
	EventTime   time.Time         `json:"event_time" db:"event_time"`
	EventType   EventType         `json:"event_type" db:"event_type"`
	UserID      string            `json:"user_id,omitempty" db:"user_id"`
	ActorID     string            `json:"actor_id,omitempty" db:"actor_id"`
	IPAddress   string            `json:"ip_address,omitempty" db:"ip_address"`
	RequestID   string            `json:"request_id,omitempty" db:"request_id"`
	Details     map[string]string `json:"details,omitempty" db:"details"`
}
